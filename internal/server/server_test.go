package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"backend-activpal/internal/auth"
	"backend-activpal/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "secret"
	}
	s, err := NewServer(cfg, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func health(t *testing.T, s *Server) map[string]any {
	t.Helper()
	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := s.App.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 status")
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return body
}

func TestHealthRoute(t *testing.T) {
	s := newTestServer(t, config.Config{ServerPort: ":0"})
	body := health(t, s)
	if body["status"] != "ok" || body["active_sessions"] != float64(0) {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestTrackingRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/tracking/commands/start", nil)
	resp, err := s.App.Test(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %v %v", resp.StatusCode, err)
	}
}

func TestTrackingSessionCountsInHealth(t *testing.T) {
	s := newTestServer(t, config.Config{})
	claims := auth.Claims{
		UserID:           "user-1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	command := func(action string) int {
		req := httptest.NewRequest(http.MethodPost, "/tracking/commands/"+action, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := s.App.Test(req, int((5 * time.Second).Milliseconds()))
		if err != nil {
			t.Fatalf("%s: %v", action, err)
		}
		return resp.StatusCode
	}

	if code := command("start"); code != http.StatusAccepted {
		t.Fatalf("start status %d", code)
	}
	if body := health(t, s); body["active_sessions"] != float64(1) {
		t.Fatalf("expected one active session, got %v", body)
	}
	if code := command("stop"); code != http.StatusAccepted {
		t.Fatalf("stop status %d", code)
	}
	if body := health(t, s); body["active_sessions"] != float64(0) {
		t.Fatalf("expected no active sessions, got %v", body)
	}
}

func TestRoutesGroupNeedsStore(t *testing.T) {
	s := newTestServer(t, config.Config{})
	if s.Routes != nil {
		t.Fatalf("expected no route store without postgres")
	}
	req := httptest.NewRequest(http.MethodGet, "/routes", nil)
	resp, err := s.App.Test(req)
	if err != nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without a store")
	}
}

func TestNewServerConfigErrors(t *testing.T) {
	cases := map[string]config.Config{
		"unknown store":          {RouteStore: "dynamo"},
		"firestore without proj": {RouteStore: "firestore"},
		"unknown fix source":     {FixSource: "bluetooth"},
		"missing gpx":            {SimGPXPath: filepath.Join(t.TempDir(), "missing.gpx")},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewServer(cfg, nil, nil, nil, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewServerNMEAAndGPX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.gpx")
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><trkseg>
    <trkpt lat="51.1640" lon="1.2890"></trkpt>
    <trkpt lat="51.1650" lon="1.2890"></trkpt>
  </trkseg></trk>
</gpx>`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write gpx: %v", err)
	}

	s := newTestServer(t, config.Config{FixSource: "nmea", NMEAPort: "/dev/null-gps", SimGPXPath: path})
	if s.Tracking == nil {
		t.Fatalf("expected tracking manager")
	}
}

func TestTrackingOptions(t *testing.T) {
	opts := trackingOptions(config.Config{
		TrackMaxAccuracyM: 50,
		TrackTickInterval: time.Second,
	})
	if opts.Thresholds.MaxAccuracyM != 50 || opts.TickInterval != time.Second {
		t.Fatalf("overrides not applied: %+v", opts)
	}
	if opts.Thresholds.MaxJumpM != 150 || opts.StallAfter != 7*time.Second {
		t.Fatalf("defaults lost: %+v", opts)
	}
}
