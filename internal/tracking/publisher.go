package tracking

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"backend-activpal/internal/routes"
)

// Publisher delivers an encoded snapshot to whoever listens for userID.
// Implementations must not block. *stream.Hub satisfies it.
type Publisher interface {
	Publish(userID string, payload []byte)
}

// RouteSaver is the write half of routes.Store.
type RouteSaver interface {
	Save(ctx context.Context, rec routes.Record) error
}

// Foreground is the host hook an engine holds while a session is live.
type Foreground interface {
	Enter(userID, text string)
	Update(userID, text string)
	Leave(userID string)
}

// LogForeground keeps the current status line per user and logs changes.
type LogForeground struct {
	log   *slog.Logger
	mu    sync.Mutex
	lines map[string]string
}

func NewLogForeground(log *slog.Logger) *LogForeground {
	return &LogForeground{log: log, lines: map[string]string{}}
}

func (f *LogForeground) Enter(userID, text string) {
	f.mu.Lock()
	f.lines[userID] = text
	f.mu.Unlock()
	f.log.Info("foreground entered", "user_id", userID, "status", text)
}

func (f *LogForeground) Update(userID, text string) {
	f.mu.Lock()
	prev, ok := f.lines[userID]
	if ok {
		f.lines[userID] = text
	}
	f.mu.Unlock()
	if ok && prev != text {
		f.log.Debug("foreground updated", "user_id", userID, "status", text)
	}
}

func (f *LogForeground) Leave(userID string) {
	f.mu.Lock()
	delete(f.lines, userID)
	f.mu.Unlock()
	f.log.Info("foreground left", "user_id", userID)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, []byte) {}

func encodeSnapshot(snap Snapshot) []byte {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	return payload
}
