package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"backend-activpal/internal/auth"
	"backend-activpal/internal/config"
	"backend-activpal/internal/location"
	"backend-activpal/internal/routes"
	"backend-activpal/internal/shared/logging"
	"backend-activpal/internal/stream"
	"backend-activpal/internal/tracking"

	"cloud.google.com/go/firestore"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const schemaTimeout = 5 * time.Second

type Server struct {
	App       *fiber.App
	Cfg       config.Config
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Firestore *firestore.Client
	Stream    *stream.Hub
	Tracking  *tracking.Manager
	Routes    routes.Store

	log *slog.Logger
}

func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client, fs *firestore.Client, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = logging.Discard()
	}

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:       app,
		Cfg:       cfg,
		DB:        db,
		Redis:     redisClient,
		Firestore: fs,
		Stream:    stream.NewHub(redisClient, log),
		log:       log.With("component", "server"),
	}

	store, err := s.routeStore()
	if err != nil {
		s.Stream.Close()
		return nil, err
	}
	s.Routes = store

	deps := tracking.ManagerDeps{
		Publisher: s.Stream,
		Log:       log,
		Options:   trackingOptions(cfg),
	}
	if store != nil {
		deps.Store = store
	}
	if err := s.fixSources(&deps); err != nil {
		s.Stream.Close()
		return nil, err
	}
	s.Tracking = tracking.NewManager(deps)

	registerRoutes(s)
	return s, nil
}

// Close finalizes active sessions and stops stream fan-out.
func (s *Server) Close() {
	s.Tracking.Close()
	s.Stream.Close()
}

func (s *Server) routeStore() (routes.Store, error) {
	switch s.Cfg.RouteStore {
	case "firestore":
		if s.Firestore == nil {
			return nil, fmt.Errorf("route store firestore requires FIRESTORE_PROJECT")
		}
		return routes.NewFirestoreStore(s.Firestore), nil
	case "", "postgres":
		if s.DB == nil {
			s.log.Warn("no postgres pool, finished routes will not be stored")
			return nil, nil
		}
		store := routes.NewPostgresStore(s.DB)
		ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("routes schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown route store %q", s.Cfg.RouteStore)
	}
}

func (s *Server) fixSources(deps *tracking.ManagerDeps) error {
	switch s.Cfg.FixSource {
	case "", "push":
		deps.Pushes = location.NewPushRegistry()
	case "nmea":
		receiver := location.NewNMEASource(s.Cfg.NMEAPort, s.Cfg.NMEABaud)
		deps.Live = func(string) location.Source { return receiver }
	default:
		return fmt.Errorf("unknown fix source %q", s.Cfg.FixSource)
	}

	route := location.DefaultSimRoute()
	if s.Cfg.SimGPXPath != "" {
		loaded, err := location.LoadGPXRoute(s.Cfg.SimGPXPath)
		if err != nil {
			return fmt.Errorf("simulation route: %w", err)
		}
		route = loaded
	}
	interval := s.Cfg.TrackSimInterval
	deps.Simulated = func(string) location.Source { return location.NewSimSource(route, interval) }
	return nil
}

func trackingOptions(cfg config.Config) tracking.Options {
	opts := tracking.DefaultOptions()
	th := &opts.Thresholds
	setFloat(&th.MaxAccuracyM, cfg.TrackMaxAccuracyM)
	setFloat(&th.MaxJumpM, cfg.TrackMaxJumpM)
	setFloat(&th.MinMoveM, cfg.TrackMinMoveM)
	setFloat(&th.RollingMinMoveM, cfg.TrackRollingMinMoveM)
	setDuration(&th.LongGap, cfg.TrackLongGap)
	setDuration(&th.RollingWindow, cfg.TrackRollingWindow)
	setDuration(&opts.TickInterval, cfg.TrackTickInterval)
	setDuration(&opts.StallAfter, cfg.TrackStallAfter)
	setDuration(&opts.StopGrace, cfg.TrackStopGrace)
	setDuration(&opts.PersistTimeout, cfg.TrackPersistTimeout)
	return opts
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "active_sessions": s.Tracking.Active()})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)
	authSvc := auth.NewService(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), authSvc)
	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Tracking, jwtMiddleware)
	if s.Routes != nil {
		routes.RegisterRoutes(s.App.Group("/routes"), s.Routes, jwtMiddleware)
	}
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, authSvc.ValidateAccessToken)
}
