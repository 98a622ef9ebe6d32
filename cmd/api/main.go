package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-activpal/internal/config"
	"backend-activpal/internal/db"
	"backend-activpal/internal/server"
	"backend-activpal/internal/shared/logging"

	"cloud.google.com/go/firestore"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadEnv          func() error
	loadConfig       func() config.Config
	connectPostgres  func(config.Config) (*pgxpool.Pool, error)
	connectRedis     func(config.Config) *redis.Client
	connectFirestore func(config.Config) (*firestore.Client, error)
	notify           func(chan<- os.Signal, ...os.Signal)
	run              func(context.Context, config.Config, Backends, <-chan os.Signal, ListenFunc) error
}

// Backends are the optional connections handed to the server. Any of them may be nil.
type Backends struct {
	Postgres  *pgxpool.Pool
	Redis     *redis.Client
	Firestore *firestore.Client
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadEnv:          func() error { return godotenv.Load() },
		loadConfig:       config.Load,
		connectPostgres:  db.ConnectPostgres,
		connectRedis:     db.ConnectRedis,
		connectFirestore: db.ConnectFirestore,
		notify:           signal.Notify,
		run:              Run,
	}
}

func realMain(deps mainDeps) {
	if err := deps.loadEnv(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env", "error", err)
	}
	cfg := deps.loadConfig()
	slog.SetDefault(logging.New(cfg.LogLevel))

	var backends Backends
	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		slog.Error("postgres connection failed", "error", err)
	}
	backends.Postgres = pg
	backends.Redis = deps.connectRedis(cfg)

	fs, err := deps.connectFirestore(cfg)
	if err != nil {
		slog.Error("firestore connection failed", "error", err)
	}
	backends.Firestore = fs

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, backends, signals, nil); err != nil {
		slog.Error("server exited with error", "error", err)
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the HTTP server and waits for termination signals. Active
// tracking sessions are finalized before the backends are closed.
func Run(ctx context.Context, cfg config.Config, b Backends, signals <-chan os.Signal, listen ListenFunc) error {
	defer b.close()

	srv, err := server.NewServer(cfg, b.Postgres, b.Redis, b.Firestore, slog.Default())
	if err != nil {
		return err
	}
	defer srv.Close()

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return shutdownFn(srv.App, shutdownCtx)
}

func (b Backends) close() {
	if b.Postgres != nil {
		b.Postgres.Close()
	}
	if b.Redis != nil {
		_ = b.Redis.Close()
	}
	if b.Firestore != nil {
		_ = b.Firestore.Close()
	}
}
