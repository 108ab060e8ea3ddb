// Package app wires the chat server runtime: config, logging, storage, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"talentchat/cmd/internal/auth/session"
	"talentchat/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App owns the HTTP server and the gateway dependencies.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool // nil in in-memory mode
	store realtime.MessageStore

	ws       *realtime.WSGateway
	registry *prometheus.Registry
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	auth, err := session.NewServiceFromConfig(sessCfg)
	if err != nil {
		return nil, err
	}

	pool, store, members, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ws := realtime.NewWSGateway(log, realtime.NewHub(log), store, auth, members,
		realtime.WithGatewayConfig(realtime.GatewayConfigFromEnv()),
		realtime.WithMetrics(realtime.NewMetrics(reg)),
	)

	return &App{
		cfg:      cfg,
		log:      log,
		pool:     pool,
		store:    store,
		ws:       ws,
		registry: reg,
	}, nil
}

// Handler returns the routed HTTP surface.
func (a *App) Handler() http.Handler {
	rt := routes{log: a.log, cfg: a.cfg, ws: a.ws, registry: a.registry}
	if a.pool != nil {
		pool := a.pool
		rt.ping = func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) }
	}
	return newRouter(rt)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil, "metrics", a.cfg.MetricsEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.Close()
		return err
	}

	a.Close()
	a.log.Info("server.stopped")
	return nil
}

// Close releases the message store and the database pool. The app owns the pool.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStores picks Postgres-backed persistence when a database URL is set and the in-memory store otherwise.
// A nil MembershipStore admits every authenticated user.
func newStores(ctx context.Context, cfg Config, log Logger) (*pgxpool.Pool, realtime.MessageStore, realtime.MembershipStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nil, realtime.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	if cfg.DBAutoMigrate {
		if err := realtime.EnsureSchema(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		log.Info("db.schema.ensured", "schema", cfg.DBSchema)
	}

	pg, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	members, err := realtime.NewPostgresMembershipStore(pool, realtime.WithMembershipSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}

	store := realtime.NewBreakerStore(pg, log, realtime.BreakerOptions{
		ConsecutiveFailures: uint32(max(cfg.BreakerFailures, 0)),
		OpenTimeout:         cfg.BreakerOpenTimeout,
	})

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return pool, store, members, nil
}
