package app

import (
	"context"
	"net/http"
	"time"

	"talentchat/cmd/internal/realtime"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes carries what the HTTP surface needs from the wired App.
type routes struct {
	log      Logger
	cfg      Config
	ping     func(ctx context.Context) error // nil when no database is configured
	ws       *realtime.WSGateway
	registry *prometheus.Registry
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, rt.log) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && rt.ping == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if rt.ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rt.ping(ctx); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.cfg.MetricsEnabled && rt.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	}

	// The gateway enforces its own origin allowlist during the upgrade.
	r.Handle("/ws", rt.ws)

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return WithCORS(next, rt.cfg, rt.log) })
		r.Use(middleware.Timeout(10 * time.Second))
		r.Method(http.MethodGet, "/v1/conversations/{conversationID}/messages", rt.ws.HistoryHandler())
		r.Options("/v1/conversations/{conversationID}/messages", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}
