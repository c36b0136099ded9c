package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/fx"

	"github.com/pulseline/pulseline/config"
	"github.com/pulseline/pulseline/internal/confirm"
	"github.com/pulseline/pulseline/internal/fabric"
	"github.com/pulseline/pulseline/internal/metrics"
	"github.com/pulseline/pulseline/internal/ratelimit"
)

// NewRouter assembles the full HTTP surface: realtime control routes,
// notification submission, tracking endpoints and the metrics exposition.
func NewRouter(
	realtime *RealtimeHandler,
	notifications *NotificationHandler,
	ws *fabric.WSHandler,
	tracker *confirm.Tracker,
	limiter *ratelimit.Limiter,
	overrides *ratelimit.Overrides,
	reg *metrics.Registry,
) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Route("/sse", realtime.Routes)
	r.Get("/ws", ws.ServeHTTP)

	ingress := ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Limiter:      limiter,
		PolicySource: overrides.Ingress,
		KeyFunc:      ratelimit.ClientIP,
	})
	r.Route("/notifications", func(r chi.Router) {
		r.Use(ingress)
		notifications.Routes(r)
	})

	r.Get("/t/pixel/{token}", func(w http.ResponseWriter, req *http.Request) {
		tracker.ServePixel(w, req, chi.URLParam(req, "token"))
	})
	r.Get("/t/click/{token}", func(w http.ResponseWriter, req *http.Request) {
		tracker.ServeClick(w, req, chi.URLParam(req, "token"))
	})

	r.Method(http.MethodGet, "/metrics", reg.Handler())

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// NewServer wraps the router in an http.Server tuned from config. The write
// timeout defaults to zero so streaming connections are not cut off.
func NewServer(cfg *config.Config, router chi.Router) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

var Module = fx.Module("httpapi",
	fx.Provide(
		NewRealtimeHandler,
		NewNotificationHandler,
		NewRouter,
		NewServer,
	),
	fx.Invoke(func(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				logger.Info("http listener starting", "addr", srv.Addr)
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("http listener stopped", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}),
)
