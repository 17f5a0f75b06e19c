// Package handlers is the management HTTP API: tunnel sessions, monitors and
// their history, ad hoc health probes, the server log and a live event
// stream.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"github.com/JinY0ung-Shin/PortKnox/internal/database"
	"github.com/JinY0ung-Shin/PortKnox/internal/events"
	"github.com/JinY0ung-Shin/PortKnox/internal/logging"
	"github.com/JinY0ung-Shin/PortKnox/internal/metrics"
	"github.com/JinY0ung-Shin/PortKnox/internal/monitor"
	"github.com/JinY0ung-Shin/PortKnox/internal/sshtunnel"
)

// TunnelService is the part of sshtunnel.Manager the API drives.
type TunnelService interface {
	Create(ctx context.Context, spec sshtunnel.Spec) (sshtunnel.Session, error)
	Stop(id string) error
	List() []sshtunnel.Session
	Get(id string) (sshtunnel.Session, bool)
}

// MonitorEngine runs on-demand checks and drops per-monitor state.
type MonitorEngine interface {
	PerformHealthCheck(ctx context.Context, id string) (*monitor.CheckReport, error)
	Forget(id string)
}

// SchedulerState reports whether periodic sweeps are running.
type SchedulerState interface {
	Running() bool
}

type API struct {
	Store     *database.Store
	Engine    MonitorEngine
	Prober    monitor.Prober
	Tunnels   TunnelService
	Scheduler SchedulerState
	Hub       *events.Hub
	Logs      *logging.Logs
	Defaults  monitor.Defaults
	Log       hclog.Logger
}

func (a *API) logger() hclog.Logger {
	if a.Log == nil {
		return hclog.NewNullLogger()
	}
	return a.Log
}

// Router mounts every route of the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(a.logger()))
	r.Use(chimw.Recoverer)

	r.Get("/health", a.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tunnels", a.ListTunnels)
		r.Post("/tunnels", a.CreateTunnel)
		r.Get("/tunnels/{id}", a.GetTunnel)
		r.Delete("/tunnels/{id}", a.StopTunnel)

		r.Get("/monitors", a.ListMonitors)
		r.Post("/monitors", a.CreateMonitor)
		r.Get("/monitors/{id}", a.GetMonitor)
		r.Put("/monitors/{id}", a.UpdateMonitor)
		r.Delete("/monitors/{id}", a.DeleteMonitor)
		r.Get("/monitors/{id}/history", a.GetMonitorHistory)
		r.Get("/monitors/{id}/alarms", a.GetMonitorAlarms)
		r.Post("/monitors/{id}/check", a.CheckMonitor)

		r.Get("/health-check", a.ProbePort)

		r.Get("/server-logs", a.GetServerLogs)
		r.Delete("/server-logs", a.ClearServerLogs)

		r.Get("/events", a.StreamEvents)
	})

	return r
}

// requestLogger logs one line per request through hclog.
func requestLogger(log hclog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}
