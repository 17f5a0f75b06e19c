package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// probeTimeout bounds the ad hoc port probe.
const probeTimeout = 5 * time.Second

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if a.Store != nil && a.Store.Ping() == nil {
		dbStatus = "connected"
	}

	schedStatus := "stopped"
	if a.Scheduler != nil && a.Scheduler.Running() {
		schedStatus = "running"
	}

	tunnels := 0
	if a.Tunnels != nil {
		tunnels = len(a.Tunnels.List())
	}

	status := "healthy"
	code := http.StatusOK
	if dbStatus != "connected" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"database":       dbStatus,
		"scheduler":      schedStatus,
		"active_tunnels": tunnels,
	})
}

// ProbePort checks http://localhost:{port}/health once, for verifying a
// freshly bound tunnel end to end.
func (a *API) ProbePort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.URL.Query().Get("port"))
	if err != nil || port < 1 || port > 65535 {
		writeError(w, http.StatusBadRequest, "port must be between 1 and 65535")
		return
	}

	target := fmt.Sprintf("http://localhost:%d/health", port)
	res := a.Prober.Check(r.Context(), target, probeTimeout)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"port":             port,
		"url":              target,
		"healthy":          res.Healthy,
		"status_code":      res.StatusCode,
		"response_time_ms": res.ElapsedMs,
		"error":            res.ErrorMessage,
		"checked_at":       res.CheckedAt,
	})
}
