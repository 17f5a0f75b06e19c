package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JinY0ung-Shin/PortKnox/internal/logutil"
	"github.com/JinY0ung-Shin/PortKnox/internal/sshtunnel"
)

func (a *API) ListTunnels(w http.ResponseWriter, r *http.Request) {
	sessions := a.Tunnels.List()
	if sessions == nil {
		sessions = []sshtunnel.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *API) CreateTunnel(w http.ResponseWriter, r *http.Request) {
	var spec sshtunnel.Spec
	if !decodeJSON(w, r, &spec) {
		return
	}

	sess, err := a.Tunnels.Create(r.Context(), spec)
	if err != nil {
		a.logger().Warn("tunnel create failed",
			"name", logutil.SanitizeForLog(spec.Name),
			"ssh_host", logutil.SanitizeForLog(spec.SSHHost),
			"error", err)
		writeError(w, tunnelErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) GetTunnel(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Tunnels.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) StopTunnel(w http.ResponseWriter, r *http.Request) {
	if err := a.Tunnels.Stop(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, sshtunnel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Tunnel not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// tunnelErrorStatus maps a tunnel failure kind to a response code. Failures
// on the gateway side of the hop are reported as bad gateway.
func tunnelErrorStatus(err error) int {
	switch sshtunnel.KindOf(err) {
	case sshtunnel.KindInvalid:
		return http.StatusBadRequest
	case sshtunnel.KindConflict:
		return http.StatusConflict
	case sshtunnel.KindAuth, sshtunnel.KindUnreachable, sshtunnel.KindForward:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
