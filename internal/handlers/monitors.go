package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JinY0ung-Shin/PortKnox/internal/database"
	"github.com/JinY0ung-Shin/PortKnox/internal/logutil"
	"github.com/JinY0ung-Shin/PortKnox/internal/monitor"
)

const (
	defaultHistoryLimit = 100
	defaultAlarmLimit   = 50
	maxListLimit        = 1000
)

type monitorRequest struct {
	Name            string   `json:"name"`
	URL             string   `json:"url"`
	CheckIntervalMs int64    `json:"check_interval_ms"`
	TimeoutMs       int64    `json:"timeout_ms"`
	EmailRecipients []string `json:"email_recipients"`
	Enabled         *bool    `json:"enabled"`
	Author          string   `json:"author"`
	Tags            []string `json:"tags"`
}

func (a *API) ListMonitors(w http.ResponseWriter, r *http.Request) {
	monitors, err := a.Store.ListMonitors()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list monitors")
		return
	}
	if monitors == nil {
		monitors = []database.Monitor{}
	}
	writeJSON(w, http.StatusOK, monitors)
}

func (a *API) CreateMonitor(w http.ResponseWriter, r *http.Request) {
	var body monitorRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	m := &database.Monitor{
		Name:            body.Name,
		URL:             body.URL,
		CheckIntervalMs: body.CheckIntervalMs,
		TimeoutMs:       body.TimeoutMs,
		EmailRecipients: body.EmailRecipients,
		Enabled:         true,
		Author:          body.Author,
		Tags:            body.Tags,
	}
	if body.Enabled != nil {
		m.Enabled = *body.Enabled
	}
	a.Defaults.ApplyDefaults(m)
	if err := monitor.Validate(m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.nameTaken(m.Name, "") {
		writeError(w, http.StatusConflict, "A monitor with this name already exists")
		return
	}

	if err := a.Store.CreateMonitor(m); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create monitor")
		return
	}
	a.logger().Info("monitor created", "id", m.ID, "name", logutil.SanitizeForLog(m.Name),
		"url", logutil.RedactURL(m.URL))
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) GetMonitor(w http.ResponseWriter, r *http.Request) {
	m, ok := a.loadMonitor(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) UpdateMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var u database.MonitorUpdate
	if !decodeJSON(w, r, &u) {
		return
	}

	m, ok := a.loadMonitor(w, id)
	if !ok {
		return
	}
	applyUpdate(m, u)
	if err := monitor.Validate(m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.nameTaken(m.Name, id) {
		writeError(w, http.StatusConflict, "A monitor with this name already exists")
		return
	}

	if err := a.Store.UpdateMonitor(id, database.MonitorUpdate{
		Name:            &m.Name,
		URL:             &m.URL,
		CheckIntervalMs: &m.CheckIntervalMs,
		TimeoutMs:       &m.TimeoutMs,
		EmailRecipients: &m.EmailRecipients,
		Enabled:         &m.Enabled,
		Author:          &m.Author,
		Tags:            &m.Tags,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update monitor")
		return
	}

	updated, ok := a.loadMonitor(w, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) DeleteMonitor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Store.DeleteMonitor(id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Monitor not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete monitor")
		return
	}
	a.Engine.Forget(id)
	a.logger().Info("monitor deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetMonitorHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, ok := queryInt(w, r, "limit", defaultHistoryLimit, maxListLimit)
	if !ok {
		return
	}
	if _, ok := a.loadMonitor(w, id); !ok {
		return
	}
	rows, err := a.Store.ListHistory(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	if rows == nil {
		rows = []database.MonitorHistory{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *API) GetMonitorAlarms(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, ok := queryInt(w, r, "limit", defaultAlarmLimit, maxListLimit)
	if !ok {
		return
	}
	if _, ok := a.loadMonitor(w, id); !ok {
		return
	}
	rows, err := a.Store.ListAlarms(id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load alarms")
		return
	}
	if rows == nil {
		rows = []database.AlarmHistory{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// CheckMonitor runs one check now, with the same state handling and alarms
// as a scheduled sweep. The check outlives a client that hangs up.
func (a *API) CheckMonitor(w http.ResponseWriter, r *http.Request) {
	report, err := a.Engine.PerformHealthCheck(context.WithoutCancel(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Monitor not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) loadMonitor(w http.ResponseWriter, id string) (*database.Monitor, bool) {
	m, err := a.Store.GetMonitor(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Monitor not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load monitor")
		}
		return nil, false
	}
	return m, true
}

// nameTaken reports whether another monitor than self already uses name.
func (a *API) nameTaken(name, self string) bool {
	other, err := a.Store.GetMonitorByName(name)
	return err == nil && other.ID != self
}

func applyUpdate(m *database.Monitor, u database.MonitorUpdate) {
	if u.Name != nil {
		m.Name = *u.Name
	}
	if u.URL != nil {
		m.URL = *u.URL
	}
	if u.CheckIntervalMs != nil {
		m.CheckIntervalMs = *u.CheckIntervalMs
	}
	if u.TimeoutMs != nil {
		m.TimeoutMs = *u.TimeoutMs
	}
	if u.EmailRecipients != nil {
		m.EmailRecipients = append([]string(nil), (*u.EmailRecipients)...)
	}
	if u.Enabled != nil {
		m.Enabled = *u.Enabled
	}
	if u.Author != nil {
		m.Author = *u.Author
	}
	if u.Tags != nil {
		m.Tags = *u.Tags
	}
}
