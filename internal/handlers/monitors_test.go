package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JinY0ung-Shin/PortKnox/internal/database"
	"github.com/JinY0ung-Shin/PortKnox/internal/monitor"
)

func createTestMonitor(t *testing.T, ta *testAPI, name string) database.Monitor {
	t.Helper()
	rec := ta.do(t, http.MethodPost, "/api/v1/monitors", map[string]interface{}{
		"name":             name,
		"url":              "https://" + name + ".example.com/health",
		"email_recipients": []string{"ops@example.com"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m database.Monitor
	decodeBody(t, rec, &m)
	return m
}

func TestCreateMonitorDefaults(t *testing.T) {
	ta := newTestAPI(t)
	m := createTestMonitor(t, ta, "billing")

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, int64(60000), m.CheckIntervalMs)
	assert.Equal(t, int64(5000), m.TimeoutMs)
	assert.True(t, m.Enabled)
	assert.Equal(t, database.StatusUnknown, m.Status)

	stored, err := ta.store.GetMonitor(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "billing", stored.Name)
}

func TestCreateMonitorExplicitFields(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodPost, "/api/v1/monitors", map[string]interface{}{
		"name":              "search",
		"url":               "http://search.internal:9200/_cluster/health",
		"check_interval_ms": 15000,
		"timeout_ms":        1500,
		"email_recipients":  []string{"a@example.com", "Search Team <search@example.com>"},
		"enabled":           false,
		"author":            "kim",
		"tags":              []string{"prod"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var m database.Monitor
	decodeBody(t, rec, &m)
	assert.Equal(t, int64(15000), m.CheckIntervalMs)
	assert.Equal(t, int64(1500), m.TimeoutMs)
	assert.False(t, m.Enabled)
	assert.Equal(t, "kim", m.Author)
	assert.Equal(t, []string{"prod"}, m.Tags)
}

func TestCreateMonitorValidation(t *testing.T) {
	ta := newTestAPI(t)

	tests := []struct {
		name string
		body interface{}
		want string
	}{
		{"missing name", map[string]interface{}{"url": "https://x.example.com", "email_recipients": []string{"a@example.com"}}, "name is required"},
		{"missing url", map[string]interface{}{"name": "x", "email_recipients": []string{"a@example.com"}}, "url must be"},
		{"no recipients", map[string]interface{}{"name": "x", "url": "https://x.example.com"}, "at least one email recipient"},
		{"bad recipient", map[string]interface{}{"name": "x", "url": "https://x.example.com", "email_recipients": []string{"nope"}}, "invalid email recipient"},
		{"unknown field", map[string]interface{}{"name": "x", "colour": "red"}, "Invalid request body"},
		{"malformed json", "{", "Invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ta.do(t, http.MethodPost, "/api/v1/monitors", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, errorDetail(t, rec), tt.want)
		})
	}

	monitors, err := ta.store.ListMonitors()
	require.NoError(t, err)
	assert.Empty(t, monitors)
}

func TestCreateMonitorDuplicateName(t *testing.T) {
	ta := newTestAPI(t)
	createTestMonitor(t, ta, "dup")

	rec := ta.do(t, http.MethodPost, "/api/v1/monitors", map[string]interface{}{
		"name": "dup", "url": "https://other.example.com", "email_recipients": []string{"a@example.com"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListAndGetMonitor(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodGet, "/api/v1/monitors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	a := createTestMonitor(t, ta, "alpha")
	createTestMonitor(t, ta, "beta")

	rec = ta.do(t, http.MethodGet, "/api/v1/monitors", nil)
	var list []database.Monitor
	decodeBody(t, rec, &list)
	assert.Len(t, list, 2)

	rec = ta.do(t, http.MethodGet, "/api/v1/monitors/"+a.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got database.Monitor
	decodeBody(t, rec, &got)
	assert.Equal(t, "alpha", got.Name)

	rec = ta.do(t, http.MethodGet, "/api/v1/monitors/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateMonitor(t *testing.T) {
	ta := newTestAPI(t)
	m := createTestMonitor(t, ta, "orders")
	createTestMonitor(t, ta, "taken")

	rec := ta.do(t, http.MethodPut, "/api/v1/monitors/"+m.ID, map[string]interface{}{
		"enabled":    false,
		"timeout_ms": 2500,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated database.Monitor
	decodeBody(t, rec, &updated)
	assert.False(t, updated.Enabled)
	assert.Equal(t, int64(2500), updated.TimeoutMs)
	assert.Equal(t, "orders", updated.Name)
	assert.Equal(t, []string{"ops@example.com"}, updated.EmailRecipients)

	rec = ta.do(t, http.MethodPut, "/api/v1/monitors/"+m.ID, map[string]interface{}{"email_recipients": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(t, http.MethodPut, "/api/v1/monitors/"+m.ID, map[string]interface{}{"name": "taken"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ta.do(t, http.MethodPut, "/api/v1/monitors/missing", map[string]interface{}{"enabled": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stored, err := ta.store.GetMonitor(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders", stored.Name)
	assert.Equal(t, []string{"ops@example.com"}, stored.EmailRecipients)
}

func TestDeleteMonitor(t *testing.T) {
	ta := newTestAPI(t)
	m := createTestMonitor(t, ta, "gone")
	require.NoError(t, ta.store.SaveHistory(&database.MonitorHistory{MonitorID: m.ID, Healthy: true}))

	rec := ta.do(t, http.MethodDelete, "/api/v1/monitors/"+m.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := ta.store.GetMonitor(m.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	rows, err := ta.store.ListHistory(m.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rec = ta.do(t, http.MethodDelete, "/api/v1/monitors/"+m.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMonitorHistoryLimits(t *testing.T) {
	ta := newTestAPI(t)
	m := createTestMonitor(t, ta, "history")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 120; i++ {
		require.NoError(t, ta.store.SaveHistory(&database.MonitorHistory{
			MonitorID: m.ID,
			CheckedAt: base.Add(time.Duration(i) * time.Second),
			Healthy:   i%2 == 0,
		}))
	}

	rec := ta.do(t, http.MethodGet, "/api/v1/monitors/"+m.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []database.MonitorHistory
	decodeBody(t, rec, &rows)
	assert.Len(t, rows, 100)
	assert.True(t, rows[0].CheckedAt.After(rows[1].CheckedAt), "newest first")

	rec = ta.do(t, http.MethodGet, "/api/v1/monitors/"+m.ID+"/history?limit=5", nil)
	decodeBody(t, rec, &rows)
	assert.Len(t, rows, 5)

	rec = ta.do(t, http.MethodGet, "/api/v1/monitors/"+m.ID+"/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/v1/monitors/missing/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMonitorAlarmsLimits(t *testing.T) {
	ta := newTestAPI(t)
	m := createTestMonitor(t, ta, "alarms")

	for i := 0; i < 60; i++ {
		require.NoError(t, ta.store.SaveAlarm(&database.AlarmHistory{
			MonitorID:  m.ID,
			AlarmType:  database.AlarmUnhealthy,
			SentAt:     time.Now().Add(time.Duration(i) * time.Second),
			Recipients: []string{"ops@example.com"},
		}))
	}

	rec := ta.do(t, http.MethodGet, "/api/v1/monitors/"+m.ID+"/alarms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []database.AlarmHistory
	decodeBody(t, rec, &rows)
	assert.Len(t, rows, 50)

	rec = ta.do(t, http.MethodGet, fmt.Sprintf("/api/v1/monitors/%s/alarms?limit=%d", m.ID, 3), nil)
	decodeBody(t, rec, &rows)
	assert.Len(t, rows, 3)
}

func TestCheckMonitorNow(t *testing.T) {
	ta := newTestAPI(t)
	m := createTestMonitor(t, ta, "manual")
	ta.prober.setHealthy(false)

	var report monitor.CheckReport
	for i := 0; i < 2; i++ {
		rec := ta.do(t, http.MethodPost, "/api/v1/monitors/"+m.ID+"/check", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		decodeBody(t, rec, &report)
	}
	assert.Equal(t, database.StatusUnhealthy, report.Status)
	assert.Equal(t, 2, report.ConsecutiveFailures)
	assert.False(t, report.Result.Healthy)

	alarms, err := ta.store.ListAlarms(m.ID, 10)
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.False(t, alarms[0].EmailSent)

	rec := ta.do(t, http.MethodPost, "/api/v1/monitors/missing/check", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckMonitorSurvivesClientHangup(t *testing.T) {
	ta := newTestAPI(t)
	m := createTestMonitor(t, ta, "hangup")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/monitors/"+m.ID+"/check", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report monitor.CheckReport
	decodeBody(t, rec, &report)
	assert.True(t, report.Result.Healthy)
	assert.Equal(t, database.StatusHealthy, report.Status)

	got, err := ta.store.GetMonitor(m.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusHealthy, got.Status)
	assert.Zero(t, got.ConsecutiveFailures)

	history, err := ta.store.ListHistory(m.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Healthy)
}
