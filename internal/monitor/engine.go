// Package monitor runs scheduled health checks against declared HTTP
// endpoints, applies failure hysteresis and raises alarm notifications.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/JinY0ung-Shin/PortKnox/internal/database"
	"github.com/JinY0ung-Shin/PortKnox/internal/events"
	"github.com/JinY0ung-Shin/PortKnox/internal/logutil"
	"github.com/JinY0ung-Shin/PortKnox/internal/metrics"
	"github.com/JinY0ung-Shin/PortKnox/internal/notify"
)

const (
	DefaultThreshold   = 3
	DefaultBatchSize   = 5
	DefaultCleanupDays = 30
)

// Store is the persistence the engine reads targets from and writes results to.
type Store interface {
	ListEnabledMonitors() ([]database.Monitor, error)
	GetMonitor(id string) (*database.Monitor, error)
	UpdateMonitorStatus(id string, u database.StatusUpdate) error
	SaveHistory(h *database.MonitorHistory) error
	SaveAlarm(a *database.AlarmHistory) error
	CleanupHistory(cutoff time.Time) (int64, error)
}

type Options struct {
	Threshold   int
	BatchSize   int
	CleanupDays int
	Logger      hclog.Logger
	Events      events.Publisher
}

// Engine owns the check pipeline: probe, evaluate, persist, alarm.
type Engine struct {
	store    Store
	prober   Prober
	notifier notify.Notifier
	events   events.Publisher
	log      hclog.Logger

	threshold   int
	batchSize   int
	cleanupDays int
	now         func() time.Time

	// per-monitor locks; checks of one monitor never overlap
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewEngine(store Store, prober Prober, notifier notify.Notifier, opts Options) *Engine {
	if opts.Threshold < 1 {
		opts.Threshold = DefaultThreshold
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.CleanupDays < 1 {
		opts.CleanupDays = DefaultCleanupDays
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if notifier == nil {
		notifier = notify.Nop{Log: opts.Logger}
	}
	return &Engine{
		store:       store,
		prober:      prober,
		notifier:    notifier,
		events:      opts.Events,
		log:         opts.Logger,
		threshold:   opts.Threshold,
		batchSize:   opts.BatchSize,
		cleanupDays: opts.CleanupDays,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Threshold returns the consecutive failure count that marks a monitor
// unhealthy.
func (e *Engine) Threshold() int { return e.threshold }

// CheckReport is the outcome of one monitor check.
type CheckReport struct {
	MonitorID           string      `json:"monitor_id"`
	Result              Result      `json:"result"`
	Status              string      `json:"status"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Alarm               notify.Kind `json:"alarm,omitempty"`
}

// SweepSummary counts what one sweep did.
type SweepSummary struct {
	Total     int           `json:"total"`
	Healthy   int           `json:"healthy"`
	Unhealthy int           `json:"unhealthy"`
	Errors    int           `json:"errors"`
	Alarms    int           `json:"alarms"`
	Duration  time.Duration `json:"duration"`
}

// PerformAllHealthChecks checks every enabled monitor. Monitors are checked
// concurrently in batches of the configured size; each batch finishes before
// the next one starts. A failure checking one monitor is logged and counted
// and never affects the others.
func (e *Engine) PerformAllHealthChecks(ctx context.Context) (SweepSummary, error) {
	start := time.Now()
	var summary SweepSummary

	targets, err := e.store.ListEnabledMonitors()
	if err != nil {
		e.log.Error("failed to list enabled monitors", "error", err)
		return summary, fmt.Errorf("list enabled monitors: %w", err)
	}
	summary.Total = len(targets)
	if len(targets) == 0 {
		e.log.Debug("no enabled monitors to check")
		return summary, nil
	}
	e.log.Debug("starting health check sweep", "monitors", len(targets), "batch_size", e.batchSize)

	var mu sync.Mutex
	for i := 0; i < len(targets); i += e.batchSize {
		if ctx.Err() != nil {
			e.log.Warn("sweep interrupted", "checked", i, "total", len(targets))
			break
		}
		end := min(i+e.batchSize, len(targets))

		// Plain group: one failing target must not cancel its batch mates.
		var g errgroup.Group
		for _, m := range targets[i:end] {
			id, name := m.ID, m.Name
			g.Go(func() error {
				report, err := e.PerformHealthCheck(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					summary.Errors++
					e.log.Error("health check failed", "monitor", logutil.SanitizeForLog(name), "id", id, "error", err)
					return nil
				}
				if report.Result.Healthy {
					summary.Healthy++
				} else {
					summary.Unhealthy++
				}
				if report.Alarm != "" {
					summary.Alarms++
				}
				return nil
			})
		}
		g.Wait()
	}

	summary.Duration = time.Since(start)
	metrics.Sweeps.Inc()
	metrics.SweepDuration.Observe(summary.Duration.Seconds())
	e.log.Info("health check sweep complete",
		"total", summary.Total, "healthy", summary.Healthy, "unhealthy", summary.Unhealthy,
		"errors", summary.Errors, "alarms", summary.Alarms, "duration", summary.Duration)
	return summary, nil
}

// PerformHealthCheck probes one monitor and applies the result. The monitor
// is re-read under its lock so concurrent checks see each other's writes.
// A panic anywhere in the pipeline is returned as an error.
func (e *Engine) PerformHealthCheck(ctx context.Context, id string) (report *CheckReport, err error) {
	unlock := e.lock(id)
	defer unlock()
	defer func() {
		if r := recover(); r != nil {
			report = nil
			err = fmt.Errorf("panic while checking monitor %s: %v", id, r)
		}
	}()

	m, err := e.store.GetMonitor(id)
	if err != nil {
		return nil, fmt.Errorf("load monitor %s: %w", id, err)
	}

	res := e.prober.Check(ctx, m.URL, m.Timeout())
	// A check cut short by the caller says nothing about the endpoint.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("check of monitor %s canceled: %w", id, err)
	}
	result := "healthy"
	if !res.Healthy {
		result = "unhealthy"
	}
	metrics.HealthChecks.WithLabelValues(result).Inc()
	metrics.HealthCheckDuration.Observe(res.Elapsed.Seconds())

	prev := State{Status: m.Status, ConsecutiveFailures: m.ConsecutiveFailures}
	tr := Evaluate(prev, res.Healthy, e.threshold)

	// Write failures are logged; the alarm decision does not depend on them.
	if err := e.store.UpdateMonitorStatus(m.ID, database.StatusUpdate{
		Status:              tr.Status,
		ConsecutiveFailures: tr.ConsecutiveFailures,
		Healthy:             res.Healthy,
		CheckedAt:           res.CheckedAt,
		StatusCode:          res.StatusCode,
		ErrorMessage:        res.ErrorMessage,
	}); err != nil {
		e.log.Error("failed to update monitor status", "id", m.ID, "error", err)
	}
	if err := e.store.SaveHistory(&database.MonitorHistory{
		MonitorID:      m.ID,
		CheckedAt:      res.CheckedAt,
		Healthy:        res.Healthy,
		StatusCode:     res.StatusCode,
		ResponseTimeMs: res.Elapsed.Milliseconds(),
		ErrorMessage:   res.ErrorMessage,
	}); err != nil {
		e.log.Error("failed to save check history", "id", m.ID, "error", err)
	}

	name := logutil.SanitizeForLog(m.Name)
	if tr.Changed(prev) {
		e.log.Info("monitor status changed", "monitor", name, "from", prev.Status, "to", tr.Status,
			"failures", tr.ConsecutiveFailures)
		e.events.Publish(events.Event{
			Type:    events.MonitorStatusChanged,
			Subject: m.ID,
			Name:    m.Name,
			From:    prev.Status,
			To:      tr.Status,
			Details: res.ErrorMessage,
		})
	} else if !res.Healthy {
		e.log.Debug("monitor check failed", "monitor", name, "failures", tr.ConsecutiveFailures,
			"threshold", e.threshold, "error", res.ErrorMessage)
	}

	if tr.Alarm != "" {
		e.raise(ctx, m, tr, res)
	}

	return &CheckReport{
		MonitorID:           m.ID,
		Result:              res,
		Status:              tr.Status,
		ConsecutiveFailures: tr.ConsecutiveFailures,
		Alarm:               tr.Alarm,
	}, nil
}

// raise sends the alarm and records the attempt whatever the outcome.
func (e *Engine) raise(ctx context.Context, m *database.Monitor, tr Transition, res Result) {
	out := e.notifier.Send(ctx, notify.Alarm{
		Kind:                tr.Alarm,
		MonitorID:           m.ID,
		Name:                m.Name,
		URL:                 m.URL,
		Author:              m.Author,
		Recipients:          m.EmailRecipients,
		ConsecutiveFailures: tr.ConsecutiveFailures,
		StatusCode:          res.StatusCode,
		ErrorMessage:        res.ErrorMessage,
		CheckedAt:           res.CheckedAt,
	})
	metrics.Alarms.WithLabelValues(string(tr.Alarm), strconv.FormatBool(out.Success)).Inc()

	if err := e.store.SaveAlarm(&database.AlarmHistory{
		MonitorID:    m.ID,
		AlarmType:    string(tr.Alarm),
		SentAt:       e.now(),
		Recipients:   m.EmailRecipients,
		EmailSent:    out.Success,
		ErrorMessage: out.Error,
	}); err != nil {
		e.log.Error("failed to save alarm history", "id", m.ID, "error", err)
	}

	if out.Success {
		e.log.Info("alarm sent", "kind", tr.Alarm, "monitor", logutil.SanitizeForLog(m.Name))
	} else {
		e.log.Warn("alarm not delivered", "kind", tr.Alarm, "monitor", logutil.SanitizeForLog(m.Name), "error", out.Error)
	}
	e.events.Publish(events.Event{
		Type:    events.MonitorAlarm,
		Subject: m.ID,
		Name:    m.Name,
		To:      string(tr.Alarm),
		Details: out.Error,
	})
}

// PerformCleanup deletes check history older than the retention window.
func (e *Engine) PerformCleanup(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := e.now().AddDate(0, 0, -e.cleanupDays)
	n, err := e.store.CleanupHistory(cutoff)
	if err != nil {
		e.log.Error("history cleanup failed", "error", err)
		return 0, fmt.Errorf("cleanup history: %w", err)
	}
	metrics.HistoryRowsCleaned.Add(float64(n))
	e.log.Info("history cleanup complete", "deleted", n, "retention_days", e.cleanupDays)
	return n, nil
}

// Forget drops the per-monitor lock of a deleted monitor.
func (e *Engine) Forget(id string) {
	e.lockMu.Lock()
	delete(e.locks, id)
	e.lockMu.Unlock()
}

func (e *Engine) lock(id string) func() {
	e.lockMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}
