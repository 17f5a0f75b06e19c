// Package notify delivers monitor alarms. The monitor engine only depends on
// the Notifier interface; SMTP is the production implementation.
package notify

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Kind is the alarm being raised.
type Kind string

const (
	KindUnhealthy Kind = "unhealthy"
	KindRecovered Kind = "recovered"
)

// Alarm carries what a notification needs to describe the transition.
type Alarm struct {
	Kind                Kind
	MonitorID           string
	Name                string
	URL                 string
	Author              string
	Recipients          []string
	ConsecutiveFailures int
	StatusCode          *int
	ErrorMessage        string
	CheckedAt           time.Time
}

// Outcome is the delivery result recorded in the alarm audit log.
type Outcome struct {
	Success bool
	Error   string
}

type Notifier interface {
	Send(ctx context.Context, alarm Alarm) Outcome
}

// Nop is used when no delivery channel is configured. Every alarm is
// reported as undelivered so the audit log still shows it.
type Nop struct {
	Log hclog.Logger
}

func (n Nop) Send(_ context.Context, alarm Alarm) Outcome {
	if n.Log != nil {
		n.Log.Warn("alarm not delivered, email service not configured",
			"kind", alarm.Kind, "monitor", alarm.Name)
	}
	return Outcome{Success: false, Error: "email service not initialized"}
}
