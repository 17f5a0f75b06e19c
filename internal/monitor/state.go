package monitor

import (
	"github.com/JinY0ung-Shin/PortKnox/internal/database"
	"github.com/JinY0ung-Shin/PortKnox/internal/notify"
)

// State is the health state of a monitor before a check.
type State struct {
	Status              string
	ConsecutiveFailures int
}

// Transition is the state after applying one check result, plus the alarm
// that must be raised, if any.
type Transition struct {
	Status              string
	ConsecutiveFailures int
	Alarm               notify.Kind // empty when no alarm is due
}

// Changed reports whether the status differs from prev.
func (t Transition) Changed(prev State) bool {
	return t.Status != prev.Status
}

// Evaluate applies one check result to prev using a failure threshold.
//
// A healthy result resets the failure counter and marks the monitor healthy;
// it raises a recovery alarm only when leaving the unhealthy state. A failed
// result increments the counter. The monitor turns unhealthy once the counter
// reaches threshold, and the unhealthy alarm fires on the check that moves it
// into the unhealthy state, so one failure streak alarms once. A counter
// already past a lowered threshold still alarms on its next failure.
func Evaluate(prev State, healthy bool, threshold int) Transition {
	if threshold < 1 {
		threshold = 1
	}
	if prev.Status == "" {
		prev.Status = database.StatusUnknown
	}

	if healthy {
		t := Transition{Status: database.StatusHealthy}
		if prev.Status == database.StatusUnhealthy {
			t.Alarm = notify.KindRecovered
		}
		return t
	}

	failures := prev.ConsecutiveFailures + 1
	t := Transition{Status: prev.Status, ConsecutiveFailures: failures}
	if failures >= threshold {
		t.Status = database.StatusUnhealthy
	}
	if failures >= threshold && prev.Status != database.StatusUnhealthy {
		t.Alarm = notify.KindUnhealthy
	}
	return t
}
