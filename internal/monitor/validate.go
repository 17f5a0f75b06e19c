package monitor

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/JinY0ung-Shin/PortKnox/internal/database"
)

// ErrInvalidMonitor wraps every validation failure.
var ErrInvalidMonitor = errors.New("invalid monitor")

// Defaults are applied to monitors created without an interval or timeout.
type Defaults struct {
	Interval time.Duration
	Timeout  time.Duration
}

// ApplyDefaults fills a zero interval or timeout on m.
func (d Defaults) ApplyDefaults(m *database.Monitor) {
	if m.CheckIntervalMs == 0 {
		interval := d.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		m.CheckIntervalMs = interval.Milliseconds()
	}
	if m.TimeoutMs == 0 {
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		m.TimeoutMs = timeout.Milliseconds()
	}
}

// Validate checks the user supplied fields of m. Recipients are trimmed in
// place.
func Validate(m *database.Monitor) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMonitor)
	}

	u, err := url.Parse(strings.TrimSpace(m.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http or https url", ErrInvalidMonitor)
	}
	m.URL = u.String()

	if len(m.EmailRecipients) == 0 {
		return fmt.Errorf("%w: at least one email recipient is required", ErrInvalidMonitor)
	}
	for i, r := range m.EmailRecipients {
		r = strings.TrimSpace(r)
		if _, err := mail.ParseAddress(r); err != nil {
			return fmt.Errorf("%w: invalid email recipient %q", ErrInvalidMonitor, r)
		}
		m.EmailRecipients[i] = r
	}

	if m.CheckIntervalMs < 1000 {
		return fmt.Errorf("%w: check_interval_ms must be at least 1000", ErrInvalidMonitor)
	}
	if m.TimeoutMs <= 0 {
		return fmt.Errorf("%w: timeout_ms must be positive", ErrInvalidMonitor)
	}
	return nil
}
