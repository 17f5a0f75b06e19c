// Package seed applies a declarative YAML file of monitors and tunnels at
// startup. Monitors are matched by name and created or updated; tunnels are
// started unless a session with the same id is already running.
//
// Example:
//
//	monitors:
//	  - name: billing-api
//	    url: https://billing.internal/health
//	    interval: 30s
//	    timeout: 3s
//	    email_recipients: [oncall@example.com]
//	tunnels:
//	  - name: billing-db
//	    local_port: 15432
//	    remote_host: db.internal
//	    remote_port: 5432
//	    ssh_host: bastion.example.com
//	    ssh_user: deploy
//	    auth_method: password
//	    password: ${BASTION_PASSWORD}
//
// ${VAR} references are expanded from the environment before parsing.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/JinY0ung-Shin/PortKnox/internal/database"
	"github.com/JinY0ung-Shin/PortKnox/internal/logutil"
	"github.com/JinY0ung-Shin/PortKnox/internal/monitor"
	"github.com/JinY0ung-Shin/PortKnox/internal/sshtunnel"
)

type File struct {
	Monitors []Monitor        `yaml:"monitors"`
	Tunnels  []sshtunnel.Spec `yaml:"tunnels"`
}

type Monitor struct {
	Name            string        `yaml:"name"`
	URL             string        `yaml:"url"`
	Interval        time.Duration `yaml:"interval"`
	Timeout         time.Duration `yaml:"timeout"`
	EmailRecipients []string      `yaml:"email_recipients"`
	Enabled         *bool         `yaml:"enabled"`
	Author          string        `yaml:"author"`
	Tags            []string      `yaml:"tags"`
}

// MonitorStore is the part of database.Store seeding writes to.
type MonitorStore interface {
	GetMonitorByName(name string) (*database.Monitor, error)
	CreateMonitor(m *database.Monitor) error
	UpdateMonitor(id string, u database.MonitorUpdate) error
}

// TunnelStarter starts relay sessions.
type TunnelStarter interface {
	Create(ctx context.Context, spec sshtunnel.Spec) (sshtunnel.Session, error)
	Get(id string) (sshtunnel.Session, bool)
}

// Summary counts what Apply did.
type Summary struct {
	MonitorsCreated int
	MonitorsUpdated int
	TunnelsStarted  int
	TunnelsSkipped  int
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses the seed file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references and decodes a seed document. Unknown keys
// are rejected.
func Parse(data []byte) (*File, error) {
	expanded := envRef.ReplaceAllStringFunc(string(data), func(ref string) string {
		return os.Getenv(envRef.FindStringSubmatch(ref)[1])
	})

	var f File
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}

// Seeder applies seed files.
type Seeder struct {
	Monitors MonitorStore
	Tunnels  TunnelStarter
	Defaults monitor.Defaults
	Log      hclog.Logger
}

// Apply creates or updates every monitor and starts every tunnel in f. A bad
// entry is reported and skipped; the returned error joins all of them.
func (s *Seeder) Apply(ctx context.Context, f *File) (Summary, error) {
	log := s.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}

	var sum Summary
	var errs []error

	for i, sm := range f.Monitors {
		created, err := s.applyMonitor(sm)
		if err != nil {
			errs = append(errs, fmt.Errorf("monitor %d (%s): %w", i, sm.Name, err))
			continue
		}
		if created {
			sum.MonitorsCreated++
		} else {
			sum.MonitorsUpdated++
		}
	}

	if s.Tunnels != nil {
		for i, spec := range f.Tunnels {
			if spec.ID == "" && spec.Name != "" {
				spec.ID = "seed_" + spec.Name
			}
			if spec.ID != "" {
				if _, running := s.Tunnels.Get(spec.ID); running {
					sum.TunnelsSkipped++
					continue
				}
			}
			if _, err := s.Tunnels.Create(ctx, spec); err != nil {
				errs = append(errs, fmt.Errorf("tunnel %d (%s): %w", i, spec.Name, err))
				continue
			}
			sum.TunnelsStarted++
		}
	}

	log.Info("seed applied",
		"monitors_created", sum.MonitorsCreated,
		"monitors_updated", sum.MonitorsUpdated,
		"tunnels_started", sum.TunnelsStarted,
		"tunnels_skipped", sum.TunnelsSkipped,
		"errors", len(errs))
	for _, err := range errs {
		log.Warn("seed entry skipped", "error", logutil.SanitizeForLog(err.Error()))
	}
	return sum, errors.Join(errs...)
}

func (s *Seeder) applyMonitor(sm Monitor) (created bool, err error) {
	m := &database.Monitor{
		Name:            sm.Name,
		URL:             sm.URL,
		CheckIntervalMs: sm.Interval.Milliseconds(),
		TimeoutMs:       sm.Timeout.Milliseconds(),
		EmailRecipients: sm.EmailRecipients,
		Enabled:         true,
		Author:          sm.Author,
		Tags:            sm.Tags,
	}
	if sm.Enabled != nil {
		m.Enabled = *sm.Enabled
	}
	s.Defaults.ApplyDefaults(m)
	if err := monitor.Validate(m); err != nil {
		return false, err
	}

	existing, err := s.Monitors.GetMonitorByName(m.Name)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return true, s.Monitors.CreateMonitor(m)
	case err != nil:
		return false, err
	}

	return false, s.Monitors.UpdateMonitor(existing.ID, database.MonitorUpdate{
		URL:             &m.URL,
		CheckIntervalMs: &m.CheckIntervalMs,
		TimeoutMs:       &m.TimeoutMs,
		EmailRecipients: &m.EmailRecipients,
		Enabled:         &m.Enabled,
		Author:          &m.Author,
		Tags:            &m.Tags,
	})
}
