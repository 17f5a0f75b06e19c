package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"./data/portknox.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"./data/portknox.log"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	SeedFile     string `envconfig:"SEED_FILE" default:""`

	// Monitoring
	FailureThreshold     int           `envconfig:"MONITOR_FAILURE_THRESHOLD" default:"3"`
	CleanupDays          int           `envconfig:"MONITOR_CLEANUP_DAYS" default:"30"`
	BatchSize            int           `envconfig:"MONITOR_BATCH_SIZE" default:"5"`
	DefaultCheckInterval time.Duration `envconfig:"MONITOR_DEFAULT_INTERVAL" default:"60s"`
	DefaultTimeout       time.Duration `envconfig:"MONITOR_DEFAULT_TIMEOUT" default:"5s"`
	SweepSchedule        string        `envconfig:"MONITOR_SWEEP_SCHEDULE" default:"@every 1m"`
	CleanupSchedule      string        `envconfig:"MONITOR_CLEANUP_SCHEDULE" default:"0 3 * * *"`

	// Alarm mail
	SMTPHost     string `envconfig:"SMTP_HOST" default:"smtp.gmail.com"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPSecure   bool   `envconfig:"SMTP_SECURE" default:"false"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"PortKnox <noreply@portknox.dev>"`

	// Tunnels
	GatewayTimeout time.Duration `envconfig:"TUNNEL_GATEWAY_TIMEOUT" default:"10s"`
	KnownHostsPath string        `envconfig:"TUNNEL_KNOWN_HOSTS" default:""`
}

var Cfg Settings

// Load reads PORTKNOX_* variables into Cfg. envconfig falls back to the
// unprefixed name, so MONITOR_FAILURE_THRESHOLD works as well.
func Load() error {
	if err := envconfig.Process("PORTKNOX", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return Cfg.Validate()
}

// Validate rejects values the monitor engine cannot run with.
func (s Settings) Validate() error {
	if s.FailureThreshold < 1 {
		return fmt.Errorf("MONITOR_FAILURE_THRESHOLD must be >= 1, got %d", s.FailureThreshold)
	}
	if s.CleanupDays < 1 {
		return fmt.Errorf("MONITOR_CLEANUP_DAYS must be >= 1, got %d", s.CleanupDays)
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("MONITOR_BATCH_SIZE must be >= 1, got %d", s.BatchSize)
	}
	if s.DefaultTimeout <= 0 {
		return fmt.Errorf("MONITOR_DEFAULT_TIMEOUT must be positive")
	}
	return nil
}

// SMTPConfigured reports whether alarm mail can be delivered.
func (s Settings) SMTPConfigured() bool {
	return s.SMTPUser != "" && s.SMTPPassword != ""
}
