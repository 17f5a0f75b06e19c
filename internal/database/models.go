package database

import "time"

// Monitor health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Alarm kinds recorded in AlarmHistory.
const (
	AlarmUnhealthy = "unhealthy"
	AlarmRecovered = "recovered"
)

// Persisted tunnel descriptor states.
const (
	TunnelStatusActive = "active"
	TunnelStatusError  = "error"
)

type Monitor struct {
	ID                  string     `gorm:"primaryKey;size:36" json:"id"`
	Name                string     `gorm:"not null" json:"name"`
	URL                 string     `gorm:"not null" json:"url"`
	CheckIntervalMs     int64      `gorm:"not null" json:"check_interval_ms"`
	TimeoutMs           int64      `gorm:"not null" json:"timeout_ms"`
	EmailRecipients     []string   `gorm:"serializer:json;not null" json:"email_recipients"`
	Enabled             bool       `gorm:"not null;index" json:"enabled"`
	Status              string     `gorm:"not null;default:unknown" json:"status"`
	ConsecutiveFailures int        `gorm:"not null;default:0" json:"consecutive_failures"`
	LastCheckAt         *time.Time `json:"last_check_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastStatusCode      *int       `json:"last_status_code,omitempty"`
	LastErrorMessage    string     `json:"last_error_message,omitempty"`
	Author              string     `json:"author,omitempty"`
	Tags                []string   `gorm:"serializer:json" json:"tags,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Timeout returns the probe timeout as a duration.
func (m *Monitor) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

type MonitorHistory struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	MonitorID      string    `gorm:"not null;index;size:36" json:"monitor_id"`
	CheckedAt      time.Time `gorm:"not null;index" json:"checked_at"`
	Healthy        bool      `gorm:"not null" json:"healthy"`
	StatusCode     *int      `json:"status_code,omitempty"`
	ResponseTimeMs int64     `gorm:"not null" json:"response_time_ms"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

type AlarmHistory struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	MonitorID    string    `gorm:"not null;index;size:36" json:"monitor_id"`
	AlarmType    string    `gorm:"not null" json:"alarm_type"`
	SentAt       time.Time `gorm:"not null;index" json:"sent_at"`
	Recipients   []string  `gorm:"serializer:json" json:"recipients"`
	EmailSent    bool      `gorm:"not null" json:"email_sent"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Tunnel is the persisted descriptor of a relay session, used to restore
// sessions after a restart. Secrets is a fernet token, never plaintext.
type Tunnel struct {
	ID               string    `gorm:"primaryKey;size:64" json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	LocalBindAddress string    `gorm:"not null;default:'127.0.0.1'" json:"local_bind_address"`
	LocalPort        int       `gorm:"not null;index" json:"local_port"`
	RemoteHost       string    `gorm:"not null" json:"remote_host"`
	RemotePort       int       `gorm:"not null" json:"remote_port"`
	SSHHost          string    `gorm:"not null" json:"ssh_host"`
	SSHPort          int       `gorm:"not null" json:"ssh_port"`
	SSHUser          string    `gorm:"not null" json:"ssh_user"`
	AuthMethod       string    `gorm:"not null" json:"auth_method"`
	PrivateKeyPath   string    `json:"private_key_path,omitempty"`
	Secrets          string    `gorm:"type:text" json:"-"`
	Author           string    `json:"author,omitempty"`
	Status           string    `gorm:"not null;default:active" json:"status"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
