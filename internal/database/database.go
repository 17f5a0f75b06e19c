package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a looked up row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable record store for monitors, history, alarms and
// tunnel descriptors.
type Store struct {
	DB *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// sqlite has a single writer; one connection also keeps :memory: databases
	// shared between goroutines.
	sqlDB.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := db.AutoMigrate(&Monitor{}, &MonitorHistory{}, &AlarmHistory{}, &Tunnel{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the underlying database answers.
func (s *Store) Ping() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Settings

func (s *Store) GetSetting(key string) (string, error) {
	var st Setting
	if err := s.DB.Where("key = ?", key).First(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return st.Value, nil
}

func (s *Store) SetSetting(key, value string) error {
	return s.DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Monitors

// CreateMonitor inserts a new monitor in the unknown state. An empty ID is
// replaced with a random UUID.
func (s *Store) CreateMonitor(m *Monitor) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Status = StatusUnknown
	m.ConsecutiveFailures = 0
	if m.EmailRecipients == nil {
		m.EmailRecipients = []string{}
	}
	return s.DB.Create(m).Error
}

func (s *Store) GetMonitor(id string) (*Monitor, error) {
	var m Monitor
	if err := s.DB.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// GetMonitorByName returns the first monitor with the given name.
func (s *Store) GetMonitorByName(name string) (*Monitor, error) {
	var m Monitor
	if err := s.DB.Where("name = ?", name).Order("created_at").First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMonitors() ([]Monitor, error) {
	var monitors []Monitor
	if err := s.DB.Order("created_at DESC").Find(&monitors).Error; err != nil {
		return nil, err
	}
	return monitors, nil
}

// ListEnabledMonitors returns monitors with the enabled flag set, oldest first
// so sweep batches are stable between runs.
func (s *Store) ListEnabledMonitors() ([]Monitor, error) {
	var monitors []Monitor
	if err := s.DB.Where("enabled = ?", true).Order("created_at, id").Find(&monitors).Error; err != nil {
		return nil, err
	}
	return monitors, nil
}

// MonitorUpdate carries the user editable fields of a monitor. Nil fields are
// left untouched.
type MonitorUpdate struct {
	Name            *string   `json:"name,omitempty"`
	URL             *string   `json:"url,omitempty"`
	CheckIntervalMs *int64    `json:"check_interval_ms,omitempty"`
	TimeoutMs       *int64    `json:"timeout_ms,omitempty"`
	EmailRecipients *[]string `json:"email_recipients,omitempty"`
	Enabled         *bool     `json:"enabled,omitempty"`
	Author          *string   `json:"author,omitempty"`
	Tags            *[]string `json:"tags,omitempty"`
}

func (s *Store) UpdateMonitor(id string, u MonitorUpdate) error {
	m, err := s.GetMonitor(id)
	if err != nil {
		return err
	}
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
		m.EmailRecipients = *u.EmailRecipients
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
	return s.DB.Model(m).Select("name", "url", "check_interval_ms", "timeout_ms",
		"email_recipients", "enabled", "author", "tags").Updates(m).Error
}

// DeleteMonitor removes a monitor together with its history and alarms.
func (s *Store) DeleteMonitor(id string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&Monitor{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("monitor_id = ?", id).Delete(&MonitorHistory{}).Error; err != nil {
			return err
		}
		return tx.Where("monitor_id = ?", id).Delete(&AlarmHistory{}).Error
	})
}

// StatusUpdate is the health state written back after one check.
type StatusUpdate struct {
	Status              string
	ConsecutiveFailures int
	Healthy             bool
	CheckedAt           time.Time
	StatusCode          *int
	ErrorMessage        string
}

// UpdateMonitorStatus writes the health fields of a monitor. Healthy results
// move last_success_at, failed ones last_failure_at.
func (s *Store) UpdateMonitorStatus(id string, u StatusUpdate) error {
	fields := map[string]interface{}{
		"status":               u.Status,
		"consecutive_failures": u.ConsecutiveFailures,
		"last_check_at":        u.CheckedAt,
		"last_status_code":     u.StatusCode,
		"last_error_message":   u.ErrorMessage,
	}
	if u.Healthy {
		fields["last_success_at"] = u.CheckedAt
	} else {
		fields["last_failure_at"] = u.CheckedAt
	}
	res := s.DB.Model(&Monitor{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// History

func (s *Store) SaveHistory(h *MonitorHistory) error {
	if h.CheckedAt.IsZero() {
		h.CheckedAt = time.Now()
	}
	h.CheckedAt = h.CheckedAt.UTC()
	return s.DB.Create(h).Error
}

func (s *Store) ListHistory(monitorID string, limit int) ([]MonitorHistory, error) {
	var rows []MonitorHistory
	if err := s.DB.Where("monitor_id = ?", monitorID).Order("checked_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CleanupHistory deletes history rows checked before cutoff and returns how
// many were removed.
func (s *Store) CleanupHistory(cutoff time.Time) (int64, error) {
	res := s.DB.Where("checked_at < ?", cutoff.UTC()).Delete(&MonitorHistory{})
	return res.RowsAffected, res.Error
}

// Alarms

func (s *Store) SaveAlarm(a *AlarmHistory) error {
	if a.SentAt.IsZero() {
		a.SentAt = time.Now()
	}
	a.SentAt = a.SentAt.UTC()
	return s.DB.Create(a).Error
}

func (s *Store) ListAlarms(monitorID string, limit int) ([]AlarmHistory, error) {
	var rows []AlarmHistory
	if err := s.DB.Where("monitor_id = ?", monitorID).Order("sent_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Tunnels

// SaveTunnel inserts or replaces a tunnel descriptor.
func (s *Store) SaveTunnel(t *Tunnel) error {
	return s.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(t).Error
}

func (s *Store) DeleteTunnel(id string) error {
	return s.DB.Where("id = ?", id).Delete(&Tunnel{}).Error
}

func (s *Store) SetTunnelStatus(id, status string) error {
	return s.DB.Model(&Tunnel{}).Where("id = ?", id).Update("status", status).Error
}

func (s *Store) ListTunnels() ([]Tunnel, error) {
	var tunnels []Tunnel
	if err := s.DB.Order("created_at").Find(&tunnels).Error; err != nil {
		return nil, err
	}
	return tunnels, nil
}
