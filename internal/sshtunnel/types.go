package sshtunnel

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a session.
type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusClosed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AuthMethod selects how the control connection authenticates.
type AuthMethod string

const (
	AuthAgent    AuthMethod = "agent"
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
)

// Spec describes a relay session to create.
type Spec struct {
	ID   string `json:"id,omitempty" yaml:"id"`
	Name string `json:"name" yaml:"name"`

	// Description says what the bound port is for.
	Description string `json:"description,omitempty" yaml:"description"`

	// Endpoint bound on the gateway. Port 0 lets the gateway choose.
	LocalBindAddress string `json:"local_bind_address,omitempty" yaml:"local_bind_address"`
	LocalPort        int    `json:"local_port" yaml:"local_port"`

	// Final destination, dialed from the gateway.
	RemoteHost string `json:"remote_host" yaml:"remote_host"`
	RemotePort int    `json:"remote_port" yaml:"remote_port"`

	SSHHost string `json:"ssh_host" yaml:"ssh_host"`
	SSHPort int    `json:"ssh_port,omitempty" yaml:"ssh_port"`
	SSHUser string `json:"ssh_user" yaml:"ssh_user"`

	Auth           AuthMethod `json:"auth_method,omitempty" yaml:"auth_method"`
	PrivateKeyPath string     `json:"private_key_path,omitempty" yaml:"private_key_path"`
	PrivateKey     string     `json:"private_key,omitempty" yaml:"private_key"`
	Passphrase     string     `json:"passphrase,omitempty" yaml:"passphrase"`
	Password       string     `json:"password,omitempty" yaml:"password"`

	Author string `json:"author,omitempty" yaml:"author"`
}

// Session is a read-only snapshot of a relay session. Credentials are never
// part of it.
type Session struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	LocalBindAddress string     `json:"local_bind_address"`
	LocalPort        int        `json:"local_port"`
	RemoteHost       string     `json:"remote_host"`
	RemotePort       int        `json:"remote_port"`
	SSHHost          string     `json:"ssh_host"`
	SSHPort          int        `json:"ssh_port"`
	SSHUser          string     `json:"ssh_user"`
	Auth             AuthMethod `json:"auth_method"`
	Author           string     `json:"author,omitempty"`
	Status           Status     `json:"status"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	ActiveRelays     int64      `json:"active_relays"`
	TotalRelays      int64      `json:"total_relays"`
	BytesIn          int64      `json:"bytes_in"`
	BytesOut         int64      `json:"bytes_out"`
}

var (
	ErrNotFound  = errors.New("tunnel not found")
	ErrPortInUse = errors.New("local port already in use")
)

// Kind classifies tunnel failures.
type Kind string

const (
	KindInvalid     Kind = "invalid"
	KindAuth        Kind = "auth"
	KindUnreachable Kind = "unreachable"
	KindForward     Kind = "forward"
	KindConflict    Kind = "conflict"
)

// Error is returned by Create and Restore.
type Error struct {
	Kind     Kind
	TunnelID string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("tunnel %s: %s", e.TunnelID, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, id string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, TunnelID: id, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of a tunnel error, or "" for other errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
