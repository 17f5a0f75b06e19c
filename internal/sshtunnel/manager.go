package sshtunnel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/JinY0ung-Shin/PortKnox/internal/database"
	"github.com/JinY0ung-Shin/PortKnox/internal/events"
	"github.com/JinY0ung-Shin/PortKnox/internal/logutil"
	"github.com/JinY0ung-Shin/PortKnox/internal/metrics"
)

// Persister stores tunnel descriptors.
type Persister interface {
	SaveTunnel(t *database.Tunnel) error
	DeleteTunnel(id string) error
	SetTunnelStatus(id, status string) error
	ListTunnels() ([]database.Tunnel, error)
}

// Sealer encrypts credentials before they are persisted.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type Options struct {
	Dialer         Dialer
	Persister      Persister
	Sealer         Sealer
	Events         events.Publisher
	Logger         hclog.Logger
	GatewayTimeout time.Duration
}

// Manager is the registry of live relay sessions.
type Manager struct {
	dialer    Dialer
	persister Persister
	sealer    Sealer
	events    events.Publisher
	log       hclog.Logger
	timeout   time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	ports    map[int]string // bind port -> session id
	pending  map[string]bool
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &SSHDialer{}
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = DefaultGatewayTimeout
	}
	return &Manager{
		dialer:    opts.Dialer,
		persister: opts.Persister,
		sealer:    opts.Sealer,
		events:    opts.Events,
		log:       opts.Logger,
		timeout:   opts.GatewayTimeout,
		sessions:  make(map[string]*session),
		ports:     make(map[int]string),
		pending:   make(map[string]bool),
	}
}

// Create opens a relay session. An ID that already names an active session
// returns that session unchanged.
func (m *Manager) Create(ctx context.Context, spec Spec) (Session, error) {
	return m.create(ctx, spec, true)
}

func (m *Manager) create(ctx context.Context, spec Spec, persist bool) (Session, error) {
	spec = withDefaults(spec)
	if err := validate(spec); err != nil {
		m.recordFailure(err)
		return Session{}, err
	}

	m.mu.Lock()
	if s, ok := m.sessions[spec.ID]; ok {
		m.mu.Unlock()
		return s.snapshot(), nil
	}
	if m.pending[spec.ID] {
		m.mu.Unlock()
		err := newError(KindConflict, spec.ID, nil, "tunnel is already being created")
		m.recordFailure(err)
		return Session{}, err
	}
	if spec.LocalPort != 0 {
		if owner, ok := m.ports[spec.LocalPort]; ok {
			m.mu.Unlock()
			err := newError(KindConflict, spec.ID, ErrPortInUse, "port %d is held by tunnel %s", spec.LocalPort, owner)
			m.recordFailure(err)
			return Session{}, err
		}
		m.ports[spec.LocalPort] = spec.ID
	}
	m.pending[spec.ID] = true
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.pending, spec.ID)
		if spec.LocalPort != 0 && m.ports[spec.LocalPort] == spec.ID {
			delete(m.ports, spec.LocalPort)
		}
		m.mu.Unlock()
	}

	log := m.log.With("tunnel", spec.ID, "name", logutil.SanitizeForLog(spec.Name))
	log.Info("creating tunnel",
		"gateway", net.JoinHostPort(spec.SSHHost, strconv.Itoa(spec.SSHPort)),
		"bind", net.JoinHostPort(spec.LocalBindAddress, strconv.Itoa(spec.LocalPort)),
		"destination", net.JoinHostPort(spec.RemoteHost, strconv.Itoa(spec.RemotePort)))

	readyCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	gw, err := m.dialer.Connect(readyCtx, spec)
	if err != nil {
		release()
		err = asTunnelError(spec.ID, KindUnreachable, err, "connect to gateway")
		m.recordFailure(err)
		log.Error("tunnel connect failed", "error", err)
		return Session{}, err
	}

	ln, err := listen(readyCtx, gw, net.JoinHostPort(spec.LocalBindAddress, strconv.Itoa(spec.LocalPort)))
	if err != nil {
		gw.Close()
		release()
		err = newError(KindForward, spec.ID, err, "gateway refused to listen on %s:%d", spec.LocalBindAddress, spec.LocalPort)
		m.recordFailure(err)
		log.Error("tunnel forward failed", "error", err)
		return Session{}, err
	}

	if spec.LocalPort == 0 {
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			spec.LocalPort = addr.Port
		}
	}

	s := newSession(spec, gw, ln, log)
	s.onExit = m.purge
	s.onStatus = m.publish

	m.mu.Lock()
	delete(m.pending, spec.ID)
	m.ports[spec.LocalPort] = spec.ID
	m.sessions[spec.ID] = s
	m.mu.Unlock()

	s.start()
	metrics.TunnelsActive.Inc()

	// Stop or a dropped gateway may have claimed the session while it was
	// starting. The descriptor is written under m.mu so neither can
	// interleave with it.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[spec.ID] != s || s.Status() != StatusActive {
		err := newError(KindConflict, spec.ID, nil, "tunnel was stopped while starting")
		m.recordFailure(err)
		log.Warn("tunnel ended before it was recorded", "status", s.Status())
		return Session{}, err
	}
	if persist {
		m.save(spec, database.TunnelStatusActive)
	} else if m.persister != nil {
		if err := m.persister.SetTunnelStatus(spec.ID, database.TunnelStatusActive); err != nil {
			log.Warn("failed to update tunnel status", "error", err)
		}
	}
	return s.snapshot(), nil
}

// listen runs gw.Listen bounded by ctx. The gateway is closed when ctx ends
// first, which unblocks the pending request.
func listen(ctx context.Context, gw Gateway, addr string) (net.Listener, error) {
	type result struct {
		ln  net.Listener
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ln, err := gw.Listen(addr)
		ch <- result{ln, err}
	}()
	select {
	case r := <-ch:
		return r.ln, r.err
	case <-ctx.Done():
		gw.Close()
		return nil, fmt.Errorf("forward not ready: %w", ctx.Err())
	}
}

// Stop closes a session and deletes its descriptor.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		m.remove(id, s)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.stop()
	metrics.TunnelsActive.Dec()
	if m.persister != nil {
		if err := m.persister.DeleteTunnel(id); err != nil {
			m.log.Warn("failed to delete tunnel descriptor", "tunnel", id, "error", err)
		}
	}
	return nil
}

// StopAll closes every session. Descriptors are kept so Restore can bring the
// sessions back on the next start.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		m.remove(id, s)
		all = append(all, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			s.stop()
			metrics.TunnelsActive.Dec()
		}(s)
	}
	wg.Wait()
	if len(all) > 0 {
		m.log.Info("closed all tunnels", "count", len(all))
	}
}

// List returns the active sessions ordered by creation time.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Status() == StatusActive {
			out = append(out, s.snapshot())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Restore recreates sessions from descriptors stored as active. Descriptors
// that cannot be decoded or connected are logged and skipped. It returns the
// number of restored sessions.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.persister == nil {
		return 0, nil
	}
	stored, err := m.persister.ListTunnels()
	if err != nil {
		return 0, fmt.Errorf("list tunnel descriptors: %w", err)
	}

	restored := 0
	for _, t := range stored {
		if t.Status != database.TunnelStatusActive {
			continue
		}
		spec, err := m.specFromDescriptor(t)
		if err != nil {
			m.log.Warn("skipping unreadable tunnel descriptor", "tunnel", t.ID, "error", err)
			continue
		}
		if _, err := m.create(ctx, spec, false); err != nil {
			m.log.Warn("failed to restore tunnel", "tunnel", t.ID, "error", err)
			m.persister.SetTunnelStatus(t.ID, database.TunnelStatusError)
			continue
		}
		restored++
	}
	if restored > 0 {
		m.log.Info("restored tunnels", "count", restored)
	}
	return restored, nil
}

// purge runs when a session's control connection drops.
func (m *Manager) purge(s *session, cause error) {
	m.mu.Lock()
	current, ok := m.sessions[s.spec.ID]
	owned := ok && current == s
	if owned {
		m.remove(s.spec.ID, s)
	}
	m.mu.Unlock()
	if !owned {
		return
	}

	metrics.TunnelsActive.Dec()
	if m.persister != nil {
		if err := m.persister.SetTunnelStatus(s.spec.ID, database.TunnelStatusError); err != nil {
			m.log.Warn("failed to mark tunnel descriptor as error", "tunnel", s.spec.ID, "error", err)
		}
	}
}

// remove drops s from the registry. Caller must hold m.mu.
func (m *Manager) remove(id string, s *session) {
	delete(m.sessions, id)
	if m.ports[s.spec.LocalPort] == id {
		delete(m.ports, s.spec.LocalPort)
	}
}

func (m *Manager) publish(s *session, from, to Status, reason string) {
	m.events.Publish(events.Event{
		Type:    events.TunnelStateChanged,
		Subject: s.spec.ID,
		Name:    s.spec.Name,
		From:    from.String(),
		To:      to.String(),
		Details: reason,
	})
}

func (m *Manager) recordFailure(err error) {
	metrics.TunnelCreateFailures.WithLabelValues(string(KindOf(err))).Inc()
}

// secrets is the sealed part of a persisted descriptor.
type secrets struct {
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Password   string `json:"password,omitempty"`
}

func (m *Manager) save(spec Spec, status string) {
	if m.persister == nil {
		return
	}
	t := &database.Tunnel{
		ID:               spec.ID,
		Name:             spec.Name,
		Description:      spec.Description,
		LocalBindAddress: spec.LocalBindAddress,
		LocalPort:        spec.LocalPort,
		RemoteHost:       spec.RemoteHost,
		RemotePort:       spec.RemotePort,
		SSHHost:          spec.SSHHost,
		SSHPort:          spec.SSHPort,
		SSHUser:          spec.SSHUser,
		AuthMethod:       string(spec.Auth),
		PrivateKeyPath:   spec.PrivateKeyPath,
		Author:           spec.Author,
		Status:           status,
	}
	sec := secrets{PrivateKey: spec.PrivateKey, Passphrase: spec.Passphrase, Password: spec.Password}
	if sec != (secrets{}) {
		if m.sealer == nil {
			m.log.Warn("no sealer configured, tunnel credentials are not persisted", "tunnel", spec.ID)
		} else {
			raw, _ := json.Marshal(sec)
			sealed, err := m.sealer.Encrypt(string(raw))
			if err != nil {
				m.log.Error("failed to encrypt tunnel credentials", "tunnel", spec.ID, "error", err)
			} else {
				t.Secrets = sealed
			}
		}
	}
	if err := m.persister.SaveTunnel(t); err != nil {
		m.log.Error("failed to persist tunnel descriptor", "tunnel", spec.ID, "error", err)
	}
}

func (m *Manager) specFromDescriptor(t database.Tunnel) (Spec, error) {
	spec := Spec{
		ID:               t.ID,
		Name:             t.Name,
		Description:      t.Description,
		LocalBindAddress: t.LocalBindAddress,
		LocalPort:        t.LocalPort,
		RemoteHost:       t.RemoteHost,
		RemotePort:       t.RemotePort,
		SSHHost:          t.SSHHost,
		SSHPort:          t.SSHPort,
		SSHUser:          t.SSHUser,
		Auth:             AuthMethod(t.AuthMethod),
		PrivateKeyPath:   t.PrivateKeyPath,
		Author:           t.Author,
	}
	if t.Secrets == "" {
		return spec, nil
	}
	if m.sealer == nil {
		return spec, errors.New("descriptor has sealed credentials but no sealer is configured")
	}
	raw, err := m.sealer.Decrypt(t.Secrets)
	if err != nil {
		return spec, fmt.Errorf("decrypt credentials: %w", err)
	}
	var sec secrets
	if err := json.Unmarshal([]byte(raw), &sec); err != nil {
		return spec, fmt.Errorf("decode credentials: %w", err)
	}
	spec.PrivateKey = sec.PrivateKey
	spec.Passphrase = sec.Passphrase
	spec.Password = sec.Password
	return spec, nil
}

func withDefaults(spec Spec) Spec {
	if spec.ID == "" {
		spec.ID = newID()
	}
	if spec.Name == "" {
		spec.Name = spec.ID
	}
	if spec.LocalBindAddress == "" {
		spec.LocalBindAddress = "127.0.0.1"
	}
	if spec.SSHPort == 0 {
		spec.SSHPort = 22
	}
	if spec.Auth == "" {
		switch {
		case spec.Password != "":
			spec.Auth = AuthPassword
		case spec.PrivateKey != "" || spec.PrivateKeyPath != "":
			spec.Auth = AuthKey
		default:
			spec.Auth = AuthAgent
		}
	}
	return spec
}

func validate(spec Spec) error {
	switch {
	case spec.SSHHost == "":
		return newError(KindInvalid, spec.ID, nil, "ssh_host is required")
	case spec.SSHUser == "":
		return newError(KindInvalid, spec.ID, nil, "ssh_user is required")
	case spec.RemoteHost == "":
		return newError(KindInvalid, spec.ID, nil, "remote_host is required")
	case !validPort(spec.RemotePort, false):
		return newError(KindInvalid, spec.ID, nil, "remote_port %d out of range", spec.RemotePort)
	case !validPort(spec.SSHPort, false):
		return newError(KindInvalid, spec.ID, nil, "ssh_port %d out of range", spec.SSHPort)
	case !validPort(spec.LocalPort, true):
		return newError(KindInvalid, spec.ID, nil, "local_port %d out of range", spec.LocalPort)
	case spec.Auth == AuthPassword && spec.Password == "":
		return newError(KindInvalid, spec.ID, nil, "password auth needs a password")
	case spec.Auth == AuthKey && spec.PrivateKey == "" && spec.PrivateKeyPath == "":
		return newError(KindInvalid, spec.ID, nil, "key auth needs private_key or private_key_path")
	}
	return nil
}

func validPort(p int, allowZero bool) bool {
	if allowZero && p == 0 {
		return true
	}
	return p >= 1 && p <= 65535
}

// asTunnelError keeps *Error values and wraps anything else with kind.
func asTunnelError(id string, kind Kind, err error, msg string) error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return newError(kind, id, err, "%s", msg)
}

func newID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return fmt.Sprintf("fwd_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}
