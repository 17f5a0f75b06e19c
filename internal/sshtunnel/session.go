package sshtunnel

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/JinY0ung-Shin/PortKnox/internal/metrics"
)

type eventKind int

const (
	evReady eventKind = iota
	evRelay
	evDropped
	evStop
)

type event struct {
	kind eventKind
	conn net.Conn
	err  error
}

// session is the runtime of one relay session. All status transitions happen
// on the run goroutine.
type session struct {
	spec Spec
	gw   Gateway
	ln   net.Listener
	log  hclog.Logger

	events chan event
	ready  chan struct{}
	done   chan struct{}
	relays sync.WaitGroup

	// onExit is called from the run goroutine after a drop, never after Stop.
	onExit func(s *session, err error)
	// onStatus observes every transition.
	onStatus func(s *session, from, to Status, reason string)

	active   atomic.Int64
	total    atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	mu       sync.RWMutex
	status   Status
	lastErr  string
	created  time.Time
	closedAt *time.Time
}

func newSession(spec Spec, gw Gateway, ln net.Listener, logger hclog.Logger) *session {
	return &session{
		spec:    spec,
		gw:      gw,
		ln:      ln,
		log:     logger,
		events:  make(chan event),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		status:  StatusPending,
		created: time.Now(),
	}
}

// start launches the run goroutine and returns once the session is active.
func (s *session) start() {
	go s.run()
	if s.send(event{kind: evReady}) {
		<-s.ready
	}
}

// stop ends the session and waits until every relay has returned.
func (s *session) stop() {
	s.send(event{kind: evStop})
	<-s.done
}

// send delivers ev to the run goroutine. It reports false when the session
// has already ended; a relay conn carried by ev is closed in that case.
func (s *session) send(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		if ev.conn != nil {
			ev.conn.Close()
		}
		return false
	}
}

func (s *session) run() {
	defer close(s.done)
	for ev := range s.events {
		switch ev.kind {
		case evReady:
			s.transition(StatusActive, "")
			close(s.ready)
			go s.acceptLoop()
			go s.watch()

		case evRelay:
			s.relays.Add(1)
			go s.relay(ev.conn)

		case evDropped:
			reason := "control connection closed"
			if ev.err != nil {
				reason = ev.err.Error()
			}
			s.teardown()
			s.transition(StatusError, reason)
			if s.onExit != nil {
				s.onExit(s, ev.err)
			}
			return

		case evStop:
			s.teardown()
			s.transition(StatusClosed, "stopped")
			return
		}
	}
}

func (s *session) teardown() {
	s.ln.Close()
	s.gw.Close()
	s.relays.Wait()
}

// acceptLoop hands every connection the gateway forwards to the run goroutine.
func (s *session) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.send(event{kind: evDropped, err: errors.New("gateway listener closed")})
			return
		}
		if !s.send(event{kind: evRelay, conn: conn}) {
			return
		}
	}
}

func (s *session) watch() {
	err := s.gw.Wait()
	if err == nil {
		err = errors.New("control connection closed")
	}
	s.send(event{kind: evDropped, err: err})
}

// relay joins one forwarded connection with a fresh stream to the
// destination. A dial failure only ends this relay.
func (s *session) relay(inbound net.Conn) {
	defer s.relays.Done()
	s.total.Add(1)

	dest := net.JoinHostPort(s.spec.RemoteHost, strconv.Itoa(s.spec.RemotePort))
	outbound, err := s.gw.Dial(dest)
	if err != nil {
		inbound.Close()
		metrics.TunnelRelays.WithLabelValues("dial_failed").Inc()
		s.log.Warn("relay dial failed", "destination", dest, "error", err)
		return
	}

	s.active.Add(1)
	in, out := splice(inbound, outbound)
	s.active.Add(-1)
	s.bytesIn.Add(in)
	s.bytesOut.Add(out)
	metrics.TunnelRelays.WithLabelValues("ok").Inc()
	s.log.Trace("relay finished", "destination", dest, "bytes_in", in, "bytes_out", out)
}

func (s *session) transition(to Status, reason string) {
	s.mu.Lock()
	from := s.status
	s.status = to
	if to == StatusError {
		s.lastErr = reason
	}
	if to == StatusClosed || to == StatusError {
		now := time.Now()
		s.closedAt = &now
	}
	s.mu.Unlock()

	if to == StatusError {
		s.log.Warn("tunnel dropped", "reason", reason)
	} else {
		s.log.Info("tunnel state changed", "from", from, "to", to)
	}
	if s.onStatus != nil {
		s.onStatus(s, from, to, reason)
	}
}

func (s *session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *session) snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Session{
		ID:               s.spec.ID,
		Name:             s.spec.Name,
		Description:      s.spec.Description,
		LocalBindAddress: s.spec.LocalBindAddress,
		LocalPort:        s.spec.LocalPort,
		RemoteHost:       s.spec.RemoteHost,
		RemotePort:       s.spec.RemotePort,
		SSHHost:          s.spec.SSHHost,
		SSHPort:          s.spec.SSHPort,
		SSHUser:          s.spec.SSHUser,
		Auth:             s.spec.Auth,
		Author:           s.spec.Author,
		Status:           s.status,
		Error:            s.lastErr,
		CreatedAt:        s.created,
		ActiveRelays:     s.active.Load(),
		TotalRelays:      s.total.Load(),
		BytesIn:          s.bytesIn.Load(),
		BytesOut:         s.bytesOut.Load(),
	}
	if s.closedAt != nil {
		t := *s.closedAt
		out.ClosedAt = &t
	}
	return out
}
