package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JinY0ung-Shin/PortKnox/internal/crypto"
	"github.com/JinY0ung-Shin/PortKnox/internal/database"
	"github.com/JinY0ung-Shin/PortKnox/internal/events"
)

type testEnv struct {
	gw      *testGateway
	store   *database.Store
	keyring *crypto.Keyring
	hub     *events.Hub
	mgr     *Manager
	echo    int
}

func newTestEnv(t *testing.T, configure ...func(*testGateway)) *testEnv {
	t.Helper()
	store, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		gw:      startTestGateway(t, configure...),
		store:   store,
		keyring: crypto.NewKeyring(store),
		hub:     events.NewHub(),
		echo:    startEchoServer(t),
	}
	env.mgr = env.newManager()
	t.Cleanup(env.mgr.StopAll)
	return env
}

func (e *testEnv) newManager() *Manager {
	return NewManager(Options{
		Persister:      e.store,
		Sealer:         e.keyring,
		Events:         e.hub,
		GatewayTimeout: 5 * time.Second,
	})
}

func (e *testEnv) spec(id string) Spec {
	return Spec{
		ID:          id,
		Name:        "echo " + id,
		Description: "echo service for " + id,
		RemoteHost:  "127.0.0.1",
		RemotePort:  e.echo,
		SSHHost:     "127.0.0.1",
		SSHPort:     e.gw.port,
		SSHUser:     testUser,
		Auth:        AuthPassword,
		Password:    testPassword,
		Author:      "ops",
	}
}

func TestCreateRelaysTraffic(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.mgr.Create(context.Background(), env.spec("t1"))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sess.Status)
	assert.NotZero(t, sess.LocalPort)
	assert.Equal(t, "127.0.0.1", sess.LocalBindAddress)

	assert.Equal(t, "hello", roundTrip(t, sess.LocalPort, "hello"))
	assert.Equal(t, "again", roundTrip(t, sess.LocalPort, "again"))

	require.Eventually(t, func() bool {
		got, ok := env.mgr.Get("t1")
		return ok && got.TotalRelays == 2 && got.ActiveRelays == 0
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := env.mgr.Get("t1")
	assert.Equal(t, int64(len("hello")+len("again")), got.BytesIn)
	assert.Equal(t, int64(len("hello")+len("again")), got.BytesOut)
}

func TestConcurrentRelays(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.mgr.Create(context.Background(), env.spec("t1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("message-%02d", i)
			assert.Equal(t, msg, roundTrip(t, sess.LocalPort, msg))
		}(i)
	}
	wg.Wait()
}

func TestCreatePersistsSealedDescriptor(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.mgr.Create(context.Background(), env.spec("t1"))
	require.NoError(t, err)

	stored, err := env.store.ListTunnels()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	d := stored[0]
	assert.Equal(t, "t1", d.ID)
	assert.Equal(t, sess.LocalPort, d.LocalPort)
	assert.Equal(t, "echo service for t1", d.Description)
	assert.Equal(t, "echo service for t1", sess.Description)
	assert.Equal(t, database.TunnelStatusActive, d.Status)
	assert.Equal(t, string(AuthPassword), d.AuthMethod)
	assert.NotEmpty(t, d.Secrets)
	assert.NotContains(t, d.Secrets, testPassword)

	plain, err := env.keyring.Decrypt(d.Secrets)
	require.NoError(t, err)
	assert.Contains(t, plain, testPassword)
}

func TestCreateWithKeyAuth(t *testing.T) {
	pub, pemKey := generateClientKey(t)
	env := newTestEnv(t, func(g *testGateway) { g.authorizedKey = pub })

	spec := env.spec("")
	spec.Auth = ""
	spec.Password = ""
	spec.PrivateKey = pemKey

	sess, err := env.mgr.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, AuthKey, sess.Auth)
	assert.True(t, strings.HasPrefix(sess.ID, "fwd_"))
	assert.Equal(t, "ping", roundTrip(t, sess.LocalPort, "ping"))
}

func TestCreateIsIdempotentByID(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.mgr.Create(context.Background(), env.spec("t1"))
	require.NoError(t, err)
	second, err := env.mgr.Create(context.Background(), env.spec("t1"))
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, first.LocalPort, second.LocalPort)
	assert.Len(t, env.mgr.List(), 1)
	assert.Equal(t, 1, env.gw.Accepted())
}

func TestCreateRejectsPortInUse(t *testing.T) {
	env := newTestEnv(t)
	port := freePort(t)

	a := env.spec("a")
	a.LocalPort = port
	_, err := env.mgr.Create(context.Background(), a)
	require.NoError(t, err)

	b := env.spec("b")
	b.LocalPort = port
	_, err = env.mgr.Create(context.Background(), b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortInUse)
	assert.Equal(t, KindConflict, KindOf(err))

	_, ok := env.mgr.Get("b")
	assert.False(t, ok)
	assert.Len(t, env.mgr.List(), 1)
}

func TestCreateFailures(t *testing.T) {
	closedPort := freePort(t)

	tests := []struct {
		name      string
		configure func(*testGateway)
		mutate    func(*Spec)
		kind      Kind
	}{
		{
			name:   "unreachable gateway",
			mutate: func(s *Spec) { s.SSHPort = closedPort },
			kind:   KindUnreachable,
		},
		{
			name:   "wrong password",
			mutate: func(s *Spec) { s.Password = "wrong" },
			kind:   KindAuth,
		},
		{
			name:      "forward refused",
			configure: func(g *testGateway) { g.rejectForward = true },
			kind:      KindForward,
		},
		{
			name:   "missing ssh host",
			mutate: func(s *Spec) { s.SSHHost = "" },
			kind:   KindInvalid,
		},
		{
			name:   "remote port out of range",
			mutate: func(s *Spec) { s.RemotePort = 70000 },
			kind:   KindInvalid,
		},
		{
			name:   "unknown auth method",
			mutate: func(s *Spec) { s.Auth = "kerberos" },
			kind:   KindInvalid,
		},
		{
			name: "unreadable key file",
			mutate: func(s *Spec) {
				s.Auth = AuthKey
				s.PrivateKeyPath = "/nonexistent/id_ed25519"
			},
			kind: KindInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var configure []func(*testGateway)
			if tt.configure != nil {
				configure = append(configure, tt.configure)
			}
			env := newTestEnv(t, configure...)
			_, err := env.mgr.Create(context.Background(), env.spec("existing"))
			if tt.configure != nil {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			before := len(env.mgr.List())

			spec := env.spec("broken")
			if tt.mutate != nil {
				tt.mutate(&spec)
			}
			_, err = env.mgr.Create(context.Background(), spec)
			require.Error(t, err)

			var te *Error
			require.True(t, errors.As(err, &te), "want *Error, got %T", err)
			assert.Equal(t, tt.kind, te.Kind)
			assert.Equal(t, "broken", te.TunnelID)

			assert.Len(t, env.mgr.List(), before)
			_, ok := env.mgr.Get("broken")
			assert.False(t, ok)

			stored, err := env.store.ListTunnels()
			require.NoError(t, err)
			for _, d := range stored {
				assert.NotEqual(t, "broken", d.ID)
			}
		})
	}
}

func TestRetryAfterFailedCreateReusesPort(t *testing.T) {
	env := newTestEnv(t)
	port := freePort(t)

	spec := env.spec("t1")
	spec.LocalPort = port
	spec.Password = "wrong"
	_, err := env.mgr.Create(context.Background(), spec)
	require.Error(t, err)

	spec.Password = testPassword
	sess, err := env.mgr.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, port, sess.LocalPort)
}

func TestStop(t *testing.T) {
	env := newTestEnv(t)
	stream, cancel := env.hub.Subscribe(16)
	defer cancel()

	sess, err := env.mgr.Create(context.Background(), env.spec("t1"))
	require.NoError(t, err)
	require.NoError(t, env.mgr.Stop("t1"))

	_, ok := env.mgr.Get("t1")
	assert.False(t, ok)
	assert.Empty(t, env.mgr.List())

	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", sess.LocalPort), time.Second)
		if err == nil {
			c.Close()
		}
		return err != nil
	}, 2*time.Second, 20*time.Millisecond, "gateway listener should be gone")

	stored, err := env.store.ListTunnels()
	require.NoError(t, err)
	assert.Empty(t, stored)

	assert.ErrorIs(t, env.mgr.Stop("t1"), ErrNotFound)

	var transitions []string
	for len(stream) > 0 {
		ev := <-stream
		transitions = append(transitions, ev.From+"->"+ev.To)
	}
	assert.Equal(t, []string{"pending->active", "active->closed"}, transitions)
}

// stopWhileStarting stops a session from inside its pending->active
// transition and returns once the registry no longer holds it.
type stopWhileStarting struct {
	mgr *Manager
}

func (p *stopWhileStarting) Publish(ev events.Event) {
	if ev.To != StatusActive.String() {
		return
	}
	go p.mgr.Stop(ev.Subject)
	for {
		if _, ok := p.mgr.Get(ev.Subject); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStopDuringCreateIsNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	pub := &stopWhileStarting{}
	mgr := NewManager(Options{
		Persister:      env.store,
		Sealer:         env.keyring,
		Events:         pub,
		GatewayTimeout: 5 * time.Second,
	})
	pub.mgr = mgr
	defer mgr.StopAll()

	_, err := mgr.Create(context.Background(), env.spec("t1"))
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))

	_, ok := mgr.Get("t1")
	assert.False(t, ok)
	assert.Empty(t, mgr.List())

	stored, err := env.store.ListTunnels()
	require.NoError(t, err)
	assert.Empty(t, stored, "a stopped tunnel must not come back on restore")
}

func TestStopEndsLiveRelays(t *testing.T) {
	env := newTestEnv(t)
	sess, err := env.mgr.Create(context.Background(), env.spec("t1"))
	require.NoError(t, err)

	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", sess.LocalPort))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = c.Read(buf)
	require.NoError(t, err)

	require.NoError(t, env.mgr.Stop("t1"))

	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = c.Read(buf)
	assert.Error(t, err, "relay stream should end with its session")
}

func TestDroppedControlConnectionPurgesSession(t *testing.T) {
	env := newTestEnv(t)
	stream, cancel := env.hub.Subscribe(16)
	defer cancel()

	_, err := env.mgr.Create(context.Background(), env.spec("t1"))
	require.NoError(t, err)

	env.gw.DropAll()

	require.Eventually(t, func() bool {
		_, ok := env.mgr.Get("t1")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, env.mgr.List())

	require.Eventually(t, func() bool {
		stored, err := env.store.ListTunnels()
		return err == nil && len(stored) == 1 && stored[0].Status == database.TunnelStatusError
	}, 2*time.Second, 20*time.Millisecond)

	var last events.Event
	for len(stream) > 0 {
		last = <-stream
	}
	assert.Equal(t, events.TunnelStateChanged, last.Type)
	assert.Equal(t, "error", last.To)

	assert.ErrorIs(t, env.mgr.Stop("t1"), ErrNotFound)
}

func TestDestinationDialFailureEndsOnlyThatRelay(t *testing.T) {
	env := newTestEnv(t)

	spec := env.spec("dead")
	spec.RemotePort = freePort(t)
	dead, err := env.mgr.Create(context.Background(), spec)
	require.NoError(t, err)
	live, err := env.mgr.Create(context.Background(), env.spec("live"))
	require.NoError(t, err)

	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", dead.LocalPort))
	require.NoError(t, err)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
	c.Close()

	got, ok := env.mgr.Get("dead")
	require.True(t, ok)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "ok", roundTrip(t, live.LocalPort, "ok"))
}

func TestListOrderedByCreation(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"c", "a", "b"} {
		_, err := env.mgr.Create(context.Background(), env.spec(id))
		require.NoError(t, err)
	}

	var ids []string
	for _, s := range env.mgr.List() {
		ids = append(ids, s.ID)
		assert.Equal(t, StatusActive, s.Status)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.Create(context.Background(), env.spec("keep"))
	require.NoError(t, err)
	env.mgr.StopAll()
	assert.Empty(t, env.mgr.List())

	require.NoError(t, env.store.SaveTunnel(&database.Tunnel{
		ID: "dropped", RemoteHost: "127.0.0.1", RemotePort: env.echo,
		SSHHost: "127.0.0.1", SSHPort: env.gw.port, SSHUser: testUser,
		AuthMethod: string(AuthPassword), Status: database.TunnelStatusError,
	}))
	require.NoError(t, env.store.SaveTunnel(&database.Tunnel{
		ID: "corrupt", RemoteHost: "127.0.0.1", RemotePort: env.echo,
		SSHHost: "127.0.0.1", SSHPort: env.gw.port, SSHUser: testUser,
		AuthMethod: string(AuthPassword), Secrets: "not-a-token", Status: database.TunnelStatusActive,
	}))

	mgr := env.newManager()
	defer mgr.StopAll()
	n, err := mgr.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list := mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, "keep", list[0].ID)
	assert.Equal(t, "echo service for keep", list[0].Description)
	assert.Equal(t, "ok", roundTrip(t, list[0].LocalPort, "ok"))
}

func TestRestoreMarksUnreachableDescriptorsAsError(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.SaveTunnel(&database.Tunnel{
		ID: "gone", RemoteHost: "127.0.0.1", RemotePort: env.echo,
		SSHHost: "127.0.0.1", SSHPort: freePort(t), SSHUser: testUser,
		AuthMethod: string(AuthAgent), Status: database.TunnelStatusActive,
	}))
	t.Setenv("SSH_AUTH_SOCK", "")

	n, err := env.mgr.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := env.store.ListTunnels()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, database.TunnelStatusError, stored[0].Status)
}

func TestStopAllKeepsDescriptors(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "b"} {
		_, err := env.mgr.Create(context.Background(), env.spec(id))
		require.NoError(t, err)
	}
	env.mgr.StopAll()
	assert.Empty(t, env.mgr.List())

	stored, err := env.store.ListTunnels()
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestStatusJSON(t *testing.T) {
	b, err := StatusActive.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "active", string(b))
	assert.Equal(t, "unknown", Status(42).String())
}
