package sshtunnel

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultGatewayTimeout bounds connect, handshake and forward setup.
	DefaultGatewayTimeout = 10 * time.Second

	defaultKeepaliveInterval = 30 * time.Second
)

// Gateway is one authenticated control connection to a gateway host.
type Gateway interface {
	// Listen asks the gateway to accept connections on addr (tcpip-forward).
	Listen(addr string) (net.Listener, error)
	// Dial opens a stream from the gateway to addr (direct-tcpip).
	Dial(addr string) (net.Conn, error)
	// Wait blocks until the control connection is gone.
	Wait() error
	Close() error
}

// Dialer opens control connections.
type Dialer interface {
	Connect(ctx context.Context, spec Spec) (Gateway, error)
}

// SSHDialer connects to gateways with golang.org/x/crypto/ssh.
type SSHDialer struct {
	KnownHostsPath    string
	KeepaliveInterval time.Duration
}

func (d *SSHDialer) Connect(ctx context.Context, spec Spec) (Gateway, error) {
	auths, release, err := authMethods(spec)
	if err != nil {
		return nil, err
	}
	defer release()

	hostKeys, err := hostKeyCallback(d.KnownHostsPath)
	if err != nil {
		return nil, newError(KindInvalid, spec.ID, err, "host key verification setup")
	}

	addr := net.JoinHostPort(spec.SSHHost, strconv.Itoa(spec.SSHPort))
	cfg := &ssh.ClientConfig{
		User:            spec.SSHUser,
		Auth:            auths,
		HostKeyCallback: hostKeys,
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(KindUnreachable, spec.ID, err, "connect to gateway %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Abort the handshake if ctx ends before the deadline does.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, newError(KindUnreachable, spec.ID, ctx.Err(), "gateway %s did not become ready", addr)
		}
		return nil, classifyHandshake(spec.ID, err)
	}
	conn.SetDeadline(time.Time{})

	interval := d.KeepaliveInterval
	if interval <= 0 {
		interval = defaultKeepaliveInterval
	}
	g := &sshGateway{client: ssh.NewClient(c, chans, reqs), done: make(chan struct{})}
	go g.keepalive(interval)
	return g, nil
}

type sshGateway struct {
	client *ssh.Client
	once   sync.Once
	done   chan struct{}
}

func (g *sshGateway) Listen(addr string) (net.Listener, error) {
	return g.client.Listen("tcp", addr)
}

func (g *sshGateway) Dial(addr string) (net.Conn, error) {
	return g.client.Dial("tcp", addr)
}

func (g *sshGateway) Wait() error {
	return g.client.Wait()
}

func (g *sshGateway) Close() error {
	g.once.Do(func() { close(g.done) })
	return g.client.Close()
}

// keepalive closes the connection when the gateway stops answering, which
// surfaces through Wait as a drop.
func (g *sshGateway) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			if _, _, err := g.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				g.client.Close()
				return
			}
		}
	}
}
