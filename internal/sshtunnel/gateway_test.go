package sshtunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "tunnel"
	testPassword = "s3cret"
)

// testGateway is an in-process SSH server that behaves like a gateway host:
// it honors tcpip-forward requests by listening locally and relaying accepted
// connections back as forwarded-tcpip channels, and it serves direct-tcpip
// channels by dialing the requested destination.
type testGateway struct {
	addr string
	port int

	authorizedKey ssh.PublicKey
	rejectForward bool

	mu        sync.Mutex
	conns     []net.Conn
	listeners []net.Listener
	accepted  int

	ln net.Listener
}

func startTestGateway(t *testing.T, configure ...func(*testGateway)) *testGateway {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	g := &testGateway{}
	for _, fn := range configure {
		fn(g)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if conn.User() == testUser && string(pw) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if g.authorizedKey != nil && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(g.authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	g.ln = ln
	g.addr = ln.Addr().String()
	g.port = ln.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			g.mu.Lock()
			g.conns = append(g.conns, nc)
			g.accepted++
			g.mu.Unlock()
			go g.handle(nc, config)
		}
	}()

	t.Cleanup(g.Close)
	return g
}

// DropAll severs every control connection, as a gateway restart would.
func (g *testGateway) DropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.Close()
	}
	g.conns = nil
	for _, l := range g.listeners {
		l.Close()
	}
	g.listeners = nil
}

func (g *testGateway) Close() {
	g.ln.Close()
	g.DropAll()
}

func (g *testGateway) Accepted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

func (g *testGateway) handle(nc net.Conn, config *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, config)
	if err != nil {
		nc.Close()
		return
	}
	defer sconn.Close()

	go g.handleGlobalRequests(sconn, reqs)

	for nch := range chans {
		if nch.ChannelType() != "direct-tcpip" {
			nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var target struct {
			Host       string
			Port       uint32
			OriginHost string
			OriginPort uint32
		}
		if err := ssh.Unmarshal(nch.ExtraData(), &target); err != nil {
			nch.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
			continue
		}
		dest := net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port)))
		out, err := net.DialTimeout("tcp", dest, 2*time.Second)
		if err != nil {
			nch.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			out.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go pipe(ch, out)
	}
}

func (g *testGateway) handleGlobalRequests(sconn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			if g.rejectForward {
				req.Reply(false, nil)
				continue
			}
			var fwd struct {
				Addr string
				Port uint32
			}
			if err := ssh.Unmarshal(req.Payload, &fwd); err != nil {
				req.Reply(false, nil)
				continue
			}
			ln, err := net.Listen("tcp", net.JoinHostPort(fwd.Addr, strconv.Itoa(int(fwd.Port))))
			if err != nil {
				req.Reply(false, nil)
				continue
			}
			g.mu.Lock()
			g.listeners = append(g.listeners, ln)
			g.mu.Unlock()

			bound := uint32(ln.Addr().(*net.TCPAddr).Port)
			req.Reply(true, ssh.Marshal(struct{ Port uint32 }{bound}))
			go g.serveForward(sconn, ln, fwd.Addr, bound)

		case "cancel-tcpip-forward":
			req.Reply(true, nil)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// serveForward relays every connection accepted on ln back to the client.
func (g *testGateway) serveForward(sconn *ssh.ServerConn, ln net.Listener, addr string, port uint32) {
	defer ln.Close()
	go func() {
		sconn.Wait()
		ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		origin := c.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(struct {
			Addr       string
			Port       uint32
			OriginAddr string
			OriginPort uint32
		}{addr, port, origin.IP.String(), uint32(origin.Port)})

		go func(c net.Conn) {
			ch, reqs, err := sconn.OpenChannel("forwarded-tcpip", payload)
			if err != nil {
				c.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			pipe(ch, c)
		}(c)
	}
}

func pipe(a io.ReadWriteCloser, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
	a.Close()
	b.Close()
}

// startEchoServer echoes every byte back and returns its port.
func startEchoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func generateClientKey(t *testing.T) (ssh.PublicKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub, string(pem.EncodeToMemory(block))
}

// roundTrip writes msg through the bound port and reads the echo.
func roundTrip(t *testing.T, port int, msg string) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = c.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	return string(buf)
}
