package sshtunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// authMethods builds the ssh auth methods for spec. The returned release func
// closes the agent socket, if one was opened, and must be called once the
// handshake is over.
func authMethods(spec Spec) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}

	switch spec.Auth {
	case AuthKey:
		signer, err := loadSigner(spec)
		if err != nil {
			return nil, noop, newError(KindInvalid, spec.ID, err, "load private key")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case AuthPassword:
		pw := spec.Password
		return []ssh.AuthMethod{
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		}, noop, nil

	case AuthAgent, "":
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, noop, newError(KindAuth, spec.ID, nil, "SSH_AUTH_SOCK is not set, no ssh agent available")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, noop, newError(KindAuth, spec.ID, err, "connect to ssh agent")
		}
		ag := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, func() { conn.Close() }, nil

	default:
		return nil, noop, newError(KindInvalid, spec.ID, nil, "unknown auth method %q", spec.Auth)
	}
}

func loadSigner(spec Spec) (ssh.Signer, error) {
	pemBytes := []byte(spec.PrivateKey)
	if len(pemBytes) == 0 {
		if spec.PrivateKeyPath == "" {
			return nil, errors.New("no private key or key path given")
		}
		data, err := os.ReadFile(expandHome(spec.PrivateKeyPath))
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		pemBytes = data
	}
	if spec.Passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(spec.Passphrase))
	}
	return ssh.ParsePrivateKey(pemBytes)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// hostKeyCallback verifies gateway host keys against a known_hosts file. With
// no file configured host keys are accepted unverified.
func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expandHome(knownHostsPath))
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// classifyHandshake maps a failed ssh handshake to an error kind.
func classifyHandshake(id string, err error) *Error {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	switch {
	case errors.As(err, &keyErr), errors.As(err, &revoked), strings.Contains(err.Error(), "knownhosts:"):
		return newError(KindAuth, id, err, "host key verification failed")
	case strings.Contains(err.Error(), "unable to authenticate"):
		return newError(KindAuth, id, err, "authentication failed")
	default:
		return newError(KindUnreachable, id, err, "ssh handshake failed")
	}
}
