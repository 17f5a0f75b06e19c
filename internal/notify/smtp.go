package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// defaultSendTimeout bounds one delivery when ctx carries no deadline.
const defaultSendTimeout = 30 * time.Second

type SMTPConfig struct {
	Host     string
	Port     int
	Secure   bool // implicit TLS (port 465); otherwise STARTTLS when offered
	User     string
	Password string
	From     string
}

// SMTP sends alarm mail through one relay.
type SMTP struct {
	cfg SMTPConfig
	log hclog.Logger
}

func NewSMTP(cfg SMTPConfig, logger hclog.Logger) *SMTP {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &SMTP{cfg: cfg, log: logger}
}

func (s *SMTP) Send(ctx context.Context, alarm Alarm) Outcome {
	if len(alarm.Recipients) == 0 {
		return Outcome{Error: "no recipients"}
	}
	msg, err := s.compose(alarm)
	if err != nil {
		return Outcome{Error: err.Error()}
	}
	if err := s.deliver(ctx, alarm.Recipients, msg); err != nil {
		s.log.Error("failed to send alarm email", "monitor", alarm.Name, "kind", alarm.Kind, "error", err)
		return Outcome{Error: err.Error()}
	}
	s.log.Info("alarm email sent", "monitor", alarm.Name, "kind", alarm.Kind, "recipients", len(alarm.Recipients))
	return Outcome{Success: true}
}

func (s *SMTP) compose(alarm Alarm) ([]byte, error) {
	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse sender %q: %w", s.cfg.From, err)
	}
	body, err := RenderHTML(alarm)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(alarm.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", Subject(alarm)))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String()), nil
}

func (s *SMTP) deliver(ctx context.Context, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSendTimeout)
	}

	dialer := &net.Dialer{Deadline: deadline}
	var conn net.Conn
	var err error
	if s.cfg.Secure {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if !s.cfg.Secure {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if s.cfg.User != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return fmt.Errorf("parse sender: %w", err)
	}
	if err := c.Mail(from.Address); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return c.Quit()
}
