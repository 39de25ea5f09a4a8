// Package smtp sends mail over an authenticated SMTP submission session and
// builds the RFC 5322 messages that go over it.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
)

// ErrNoRecipients is returned when an envelope has no recipients.
var ErrNoRecipients = errors.New("message has no recipients")

// ErrSessionClosed is returned after Close.
var ErrSessionClosed = errors.New("smtp session is closed")

// Security selects how the transport is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

// Settings is the immutable configuration of one SMTP session.
type Settings struct {
	Host           string
	Port           int
	Security       Security
	Username       string
	Password       string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	// LocalName is sent in EHLO. The client default is "localhost".
	LocalName string
}

// Address returns host:port.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Session is one authenticated submission connection. Send and Close are safe
// for concurrent use; sends are serialized.
type Session struct {
	settings Settings
	logger   zerolog.Logger

	mu     sync.Mutex
	client *smtp.Client
	closed bool
}

// NewSession creates a disconnected session.
func NewSession(settings Settings, logger zerolog.Logger) *Session {
	return &Session{
		settings: settings,
		logger:   logger.With().Str("component", "smtp").Logger(),
	}
}

// IsConnected reports whether a connection is open. It does not probe the server.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Connect dials, upgrades and authenticates. A live connection is reused; a
// dead one is replaced.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.client != nil {
		if err := s.client.Noop(); err == nil {
			return nil
		}
		s.logger.Debug().Msg("Dropping dead SMTP connection before reconnecting")
		_ = s.client.Close()
		s.client = nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := s.dial(ctx)
	if err != nil {
		return err
	}

	if s.settings.Username != "" {
		auth := sasl.NewPlainClient("", s.settings.Username, s.settings.Password)
		if err := c.Auth(auth); err != nil {
			_ = c.Close()
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	s.client = c
	s.logger.Debug().Str("server", s.settings.Address()).Msg("SMTP session established")
	return nil
}

func (s *Session) dial(ctx context.Context) (*smtp.Client, error) {
	timeout := s.settings.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", s.settings.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	tlsConfig := &tls.Config{ServerName: s.settings.Host}

	var c *smtp.Client
	switch s.settings.Security {
	case SecurityTLS:
		c = smtp.NewClient(tls.Client(conn, tlsConfig))
	case SecurityStartTLS, "":
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	case SecurityNone:
		c = smtp.NewClient(conn)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unknown transport security %q", s.settings.Security)
	}

	c.CommandTimeout = s.settings.CommandTimeout
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}

	// NewClientStartTLS has already greeted the server.
	if s.settings.LocalName != "" && s.settings.Security != SecurityStartTLS && s.settings.Security != "" {
		if err := c.Hello(s.settings.LocalName); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to greet server: %w", err)
		}
	}
	return c, nil
}

// Send transmits raw with an explicit envelope. The envelope recipients are
// independent of the message headers, which is how Bcc stays hidden.
func (s *Session) Send(ctx context.Context, from string, recipients []string, raw []byte) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(ctx); err != nil {
		return err
	}

	if err := s.client.SendMail(from, recipients, bytes.NewReader(raw)); err != nil {
		// The connection state is unknown after a failed transaction.
		_ = s.client.Close()
		s.client = nil
		return fmt.Errorf("failed to send message: %w", err)
	}

	s.logger.Debug().Int("recipients", len(recipients)).Msg("Message submitted")
	return nil
}

// Close quits the session. Calling it twice is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.client == nil {
		return nil
	}
	c := s.client
	s.client = nil
	if err := c.Quit(); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to quit: %w", err)
	}
	return nil
}
