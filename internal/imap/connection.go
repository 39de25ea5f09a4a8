package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/client"
)

// Security selects how the transport is protected.
type Security string

const (
	// SecurityTLS dials with implicit TLS (port 993).
	SecurityTLS Security = "tls"
	// SecurityStartTLS dials in plain text and upgrades with STARTTLS.
	SecurityStartTLS Security = "starttls"
	// SecurityNone is plain text. Only used against local test servers.
	SecurityNone Security = "none"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultAuthTimeout    = 10 * time.Second
)

// Settings is the immutable connection configuration of one IMAP session.
type Settings struct {
	Host           string
	Port           int
	Security       Security
	Username       string
	Password       string
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
}

// Address returns host:port.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Settings) connectTimeout() time.Duration {
	if s.ConnectTimeout > 0 {
		return s.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (s Settings) authTimeout() time.Duration {
	if s.AuthTimeout > 0 {
		return s.AuthTimeout
	}
	return defaultAuthTimeout
}

// ConnectToIMAP dials the IMAP server using the configured transport security.
// The connect timeout bounds the dial; a context deadline, when earlier, wins.
func ConnectToIMAP(ctx context.Context, settings Settings) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: settings.connectTimeout(),
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	tlsConfig := &tls.Config{ServerName: settings.Host}

	switch settings.Security {
	case SecurityTLS, "":
		c, err := client.DialWithDialerTLS(dialer, settings.Address(), tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	case SecurityStartTLS:
		c, err := client.DialWithDialer(dialer, settings.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to dial: %w", err)
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Logout()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
		return c, nil
	case SecurityNone:
		c, err := client.DialWithDialer(dialer, settings.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to dial: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown transport security %q", settings.Security)
	}
}

// Login authenticates with the IMAP server. The auth timeout only applies to
// the LOGIN exchange and is cleared afterwards.
func Login(c *client.Client, username, password string, timeout time.Duration) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}

	c.Timeout = timeout
	defer func() { c.Timeout = 0 }()

	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	return nil
}
