// Package icloud implements the MailManager contract for iCloud Mail over IMAP and
// SMTP with an app-specific password. Labels are folders, threads are rebuilt from
// Message-ID, References and In-Reply-To headers, and every id handed out is a
// Message-ID.
package icloud

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/vdavid/maildriver/internal/driver"
	"github.com/vdavid/maildriver/internal/imap"
	"github.com/vdavid/maildriver/internal/models"
	"github.com/vdavid/maildriver/internal/smtp"
)

// Provider endpoints.
const (
	IMAPHost = "imap.mail.me.com"
	IMAPPort = 993
	SMTPHost = "smtp.mail.me.com"
	SMTPPort = 587
)

const defaultRetryWindow = 15 * time.Second

// DefaultCapabilities describes what iCloud Mail offers through this driver.
var DefaultCapabilities = driver.ProviderCapabilities{
	SupportsCustomFolders:       false,
	SupportsServerSideThreading: false,
	SupportsNativeLabels:        false,
	SupportsServerSideSort:      false,
	SupportsPush:                true,
}

var _ driver.MailManager = (*Manager)(nil)

// Manager is the iCloud MailManager. One Manager serves one account; its IMAP
// commands are serialized on a single session.
type Manager struct {
	auth         models.Auth
	logger       zerolog.Logger
	imapSettings imap.Settings
	smtpSettings smtp.Settings
	caps         driver.ProviderCapabilities
	displayName  string
	aliases      []string
	retryWindow  time.Duration

	imap   *imap.Session
	smtp   *smtp.Session
	sender *smtp.Sender

	foldersMu sync.Mutex
	folders   []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithSettings replaces the iCloud endpoints, typically with local test servers.
// Empty credentials are filled from the Auth.
func WithSettings(imapSettings imap.Settings, smtpSettings smtp.Settings) Option {
	return func(m *Manager) {
		m.imapSettings = imapSettings
		m.smtpSettings = smtpSettings
	}
}

// WithTimeouts sets the connect and authentication timeouts of both sessions.
func WithTimeouts(connect, auth time.Duration) Option {
	return func(m *Manager) {
		m.imapSettings.ConnectTimeout = connect
		m.imapSettings.AuthTimeout = auth
		m.smtpSettings.ConnectTimeout = connect
	}
}

// WithCapabilities overrides DefaultCapabilities.
func WithCapabilities(caps driver.ProviderCapabilities) Option {
	return func(m *Manager) { m.caps = caps }
}

// WithDisplayName sets the name reported by GetUserInfo and used in From headers.
func WithDisplayName(name string) Option {
	return func(m *Manager) { m.displayName = name }
}

// WithAliases adds extra addresses reported by GetEmailAliases.
func WithAliases(aliases ...string) Option {
	return func(m *Manager) { m.aliases = append(m.aliases, aliases...) }
}

// WithRetryWindow bounds how long connection attempts are retried. Zero or less
// means a single attempt.
func WithRetryWindow(window time.Duration) Option {
	return func(m *Manager) { m.retryWindow = window }
}

// New creates a Manager for the account. Nothing is dialed until the first
// operation that needs a server.
func New(auth models.Auth, opts ...Option) (*Manager, error) {
	auth.Email = strings.TrimSpace(auth.Email)
	if auth.Email == "" || auth.AccessToken == "" {
		return nil, &driver.Error{
			Kind: driver.KindInvalidCredentials,
			Op:   "new",
			Err:  errors.New("email and app-specific password are required"),
		}
	}

	m := &Manager{
		auth:   auth,
		logger: zerolog.Nop(),
		imapSettings: imap.Settings{
			Host:     IMAPHost,
			Port:     IMAPPort,
			Security: imap.SecurityTLS,
		},
		smtpSettings: smtp.Settings{
			Host:     SMTPHost,
			Port:     SMTPPort,
			Security: smtp.SecurityStartTLS,
		},
		caps:        DefaultCapabilities,
		retryWindow: defaultRetryWindow,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.imapSettings.Username == "" {
		m.imapSettings.Username = auth.Email
		m.imapSettings.Password = auth.AccessToken
	}
	if m.smtpSettings.Username == "" {
		m.smtpSettings.Username = auth.Email
		m.smtpSettings.Password = auth.AccessToken
	}

	m.logger = m.logger.With().Str("provider", "icloud").Str("account", auth.Email).Logger()
	m.imap = imap.NewSession(m.imapSettings, m.logger)
	m.smtp = smtp.NewSession(m.smtpSettings, m.logger)
	m.sender = smtp.NewSender(m.smtp, auth.Email)
	return m, nil
}

// Capabilities reports what the provider supports.
func (m *Manager) Capabilities() driver.ProviderCapabilities {
	return m.caps
}

// State reports the IMAP session state.
func (m *Manager) State() imap.State {
	return m.imap.State()
}

// Close ends both sessions. The Manager can't be used afterwards.
func (m *Manager) Close() error {
	return errors.Join(m.imap.Close(), m.smtp.Close())
}

// ensureIMAP connects the IMAP session when needed, retrying transient failures.
func (m *Manager) ensureIMAP(ctx context.Context) error {
	if m.imap.IsConnected() {
		return nil
	}
	return m.connect(ctx, "imap", m.imap.Connect)
}

func (m *Manager) ensureSMTP(ctx context.Context) error {
	return m.connect(ctx, "smtp", m.smtp.Connect)
}

func (m *Manager) connect(ctx context.Context, transport string, dial func(context.Context) error) error {
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if m.retryWindow > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 250 * time.Millisecond
		exp.MaxElapsedTime = m.retryWindow
		policy = exp
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := dial(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		m.logger.Warn().Err(err).Str("transport", transport).Int("attempt", attempt).Msg("Connection attempt failed")
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func retryable(err error) bool {
	if errors.Is(err, imap.ErrSessionClosed) || errors.Is(err, smtp.ErrSessionClosed) {
		return false
	}
	return driver.Classify(err) != driver.KindInvalidCredentials
}

// wrap translates err into a *driver.Error and logs it.
func (m *Manager) wrap(op string, fields map[string]any, err error) error {
	if err == nil {
		return nil
	}
	translated := driver.Translate(op, fields, err)
	event := m.logger.Error()
	if driver.IsNotFound(translated) {
		event = m.logger.Debug()
	}
	event.Err(err).Str("op", op).Str("kind", string(driver.KindOf(translated))).Msg("Mail operation failed")
	return translated
}

func (m *Manager) fromAddress(email string) models.Address {
	if email = strings.TrimSpace(email); email == "" {
		email = m.auth.Email
	}
	name := ""
	if strings.EqualFold(email, m.auth.Email) {
		name = m.displayName
	}
	return models.Address{Name: name, Email: email}
}
