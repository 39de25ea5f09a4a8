package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned by operations issued before Connect succeeded
	// or after the connection dropped.
	ErrNotConnected = errors.New("imap session is not connected")
	// ErrNoFolderSelected is returned by folder operations used outside WithFolder.
	ErrNoFolderSelected = errors.New("no folder selected")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("imap session is closed")
)

// State is the lifecycle state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns one IMAP connection and its folder selection.
// All access to the underlying client is serialized by mu.
type Session struct {
	settings Settings
	logger   zerolog.Logger
	dial     func(context.Context, Settings) (*client.Client, error)

	mu       sync.Mutex
	client   *client.Client
	state    State
	selected string
	// stale forces the next selection of the current folder to hit the server.
	stale bool
	caps  map[string]bool

	watchMu sync.Mutex
	watcher chan<- client.Update
}

// updateBuffer sizes the channel the client delivers unilateral updates on.
const updateBuffer = 16

// NewSession creates a disconnected session.
func NewSession(settings Settings, logger zerolog.Logger) *Session {
	return &Session{
		settings: settings,
		logger:   logger.With().Str("component", "imap").Logger(),
		dial:     ConnectToIMAP,
		state:    StateDisconnected,
	}
}

// State returns the current lifecycle state. A dropped connection reports
// StateDisconnected.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected && !s.isConnectedLocked() {
		return StateDisconnected
	}
	return s.state
}

// IsConnected reports whether the session has a live, authenticated connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isConnectedLocked()
}

func (s *Session) isConnectedLocked() bool {
	if s.client == nil || s.state != StateConnected {
		return false
	}
	select {
	case <-s.client.LoggedOut():
		return false
	default:
	}
	st := s.client.State()
	return st == imap.AuthenticatedState || st == imap.SelectedState
}

// Connect establishes and authenticates the connection. It is a no-op when the
// session is already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.isConnectedLocked() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.client != nil {
		s.logger.Debug().Msg("Dropping dead IMAP connection before reconnecting")
		_ = s.client.Logout()
		s.client = nil
	}

	s.state = StateConnecting
	s.selected = ""
	s.caps = nil

	c, err := s.dial(ctx, s.settings)
	if err != nil {
		s.state = StateDisconnected
		return err
	}

	updates := make(chan client.Update, updateBuffer)
	c.Updates = updates
	go s.forwardUpdates(c, updates)

	if err := Login(c, s.settings.Username, s.settings.Password, s.settings.authTimeout()); err != nil {
		_ = c.Logout()
		s.state = StateDisconnected
		return err
	}

	s.client = c
	s.state = StateConnected
	s.logger.Debug().Str("server", s.settings.Address()).Msg("IMAP session established")
	return nil
}

// forwardUpdates drains the client's unilateral updates until the connection
// ends, passing them to the active watcher. Updates a busy watcher can't take
// are dropped; mailbox status updates carry absolute counts.
func (s *Session) forwardUpdates(c *client.Client, updates <-chan client.Update) {
	for {
		select {
		case <-c.LoggedOut():
			return
		case u := <-updates:
			s.watchMu.Lock()
			w := s.watcher
			s.watchMu.Unlock()
			if w == nil {
				continue
			}
			select {
			case w <- u:
			default:
				s.logger.Debug().Msg("Dropped mailbox update, watcher busy")
			}
		}
	}
}

func (s *Session) setWatcher(w chan<- client.Update) {
	s.watchMu.Lock()
	s.watcher = w
	s.watchMu.Unlock()
}

// Close logs out and moves the session to StateClosed. Calling it twice is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.selected = ""
	if s.client == nil {
		return nil
	}
	c := s.client
	s.client = nil
	if err := c.Logout(); err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// WithFolder selects the folder and runs fn while holding the session lock.
// The *Folder handed to fn is only valid until fn returns.
func (s *Session) WithFolder(ctx context.Context, name string, fn func(*Folder) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	status, err := s.selectLocked(name)
	if err != nil {
		return err
	}

	f := &Folder{session: s, name: name, status: status}
	defer func() { f.released = true }()
	return fn(f)
}

func (s *Session) selectLocked(name string) (*imap.MailboxStatus, error) {
	if s.selected == name && !s.stale && s.client.State() == imap.SelectedState {
		return s.client.Mailbox(), nil
	}

	status, err := s.client.Select(name, false)
	if err != nil {
		s.selected = ""
		return nil, fmt.Errorf("failed to select folder %s: %w", name, err)
	}
	s.selected = name
	s.stale = false
	return status, nil
}

// invalidateLocked drops the memoized selection after a mutating command.
func (s *Session) invalidateLocked() {
	s.stale = true
}

// SelectedFolder returns the memoized selection, or "" when none.
func (s *Session) SelectedFolder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Append writes a raw RFC 822 message into a folder.
func (s *Session) Append(ctx context.Context, folder string, flags []string, date time.Time, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if date.IsZero() {
		date = time.Now()
	}

	if err := s.client.Append(folder, flags, date, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to append to %s: %w", folder, err)
	}
	if folder == s.selected {
		s.invalidateLocked()
	}
	return nil
}

// Status returns message and unseen counts for a folder without selecting it.
func (s *Session) Status(ctx context.Context, folder string) (*imap.MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen, imap.StatusUidNext}
	status, err := s.client.Status(folder, items)
	if err != nil {
		return nil, fmt.Errorf("failed to get status of %s: %w", folder, err)
	}
	return status, nil
}

// Capabilities returns the server capability set, cached per connection.
func (s *Session) Capabilities(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return nil, ErrNotConnected
	}
	return s.capabilitiesLocked()
}

func (s *Session) capabilitiesLocked() (map[string]bool, error) {
	if s.caps != nil {
		return s.caps, nil
	}
	caps, err := s.client.Capability()
	if err != nil {
		return nil, fmt.Errorf("failed to get capabilities: %w", err)
	}
	s.caps = caps
	return caps, nil
}

// CreateFolder creates a mailbox.
func (s *Session) CreateFolder(ctx context.Context, name string) error {
	return s.mailboxCommand(ctx, func(c *client.Client) error {
		if err := c.Create(name); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", name, err)
		}
		return nil
	})
}

// RenameFolder renames a mailbox.
func (s *Session) RenameFolder(ctx context.Context, from, to string) error {
	return s.mailboxCommand(ctx, func(c *client.Client) error {
		if err := c.Rename(from, to); err != nil {
			return fmt.Errorf("failed to rename folder %s to %s: %w", from, to, err)
		}
		if s.selected == from {
			s.selected = ""
		}
		return nil
	})
}

// DeleteFolder deletes a mailbox.
func (s *Session) DeleteFolder(ctx context.Context, name string) error {
	return s.mailboxCommand(ctx, func(c *client.Client) error {
		if err := c.Delete(name); err != nil {
			return fmt.Errorf("failed to delete folder %s: %w", name, err)
		}
		if s.selected == name {
			s.selected = ""
		}
		return nil
	})
}

func (s *Session) mailboxCommand(ctx context.Context, fn func(*client.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s.client)
}
