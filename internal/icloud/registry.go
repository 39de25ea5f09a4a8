package icloud

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vdavid/maildriver/internal/models"
)

// DefaultIdleTimeout is how long an unused Manager stays open in a Registry.
const DefaultIdleTimeout = 10 * time.Minute

// Factory builds a Manager for an account.
type Factory func(auth models.Auth) (*Manager, error)

// Registry keeps one Manager per user and closes the ones left idle.
type Registry struct {
	factory     Factory
	idleTimeout time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	managers map[string]*registryEntry

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

type registryEntry struct {
	manager  *Manager
	auth     models.Auth
	lastUsed time.Time
}

// NewRegistry starts a registry. Managers idle for longer than idleTimeout are
// closed; zero means DefaultIdleTimeout.
func NewRegistry(factory Factory, idleTimeout time.Duration, logger zerolog.Logger) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		factory:       factory,
		idleTimeout:   idleTimeout,
		logger:        logger.With().Str("component", "registry").Logger(),
		managers:      make(map[string]*registryEntry),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	go r.startCleanup()
	return r
}

// Get returns the Manager for auth.UserID, creating it on first use. A changed
// address or password replaces the previous Manager.
func (r *Registry) Get(auth models.Auth) (*Manager, error) {
	key := auth.UserID
	if key == "" {
		key = auth.Email
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cleanupCtx.Err() != nil {
		return nil, errors.New("registry is closed")
	}

	if entry, ok := r.managers[key]; ok {
		if entry.auth == auth {
			entry.lastUsed = time.Now()
			return entry.manager, nil
		}
		r.logger.Info().Str("user_id", key).Msg("Credentials changed, replacing manager")
		_ = entry.manager.Close()
		delete(r.managers, key)
	}

	m, err := r.factory(auth)
	if err != nil {
		return nil, err
	}
	r.managers[key] = &registryEntry{manager: m, auth: auth, lastUsed: time.Now()}
	return m, nil
}

// Remove closes and forgets the Manager of a user.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.managers[userID]; ok {
		_ = entry.manager.Close()
		delete(r.managers, userID)
	}
}

// Len returns the number of open managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Close stops the cleanup goroutine and closes every Manager.
func (r *Registry) Close() error {
	r.cleanupCancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for userID, entry := range r.managers {
		if err := entry.manager.Close(); err != nil {
			r.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to close manager")
			errs = append(errs, err)
		}
		delete(r.managers, userID)
	}
	return errors.Join(errs...)
}

// minCleanupInterval keeps the sweep ticker valid for tiny idle timeouts.
const minCleanupInterval = 10 * time.Millisecond

func cleanupInterval(idleTimeout time.Duration) time.Duration {
	return max(min(idleTimeout/2, time.Minute), minCleanupInterval)
}

func (r *Registry) startCleanup() {
	ticker := time.NewTicker(cleanupInterval(r.idleTimeout))
	defer ticker.Stop()
	for {
		select {
		case <-r.cleanupCtx.Done():
			return
		case <-ticker.C:
			r.closeIdle(time.Now())
		}
	}
}

// closeIdle closes managers unused since before now minus the idle timeout.
func (r *Registry) closeIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := 0
	for userID, entry := range r.managers {
		if now.Sub(entry.lastUsed) <= r.idleTimeout {
			continue
		}
		if err := entry.manager.Close(); err != nil {
			r.logger.Debug().Err(err).Str("user_id", userID).Msg("Failed to close idle manager")
		}
		delete(r.managers, userID)
		closed++
	}
	if closed > 0 {
		r.logger.Debug().Int("closed", closed).Msg("Closed idle managers")
	}
	return closed
}
