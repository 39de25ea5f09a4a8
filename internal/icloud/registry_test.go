package icloud

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/maildriver/internal/imap"
	"github.com/vdavid/maildriver/internal/models"
)

type countingFactory struct {
	mu      sync.Mutex
	created int
}

func (f *countingFactory) build(auth models.Auth) (*Manager, error) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return New(auth)
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func TestRegistry(t *testing.T) {
	auth := models.Auth{Email: "a@icloud.com", AccessToken: "pw", UserID: "u1"}

	t.Run("reuses the manager of a user", func(t *testing.T) {
		factory := &countingFactory{}
		r := NewRegistry(factory.build, time.Hour, zerolog.Nop())
		defer func() { _ = r.Close() }()

		first, err := r.Get(auth)
		require.NoError(t, err)
		second, err := r.Get(auth)
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, 1, factory.count())
		assert.Equal(t, 1, r.Len())
	})

	t.Run("replaces the manager when credentials change", func(t *testing.T) {
		factory := &countingFactory{}
		r := NewRegistry(factory.build, time.Hour, zerolog.Nop())
		defer func() { _ = r.Close() }()

		first, err := r.Get(auth)
		require.NoError(t, err)

		rotated := auth
		rotated.AccessToken = "new-pw"
		second, err := r.Get(rotated)
		require.NoError(t, err)

		assert.NotSame(t, first, second)
		assert.Equal(t, imap.StateClosed, first.State())
		assert.Equal(t, 1, r.Len())
	})

	t.Run("propagates factory errors", func(t *testing.T) {
		r := NewRegistry(func(models.Auth) (*Manager, error) { return New(models.Auth{}) }, time.Hour, zerolog.Nop())
		defer func() { _ = r.Close() }()

		_, err := r.Get(auth)
		require.Error(t, err)
		assert.Zero(t, r.Len())
	})

	t.Run("closes idle managers", func(t *testing.T) {
		factory := &countingFactory{}
		r := NewRegistry(factory.build, time.Minute, zerolog.Nop())
		defer func() { _ = r.Close() }()

		m, err := r.Get(auth)
		require.NoError(t, err)

		assert.Zero(t, r.closeIdle(time.Now()))
		assert.Equal(t, 1, r.closeIdle(time.Now().Add(2*time.Minute)))
		assert.Zero(t, r.Len())
		assert.Equal(t, imap.StateClosed, m.State())
	})

	t.Run("sweeps with a tiny idle timeout", func(t *testing.T) {
		assert.Equal(t, minCleanupInterval, cleanupInterval(time.Nanosecond))
		assert.Equal(t, time.Minute, cleanupInterval(time.Hour))

		factory := &countingFactory{}
		r := NewRegistry(factory.build, time.Nanosecond, zerolog.Nop())
		defer func() { _ = r.Close() }()

		m, err := r.Get(auth)
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, imap.StateClosed, m.State())
	})

	t.Run("removes and closes", func(t *testing.T) {
		factory := &countingFactory{}
		r := NewRegistry(factory.build, time.Hour, zerolog.Nop())

		_, err := r.Get(auth)
		require.NoError(t, err)
		r.Remove("u1")
		assert.Zero(t, r.Len())

		_, err = r.Get(models.Auth{Email: "b@icloud.com", AccessToken: "pw"})
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Zero(t, r.Len())

		_, err = r.Get(auth)
		assert.Error(t, err)
	})
}
