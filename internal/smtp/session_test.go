package smtp

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/maildriver/internal/models"
	"github.com/vdavid/maildriver/internal/testutil"
)

func newTestSession(t *testing.T, server *testutil.TestSMTPServer, password string) *Session {
	t.Helper()
	s := NewSession(Settings{
		Host:     server.Host(),
		Port:     server.Port(),
		Security: SecurityNone,
		Username: server.Username(),
		Password: password,
	}, zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to every envelope recipient", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		s := newTestSession(t, server, server.Password())

		require.NoError(t, s.Send(ctx, "alice@icloud.com", []string{"bob@example.com", "secret@example.com"}, []byte("Subject: hi\r\n\r\nbody\r\n")))

		messages := server.GetMessages()
		require.Len(t, messages, 1)
		assert.Equal(t, "alice@icloud.com", messages[0].From)
		assert.Equal(t, []string{"bob@example.com", "secret@example.com"}, messages[0].To)
		assert.Contains(t, string(messages[0].Data), "body")
		assert.True(t, s.IsConnected())
	})

	t.Run("reuses the connection", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		s := newTestSession(t, server, server.Password())

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Send(ctx, "a@x.com", []string{"b@x.com"}, []byte("Subject: x\r\n\r\nx\r\n")))
		}
		assert.Len(t, server.GetMessages(), 3)
	})

	t.Run("rejects an empty envelope", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		s := newTestSession(t, server, server.Password())

		assert.ErrorIs(t, s.Send(ctx, "a@x.com", nil, []byte("x")), ErrNoRecipients)
		assert.Empty(t, server.GetMessages())
	})

	t.Run("reports bad credentials", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		s := newTestSession(t, server, "wrong")

		err := s.Connect(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to authenticate")
		assert.False(t, s.IsConnected())
	})

	t.Run("drops the connection after a failed transaction", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		server.Backend.FailData = true
		s := newTestSession(t, server, server.Password())

		err := s.Send(ctx, "a@x.com", []string{"b@x.com"}, []byte("Subject: x\r\n\r\nx\r\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to send message")
		assert.False(t, s.IsConnected())
	})

	t.Run("refuses to send after close", func(t *testing.T) {
		server := testutil.NewTestSMTPServer(t)
		s := newTestSession(t, server, server.Password())

		require.NoError(t, s.Connect(ctx))
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Send(ctx, "a@x.com", []string{"b@x.com"}, []byte("x")), ErrSessionClosed)
	})

	t.Run("fails fast against a closed port", func(t *testing.T) {
		s := NewSession(Settings{Host: "127.0.0.1", Port: 1, Security: SecurityNone, ConnectTimeout: time.Second}, zerolog.Nop())
		err := s.Connect(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to dial")
	})
}

func TestSender_Send(t *testing.T) {
	ctx := context.Background()
	server := testutil.NewTestSMTPServer(t)
	sender := NewSender(newTestSession(t, server, server.Password()), "me@icloud.com")

	t.Run("uses the account as envelope sender and hides Bcc", func(t *testing.T) {
		server.ClearMessages()
		id, err := sender.Send(ctx, Message{
			From:    models.Address{Email: "alias@icloud.com"},
			To:      []models.Address{{Email: "bob@example.com"}},
			Bcc:     []models.Address{{Email: "hidden@example.com"}},
			Subject: "Hi",
			Body:    "Hello",
			KeepBcc: true,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		messages := server.GetMessages()
		require.Len(t, messages, 1)
		assert.Equal(t, "me@icloud.com", messages[0].From)
		assert.ElementsMatch(t, []string{"bob@example.com", "hidden@example.com"}, messages[0].To)
		assert.Contains(t, string(messages[0].Data), "alias@icloud.com")
		assert.NotContains(t, string(messages[0].Data), "hidden@example.com")
		assert.Contains(t, string(messages[0].Data), id)
	})

	t.Run("needs a recipient", func(t *testing.T) {
		_, err := sender.Send(ctx, Message{Subject: "nobody"})
		assert.ErrorIs(t, err, ErrNoRecipients)
	})
}
