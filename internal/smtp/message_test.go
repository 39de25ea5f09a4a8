package smtp

import (
	"bytes"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/maildriver/internal/models"
)

func parse(t *testing.T, raw []byte) *enmime.Envelope {
	t.Helper()
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	return env
}

func TestBuildMessage(t *testing.T) {
	base := Message{
		From:    models.Address{Name: "Alice", Email: "alice@icloud.com"},
		To:      []models.Address{{Name: "Bob", Email: "bob@example.com"}},
		Cc:      []models.Address{{Email: "carol@example.com"}},
		Bcc:     []models.Address{{Email: "secret@example.com"}},
		Subject: "Grüße",
		Body:    "Hello Bob",
		Date:    time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("writes a plain text message with a generated Message-ID", func(t *testing.T) {
		raw, id, err := BuildMessage(base)
		require.NoError(t, err)

		assert.Regexp(t, regexp.MustCompile(`^<[0-9a-f-]{36}@icloud\.com>$`), id)

		env := parse(t, raw)
		assert.Equal(t, "Grüße", env.GetHeader("Subject"))
		assert.Equal(t, id, env.GetHeader("Message-Id"))
		assert.Equal(t, "Hello Bob", strings.TrimSpace(env.Text))
		assert.Empty(t, env.HTML)
		assert.Empty(t, env.GetHeader("Bcc"))

		to, err := env.AddressList("To")
		require.NoError(t, err)
		require.Len(t, to, 1)
		assert.Equal(t, "bob@example.com", to[0].Address)
	})

	t.Run("never writes Bcc unless asked", func(t *testing.T) {
		raw, _, err := BuildMessage(base)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "secret@example.com")

		draft := base
		draft.KeepBcc = true
		raw, _, err = BuildMessage(draft)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "secret@example.com")
	})

	t.Run("sends HTML bodies as HTML", func(t *testing.T) {
		msg := base
		msg.Body = "<p>Hello <b>Bob</b></p>"
		raw, _, err := BuildMessage(msg)
		require.NoError(t, err)

		env := parse(t, raw)
		assert.Contains(t, env.HTML, "<b>Bob</b>")
	})

	t.Run("keeps a caller supplied Message-ID", func(t *testing.T) {
		msg := base
		msg.MessageID = "draft-1@icloud.com"
		_, id, err := BuildMessage(msg)
		require.NoError(t, err)
		assert.Equal(t, "<draft-1@icloud.com>", id)
	})

	t.Run("writes threading headers", func(t *testing.T) {
		msg := base
		msg.InReplyTo = "<parent@x>"
		msg.References = "<root@x> <parent@x>"
		raw, _, err := BuildMessage(msg)
		require.NoError(t, err)

		env := parse(t, raw)
		assert.Equal(t, "<parent@x>", env.GetHeader("In-Reply-To"))
		assert.Contains(t, env.GetHeader("References"), "<root@x>")
		assert.Contains(t, env.GetHeader("References"), "<parent@x>")
	})

	t.Run("adds custom headers but not reserved ones", func(t *testing.T) {
		msg := base
		msg.Headers = map[string]string{"X-Mailer": "maildriver", "from": "mallory@evil.com"}
		raw, _, err := BuildMessage(msg)
		require.NoError(t, err)

		env := parse(t, raw)
		assert.Equal(t, "maildriver", env.GetHeader("X-Mailer"))
		assert.NotContains(t, string(raw), "mallory")
	})

	t.Run("attaches files", func(t *testing.T) {
		msg := base
		msg.Attachments = []models.OutgoingAttachment{
			{Filename: "notes.txt", ContentType: "text/plain", Content: []byte("some notes")},
			{Filename: "blob.bin", Content: []byte{0, 1, 2, 3}},
		}
		raw, _, err := BuildMessage(msg)
		require.NoError(t, err)

		env := parse(t, raw)
		assert.Equal(t, "Hello Bob", strings.TrimSpace(env.Text))
		require.Len(t, env.Attachments, 2)
		assert.Equal(t, "notes.txt", env.Attachments[0].FileName)
		assert.Equal(t, []byte("some notes"), env.Attachments[0].Content)
		assert.Equal(t, "application/octet-stream", env.Attachments[1].ContentType)
		assert.Equal(t, []byte{0, 1, 2, 3}, env.Attachments[1].Content)
	})
}

func TestMessage_Recipients(t *testing.T) {
	msg := Message{
		To:  []models.Address{{Email: "a@x.com"}, {Email: "B@x.com"}},
		Cc:  []models.Address{{Email: "b@x.com"}, {Email: " "}},
		Bcc: []models.Address{{Email: "c@x.com"}},
	}
	assert.Equal(t, []string{"a@x.com", "B@x.com", "c@x.com"}, msg.Recipients())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "icloud.com", DomainOf("me@icloud.com"))
	assert.Equal(t, "", DomainOf("nobody"))
	assert.True(t, strings.HasSuffix(NewMessageID(""), "@icloud.com>"))
	assert.True(t, LooksLikeHTML("<div>x</div>"))
	assert.True(t, LooksLikeHTML("line<br/>line"))
	assert.False(t, LooksLikeHTML("a < b and c > d"))
	assert.Equal(t, []string{"a@x", "b@x"}, messageIDs("<a@x> <b@x>"))
	assert.Equal(t, []string{"a@x"}, messageIDs("a@x"))
}
