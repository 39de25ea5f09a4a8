package driver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"NO [AUTHENTICATIONFAILED] Authentication failed.", KindInvalidCredentials},
		{"535 5.7.8 Error: authentication failed", KindInvalidCredentials},
		{"Invalid credentials (Failure)", KindInvalidCredentials},
		{"dial tcp 17.42.251.56:993: connect: connection refused", KindConnection},
		{"read tcp: i/o timeout", KindConnection},
		{"unexpected EOF", KindConnection},
		{"imap: not connected", KindConnection},
		{"session is closed", KindConnection},
		{"Mailbox doesn't exist: Projects", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(errors.New(tt.msg)))
		})
	}

	t.Run("nil", func(t *testing.T) {
		assert.Equal(t, Kind(""), Classify(nil))
	})

	t.Run("markers only match whole words", func(t *testing.T) {
		for _, msg := range []string{
			"failed to fetch messages from INBOX: message 1535 vanished",
			"failed to parse references thereof",
			"subject mentions geoffrey",
		} {
			assert.Equal(t, KindUnknown, Classify(errors.New(msg)), msg)
		}
	})

	t.Run("recognizes errors by type", func(t *testing.T) {
		tests := []struct {
			name string
			err  error
			want Kind
		}{
			{"smtp auth reply", fmt.Errorf("failed to authenticate: %w", &smtp.SMTPError{Code: 535, Message: "nope"}), KindInvalidCredentials},
			{"other smtp reply", &smtp.SMTPError{Code: 550, Message: "mailbox unavailable"}, KindUnknown},
			{"wrapped eof", fmt.Errorf("failed to read: %w", io.EOF), KindConnection},
			{"unexpected eof", io.ErrUnexpectedEOF, KindConnection},
			{"dial failure", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("odd")}, KindConnection},
			{"dns timeout", &net.DNSError{Err: "server misbehaving", Name: "imap.mail.me.com", IsTimeout: true}, KindConnection},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, Classify(tt.err))
			})
		}
	})

	t.Run("keeps existing kinds", func(t *testing.T) {
		err := fmt.Errorf("lookup: %w", ErrLabelNotFound)
		assert.Equal(t, KindNotFound, Classify(err))
	})
}

func TestTranslate(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, Translate("get", nil, nil))
	})

	t.Run("raw errors get a kind, op and context", func(t *testing.T) {
		raw := errors.New("connection reset by peer")
		err := Translate("list", map[string]any{"folder": "INBOX"}, raw)

		var de *Error
		require.ErrorAs(t, err, &de)
		assert.Equal(t, KindConnection, de.Kind)
		assert.Equal(t, "list", de.Op)
		assert.ErrorIs(t, err, raw)
		assert.Equal(t, "list: connection reset by peer (folder=INBOX)", err.Error())
	})

	t.Run("sentinels keep their kind and identity", func(t *testing.T) {
		err := Translate("get", map[string]any{"thread_id": "<x@y>"}, ErrThreadNotFound)

		assert.ErrorIs(t, err, ErrThreadNotFound)
		assert.NotErrorIs(t, err, ErrDraftNotFound)
		assert.Equal(t, KindNotFound, KindOf(err))
		assert.True(t, IsNotFound(err))
		assert.Equal(t, "get: Thread not found (thread_id=<x@y>)", err.Error())
	})

	t.Run("wrapped sentinels keep the detail", func(t *testing.T) {
		wrapped := fmt.Errorf("%w: bad query", ErrInvalidArgument)
		err := Translate("list", nil, wrapped)

		assert.ErrorIs(t, err, ErrInvalidArgument)
		assert.Equal(t, "list: invalid argument: bad query", err.Error())
	})

	t.Run("translated errors pass through", func(t *testing.T) {
		first := Translate("inner", nil, errors.New("boom"))
		assert.Same(t, first, Translate("outer", nil, first))
	})

	t.Run("context keys are sorted", func(t *testing.T) {
		err := &Error{Kind: KindUnknown, Op: "modify", Context: map[string]any{"z": 1, "a": "b"}}
		assert.Equal(t, "modify: UNKNOWN_ERROR (a=b, z=1)", err.Error())
	})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindSystemLabel, KindOf(fmt.Errorf("x: %w", ErrSystemLabel)))
	assert.Equal(t, KindUnsupported, KindOf(ErrCustomFolders))
	assert.False(t, IsNotFound(ErrNotSupported))
}
