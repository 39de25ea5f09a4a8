package driver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/emersion/go-smtp"
)

// Kind is the provider-agnostic error category.
type Kind string

const (
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindConnection         Kind = "CONNECTION_ERROR"
	KindUnknown            Kind = "UNKNOWN_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindSystemLabel        Kind = "SYSTEM_LABEL"
	KindUnsupported        Kind = "UNSUPPORTED"
)

// Domain errors. They keep their kind when wrapped by the translator.
var (
	ErrThreadNotFound  = &Error{Kind: KindNotFound, Err: errors.New("Thread not found")}
	ErrDraftNotFound   = &Error{Kind: KindNotFound, Err: errors.New("Draft not found")}
	ErrLabelNotFound   = &Error{Kind: KindNotFound, Err: errors.New("Label not found")}
	ErrSystemLabel     = &Error{Kind: KindSystemLabel, Err: errors.New("Cannot modify system folders")}
	ErrCustomFolders   = &Error{Kind: KindUnsupported, Err: errors.New("iCloud does not support creating custom folders")}
	ErrNotSupported    = &Error{Kind: KindUnsupported, Err: errors.New("operation not supported by provider")}
	ErrInvalidArgument = &Error{Kind: KindUnknown, Err: errors.New("invalid argument")}
)

// Error is the structured error every MailManager method returns.
type Error struct {
	Kind    Kind
	Op      string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel domain errors by identity of their inner error, so a
// translated copy of ErrDraftNotFound still satisfies errors.Is(err, ErrDraftNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e == t {
		return true
	}
	return t.Op == "" && t.Context == nil && t.Err != nil && errors.Is(e.Err, t.Err)
}

// KindOf returns the kind of the first *Error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is a thread, draft or label lookup miss.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

var credentialPattern = regexp.MustCompile(`\b(` + strings.Join([]string{
	`authentication ?failed`,
	`invalid credentials`,
	`bad username or password`,
	`invalid password`,
	`login failed`,
	`auth failed`,
}, "|") + `)\b`)

var connectionPattern = regexp.MustCompile(`\b(` + strings.Join([]string{
	`connection refused`,
	`connection reset`,
	`econnrefused`,
	`etimedout`,
	`timeout`,
	`timed out`,
	`no such host`,
	`network is unreachable`,
	`broken pipe`,
	`use of closed network connection`,
	`unexpected eof`,
	`eof`,
	`not connected`,
	`connection closed`,
	`session is closed`,
}, "|") + `)\b`)

// Classify maps a raw protocol error onto the taxonomy. SMTP replies and
// network errors are recognized by type; anything else falls back to word
// matching on its message. Errors that already carry a kind keep it.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && (smtpErr.Code == 535 || smtpErr.Code == 534) {
		return KindInvalidCredentials
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return KindConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindConnection
	}

	msg := strings.ToLower(err.Error())
	if credentialPattern.MatchString(msg) {
		return KindInvalidCredentials
	}
	if connectionPattern.MatchString(msg) {
		return KindConnection
	}
	return KindUnknown
}

// Translate turns any error into *Error with the operation name and context attached.
// Domain errors keep their kind; an error that already went through Translate is
// returned as is.
func Translate(op string, ctx map[string]any, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Op != "" {
			return err
		}
		inner := err
		if err == error(de) {
			inner = de.Err
		}
		return &Error{Kind: de.Kind, Op: op, Context: ctx, Err: inner}
	}
	return &Error{Kind: Classify(err), Op: op, Context: ctx, Err: err}
}
