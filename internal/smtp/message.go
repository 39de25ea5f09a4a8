package smtp

import (
	"bytes"
	"fmt"
	"mime"
	"net/textproto"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/vdavid/maildriver/internal/models"
)

// DefaultMessageIDDomain is used when the sender address has no domain.
const DefaultMessageIDDomain = "icloud.com"

var (
	htmlTagPattern = regexp.MustCompile(`(?i)<(html|body|div|p|br|span|table|a|b|i|strong|em|ul|ol|li|h[1-6]|img|blockquote)[\s/>]`)
	msgIDPattern   = regexp.MustCompile(`<([^<>\s]+)>`)
)

// reservedHeaders are owned by the builder and can't be overridden by callers.
var reservedHeaders = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Subject":                   true,
	"Date":                      true,
	"Message-Id":                true,
	"In-Reply-To":               true,
	"References":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

// Message is the input of BuildMessage.
type Message struct {
	From        models.Address
	To          []models.Address
	Cc          []models.Address
	Bcc         []models.Address
	Subject     string
	Body        string
	Attachments []models.OutgoingAttachment
	// Headers are extra headers. Reserved headers are ignored.
	Headers    map[string]string
	MessageID  string
	InReplyTo  string
	References string
	Date       time.Time
	// KeepBcc writes the Bcc header. Only for drafts, never for transmitted mail.
	KeepBcc bool
}

// Recipients returns the deduplicated envelope recipients: To, Cc and Bcc.
func (m Message) Recipients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]models.Address{m.To, m.Cc, m.Bcc} {
		for _, a := range list {
			email := strings.TrimSpace(a.Email)
			key := strings.ToLower(email)
			if email == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, email)
		}
	}
	return out
}

// NewMessageID returns "<uuid@domain>".
func NewMessageID(domain string) string {
	if domain == "" {
		domain = DefaultMessageIDDomain
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// DomainOf returns the part after the last "@", or "".
func DomainOf(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}

// LooksLikeHTML reports whether the body contains common HTML tags.
func LooksLikeHTML(body string) bool {
	return htmlTagPattern.MatchString(body)
}

// BuildMessage renders an RFC 5322 message and returns it with its Message-ID.
// A Message-ID is generated when m.MessageID is empty.
func BuildMessage(m Message) ([]byte, string, error) {
	messageID := strings.TrimSpace(m.MessageID)
	if messageID == "" {
		messageID = NewMessageID(DomainOf(m.From.Email))
	}
	if !strings.HasPrefix(messageID, "<") {
		messageID = "<" + messageID + ">"
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", toMailAddresses([]models.Address{m.From}))
	h.SetAddressList("To", toMailAddresses(m.To))
	h.SetAddressList("Cc", toMailAddresses(m.Cc))
	if m.KeepBcc {
		h.SetAddressList("Bcc", toMailAddresses(m.Bcc))
	}
	h.SetSubject(m.Subject)
	h.SetMessageID(strings.Trim(messageID, "<>"))
	if ids := messageIDs(m.InReplyTo); len(ids) > 0 {
		h.SetMsgIDList("In-Reply-To", ids)
	}
	if ids := messageIDs(m.References); len(ids) > 0 {
		h.SetMsgIDList("References", ids)
	}
	for k, v := range m.Headers {
		key := textproto.CanonicalMIMEHeaderKey(k)
		if reservedHeaders[key] || strings.TrimSpace(v) == "" {
			continue
		}
		h.Set(key, mime.QEncoding.Encode("utf-8", v))
	}

	contentType := "text/plain"
	if LooksLikeHTML(m.Body) {
		contentType = "text/html"
	}
	params := map[string]string{"charset": "utf-8"}

	var buf bytes.Buffer

	if len(m.Attachments) == 0 {
		h.SetContentType(contentType, params)
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := w.Write([]byte(m.Body)); err != nil {
			return nil, "", fmt.Errorf("failed to write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close message writer: %w", err)
		}
		return buf.Bytes(), messageID, nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create message writer: %w", err)
	}

	var ih mail.InlineHeader
	ih.SetContentType(contentType, params)
	iw, err := mw.CreateSingleInline(ih)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := iw.Write([]byte(m.Body)); err != nil {
		return nil, "", fmt.Errorf("failed to write body: %w", err)
	}
	if err := iw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close body part: %w", err)
	}

	for _, att := range m.Attachments {
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		var ah mail.AttachmentHeader
		ah.SetContentType(ct, nil)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create attachment %s: %w", att.Filename, err)
		}
		if _, err := aw.Write(att.Content); err != nil {
			return nil, "", fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
		if err := aw.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close attachment %s: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func toMailAddresses(list []models.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		if strings.TrimSpace(a.Email) == "" {
			continue
		}
		out = append(out, &mail.Address{Name: a.Name, Address: strings.TrimSpace(a.Email)})
	}
	return out
}

// messageIDs extracts bare ids from a header value like "<a@x> <b@x>".
func messageIDs(value string) []string {
	var ids []string
	for _, m := range msgIDPattern.FindAllStringSubmatch(value, -1) {
		ids = append(ids, m[1])
	}
	if len(ids) == 0 {
		for _, f := range strings.Fields(value) {
			ids = append(ids, strings.Trim(f, "<>"))
		}
	}
	return ids
}
