package imap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/maildriver/internal/models"
)

var headerDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

var foldPattern = regexp.MustCompile(`\r?\n[ \t]+`)

// ParseHeaders parses a raw RFC 822 header block into a map keyed by lower-case
// header name. Folded values are unfolded and encoded words are decoded. For
// repeated headers the first occurrence wins.
func ParseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return headers
	}

	block := strings.TrimLeft(raw, "\r\n")
	if !strings.HasSuffix(block, "\n\n") && !strings.HasSuffix(block, "\r\n\r\n") {
		block = strings.TrimRight(block, "\r\n") + "\r\n\r\n"
	}

	h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(block)))
	if err != nil {
		return parseHeaderLines(raw)
	}

	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, exists := headers[key]; exists {
			continue
		}
		headers[key] = decodeHeaderValue(unfold(fields.Value()))
	}
	return headers
}

// parseHeaderLines is a lenient line scanner for header blocks the strict reader
// rejects, e.g. lines without a colon.
func parseHeaderLines(raw string) map[string]string {
	headers := make(map[string]string)
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	var key string
	var value strings.Builder
	flush := func() {
		if key == "" {
			return
		}
		if _, exists := headers[key]; !exists {
			headers[key] = decodeHeaderValue(strings.TrimSpace(value.String()))
		}
		key = ""
		value.Reset()
	}

	for _, line := range lines {
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if key != "" {
				value.WriteString(" ")
				value.WriteString(strings.TrimSpace(line))
			}
			continue
		}
		flush()
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(line[:idx]))
		value.WriteString(strings.TrimSpace(line[idx+1:]))
	}
	flush()
	return headers
}

func unfold(v string) string {
	return strings.TrimSpace(foldPattern.ReplaceAllString(v, " "))
}

func decodeHeaderValue(v string) string {
	decoded, err := headerDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// ParseMessage converts a fetched IMAP message into a ParsedMessage. Whatever the
// fetch carried is used: envelope and flags always, the header block and the full
// source when present.
func ParseMessage(imapMsg *imap.Message, folder string) (*models.ParsedMessage, error) {
	if imapMsg == nil {
		return nil, fmt.Errorf("imap message is nil")
	}

	msg := &models.ParsedMessage{
		UID:        imapMsg.Uid,
		Folder:     folder,
		Unread:     true,
		ReceivedOn: imapMsg.InternalDate,
		Headers:    map[string]string{},
	}

	for _, flag := range imapMsg.Flags {
		switch flag {
		case imap.SeenFlag:
			msg.Unread = false
		case imap.FlaggedFlag:
			msg.Starred = true
		case imap.DraftFlag:
			msg.IsDraft = true
		}
	}

	var sentAt time.Time
	if env := imapMsg.Envelope; env != nil {
		if len(env.From) > 0 {
			msg.Sender = formatAddress(env.From[0])
		}
		msg.To = formatAddressList(env.To)
		msg.Cc = formatAddressList(env.Cc)
		msg.Bcc = formatAddressList(env.Bcc)
		if len(env.ReplyTo) > 0 {
			msg.ReplyTo = formatAddress(env.ReplyTo[0]).Email
		}
		msg.Subject = decodeHeaderValue(env.Subject)
		msg.ID = env.MessageId
		msg.InReplyTo = env.InReplyTo
		sentAt = env.Date
	}

	if r := imapMsg.GetBody(HeaderSection); r != nil {
		raw, err := io.ReadAll(r)
		if err == nil {
			applyHeaders(msg, ParseHeaders(string(raw)))
		}
	}

	if r := imapMsg.GetBody(FullSection); r != nil {
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		if err := parseSource(msg, raw); err != nil {
			return nil, err
		}
		msg.Attachments = MergeAttachments(AttachmentsFromStructure(imapMsg.BodyStructure), msg.Attachments)
	} else if imapMsg.BodyStructure != nil {
		msg.Attachments = AttachmentsFromStructure(imapMsg.BodyStructure)
	}

	if msg.ReceivedOn.IsZero() {
		msg.ReceivedOn = sentAt
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%d", imapMsg.Uid)
	}
	msg.ThreadID = GenerateThreadID(msg.ID, msg.Subject, msg.References, msg.InReplyTo)

	return msg, nil
}

func applyHeaders(msg *models.ParsedMessage, headers map[string]string) {
	for k, v := range headers {
		if _, exists := msg.Headers[k]; !exists {
			msg.Headers[k] = v
		}
	}
	if v := headers["message-id"]; v != "" && msg.ID == "" {
		msg.ID = v
	}
	if v := headers["references"]; v != "" {
		msg.References = v
	}
	if v := headers["in-reply-to"]; v != "" && msg.InReplyTo == "" {
		msg.InReplyTo = v
	}
	if v := headers["subject"]; v != "" && msg.Subject == "" {
		msg.Subject = v
	}
	if v := headers["reply-to"]; v != "" && msg.ReplyTo == "" {
		if addr, err := mail.ParseAddress(v); err == nil {
			msg.ReplyTo = addr.Address
		}
	}
}

// parseSource fills bodies and attachments from the full RFC 822 source.
func parseSource(msg *models.ParsedMessage, raw []byte) error {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse email body: %w", err)
	}

	if env.Root != nil {
		headers := make(map[string]string, len(env.Root.Header))
		for k := range env.Root.Header {
			headers[strings.ToLower(k)] = env.GetHeader(k)
		}
		applyHeaders(msg, headers)
	}

	if subject := env.GetHeader("Subject"); subject != "" {
		msg.Subject = subject
	}
	if msg.Sender.Email == "" {
		if from, err := env.AddressList("From"); err == nil && len(from) > 0 {
			msg.Sender = models.Address{Name: from[0].Name, Email: from[0].Address}
		}
	}
	if len(msg.To) == 0 {
		msg.To = envelopeAddresses(env, "To")
	}
	if len(msg.Cc) == 0 {
		msg.Cc = envelopeAddresses(env, "Cc")
	}
	if len(msg.Bcc) == 0 {
		msg.Bcc = envelopeAddresses(env, "Bcc")
	}

	msg.BodyText = normalizeNewlines(env.Text)
	msg.BodyHTML = SanitizeHTML(env.HTML)
	if msg.BodyHTML != "" {
		msg.ProcessedHTML = msg.BodyHTML
	} else {
		msg.ProcessedHTML = TextToHTML(msg.BodyText)
	}

	msg.Attachments = attachmentsFromEnvelope(env)
	return nil
}

func envelopeAddresses(env *enmime.Envelope, header string) []models.Address {
	list, err := env.AddressList(header)
	if err != nil {
		return nil
	}
	result := make([]models.Address, 0, len(list))
	for _, a := range list {
		result = append(result, models.Address{Name: a.Name, Email: a.Address})
	}
	return result
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// formatAddress converts an IMAP envelope address.
func formatAddress(address *imap.Address) models.Address {
	if address == nil {
		return models.Address{}
	}
	if address.MailboxName == "" && address.HostName == "" {
		return models.Address{Name: decodeHeaderValue(address.PersonalName)}
	}
	email := address.MailboxName
	if address.HostName != "" {
		email += "@" + address.HostName
	}
	return models.Address{
		Name:  decodeHeaderValue(address.PersonalName),
		Email: email,
	}
}

// formatAddressList converts IMAP envelope addresses, skipping group markers.
func formatAddressList(addresses []*imap.Address) []models.Address {
	result := make([]models.Address, 0, len(addresses))
	for _, address := range addresses {
		formatted := formatAddress(address)
		if formatted.Email != "" {
			result = append(result, formatted)
		}
	}
	return result
}
