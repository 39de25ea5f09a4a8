package icloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/vdavid/maildriver/internal/driver"
	"github.com/vdavid/maildriver/internal/models"
	"github.com/vdavid/maildriver/internal/smtp"
)

// Create sends a message. iCloud files a copy in Sent Messages on its own.
func (m *Manager) Create(ctx context.Context, msg models.OutgoingMessage) (result *models.SendResult, err error) {
	defer func() { err = m.wrap("create", map[string]any{"subject": msg.Subject}, err) }()

	id, err := m.send(ctx, msg)
	if err != nil {
		return nil, err
	}
	return &models.SendResult{ID: id}, nil
}

func (m *Manager) send(ctx context.Context, msg models.OutgoingMessage) (string, error) {
	out := m.outgoing(msg)
	if len(out.Recipients()) == 0 {
		return "", fmt.Errorf("%w: message has no recipients", driver.ErrInvalidArgument)
	}
	if err := m.ensureSMTP(ctx); err != nil {
		return "", err
	}
	id, err := m.sender.Send(ctx, out)
	if err != nil {
		return "", err
	}
	m.logger.Info().Str("message_id", id).Int("recipients", len(out.Recipients())).Msg("Message sent")
	return id, nil
}

// outgoing converts the provider-neutral message into an SMTP message. A thread id
// that is a Message-ID is used as the reply parent when none is given.
func (m *Manager) outgoing(msg models.OutgoingMessage) smtp.Message {
	out := smtp.Message{
		From:        m.fromAddress(msg.FromEmail),
		To:          msg.To,
		Cc:          msg.Cc,
		Bcc:         msg.Bcc,
		Subject:     msg.Subject,
		Body:        msg.Message,
		Attachments: msg.Attachments,
		Headers:     msg.Headers,
		InReplyTo:   msg.InReplyTo,
		References:  msg.References,
	}
	if out.InReplyTo == "" && isMessageID(msg.ThreadID) {
		out.InReplyTo = msg.ThreadID
	}
	if out.References == "" && out.InReplyTo != "" {
		out.References = out.InReplyTo
	}
	return out
}

func isMessageID(id string) bool {
	id = strings.TrimSpace(id)
	return strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") && strings.Contains(id, "@")
}
