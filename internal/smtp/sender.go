package smtp

import (
	"context"
	"fmt"
)

// Sender renders messages and submits them with the account address as the
// envelope sender, whatever alias the From header carries.
type Sender struct {
	session      *Session
	envelopeFrom string
}

// NewSender creates a sender on top of session.
func NewSender(session *Session, envelopeFrom string) *Sender {
	return &Sender{session: session, envelopeFrom: envelopeFrom}
}

// Send builds msg and transmits it to To, Cc and Bcc. It returns the Message-ID.
func (s *Sender) Send(ctx context.Context, msg Message) (string, error) {
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}

	msg.KeepBcc = false
	raw, messageID, err := BuildMessage(msg)
	if err != nil {
		return "", fmt.Errorf("failed to build message: %w", err)
	}

	if err := s.session.Send(ctx, s.envelopeFrom, recipients, raw); err != nil {
		return "", err
	}
	return messageID, nil
}
