package icloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/maildriver/internal/driver"
	"github.com/vdavid/maildriver/internal/imap"
	"github.com/vdavid/maildriver/internal/models"
	"github.com/vdavid/maildriver/internal/smtp"
)

// draftHeader marks messages written by CreateDraft.
const draftHeader = "X-Draft"

// CreateDraft appends a draft to Drafts. Saving with an existing id writes the new
// version first and then removes the old one, so a failure never loses content.
// Errors are reported in the result.
func (m *Manager) CreateDraft(ctx context.Context, input models.DraftInput) models.DraftResult {
	id, err := m.saveDraft(ctx, input)
	if err != nil {
		err = m.wrap("createDraft", map[string]any{"draft_id": input.ID}, err)
		return models.DraftResult{Success: false, Error: err.Error()}
	}
	return models.DraftResult{Success: true, ID: id}
}

func (m *Manager) saveDraft(ctx context.Context, input models.DraftInput) (string, error) {
	msg := m.outgoing(models.OutgoingMessage{
		To:          input.To,
		Cc:          input.Cc,
		Bcc:         input.Bcc,
		Subject:     input.Subject,
		Message:     input.Message,
		Attachments: input.Attachments,
		Headers:     map[string]string{draftHeader: "true"},
		ThreadID:    input.ThreadID,
		FromEmail:   input.FromEmail,
	})
	msg.KeepBcc = true

	raw, id, err := smtp.BuildMessage(msg)
	if err != nil {
		return "", err
	}
	if err := m.ensureIMAP(ctx); err != nil {
		return "", err
	}
	if err := m.imap.Append(ctx, FolderDrafts, []string{goimap.DraftFlag, goimap.SeenFlag}, time.Now(), raw); err != nil {
		return "", err
	}

	if input.ID != "" && input.ID != id {
		if _, err := m.removeDraft(ctx, input.ID); err != nil {
			m.logger.Warn().Err(err).Str("draft_id", input.ID).Str("new_draft_id", id).Msg("Failed to remove previous draft version")
		}
	}
	return id, nil
}

// GetDraft returns a draft by its Message-ID.
func (m *Manager) GetDraft(ctx context.Context, id string) (draft *models.Draft, err error) {
	defer func() { err = m.wrap("getDraft", map[string]any{"draft_id": id}, err) }()

	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}
	msg, err := m.fetchDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, driver.ErrDraftNotFound
	}
	d := toDraft(msg)
	return &d, nil
}

// ListDrafts returns one page of drafts, newest first.
func (m *Manager) ListDrafts(ctx context.Context, query string, maxResults int, pageToken string) (list *models.DraftList, err error) {
	defer func() { err = m.wrap("listDrafts", map[string]any{"query": query}, err) }()

	criteria, err := imap.ParseSearchQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrInvalidArgument, err)
	}
	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}

	list = &models.DraftList{Drafts: []models.Draft{}}
	err = m.imap.WithFolder(ctx, FolderDrafts, func(f *imap.Folder) error {
		uids, err := f.SortedSearch(criteria)
		if err != nil {
			return err
		}
		page, next := imap.ApplyPagination(uids, pageToken, maxResults)
		list.NextPageToken = next
		if len(page) == 0 {
			return nil
		}
		messages, err := fetchParsed(f, page, imap.FetchEverything)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			list.Drafts = append(list.Drafts, toDraft(msg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// SendDraft sends a draft with the non-empty override fields applied, then
// deletes it. A draft that can't be deleted after sending is left in place.
func (m *Manager) SendDraft(ctx context.Context, id string, overrides models.OutgoingMessage) (result *models.SendResult, err error) {
	defer func() { err = m.wrap("sendDraft", map[string]any{"draft_id": id}, err) }()

	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}
	draft, err := m.fetchDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, driver.ErrDraftNotFound
	}

	sentID, err := m.send(ctx, mergeDraft(draft, overrides))
	if err != nil {
		return nil, err
	}

	if _, err := m.removeDraft(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("draft_id", id).Str("message_id", sentID).Msg("Draft sent but could not be deleted")
	}
	return &models.SendResult{ID: sentID}, nil
}

// DeleteDraft removes a draft. Deleting a missing draft succeeds.
func (m *Manager) DeleteDraft(ctx context.Context, id string) (err error) {
	defer func() { err = m.wrap("deleteDraft", map[string]any{"draft_id": id}, err) }()

	if err := m.ensureIMAP(ctx); err != nil {
		return err
	}
	_, err = m.removeDraft(ctx, id)
	return err
}

func (m *Manager) fetchDraft(ctx context.Context, id string) (*models.ParsedMessage, error) {
	var draft *models.ParsedMessage
	err := m.imap.WithFolder(ctx, FolderDrafts, func(f *imap.Folder) error {
		uids, err := f.FindByMessageID(id)
		if err != nil || len(uids) == 0 {
			return err
		}
		messages, err := fetchParsed(f, uids[:1], imap.FetchEverything)
		if err != nil || len(messages) == 0 {
			return err
		}
		draft = messages[0]
		return nil
	})
	return draft, err
}

// removeDraft deletes every copy of a draft and reports whether any existed.
func (m *Manager) removeDraft(ctx context.Context, id string) (bool, error) {
	found := false
	err := m.imap.WithFolder(ctx, FolderDrafts, func(f *imap.Folder) error {
		uids, err := f.FindByMessageID(id)
		if err != nil || len(uids) == 0 {
			return err
		}
		found = true
		return f.Delete(uids)
	})
	return found, err
}

func toDraft(msg *models.ParsedMessage) models.Draft {
	d := models.Draft{
		ID:          msg.ID,
		To:          emails(msg.To),
		Cc:          emails(msg.Cc),
		Bcc:         emails(msg.Bcc),
		Subject:     msg.Subject,
		Content:     draftBody(msg),
		CreatedAt:   msg.ReceivedOn,
		Attachments: msg.Attachments,
	}
	if msg.InReplyTo != "" || msg.References != "" {
		d.ThreadID = msg.ThreadID
	}
	return d
}

func draftBody(msg *models.ParsedMessage) string {
	if msg.BodyHTML != "" {
		return msg.BodyHTML
	}
	return strings.TrimRight(msg.BodyText, "\r\n")
}

// mergeDraft applies the caller's non-empty fields on top of the stored draft.
func mergeDraft(draft *models.ParsedMessage, o models.OutgoingMessage) models.OutgoingMessage {
	merged := models.OutgoingMessage{
		To:          pickAddresses(o.To, draft.To),
		Cc:          pickAddresses(o.Cc, draft.Cc),
		Bcc:         pickAddresses(o.Bcc, draft.Bcc),
		Subject:     pick(o.Subject, draft.Subject),
		Message:     pick(o.Message, draftBody(draft)),
		Attachments: o.Attachments,
		Headers:     o.Headers,
		ThreadID:    o.ThreadID,
		InReplyTo:   pick(o.InReplyTo, draft.InReplyTo),
		References:  pick(o.References, draft.References),
		FromEmail:   pick(o.FromEmail, draft.Sender.Email),
	}
	if len(merged.Attachments) == 0 {
		merged.Attachments = decodeAttachments(draft.Attachments)
	}
	return merged
}

func decodeAttachments(attachments []models.Attachment) []models.OutgoingAttachment {
	var out []models.OutgoingAttachment
	for _, a := range attachments {
		if a.Body == "" {
			continue
		}
		content, err := base64.StdEncoding.DecodeString(a.Body)
		if err != nil {
			continue
		}
		out = append(out, models.OutgoingAttachment{Filename: a.Filename, ContentType: a.MimeType, Content: content})
	}
	return out
}

func pick(override, stored string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return stored
}

func pickAddresses(override, stored []models.Address) []models.Address {
	if len(override) > 0 {
		return override
	}
	return stored
}

func emails(list []models.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Email != "" {
			out = append(out, a.Email)
		}
	}
	return out
}
