package icloud

import (
	"context"
	"fmt"
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/maildriver/internal/driver"
	"github.com/vdavid/maildriver/internal/imap"
	"github.com/vdavid/maildriver/internal/models"
)

// attachmentFolders is where GetAttachment looks, in order.
var attachmentFolders = []string{FolderInbox, FolderSent, FolderDrafts}

// GetTokens returns the app-specific password as the access token. There is
// nothing to refresh.
func (m *Manager) GetTokens(_ context.Context, credential string) (*models.Tokens, error) {
	if credential == "" {
		credential = m.auth.AccessToken
	}
	return &models.Tokens{AccessToken: credential}, nil
}

// GetUserInfo returns the account address and display name. iCloud exposes no
// profile photo over IMAP.
func (m *Manager) GetUserInfo(_ context.Context) (*models.UserInfo, error) {
	return &models.UserInfo{Address: m.auth.Email, Name: m.displayName, Photo: ""}, nil
}

// GetEmailAliases returns the primary address followed by the configured aliases.
func (m *Manager) GetEmailAliases(_ context.Context) ([]models.EmailAlias, error) {
	aliases := []models.EmailAlias{{Email: m.auth.Email, Name: m.displayName, Primary: true}}
	seen := map[string]bool{strings.ToLower(m.auth.Email): true}
	for _, a := range m.aliases {
		a = strings.TrimSpace(a)
		if a == "" || seen[strings.ToLower(a)] {
			continue
		}
		seen[strings.ToLower(a)] = true
		aliases = append(aliases, models.EmailAlias{Email: a})
	}
	return aliases, nil
}

// DeleteAllSpam permanently removes everything in Junk.
func (m *Manager) DeleteAllSpam(ctx context.Context) (result models.SpamResult, err error) {
	defer func() {
		if err != nil {
			err = m.wrap("deleteAllSpam", nil, err)
			result = models.SpamResult{Success: false, Message: err.Error()}
		}
	}()

	if err := m.ensureIMAP(ctx); err != nil {
		return result, err
	}

	var count int
	err = m.imap.WithFolder(ctx, FolderSpam, func(f *imap.Folder) error {
		uids, err := f.Search(goimap.NewSearchCriteria())
		if err != nil || len(uids) == 0 {
			return err
		}
		if err := f.Delete(uids); err != nil {
			return err
		}
		count = len(uids)
		return nil
	})
	if err != nil {
		return result, err
	}

	if count == 0 {
		return models.SpamResult{Success: true, Count: 0, Message: "No spam messages to delete"}, nil
	}
	m.logger.Info().Int("count", count).Msg("Spam folder emptied")
	return models.SpamResult{Success: true, Count: count, Message: fmt.Sprintf("Deleted %d spam messages", count)}, nil
}

// GetMessageAttachments lists the attachments of a message, with content.
// A message that can't be found has none.
func (m *Manager) GetMessageAttachments(ctx context.Context, messageID string) (attachments []models.Attachment, err error) {
	defer func() { err = m.wrap("getMessageAttachments", map[string]any{"message_id": messageID}, err) }()

	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}
	folders, err := m.knownFolders(ctx)
	if err != nil {
		return nil, err
	}

	for _, folder := range folders {
		msg, err := m.fetchMessage(ctx, folder, messageID)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg.Attachments, nil
		}
	}
	return []models.Attachment{}, nil
}

// GetAttachment returns the base64 content of one attachment, looked up in
// INBOX, Sent Messages and Drafts in that order. It returns "" when none has it.
func (m *Manager) GetAttachment(ctx context.Context, messageID, attachmentID string) (body string, err error) {
	defer func() {
		err = m.wrap("getAttachment", map[string]any{"message_id": messageID, "attachment_id": attachmentID}, err)
	}()

	if attachmentID == "" {
		return "", fmt.Errorf("%w: attachment id is empty", driver.ErrInvalidArgument)
	}
	if err := m.ensureIMAP(ctx); err != nil {
		return "", err
	}
	folders, err := m.listFolders(ctx)
	if err != nil {
		return "", err
	}

	for _, folder := range attachmentFolders {
		if !containsFolder(folders, folder) {
			continue
		}
		msg, err := m.fetchMessage(ctx, folder, messageID)
		if err != nil {
			return "", err
		}
		if msg == nil {
			continue
		}
		if att, ok := imap.FindAttachment(msg.Attachments, attachmentID); ok {
			return att.Body, nil
		}
	}
	return "", nil
}

// fetchMessage fetches one message by Message-ID from a folder, or nil.
func (m *Manager) fetchMessage(ctx context.Context, folder, messageID string) (*models.ParsedMessage, error) {
	var msg *models.ParsedMessage
	match := matchMessageID(messageID)
	err := m.imap.WithFolder(ctx, folder, func(f *imap.Folder) error {
		uids, err := match(f)
		if err != nil || len(uids) == 0 {
			return err
		}
		messages, err := fetchParsed(f, uids[:1], imap.FetchEverything)
		if err != nil || len(messages) == 0 {
			return err
		}
		msg = messages[0]
		return nil
	})
	return msg, err
}
