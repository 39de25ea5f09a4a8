// Package driver defines the provider-agnostic mail contract shared by every
// mail backend (Gmail, Graph, IMAP/SMTP) and the error taxonomy callers branch on.
package driver

import (
	"context"

	"github.com/vdavid/maildriver/internal/models"
)

// MailManager is the uniform mailbox/thread/label/draft contract.
// Implementations return *Error for every failure so callers only need the error kind.
type MailManager interface {
	// Get returns every message of a thread.
	Get(ctx context.Context, threadID string) (*models.Thread, error)
	// List returns one page of threads from a folder, optionally narrowed by a query.
	List(ctx context.Context, req models.ListRequest) (*models.ThreadList, error)
	// Create sends a new message and returns its Message-ID.
	Create(ctx context.Context, msg models.OutgoingMessage) (*models.SendResult, error)

	// CreateDraft saves a draft. Failures are reported in the result, not as an error.
	CreateDraft(ctx context.Context, input models.DraftInput) models.DraftResult
	GetDraft(ctx context.Context, draftID string) (*models.Draft, error)
	ListDrafts(ctx context.Context, query string, maxResults int, pageToken string) (*models.DraftList, error)
	// SendDraft sends a stored draft with caller overrides, then removes the draft.
	SendDraft(ctx context.Context, draftID string, overrides models.OutgoingMessage) (*models.SendResult, error)
	DeleteDraft(ctx context.Context, draftID string) error

	Delete(ctx context.Context, id string) error
	MarkAsRead(ctx context.Context, ids []string) error
	MarkAsUnread(ctx context.Context, ids []string) error

	GetUserLabels(ctx context.Context) ([]models.Label, error)
	GetLabel(ctx context.Context, labelID string) (*models.Label, error)
	CreateLabel(ctx context.Context, label models.Label) (*models.Label, error)
	UpdateLabel(ctx context.Context, labelID string, label models.Label) (*models.Label, error)
	DeleteLabel(ctx context.Context, labelID string) error
	ModifyLabels(ctx context.Context, ids []string, changes models.LabelChanges) error
	Count(ctx context.Context) ([]models.LabelCount, error)

	GetMessageAttachments(ctx context.Context, messageID string) ([]models.Attachment, error)
	// GetAttachment returns base64 content, or "" when no known folder holds it.
	GetAttachment(ctx context.Context, messageID, attachmentID string) (string, error)

	GetTokens(ctx context.Context, credential string) (*models.Tokens, error)
	GetUserInfo(ctx context.Context) (*models.UserInfo, error)
	GetEmailAliases(ctx context.Context) ([]models.EmailAlias, error)
	DeleteAllSpam(ctx context.Context) (models.SpamResult, error)

	Capabilities() ProviderCapabilities
	Close() error
}

// ProviderCapabilities describes what a provider can do natively.
// It is checked up front so unsupported operations fail with one consistent error.
type ProviderCapabilities struct {
	SupportsCustomFolders       bool
	SupportsServerSideThreading bool
	SupportsNativeLabels        bool
	SupportsServerSideSort      bool
	SupportsPush                bool
}
