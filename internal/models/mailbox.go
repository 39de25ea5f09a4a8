package models

import "time"

// LabelType distinguishes the fixed provider folders from everything else.
type LabelType string

const (
	LabelTypeSystem LabelType = "system"
	LabelTypeUser   LabelType = "user"
)

// Label is a logical category backed by folder membership.
type Label struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Type   LabelType `json:"type"`
	Folder string    `json:"-"`
	Count  int       `json:"count,omitempty"`
	Unread int       `json:"unread,omitempty"`
}

// LabelCount is one entry of the per-label unread counter.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LabelChanges lists the labels to add to and remove from a set of messages.
type LabelChanges struct {
	AddLabels    []string `json:"add_labels"`
	RemoveLabels []string `json:"remove_labels"`
}

// ListRequest selects one page of threads.
type ListRequest struct {
	Folder     string   `json:"folder"`
	Query      string   `json:"query,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
	LabelIDs   []string `json:"label_ids,omitempty"`
	PageToken  string   `json:"page_token,omitempty"`
}

// OutgoingAttachment is a file to send. Content holds the raw bytes.
type OutgoingAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// OutgoingMessage is the normalized outbound message shape shared by all providers.
type OutgoingMessage struct {
	To          []Address            `json:"to"`
	Cc          []Address            `json:"cc,omitempty"`
	Bcc         []Address            `json:"bcc,omitempty"`
	Subject     string               `json:"subject"`
	Message     string               `json:"message"`
	Attachments []OutgoingAttachment `json:"attachments,omitempty"`
	Headers     map[string]string    `json:"headers,omitempty"`
	ThreadID    string               `json:"thread_id,omitempty"`
	InReplyTo   string               `json:"in_reply_to,omitempty"`
	References  string               `json:"references,omitempty"`
	FromEmail   string               `json:"from_email,omitempty"`
}

// SendResult carries the Message-ID of a transmitted message.
type SendResult struct {
	ID string `json:"id"`
}

// DraftInput is the compose-window state saved as a draft.
type DraftInput struct {
	ID          string               `json:"id,omitempty"`
	To          []Address            `json:"to"`
	Cc          []Address            `json:"cc,omitempty"`
	Bcc         []Address            `json:"bcc,omitempty"`
	Subject     string               `json:"subject"`
	Message     string               `json:"message"`
	Attachments []OutgoingAttachment `json:"attachments,omitempty"`
	ThreadID    string               `json:"thread_id,omitempty"`
	FromEmail   string               `json:"from_email,omitempty"`
}

// DraftResult reports the outcome of saving a draft. Failures are carried in Error
// instead of being returned so that a compose window can keep going.
type DraftResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Draft is a message stored with the \Draft flag in the Drafts folder.
type Draft struct {
	ID          string       `json:"id"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	Content     string       `json:"content"`
	CreatedAt   time.Time    `json:"created_at"`
	ThreadID    string       `json:"thread_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// DraftList is one page of drafts.
type DraftList struct {
	Drafts        []Draft `json:"drafts"`
	NextPageToken string  `json:"next_page_token,omitempty"`
}

// SpamResult reports a bulk spam purge. Zero matches is a successful outcome.
type SpamResult struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Message string `json:"message,omitempty"`
}

// UserInfo is the identity of the mailbox owner.
type UserInfo struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Photo   string `json:"photo"`
}

// EmailAlias is an address the account may send from.
type EmailAlias struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// Tokens is what the driver hands back for a credential. For app-password
// providers the access token is the password itself.
type Tokens struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Expiry       *time.Time `json:"expiry,omitempty"`
}

// MailboxEvent is a change pushed by the server for a watched folder.
type MailboxEvent struct {
	Label    string `json:"label"`
	Folder   string `json:"folder"`
	Messages uint32 `json:"messages"`
	Unseen   uint32 `json:"unseen,omitempty"`
}
