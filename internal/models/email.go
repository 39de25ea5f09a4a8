package models

import "time"

// Address is a single mailbox with an optional display name.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// ParsedMessage is the normalized record built from one fetched IMAP message.
// It is constructed fresh on every fetch and never cached by the driver.
type ParsedMessage struct {
	ID            string            `json:"id"`
	ThreadID      string            `json:"thread_id"`
	UID           uint32            `json:"-"`
	Folder        string            `json:"-"`
	Sender        Address           `json:"sender"`
	To            []Address         `json:"to"`
	Cc            []Address         `json:"cc,omitempty"`
	Bcc           []Address         `json:"bcc,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	Subject       string            `json:"subject"`
	BodyText      string            `json:"body_text"`
	BodyHTML      string            `json:"body_html"`
	ProcessedHTML string            `json:"processed_html"`
	Unread        bool              `json:"unread"`
	Starred       bool              `json:"starred"`
	IsDraft       bool              `json:"is_draft"`
	ReceivedOn    time.Time         `json:"received_on"`
	References    string            `json:"references,omitempty"`
	InReplyTo     string            `json:"in_reply_to,omitempty"`
	Attachments   []Attachment      `json:"attachments,omitempty"`
	Tags          []Label           `json:"tags,omitempty"`
	Headers       map[string]string `json:"-"`
}

// Thread is a synthesized conversation. IMAP has no native thread object.
type Thread struct {
	ID           string           `json:"id"`
	Messages     []*ParsedMessage `json:"messages"`
	Latest       *ParsedMessage   `json:"latest,omitempty"`
	HasUnread    bool             `json:"has_unread"`
	TotalReplies int              `json:"total_replies"`
	Labels       []Label          `json:"labels"`
}

// ThreadSummary is the list-view entry for a thread.
type ThreadSummary struct {
	ID        string         `json:"id"`
	HistoryID string         `json:"history_id,omitempty"`
	Latest    *ParsedMessage `json:"latest,omitempty"`
}

// ThreadList is one page of thread summaries. NextPageToken is empty on the last page.
type ThreadList struct {
	Threads       []ThreadSummary `json:"threads"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// Attachment describes one MIME part treated as an attachment. Body is base64 and
// may be empty until the content is explicitly fetched.
type Attachment struct {
	Filename     string            `json:"filename"`
	MimeType     string            `json:"mime_type"`
	Size         int64             `json:"size"`
	AttachmentID string            `json:"attachment_id"`
	ContentID    string            `json:"content_id,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
}
