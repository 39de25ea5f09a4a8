package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
)

// FetchOptions picks the parts of a message to download in addition to the
// envelope, flags, UID, internal date and size.
type FetchOptions struct {
	// Structure adds BODYSTRUCTURE.
	Structure bool
	// Headers adds the raw header block.
	Headers bool
	// Body adds the whole RFC 822 source.
	Body bool
}

var (
	// HeaderSection is BODY.PEEK[HEADER].
	HeaderSection = &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}
	// FullSection is BODY.PEEK[].
	FullSection = &imap.BodySectionName{Peek: true}
)

// FetchHeadersOnly is used for list views.
var FetchHeadersOnly = FetchOptions{Headers: true}

// FetchEverything is used when a message is opened.
var FetchEverything = FetchOptions{Structure: true, Headers: true, Body: true}

func (o FetchOptions) items() []imap.FetchItem {
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
	}
	if o.Structure {
		items = append(items, imap.FetchBodyStructure)
	}
	if o.Headers {
		items = append(items, HeaderSection.FetchItem())
	}
	if o.Body {
		items = append(items, FullSection.FetchItem())
	}
	return items
}

// Fetch downloads the given UIDs. Messages come back in the order of uids;
// UIDs the server no longer has are skipped.
func (f *Folder) Fetch(uids []uint32, opts FetchOptions) ([]*imap.Message, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- f.session.client.UidFetch(uidSet(uids), opts.items(), messages)
	}()

	byUID := make(map[uint32]*imap.Message, len(uids))
	for msg := range messages {
		byUID[msg.Uid] = msg
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages from %s: %w", f.name, err)
	}

	result := make([]*imap.Message, 0, len(byUID))
	for _, uid := range uids {
		if msg, ok := byUID[uid]; ok {
			result = append(result, msg)
		}
	}
	return result, nil
}

// FetchOne downloads a single message, or returns nil when the UID is gone.
func (f *Folder) FetchOne(uid uint32, opts FetchOptions) (*imap.Message, error) {
	messages, err := f.Fetch([]uint32{uid}, opts)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return messages[0], nil
}
