package icloud

import (
	"context"
	"strconv"
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/maildriver/internal/imap"
	"github.com/vdavid/maildriver/internal/models"
)

// subjectScanLimit caps how many of the newest messages per folder are examined
// when resolving a subject-hash thread id.
const subjectScanLimit = 500

// location is a set of messages inside one folder.
type location struct {
	Folder string
	UIDs   []uint32
}

// matcher returns the UIDs of interest in a selected folder.
type matcher func(*imap.Folder) ([]uint32, error)

// locate runs match in each folder and returns the non-empty results.
func (m *Manager) locate(ctx context.Context, folders []string, match matcher) ([]location, error) {
	var found []location
	for _, folder := range folders {
		var uids []uint32
		err := m.imap.WithFolder(ctx, folder, func(f *imap.Folder) error {
			var err error
			uids, err = match(f)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(uids) > 0 {
			found = append(found, location{Folder: folder, UIDs: uids})
		}
	}
	return found, nil
}

// collect runs match in each folder and fetches the matching messages.
func (m *Manager) collect(ctx context.Context, folders []string, match matcher, opts imap.FetchOptions) ([]*models.ParsedMessage, error) {
	var messages []*models.ParsedMessage
	for _, folder := range folders {
		err := m.imap.WithFolder(ctx, folder, func(f *imap.Folder) error {
			uids, err := match(f)
			if err != nil || len(uids) == 0 {
				return err
			}
			fetched, err := fetchParsed(f, uids, opts)
			if err != nil {
				return err
			}
			messages = append(messages, fetched...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return messages, nil
}

// fetchParsed fetches and parses messages in a selected folder. Messages that
// fail to parse are skipped.
func fetchParsed(f *imap.Folder, uids []uint32, opts imap.FetchOptions) ([]*models.ParsedMessage, error) {
	raw, err := f.Fetch(uids, opts)
	if err != nil {
		return nil, err
	}
	parsed := make([]*models.ParsedMessage, 0, len(raw))
	for _, msg := range raw {
		p, err := imap.ParseMessage(msg, f.Name())
		if err != nil {
			continue
		}
		tag(p)
		parsed = append(parsed, p)
	}
	return parsed, nil
}

// tag attaches the folder label and the flag labels to a message.
func tag(msg *models.ParsedMessage) {
	msg.Tags = append(msg.Tags, labelForFolder(msg.Folder))
	if msg.Unread {
		msg.Tags = append(msg.Tags, models.Label{ID: LabelUnread, Name: LabelUnread, Type: models.LabelTypeSystem})
	}
	if msg.Starred {
		msg.Tags = append(msg.Tags, models.Label{ID: LabelStarred, Name: LabelStarred, Type: models.LabelTypeSystem})
	}
}

// matchMessageID finds messages by their Message-ID header. The numeric UID
// fallback only applies in INBOX, since UIDs repeat across folders.
func matchMessageID(id string) matcher {
	return func(f *imap.Folder) ([]uint32, error) {
		if f.Name() == FolderInbox {
			return f.FindByMessageID(id)
		}
		return f.Search(headerCriteria("Message-ID", id))
	}
}

// matchThread finds every message belonging to a thread.
func matchThread(threadID string) matcher {
	if strings.HasPrefix(threadID, imap.SubjectThreadPrefix) {
		return matchSubjectThread(threadID)
	}
	return func(f *imap.Folder) ([]uint32, error) {
		criteria := goimap.NewSearchCriteria()
		criteria.Or = [][2]*goimap.SearchCriteria{{
			headerCriteria("Message-ID", threadID),
			orCriteria(headerCriteria("References", threadID), headerCriteria("In-Reply-To", threadID)),
		}}
		uids, err := f.Search(criteria)
		if err != nil || len(uids) > 0 || f.Name() != FolderInbox {
			return uids, err
		}
		if _, convErr := strconv.ParseUint(threadID, 10, 32); convErr != nil {
			return nil, nil
		}
		return f.FindByMessageID(threadID)
	}
}

// matchSubjectThread scans the newest messages of a folder for a subject-hash
// thread id. There is no server-side search for it.
func matchSubjectThread(threadID string) matcher {
	return func(f *imap.Folder) ([]uint32, error) {
		uids, err := f.SortedSearch(nil)
		if err != nil || len(uids) == 0 {
			return nil, err
		}
		if len(uids) > subjectScanLimit {
			uids = uids[:subjectScanLimit]
		}
		messages, err := f.Fetch(uids, imap.FetchHeadersOnly)
		if err != nil {
			return nil, err
		}
		var matched []uint32
		for _, msg := range messages {
			p, err := imap.ParseMessage(msg, f.Name())
			if err == nil && p.ThreadID == threadID {
				matched = append(matched, msg.Uid)
			}
		}
		return matched, nil
	}
}

// resolveTargets locates an id that may be a Message-ID or a thread id. An exact
// Message-ID hit wins; otherwise the id is treated as a thread.
func (m *Manager) resolveTargets(ctx context.Context, id string) ([]location, error) {
	folders, err := m.knownFolders(ctx)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(id, imap.SubjectThreadPrefix) {
		found, err := m.locate(ctx, folders, matchMessageID(id))
		if err != nil || len(found) > 0 {
			return found, err
		}
	}
	return m.locate(ctx, folders, matchThread(id))
}

func headerCriteria(key, value string) *goimap.SearchCriteria {
	c := goimap.NewSearchCriteria()
	c.Header.Add(key, value)
	return c
}

func orCriteria(a, b *goimap.SearchCriteria) *goimap.SearchCriteria {
	c := goimap.NewSearchCriteria()
	c.Or = [][2]*goimap.SearchCriteria{{a, b}}
	return c
}
