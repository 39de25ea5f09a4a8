package icloud

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/maildriver/internal/driver"
	"github.com/vdavid/maildriver/internal/imap"
	"github.com/vdavid/maildriver/internal/models"
)

// Get returns every message of a thread across all folders, oldest first.
func (m *Manager) Get(ctx context.Context, threadID string) (thread *models.Thread, err error) {
	defer func() { err = m.wrap("get", map[string]any{"thread_id": threadID}, err) }()

	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, fmt.Errorf("%w: thread id is empty", driver.ErrInvalidArgument)
	}
	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}
	folders, err := m.knownFolders(ctx)
	if err != nil {
		return nil, err
	}

	messages, err := m.collect(ctx, folders, matchThread(threadID), imap.FetchEverything)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, driver.ErrThreadNotFound
	}
	return imap.BuildThread(threadID, sameThread(threadID, messages)), nil
}

// sameThread drops header matches that List groups under another thread, such
// as a message citing threadID deeper in its References. A numeric UID lookup
// matches no id, so its result is kept as is.
func sameThread(threadID string, messages []*models.ParsedMessage) []*models.ParsedMessage {
	kept := make([]*models.ParsedMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.ThreadID == threadID || msg.ID == threadID {
			kept = append(kept, msg)
		}
	}
	if len(kept) == 0 {
		return messages
	}
	return kept
}

// List returns one page of threads from a folder, newest first. Pages are cut on
// messages, so a long thread can show up on two consecutive pages.
func (m *Manager) List(ctx context.Context, req models.ListRequest) (list *models.ThreadList, err error) {
	defer func() {
		err = m.wrap("list", map[string]any{"folder": req.Folder, "query": req.Query}, err)
	}()

	criteria, err := imap.ParseSearchQuery(req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driver.ErrInvalidArgument, err)
	}

	folderName := req.Folder
	for _, id := range req.LabelIDs {
		switch CanonicalLabelID(id) {
		case LabelUnread:
			criteria.WithoutFlags = append(criteria.WithoutFlags, goimap.SeenFlag)
		case LabelStarred:
			criteria.WithFlags = append(criteria.WithFlags, goimap.FlaggedFlag)
		default:
			if folderName == "" {
				folderName = id
			}
		}
	}
	if folderName == "" {
		folderName = FolderInbox
	}

	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}
	folders, err := m.listFolders(ctx)
	if err != nil {
		return nil, err
	}
	folder, ok := resolveFolder(folderName, folders)
	if !ok {
		return nil, driver.ErrLabelNotFound
	}

	var (
		messages []*models.ParsedMessage
		next     string
	)
	err = m.imap.WithFolder(ctx, folder, func(f *imap.Folder) error {
		uids, err := f.SortedSearch(criteria)
		if err != nil {
			return err
		}
		var page []uint32
		page, next = imap.ApplyPagination(uids, req.PageToken, req.MaxResults)
		if len(page) == 0 {
			return nil
		}
		messages, err = fetchParsed(f, page, imap.FetchHeadersOnly)
		return err
	})
	if err != nil {
		return nil, err
	}

	threads := imap.GroupThreads(messages)
	list = &models.ThreadList{Threads: make([]models.ThreadSummary, 0, len(threads)), NextPageToken: next}
	for _, t := range threads {
		summary := models.ThreadSummary{ID: t.ID, Latest: t.Latest}
		if t.Latest != nil {
			summary.HistoryID = strconv.FormatUint(uint64(t.Latest.UID), 10)
		}
		list.Threads = append(list.Threads, summary)
	}
	return list, nil
}
