package imap

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
)

// FolderInfo is one mailbox returned by LIST.
type FolderInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// NoSelect reports whether the mailbox can't hold messages.
func (f FolderInfo) NoSelect() bool {
	for _, attr := range f.Attributes {
		if attr == imap.NoSelectAttr {
			return true
		}
	}
	return false
}

// ListFolders lists all folders on the IMAP server.
func (s *Session) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []FolderInfo
	for m := range mailboxes {
		folders = append(folders, FolderInfo{
			Name:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

// Folder is a selected mailbox. It is only usable inside Session.WithFolder.
type Folder struct {
	session  *Session
	name     string
	status   *imap.MailboxStatus
	released bool
}

// Name returns the mailbox name.
func (f *Folder) Name() string {
	return f.name
}

// Messages returns the message count reported at selection time.
func (f *Folder) Messages() uint32 {
	if f.status == nil {
		return 0
	}
	return f.status.Messages
}

func (f *Folder) check() error {
	if f == nil || f.released || f.session == nil {
		return ErrNoFolderSelected
	}
	if f.session.client == nil || f.session.selected != f.name {
		return ErrNoFolderSelected
	}
	return nil
}

// Search returns the UIDs matching the criteria. A nil criteria matches everything.
func (f *Folder) Search(criteria *imap.SearchCriteria) ([]uint32, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	if criteria == nil {
		criteria = imap.NewSearchCriteria()
	}
	uids, err := f.session.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", f.name, err)
	}
	return uids, nil
}

// CountUnread counts messages without \Seen. STATUS UNSEEN isn't reliable
// across servers, a search is.
func (f *Folder) CountUnread() (int, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := f.Search(criteria)
	if err != nil {
		return 0, err
	}
	return len(uids), nil
}

// SortedSearch returns matching UIDs newest first. Uses server-side SORT when the
// server has it, otherwise sorts by UID descending, which follows arrival order.
func (f *Folder) SortedSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	if criteria == nil {
		criteria = imap.NewSearchCriteria()
	}

	caps, err := f.session.capabilitiesLocked()
	if err == nil && caps[sortthread.SortCapability] {
		sc := sortthread.NewSortClient(f.session.client)
		uids, err := sc.UidSort([]sortthread.SortCriterion{{Field: sortthread.SortArrival, Reverse: true}}, criteria)
		if err == nil {
			return uids, nil
		}
		f.session.logger.Warn().Err(err).Str("folder", f.name).Msg("SORT failed, falling back to client-side ordering")
	}

	uids, err := f.Search(criteria)
	if err != nil {
		return nil, err
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids, nil
}

// FindByMessageID returns the UIDs of messages carrying the given Message-ID header.
// A purely numeric id with no header match is tried as a UID, which is a degraded
// lookup used for messages that never had a Message-ID.
func (f *Folder) FindByMessageID(id string) ([]uint32, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", id)
	uids, err := f.Search(criteria)
	if err != nil {
		return nil, err
	}
	if len(uids) > 0 {
		return uids, nil
	}

	uid, convErr := strconv.ParseUint(id, 10, 32)
	if convErr != nil || uid == 0 {
		return nil, nil
	}

	byUID := imap.NewSearchCriteria()
	byUID.Uid = new(imap.SeqSet)
	byUID.Uid.AddNum(uint32(uid))
	uids, err = f.Search(byUID)
	if err != nil {
		return nil, err
	}
	if len(uids) > 0 {
		f.session.logger.Warn().Str("folder", f.name).Str("id", id).Msg("Resolved message by UID, Message-ID lookup missed")
	}
	return uids, nil
}

// AddFlags sets flags on the given UIDs.
func (f *Folder) AddFlags(uids []uint32, flags ...string) error {
	return f.store(uids, imap.AddFlags, flags)
}

// RemoveFlags clears flags on the given UIDs.
func (f *Folder) RemoveFlags(uids []uint32, flags ...string) error {
	return f.store(uids, imap.RemoveFlags, flags)
}

func (f *Folder) store(uids []uint32, op imap.FlagsOp, flags []string) error {
	if err := f.check(); err != nil {
		return err
	}
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(flags))
	for _, flag := range flags {
		values = append(values, flag)
	}

	item := imap.FormatFlagsOp(op, true)
	if err := f.session.client.UidStore(uidSet(uids), item, values, nil); err != nil {
		return fmt.Errorf("failed to store flags in %s: %w", f.name, err)
	}
	return nil
}

// Copy copies messages to another folder.
func (f *Folder) Copy(uids []uint32, dest string) error {
	if err := f.check(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	if err := f.session.client.UidCopy(uidSet(uids), dest); err != nil {
		return fmt.Errorf("failed to copy from %s to %s: %w", f.name, dest, err)
	}
	return nil
}

// Move moves messages to another folder. When the server lacks MOVE, or
// refuses it while the connection stays up, the messages are copied, flagged
// \Deleted and expunged instead.
func (f *Folder) Move(uids []uint32, dest string) error {
	if err := f.check(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	defer f.session.invalidateLocked()

	set := uidSet(uids)
	err := f.session.client.UidMove(set, dest)
	if err == nil {
		return nil
	}
	if !f.session.isConnectedLocked() {
		return fmt.Errorf("failed to move from %s to %s: %w", f.name, dest, err)
	}

	f.session.logger.Warn().Err(err).Str("folder", f.name).Str("dest", dest).Msg("MOVE refused, copying instead")
	if err := f.session.client.UidCopy(set, dest); err != nil {
		return fmt.Errorf("failed to copy from %s to %s: %w", f.name, dest, err)
	}
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := f.session.client.UidStore(set, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("failed to flag moved messages in %s: %w", f.name, err)
	}
	if err := f.session.client.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge %s: %w", f.name, err)
	}
	return nil
}

// Expunge permanently removes messages flagged \Deleted.
func (f *Folder) Expunge() error {
	if err := f.check(); err != nil {
		return err
	}
	defer f.session.invalidateLocked()
	if err := f.session.client.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge %s: %w", f.name, err)
	}
	return nil
}

// Delete flags messages \Deleted and expunges them.
func (f *Folder) Delete(uids []uint32) error {
	if len(uids) == 0 {
		return f.check()
	}
	if err := f.AddFlags(uids, imap.DeletedFlag); err != nil {
		return err
	}
	return f.Expunge()
}

func uidSet(uids []uint32) *imap.SeqSet {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	return set
}
