package icloud

import (
	"context"
	"sort"
	"strings"

	"github.com/vdavid/maildriver/internal/models"
)

// iCloud folder names.
const (
	FolderInbox   = "INBOX"
	FolderSent    = "Sent Messages"
	FolderDrafts  = "Drafts"
	FolderTrash   = "Deleted Messages"
	FolderSpam    = "Junk"
	FolderArchive = "Archive"
)

// Label ids.
const (
	LabelInbox   = "INBOX"
	LabelSent    = "SENT"
	LabelDrafts  = "DRAFTS"
	LabelTrash   = "TRASH"
	LabelSpam    = "SPAM"
	LabelArchive = "ARCHIVE"
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
)

// systemLabels are the folders every iCloud account has. They can't be created,
// renamed or deleted.
var systemLabels = []models.Label{
	{ID: LabelInbox, Name: FolderInbox, Type: models.LabelTypeSystem, Folder: FolderInbox},
	{ID: LabelSent, Name: FolderSent, Type: models.LabelTypeSystem, Folder: FolderSent},
	{ID: LabelDrafts, Name: FolderDrafts, Type: models.LabelTypeSystem, Folder: FolderDrafts},
	{ID: LabelTrash, Name: FolderTrash, Type: models.LabelTypeSystem, Folder: FolderTrash},
	{ID: LabelSpam, Name: FolderSpam, Type: models.LabelTypeSystem, Folder: FolderSpam},
}

var labelAliases = map[string]string{
	"SENT_MESSAGES":    LabelSent,
	"SENT_ITEMS":       LabelSent,
	"DRAFT":            LabelDrafts,
	"DELETED_MESSAGES": LabelTrash,
	"DELETED_ITEMS":    LabelTrash,
	"BIN":              LabelTrash,
	"JUNK":             LabelSpam,
	"JUNK_EMAIL":       LabelSpam,
}

// searchOrder is the order folders are scanned when locating a message.
var searchOrder = []string{FolderInbox, FolderArchive, FolderSent, FolderDrafts, FolderSpam, FolderTrash}

// CanonicalLabelID maps a folder name or label id onto a label id:
// "Sent Messages" and "sent" both become "SENT".
func CanonicalLabelID(name string) string {
	id := strings.ToUpper(strings.Join(strings.Fields(name), "_"))
	if alias, ok := labelAliases[id]; ok {
		return alias
	}
	return id
}

// IsSystemLabel reports whether id names one of the fixed folders.
func IsSystemLabel(id string) bool {
	_, ok := systemLabel(id)
	return ok
}

func systemLabel(id string) (models.Label, bool) {
	canonical := CanonicalLabelID(id)
	for _, l := range systemLabels {
		if l.ID == canonical {
			return l, true
		}
	}
	return models.Label{}, false
}

// labelForFolder describes a folder as a label.
func labelForFolder(folder string) models.Label {
	if l, ok := systemLabel(folder); ok && strings.EqualFold(l.Folder, folder) {
		return l
	}
	return models.Label{ID: CanonicalLabelID(folder), Name: folder, Type: models.LabelTypeUser, Folder: folder}
}

// resolveFolder maps a label id or folder name onto an existing folder.
func resolveFolder(id string, folders []string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	if l, ok := systemLabel(id); ok {
		return l.Folder, true
	}
	for _, f := range folders {
		if f == id {
			return f, true
		}
	}
	canonical := CanonicalLabelID(id)
	for _, f := range folders {
		if CanonicalLabelID(f) == canonical {
			return f, true
		}
	}
	return "", false
}

// listFolders returns the selectable folders, cached until a label mutation.
func (m *Manager) listFolders(ctx context.Context) ([]string, error) {
	m.foldersMu.Lock()
	defer m.foldersMu.Unlock()

	if m.folders != nil {
		return m.folders, nil
	}

	infos, err := m.imap.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	folders := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.NoSelect() {
			continue
		}
		folders = append(folders, info.Name)
	}
	m.folders = folders
	return folders, nil
}

func (m *Manager) forgetFolders() {
	m.foldersMu.Lock()
	m.folders = nil
	m.foldersMu.Unlock()
}

// knownFolders returns the existing folders in search order followed by any
// user folders.
func (m *Manager) knownFolders(ctx context.Context) ([]string, error) {
	folders, err := m.listFolders(ctx)
	if err != nil {
		return nil, err
	}

	exists := make(map[string]bool, len(folders))
	for _, f := range folders {
		exists[f] = true
	}

	ordered := make([]string, 0, len(folders))
	taken := make(map[string]bool)
	for _, f := range searchOrder {
		if exists[f] {
			ordered = append(ordered, f)
			taken[f] = true
		}
	}
	var rest []string
	for _, f := range folders {
		if !taken[f] {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...), nil
}

func containsFolder(folders []string, name string) bool {
	for _, f := range folders {
		if f == name {
			return true
		}
	}
	return false
}
