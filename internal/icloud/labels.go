package icloud

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vdavid/maildriver/internal/driver"
	"github.com/vdavid/maildriver/internal/imap"
	"github.com/vdavid/maildriver/internal/models"
)

// GetUserLabels lists every selectable folder as a label, system folders first.
func (m *Manager) GetUserLabels(ctx context.Context) (labels []models.Label, err error) {
	defer func() { err = m.wrap("getUserLabels", nil, err) }()

	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}
	folders, err := m.listFolders(ctx)
	if err != nil {
		return nil, err
	}

	var system, user []models.Label
	for _, f := range folders {
		l := labelForFolder(f)
		if l.Type == models.LabelTypeSystem {
			system = append(system, l)
		} else {
			user = append(user, l)
		}
	}
	sort.SliceStable(system, func(i, j int) bool {
		return systemRank(system[i].ID) < systemRank(system[j].ID)
	})
	sort.SliceStable(user, func(i, j int) bool {
		return strings.ToLower(user[i].Name) < strings.ToLower(user[j].Name)
	})
	return append(system, user...), nil
}

func systemRank(id string) int {
	for i, l := range systemLabels {
		if l.ID == id {
			return i
		}
	}
	return len(systemLabels)
}

// GetLabel returns one label with its message and unread counts.
func (m *Manager) GetLabel(ctx context.Context, id string) (label *models.Label, err error) {
	defer func() { err = m.wrap("getLabel", map[string]any{"label_id": id}, err) }()

	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}
	folders, err := m.listFolders(ctx)
	if err != nil {
		return nil, err
	}
	folder, ok := resolveFolder(id, folders)
	if !ok || !containsFolder(folders, folder) {
		return nil, driver.ErrLabelNotFound
	}

	l := labelForFolder(folder)
	err = m.imap.WithFolder(ctx, folder, func(f *imap.Folder) error {
		l.Count = int(f.Messages())
		unread, err := f.CountUnread()
		if err != nil {
			return err
		}
		l.Unread = unread
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLabel creates a folder. System labels are refused, and so is everything
// else unless custom folders are enabled.
func (m *Manager) CreateLabel(ctx context.Context, label models.Label) (created *models.Label, err error) {
	defer func() { err = m.wrap("createLabel", map[string]any{"label": label.Name}, err) }()

	name := strings.TrimSpace(label.Name)
	if name == "" {
		name = strings.TrimSpace(label.ID)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: label name is empty", driver.ErrInvalidArgument)
	}
	if IsSystemLabel(name) || (label.ID != "" && IsSystemLabel(label.ID)) {
		return nil, driver.ErrSystemLabel
	}
	if !m.caps.SupportsCustomFolders {
		return nil, driver.ErrCustomFolders
	}

	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}
	if err := m.imap.CreateFolder(ctx, name); err != nil {
		return nil, err
	}
	m.forgetFolders()

	l := labelForFolder(name)
	return &l, nil
}

// UpdateLabel renames the folder behind a user label.
func (m *Manager) UpdateLabel(ctx context.Context, id string, label models.Label) (updated *models.Label, err error) {
	defer func() { err = m.wrap("updateLabel", map[string]any{"label_id": id}, err) }()

	if IsSystemLabel(id) || IsSystemLabel(label.Name) {
		return nil, driver.ErrSystemLabel
	}
	if !m.caps.SupportsCustomFolders {
		return nil, driver.ErrCustomFolders
	}
	name := strings.TrimSpace(label.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: label name is empty", driver.ErrInvalidArgument)
	}

	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}
	folders, err := m.listFolders(ctx)
	if err != nil {
		return nil, err
	}
	folder, ok := resolveFolder(id, folders)
	if !ok {
		return nil, driver.ErrLabelNotFound
	}
	if folder != name {
		if err := m.imap.RenameFolder(ctx, folder, name); err != nil {
			return nil, err
		}
		m.forgetFolders()
	}

	l := labelForFolder(name)
	return &l, nil
}

// DeleteLabel deletes the folder behind a user label. A missing label is not an error.
func (m *Manager) DeleteLabel(ctx context.Context, id string) (err error) {
	defer func() { err = m.wrap("deleteLabel", map[string]any{"label_id": id}, err) }()

	if IsSystemLabel(id) {
		return driver.ErrSystemLabel
	}
	if !m.caps.SupportsCustomFolders {
		return driver.ErrCustomFolders
	}

	if err := m.ensureIMAP(ctx); err != nil {
		return err
	}
	folders, err := m.listFolders(ctx)
	if err != nil {
		return err
	}
	folder, ok := resolveFolder(id, folders)
	if !ok {
		return nil
	}
	if err := m.imap.DeleteFolder(ctx, folder); err != nil {
		return err
	}
	m.forgetFolders()
	return nil
}

// Count returns the unread count of every folder.
func (m *Manager) Count(ctx context.Context) (counts []models.LabelCount, err error) {
	defer func() { err = m.wrap("count", nil, err) }()

	if err := m.ensureIMAP(ctx); err != nil {
		return nil, err
	}
	folders, err := m.knownFolders(ctx)
	if err != nil {
		return nil, err
	}

	counts = make([]models.LabelCount, 0, len(folders))
	for _, folder := range folders {
		var unread int
		err := m.imap.WithFolder(ctx, folder, func(f *imap.Folder) error {
			n, err := f.CountUnread()
			unread = n
			return err
		})
		if err != nil {
			return nil, err
		}
		counts = append(counts, models.LabelCount{Label: labelForFolder(folder).ID, Count: unread})
	}
	return counts, nil
}
