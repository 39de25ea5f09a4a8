package icloud

import (
	"context"
	"errors"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/maildriver/internal/driver"
	"github.com/vdavid/maildriver/internal/imap"
	"github.com/vdavid/maildriver/internal/models"
)

// MarkAsRead sets \Seen on every message of the given threads.
func (m *Manager) MarkAsRead(ctx context.Context, ids []string) (err error) {
	defer func() { err = m.wrap("markAsRead", map[string]any{"ids": len(ids)}, err) }()
	return m.setFlag(ctx, ids, goimap.SeenFlag, true)
}

// MarkAsUnread clears \Seen on every message of the given threads.
func (m *Manager) MarkAsUnread(ctx context.Context, ids []string) (err error) {
	defer func() { err = m.wrap("markAsUnread", map[string]any{"ids": len(ids)}, err) }()
	return m.setFlag(ctx, ids, goimap.SeenFlag, false)
}

func (m *Manager) setFlag(ctx context.Context, ids []string, flag string, set bool) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.ensureIMAP(ctx); err != nil {
		return err
	}
	folders, err := m.knownFolders(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		locations, err := m.locate(ctx, folders, matchThread(id))
		if err != nil {
			return err
		}
		for _, loc := range locations {
			err := m.imap.WithFolder(ctx, loc.Folder, func(f *imap.Folder) error {
				if set {
					return f.AddFlags(loc.UIDs, flag)
				}
				return f.RemoveFlags(loc.UIDs, flag)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete moves a message, or a whole thread when id is a thread id, to Deleted
// Messages. Whatever is already there is removed for good. A missing id succeeds.
func (m *Manager) Delete(ctx context.Context, id string) (err error) {
	defer func() { err = m.wrap("delete", map[string]any{"id": id}, err) }()

	if err := m.ensureIMAP(ctx); err != nil {
		return err
	}
	locations, err := m.resolveTargets(ctx, id)
	if err != nil {
		return err
	}
	for _, loc := range locations {
		err := m.imap.WithFolder(ctx, loc.Folder, func(f *imap.Folder) error {
			if loc.Folder == FolderTrash {
				return f.Delete(loc.UIDs)
			}
			return f.Move(loc.UIDs, FolderTrash)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ModifyLabels applies label changes to messages. Adding a folder label moves the
// messages there; UNREAD and STARRED map to flags. Removing the label of the folder
// a message sits in moves it back to INBOX, or to Archive when INBOX is removed.
// Ids that can't be found are skipped.
func (m *Manager) ModifyLabels(ctx context.Context, ids []string, changes models.LabelChanges) (err error) {
	defer func() {
		err = m.wrap("modifyLabels", map[string]any{
			"ids":    len(ids),
			"add":    changes.AddLabels,
			"remove": changes.RemoveLabels,
		}, err)
	}()

	if len(ids) == 0 || (len(changes.AddLabels) == 0 && len(changes.RemoveLabels) == 0) {
		return nil
	}
	if err := m.ensureIMAP(ctx); err != nil {
		return err
	}
	folders, err := m.listFolders(ctx)
	if err != nil {
		return err
	}

	plan, err := planLabelChanges(changes, folders)
	if err != nil {
		return err
	}

	for _, id := range ids {
		locations, err := m.resolveTargets(ctx, id)
		if err != nil {
			return err
		}
		if len(locations) == 0 {
			m.logger.Debug().Str("id", id).Msg("Message not found, skipping label change")
			continue
		}
		for _, loc := range locations {
			if err := m.applyPlan(ctx, loc, plan); err != nil {
				return err
			}
		}
	}
	return nil
}

// labelPlan is LabelChanges resolved against the folder list.
type labelPlan struct {
	addFlags    []string
	removeFlags []string
	// target is the folder every message moves to, if any.
	target string
	// removed holds the folders whose label is removed.
	removed map[string]bool
	archive string
}

func planLabelChanges(changes models.LabelChanges, folders []string) (labelPlan, error) {
	plan := labelPlan{removed: make(map[string]bool)}
	if containsFolder(folders, FolderArchive) {
		plan.archive = FolderArchive
	}

	for _, id := range changes.AddLabels {
		switch CanonicalLabelID(id) {
		case LabelUnread:
			plan.removeFlags = append(plan.removeFlags, goimap.SeenFlag)
		case LabelStarred:
			plan.addFlags = append(plan.addFlags, goimap.FlaggedFlag)
		default:
			folder, ok := resolveFolder(id, folders)
			if !ok {
				return plan, driver.ErrLabelNotFound
			}
			plan.target = folder
		}
	}

	for _, id := range changes.RemoveLabels {
		switch CanonicalLabelID(id) {
		case LabelUnread:
			plan.addFlags = append(plan.addFlags, goimap.SeenFlag)
		case LabelStarred:
			plan.removeFlags = append(plan.removeFlags, goimap.FlaggedFlag)
		default:
			if folder, ok := resolveFolder(id, folders); ok {
				plan.removed[folder] = true
			}
		}
	}
	return plan, nil
}

// destination returns where a message in folder should end up, or "".
func (p labelPlan) destination(folder string) string {
	if p.target != "" {
		if p.target == folder {
			return ""
		}
		return p.target
	}
	if !p.removed[folder] {
		return ""
	}
	if folder == FolderInbox {
		return p.archive
	}
	return FolderInbox
}

func (m *Manager) applyPlan(ctx context.Context, loc location, plan labelPlan) error {
	return m.imap.WithFolder(ctx, loc.Folder, func(f *imap.Folder) error {
		var errs []error
		if err := f.AddFlags(loc.UIDs, plan.addFlags...); err != nil {
			errs = append(errs, err)
		}
		if err := f.RemoveFlags(loc.UIDs, plan.removeFlags...); err != nil {
			errs = append(errs, err)
		}
		if dest := plan.destination(loc.Folder); dest != "" {
			if err := f.Move(loc.UIDs, dest); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
