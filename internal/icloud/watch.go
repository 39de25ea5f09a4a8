package icloud

import (
	"context"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/maildriver/internal/driver"
	"github.com/vdavid/maildriver/internal/imap"
	"github.com/vdavid/maildriver/internal/models"
)

const watchReconnectDelay = 5 * time.Second

// Watch pushes INBOX changes to onEvent until ctx is canceled. It runs IDLE on a
// dedicated connection and reconnects when the server drops it.
func (m *Manager) Watch(ctx context.Context, onEvent func(models.MailboxEvent)) (err error) {
	defer func() { err = m.wrap("watch", nil, err) }()

	if !m.caps.SupportsPush {
		return driver.ErrNotSupported
	}

	session := imap.NewSession(m.imapSettings, m.logger.With().Str("role", "watcher").Logger())
	defer func() { _ = session.Close() }()

	label := labelForFolder(FolderInbox).ID
	for {
		if err := m.connect(ctx, "imap", session.Connect); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err := session.Watch(ctx, FolderInbox, func(status *goimap.MailboxStatus) {
			if onEvent != nil {
				onEvent(models.MailboxEvent{
					Label:    label,
					Folder:   FolderInbox,
					Messages: status.Messages,
					Unseen:   status.Unseen,
				})
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Warn().Err(err).Msg("Watcher stopped, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watchReconnectDelay):
		}
	}
}
