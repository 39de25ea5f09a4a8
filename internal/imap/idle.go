package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

// idlePollInterval is the NOOP polling interval used when the server lacks IDLE.
const idlePollInterval = 30 * time.Second

// Watch selects the folder and runs IDLE until ctx is canceled or the connection
// ends, calling onUpdate for every mailbox status change. The session is blocked
// for other commands meanwhile, so watchers use a dedicated session.
func (s *Session) Watch(ctx context.Context, folder string, onUpdate func(*imap.MailboxStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isConnectedLocked() {
		return ErrNotConnected
	}
	if _, err := s.selectLocked(folder); err != nil {
		return err
	}

	updates := make(chan imapclient.Update, 10)
	s.setWatcher(updates)
	defer s.setWatcher(nil)

	idleClient := idle.NewClient(s.client)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, idlePollInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			if err := <-done; err != nil {
				return fmt.Errorf("failed to stop idle: %w", err)
			}
			return nil
		case err := <-done:
			s.invalidateLocked()
			if err != nil {
				return fmt.Errorf("idle ended: %w", err)
			}
			return nil
		case update := <-updates:
			mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
			if !ok || mboxUpdate.Mailbox == nil {
				continue
			}
			s.logger.Debug().Str("folder", folder).Uint32("messages", mboxUpdate.Mailbox.Messages).Msg("Mailbox update")
			if onUpdate != nil {
				onUpdate(mboxUpdate.Mailbox)
			}
		}
	}
}
