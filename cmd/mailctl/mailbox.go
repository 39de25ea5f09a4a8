package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vdavid/maildriver/internal/db"
	"github.com/vdavid/maildriver/internal/icloud"
	"github.com/vdavid/maildriver/internal/models"
	"golang.org/x/sync/errgroup"
)

func newAttachmentsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachments <message id>",
		Short: "List the attachments of a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			attachments, err := m.GetMessageAttachments(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for i := range attachments {
				attachments[i].Body = ""
			}
			return a.print(attachments)
		},
	}

	var output string
	get := &cobra.Command{
		Use:   "get <message id> <attachment id or filename>",
		Short: "Download one attachment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			body, err := m.GetAttachment(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if body == "" {
				return fmt.Errorf("attachment %q not found", args[1])
			}
			content, err := base64.StdEncoding.DecodeString(body)
			if err != nil {
				return fmt.Errorf("failed to decode attachment: %w", err)
			}

			if output == "" || output == "-" {
				_, err = a.out.Write(content)
				return err
			}
			if err := os.WriteFile(output, content, 0o600); err != nil {
				return fmt.Errorf("failed to write attachment: %w", err)
			}
			a.logger.Info().Str("file", output).Int("bytes", len(content)).Msg("Saved attachment")
			return nil
		},
	}
	get.Flags().StringVarP(&output, "output", "o", "", "File to write, stdout when empty")
	cmd.AddCommand(get)
	return cmd
}

func newSpamCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spam",
		Short: "Spam folder maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Permanently delete everything in Junk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			result, err := m.DeleteAllSpam(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(result)
		},
	})
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print INBOX changes as they happen, until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if all {
				return a.watchAll(ctx)
			}

			m, err := a.mail(ctx)
			if err != nil {
				return err
			}
			a.logger.Info().Msg("Watching INBOX")
			return m.Watch(ctx, func(event models.MailboxEvent) {
				a.printEvent(a.account, event)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Watch every account of the credential store")
	return cmd
}

type accountEvent struct {
	Account string `json:"account"`
	models.MailboxEvent
}

func (a *app) printEvent(account string, event models.MailboxEvent) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	if err := a.print(accountEvent{Account: account, MailboxEvent: event}); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to print event")
	}
}

// watchAll runs one watcher per stored account, each with its own manager from a registry.
func (a *app) watchAll(ctx context.Context) error {
	pool, sealer, err := a.store(ctx)
	if err != nil {
		return err
	}
	if pool == nil {
		return errNoStore
	}
	accounts, err := db.ListAccounts(ctx, pool)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return errors.New("no accounts in the credential store")
	}

	byUser := make(map[string]*models.Account, len(accounts))
	for _, acc := range accounts {
		byUser[acc.UserID] = acc
	}
	registry := icloud.NewRegistry(func(auth models.Auth) (*icloud.Manager, error) {
		acc := byUser[auth.UserID]
		return icloud.New(auth,
			icloud.WithLogger(a.logger),
			icloud.WithTimeouts(a.cfg.ConnectTimeout, a.cfg.AuthTimeout),
			icloud.WithDisplayName(acc.DisplayName),
			icloud.WithAliases(acc.Aliases...),
		)
	}, 0, a.logger)
	defer func() { _ = registry.Close() }()

	managers := make(map[string]*icloud.Manager, len(accounts))
	for _, acc := range accounts {
		password, err := sealer.Open(acc.Email, acc.EncryptedAppPassword)
		if err != nil {
			return fmt.Errorf("failed to open stored password of %s: %w", acc.Email, err)
		}
		m, err := registry.Get(models.Auth{Email: acc.Email, AccessToken: password, UserID: acc.UserID})
		if err != nil {
			return err
		}
		managers[acc.Email] = m
	}

	g, ctx := errgroup.WithContext(ctx)
	for email, m := range managers {
		g.Go(func() error {
			a.logger.Info().Str("account", email).Msg("Watching INBOX")
			return m.Watch(ctx, func(event models.MailboxEvent) {
				a.printEvent(email, event)
			})
		})
	}
	return g.Wait()
}
