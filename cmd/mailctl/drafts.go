package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/vdavid/maildriver/internal/models"
)

func newDraftsCmd(a *app) *cobra.Command {
	var (
		query string
		max   int
		page  string
	)

	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List and manage drafts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			list, err := m.ListDrafts(cmd.Context(), query, max, page)
			if err != nil {
				return err
			}
			return a.print(list)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Search query")
	cmd.Flags().IntVarP(&max, "max", "n", 20, "Page size")
	cmd.Flags().StringVar(&page, "page", "", "Page token from a previous listing")

	cmd.AddCommand(
		newDraftSaveCmd(a),
		&cobra.Command{
			Use:   "get <draft id>",
			Short: "Show a draft",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := a.mail(cmd.Context())
				if err != nil {
					return err
				}
				draft, err := m.GetDraft(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(draft)
			},
		},
		newDraftSendCmd(a),
		&cobra.Command{
			Use:   "delete <draft id>",
			Short: "Delete a draft",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := a.mail(cmd.Context())
				if err != nil {
					return err
				}
				return m.DeleteDraft(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func newDraftSaveCmd(a *app) *cobra.Command {
	var (
		flags   composeFlags
		replace string
	)

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a new draft, or replace an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := flags.message(cmd.InOrStdin())
			if err != nil {
				return err
			}
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}

			result := m.CreateDraft(cmd.Context(), models.DraftInput{
				ID:          replace,
				To:          msg.To,
				Cc:          msg.Cc,
				Bcc:         msg.Bcc,
				Subject:     msg.Subject,
				Message:     msg.Message,
				Attachments: msg.Attachments,
				ThreadID:    msg.ThreadID,
				FromEmail:   msg.FromEmail,
			})
			if err := a.print(result); err != nil {
				return err
			}
			if !result.Success {
				return errors.New(result.Error)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&replace, "replace", "", "Id of the draft this one replaces")
	return cmd
}

func newDraftSendCmd(a *app) *cobra.Command {
	var flags composeFlags

	cmd := &cobra.Command{
		Use:   "send <draft id>",
		Short: "Send a draft, overriding any of its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := flags.message(cmd.InOrStdin())
			if err != nil {
				return err
			}
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			result, err := m.SendDraft(cmd.Context(), args[0], overrides)
			if err != nil {
				return err
			}
			return a.print(result)
		},
	}
	flags.register(cmd)
	return cmd
}
