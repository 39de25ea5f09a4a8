package main

import (
	"github.com/spf13/cobra"
	"github.com/vdavid/maildriver/internal/models"
)

func newLabelsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "List and manage labels (iCloud folders)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			labels, err := m.GetUserLabels(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(labels)
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <label>",
			Short: "Show a label with its message and unread counts",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := a.mail(cmd.Context())
				if err != nil {
					return err
				}
				label, err := m.GetLabel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(label)
			},
		},
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create a custom label",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := a.mail(cmd.Context())
				if err != nil {
					return err
				}
				label, err := m.CreateLabel(cmd.Context(), models.Label{Name: args[0]})
				if err != nil {
					return err
				}
				return a.print(label)
			},
		},
		&cobra.Command{
			Use:   "rename <label> <new name>",
			Short: "Rename a custom label",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := a.mail(cmd.Context())
				if err != nil {
					return err
				}
				label, err := m.UpdateLabel(cmd.Context(), args[0], models.Label{Name: args[1]})
				if err != nil {
					return err
				}
				return a.print(label)
			},
		},
		&cobra.Command{
			Use:   "delete <label>",
			Short: "Delete a custom label",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := a.mail(cmd.Context())
				if err != nil {
					return err
				}
				return m.DeleteLabel(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func newCountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Show unread counts per label",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := m.Count(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(counts)
		},
	}
}
