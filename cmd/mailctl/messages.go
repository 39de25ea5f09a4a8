package main

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/spf13/cobra"
	"github.com/vdavid/maildriver/internal/models"
)

func newThreadsCmd(a *app) *cobra.Command {
	var req models.ListRequest

	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List threads of a label, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			list, err := m.List(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.print(list)
		},
	}
	cmd.Flags().StringVarP(&req.Folder, "label", "l", "INBOX", "Label or folder to list")
	cmd.Flags().StringVarP(&req.Query, "query", "q", "", "Search query, e.g. from:alice subject:report is:unread")
	cmd.Flags().IntVarP(&req.MaxResults, "max", "n", 20, "Page size")
	cmd.Flags().StringVar(&req.PageToken, "page", "", "Page token from a previous listing")
	cmd.Flags().StringSliceVar(&req.LabelIDs, "filter", nil, "Extra label filters such as UNREAD or STARRED")

	cmd.AddCommand(&cobra.Command{
		Use:   "get <thread id>",
		Short: "Show every message of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			thread, err := m.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(thread)
		},
	})
	return cmd
}

// composeFlags are the message fields shared by send and the draft commands.
type composeFlags struct {
	to, cc, bcc []string
	subject     string
	body        string
	bodyFile    string
	attach      []string
	thread      string
	from        string
}

func (f *composeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.to, "to", nil, "Recipient, repeatable or comma separated")
	cmd.Flags().StringSliceVar(&f.cc, "cc", nil, "Cc recipient")
	cmd.Flags().StringSliceVar(&f.bcc, "bcc", nil, "Bcc recipient")
	cmd.Flags().StringVarP(&f.subject, "subject", "s", "", "Subject")
	cmd.Flags().StringVarP(&f.body, "body", "b", "", "HTML or plain body")
	cmd.Flags().StringVar(&f.bodyFile, "body-file", "", "Read the body from a file, - for stdin")
	cmd.Flags().StringSliceVar(&f.attach, "attach", nil, "File to attach, repeatable")
	cmd.Flags().StringVar(&f.thread, "thread", "", "Message-ID of the message being replied to")
	cmd.Flags().StringVar(&f.from, "from", "", "Sending address, one of the account aliases")
}

func (f *composeFlags) message(stdin io.Reader) (models.OutgoingMessage, error) {
	var msg models.OutgoingMessage
	var err error

	if msg.To, err = parseAddresses(f.to); err != nil {
		return msg, err
	}
	if msg.Cc, err = parseAddresses(f.cc); err != nil {
		return msg, err
	}
	if msg.Bcc, err = parseAddresses(f.bcc); err != nil {
		return msg, err
	}
	if msg.Message, err = f.readBody(stdin); err != nil {
		return msg, err
	}
	if msg.Attachments, err = loadAttachments(f.attach); err != nil {
		return msg, err
	}
	msg.Subject = f.subject
	msg.ThreadID = f.thread
	msg.FromEmail = f.from
	return msg, nil
}

func (f *composeFlags) readBody(stdin io.Reader) (string, error) {
	if f.bodyFile == "" {
		return f.body, nil
	}
	if f.body != "" {
		return "", errors.New("--body and --body-file are mutually exclusive")
	}

	var b []byte
	var err error
	if f.bodyFile == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(f.bodyFile)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	return string(b), nil
}

// parseAddresses accepts RFC 5322 address lists in each value.
func parseAddresses(values []string) ([]models.Address, error) {
	var out []models.Address
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		list, err := mail.ParseAddressList(v)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", v, err)
		}
		for _, addr := range list {
			out = append(out, models.Address{Name: addr.Name, Email: addr.Address})
		}
	}
	return out, nil
}

func loadAttachments(paths []string) ([]models.OutgoingAttachment, error) {
	var out []models.OutgoingAttachment
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		contentType := mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		out = append(out, models.OutgoingAttachment{
			Filename:    filepath.Base(path),
			ContentType: contentType,
			Content:     content,
		})
	}
	return out, nil
}

func newSendCmd(a *app) *cobra.Command {
	var flags composeFlags

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message",
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
			result, err := m.Create(cmd.Context(), msg)
			if err != nil {
				return err
			}
			return a.print(result)
		},
	}
	flags.register(cmd)
	return cmd
}

func newMarkCmd(a *app, state, short string) *cobra.Command {
	return &cobra.Command{
		Use:   state + " <thread id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			if state == "read" {
				return m.MarkAsRead(cmd.Context(), args)
			}
			return m.MarkAsUnread(cmd.Context(), args)
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <message id>",
		Short: "Move a message to the trash, or expunge it when it already is there",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			return m.Delete(cmd.Context(), args[0])
		},
	}
}

func newModifyCmd(a *app) *cobra.Command {
	var changes models.LabelChanges

	cmd := &cobra.Command{
		Use:   "modify <message id>...",
		Short: "Add or remove labels, moving messages between folders",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(changes.AddLabels) == 0 && len(changes.RemoveLabels) == 0 {
				return errors.New("nothing to do, pass --add or --remove")
			}
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			return m.ModifyLabels(cmd.Context(), args, changes)
		},
	}
	cmd.Flags().StringSliceVar(&changes.AddLabels, "add", nil, "Label to add")
	cmd.Flags().StringSliceVar(&changes.RemoveLabels, "remove", nil, "Label to remove")
	return cmd
}
