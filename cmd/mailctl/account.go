package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/spf13/cobra"
	"github.com/vdavid/maildriver/internal/db"
	"github.com/vdavid/maildriver/internal/driver"
	"github.com/vdavid/maildriver/internal/icloud"
	"github.com/vdavid/maildriver/internal/models"
	"golang.org/x/term"
)

var errNoStore = errors.New("credential store is not configured, set MAILDRIVER_DB_PASSWORD")

func newLoginCmd(a *app) *cobra.Command {
	var (
		fromStdin   bool
		noVerify    bool
		displayName string
		aliases     []string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify and store the app-specific password of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			email := strings.TrimSpace(a.account)
			if email == "" {
				return errNoAccount
			}

			password, err := readPassword(cmd, fromStdin)
			if err != nil {
				return err
			}

			if !noVerify {
				m, err := icloud.New(models.Auth{Email: email, AccessToken: password},
					icloud.WithLogger(a.logger),
					icloud.WithTimeouts(a.cfg.ConnectTimeout, a.cfg.AuthTimeout),
				)
				if err != nil {
					return err
				}
				_, err = m.GetUserLabels(ctx)
				_ = m.Close()
				if err != nil {
					return fmt.Errorf("failed to verify credentials: %w", err)
				}
			}

			ring, err := a.openRing()
			if err != nil {
				return err
			}
			err = ring.Set(keyring.Item{
				Key:   keyringKey(email),
				Data:  []byte(password),
				Label: "iCloud mail " + email,
			})
			if err != nil {
				return fmt.Errorf("setting credential for %s: %w", email, err)
			}
			savedTo := []string{"keyring"}

			pool, sealer, err := a.store(ctx)
			if err != nil {
				return err
			}
			if pool != nil {
				userID, err := db.GetOrCreateUser(ctx, pool, email)
				if err != nil {
					return err
				}
				sealed, err := sealer.Seal(email, password)
				if err != nil {
					return err
				}
				err = db.SaveAccount(ctx, pool, &models.Account{
					UserID:               userID,
					Email:                email,
					DisplayName:          displayName,
					EncryptedAppPassword: sealed,
					Aliases:              aliases,
				})
				if err != nil {
					return err
				}
				savedTo = append(savedTo, "store")
			}

			a.logger.Info().Str("account", email).Strs("saved_to", savedTo).Msg("Logged in")
			return a.print(map[string]any{"account": email, "saved_to": savedTo})
		},
	}

	cmd.Flags().BoolVar(&fromStdin, "password-stdin", false, "Read the app-specific password from stdin")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Store without logging in to iCloud first")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Name used in From headers (credential store only)")
	cmd.Flags().StringSliceVar(&aliases, "alias", nil, "Extra sending address (credential store only, repeatable)")
	return cmd
}

// readPassword takes the password from stdin, the environment or a no-echo prompt, in that order.
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	if fromStdin {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if password := strings.TrimSpace(string(b)); password != "" {
			return password, nil
		}
		return "", errors.New("empty password on stdin")
	}
	if password := os.Getenv(passwordEnv); password != "" {
		return password, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no password given, use --password-stdin or set %s", passwordEnv)
	}

	_, _ = fmt.Fprint(cmd.ErrOrStderr(), "App-specific password: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored password of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			email := strings.TrimSpace(a.account)
			if email == "" {
				return errNoAccount
			}

			ring, err := a.openRing()
			if err != nil {
				return err
			}
			if err := ring.Remove(keyringKey(email)); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
				return fmt.Errorf("deleting credential for %s: %w", email, err)
			}

			stored, err := a.storedAccount(ctx, email)
			if err != nil {
				return err
			}
			if stored != nil {
				if err := db.DeleteAccount(ctx, a.pool, stored.UserID); err != nil {
					return err
				}
			}

			a.logger.Info().Str("account", email).Msg("Logged out")
			return nil
		},
	}
}

type accountView struct {
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Aliases     []string  `json:"aliases,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newAccountsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List the accounts in the credential store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, _, err := a.store(ctx)
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
			views := make([]accountView, 0, len(accounts))
			for _, acc := range accounts {
				views = append(views, accountView{
					Email:       acc.Email,
					DisplayName: acc.DisplayName,
					Aliases:     acc.Aliases,
					UpdatedAt:   acc.UpdatedAt,
				})
			}
			return a.print(views)
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the account, its sending addresses and provider capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.mail(ctx)
			if err != nil {
				return err
			}

			info, err := m.GetUserInfo(ctx)
			if err != nil {
				return err
			}
			aliases, err := m.GetEmailAliases(ctx)
			if err != nil {
				return err
			}
			return a.print(struct {
				User         *models.UserInfo            `json:"user"`
				Aliases      []models.EmailAlias         `json:"aliases"`
				Capabilities driver.ProviderCapabilities `json:"capabilities"`
			}{info, aliases, m.Capabilities()})
		},
	}
}

func newTokensCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    "tokens",
		Short:  "Print the resolved credentials as driver tokens",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.mail(cmd.Context())
			if err != nil {
				return err
			}
			tokens, err := m.GetTokens(cmd.Context(), "")
			if err != nil {
				return err
			}
			return a.print(tokens)
		},
	}
}
