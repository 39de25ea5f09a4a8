// Command mailctl drives an iCloud mailbox through the mail driver from the terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vdavid/maildriver/internal/config"
	"github.com/vdavid/maildriver/internal/crypto"
	"github.com/vdavid/maildriver/internal/db"
	"github.com/vdavid/maildriver/internal/driver"
	"github.com/vdavid/maildriver/internal/icloud"
)

// Set via -ldflags at build time.
var version = "dev"

type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	out      io.Writer
	outMu    sync.Mutex
	account  string
	verbose  bool
	openRing func() (keyring.Keyring, error)

	pool    *pgxpool.Pool
	sealer  *crypto.Sealer
	manager *icloud.Manager
}

func main() {
	a := &app{openRing: openKeyring}
	err := newRootCmd(a).Execute()
	if cerr := a.teardown(); cerr != nil && err == nil {
		err = cerr
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	}
	if err != nil {
		os.Exit(exitCode(err))
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailctl",
		Short:         "Read, send and organize iCloud mail",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.account, "account", "a", os.Getenv("MAILDRIVER_ACCOUNT"), "iCloud address to act as")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log at debug level")

	root.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newAccountsCmd(a),
		newWhoamiCmd(a),
		newTokensCmd(a),
		newLabelsCmd(a),
		newCountCmd(a),
		newThreadsCmd(a),
		newSendCmd(a),
		newDraftsCmd(a),
		newMarkCmd(a, "read", "Mark threads as read"),
		newMarkCmd(a, "unread", "Mark threads as unread"),
		newDeleteCmd(a),
		newModifyCmd(a),
		newAttachmentsCmd(a),
		newSpamCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	if a.cfg == nil {
		cfg, err := config.NewConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		a.cfg = cfg
	}

	level := a.cfg.LogLevel
	if a.verbose {
		level = zerolog.DebugLevel
	}
	a.logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
	return nil
}

func (a *app) teardown() error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Close())
		a.manager = nil
	}
	if a.pool != nil {
		db.CloseConnection(a.pool)
		a.pool = nil
	}
	return errors.Join(errs...)
}

// store returns the credential store, or nil when none is configured.
func (a *app) store(ctx context.Context) (*pgxpool.Pool, *crypto.Sealer, error) {
	if !a.cfg.HasDatabase() {
		return nil, nil, nil
	}
	if a.pool == nil {
		sealer, err := crypto.NewSealer(a.cfg.EncryptionKeyBase64)
		if err != nil {
			return nil, nil, err
		}
		pool, err := db.NewConnection(ctx, a.cfg)
		if err != nil {
			return nil, nil, err
		}
		a.pool, a.sealer = pool, sealer
	}
	return a.pool, a.sealer, nil
}

// mail returns the manager for the selected account, building it on first use.
func (a *app) mail(ctx context.Context) (*icloud.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}

	creds, err := a.credentials(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Str("account", creds.auth.Email).Str("source", creds.source).Msg("Resolved credentials")

	m, err := icloud.New(creds.auth,
		icloud.WithLogger(a.logger),
		icloud.WithTimeouts(a.cfg.ConnectTimeout, a.cfg.AuthTimeout),
		icloud.WithDisplayName(creds.displayName),
		icloud.WithAliases(creds.aliases...),
	)
	if err != nil {
		return nil, err
	}
	a.manager = m
	return m, nil
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode maps driver error kinds to distinct exit statuses for scripts.
func exitCode(err error) int {
	switch driver.KindOf(err) {
	case driver.KindInvalidCredentials:
		return 3
	case driver.KindConnection:
		return 4
	case driver.KindNotFound:
		return 5
	case driver.KindSystemLabel, driver.KindUnsupported:
		return 6
	default:
		return 1
	}
}
