package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/vdavid/maildriver/internal/db"
	"github.com/vdavid/maildriver/internal/models"
)

const (
	keyringService = "maildriver"
	passwordEnv    = "MAILDRIVER_APP_PASSWORD"
)

var errNoAccount = errors.New("no account selected, pass --account or set MAILDRIVER_ACCOUNT")

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/maildriver/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("maildriver-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func keyringKey(email string) string {
	return "icloud:" + strings.ToLower(strings.TrimSpace(email))
}

type credentials struct {
	auth        models.Auth
	displayName string
	aliases     []string
	source      string
}

// credentials resolves the app password of the selected account. The environment
// wins over the keyring, which wins over the credential store. Display name and
// aliases come from the store whenever it has the account.
func (a *app) credentials(ctx context.Context) (credentials, error) {
	email := strings.TrimSpace(a.account)
	if email == "" {
		return credentials{}, errNoAccount
	}
	creds := credentials{auth: models.Auth{Email: email, UserID: email}}

	stored, err := a.storedAccount(ctx, email)
	if err != nil {
		return credentials{}, err
	}
	if stored != nil {
		creds.auth.UserID = stored.UserID
		creds.displayName = stored.DisplayName
		creds.aliases = stored.Aliases
	}

	if password := os.Getenv(passwordEnv); password != "" {
		creds.auth.AccessToken, creds.source = password, "env"
		return creds, nil
	}

	password, err := a.keyringPassword(email)
	if err != nil {
		return credentials{}, err
	}
	if password != "" {
		creds.auth.AccessToken, creds.source = password, "keyring"
		return creds, nil
	}

	if stored != nil {
		password, err := a.sealer.Open(stored.Email, stored.EncryptedAppPassword)
		if err != nil {
			return credentials{}, fmt.Errorf("failed to open stored password: %w", err)
		}
		creds.auth.AccessToken, creds.source = password, "store"
		return creds, nil
	}

	return credentials{}, fmt.Errorf("no app password for %s, run `mailctl login` or set %s", email, passwordEnv)
}

func (a *app) keyringPassword(email string) (string, error) {
	ring, err := a.openRing()
	if err != nil {
		a.logger.Debug().Err(err).Msg("Keyring unavailable")
		return "", nil
	}
	item, err := ring.Get(keyringKey(email))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting credential for %s: %w", email, err)
	}
	return string(item.Data), nil
}

func (a *app) storedAccount(ctx context.Context, email string) (*models.Account, error) {
	pool, _, err := a.store(ctx)
	if err != nil || pool == nil {
		return nil, err
	}
	account, err := db.GetAccountByEmail(ctx, pool, email)
	if errors.Is(err, db.ErrAccountNotFound) {
		return nil, nil
	}
	return account, err
}
