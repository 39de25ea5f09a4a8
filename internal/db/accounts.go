package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/maildriver/internal/models"
)

// ErrAccountNotFound is returned when no account is stored for a user or address.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `user_id, email, display_name, encrypted_app_password, aliases, created_at, updated_at`

// GetOrCreateUser returns the user id for the given email, creating the user if needed.
func GetOrCreateUser(ctx context.Context, pool *pgxpool.Pool, email string) (string, error) {
	var userID string

	err := pool.QueryRow(ctx, `
		INSERT INTO users (email)
		VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id
	`, email).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("failed to get or create user: %w", err)
	}

	return userID, nil
}

// SaveAccount inserts or replaces the account of account.UserID.
// The password must already be sealed.
func SaveAccount(ctx context.Context, pool *pgxpool.Pool, account *models.Account) error {
	aliases := account.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO accounts (user_id, email, display_name, encrypted_app_password, aliases)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			encrypted_app_password = EXCLUDED.encrypted_app_password,
			aliases = EXCLUDED.aliases,
			updated_at = now()
	`, account.UserID, account.Email, account.DisplayName, account.EncryptedAppPassword, aliases)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}

// GetAccount returns the account stored for a user.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, userID string) (*models.Account, error) {
	row := pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
	return scanAccount(row)
}

// GetAccountByEmail looks an account up by address, case-insensitively.
func GetAccountByEmail(ctx context.Context, pool *pgxpool.Pool, email string) (*models.Account, error) {
	row := pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, email)
	return scanAccount(row)
}

// ListAccounts returns every stored account ordered by address.
func ListAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY lower(email)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	return accounts, nil
}

// DeleteAccount removes the account of a user. Deleting a missing account is not an error.
func DeleteAccount(ctx context.Context, pool *pgxpool.Pool, userID string) error {
	if _, err := pool.Exec(ctx, `DELETE FROM accounts WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var account models.Account

	err := row.Scan(
		&account.UserID,
		&account.Email,
		&account.DisplayName,
		&account.EncryptedAppPassword,
		&account.Aliases,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	return &account, nil
}
