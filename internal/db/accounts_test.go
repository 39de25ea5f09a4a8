package db_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/maildriver/internal/db"
	"github.com/vdavid/maildriver/internal/models"
	"github.com/vdavid/maildriver/internal/testutil"
)

func TestAccounts(t *testing.T) {
	pool := testutil.NewTestDB(t)
	sealer := testutil.NewTestSealer(t)
	ctx := context.Background()

	userID, err := db.GetOrCreateUser(ctx, pool, "me@icloud.com")
	require.NoError(t, err)
	require.NotEmpty(t, userID)

	t.Run("GetOrCreateUser is stable", func(t *testing.T) {
		again, err := db.GetOrCreateUser(ctx, pool, "me@icloud.com")
		require.NoError(t, err)
		assert.Equal(t, userID, again)
	})

	t.Run("missing accounts", func(t *testing.T) {
		_, err := db.GetAccount(ctx, pool, userID)
		assert.ErrorIs(t, err, db.ErrAccountNotFound)

		_, err = db.GetAccountByEmail(ctx, pool, "nobody@icloud.com")
		assert.ErrorIs(t, err, db.ErrAccountNotFound)
	})

	sealed, err := sealer.Seal("me@icloud.com", "abcd-efgh-ijkl-mnop")
	require.NoError(t, err)

	t.Run("saves and reads back", func(t *testing.T) {
		require.NoError(t, db.SaveAccount(ctx, pool, &models.Account{
			UserID:               userID,
			Email:                "me@icloud.com",
			DisplayName:          "Me",
			EncryptedAppPassword: sealed,
		}))

		account, err := db.GetAccount(ctx, pool, userID)
		require.NoError(t, err)
		assert.Equal(t, "me@icloud.com", account.Email)
		assert.Equal(t, "Me", account.DisplayName)
		assert.Empty(t, account.Aliases)
		assert.False(t, account.CreatedAt.IsZero())

		password, err := sealer.Open(account.Email, account.EncryptedAppPassword)
		require.NoError(t, err)
		assert.Equal(t, "abcd-efgh-ijkl-mnop", password)
	})

	t.Run("upserts", func(t *testing.T) {
		require.NoError(t, db.SaveAccount(ctx, pool, &models.Account{
			UserID:               userID,
			Email:                "me@icloud.com",
			DisplayName:          "Me Again",
			EncryptedAppPassword: sealed,
			Aliases:              []string{"me@me.com", "me@mac.com"},
		}))

		account, err := db.GetAccountByEmail(ctx, pool, "ME@iCloud.com")
		require.NoError(t, err)
		assert.Equal(t, "Me Again", account.DisplayName)
		assert.Equal(t, []string{"me@me.com", "me@mac.com"}, account.Aliases)
	})

	t.Run("lists by address", func(t *testing.T) {
		otherID, err := db.GetOrCreateUser(ctx, pool, "alice@icloud.com")
		require.NoError(t, err)
		require.NoError(t, db.SaveAccount(ctx, pool, &models.Account{
			UserID:               otherID,
			Email:                "alice@icloud.com",
			EncryptedAppPassword: sealed,
		}))

		accounts, err := db.ListAccounts(ctx, pool)
		require.NoError(t, err)
		require.Len(t, accounts, 2)
		assert.Equal(t, "alice@icloud.com", accounts[0].Email)
		assert.Equal(t, "me@icloud.com", accounts[1].Email)
	})

	t.Run("deletes idempotently", func(t *testing.T) {
		require.NoError(t, db.DeleteAccount(ctx, pool, userID))
		require.NoError(t, db.DeleteAccount(ctx, pool, userID))

		_, err := db.GetAccount(ctx, pool, userID)
		assert.ErrorIs(t, err, db.ErrAccountNotFound)
	})
}
