package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/maildriver/internal/crypto"
)

// NewTestSealer returns a Sealer with a fixed key, shared across test packages.
func NewTestSealer(t *testing.T) *crypto.Sealer {
	t.Helper()

	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}

	sealer, err := crypto.NewSealer(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}
	return sealer
}
