package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/storage/memory"
)

func TestAccountService_CreateAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("签发可查找的Key", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewAccountService(store)

		account, key, err := svc.CreateAccount(ctx, " Alice <Alice@Example.com> ", "Alice")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, apiKeyPrefix))
		assert.Equal(t, "alice@example.com", account.Email)
		assert.NotEqual(t, key, account.APIKeyHash)

		found, err := store.GetAccountByAPIKeyHash(ctx, domain.HashAPIKey(key))
		require.NoError(t, err)
		assert.Equal(t, account.ID, found.ID)
	})

	t.Run("重复邮箱", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewAccountService(store)

		_, _, err := svc.CreateAccount(ctx, "bob@example.com", "")
		require.NoError(t, err)
		_, _, err = svc.CreateAccount(ctx, "BOB@example.com", "")
		assert.ErrorIs(t, err, domain.ErrAccountExists)
	})

	t.Run("非法邮箱", func(t *testing.T) {
		svc := NewAccountService(memory.NewStore())
		_, _, err := svc.CreateAccount(ctx, "not-an-email", "")
		assert.ErrorIs(t, err, ErrInvalidAccountEmail)
	})
}
