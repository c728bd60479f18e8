package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockmail/backend/internal/domain"
)

func TestLocalMailboxCache(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("命中与失效", func(t *testing.T) {
		c := NewLocalMailboxCache(10, time.Minute)

		got, err := c.Get(ctx, "a@mockmail.dev")
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, c.Set(ctx, &domain.Mailbox{ID: "m1", Address: "a@mockmail.dev", ExpiresAt: &expires}))

		got, err = c.Get(ctx, " A@MockMail.dev ")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "m1", got.ID)

		require.NoError(t, c.Invalidate(ctx, "a@mockmail.dev"))
		got, err = c.Get(ctx, "a@mockmail.dev")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("缓存的是副本", func(t *testing.T) {
		c := NewLocalMailboxCache(10, time.Minute)
		mailbox := &domain.Mailbox{ID: "m1", Address: "a@mockmail.dev", ExpiresAt: &expires}
		require.NoError(t, c.Set(ctx, mailbox))

		later := expires.Add(time.Hour)
		*mailbox.ExpiresAt = later

		got, err := c.Get(ctx, "a@mockmail.dev")
		require.NoError(t, err)
		assert.Equal(t, expires, *got.ExpiresAt)
	})

	t.Run("容量满时淘汰最久未用", func(t *testing.T) {
		c := NewLocalMailboxCache(2, time.Minute)
		require.NoError(t, c.Set(ctx, &domain.Mailbox{ID: "1", Address: "a@mockmail.dev"}))
		require.NoError(t, c.Set(ctx, &domain.Mailbox{ID: "2", Address: "b@mockmail.dev"}))
		require.NoError(t, c.Set(ctx, &domain.Mailbox{ID: "3", Address: "c@mockmail.dev"}))

		assert.Equal(t, 2, c.Len())
		got, _ := c.Get(ctx, "a@mockmail.dev")
		assert.Nil(t, got)
	})

	t.Run("过期条目不返回", func(t *testing.T) {
		c := NewLocalMailboxCache(10, 20*time.Millisecond)
		require.NoError(t, c.Set(ctx, &domain.Mailbox{ID: "1", Address: "a@mockmail.dev"}))
		assert.Eventually(t, func() bool {
			got, _ := c.Get(ctx, "a@mockmail.dev")
			return got == nil
		}, time.Second, 10*time.Millisecond)
	})
}
