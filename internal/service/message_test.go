package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/storage/memory"
)

func seedMessages(t *testing.T, store *memory.Store) map[string]*domain.Message {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	out := make(map[string]*domain.Message)
	add := func(name, owner, to, from, subject string, offset time.Duration, threadID string) {
		m := &domain.Message{
			MailboxID: "mb-" + to, OwnerID: owner, To: to, From: from, Subject: subject,
			ReceivedAt: base.Add(offset), StoredAt: base.Add(offset),
		}
		if threadID != "" {
			m.ThreadID = out[threadID].ID
		}
		require.NoError(t, store.CreateMessage(ctx, m))
		out[name] = m
	}
	add("first", "acc-1", "box@mockmail.dev", "app@example.com", "Your code 111111", 0, "")
	add("reply", "acc-1", "box@mockmail.dev", "app@example.com", "Re: Your code", time.Minute, "first")
	add("other", "acc-1", "box@mockmail.dev", "news@example.com", "Weekly digest", 2*time.Minute, "")
	add("foreign", "acc-2", "box@mockmail.dev", "app@example.com", "Your code 999999", 3*time.Minute, "first")
	return out
}

func TestMessageService(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	msgs := seedMessages(t, store)
	svc := NewMessageService(store, nil)

	t.Run("按邮箱和发件人取最新", func(t *testing.T) {
		got, err := svc.Latest(ctx, "acc-1", " BOX@mockmail.dev ", "APP@example.com")
		require.NoError(t, err)
		assert.Equal(t, msgs["reply"].ID, got.ID)

		got, err = svc.Latest(ctx, "acc-1", "box@mockmail.dev", "")
		require.NoError(t, err)
		assert.Equal(t, msgs["other"].ID, got.ID)
	})

	t.Run("按主题取最新", func(t *testing.T) {
		got, err := svc.LatestBySubject(ctx, "acc-1", "box@mockmail.dev", "your CODE", "")
		require.NoError(t, err)
		assert.Equal(t, msgs["reply"].ID, got.ID)

		_, err = svc.LatestBySubject(ctx, "acc-1", "box@mockmail.dev", "invoice", "")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
		_, err = svc.LatestBySubject(ctx, "acc-1", "box@mockmail.dev", "  ", "")
		assert.ErrorIs(t, err, ErrMissingSubject)
	})

	t.Run("缺少邮箱地址", func(t *testing.T) {
		_, err := svc.Latest(ctx, "acc-1", "", "app@example.com")
		assert.ErrorIs(t, err, ErrMissingAddress)
	})

	t.Run("不返回其他账户的邮件", func(t *testing.T) {
		_, err := svc.Get(ctx, "acc-1", msgs["foreign"].ID)
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
		assert.ErrorIs(t, svc.Delete(ctx, "acc-1", msgs["foreign"].ID), domain.ErrMessageNotFound)

		got, err := svc.Get(ctx, "acc-2", msgs["foreign"].ID)
		require.NoError(t, err)
		assert.Equal(t, "Your code 999999", got.Subject)
	})

	t.Run("会话只包含本账户邮件且按时间排序", func(t *testing.T) {
		thread, err := svc.Thread(ctx, "acc-1", msgs["reply"].ID)
		require.NoError(t, err)
		require.Len(t, thread, 2)
		assert.Equal(t, msgs["first"].ID, thread[0].ID)
		assert.Equal(t, msgs["reply"].ID, thread[1].ID)
	})

	t.Run("分页", func(t *testing.T) {
		page, err := svc.List(ctx, "acc-1", "", 2, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(3), page.Total)
		assert.Equal(t, 2, page.TotalPages)
		require.Len(t, page.Messages, 1)
		assert.Equal(t, msgs["first"].ID, page.Messages[0].ID)

		page, err = svc.List(ctx, "acc-1", "", 0, 1000)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Page)
		assert.Equal(t, maxMessageLimit, page.Limit)
	})

	t.Run("删除", func(t *testing.T) {
		require.NoError(t, svc.Delete(ctx, "acc-1", msgs["other"].ID))
		_, err := svc.Get(ctx, "acc-1", msgs["other"].ID)
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	})
}
