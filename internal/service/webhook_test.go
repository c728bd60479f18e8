package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/storage/memory"
	"mockmail/backend/internal/webhook"
)

// MockEngine 模拟投递引擎
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Test(ctx context.Context, webhookID string) (*webhook.TestResult, error) {
	args := m.Called(ctx, webhookID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*webhook.TestResult), args.Error(1)
}

func (m *MockEngine) Cancel(webhookID string) int {
	args := m.Called(webhookID)
	return args.Int(0)
}

func intPtr(v int) *int { return &v }

func newWebhookService(t *testing.T) (*WebhookService, *memory.Store, *MockEngine) {
	t.Helper()
	store := memory.NewStore()
	engine := new(MockEngine)
	return NewWebhookService(store, engine, nil), store, engine
}

func TestWebhookService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("生成密钥并使用默认重试次数", func(t *testing.T) {
		svc, _, _ := newWebhookService(t)
		hook, err := svc.CreateWebhook(ctx, CreateWebhookInput{
			OwnerID: "acct-1",
			URL:     "https://hooks.example.com/in",
			Events:  []string{"email_received", "EMAIL_RECEIVED", "box_deleted"},
		})
		require.NoError(t, err)

		assert.True(t, strings.HasPrefix(hook.Secret, "whsec_"))
		assert.Len(t, hook.Secret, len("whsec_")+64)
		assert.Equal(t, domain.DefaultWebhookRetryCount, hook.RetryCount)
		assert.Equal(t, domain.WebhookStatusActive, hook.Status)
		assert.Equal(t, []string{"email_received", "box_deleted"}, hook.Events)
	})

	t.Run("重试次数被限制在0到10", func(t *testing.T) {
		svc, _, _ := newWebhookService(t)
		high, err := svc.CreateWebhook(ctx, CreateWebhookInput{
			OwnerID: "acct-1", URL: "https://a.example.com", Events: []string{"email_received"}, RetryCount: intPtr(50),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.MaxWebhookRetryCount, high.RetryCount)

		low, err := svc.CreateWebhook(ctx, CreateWebhookInput{
			OwnerID: "acct-1", URL: "https://a.example.com", Events: []string{"email_received"}, RetryCount: intPtr(-2),
		})
		require.NoError(t, err)
		assert.Equal(t, 0, low.RetryCount)
	})

	t.Run("过滤敏感头部", func(t *testing.T) {
		svc, _, _ := newWebhookService(t)
		hook, err := svc.CreateWebhook(ctx, CreateWebhookInput{
			OwnerID: "acct-1",
			URL:     "https://a.example.com",
			Events:  []string{"email_received"},
			Headers: domain.NewHeaders("X-Team", "qa", "Authorization", "Bearer x", "X-Forwarded-For", "1.2.3.4"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"X-Team"}, hook.Headers.Keys())
	})

	t.Run("拒绝非法输入", func(t *testing.T) {
		svc, _, _ := newWebhookService(t)
		testCases := []struct {
			name  string
			input CreateWebhookInput
			want  error
		}{
			{"ftp协议", CreateWebhookInput{URL: "ftp://a.example.com", Events: []string{"email_received"}}, ErrInvalidWebhookURL},
			{"相对地址", CreateWebhookInput{URL: "/hooks", Events: []string{"email_received"}}, ErrInvalidWebhookURL},
			{"未知事件", CreateWebhookInput{URL: "https://a.example.com", Events: []string{"email_sent"}}, ErrInvalidWebhookEvent},
			{"test事件不可订阅", CreateWebhookInput{URL: "https://a.example.com", Events: []string{"test"}}, ErrInvalidWebhookEvent},
			{"空事件", CreateWebhookInput{URL: "https://a.example.com"}, ErrNoWebhookEvents},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := svc.CreateWebhook(ctx, tc.input)
				assert.ErrorIs(t, err, tc.want)
			})
		}
	})
}

func TestWebhookService_Manage(t *testing.T) {
	ctx := context.Background()

	create := func(t *testing.T, svc *WebhookService) *domain.Webhook {
		t.Helper()
		hook, err := svc.CreateWebhook(ctx, CreateWebhookInput{
			OwnerID: "acct-1", URL: "https://a.example.com", Events: []string{"email_received"},
		})
		require.NoError(t, err)
		return hook
	}

	t.Run("其他账户不可见", func(t *testing.T) {
		svc, _, _ := newWebhookService(t)
		hook := create(t, svc)

		_, err := svc.GetWebhook(ctx, "acct-2", hook.ID)
		assert.ErrorIs(t, err, domain.ErrWebhookNotFound)
		err = svc.DeleteWebhook(ctx, "acct-2", hook.ID)
		assert.ErrorIs(t, err, domain.ErrWebhookNotFound)

		list, err := svc.ListWebhooks(ctx, "acct-2")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("暂停与手动恢复", func(t *testing.T) {
		svc, store, _ := newWebhookService(t)
		hook := create(t, svc)

		paused, err := svc.UpdateWebhook(ctx, "acct-1", hook.ID, UpdateWebhookInput{Status: "paused"})
		require.NoError(t, err)
		assert.Equal(t, domain.WebhookStatusPaused, paused.Status)

		require.NoError(t, store.MarkWebhookFailure(ctx, hook.ID, "HTTP 500: boom"))
		require.NoError(t, store.SetWebhookStatus(ctx, hook.ID, domain.WebhookStatusFailed))

		revived, err := svc.UpdateWebhook(ctx, "acct-1", hook.ID, UpdateWebhookInput{Status: "active"})
		require.NoError(t, err)
		assert.Equal(t, domain.WebhookStatusActive, revived.Status)
		assert.Empty(t, revived.LastError)

		_, err = svc.UpdateWebhook(ctx, "acct-1", hook.ID, UpdateWebhookInput{Status: "failed"})
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("更新字段", func(t *testing.T) {
		svc, _, _ := newWebhookService(t)
		hook := create(t, svc)
		name := "ci"

		updated, err := svc.UpdateWebhook(ctx, "acct-1", hook.ID, UpdateWebhookInput{
			Name:       &name,
			URL:        "http://b.example.com/hook",
			Events:     []string{"email_opened"},
			RetryCount: intPtr(11),
		})
		require.NoError(t, err)
		assert.Equal(t, "ci", updated.Name)
		assert.Equal(t, "http://b.example.com/hook", updated.URL)
		assert.Equal(t, []string{"email_opened"}, updated.Events)
		assert.Equal(t, domain.MaxWebhookRetryCount, updated.RetryCount)
		assert.Equal(t, hook.Secret, updated.Secret)

		_, err = svc.UpdateWebhook(ctx, "acct-1", hook.ID, UpdateWebhookInput{Events: []string{}})
		assert.ErrorIs(t, err, ErrNoWebhookEvents)
	})

	t.Run("删除时撤销重试", func(t *testing.T) {
		svc, store, engine := newWebhookService(t)
		hook := create(t, svc)
		engine.On("Cancel", hook.ID).Return(2).Once()

		require.NoError(t, svc.DeleteWebhook(ctx, "acct-1", hook.ID))

		_, err := store.GetWebhook(ctx, hook.ID)
		assert.ErrorIs(t, err, domain.ErrWebhookNotFound)
		engine.AssertExpectations(t)
	})

	t.Run("测试投递", func(t *testing.T) {
		svc, _, engine := newWebhookService(t)
		hook := create(t, svc)
		engine.On("Test", mock.Anything, hook.ID).Return(&webhook.TestResult{Success: true, ResponseCode: 200}, nil).Once()

		res, err := svc.TestWebhook(ctx, "acct-1", hook.ID)
		require.NoError(t, err)
		assert.True(t, res.Success)

		_, err = svc.TestWebhook(ctx, "acct-2", hook.ID)
		assert.ErrorIs(t, err, domain.ErrWebhookNotFound)
		engine.AssertExpectations(t)
	})

	t.Run("投递记录与统计", func(t *testing.T) {
		svc, store, _ := newWebhookService(t)
		hook := create(t, svc)
		for i := 0; i < 30; i++ {
			require.NoError(t, store.RecordDelivery(ctx, &domain.Delivery{
				WebhookID:  hook.ID,
				Event:      domain.EventEmailReceived,
				Attempt:    1,
				Success:    i%3 != 0,
				DurationMs: 100,
			}))
		}

		list, err := svc.GetDeliveries(ctx, "acct-1", hook.ID, 0)
		require.NoError(t, err)
		assert.Len(t, list, defaultDeliveryLimit)

		list, err = svc.GetDeliveries(ctx, "acct-1", hook.ID, 1000)
		require.NoError(t, err)
		assert.Len(t, list, 30)

		stats, err := svc.GetStats(ctx, "acct-1", hook.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(30), stats.Total)
		assert.Equal(t, int64(20), stats.Successful)
		assert.Equal(t, int64(10), stats.Failed)
		assert.Equal(t, int64(100), stats.AvgDurationMs)
	})
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, validateURL("https://hooks.example.com/a?b=c"))
	assert.NoError(t, validateURL(" http://10.0.0.1:8080/x "))
	assert.True(t, errors.Is(validateURL("javascript:alert(1)"), ErrInvalidWebhookURL))
	assert.True(t, errors.Is(validateURL("https://"), ErrInvalidWebhookURL))
}
