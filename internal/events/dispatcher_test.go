package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"mockmail/backend/internal/domain"
)

type mockTrigger struct {
	mock.Mock
}

func (m *mockTrigger) Trigger(ctx context.Context, accountID string, event domain.EventType, data map[string]interface{}) error {
	args := m.Called(ctx, accountID, event, data)
	return args.Error(0)
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	mailbox := &domain.Mailbox{ID: "box-1", Address: "a@mockmail.dev", OwnerID: "acc-1", ExpiresAt: &expires}
	message := &domain.Message{
		ID:         "msg-1",
		MailboxID:  "box-1",
		OwnerID:    "acc-1",
		From:       "sender@example.com",
		To:         "a@mockmail.dev",
		Subject:    "Token: ABC123",
		Token:      "ABC123",
		ThreadID:   "msg-1",
		ReceivedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		OpenCount:  2,
	}

	t.Run("邮件入库事件", func(t *testing.T) {
		trigger := new(mockTrigger)
		trigger.On("Trigger", ctx, "acc-1", domain.EventEmailReceived, map[string]interface{}{
			"emailId":  "msg-1",
			"from":     "sender@example.com",
			"to":       "a@mockmail.dev",
			"subject":  "Token: ABC123",
			"date":     "2024-05-01T10:00:00Z",
			"boxId":    "box-1",
			"threadId": "msg-1",
			"token":    "ABC123",
		}).Return(nil).Once()

		NewDispatcher(trigger, nil).EmailReceived(ctx, mailbox, message)
		trigger.AssertExpectations(t)
	})

	t.Run("邮箱创建与删除事件", func(t *testing.T) {
		trigger := new(mockTrigger)
		trigger.On("Trigger", ctx, "acc-1", domain.EventMailboxCreated, map[string]interface{}{
			"boxId":     "box-1",
			"address":   "a@mockmail.dev",
			"expiresAt": "2024-05-02T10:00:00Z",
		}).Return(nil).Once()
		trigger.On("Trigger", ctx, "acc-1", domain.EventBoxDeleted, map[string]interface{}{
			"boxId":   "box-1",
			"address": "a@mockmail.dev",
		}).Return(nil).Once()

		d := NewDispatcher(trigger, nil)
		d.MailboxCreated(ctx, mailbox)
		d.BoxDeleted(ctx, mailbox)
		trigger.AssertExpectations(t)
	})

	t.Run("追踪事件", func(t *testing.T) {
		trigger := new(mockTrigger)
		trigger.On("Trigger", ctx, "acc-1", domain.EventEmailOpened, map[string]interface{}{
			"emailId":   "msg-1",
			"boxId":     "box-1",
			"openCount": 2,
		}).Return(nil).Once()
		trigger.On("Trigger", ctx, "acc-1", domain.EventEmailClicked, map[string]interface{}{
			"emailId": "msg-1",
			"boxId":   "box-1",
			"url":     "https://example.com",
		}).Return(nil).Once()

		d := NewDispatcher(trigger, nil)
		d.EmailOpened(ctx, message)
		d.EmailClicked(ctx, message, "https://example.com")
		trigger.AssertExpectations(t)
	})

	t.Run("投递错误不向上传播", func(t *testing.T) {
		trigger := new(mockTrigger)
		trigger.On("Trigger", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("boom")).Once()

		assert.NotPanics(t, func() {
			NewDispatcher(trigger, nil).BoxDeleted(ctx, mailbox)
		})
		trigger.AssertExpectations(t)
	})

	t.Run("未配置投递端", func(t *testing.T) {
		assert.NotPanics(t, func() {
			NewDispatcher(nil, nil).EmailReceived(ctx, mailbox, message)
		})
	})
}
