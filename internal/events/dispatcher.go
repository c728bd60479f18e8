package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
)

// Trigger 事件投递端，由 webhook.Engine 实现
type Trigger interface {
	Trigger(ctx context.Context, accountID string, event domain.EventType, data map[string]interface{}) error
}

// Dispatcher 将管道里程碑转换为 Webhook 事件
//
// 投递失败只记录日志，从不影响调用方。
type Dispatcher struct {
	trigger Trigger
	log     *zap.Logger
}

// NewDispatcher 创建事件分发器
func NewDispatcher(trigger Trigger, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{trigger: trigger, log: log}
}

// MailboxCreated 邮箱被自动创建
func (d *Dispatcher) MailboxCreated(ctx context.Context, mailbox *domain.Mailbox) {
	data := map[string]interface{}{
		"boxId":   mailbox.ID,
		"address": mailbox.Address,
	}
	if mailbox.ExpiresAt != nil {
		data["expiresAt"] = mailbox.ExpiresAt.UTC().Format(time.RFC3339)
	}
	d.emit(ctx, mailbox.OwnerID, domain.EventMailboxCreated, data)
}

// EmailReceived 新邮件入库
func (d *Dispatcher) EmailReceived(ctx context.Context, mailbox *domain.Mailbox, message *domain.Message) {
	d.emit(ctx, message.OwnerID, domain.EventEmailReceived, map[string]interface{}{
		"emailId":  message.ID,
		"from":     message.From,
		"to":       message.To,
		"subject":  message.Subject,
		"date":     message.ReceivedAt.UTC().Format(time.RFC3339),
		"boxId":    mailbox.ID,
		"threadId": message.ThreadID,
		"token":    message.Token,
	})
}

// EmailOpened 追踪像素被加载
func (d *Dispatcher) EmailOpened(ctx context.Context, message *domain.Message) {
	d.emit(ctx, message.OwnerID, domain.EventEmailOpened, map[string]interface{}{
		"emailId":   message.ID,
		"boxId":     message.MailboxID,
		"openCount": message.OpenCount,
	})
}

// EmailClicked 追踪链接被点击
func (d *Dispatcher) EmailClicked(ctx context.Context, message *domain.Message, url string) {
	d.emit(ctx, message.OwnerID, domain.EventEmailClicked, map[string]interface{}{
		"emailId": message.ID,
		"boxId":   message.MailboxID,
		"url":     url,
	})
}

// BoxDeleted 邮箱被删除
func (d *Dispatcher) BoxDeleted(ctx context.Context, mailbox *domain.Mailbox) {
	d.emit(ctx, mailbox.OwnerID, domain.EventBoxDeleted, map[string]interface{}{
		"boxId":   mailbox.ID,
		"address": mailbox.Address,
	})
}

func (d *Dispatcher) emit(ctx context.Context, accountID string, event domain.EventType, data map[string]interface{}) {
	if d.trigger == nil || accountID == "" {
		return
	}
	if err := d.trigger.Trigger(ctx, accountID, event, data); err != nil {
		d.log.Warn("failed to trigger webhooks",
			zap.String("account_id", accountID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}
