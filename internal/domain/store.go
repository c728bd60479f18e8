package domain

import (
	"context"
	"time"
)

// MailboxRepository 邮箱仓储接口
type MailboxRepository interface {
	// GetMailboxByAddress 按地址查找邮箱（包含已过期但尚未清理的邮箱）
	GetMailboxByAddress(ctx context.Context, address string) (*Mailbox, error)
	GetMailbox(ctx context.Context, id string) (*Mailbox, error)
	// CreateMailbox 地址已存在时返回 ErrMailboxExists
	CreateMailbox(ctx context.Context, mailbox *Mailbox) error
	// ExtendMailboxExpiry 条件续期：仅当邮箱在写入时刻仍处于过期或未设置过期状态时才更新。
	// 返回 false 表示条件不满足（已被其他写入方续期）。
	ExtendMailboxExpiry(ctx context.Context, id string, now, until time.Time) (bool, error)
	DeleteMailbox(ctx context.Context, id string) error
	// DeleteExpiredMailboxes 删除 expiresAt <= before 的邮箱及其邮件，返回被删除的邮箱
	DeleteExpiredMailboxes(ctx context.Context, before time.Time) ([]Mailbox, error)
}

// AccountRepository 账户仓储接口
type AccountRepository interface {
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccountByAPIKeyHash(ctx context.Context, hash string) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) error
}

// MessageRepository 邮件仓储接口
type MessageRepository interface {
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetMessageByDedupKey(ctx context.Context, key string) (*Message, error)
	// CreateMessage 去重键冲突时返回 ErrDuplicateMessage
	CreateMessage(ctx context.Context, message *Message) error
	UpdateMessageHTML(ctx context.Context, id, html string) error
	RecordOpen(ctx context.Context, id string, at time.Time) (*Message, error)
	RecordClick(ctx context.Context, id string) (*Message, error)
	ListThread(ctx context.Context, threadID string) ([]Message, error)
	// LatestMessage 返回满足条件的最近入库的一封邮件，没有时返回 ErrMessageNotFound
	LatestMessage(ctx context.Context, filter MessageFilter) (*Message, error)
	// ListMessages 按入库时间倒序分页列出邮件，同时返回总数
	ListMessages(ctx context.Context, filter MessageFilter, offset, limit int) ([]Message, int64, error)
	DeleteMessage(ctx context.Context, id string) error
}

// WebhookRepository Webhook 仓储接口
type WebhookRepository interface {
	CreateWebhook(ctx context.Context, webhook *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListWebhooks(ctx context.Context, ownerID string) ([]Webhook, error)
	// ListActiveWebhooks 返回指定账户下状态为 active 且订阅了该事件的 Webhook
	ListActiveWebhooks(ctx context.Context, ownerID string, event EventType) ([]Webhook, error)
	UpdateWebhook(ctx context.Context, webhook *Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	// MarkWebhookSuccess 清空 lastError 并记录 lastTriggeredAt
	MarkWebhookSuccess(ctx context.Context, id string, at time.Time) error
	MarkWebhookFailure(ctx context.Context, id string, lastError string) error
	SetWebhookStatus(ctx context.Context, id string, status WebhookStatus) error
}

// DeliveryRepository 投递审计仓储接口
type DeliveryRepository interface {
	RecordDelivery(ctx context.Context, delivery *Delivery) error
	CountFailedDeliveries(ctx context.Context, webhookID string, since time.Time) (int64, error)
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error)
	DeliveryStats(ctx context.Context, webhookID string) (*DeliveryStats, error)
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store 聚合所有仓储
type Store interface {
	MailboxRepository
	AccountRepository
	MessageRepository
	WebhookRepository
	DeliveryRepository

	Health(ctx context.Context) error
	Close() error
}
