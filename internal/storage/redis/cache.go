package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mockmail/backend/internal/domain"
)

// MailboxCache 按地址缓存邮箱记录
type MailboxCache struct {
	client *Client
	ttl    time.Duration
}

// NewMailboxCache 创建邮箱缓存
func NewMailboxCache(client *Client, ttl time.Duration) *MailboxCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MailboxCache{client: client, ttl: ttl}
}

func mailboxKey(address string) string {
	return fmt.Sprintf("mailbox:addr:%s", domain.NormalizeAddress(address))
}

// Get 读取缓存，未命中时返回 (nil, nil)
func (c *MailboxCache) Get(ctx context.Context, address string) (*domain.Mailbox, error) {
	data, err := c.client.Get(ctx, mailboxKey(address))
	if err != nil {
		if IsNil(err) {
			return nil, nil
		}
		return nil, err
	}

	var mailbox domain.Mailbox
	if err := json.Unmarshal(data, &mailbox); err != nil {
		return nil, err
	}
	return &mailbox, nil
}

// Set 写入缓存
func (c *MailboxCache) Set(ctx context.Context, mailbox *domain.Mailbox) error {
	data, err := json.Marshal(mailbox)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, mailboxKey(mailbox.Address), data, c.ttl)
}

// Invalidate 删除缓存
func (c *MailboxCache) Invalidate(ctx context.Context, address string) error {
	return c.client.Del(ctx, mailboxKey(address))
}
