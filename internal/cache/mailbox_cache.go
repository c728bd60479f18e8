package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"mockmail/backend/internal/domain"
)

// 默认容量与有效期
const (
	DefaultMaxSize = 10000
	DefaultTTL     = time.Minute
)

// LocalMailboxCache 进程内邮箱缓存（L1 缓存）
//
// 未配置 Redis 时替代 Redis 邮箱缓存。容量满时按 LRU 淘汰，条目到期自动失效。
// 多实例部署时各实例缓存互不同步，TTL 应保持较短。
type LocalMailboxCache struct {
	lru *expirable.LRU[string, domain.Mailbox]
}

// NewLocalMailboxCache 创建本地缓存
func NewLocalMailboxCache(maxSize int, ttl time.Duration) *LocalMailboxCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LocalMailboxCache{lru: expirable.NewLRU[string, domain.Mailbox](maxSize, nil, ttl)}
}

// Get 未命中时返回 (nil, nil)
func (c *LocalMailboxCache) Get(_ context.Context, address string) (*domain.Mailbox, error) {
	mailbox, ok := c.lru.Get(domain.NormalizeAddress(address))
	if !ok {
		return nil, nil
	}
	return &mailbox, nil
}

// Set 写入副本，调用方后续修改不会影响缓存
func (c *LocalMailboxCache) Set(_ context.Context, mailbox *domain.Mailbox) error {
	entry := *mailbox
	if mailbox.ExpiresAt != nil {
		expires := *mailbox.ExpiresAt
		entry.ExpiresAt = &expires
	}
	c.lru.Add(domain.NormalizeAddress(mailbox.Address), entry)
	return nil
}

// Invalidate 删除缓存
func (c *LocalMailboxCache) Invalidate(_ context.Context, address string) error {
	c.lru.Remove(domain.NormalizeAddress(address))
	return nil
}

// Len 当前条目数
func (c *LocalMailboxCache) Len() int {
	return c.lru.Len()
}
