package hybrid

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
)

// MailboxCache 邮箱地址缓存
type MailboxCache interface {
	// Get 未命中时返回 (nil, nil)
	Get(ctx context.Context, address string) (*domain.Mailbox, error)
	Set(ctx context.Context, mailbox *domain.Mailbox) error
	Invalidate(ctx context.Context, address string) error
}

// Store 混合存储实现：关系型数据库为准，Redis 缓存按地址查找邮箱的热路径
//
// 缓存读写失败只记录日志，不会让写操作失败。
type Store struct {
	domain.Store
	cache MailboxCache
	log   *zap.Logger
}

// NewStore 创建混合存储实例
func NewStore(primary domain.Store, cache MailboxCache, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{Store: primary, cache: cache, log: log}
}

// ========== Mailbox Repository ==========

// GetMailboxByAddress 先查缓存，未命中时回源并回填
func (s *Store) GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error) {
	if cached, err := s.cache.Get(ctx, address); err != nil {
		s.log.Warn("mailbox cache read failed", zap.String("address", address), zap.Error(err))
	} else if cached != nil {
		return cached, nil
	}

	mailbox, err := s.Store.GetMailboxByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, mailbox); err != nil {
		s.log.Warn("mailbox cache write failed", zap.String("address", address), zap.Error(err))
	}
	return mailbox, nil
}

// CreateMailbox 创建邮箱并清除可能存在的旧缓存
func (s *Store) CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	if err := s.Store.CreateMailbox(ctx, mailbox); err != nil {
		return err
	}
	s.invalidate(ctx, mailbox.Address)
	return nil
}

// ExtendMailboxExpiry 续期成功后清除缓存
func (s *Store) ExtendMailboxExpiry(ctx context.Context, id string, now, until time.Time) (bool, error) {
	ok, err := s.Store.ExtendMailboxExpiry(ctx, id, now, until)
	if err != nil || !ok {
		return ok, err
	}
	if mailbox, err := s.Store.GetMailbox(ctx, id); err == nil {
		s.invalidate(ctx, mailbox.Address)
	}
	return true, nil
}

// DeleteMailbox 删除邮箱并清除缓存
func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	mailbox, err := s.Store.GetMailbox(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteMailbox(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, mailbox.Address)
	return nil
}

// DeleteExpiredMailboxes 删除过期邮箱并逐个清除缓存
func (s *Store) DeleteExpiredMailboxes(ctx context.Context, before time.Time) ([]domain.Mailbox, error) {
	removed, err := s.Store.DeleteExpiredMailboxes(ctx, before)
	if err != nil {
		return nil, err
	}
	for _, m := range removed {
		s.invalidate(ctx, m.Address)
	}
	return removed, nil
}

func (s *Store) invalidate(ctx context.Context, address string) {
	if err := s.cache.Invalidate(ctx, address); err != nil {
		s.log.Warn("mailbox cache invalidate failed", zap.String("address", address), zap.Error(err))
	}
}
