package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/monitoring"
)

// ErrUnresolvedOwner 收件地址不存在且发件人不是已知账户
var ErrUnresolvedOwner = errors.New("unresolved mailbox owner")

// MailboxStore 解析器依赖的仓储
type MailboxStore interface {
	domain.MailboxRepository
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
}

// Resolution 解析结果
type Resolution struct {
	Mailbox *domain.Mailbox
	// Created 表示本次自动创建了邮箱
	Created bool
	// Reactivated 表示本次将已过期的邮箱重新激活
	Reactivated bool
}

// Resolver 将收件地址解析为归属邮箱
type Resolver struct {
	store    MailboxStore
	lifetime time.Duration
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewResolver 创建邮箱解析器
func NewResolver(store MailboxStore, lifetime time.Duration, metrics *monitoring.Metrics, log *zap.Logger) *Resolver {
	if lifetime <= 0 {
		lifetime = domain.DefaultMailboxLifetime
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		store:    store,
		lifetime: lifetime,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// Resolve 按优先级解析：
//  1. 地址已有邮箱（含已过期）则无论发件人是谁都投递到该邮箱，必要时续期；
//  2. 否则发件人是已知账户时为其创建邮箱；
//  3. 否则返回 ErrUnresolvedOwner。
//
// from 为空表示发件人地址无法识别，跳过第 2 步。
func (r *Resolver) Resolve(ctx context.Context, from, to string) (*Resolution, error) {
	res, err := r.lookup(ctx, to)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, domain.ErrMailboxNotFound) {
		return nil, err
	}
	if from == "" {
		return nil, ErrUnresolvedOwner
	}

	account, err := r.store.GetAccountByEmail(ctx, from)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, ErrUnresolvedOwner
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}

	expires := r.now().UTC().Add(r.lifetime)
	mailbox := &domain.Mailbox{
		Address:   to,
		OwnerID:   account.ID,
		ExpiresAt: &expires,
	}
	err = r.store.CreateMailbox(ctx, mailbox)
	if errors.Is(err, domain.ErrMailboxExists) {
		// 并发创建，另一方已写入，回到第 1 步
		r.log.Debug("mailbox created concurrently, retrying lookup", zap.String("address", to))
		return r.lookup(ctx, to)
	}
	if err != nil {
		return nil, fmt.Errorf("create mailbox: %w", err)
	}

	r.metrics.RecordMailboxCreated()
	r.log.Info("mailbox created",
		zap.String("mailbox_id", mailbox.ID),
		zap.String("address", to),
		zap.String("account_id", account.ID),
	)
	return &Resolution{Mailbox: mailbox, Created: true}, nil
}

// lookup 按地址查找邮箱，过期则条件续期
func (r *Resolver) lookup(ctx context.Context, address string) (*Resolution, error) {
	mailbox, err := r.store.GetMailboxByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	if !mailbox.NeedsReactivation(now) {
		return &Resolution{Mailbox: mailbox}, nil
	}

	until := now.Add(r.lifetime)
	extended, err := r.store.ExtendMailboxExpiry(ctx, mailbox.ID, now, until)
	if err != nil {
		return nil, fmt.Errorf("extend mailbox expiry: %w", err)
	}
	if !extended {
		// 其他写入方已续期，以存储中的值为准
		current, err := r.store.GetMailbox(ctx, mailbox.ID)
		if err != nil {
			return nil, fmt.Errorf("reload mailbox: %w", err)
		}
		return &Resolution{Mailbox: current}, nil
	}

	mailbox.ExpiresAt = &until
	r.metrics.RecordMailboxReactivated()
	r.log.Info("mailbox reactivated",
		zap.String("mailbox_id", mailbox.ID),
		zap.String("address", address),
		zap.Time("expires_at", until),
	)
	return &Resolution{Mailbox: mailbox, Reactivated: true}, nil
}
