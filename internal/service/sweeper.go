package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/monitoring"
)

// SweepStore 清理任务依赖的仓储
type SweepStore interface {
	DeleteExpiredMailboxes(ctx context.Context, before time.Time) ([]domain.Mailbox, error)
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BoxNotifier 邮箱删除通知
type BoxNotifier interface {
	BoxDeleted(ctx context.Context, mailbox *domain.Mailbox)
}

// SweeperOptions 清理参数
type SweeperOptions struct {
	Grace             time.Duration // 过期多久后删除邮箱
	Interval          time.Duration
	DeliveryRetention time.Duration
	RetentionInterval time.Duration
}

// Sweeper 定期删除过期邮箱与过旧的投递记录
type Sweeper struct {
	store    SweepStore
	notifier BoxNotifier
	opts     SweeperOptions
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewSweeper 创建清理任务
func NewSweeper(store SweepStore, notifier BoxNotifier, opts SweeperOptions, metrics *monitoring.Metrics, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = time.Hour
	}
	if opts.DeliveryRetention <= 0 {
		opts.DeliveryRetention = 30 * 24 * time.Hour
	}
	return &Sweeper{
		store:    store,
		notifier: notifier,
		opts:     opts,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// Run 按各自间隔执行两类清理，直到 ctx 结束
func (s *Sweeper) Run(ctx context.Context) error {
	mailboxTicker := time.NewTicker(s.opts.Interval)
	defer mailboxTicker.Stop()
	deliveryTicker := time.NewTicker(s.opts.RetentionInterval)
	defer deliveryTicker.Stop()

	s.log.Info("starting sweeper",
		zap.Duration("interval", s.opts.Interval),
		zap.Duration("grace", s.opts.Grace),
		zap.Duration("retention_interval", s.opts.RetentionInterval),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-mailboxTicker.C:
			if _, err := s.SweepMailboxes(ctx); err != nil {
				s.log.Error("failed to sweep expired mailboxes", zap.Error(err))
			}
		case <-deliveryTicker.C:
			if _, err := s.PruneDeliveries(ctx); err != nil {
				s.log.Error("failed to prune webhook deliveries", zap.Error(err))
			}
		}
	}
}

// SweepMailboxes 删除过期超过宽限期的邮箱并逐个发出 box_deleted
func (s *Sweeper) SweepMailboxes(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.opts.Grace)
	removed, err := s.store.DeleteExpiredMailboxes(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired mailboxes: %w", err)
	}
	for i := range removed {
		if s.notifier != nil {
			s.notifier.BoxDeleted(ctx, &removed[i])
		}
	}
	if len(removed) > 0 {
		s.metrics.RecordMailboxesSwept(len(removed))
		s.log.Info("expired mailboxes swept", zap.Int("count", len(removed)), zap.Time("cutoff", cutoff))
	}
	return len(removed), nil
}

// PruneDeliveries 删除超过保留期的投递记录
func (s *Sweeper) PruneDeliveries(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.opts.DeliveryRetention)
	n, err := s.store.DeleteDeliveriesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete deliveries: %w", err)
	}
	if n > 0 {
		s.log.Info("webhook deliveries pruned", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
