package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/monitoring"
)

// ErrUnknownLink 点击的链接不属于该邮件，拒绝重定向
var ErrUnknownLink = errors.New("link does not belong to message")

// Store 追踪服务依赖的邮件仓储
type Store interface {
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	UpdateMessageHTML(ctx context.Context, id, html string) error
	RecordOpen(ctx context.Context, id string, at time.Time) (*domain.Message, error)
	RecordClick(ctx context.Context, id string) (*domain.Message, error)
}

// Notifier 追踪事件通知
type Notifier interface {
	EmailOpened(ctx context.Context, message *domain.Message)
	EmailClicked(ctx context.Context, message *domain.Message, url string)
}

// Service 邮件追踪服务
type Service struct {
	store    Store
	rewriter *Rewriter
	notifier Notifier
	enabled  bool
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewService 创建追踪服务。enabled 为 false 时 Enrich 不改写正文，追踪端点仍可用。
func NewService(store Store, rewriter *Rewriter, notifier Notifier, enabled bool, metrics *monitoring.Metrics, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:    store,
		rewriter: rewriter,
		notifier: notifier,
		enabled:  enabled,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// Enrich 入库后改写 HTML 正文。失败只记录日志，不回滚已入库的邮件。
func (s *Service) Enrich(ctx context.Context, message *domain.Message) {
	if !s.enabled || message.Body.HTML == "" {
		return
	}

	rewritten, err := s.rewriter.Rewrite(message.ID, message.Body.HTML)
	if err != nil {
		s.log.Warn("failed to rewrite html for tracking", zap.String("message_id", message.ID), zap.Error(err))
		return
	}
	if rewritten == message.Body.HTML {
		return
	}
	if err := s.store.UpdateMessageHTML(ctx, message.ID, rewritten); err != nil {
		s.log.Warn("failed to store tracked html", zap.String("message_id", message.ID), zap.Error(err))
		return
	}
	message.Body.HTML = rewritten
}

// RecordOpen 记录一次打开并触发 email_opened
func (s *Service) RecordOpen(ctx context.Context, id string) (*domain.Message, error) {
	message, err := s.store.RecordOpen(ctx, id, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("record open: %w", err)
	}
	s.metrics.RecordTracking("open")
	if s.notifier != nil {
		s.notifier.EmailOpened(ctx, message)
	}
	return message, nil
}

// RecordClick 记录一次点击并返回重定向目标
//
// 只有出现在邮件正文提取结果中的链接才会被接受，避免成为开放重定向。
func (s *Service) RecordClick(ctx context.Context, id, target string) (string, error) {
	message, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get message: %w", err)
	}
	if target == "" || !message.HasLink(target) {
		return "", ErrUnknownLink
	}

	message, err = s.store.RecordClick(ctx, id)
	if err != nil {
		return "", fmt.Errorf("record click: %w", err)
	}
	s.metrics.RecordTracking("click")
	if s.notifier != nil {
		s.notifier.EmailClicked(ctx, message, target)
	}
	return target, nil
}
