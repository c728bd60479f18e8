package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/security"
	"mockmail/backend/internal/webhook"
)

var (
	ErrInvalidWebhookURL   = errors.New("webhook url must be an absolute http or https url")
	ErrInvalidWebhookEvent = errors.New("unknown webhook event")
	ErrNoWebhookEvents     = errors.New("at least one event is required")
	ErrInvalidStatus       = errors.New("status must be active or paused")
)

// 投递记录分页
const (
	defaultDeliveryLimit = 20
	maxDeliveryLimit     = 100
)

// WebhookStore Webhook 管理依赖的仓储
type WebhookStore interface {
	domain.WebhookRepository
	domain.DeliveryRepository
}

// DeliveryEngine 管理操作需要的投递引擎能力
type DeliveryEngine interface {
	Test(ctx context.Context, webhookID string) (*webhook.TestResult, error)
	Cancel(webhookID string) int
}

// WebhookService Webhook 服务
type WebhookService struct {
	store  WebhookStore
	engine DeliveryEngine
	log    *zap.Logger
}

// NewWebhookService 创建 Webhook 服务
func NewWebhookService(store WebhookStore, engine DeliveryEngine, log *zap.Logger) *WebhookService {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookService{store: store, engine: engine, log: log}
}

// CreateWebhookInput 创建 Webhook 输入
type CreateWebhookInput struct {
	OwnerID    string         `json:"-"` // 从 API Key 中获取
	Name       string         `json:"name" binding:"omitempty,max=100"`
	URL        string         `json:"url" binding:"required"`
	Events     []string       `json:"events" binding:"required,min=1"`
	Headers    domain.Headers `json:"headers"`
	RetryCount *int           `json:"retryCount"`
}

// UpdateWebhookInput 更新 Webhook 输入，未提供的字段保持不变
type UpdateWebhookInput struct {
	Name       *string        `json:"name" binding:"omitempty,max=100"`
	URL        string         `json:"url"`
	Events     []string       `json:"events"`
	Headers    domain.Headers `json:"headers"`
	RetryCount *int           `json:"retryCount"`
	Status     string         `json:"status"`
}

// CreateWebhook 创建 Webhook
func (s *WebhookService) CreateWebhook(ctx context.Context, input CreateWebhookInput) (*domain.Webhook, error) {
	if err := validateURL(input.URL); err != nil {
		return nil, err
	}
	events, err := normalizeEvents(input.Events)
	if err != nil {
		return nil, err
	}
	secret, err := webhook.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	retry := domain.DefaultWebhookRetryCount
	if input.RetryCount != nil {
		retry = clampRetry(*input.RetryCount)
	}

	hook := &domain.Webhook{
		ID:         uuid.NewString(),
		OwnerID:    input.OwnerID,
		Name:       strings.TrimSpace(input.Name),
		URL:        strings.TrimSpace(input.URL),
		Secret:     secret,
		Events:     events,
		Status:     domain.WebhookStatusActive,
		Headers:    s.sanitize(input.Headers),
		RetryCount: retry,
	}
	if err := s.store.CreateWebhook(ctx, hook); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}

	s.log.Info("webhook created",
		zap.String("webhook_id", hook.ID),
		zap.String("account_id", hook.OwnerID),
		zap.Strings("events", hook.Events),
	)
	return hook, nil
}

// GetWebhook 获取 Webhook，不属于该账户时返回 ErrWebhookNotFound
func (s *WebhookService) GetWebhook(ctx context.Context, ownerID, id string) (*domain.Webhook, error) {
	hook, err := s.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	if hook.OwnerID != ownerID {
		return nil, domain.ErrWebhookNotFound
	}
	return hook, nil
}

// ListWebhooks 列出账户的 Webhooks
func (s *WebhookService) ListWebhooks(ctx context.Context, ownerID string) ([]domain.Webhook, error) {
	return s.store.ListWebhooks(ctx, ownerID)
}

// UpdateWebhook 更新 Webhook
//
// 状态只能在 active 与 paused 之间切换；把 failed 的 Webhook 设为 active 即手动恢复。
func (s *WebhookService) UpdateWebhook(ctx context.Context, ownerID, id string, input UpdateWebhookInput) (*domain.Webhook, error) {
	hook, err := s.GetWebhook(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		hook.Name = strings.TrimSpace(*input.Name)
	}
	if input.URL != "" {
		if err := validateURL(input.URL); err != nil {
			return nil, err
		}
		hook.URL = strings.TrimSpace(input.URL)
	}
	if input.Events != nil {
		events, err := normalizeEvents(input.Events)
		if err != nil {
			return nil, err
		}
		hook.Events = events
	}
	if input.Headers != nil {
		hook.Headers = s.sanitize(input.Headers)
	}
	if input.RetryCount != nil {
		hook.RetryCount = clampRetry(*input.RetryCount)
	}

	previous := hook.Status
	switch domain.WebhookStatus(strings.ToLower(input.Status)) {
	case "":
	case domain.WebhookStatusActive:
		hook.Status = domain.WebhookStatusActive
		if previous == domain.WebhookStatusFailed {
			hook.LastError = ""
		}
	case domain.WebhookStatusPaused:
		hook.Status = domain.WebhookStatusPaused
	default:
		return nil, ErrInvalidStatus
	}

	if err := s.store.UpdateWebhook(ctx, hook); err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	if previous != hook.Status {
		s.log.Info("webhook status changed",
			zap.String("webhook_id", hook.ID),
			zap.String("from", string(previous)),
			zap.String("to", string(hook.Status)),
		)
	}
	return hook, nil
}

// DeleteWebhook 删除 Webhook 并撤销其待执行的重试
func (s *WebhookService) DeleteWebhook(ctx context.Context, ownerID, id string) error {
	if _, err := s.GetWebhook(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteWebhook(ctx, id); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	dropped := 0
	if s.engine != nil {
		dropped = s.engine.Cancel(id)
	}
	s.log.Info("webhook deleted", zap.String("webhook_id", id), zap.Int("retries_cancelled", dropped))
	return nil
}

// TestWebhook 发送一次连通性测试
func (s *WebhookService) TestWebhook(ctx context.Context, ownerID, id string) (*webhook.TestResult, error) {
	if _, err := s.GetWebhook(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.engine.Test(ctx, id)
}

// GetDeliveries 获取投递记录，最新的在前
func (s *WebhookService) GetDeliveries(ctx context.Context, ownerID, id string, limit int) ([]domain.Delivery, error) {
	if _, err := s.GetWebhook(ctx, ownerID, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultDeliveryLimit
	}
	if limit > maxDeliveryLimit {
		limit = maxDeliveryLimit
	}
	return s.store.ListDeliveries(ctx, id, limit)
}

// GetStats 获取投递统计
func (s *WebhookService) GetStats(ctx context.Context, ownerID, id string) (*domain.DeliveryStats, error) {
	if _, err := s.GetWebhook(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.store.DeliveryStats(ctx, id)
}

func (s *WebhookService) sanitize(h domain.Headers) domain.Headers {
	kept, dropped := security.SanitizeHeaders(h)
	if len(dropped) > 0 {
		s.log.Warn("webhook headers dropped", zap.Strings("headers", dropped))
	}
	return kept
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ErrInvalidWebhookURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidWebhookURL
	}
	return nil
}

// normalizeEvents 校验并去重事件列表
func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, ErrNoWebhookEvents
	}
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.ToLower(strings.TrimSpace(e))
		if !domain.ValidEvent(e) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidWebhookEvent, e)
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func clampRetry(n int) int {
	if n < 0 {
		return 0
	}
	if n > domain.MaxWebhookRetryCount {
		return domain.MaxWebhookRetryCount
	}
	return n
}
