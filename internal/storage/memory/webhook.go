package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"mockmail/backend/internal/domain"
)

// CreateWebhook 创建 Webhook
func (s *Store) CreateWebhook(_ context.Context, webhook *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if webhook.ID == "" {
		webhook.ID = uuid.NewString()
	}
	now := s.now()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	if webhook.Status == "" {
		webhook.Status = domain.WebhookStatusActive
	}
	s.webhooks[webhook.ID] = cloneWebhook(webhook)
	return nil
}

// GetWebhook 获取 Webhook
func (s *Store) GetWebhook(_ context.Context, id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	webhook, ok := s.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	return cloneWebhook(webhook), nil
}

// ListWebhooks 列出账户的 Webhooks，按创建时间排序
func (s *Store) ListWebhooks(_ context.Context, ownerID string) ([]domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Webhook, 0)
	for _, webhook := range s.webhooks {
		if webhook.OwnerID == ownerID {
			result = append(result, *cloneWebhook(webhook))
		}
	}
	sortWebhooks(result)
	return result, nil
}

// ListActiveWebhooks 列出账户下订阅了事件且处于 active 状态的 Webhooks
func (s *Store) ListActiveWebhooks(_ context.Context, ownerID string, event domain.EventType) ([]domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Webhook
	for _, webhook := range s.webhooks {
		if webhook.OwnerID != ownerID || webhook.Status != domain.WebhookStatusActive {
			continue
		}
		if !webhook.Subscribes(event) {
			continue
		}
		result = append(result, *cloneWebhook(webhook))
	}
	sortWebhooks(result)
	return result, nil
}

// UpdateWebhook 更新 Webhook
func (s *Store) UpdateWebhook(_ context.Context, webhook *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.webhooks[webhook.ID]
	if !ok {
		return domain.ErrWebhookNotFound
	}
	webhook.CreatedAt = existing.CreatedAt
	webhook.UpdatedAt = s.now()
	s.webhooks[webhook.ID] = cloneWebhook(webhook)
	return nil
}

// DeleteWebhook 删除 Webhook 及其投递记录
func (s *Store) DeleteWebhook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.webhooks[id]; !ok {
		return domain.ErrWebhookNotFound
	}
	delete(s.webhooks, id)
	delete(s.deliveries, id)
	return nil
}

// MarkWebhookSuccess 清空 lastError 并记录触发时间
func (s *Store) MarkWebhookSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, ok := s.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}
	triggered := at
	webhook.LastTriggeredAt = &triggered
	webhook.LastError = ""
	webhook.UpdatedAt = s.now()
	return nil
}

// MarkWebhookFailure 记录最近一次失败原因
func (s *Store) MarkWebhookFailure(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, ok := s.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}
	webhook.LastError = lastError
	webhook.UpdatedAt = s.now()
	return nil
}

// SetWebhookStatus 修改 Webhook 状态
func (s *Store) SetWebhookStatus(_ context.Context, id string, status domain.WebhookStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, ok := s.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}
	webhook.Status = status
	webhook.UpdatedAt = s.now()
	return nil
}

// RecordDelivery 追加投递记录
func (s *Store) RecordDelivery(_ context.Context, delivery *domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = s.now()
	}
	stored := *delivery
	s.deliveries[delivery.WebhookID] = append(s.deliveries[delivery.WebhookID], &stored)
	return nil
}

// CountFailedDeliveries 统计 since 之后的失败投递数
func (s *Store) CountFailedDeliveries(_ context.Context, webhookID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, d := range s.deliveries[webhookID] {
		if !d.Success && !d.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ListDeliveries 按时间倒序列出投递记录
func (s *Store) ListDeliveries(_ context.Context, webhookID string, limit int) ([]domain.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.deliveries[webhookID]
	result := make([]domain.Delivery, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		result = append(result, *list[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// DeliveryStats 汇总投递统计
func (s *Store) DeliveryStats(_ context.Context, webhookID string) (*domain.DeliveryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.DeliveryStats{}
	var totalDuration int64
	for _, d := range s.deliveries[webhookID] {
		stats.Total++
		if d.Success {
			stats.Successful++
		} else {
			stats.Failed++
		}
		totalDuration += d.DurationMs
	}
	if stats.Total > 0 {
		stats.AvgDurationMs = totalDuration / stats.Total
	}
	return stats, nil
}

// DeleteDeliveriesBefore 删除 cutoff 之前的投递记录
func (s *Store) DeleteDeliveriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, list := range s.deliveries {
		kept := list[:0]
		for _, d := range list {
			if d.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, d)
		}
		s.deliveries[id] = kept
	}
	return removed, nil
}

func sortWebhooks(list []domain.Webhook) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func cloneWebhook(w *domain.Webhook) *domain.Webhook {
	out := *w
	out.Events = append([]string(nil), w.Events...)
	out.Headers = w.Headers.Clone()
	if w.LastTriggeredAt != nil {
		t := *w.LastTriggeredAt
		out.LastTriggeredAt = &t
	}
	return &out
}
