package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mockmail/backend/internal/domain"
)

// ========== Webhook Repository ==========

// CreateWebhook 创建 Webhook
func (s *Store) CreateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	if webhook.ID == "" {
		webhook.ID = uuid.NewString()
	}
	if webhook.Status == "" {
		webhook.Status = domain.WebhookStatusActive
	}
	return s.db.WithContext(ctx).Create(webhook).Error
}

// GetWebhook 获取 Webhook
func (s *Store) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	var webhook domain.Webhook
	if err := s.db.WithContext(ctx).First(&webhook, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrWebhookNotFound)
	}
	return &webhook, nil
}

// ListWebhooks 列出账户的 Webhooks
func (s *Store) ListWebhooks(ctx context.Context, ownerID string) ([]domain.Webhook, error) {
	webhooks := make([]domain.Webhook, 0)
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at ASC, id ASC").Find(&webhooks).Error
	return webhooks, err
}

// ListActiveWebhooks 列出账户下订阅了事件且处于 active 状态的 Webhooks
//
// 事件列表以 JSON 文本存储，订阅过滤在内存中完成。
func (s *Store) ListActiveWebhooks(ctx context.Context, ownerID string, event domain.EventType) ([]domain.Webhook, error) {
	var candidates []domain.Webhook
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", ownerID, domain.WebhookStatusActive).
		Order("created_at ASC, id ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	var result []domain.Webhook
	for _, w := range candidates {
		if w.Subscribes(event) {
			result = append(result, w)
		}
	}
	return result, nil
}

// UpdateWebhook 更新 Webhook 的可编辑字段
func (s *Store) UpdateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	res := s.db.WithContext(ctx).Model(&domain.Webhook{ID: webhook.ID}).
		Select("name", "url", "events", "status", "headers", "retry_count", "updated_at").
		Updates(webhook)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrWebhookNotFound
	}
	return nil
}

// DeleteWebhook 删除 Webhook 及其投递记录
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("webhook_id = ?", id).Delete(&domain.Delivery{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Webhook{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrWebhookNotFound
		}
		return nil
	})
}

// MarkWebhookSuccess 清空 lastError 并记录触发时间
func (s *Store) MarkWebhookSuccess(ctx context.Context, id string, at time.Time) error {
	return s.updateWebhook(ctx, id, map[string]interface{}{
		"last_error":        "",
		"last_triggered_at": at,
	})
}

// MarkWebhookFailure 记录最近一次失败原因
func (s *Store) MarkWebhookFailure(ctx context.Context, id string, lastError string) error {
	return s.updateWebhook(ctx, id, map[string]interface{}{"last_error": lastError})
}

// SetWebhookStatus 修改 Webhook 状态
func (s *Store) SetWebhookStatus(ctx context.Context, id string, status domain.WebhookStatus) error {
	return s.updateWebhook(ctx, id, map[string]interface{}{"status": status})
}

func (s *Store) updateWebhook(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&domain.Webhook{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrWebhookNotFound
	}
	return nil
}

// ========== Delivery Repository ==========

// RecordDelivery 追加投递记录
func (s *Store) RecordDelivery(ctx context.Context, delivery *domain.Delivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(delivery).Error
}

// CountFailedDeliveries 统计 since 之后的失败投递数
func (s *Store) CountFailedDeliveries(ctx context.Context, webhookID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Delivery{}).
		Where("webhook_id = ? AND success = ? AND created_at >= ?", webhookID, false, since).
		Count(&count).Error
	return count, err
}

// ListDeliveries 按时间倒序列出投递记录
func (s *Store) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.Delivery, error) {
	deliveries := make([]domain.Delivery, 0)
	q := s.db.WithContext(ctx).Where("webhook_id = ?", webhookID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&deliveries).Error
	return deliveries, err
}

// DeliveryStats 汇总投递统计
func (s *Store) DeliveryStats(ctx context.Context, webhookID string) (*domain.DeliveryStats, error) {
	var row struct {
		Total       int64
		Successful  int64
		AvgDuration float64
	}
	err := s.db.WithContext(ctx).Model(&domain.Delivery{}).
		Select("COUNT(*) AS total, "+
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS successful, "+
			"COALESCE(AVG(duration_ms), 0) AS avg_duration").
		Where("webhook_id = ?", webhookID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &domain.DeliveryStats{
		Total:         row.Total,
		Successful:    row.Successful,
		Failed:        row.Total - row.Successful,
		AvgDurationMs: int64(row.AvgDuration),
	}, nil
}

// DeleteDeliveriesBefore 删除 cutoff 之前的投递记录
func (s *Store) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&domain.Delivery{})
	return res.RowsAffected, res.Error
}
