package domain

import "time"

// EventType 管道事件类型
type EventType string

const (
	EventMailboxCreated EventType = "mailbox_created" // 邮箱自动创建
	EventEmailReceived  EventType = "email_received"  // 新邮件入库
	EventEmailOpened    EventType = "email_opened"    // 追踪像素被加载
	EventEmailClicked   EventType = "email_clicked"   // 追踪链接被点击
	EventBoxDeleted     EventType = "box_deleted"     // 邮箱被删除
	EventTest           EventType = "test"            // 连通性测试，不可订阅
)

// SubscribableEvents 允许 Webhook 订阅的事件
var SubscribableEvents = []EventType{
	EventMailboxCreated,
	EventEmailReceived,
	EventEmailOpened,
	EventEmailClicked,
	EventBoxDeleted,
}

// ValidEvent 判断事件是否可订阅
func ValidEvent(event string) bool {
	for _, e := range SubscribableEvents {
		if string(e) == event {
			return true
		}
	}
	return false
}

// WebhookStatus Webhook 状态
type WebhookStatus string

const (
	WebhookStatusActive WebhookStatus = "active"
	WebhookStatusPaused WebhookStatus = "paused"
	WebhookStatusFailed WebhookStatus = "failed" // 连续失败后由投递引擎置为失败，需手动恢复
)

// Webhook 重试次数约束
const (
	DefaultWebhookRetryCount = 3
	MaxWebhookRetryCount     = 10
)

// Webhook Webhook 配置
type Webhook struct {
	ID              string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerID         string        `json:"ownerAccountId" gorm:"type:varchar(36);index;not null"`
	Name            string        `json:"name" gorm:"type:varchar(100)"`
	URL             string        `json:"url" gorm:"type:varchar(2048);not null"`
	Secret          string        `json:"-" gorm:"type:varchar(255);not null"`
	Events          []string      `json:"events" gorm:"serializer:json;type:text"`
	Status          WebhookStatus `json:"status" gorm:"type:varchar(16);index;default:active"`
	Headers         Headers       `json:"headers" gorm:"type:text"`
	RetryCount      int           `json:"retryCount" gorm:"default:3"`
	LastError       string        `json:"lastError,omitempty" gorm:"type:text"`
	LastTriggeredAt *time.Time    `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Subscribes 判断是否订阅了指定事件
func (w *Webhook) Subscribes(event EventType) bool {
	for _, e := range w.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

// Event 投递给订阅方的事件载荷：{id, event, timestamp, data}
type Event struct {
	ID        string                 `json:"id"`
	Event     EventType              `json:"event"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Delivery 投递审计记录，写入后不可修改
type Delivery struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	WebhookID    string    `json:"webhookId" gorm:"type:varchar(36);index;not null"`
	Event        EventType `json:"event" gorm:"type:varchar(32)"`
	Payload      string    `json:"payload" gorm:"type:text"`
	Attempt      int       `json:"attempt"`
	ResponseCode int       `json:"responseCode,omitempty"`
	ResponseBody string    `json:"responseBody,omitempty" gorm:"type:text"`
	DurationMs   int64     `json:"durationMs"`
	Success      bool      `json:"success" gorm:"index"`
	Error        string    `json:"error,omitempty" gorm:"type:text"`
	CreatedAt    time.Time `json:"createdAt" gorm:"index"`
}

// DeliveryStats 投递统计
type DeliveryStats struct {
	Total         int64 `json:"total"`
	Successful    int64 `json:"successful"`
	Failed        int64 `json:"failed"`
	AvgDurationMs int64 `json:"avgDuration"`
}
