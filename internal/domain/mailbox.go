package domain

import (
	"strings"
	"time"
)

// DefaultMailboxLifetime 邮箱默认生存时间（创建或重新激活时使用）
const DefaultMailboxLifetime = 24 * time.Hour

// Mailbox 表示临时邮箱的业务实体。
type Mailbox struct {
	ID            string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address       string     `json:"address" gorm:"type:varchar(255);uniqueIndex;not null"`
	OwnerID       string     `json:"ownerAccountId" gorm:"type:varchar(36);index;not null"`
	IsCustomAlias bool       `json:"isCustomAlias" gorm:"default:false"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty" gorm:"index"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Active 邮箱当前是否可以收信（expiresAt > now）
func (m *Mailbox) Active(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.After(now)
}

// NeedsReactivation 已过期或未设置过期时间的邮箱需要续期
func (m *Mailbox) NeedsReactivation(now time.Time) bool {
	return m.ExpiresAt == nil || !m.ExpiresAt.After(now)
}

// NormalizeAddress 统一地址格式：去空白、小写
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
