package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Account 平台账户。邮件管道只读取账户信息用于归属判断，从不修改。
type Account struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email      string    `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	Name       string    `json:"name" gorm:"type:varchar(100)"`
	APIKeyHash string    `json:"-" gorm:"type:varchar(64);index"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HashAPIKey 计算 API Key 的存储摘要
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
