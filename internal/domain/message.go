package domain

import (
	"strings"
	"time"
)

// MessageBody 邮件正文及从正文中提取的元数据
type MessageBody struct {
	HTML   string   `json:"html"`
	Text   string   `json:"text"`
	Links  []string `json:"links"`
	Images []string `json:"images"`
}

// Message 表示一封已入库的邮件。
//
// DedupKey 为发件方的 Message-ID，可为空；非空时全局唯一。
// ThreadID 默认等于自身 ID。
type Message struct {
	ID          string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DedupKey    *string      `json:"messageId,omitempty" gorm:"type:varchar(512);uniqueIndex"`
	MailboxID   string       `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	OwnerID     string       `json:"ownerAccountId" gorm:"type:varchar(36);index;not null"`
	From        string       `json:"from" gorm:"type:varchar(255)"`
	To          string       `json:"to" gorm:"type:varchar(255);index"`
	Subject     string       `json:"subject" gorm:"type:varchar(998)"`
	Token       string       `json:"token" gorm:"type:varchar(998)"`
	ContentType string       `json:"contentType" gorm:"type:varchar(100)"`
	Body        MessageBody  `json:"body" gorm:"serializer:json;type:text"`
	Attachments []Attachment `json:"attachments" gorm:"serializer:json;type:text"`
	Headers     Headers      `json:"headers" gorm:"type:text"`
	ThreadID    string       `json:"threadId" gorm:"type:varchar(36);index"`
	InReplyTo   string       `json:"inReplyTo,omitempty" gorm:"type:varchar(512)"`
	References  []string     `json:"references,omitempty" gorm:"serializer:json;type:text"`
	ReceivedAt  time.Time    `json:"receivedAt"`
	StoredAt    time.Time    `json:"storedAt"`
	// 追踪统计
	OpenCount  int        `json:"openCount" gorm:"default:0"`
	ClickCount int        `json:"clickCount" gorm:"default:0"`
	OpenedAt   *time.Time `json:"openedAt,omitempty"`
}

// MessageIDKey 返回去重键，空表示无 Message-ID
func (m *Message) MessageIDKey() string {
	if m.DedupKey == nil {
		return ""
	}
	return *m.DedupKey
}

// HasLink 判断链接是否出现在正文提取结果中
func (m *Message) HasLink(url string) bool {
	for _, l := range m.Body.Links {
		if l == url {
			return true
		}
	}
	return false
}

// MessageFilter 邮件查询条件，空字段不参与过滤
//
// To、From 为规范化后的地址，Subject 按不区分大小写的子串匹配。
type MessageFilter struct {
	OwnerID string
	To      string
	From    string
	Subject string
}

// Matches 判断邮件是否满足条件
func (f MessageFilter) Matches(m *Message) bool {
	if f.OwnerID != "" && m.OwnerID != f.OwnerID {
		return false
	}
	if f.To != "" && m.To != f.To {
		return false
	}
	if f.From != "" && m.From != f.From {
		return false
	}
	if f.Subject != "" && !strings.Contains(strings.ToLower(m.Subject), strings.ToLower(f.Subject)) {
		return false
	}
	return true
}

// InboundMessage 解码后的待处理邮件
//
// 既来自原始字节流的解码结果，也来自程序化接入接口。
type InboundMessage struct {
	MessageID   string
	From        string
	To          string
	Subject     string
	Date        time.Time
	ContentType string
	HTML        string
	Text        string
	Attachments []Attachment
	Headers     Headers
	InReplyTo   string
	References  []string
	Raw         []byte
}
