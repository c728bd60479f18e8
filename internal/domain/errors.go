package domain

import "errors"

// 存储层统一返回的哨兵错误，调用方通过 errors.Is 判断
var (
	ErrMailboxNotFound  = errors.New("mailbox not found")
	ErrMailboxExists    = errors.New("mailbox already exists")
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountExists    = errors.New("account already exists")
	ErrMessageNotFound  = errors.New("message not found")
	ErrDuplicateMessage = errors.New("message with the same message-id already stored")
	ErrWebhookNotFound  = errors.New("webhook not found")
)
