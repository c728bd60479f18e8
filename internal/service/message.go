package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
)

var (
	ErrMissingAddress = errors.New("mailbox address is required")
	ErrMissingSubject = errors.New("subject is required")
)

// 邮件列表分页
const (
	defaultMessageLimit = 20
	maxMessageLimit     = 100
)

// MessagePage 邮件分页结果
type MessagePage struct {
	Messages   []domain.Message `json:"messages"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	Total      int64            `json:"total"`
	TotalPages int              `json:"totalPages"`
}

// MessageService 邮件读取服务。所有查询都限定在调用方账户名下。
type MessageService struct {
	store domain.MessageRepository
	log   *zap.Logger
}

// NewMessageService 创建邮件读取服务
func NewMessageService(store domain.MessageRepository, log *zap.Logger) *MessageService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageService{store: store, log: log}
}

// Latest 返回发往指定邮箱的最新一封邮件，from 非空时只看该发件人
func (s *MessageService) Latest(ctx context.Context, ownerID, address, from string) (*domain.Message, error) {
	address = domain.NormalizeAddress(address)
	if address == "" {
		return nil, ErrMissingAddress
	}
	return s.store.LatestMessage(ctx, domain.MessageFilter{
		OwnerID: ownerID,
		To:      address,
		From:    domain.NormalizeAddress(from),
	})
}

// LatestBySubject 返回主题包含 subject（不区分大小写）的最新一封邮件
func (s *MessageService) LatestBySubject(ctx context.Context, ownerID, address, subject, from string) (*domain.Message, error) {
	address = domain.NormalizeAddress(address)
	if address == "" {
		return nil, ErrMissingAddress
	}
	if strings.TrimSpace(subject) == "" {
		return nil, ErrMissingSubject
	}
	return s.store.LatestMessage(ctx, domain.MessageFilter{
		OwnerID: ownerID,
		To:      address,
		From:    domain.NormalizeAddress(from),
		Subject: strings.TrimSpace(subject),
	})
}

// List 分页列出账户的邮件，address 非空时只列该邮箱
func (s *MessageService) List(ctx context.Context, ownerID, address string, page, limit int) (*MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	filter := domain.MessageFilter{OwnerID: ownerID, To: domain.NormalizeAddress(address)}
	messages, total, err := s.store.ListMessages(ctx, filter, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &MessagePage{
		Messages:   messages,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: int((total + int64(limit) - 1) / int64(limit)),
	}, nil
}

// Get 获取单封邮件，不属于该账户时按不存在处理
func (s *MessageService) Get(ctx context.Context, ownerID, id string) (*domain.Message, error) {
	message, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if message.OwnerID != ownerID {
		return nil, domain.ErrMessageNotFound
	}
	return message, nil
}

// Thread 按接收时间列出邮件所在会话
func (s *MessageService) Thread(ctx context.Context, ownerID, id string) ([]domain.Message, error) {
	message, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	thread, err := s.store.ListThread(ctx, message.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("list thread: %w", err)
	}

	// 会话按 Message-ID 归并，可能跨账户，只返回本账户的邮件
	out := make([]domain.Message, 0, len(thread))
	for _, m := range thread {
		if m.OwnerID == ownerID {
			out = append(out, m)
		}
	}
	return out, nil
}

// Delete 删除单封邮件
func (s *MessageService) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	s.log.Info("message deleted", zap.String("account_id", ownerID), zap.String("message_id", id))
	return nil
}
