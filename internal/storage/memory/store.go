package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mockmail/backend/internal/domain"
)

// Store 使用内存保存邮箱、邮件与 Webhook 数据，用于开发环境与测试。
//
// 所有返回值都是副本，调用方修改不会影响存储内容。
type Store struct {
	mu        sync.RWMutex
	mailboxes map[string]*domain.Mailbox
	byAddress map[string]string // address -> mailboxID

	accounts  map[string]*domain.Account
	byEmail   map[string]string // email -> accountID
	byKeyHash map[string]string // apiKeyHash -> accountID

	messages  map[string]*domain.Message
	byDedup   map[string]string              // dedupKey -> messageID
	byMailbox map[string]map[string]struct{} // mailboxID -> messageIDs

	webhooks   map[string]*domain.Webhook
	deliveries map[string][]*domain.Delivery // webhookID -> deliveries

	now func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes:  make(map[string]*domain.Mailbox),
		byAddress:  make(map[string]string),
		accounts:   make(map[string]*domain.Account),
		byEmail:    make(map[string]string),
		byKeyHash:  make(map[string]string),
		messages:   make(map[string]*domain.Message),
		byDedup:    make(map[string]string),
		byMailbox:  make(map[string]map[string]struct{}),
		webhooks:   make(map[string]*domain.Webhook),
		deliveries: make(map[string][]*domain.Delivery),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Health 内存存储始终可用
func (s *Store) Health(context.Context) error { return nil }

// Close 无资源需要释放
func (s *Store) Close() error { return nil }

// GetMailboxByAddress 按地址查找邮箱（包含已过期邮箱）
func (s *Store) GetMailboxByAddress(_ context.Context, address string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[domain.NormalizeAddress(address)]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}
	return cloneMailbox(s.mailboxes[id]), nil
}

// GetMailbox 根据 ID 获取邮箱。
func (s *Store) GetMailbox(_ context.Context, id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}
	return cloneMailbox(mailbox), nil
}

// CreateMailbox 创建邮箱，地址已存在时返回 ErrMailboxExists
func (s *Store) CreateMailbox(_ context.Context, mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox.Address = domain.NormalizeAddress(mailbox.Address)
	if _, exists := s.byAddress[mailbox.Address]; exists {
		return domain.ErrMailboxExists
	}
	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	now := s.now()
	mailbox.CreatedAt = now
	mailbox.UpdatedAt = now

	s.mailboxes[mailbox.ID] = cloneMailbox(mailbox)
	s.byAddress[mailbox.Address] = mailbox.ID
	return nil
}

// ExtendMailboxExpiry 条件续期，整个判断与写入在同一把锁内完成
func (s *Store) ExtendMailboxExpiry(_ context.Context, id string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return false, domain.ErrMailboxNotFound
	}
	if !mailbox.NeedsReactivation(now) {
		return false, nil
	}
	expires := until
	mailbox.ExpiresAt = &expires
	mailbox.UpdatedAt = s.now()
	return true, nil
}

// DeleteMailbox 删除邮箱及其邮件
func (s *Store) DeleteMailbox(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[id]; !ok {
		return domain.ErrMailboxNotFound
	}
	s.deleteMailboxLocked(id)
	return nil
}

// DeleteExpiredMailboxes 删除过期时间不晚于 before 的邮箱
func (s *Store) DeleteExpiredMailboxes(_ context.Context, before time.Time) ([]domain.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []domain.Mailbox
	for id, mailbox := range s.mailboxes {
		if mailbox.ExpiresAt == nil || mailbox.ExpiresAt.After(before) {
			continue
		}
		removed = append(removed, *cloneMailbox(mailbox))
		s.deleteMailboxLocked(id)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Address < removed[j].Address })
	return removed, nil
}

func (s *Store) deleteMailboxLocked(id string) {
	mailbox := s.mailboxes[id]
	delete(s.byAddress, mailbox.Address)
	delete(s.mailboxes, id)

	for msgID := range s.byMailbox[id] {
		if msg, ok := s.messages[msgID]; ok {
			if key := msg.MessageIDKey(); key != "" {
				delete(s.byDedup, key)
			}
			delete(s.messages, msgID)
		}
	}
	delete(s.byMailbox, id)
}

// GetAccountByEmail 按邮箱查找账户
func (s *Store) GetAccountByEmail(_ context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[domain.NormalizeAddress(email)]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	account := *s.accounts[id]
	return &account, nil
}

// GetAccountByAPIKeyHash 按 API Key 摘要查找账户
func (s *Store) GetAccountByAPIKeyHash(_ context.Context, hash string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKeyHash[hash]
	if !ok || hash == "" {
		return nil, domain.ErrAccountNotFound
	}
	account := *s.accounts[id]
	return &account, nil
}

// CreateAccount 创建账户
func (s *Store) CreateAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account.Email = domain.NormalizeAddress(account.Email)
	if _, exists := s.byEmail[account.Email]; exists {
		return domain.ErrAccountExists
	}
	if account.APIKeyHash != "" {
		if _, exists := s.byKeyHash[account.APIKeyHash]; exists {
			return domain.ErrAccountExists
		}
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.CreatedAt = s.now()

	stored := *account
	s.accounts[account.ID] = &stored
	s.byEmail[account.Email] = account.ID
	if account.APIKeyHash != "" {
		s.byKeyHash[account.APIKeyHash] = account.ID
	}
	return nil
}

// GetMessage 获取邮件
func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

// GetMessageByDedupKey 按发件方 Message-ID 查找邮件
func (s *Store) GetMessageByDedupKey(_ context.Context, key string) (*domain.Message, error) {
	if key == "" {
		return nil, domain.ErrMessageNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDedup[key]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return cloneMessage(s.messages[id]), nil
}

// CreateMessage 保存邮件，非空去重键冲突时返回 ErrDuplicateMessage
func (s *Store) CreateMessage(_ context.Context, message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := message.MessageIDKey()
	if key != "" {
		if _, exists := s.byDedup[key]; exists {
			return domain.ErrDuplicateMessage
		}
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.ThreadID == "" {
		message.ThreadID = message.ID
	}
	if message.StoredAt.IsZero() {
		message.StoredAt = s.now()
	}

	s.messages[message.ID] = cloneMessage(message)
	if key != "" {
		s.byDedup[key] = message.ID
	}
	if s.byMailbox[message.MailboxID] == nil {
		s.byMailbox[message.MailboxID] = make(map[string]struct{})
	}
	s.byMailbox[message.MailboxID][message.ID] = struct{}{}
	return nil
}

// UpdateMessageHTML 替换 HTML 正文（追踪改写后调用）
func (s *Store) UpdateMessageHTML(_ context.Context, id, html string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	msg.Body.HTML = html
	return nil
}

// RecordOpen 记录一次打开
func (s *Store) RecordOpen(_ context.Context, id string, at time.Time) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	msg.OpenCount++
	if msg.OpenedAt == nil {
		opened := at
		msg.OpenedAt = &opened
	}
	return cloneMessage(msg), nil
}

// RecordClick 记录一次点击
func (s *Store) RecordClick(_ context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	msg.ClickCount++
	return cloneMessage(msg), nil
}

// ListThread 按接收时间列出同一会话的邮件
func (s *Store) ListThread(_ context.Context, threadID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Message
	for _, msg := range s.messages {
		if msg.ThreadID == threadID {
			out = append(out, *cloneMessage(msg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// LatestMessage 返回满足条件的最近入库的邮件
func (s *Store) LatestMessage(_ context.Context, filter domain.MessageFilter) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.filterMessagesLocked(filter)
	if len(matched) == 0 {
		return nil, domain.ErrMessageNotFound
	}
	return cloneMessage(matched[0]), nil
}

// ListMessages 按入库时间倒序分页列出邮件
func (s *Store) ListMessages(_ context.Context, filter domain.MessageFilter, offset, limit int) ([]domain.Message, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.filterMessagesLocked(filter)
	total := int64(len(matched))
	if offset >= len(matched) {
		return []domain.Message{}, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]domain.Message, 0, len(matched))
	for _, msg := range matched {
		out = append(out, *cloneMessage(msg))
	}
	return out, total, nil
}

// filterMessagesLocked 返回满足条件的邮件，最新的在前
func (s *Store) filterMessagesLocked(filter domain.MessageFilter) []*domain.Message {
	var matched []*domain.Message
	for _, msg := range s.messages {
		if filter.Matches(msg) {
			matched = append(matched, msg)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.StoredAt.Equal(b.StoredAt) {
			return a.StoredAt.After(b.StoredAt)
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.After(b.ReceivedAt)
		}
		return a.ID > b.ID
	})
	return matched
}

// DeleteMessage 删除邮件并释放其去重键
func (s *Store) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if key := msg.MessageIDKey(); key != "" {
		delete(s.byDedup, key)
	}
	delete(s.byMailbox[msg.MailboxID], id)
	delete(s.messages, id)
	return nil
}

func cloneMailbox(m *domain.Mailbox) *domain.Mailbox {
	out := *m
	if m.ExpiresAt != nil {
		expires := *m.ExpiresAt
		out.ExpiresAt = &expires
	}
	return &out
}

func cloneMessage(m *domain.Message) *domain.Message {
	out := *m
	if m.DedupKey != nil {
		key := *m.DedupKey
		out.DedupKey = &key
	}
	if m.OpenedAt != nil {
		opened := *m.OpenedAt
		out.OpenedAt = &opened
	}
	out.Body.Links = append([]string(nil), m.Body.Links...)
	out.Body.Images = append([]string(nil), m.Body.Images...)
	out.Attachments = append([]domain.Attachment(nil), m.Attachments...)
	out.References = append([]string(nil), m.References...)
	out.Headers = m.Headers.Clone()
	return &out
}
