package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mockmail/backend/internal/config"
	"mockmail/backend/internal/domain"
)

// Store 基于 GORM 的关系型存储实现（PostgreSQL / MySQL）
type Store struct {
	db *gorm.DB
}

// Open 按配置选择方言并创建存储实例
func Open(cfg config.DatabaseConfig) (*Store, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		return NewStoreWithDialector(postgres.Open(cfg.DSN), cfg)
	case "mysql":
		return NewStoreWithDialector(mysql.Open(cfg.DSN), cfg)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Account{},
		&domain.Mailbox{},
		&domain.Message{},
		&domain.Webhook{},
		&domain.Delivery{},
	)
}

// DB 返回底层 GORM 实例
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// notFound 将 gorm.ErrRecordNotFound 转换为领域错误
func notFound(err, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

// ========== Mailbox Repository ==========

// GetMailboxByAddress 按地址查找邮箱（包含已过期邮箱）
func (s *Store) GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.db.WithContext(ctx).Where("address = ?", domain.NormalizeAddress(address)).First(&mailbox).Error
	if err != nil {
		return nil, notFound(err, domain.ErrMailboxNotFound)
	}
	return &mailbox, nil
}

// GetMailbox 根据 ID 获取邮箱
func (s *Store) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	if err := s.db.WithContext(ctx).First(&mailbox, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrMailboxNotFound)
	}
	return &mailbox, nil
}

// CreateMailbox 创建邮箱，地址唯一索引冲突时返回 ErrMailboxExists
func (s *Store) CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	mailbox.Address = domain.NormalizeAddress(mailbox.Address)
	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Create(mailbox).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrMailboxExists
	}
	return err
}

// ExtendMailboxExpiry 条件续期，WHERE 子句保证并发写入时只有一方生效
func (s *Store) ExtendMailboxExpiry(ctx context.Context, id string, now, until time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Mailbox{}).
		Where("id = ? AND (expires_at IS NULL OR expires_at <= ?)", id, now).
		Updates(map[string]interface{}{
			"expires_at": until,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.Mailbox{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, domain.ErrMailboxNotFound
	}
	return false, nil
}

// DeleteMailbox 删除邮箱及其邮件
func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mailbox_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Mailbox{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrMailboxNotFound
		}
		return nil
	})
}

// DeleteExpiredMailboxes 删除过期时间不晚于 before 的邮箱及其邮件
func (s *Store) DeleteExpiredMailboxes(ctx context.Context, before time.Time) ([]domain.Mailbox, error) {
	var removed []domain.Mailbox
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at IS NOT NULL AND expires_at <= ?", before).
			Order("address").Find(&removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}

		ids := make([]string, len(removed))
		for i, m := range removed {
			ids[i] = m.ID
		}
		if err := tx.Where("mailbox_id IN ?", ids).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&domain.Mailbox{}).Error
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ========== Account Repository ==========

// GetAccountByEmail 按邮箱查找账户
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	var account domain.Account
	err := s.db.WithContext(ctx).Where("email = ?", domain.NormalizeAddress(email)).First(&account).Error
	if err != nil {
		return nil, notFound(err, domain.ErrAccountNotFound)
	}
	return &account, nil
}

// GetAccountByAPIKeyHash 按 API Key 摘要查找账户
func (s *Store) GetAccountByAPIKeyHash(ctx context.Context, hash string) (*domain.Account, error) {
	if hash == "" {
		return nil, domain.ErrAccountNotFound
	}
	var account domain.Account
	if err := s.db.WithContext(ctx).Where("api_key_hash = ?", hash).First(&account).Error; err != nil {
		return nil, notFound(err, domain.ErrAccountNotFound)
	}
	return &account, nil
}

// CreateAccount 创建账户
func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	account.Email = domain.NormalizeAddress(account.Email)
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Create(account).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrAccountExists
	}
	return err
}

// ========== Message Repository ==========

// GetMessage 获取邮件
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var message domain.Message
	if err := s.db.WithContext(ctx).First(&message, "id = ?", id).Error; err != nil {
		return nil, notFound(err, domain.ErrMessageNotFound)
	}
	return &message, nil
}

// GetMessageByDedupKey 按发件方 Message-ID 查找邮件
func (s *Store) GetMessageByDedupKey(ctx context.Context, key string) (*domain.Message, error) {
	if key == "" {
		return nil, domain.ErrMessageNotFound
	}
	var message domain.Message
	if err := s.db.WithContext(ctx).Where("dedup_key = ?", key).First(&message).Error; err != nil {
		return nil, notFound(err, domain.ErrMessageNotFound)
	}
	return &message, nil
}

// CreateMessage 保存邮件，dedup_key 唯一索引冲突时返回 ErrDuplicateMessage
func (s *Store) CreateMessage(ctx context.Context, message *domain.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.ThreadID == "" {
		message.ThreadID = message.ID
	}
	if message.StoredAt.IsZero() {
		message.StoredAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Create(message).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrDuplicateMessage
	}
	return err
}

// UpdateMessageHTML 替换 HTML 正文
//
// 正文以 JSON 列存储，需要读出后整体写回。
func (s *Store) UpdateMessageHTML(ctx context.Context, id, html string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var message domain.Message
		if err := tx.Select("id", "body").First(&message, "id = ?", id).Error; err != nil {
			return notFound(err, domain.ErrMessageNotFound)
		}
		message.Body.HTML = html
		return tx.Model(&domain.Message{ID: id}).Select("body").Updates(&domain.Message{Body: message.Body}).Error
	})
}

// RecordOpen 原子自增打开次数，首次打开时记录时间
func (s *Store) RecordOpen(ctx context.Context, id string, at time.Time) (*domain.Message, error) {
	res := s.db.WithContext(ctx).Model(&domain.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"open_count": gorm.Expr("open_count + 1"),
			"opened_at":  gorm.Expr("COALESCE(opened_at, ?)", at),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrMessageNotFound
	}
	return s.GetMessage(ctx, id)
}

// RecordClick 原子自增点击次数
func (s *Store) RecordClick(ctx context.Context, id string) (*domain.Message, error) {
	res := s.db.WithContext(ctx).Model(&domain.Message{}).Where("id = ?", id).
		Update("click_count", gorm.Expr("click_count + 1"))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrMessageNotFound
	}
	return s.GetMessage(ctx, id)
}

// ListThread 按接收时间列出同一会话的邮件
func (s *Store) ListThread(ctx context.Context, threadID string) ([]domain.Message, error) {
	var messages []domain.Message
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("received_at ASC").Find(&messages).Error
	return messages, err
}

// LatestMessage 返回满足条件的最近入库的邮件
func (s *Store) LatestMessage(ctx context.Context, filter domain.MessageFilter) (*domain.Message, error) {
	var message domain.Message
	err := s.filterMessages(ctx, filter).
		Order("stored_at DESC").Order("received_at DESC").Order("id DESC").
		First(&message).Error
	if err != nil {
		return nil, notFound(err, domain.ErrMessageNotFound)
	}
	return &message, nil
}

// ListMessages 按入库时间倒序分页列出邮件
func (s *Store) ListMessages(ctx context.Context, filter domain.MessageFilter, offset, limit int) ([]domain.Message, int64, error) {
	var total int64
	if err := s.filterMessages(ctx, filter).Model(&domain.Message{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := s.filterMessages(ctx, filter).
		Order("stored_at DESC").Order("received_at DESC").Order("id DESC").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	messages := []domain.Message{}
	if err := query.Find(&messages).Error; err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

func (s *Store) filterMessages(ctx context.Context, filter domain.MessageFilter) *gorm.DB {
	query := s.db.WithContext(ctx)
	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	// to 与 from 是保留字，用 map 条件让 GORM 按方言加引号
	if filter.To != "" {
		query = query.Where(map[string]interface{}{"to": filter.To})
	}
	if filter.From != "" {
		query = query.Where(map[string]interface{}{"from": filter.From})
	}
	if filter.Subject != "" {
		query = query.Where("LOWER(subject) LIKE ? ESCAPE '!'", "%"+escapeLike(strings.ToLower(filter.Subject))+"%")
	}
	return query
}

// escapeLike 转义 LIKE 通配符，转义字符为 '!'
func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// DeleteMessage 删除邮件
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}
