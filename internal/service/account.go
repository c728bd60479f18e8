package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"mockmail/backend/internal/domain"
)

// API Key 前缀
const apiKeyPrefix = "mm_"

var ErrInvalidAccountEmail = errors.New("invalid account email")

// AccountStore 账户服务依赖的仓储
type AccountStore interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
}

// AccountService 账户开通
//
// 管道只读取账户，开通由运维命令 cmd/create-account 完成。
type AccountService struct {
	store AccountStore
	now   func() time.Time
}

// NewAccountService 创建账户服务
func NewAccountService(store AccountStore) *AccountService {
	return &AccountService{store: store, now: time.Now}
}

// CreateAccount 创建账户并签发 API Key。明文 Key 只在此时返回，存储中只保存摘要。
func (s *AccountService) CreateAccount(ctx context.Context, email, name string) (*domain.Account, string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidAccountEmail, err)
	}

	key, err := generateAPIKey()
	if err != nil {
		return nil, "", err
	}

	account := &domain.Account{
		ID:         uuid.NewString(),
		Email:      domain.NormalizeAddress(addr.Address),
		Name:       strings.TrimSpace(name),
		APIKeyHash: domain.HashAPIKey(key),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, "", err
	}
	return account, key, nil
}

// generateAPIKey 生成随机 API Key：前缀 + 43 字符 base64url
func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
