package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
)

// 上下文键
const (
	ContextAccountID = "accountID"
	ContextAccount   = "account"
)

// AccountLookup 按 API Key 摘要查找账户
type AccountLookup interface {
	GetAccountByAPIKeyHash(ctx context.Context, hash string) (*domain.Account, error)
}

// APIKeyAuth API Key认证中间件
type APIKeyAuth struct {
	accounts AccountLookup
	log      *zap.Logger
}

// NewAPIKeyAuth 创建API Key认证中间件
func NewAPIKeyAuth(accounts AccountLookup, log *zap.Logger) *APIKeyAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIKeyAuth{accounts: accounts, log: log}
}

// RequireAPIKey 要求API Key认证
func (m *APIKeyAuth) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if apiKey == "" {
			abort(c, http.StatusUnauthorized, "missing API key")
			return
		}

		account, err := m.accounts.GetAccountByAPIKeyHash(c.Request.Context(), domain.HashAPIKey(apiKey))
		if err != nil {
			if !errors.Is(err, domain.ErrAccountNotFound) {
				m.log.Error("api key lookup failed", zap.Error(err))
				abort(c, http.StatusInternalServerError, "internal server error")
				return
			}
			abort(c, http.StatusUnauthorized, "invalid API key")
			return
		}

		c.Set(ContextAccountID, account.ID)
		c.Set(ContextAccount, account)

		c.Next()
	}
}

// AccountID 取出已认证的账户ID
func AccountID(c *gin.Context) string {
	return c.GetString(ContextAccountID)
}
