package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/monitoring"
	"mockmail/backend/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type brokenLookup struct{}

func (brokenLookup) GetAccountByAPIKeyHash(context.Context, string) (*domain.Account, error) {
	return nil, errors.New("connection refused")
}

func TestAPIKeyAuth(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.CreateAccount(context.Background(), &domain.Account{
		ID:         "acct-1",
		Email:      "dev@example.com",
		APIKeyHash: domain.HashAPIKey("mm_live_key"),
	}))

	newRouter := func(lookup AccountLookup) *gin.Engine {
		r := gin.New()
		r.GET("/p", NewAPIKeyAuth(lookup, nil).RequireAPIKey(), func(c *gin.Context) {
			c.String(http.StatusOK, AccountID(c))
		})
		return r
	}

	testCases := []struct {
		name   string
		lookup AccountLookup
		key    string
		status int
		body   string
	}{
		{"有效Key", store, "mm_live_key", http.StatusOK, "acct-1"},
		{"缺少Key", store, "", http.StatusUnauthorized, "missing API key"},
		{"错误Key", store, "nope", http.StatusUnauthorized, "invalid API key"},
		{"存储故障", brokenLookup{}, "mm_live_key", http.StatusInternalServerError, "internal server error"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/p", nil)
			if tc.key != "" {
				req.Header.Set("X-API-Key", tc.key)
			}
			w := httptest.NewRecorder()
			newRouter(tc.lookup).ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), tc.body)
		})
	}
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.POST("/in", BodySizeLimit(16), func(c *gin.Context) {
		var v map[string]string
		if err := c.ShouldBindJSON(&v); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	t.Run("未超限", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/in", strings.NewReader(`{"a":"b"}`)))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("声明长度超限", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/in", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, w.Body.String(), `"code":413`)
	})

	t.Run("未声明长度时读取截断", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/in", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPanicRecovery(t *testing.T) {
	mm := NewMonitoringMiddleware(monitoring.NewMetrics(), nil)
	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestValidateContentType(t *testing.T) {
	r := gin.New()
	r.Use(ValidateContentType("application/json"))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
