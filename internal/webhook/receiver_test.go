package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockmail/backend/internal/domain"
)

func TestReceiver(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := "whsec_receiver"
	now := time.Unix(1700000000, 0)

	receiver := NewReceiver(secret, time.Minute, nil)
	receiver.now = func() time.Time { return now }
	r := gin.New()
	r.POST("/hook", receiver.Handle)

	body, err := json.Marshal(domain.Event{
		ID:        "evt-1",
		Event:     domain.EventEmailReceived,
		Timestamp: now.Unix(),
		Data:      map[string]interface{}{"messageId": "m1"},
	})
	require.NoError(t, err)

	post := func(payload []byte, signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(payload))
		req.Header.Set(HeaderSignature, signature)
		req.Header.Set(HeaderEvent, string(domain.EventEmailReceived))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("签名有效", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, post(body, SignatureHeader(secret, now.Unix(), body)))
	})

	t.Run("密钥错误", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, post(body, SignatureHeader("whsec_other", now.Unix(), body)))
	})

	t.Run("签名过期", func(t *testing.T) {
		old := now.Add(-10 * time.Minute).Unix()
		assert.Equal(t, http.StatusUnauthorized, post(body, SignatureHeader(secret, old, body)))
	})

	t.Run("签名有效但载荷不是JSON", func(t *testing.T) {
		payload := []byte("not json")
		assert.Equal(t, http.StatusBadRequest, post(payload, SignatureHeader(secret, now.Unix(), payload)))
	})
}
