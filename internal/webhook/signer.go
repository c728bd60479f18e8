package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature 签名头格式错误或校验失败
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign 计算 hex(HMAC-SHA256(secret, "<t>.<payload>"))
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader 生成 X-Signature 头: t=<unix>,v1=<hex>
func SignatureHeader(secret string, timestamp int64, payload []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, Sign(secret, timestamp, payload))
}

// Verify 订阅方校验签名头，Receiver 在处理每个回调前调用它。
// tolerance 为 0 时不校验时间戳新鲜度。
func Verify(secret, header string, payload []byte, tolerance time.Duration, now time.Time) error {
	var (
		timestamp int64
		sig       string
		err       error
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrInvalidSignature
		}
		switch k {
		case "t":
			if timestamp, err = strconv.ParseInt(v, 10, 64); err != nil {
				return ErrInvalidSignature
			}
		case "v1":
			sig = v
		}
	}
	if timestamp == 0 || sig == "" {
		return ErrInvalidSignature
	}
	if tolerance > 0 && now.Sub(time.Unix(timestamp, 0)).Abs() > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := Sign(secret, timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// GenerateSecret 生成 whsec_ 前缀的 32 字节随机密钥
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
