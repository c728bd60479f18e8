package security

import (
	"strings"

	"golang.org/x/net/http/httpguts"

	"mockmail/backend/internal/domain"
)

// forbiddenHeaders 订阅方不允许设置的头部（小写）
var forbiddenHeaders = map[string]struct{}{
	"authorization":     {},
	"cookie":            {},
	"set-cookie":        {},
	"host":              {},
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
	"upgrade":           {},
	"te":                {},
	"trailer":           {},
	"x-real-ip":         {},
	"x-internal-token":  {},
	"x-api-key":         {},
	// 由投递引擎设置
	"x-signature":   {},
	"x-event":       {},
	"x-delivery-id": {},
	"content-type":  {},
	"user-agent":    {},
}

var forbiddenPrefixes = []string{"proxy-", "x-forwarded-"}

// HeaderAllowed 判断订阅方自定义头部是否允许发送
func HeaderAllowed(key, value string) bool {
	if !httpguts.ValidHeaderFieldName(key) || !httpguts.ValidHeaderFieldValue(value) {
		return false
	}
	lower := strings.ToLower(key)
	if _, ok := forbiddenHeaders[lower]; ok {
		return false
	}
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	return true
}

// SanitizeHeaders 过滤订阅方自定义头部，返回保留的头部与被丢弃的键
func SanitizeHeaders(h domain.Headers) (domain.Headers, []string) {
	if len(h) == 0 {
		return nil, nil
	}
	out := make(domain.Headers, 0, len(h))
	var dropped []string
	for _, f := range h {
		if HeaderAllowed(f.Key, f.Value) {
			out = append(out, f)
		} else {
			dropped = append(dropped, f.Key)
		}
	}
	return out, dropped
}
