package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// HeaderField 单个头部字段
type HeaderField struct {
	Key   string
	Value string
}

// Headers 有序的字符串键值表
//
// 从邮件解析到存储、再到 Webhook 订阅方自定义头部，统一使用该类型。
// 键的比较不区分大小写，但保留首次写入时的原始大小写与顺序。
type Headers []HeaderField

// NewHeaders 按参数顺序构造 Headers，参数为 key, value 交替出现
func NewHeaders(kv ...string) Headers {
	h := make(Headers, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		h = h.Add(kv[i], kv[i+1])
	}
	return h
}

// Get 返回第一个匹配键的值
func (h Headers) Get(key string) string {
	for _, f := range h {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

// Has 判断是否存在指定键
func (h Headers) Has(key string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Key, key) {
			return true
		}
	}
	return false
}

// Values 返回所有匹配键的值
func (h Headers) Values(key string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Key, key) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Add 追加字段（允许重复键，例如 Received）
func (h Headers) Add(key, value string) Headers {
	return append(h, HeaderField{Key: key, Value: value})
}

// Set 替换第一个同名字段并删除其余同名字段；不存在时追加
func (h Headers) Set(key, value string) Headers {
	out := make(Headers, 0, len(h)+1)
	replaced := false
	for _, f := range h {
		if strings.EqualFold(f.Key, key) {
			if replaced {
				continue
			}
			out = append(out, HeaderField{Key: f.Key, Value: value})
			replaced = true
			continue
		}
		out = append(out, f)
	}
	if !replaced {
		out = append(out, HeaderField{Key: key, Value: value})
	}
	return out
}

// Del 删除所有同名字段
func (h Headers) Del(key string) Headers {
	out := make(Headers, 0, len(h))
	for _, f := range h {
		if !strings.EqualFold(f.Key, key) {
			out = append(out, f)
		}
	}
	return out
}

// Keys 按顺序返回键
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for _, f := range h {
		keys = append(keys, f.Key)
	}
	return keys
}

// Clone 深拷贝
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// MarshalJSON 序列化为 JSON 对象并保持字段顺序。重复键会以数组形式输出。
func (h Headers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	seen := make(map[string]bool, len(h))
	first := true
	for _, f := range h {
		lower := strings.ToLower(f.Key)
		if seen[lower] {
			continue
		}
		seen[lower] = true

		if !first {
			buf.WriteByte(',')
		}
		first = false

		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var val []byte
		if values := h.Values(f.Key); len(values) > 1 {
			val, err = json.Marshal(values)
		} else {
			val, err = json.Marshal(f.Value)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 从 JSON 对象反序列化，保留对象中的键顺序
func (h *Headers) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*h = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("headers: expected object, got %v", tok)
	}

	out := Headers{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("headers: invalid key %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}

		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			out = out.Add(key, single)
			continue
		}
		var multi []string
		if err := json.Unmarshal(raw, &multi); err != nil {
			return fmt.Errorf("headers: value of %q must be string or string array", key)
		}
		for _, v := range multi {
			out = out.Add(key, v)
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*h = out
	return nil
}

// Value 实现 driver.Valuer，以 JSON 文本落库
func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return "{}", nil
	}
	data, err := h.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner
func (h *Headers) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*h = nil
		return nil
	case []byte:
		return h.UnmarshalJSON(v)
	case string:
		return h.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("headers: unsupported scan type %T", src)
	}
}
