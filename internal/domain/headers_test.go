package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders(t *testing.T) {
	t.Run("保持插入顺序且大小写不敏感", func(t *testing.T) {
		h := NewHeaders("X-B", "2", "x-a", "1", "Received", "r1")
		h = h.Add("Received", "r2")

		assert.Equal(t, []string{"X-B", "x-a", "Received", "Received"}, h.Keys())
		assert.Equal(t, "1", h.Get("X-A"))
		assert.Equal(t, []string{"r1", "r2"}, h.Values("received"))
		assert.True(t, h.Has("x-b"))
		assert.False(t, h.Has("x-c"))
	})

	t.Run("Set替换首个字段并移除重复", func(t *testing.T) {
		h := NewHeaders("A", "1", "B", "2", "a", "3")
		h = h.Set("A", "9")

		assert.Equal(t, []string{"A", "B"}, h.Keys())
		assert.Equal(t, "9", h.Get("a"))

		h = h.Set("C", "3")
		assert.Equal(t, []string{"A", "B", "C"}, h.Keys())
	})

	t.Run("Del删除所有同名字段", func(t *testing.T) {
		h := NewHeaders("A", "1", "B", "2", "a", "3").Del("A")
		assert.Equal(t, []string{"B"}, h.Keys())
	})

	t.Run("JSON保持顺序", func(t *testing.T) {
		h := NewHeaders("Zeta", "z", "Alpha", "a", "Received", "r1", "Received", "r2")
		data, err := json.Marshal(h)
		require.NoError(t, err)
		assert.Equal(t, `{"Zeta":"z","Alpha":"a","Received":["r1","r2"]}`, string(data))

		var decoded Headers
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, h, decoded)
	})

	t.Run("拒绝非字符串值", func(t *testing.T) {
		var decoded Headers
		err := json.Unmarshal([]byte(`{"A":1}`), &decoded)
		assert.Error(t, err)
	})

	t.Run("数据库读写", func(t *testing.T) {
		h := NewHeaders("X-Token", "abc")
		v, err := h.Value()
		require.NoError(t, err)

		var scanned Headers
		require.NoError(t, scanned.Scan([]byte(v.(string))))
		assert.Equal(t, h, scanned)

		require.NoError(t, scanned.Scan(nil))
		assert.Nil(t, scanned)
	})
}

func TestMailbox_NeedsReactivation(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
		active    bool
	}{
		{"未设置过期时间", nil, true, false},
		{"已过期", &past, true, false},
		{"恰好到期", &now, true, false},
		{"仍然有效", &future, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mb := &Mailbox{ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.want, mb.NeedsReactivation(now))
			assert.Equal(t, tt.active, mb.Active(now))
		})
	}
}
