package tracking

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/mailparse"
	"mockmail/backend/internal/storage/memory"
)

const base = "https://mockmail.dev"

func TestRewriter(t *testing.T) {
	r := NewRewriter(base + "/")

	t.Run("改写外链并在body前注入像素", func(t *testing.T) {
		doc := `<html><body><p>Hi <a href="https://example.com/a?b=1&amp;c=2">link</a> <a href="mailto:x@y.z">mail</a></p></body></html>`
		out, err := r.Rewrite("msg-1", doc)
		require.NoError(t, err)

		assert.Contains(t, out, `href="https://mockmail.dev/api/mail/track/click/msg-1?url=https%3A%2F%2Fexample.com%2Fa%3Fb%3D1%26c%3D2"`)
		assert.Contains(t, out, `href="mailto:x@y.z"`)
		pixel := `<img src="https://mockmail.dev/api/mail/track/open/msg-1" width="1" height="1" alt="" style="display:none" /></body>`
		assert.Contains(t, out, pixel)
		assert.Contains(t, out, "<p>Hi ")
	})

	t.Run("无body时追加像素", func(t *testing.T) {
		out, err := r.Rewrite("msg-1", `<p><a href="http://example.com">x</a></p>`)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(out, `style="display:none" />`))
		assert.Contains(t, out, "/api/mail/track/click/msg-1?url=http%3A%2F%2Fexample.com")
	})

	t.Run("重复改写结果不变", func(t *testing.T) {
		doc := `<html><body><a href="https://example.com">x</a></body></html>`
		once, err := r.Rewrite("msg-1", doc)
		require.NoError(t, err)
		twice, err := r.Rewrite("msg-1", once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
		assert.Equal(t, 1, strings.Count(twice, "/api/mail/track/open/"))
	})

	t.Run("包装规范化后的链接", func(t *testing.T) {
		out, err := r.Rewrite("msg-1", `<a href="https://example.com/docs.">docs</a><a href="https://">bad</a>`)
		require.NoError(t, err)
		assert.Contains(t, out, "?url=https%3A%2F%2Fexample.com%2Fdocs\"")
		assert.Contains(t, out, `href="https://"`)
	})

	t.Run("空正文不处理", func(t *testing.T) {
		out, err := r.Rewrite("msg-1", "  ")
		require.NoError(t, err)
		assert.Equal(t, "  ", out)
	})
}

type recorder struct {
	mu      sync.Mutex
	opened  []int
	clicked []string
}

func (r *recorder) EmailOpened(_ context.Context, m *domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, m.OpenCount)
}

func (r *recorder) EmailClicked(_ context.Context, _ *domain.Message, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clicked = append(r.clicked, url)
}

func seedMessage(t *testing.T, store *memory.Store) *domain.Message {
	t.Helper()
	ctx := context.Background()
	mailbox := &domain.Mailbox{Address: "a@mockmail.dev", OwnerID: "acc-1"}
	require.NoError(t, store.CreateMailbox(ctx, mailbox))
	msg := &domain.Message{
		MailboxID: mailbox.ID,
		OwnerID:   "acc-1",
		Body: domain.MessageBody{
			HTML:  `<html><body><a href="https://example.com/x">x</a></body></html>`,
			Links: []string{"https://example.com/x"},
		},
	}
	require.NoError(t, store.CreateMessage(ctx, msg))
	return msg
}

func TestService(t *testing.T) {
	ctx := context.Background()

	t.Run("入库后改写正文", func(t *testing.T) {
		store := memory.NewStore()
		msg := seedMessage(t, store)
		svc := NewService(store, NewRewriter(base), nil, true, nil, nil)

		svc.Enrich(ctx, msg)
		assert.Contains(t, msg.Body.HTML, "/api/mail/track/open/"+msg.ID)

		stored, err := store.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, msg.Body.HTML, stored.Body.HTML)
		assert.Equal(t, []string{"https://example.com/x"}, stored.Body.Links)
	})

	t.Run("关闭追踪时不改写", func(t *testing.T) {
		store := memory.NewStore()
		msg := seedMessage(t, store)
		original := msg.Body.HTML
		NewService(store, NewRewriter(base), nil, false, nil, nil).Enrich(ctx, msg)
		assert.Equal(t, original, msg.Body.HTML)
	})

	t.Run("打开计数并通知", func(t *testing.T) {
		store := memory.NewStore()
		msg := seedMessage(t, store)
		rec := &recorder{}
		svc := NewService(store, NewRewriter(base), rec, true, nil, nil)

		_, err := svc.RecordOpen(ctx, msg.ID)
		require.NoError(t, err)
		got, err := svc.RecordOpen(ctx, msg.ID)
		require.NoError(t, err)

		assert.Equal(t, 2, got.OpenCount)
		assert.NotNil(t, got.OpenedAt)
		assert.Equal(t, []int{1, 2}, rec.opened)
	})

	t.Run("只重定向到邮件内的链接", func(t *testing.T) {
		store := memory.NewStore()
		msg := seedMessage(t, store)
		rec := &recorder{}
		svc := NewService(store, NewRewriter(base), rec, true, nil, nil)

		target, err := svc.RecordClick(ctx, msg.ID, "https://example.com/x")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/x", target)

		_, err = svc.RecordClick(ctx, msg.ID, "https://evil.example/phish")
		assert.ErrorIs(t, err, ErrUnknownLink)

		stored, _ := store.GetMessage(ctx, msg.ID)
		assert.Equal(t, 1, stored.ClickCount)
		assert.Equal(t, []string{"https://example.com/x"}, rec.clicked)
	})

	t.Run("邮件不存在", func(t *testing.T) {
		svc := NewService(memory.NewStore(), NewRewriter(base), nil, true, nil, nil)
		_, err := svc.RecordOpen(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
		_, err = svc.RecordClick(ctx, "missing", "https://example.com")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	})
}

func TestClickRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	mailbox := &domain.Mailbox{Address: "a@mockmail.dev", OwnerID: "acc-1"}
	require.NoError(t, store.CreateMailbox(ctx, mailbox))

	body := mailparse.ParseBody(`<p>See <a href="https://example.com/docs.">docs</a> and <a href="https://example.com/faq)">faq</a></p>`, "")
	msg := &domain.Message{MailboxID: mailbox.ID, OwnerID: "acc-1", Body: body}
	require.NoError(t, store.CreateMessage(ctx, msg))

	svc := NewService(store, NewRewriter(base), nil, true, nil, nil)
	svc.Enrich(ctx, msg)

	stored, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)

	// 从改写后的正文取出每个追踪链接，点击必须命中白名单
	clickPrefix := base + ClickPath + msg.ID + "?url="
	var targets []string
	for _, part := range strings.Split(stored.Body.HTML, `href="`)[1:] {
		href := part[:strings.Index(part, `"`)]
		require.True(t, strings.HasPrefix(href, clickPrefix), href)
		target, err := url.QueryUnescape(strings.TrimPrefix(href, clickPrefix))
		require.NoError(t, err)
		targets = append(targets, target)
	}
	require.Equal(t, []string{"https://example.com/docs", "https://example.com/faq"}, targets)

	for _, target := range targets {
		got, err := svc.RecordClick(ctx, msg.ID, target)
		require.NoError(t, err)
		assert.Equal(t, target, got)
	}
	stored, err = store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ClickCount)
}
