package smtp

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/pipeline"
)

type fakePipeline struct {
	mu        sync.Mutex
	processed []domain.InboundMessage
	decodeErr error
	procErr   error
}

func (f *fakePipeline) Decode(raw []byte) (*domain.InboundMessage, error) {
	if f.decodeErr != nil {
		return nil, f.decodeErr
	}
	return &domain.InboundMessage{MessageID: "m1@example.com", Subject: "hi", Raw: raw}, nil
}

func (f *fakePipeline) Process(_ context.Context, in *domain.InboundMessage) (*pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.procErr != nil {
		return nil, f.procErr
	}
	f.processed = append(f.processed, *in)
	return &pipeline.Result{Outcome: pipeline.OutcomeStored}, nil
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTPError, got %v", err)
	return smtpErr.Code
}

func TestSession(t *testing.T) {
	ctx := context.Background()

	newSession := func(t *testing.T, p *fakePipeline) gosmtp.Session {
		t.Helper()
		b := NewBackend(ctx, p, []string{"MockMail.dev"}, nil, nil, nil)
		s, err := b.NewSession(nil)
		require.NoError(t, err)
		return s
	}

	t.Run("只接受本系统域名", func(t *testing.T) {
		s := newSession(t, &fakePipeline{})
		assert.NoError(t, s.Rcpt("<User@MockMail.dev>", nil))
		assert.Equal(t, 550, smtpCode(t, s.Rcpt("someone@gmail.com", nil)))
		assert.Equal(t, 501, smtpCode(t, s.Rcpt("not-an-address", nil)))
		assert.Equal(t, 501, smtpCode(t, s.Rcpt("user@", nil)))
	})

	t.Run("每个收件人各处理一次", func(t *testing.T) {
		p := &fakePipeline{}
		s := newSession(t, p)
		require.NoError(t, s.Mail("sender@example.com", nil))
		require.NoError(t, s.Rcpt("a@mockmail.dev", nil))
		require.NoError(t, s.Rcpt("b@mockmail.dev", nil))

		require.NoError(t, s.Data(strings.NewReader("Subject: hi\r\n\r\nbody")))

		require.Len(t, p.processed, 2)
		assert.Equal(t, "a@mockmail.dev", p.processed[0].To)
		assert.Equal(t, "b@mockmail.dev", p.processed[1].To)
		assert.Equal(t, "sender@example.com", p.processed[0].From)
	})

	t.Run("无法解析的邮件返回554", func(t *testing.T) {
		p := &fakePipeline{decodeErr: pipeline.ErrMalformed}
		s := newSession(t, p)
		require.NoError(t, s.Rcpt("a@mockmail.dev", nil))
		assert.Equal(t, 554, smtpCode(t, s.Data(strings.NewReader("garbage"))))
	})

	t.Run("存储故障返回451", func(t *testing.T) {
		p := &fakePipeline{procErr: errors.New("db down")}
		s := newSession(t, p)
		require.NoError(t, s.Rcpt("a@mockmail.dev", nil))
		assert.Equal(t, 451, smtpCode(t, s.Data(strings.NewReader("Subject: x\r\n\r\ny"))))
	})

	t.Run("Reset清空收件人", func(t *testing.T) {
		p := &fakePipeline{}
		s := newSession(t, p)
		require.NoError(t, s.Rcpt("a@mockmail.dev", nil))
		s.Reset()
		require.NoError(t, s.Data(strings.NewReader("Subject: x\r\n\r\ny")))
		assert.Empty(t, p.processed)
	})
}

func TestConnectionLimiter(t *testing.T) {
	t.Run("并发上限", func(t *testing.T) {
		l := NewConnectionLimiter(2, 100)
		assert.True(t, l.Acquire())
		assert.True(t, l.Acquire())
		assert.False(t, l.Acquire())
		l.Release()
		assert.Equal(t, 1, l.Current())
		assert.True(t, l.Acquire())
	})

	t.Run("速率上限", func(t *testing.T) {
		l := NewConnectionLimiter(100, 3)
		allowed := 0
		for i := 0; i < 10; i++ {
			if l.Acquire() {
				allowed++
			}
		}
		assert.Equal(t, 3, allowed)
	})

	t.Run("会话结束释放许可", func(t *testing.T) {
		l := NewConnectionLimiter(1, 100)
		b := NewBackend(context.Background(), &fakePipeline{}, []string{"mockmail.dev"}, l, nil, nil)

		s, err := b.NewSession(nil)
		require.NoError(t, err)
		_, err = b.NewSession(nil)
		assert.Equal(t, 421, smtpCode(t, err))

		require.NoError(t, s.Logout())
		require.NoError(t, s.Logout())
		assert.Equal(t, 0, l.Current())
	})
}
