package reader

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mockmail/backend/internal/pipeline"
)

func TestSplitter(t *testing.T) {
	t.Run("跨块切分", func(t *testing.T) {
		s := NewSplitter("")
		assert.Empty(t, s.Feed([]byte("Subject: a\n\nbody\n")))
		units := s.Feed([]byte(".\nSubject: b\n\nbo"))
		require.Len(t, units, 1)
		assert.Equal(t, "Subject: a\n\nbody", string(units[0]))

		units = s.Feed([]byte("dy\n.\n"))
		require.Len(t, units, 1)
		assert.Equal(t, "Subject: b\n\nbody", string(units[0]))
		assert.Zero(t, s.Buffered())
	})

	t.Run("分隔符被拆开", func(t *testing.T) {
		s := NewSplitter("\n.\n")
		assert.Empty(t, s.Feed([]byte("one\n")))
		assert.Empty(t, s.Feed([]byte(".")))
		units := s.Feed([]byte("\ntwo"))
		require.Len(t, units, 1)
		assert.Equal(t, "one", string(units[0]))
		assert.Equal(t, "two", string(s.Flush()))
	})

	t.Run("丢弃空白单元", func(t *testing.T) {
		s := NewSplitter("\n.\n")
		units := s.Feed([]byte("\n.\n  \n.\nreal\n.\n"))
		require.Len(t, units, 1)
		assert.Equal(t, "real", string(units[0]))
		assert.Nil(t, s.Flush())
	})

	t.Run("自定义分隔符", func(t *testing.T) {
		s := NewSplitter("\r\n.\r\n")
		units := s.Feed([]byte("a\r\n.\r\nb\r\n.\r\n"))
		require.Len(t, units, 2)
		assert.Equal(t, "b", string(units[1]))
	})

	t.Run("返回的单元不受后续写入影响", func(t *testing.T) {
		s := NewSplitter("")
		units := s.Feed([]byte("first\n.\nsec"))
		s.Feed([]byte("ond\n.\n"))
		assert.Equal(t, "first", string(units[0]))
	})
}

// recorder 记录处理顺序与并发度
type recorder struct {
	mu       sync.Mutex
	units    []string
	active   int32
	maxSeen  int32
	delay    time.Duration
	panicOn  string
	errOn    map[string]error
	received chan struct{}
}

func newRecorder() *recorder {
	return &recorder{received: make(chan struct{}, 64), errOn: map[string]error{}}
}

func (r *recorder) ProcessRaw(ctx context.Context, raw []byte) (*pipeline.Result, error) {
	defer func() { r.received <- struct{}{} }()

	n := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)
	for {
		m := atomic.LoadInt32(&r.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&r.maxSeen, m, n) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	unit := string(raw)
	r.mu.Lock()
	r.units = append(r.units, unit)
	r.mu.Unlock()

	if unit == r.panicOn {
		panic("boom")
	}
	if err, ok := r.errOn[unit]; ok {
		return nil, err
	}
	return &pipeline.Result{Outcome: pipeline.OutcomeStored}, nil
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.units...)
}

func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for unit %d", i+1)
		}
	}
}

// sequence 依次返回预设的输入流，用完后阻塞到 ctx 结束
type sequence struct {
	mu      sync.Mutex
	streams []string
	errs    []error
	opens   int
}

func (s *sequence) Open(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	idx := s.opens
	s.opens++
	s.mu.Unlock()

	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.streams) {
		return io.NopCloser(strings.NewReader(s.streams[idx])), nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *sequence) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func runReader(t *testing.T, opener Opener, proc Processor, opts Options) (context.CancelFunc, <-chan error) {
	t.Helper()
	if opts.Backoff == 0 {
		opts.Backoff = 10 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := New(opener, proc, opts, nil, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop")
	}
}

func TestReader(t *testing.T) {
	t.Run("按顺序串行处理", func(t *testing.T) {
		rec := newRecorder()
		rec.delay = 5 * time.Millisecond
		seq := &sequence{streams: []string{"a\n.\nb\n.\nc\n.\nd\n.\n"}}

		cancel, done := runReader(t, seq, rec, Options{QueueSize: 4})
		rec.waitFor(t, 4)
		stop(t, cancel, done)

		assert.Equal(t, []string{"a", "b", "c", "d"}, rec.seen())
		assert.Equal(t, int32(1), atomic.LoadInt32(&rec.maxSeen))
	})

	t.Run("EOF时提交尾部并重新打开", func(t *testing.T) {
		rec := newRecorder()
		seq := &sequence{streams: []string{"first\n.\ntail", "second\n.\n"}}

		cancel, done := runReader(t, seq, rec, Options{})
		rec.waitFor(t, 3)
		stop(t, cancel, done)

		assert.Equal(t, []string{"first", "tail", "second"}, rec.seen())
		assert.GreaterOrEqual(t, seq.count(), 3)
	})

	t.Run("打开失败后退避重试", func(t *testing.T) {
		rec := newRecorder()
		seq := &sequence{
			errs:    []error{errors.New("no such pipe"), errors.New("no such pipe")},
			streams: []string{"", "", "ok\n.\n"},
		}

		cancel, done := runReader(t, seq, rec, Options{})
		rec.waitFor(t, 1)
		stop(t, cancel, done)

		assert.Equal(t, []string{"ok"}, rec.seen())
	})

	t.Run("panic不影响后续单元", func(t *testing.T) {
		rec := newRecorder()
		rec.panicOn = "bad"
		seq := &sequence{streams: []string{"bad\n.\ngood\n.\n"}}

		cancel, done := runReader(t, seq, rec, Options{})
		rec.waitFor(t, 2)
		stop(t, cancel, done)

		assert.Equal(t, []string{"bad", "good"}, rec.seen())
	})

	t.Run("处理错误不影响后续单元", func(t *testing.T) {
		rec := newRecorder()
		rec.errOn["junk"] = pipeline.ErrMalformed
		rec.errOn["fail"] = errors.New("database down")
		seq := &sequence{streams: []string{"junk\n.\nfail\n.\nfine\n.\n"}}

		cancel, done := runReader(t, seq, rec, Options{})
		rec.waitFor(t, 3)
		stop(t, cancel, done)

		assert.Equal(t, []string{"junk", "fail", "fine"}, rec.seen())
	})

	t.Run("关闭时处理完已入队单元", func(t *testing.T) {
		rec := newRecorder()
		rec.delay = 20 * time.Millisecond
		seq := &sequence{streams: []string{"1\n.\n2\n.\n3\n.\n"}}

		cancel, done := runReader(t, seq, rec, Options{QueueSize: 8})
		rec.waitFor(t, 1)
		stop(t, cancel, done)

		// Run 返回前队列已清空
		assert.Equal(t, []string{"1", "2", "3"}, rec.seen())
	})

	t.Run("取消阻塞中的读取", func(t *testing.T) {
		rec := newRecorder()
		pr, pw := io.Pipe()
		defer pw.Close()
		opened := make(chan struct{})
		var once sync.Once
		opener := OpenerFunc(func(ctx context.Context) (io.ReadCloser, error) {
			first := false
			once.Do(func() { first = true })
			if first {
				close(opened)
				return pr, nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		})

		cancel, done := runReader(t, opener, rec, Options{})
		<-opened
		_, err := pw.Write([]byte("x\n.\npartial"))
		require.NoError(t, err)
		rec.waitFor(t, 1)
		stop(t, cancel, done)

		assert.Equal(t, []string{"x"}, rec.seen())
	})
}
