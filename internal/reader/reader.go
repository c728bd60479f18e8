package reader

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"mockmail/backend/internal/config"
	"mockmail/backend/internal/monitoring"
	"mockmail/backend/internal/pipeline"
)

// Opener 打开输入流。读到 EOF 后 Reader 会再次调用 Open。
type Opener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// OpenerFunc 函数形式的 Opener
type OpenerFunc func(ctx context.Context) (io.ReadCloser, error)

// Open 实现 Opener
func (f OpenerFunc) Open(ctx context.Context) (io.ReadCloser, error) {
	return f(ctx)
}

// Processor 处理一个原始邮件单元
type Processor interface {
	ProcessRaw(ctx context.Context, raw []byte) (*pipeline.Result, error)
}

// Options 读取器参数
type Options struct {
	Delimiter string
	Backoff   time.Duration
	QueueSize int
	ChunkSize int
}

// OptionsFromConfig 从配置构造读取器参数
func OptionsFromConfig(cfg config.ReaderConfig) Options {
	return Options{
		Delimiter: cfg.Delimiter,
		Backoff:   cfg.Backoff,
		QueueSize: cfg.QueueSize,
	}
}

// Reader 从单个输入流读取邮件并按顺序交给管道
//
// 读取与处理通过有界队列解耦，处理端只有一个协程，
// 第 n+1 封邮件在第 n 封的所有副作用完成后才开始处理。
type Reader struct {
	opener    Opener
	processor Processor
	opts      Options
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// New 创建读取器
func New(opener Opener, processor Processor, opts Options, metrics *monitoring.Metrics, log *zap.Logger) *Reader {
	if opts.Delimiter == "" {
		opts.Delimiter = DefaultDelimiter
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 32 * 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{
		opener:    opener,
		processor: processor,
		opts:      opts,
		metrics:   metrics,
		log:       log,
	}
}

// Run 持续读取直到 ctx 结束。已入队的单元会在返回前处理完。
func (r *Reader) Run(ctx context.Context) error {
	units := make(chan []byte, r.opts.QueueSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// 关闭阶段仍需处理完队列中的邮件
		workCtx := context.WithoutCancel(ctx)
		for raw := range units {
			r.handle(workCtx, raw)
		}
	}()

	r.log.Info("reader started", zap.String("delimiter", quoteDelimiter(r.opts.Delimiter)))
	r.readLoop(ctx, units)
	close(units)
	wg.Wait()
	r.log.Info("reader stopped")
	return nil
}

func (r *Reader) readLoop(ctx context.Context, units chan<- []byte) {
	for ctx.Err() == nil {
		rc, err := r.opener.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error("failed to open stream, retrying", zap.Duration("backoff", r.opts.Backoff), zap.Error(err))
			r.wait(ctx)
			continue
		}

		err = r.consume(ctx, rc, units)
		_ = rc.Close()
		if ctx.Err() != nil {
			return
		}
		r.metrics.RecordReaderReopen()
		if err != nil {
			r.log.Error("stream read failed, reopening", zap.Duration("backoff", r.opts.Backoff), zap.Error(err))
			r.wait(ctx)
		}
	}
}

// consume 读到 EOF 时把尾部作为最后一个单元，读错误时丢弃尾部
func (r *Reader) consume(ctx context.Context, rc io.ReadCloser, units chan<- []byte) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// 关闭以解除阻塞中的 Read
			_ = rc.Close()
		case <-stop:
		}
	}()

	splitter := NewSplitter(r.opts.Delimiter)
	buf := make([]byte, r.opts.ChunkSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			for _, unit := range splitter.Feed(buf[:n]) {
				if !r.push(ctx, units, unit) {
					return nil
				}
			}
		}
		if errors.Is(err, io.EOF) {
			if tail := splitter.Flush(); tail != nil {
				r.push(ctx, units, tail)
			}
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if dropped := splitter.Buffered(); dropped > 0 {
				r.log.Warn("partial unit discarded", zap.Int("bytes", dropped))
			}
			return err
		}
	}
}

func (r *Reader) push(ctx context.Context, units chan<- []byte, unit []byte) bool {
	select {
	case units <- unit:
		r.metrics.RecordReaderUnit("read")
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Reader) handle(ctx context.Context, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.RecordPanic("reader")
			r.log.Error("panic while processing unit", zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()

	res, err := r.processor.ProcessRaw(ctx, raw)
	switch {
	case errors.Is(err, pipeline.ErrMalformed):
		r.metrics.RecordReaderUnit("dropped")
		r.log.Warn("malformed unit dropped", zap.Int("bytes", len(raw)), zap.Error(err))
	case err != nil:
		r.metrics.RecordReaderUnit("failed")
		r.log.Error("failed to process unit", zap.Error(err))
	default:
		r.log.Debug("unit processed", zap.String("outcome", string(res.Outcome)))
	}
}

func (r *Reader) wait(ctx context.Context) {
	t := time.NewTimer(r.opts.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func quoteDelimiter(d string) string {
	out := make([]byte, 0, len(d)*2)
	for i := 0; i < len(d); i++ {
		switch d[i] {
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		default:
			out = append(out, d[i])
		}
	}
	return string(out)
}
