//go:build unix

package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"syscall"
	"time"
)

// FIFOOpener 打开命名管道，不存在时创建
//
// 以只读方式阻塞打开，写入方关闭后读到 EOF，一次写入会话即为一个批次。
type FIFOOpener struct {
	Path string
	Mode uint32
}

type openResult struct {
	f   *os.File
	err error
}

// Open 实现 Opener
func (o *FIFOOpener) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := o.ensure(); err != nil {
		return nil, err
	}

	ch := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(o.Path, os.O_RDONLY, 0)
		ch <- openResult{f: f, err: err}
	}()

	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		o.wake(ch)
		return nil, ctx.Err()
	}
}

// wake 以非阻塞写方式打开管道，唤醒阻塞在 open 上的读端
func (o *FIFOOpener) wake(ch <-chan openResult) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < 100; i++ {
		if w, err := os.OpenFile(o.Path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
			_ = w.Close()
		}
		select {
		case r := <-ch:
			if r.f != nil {
				_ = r.f.Close()
			}
			return
		case <-ticker.C:
		}
	}
}

func (o *FIFOOpener) ensure() error {
	info, err := os.Stat(o.Path)
	if errors.Is(err, fs.ErrNotExist) {
		mode := o.Mode
		if mode == 0 {
			mode = 0o660
		}
		if err := syscall.Mkfifo(o.Path, mode); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("mkfifo %s: %w", o.Path, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", o.Path, err)
	}
	if info.Mode()&fs.ModeNamedPipe == 0 {
		return fmt.Errorf("%s exists and is not a named pipe", o.Path)
	}
	return nil
}
