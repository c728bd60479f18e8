//go:build !unix

package reader

import (
	"context"
	"errors"
	"io"
)

// FIFOOpener 命名管道仅在类 Unix 系统上可用
type FIFOOpener struct {
	Path string
	Mode uint32
}

// Open 实现 Opener
func (o *FIFOOpener) Open(context.Context) (io.ReadCloser, error) {
	return nil, errors.New("named pipes are not supported on this platform")
}
