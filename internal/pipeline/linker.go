package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
)

// MessageLookup 去重与会话关联依赖的仓储
type MessageLookup interface {
	GetMessageByDedupKey(ctx context.Context, key string) (*domain.Message, error)
}

// Linker 负责 Message-ID 去重与会话归并
type Linker struct {
	store MessageLookup
	log   *zap.Logger
}

// NewLinker 创建去重与会话关联器
func NewLinker(store MessageLookup, log *zap.Logger) *Linker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Linker{store: store, log: log}
}

// Existing 返回已入库的同 Message-ID 邮件，不存在时返回 nil
func (l *Linker) Existing(ctx context.Context, dedupKey string) (*domain.Message, error) {
	if dedupKey == "" {
		return nil, nil
	}
	msg, err := l.store.GetMessageByDedupKey(ctx, dedupKey)
	if errors.Is(err, domain.ErrMessageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ThreadFor 计算会话 ID：优先 In-Reply-To，其次 References 第一项，都找不到时以自身为根
func (l *Linker) ThreadFor(ctx context.Context, inReplyTo string, references []string, selfID string) string {
	if id := l.threadOf(ctx, inReplyTo); id != "" {
		return id
	}
	if len(references) > 0 {
		if id := l.threadOf(ctx, references[0]); id != "" {
			return id
		}
	}
	return selfID
}

func (l *Linker) threadOf(ctx context.Context, key string) string {
	if key == "" {
		return ""
	}
	parent, err := l.store.GetMessageByDedupKey(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrMessageNotFound) {
			l.log.Warn("thread parent lookup failed, starting new thread", zap.String("parent", key), zap.Error(err))
		}
		return ""
	}
	if parent.ThreadID != "" {
		return parent.ThreadID
	}
	return parent.ID
}
