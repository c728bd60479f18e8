package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"mockmail/backend/internal/domain"
)

// FallbackRecord 审计文件中的一行
type FallbackRecord struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"messageId,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Subject     string    `json:"subject"`
	Date        time.Time `json:"date"`
	ContentType string    `json:"contentType,omitempty"`
	Body        string    `json:"body,omitempty"`
	Reason      string    `json:"reason"`
	ProcessedAt time.Time `json:"processedAt"`
	RawPath     string    `json:"rawPath,omitempty"`
}

// FallbackSink 将无法入库的邮件以 JSON Lines 形式追加到审计文件
//
// 只写本地文件，从不访问主存储。rawDir 非空时同时归档原始字节流。
type FallbackSink struct {
	mu     sync.Mutex
	file   string
	rawDir string
	utils  *PlatformUtils
	now    func() time.Time
}

// NewFallbackSink 创建审计写入器
func NewFallbackSink(file, rawDir string) (*FallbackSink, error) {
	utils := NewPlatformUtils()
	if err := utils.ValidatePath(file); err != nil {
		return nil, fmt.Errorf("invalid fallback file: %w", err)
	}
	file = utils.NormalizePath(file)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fallback directory: %w", err)
	}

	if rawDir != "" {
		if err := utils.ValidatePath(rawDir); err != nil {
			return nil, fmt.Errorf("invalid raw archive directory: %w", err)
		}
		rawDir = utils.NormalizePath(rawDir)
		if err := os.MkdirAll(rawDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create raw archive directory: %w", err)
		}
	}

	return &FallbackSink{
		file:   file,
		rawDir: rawDir,
		utils:  utils,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Path 返回审计文件路径
func (s *FallbackSink) Path() string {
	return s.file
}

// Write 记录一封被丢弃的邮件
func (s *FallbackSink) Write(_ context.Context, in *domain.InboundMessage, reason string) error {
	record := FallbackRecord{
		ID:          uuid.NewString(),
		MessageID:   in.MessageID,
		From:        in.From,
		To:          in.To,
		Subject:     in.Subject,
		Date:        in.Date,
		Reason:      reason,
		ProcessedAt: s.now(),
	}
	record.ContentType, record.Body = fallbackBody(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rawDir != "" && len(in.Raw) > 0 {
		path, err := s.archiveRaw(record.ID, record.ProcessedAt, in.Raw)
		if err != nil {
			return err
		}
		record.RawPath = path
	}

	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open fallback file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append fallback record: %w", err)
	}
	return f.Close()
}

// archiveRaw 原始邮件按日期分目录保存: {rawDir}/{YYYY-MM-DD}/{id}.eml
func (s *FallbackSink) archiveRaw(id string, at time.Time, raw []byte) (string, error) {
	dir := filepath.Join(s.rawDir, at.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	path := filepath.Join(dir, s.utils.SanitizeFilename(id+".eml"))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write raw message: %w", err)
	}
	return path, nil
}

// fallbackBody 优先保留 HTML 正文，没有时退回纯文本。
// 原始 Content-Type 可能是 multipart，这里记录的是所保留正文的类型。
func fallbackBody(in *domain.InboundMessage) (string, string) {
	switch {
	case in.HTML != "":
		return "text/html", in.HTML
	case in.Text != "":
		return "text/plain", in.Text
	default:
		return "", ""
	}
}
