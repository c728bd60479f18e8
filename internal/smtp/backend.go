package smtp

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mockmail/backend/internal/config"
	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/monitoring"
	"mockmail/backend/internal/pipeline"
)

// 会话限制
const (
	DefaultMaxSessions = 100
	MaxMessageBytes    = 10 << 20
	MaxRecipients      = 50
)

// Pipeline SMTP 接入使用的管道能力
type Pipeline interface {
	Decode(raw []byte) (*domain.InboundMessage, error)
	Process(ctx context.Context, in *domain.InboundMessage) (*pipeline.Result, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往本系统域名的邮件，不做任何中继。
// 收件人是否存在由管道决定：未知地址会按发件人账户自动创建邮箱，
// 无法归属的邮件写入审计文件，因此 RCPT 阶段只校验域名。
type Backend struct {
	pipeline Pipeline
	domains  map[string]struct{}
	limiter  *ConnectionLimiter
	metrics  *monitoring.Metrics
	log      *zap.Logger

	// 会话之间不协调，但同一会话内的邮件按顺序处理
	ctx context.Context
}

// NewBackend 创建 SMTP Backend。ctx 结束后处理中的邮件仍会完成。
func NewBackend(ctx context.Context, p Pipeline, domains []string, limiter *ConnectionLimiter, metrics *monitoring.Metrics, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return &Backend{
		pipeline: p,
		domains:  set,
		limiter:  limiter,
		metrics:  metrics,
		log:      log,
		ctx:      context.WithoutCancel(ctx),
	}
}

// NewServer 按配置创建 SMTP 服务器
func NewServer(cfg config.SMTPConfig, backend *Backend) *gosmtp.Server {
	s := gosmtp.NewServer(backend)
	s.Addr = cfg.BindAddr
	s.Domain = cfg.Domain
	s.ReadTimeout = 60 * time.Second
	s.WriteTimeout = 60 * time.Second
	s.MaxMessageBytes = MaxMessageBytes
	s.MaxRecipients = MaxRecipients
	s.AllowInsecureAuth = false
	return s
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		b.log.Warn("smtp session rejected by limiter", zap.String("remote", remoteAddr(c)))
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	b.metrics.RecordSMTPSession()
	return &session{
		backend: b,
		log:     b.log.With(zap.String("remote", remoteAddr(c))),
	}, nil
}

type session struct {
	backend     *Backend
	log         *zap.Logger
	fromAddress string
	recipients  []string
	releaseOnce sync.Once
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.fromAddress = from
	return nil
}

// Rcpt 处理 RCPT 命令，拒绝本系统域名以外的地址。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	if _, ok := s.backend.domains[addr[at+1:]]; !ok {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容，每个信封收件人各走一遍管道。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, MaxMessageBytes))
	if err != nil {
		return err
	}

	in, err := s.backend.pipeline.Decode(raw)
	if err != nil {
		s.log.Warn("malformed message rejected", zap.Error(err))
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "message could not be parsed",
		}
	}
	if in.From == "" {
		in.From = s.fromAddress
	}

	for _, rcpt := range s.recipients {
		msg := *in
		msg.To = rcpt
		res, err := s.backend.pipeline.Process(s.backend.ctx, &msg)
		if err != nil {
			s.log.Error("failed to process smtp message", zap.String("to", rcpt), zap.Error(err))
			if errors.Is(err, context.Canceled) {
				return err
			}
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "temporary failure, try again later",
			}
		}
		s.log.Debug("smtp message processed", zap.String("to", rcpt), zap.String("outcome", string(res.Outcome)))
	}
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	s.releaseOnce.Do(func() {
		if s.backend.limiter != nil {
			s.backend.limiter.Release()
		}
	})
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

func remoteAddr(c *gosmtp.Conn) string {
	if c == nil || c.Conn() == nil {
		return ""
	}
	return c.Conn().RemoteAddr().String()
}
