package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/mailparse"
	"mockmail/backend/internal/monitoring"
	"mockmail/backend/internal/quota"
)

// ErrMalformed 原始邮件无法解码
var ErrMalformed = errors.New("malformed message")

// Outcome 单封邮件的处理结果
type Outcome string

const (
	OutcomeStored     Outcome = "stored"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeRejected   Outcome = "rejected"
	OutcomeInvalid    Outcome = "invalid"
)

// 写入审计文件时的原因
const (
	ReasonUnresolvedOwner = "unresolved_owner"
	ReasonQuotaExceeded   = "quota_exceeded"
	ReasonInvalidAddress  = "invalid_address"
	ReasonPersistFailed   = "persist_failed"
)

// Decoder 原始字节流解码
type Decoder interface {
	Decode(raw []byte) (*domain.InboundMessage, error)
}

// PersistenceSink 管道使用的主存储
type PersistenceSink interface {
	domain.MailboxRepository
	domain.AccountRepository
	domain.MessageRepository
}

// Notifier 管道里程碑通知
type Notifier interface {
	MailboxCreated(ctx context.Context, mailbox *domain.Mailbox)
	EmailReceived(ctx context.Context, mailbox *domain.Mailbox, message *domain.Message)
}

// Enricher 入库后的正文加工（追踪改写）
type Enricher interface {
	Enrich(ctx context.Context, message *domain.Message)
}

// FallbackSink 无法入库的邮件的审计去处
type FallbackSink interface {
	Write(ctx context.Context, in *domain.InboundMessage, reason string) error
}

// Result 处理结果
type Result struct {
	Outcome Outcome
	Message *domain.Message
	Mailbox *domain.Mailbox
}

// Options 管道参数
type Options struct {
	Lifetime time.Duration
}

// Pipeline 邮件接入管道
//
// 解码 → 地址规范化 → 邮箱解析 → 去重 → 配额 → 会话归并 → 入库 → 追踪改写 → 事件通知。
// 所有依赖在启动时注入一次，管道本身无状态，可被多个接入端并发调用。
type Pipeline struct {
	decoder  Decoder
	store    PersistenceSink
	gate     quota.Gate
	notifier Notifier
	enricher Enricher
	fallback FallbackSink

	resolver *Resolver
	linker   *Linker
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// New 创建管道。notifier、enricher、fallback 可以为 nil。
func New(decoder Decoder, store PersistenceSink, gate quota.Gate, notifier Notifier, enricher Enricher, fallback FallbackSink, opts Options, metrics *monitoring.Metrics, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if gate == nil {
		gate = quota.NewMemoryGate(quota.DefaultDailyLimit)
	}
	return &Pipeline{
		decoder:  decoder,
		store:    store,
		gate:     gate,
		notifier: notifier,
		enricher: enricher,
		fallback: fallback,
		resolver: NewResolver(store, opts.Lifetime, metrics, log.Named("resolver")),
		linker:   NewLinker(store, log.Named("linker")),
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// Decode 解码原始邮件，失败时返回包装了 ErrMalformed 的错误
func (p *Pipeline) Decode(raw []byte) (*domain.InboundMessage, error) {
	in, err := p.decoder.Decode(raw)
	if err != nil {
		p.metrics.RecordMessage("malformed", 0)
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	in.Raw = raw
	return in, nil
}

// ProcessRaw 解码原始邮件后进入管道
func (p *Pipeline) ProcessRaw(ctx context.Context, raw []byte) (*Result, error) {
	in, err := p.Decode(raw)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, in)
}

// Process 处理一封已解码的邮件
func (p *Pipeline) Process(ctx context.Context, in *domain.InboundMessage) (*Result, error) {
	start := time.Now()
	res, err := p.process(ctx, in)
	if err != nil {
		p.metrics.RecordMessage("error", time.Since(start))
		return nil, err
	}
	p.metrics.RecordMessage(string(res.Outcome), time.Since(start))
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, in *domain.InboundMessage) (*Result, error) {
	log := p.log.With(zap.String("message_id", in.MessageID))

	to, err := mailparse.ExtractAddress(in.To)
	if err != nil {
		log.Warn("invalid recipient address", zap.String("to", in.To))
		p.discard(ctx, in, ReasonInvalidAddress)
		return &Result{Outcome: OutcomeInvalid}, nil
	}
	// 发件人无法识别时仍可投递到已存在的邮箱，但不能用于自动创建
	sender, err := mailparse.ExtractAddress(in.From)
	if err != nil {
		sender = ""
	}

	resolution, err := p.resolver.Resolve(ctx, sender, to)
	if errors.Is(err, ErrUnresolvedOwner) {
		log.Info("no mailbox owner, writing to fallback", zap.String("from", in.From), zap.String("to", to))
		p.discard(ctx, in, ReasonUnresolvedOwner)
		return &Result{Outcome: OutcomeUnresolved}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve mailbox: %w", err)
	}
	mailbox := resolution.Mailbox
	log = log.With(zap.String("mailbox_id", mailbox.ID))

	if resolution.Created && p.notifier != nil {
		p.notifier.MailboxCreated(ctx, mailbox)
	}

	dedupKey := strings.TrimSpace(in.MessageID)
	existing, err := p.linker.Existing(ctx, dedupKey)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		log.Info("duplicate message ignored", zap.String("stored_id", existing.ID))
		return &Result{Outcome: OutcomeDuplicate, Message: existing, Mailbox: mailbox}, nil
	}

	decision, err := p.gate.TryConsume(ctx, mailbox.OwnerID)
	if err != nil {
		p.metrics.RecordQuotaError()
		log.Warn("quota check failed, admitting message", zap.Error(err))
	} else if !decision.Admitted {
		log.Warn("daily quota exceeded, writing to fallback",
			zap.String("account_id", mailbox.OwnerID),
			zap.Int64("count", decision.Count),
		)
		p.discard(ctx, in, ReasonQuotaExceeded)
		return &Result{Outcome: OutcomeRejected, Mailbox: mailbox}, nil
	}

	message := p.buildMessage(ctx, in, mailbox, sender, to, dedupKey)
	if err := p.store.CreateMessage(ctx, message); err != nil {
		if !errors.Is(err, domain.ErrDuplicateMessage) {
			// 存储故障时邮件不能丢，先落审计文件再上报错误
			log.Error("failed to store message, writing to fallback", zap.Error(err))
			p.discard(ctx, in, ReasonPersistFailed)
			return nil, fmt.Errorf("store message: %w", err)
		}
		// 并发写入同一 Message-ID，按重放处理
		stored, gerr := p.store.GetMessageByDedupKey(ctx, dedupKey)
		if gerr != nil {
			return nil, fmt.Errorf("load duplicate message: %w", gerr)
		}
		log.Info("duplicate message detected on insert", zap.String("stored_id", stored.ID))
		return &Result{Outcome: OutcomeDuplicate, Message: stored, Mailbox: mailbox}, nil
	}

	if p.enricher != nil {
		p.enricher.Enrich(ctx, message)
	}
	if p.notifier != nil {
		p.notifier.EmailReceived(ctx, mailbox, message)
	}

	log.Info("message stored",
		zap.String("id", message.ID),
		zap.String("thread_id", message.ThreadID),
		zap.String("to", to),
	)
	return &Result{Outcome: OutcomeStored, Message: message, Mailbox: mailbox}, nil
}

func (p *Pipeline) buildMessage(ctx context.Context, in *domain.InboundMessage, mailbox *domain.Mailbox, sender, to, dedupKey string) *domain.Message {
	id := uuid.NewString()
	now := p.now().UTC()

	from := sender
	if from == "" {
		from = domain.NormalizeAddress(in.From)
	}
	subject := in.Subject
	if strings.TrimSpace(subject) == "" {
		subject = mailparse.DefaultSubject
	}
	received := in.Date
	if received.IsZero() {
		received = now
	}

	message := &domain.Message{
		ID:          id,
		MailboxID:   mailbox.ID,
		OwnerID:     mailbox.OwnerID,
		From:        from,
		To:          to,
		Subject:     subject,
		Token:       mailparse.ExtractToken(subject),
		ContentType: in.ContentType,
		Body:        mailparse.ParseBody(in.HTML, in.Text),
		Attachments: in.Attachments,
		Headers:     in.Headers,
		ThreadID:    p.linker.ThreadFor(ctx, in.InReplyTo, in.References, id),
		InReplyTo:   in.InReplyTo,
		References:  in.References,
		ReceivedAt:  received.UTC(),
		StoredAt:    now,
	}
	if dedupKey != "" {
		message.DedupKey = &dedupKey
	}
	return message
}

// discard 写入审计文件，失败只记录日志
func (p *Pipeline) discard(ctx context.Context, in *domain.InboundMessage, reason string) {
	if p.fallback == nil {
		return
	}
	if err := p.fallback.Write(ctx, in, reason); err != nil {
		p.log.Error("failed to write fallback record",
			zap.String("reason", reason),
			zap.String("message_id", in.MessageID),
			zap.Error(err),
		)
	}
}

// IntakeRequest 程序化接入的请求体，字段已由调用方解码
type IntakeRequest struct {
	From        string `json:"from" binding:"required"`
	To          string `json:"to" binding:"required"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	ID          string `json:"id"`
	Date        string `json:"date"`
	ContentType string `json:"content_type"`
	// 会话归并，取值与对应邮件头一致
	InReplyTo  string   `json:"inReplyTo"`
	References []string `json:"references"`
}

// Intake 程序化接入，跳过解码直接从解析阶段进入管道
func (p *Pipeline) Intake(ctx context.Context, req IntakeRequest) (*Result, error) {
	in := &domain.InboundMessage{
		MessageID:   trimMessageID(req.ID),
		From:        req.From,
		To:          req.To,
		Subject:     req.Subject,
		Date:        parseIntakeDate(req.Date, p.now()),
		ContentType: req.ContentType,
		InReplyTo:   trimMessageID(req.InReplyTo),
	}
	for _, ref := range req.References {
		if ref = trimMessageID(ref); ref != "" {
			in.References = append(in.References, ref)
		}
	}
	if strings.HasPrefix(strings.ToLower(req.ContentType), "text/plain") {
		in.Text = req.Body
	} else {
		in.HTML = req.Body
	}
	return p.Process(ctx, in)
}

func trimMessageID(v string) string {
	return strings.Trim(strings.TrimSpace(v), "<>")
}

func parseIntakeDate(v string, now time.Time) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return now.UTC()
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC()
	}
	if t, err := mail.ParseDate(v); err == nil {
		return t.UTC()
	}
	return now.UTC()
}
