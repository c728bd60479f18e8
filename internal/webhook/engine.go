package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mockmail/backend/internal/config"
	"mockmail/backend/internal/domain"
	"mockmail/backend/internal/monitoring"
	"mockmail/backend/internal/pool"
	"mockmail/backend/internal/security"
)

// 投递请求头
const (
	HeaderSignature  = "X-Signature"
	HeaderEvent      = "X-Event"
	HeaderDeliveryID = "X-Delivery-Id"
	UserAgent        = "MockMail-Webhook/1.0"
)

// ErrEngineClosed 投递引擎已关闭
var ErrEngineClosed = errors.New("webhook engine closed")

// Store 投递引擎依赖的仓储
type Store interface {
	domain.WebhookRepository
	domain.DeliveryRepository
}

// Options 投递引擎参数
type Options struct {
	Timeout          time.Duration
	Workers          int
	QueueSize        int
	ResponseCap      int
	FailureThreshold int
	FailureWindow    time.Duration
}

// OptionsFromConfig 从配置构造投递参数
func OptionsFromConfig(cfg config.WebhookConfig) Options {
	return Options{
		Timeout:          cfg.Timeout,
		Workers:          cfg.Workers,
		QueueSize:        cfg.QueueSize,
		ResponseCap:      cfg.ResponseCap,
		FailureThreshold: cfg.FailureThreshold,
		FailureWindow:    cfg.FailureWindow,
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 16
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.ResponseCap <= 0 {
		o.ResponseCap = 10000
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = 24 * time.Hour
	}
	return o
}

// TestResult 连通性测试结果
type TestResult struct {
	Success      bool   `json:"success"`
	ResponseCode int    `json:"responseCode,omitempty"`
	DurationMs   int64  `json:"duration"`
	Error        string `json:"error,omitempty"`
}

// attemptResult 单次投递结果
type attemptResult struct {
	payload    []byte
	statusCode int
	body       string
	duration   time.Duration
	success    bool
	err        error
	// fatal 表示重试也不会成功（出站防护拒绝、地址非法）
	fatal bool
}

// Engine Webhook 投递引擎
//
// Trigger 只负责查找订阅并把投递任务交给协程池，从不等待投递结果。
// 失败重试通过按 Webhook ID 分组的调度器延迟执行，删除 Webhook 时可整体撤销。
type Engine struct {
	store     Store
	guard     *security.Guard
	client    *http.Client
	pool      *pool.WorkerPool
	scheduler *pool.Scheduler
	opts      Options
	metrics   *monitoring.Metrics
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	scopes map[string]*scope

	closeOnce sync.Once
	now       func() time.Time
	backoff   func(attempt int) time.Duration
}

// NewEngine 创建并启动投递引擎
func NewEngine(store Store, guard *security.Guard, opts Options, metrics *monitoring.Metrics, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if guard == nil {
		guard = security.NewGuard(nil, nil)
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	workers := pool.NewWorkerPool(opts.Workers, opts.QueueSize, log.Named("pool"))
	workers.OnPanic(func() { metrics.RecordPanic("webhook") })
	workers.Start(ctx)

	scheduler := pool.NewScheduler(workers, log.Named("retry"))
	scheduler.OnChange(metrics.SetWebhookRetriesPending)

	return &Engine{
		store:     store,
		guard:     guard,
		client:    security.NewPinnedClient(opts.Timeout),
		pool:      workers,
		scheduler: scheduler,
		opts:      opts,
		metrics:   metrics,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		scopes:    make(map[string]*scope),
		now:       time.Now,
		backoff:   Backoff,
	}
}

// Trigger 将事件投递给账户下所有订阅了该事件的活跃 Webhook
func (e *Engine) Trigger(ctx context.Context, accountID string, event domain.EventType, data map[string]interface{}) error {
	hooks, err := e.store.ListActiveWebhooks(ctx, accountID, event)
	if err != nil {
		return fmt.Errorf("list active webhooks: %w", err)
	}
	if len(hooks) == 0 {
		return nil
	}

	evt := domain.Event{
		ID:    uuid.NewString(),
		Event: event,
		Data:  data,
	}

	e.log.Debug("triggering webhooks",
		zap.String("account_id", accountID),
		zap.String("event", string(event)),
		zap.Int("count", len(hooks)),
	)

	for i := range hooks {
		hook := hooks[i]
		if !e.pool.Go(func() { e.deliver(&hook, evt, 1) }) {
			return ErrEngineClosed
		}
	}
	return nil
}

// Test 发送一次 test 事件，不重试、不记录审计、不改变状态
func (e *Engine) Test(ctx context.Context, webhookID string) (*TestResult, error) {
	hook, err := e.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	evt := domain.Event{
		ID:    uuid.NewString(),
		Event: domain.EventTest,
		Data: map[string]interface{}{
			"message":   "This is a test webhook from MockMail",
			"timestamp": e.now().UTC().Format(time.RFC3339),
		},
	}

	res := e.send(ctx, hook, evt)
	result := &TestResult{
		Success:      res.success,
		ResponseCode: res.statusCode,
		DurationMs:   res.duration.Milliseconds(),
	}
	if res.err != nil {
		result.Error = res.err.Error()
	}
	return result, nil
}

// Cancel 撤销 Webhook 所有未执行的重试并中断正在进行的投递
func (e *Engine) Cancel(webhookID string) int {
	e.mu.Lock()
	if sc, ok := e.scopes[webhookID]; ok {
		sc.cancel()
		delete(e.scopes, webhookID)
	}
	e.mu.Unlock()

	n := e.scheduler.Cancel(webhookID)
	if n > 0 {
		e.log.Info("pending webhook retries cancelled",
			zap.String("webhook_id", webhookID),
			zap.Int("count", n),
		)
	}
	return n
}

// Pending 返回等待中的重试数
func (e *Engine) Pending() int {
	return e.scheduler.Pending()
}

// Close 停止接收新任务，丢弃未到期的重试并等待进行中的投递完成
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		dropped := e.scheduler.Stop()
		e.pool.Stop()
		e.cancel()

		if dropped > 0 {
			e.log.Warn("pending webhook retries dropped on shutdown", zap.Int("dropped", dropped))
			return
		}
		e.log.Info("webhook engine stopped")
	})
}

type scope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// scopeFor 返回 Webhook 级别的 context，Cancel 后新的投递会拿到新的 context
func (e *Engine) scopeFor(webhookID string) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sc, ok := e.scopes[webhookID]; ok {
		return sc.ctx
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.scopes[webhookID] = &scope{ctx: ctx, cancel: cancel}
	return ctx
}

// deliver 执行一次投递并处理结果：审计、状态更新、重试或升级
func (e *Engine) deliver(hook *domain.Webhook, evt domain.Event, attempt int) {
	ctx := e.scopeFor(hook.ID)
	if ctx.Err() != nil {
		return
	}
	log := e.log.With(
		zap.String("webhook_id", hook.ID),
		zap.String("event", string(evt.Event)),
		zap.String("event_id", evt.ID),
		zap.Int("attempt", attempt),
	)

	res := e.send(ctx, hook, evt)
	e.metrics.RecordWebhookDelivery(string(evt.Event), res.success, res.duration)

	delivery := &domain.Delivery{
		ID:           uuid.NewString(),
		WebhookID:    hook.ID,
		Event:        evt.Event,
		Payload:      string(res.payload),
		Attempt:      attempt,
		ResponseCode: res.statusCode,
		ResponseBody: res.body,
		DurationMs:   res.duration.Milliseconds(),
		Success:      res.success,
		CreatedAt:    e.now().UTC(),
	}
	if res.err != nil {
		delivery.Error = res.err.Error()
	}
	// 审计与状态写入使用引擎级 context，撤销投递时仍保留记录
	if err := e.store.RecordDelivery(e.ctx, delivery); err != nil {
		log.Error("failed to record webhook delivery", zap.Error(err))
	}

	if res.success {
		if err := e.store.MarkWebhookSuccess(e.ctx, hook.ID, e.now().UTC()); err != nil {
			log.Error("failed to mark webhook success", zap.Error(err))
		}
		log.Info("webhook delivered",
			zap.Int("status", res.statusCode),
			zap.Duration("duration", res.duration),
		)
		return
	}

	if err := e.store.MarkWebhookFailure(e.ctx, hook.ID, delivery.Error); err != nil {
		log.Error("failed to mark webhook failure", zap.Error(err))
	}
	if ctx.Err() != nil {
		log.Info("webhook delivery cancelled")
		return
	}

	// RetryCount 为首次投递之后的重试次数，第 RetryCount+1 次失败后不再重试
	if !res.fatal && attempt <= hook.RetryCount {
		delay := e.backoff(attempt)
		next := attempt + 1
		webhookID := hook.ID
		if e.scheduler.Schedule(webhookID, delay, func() { e.retry(webhookID, evt, next) }) {
			log.Warn("webhook delivery failed, retry scheduled",
				zap.Duration("delay", delay),
				zap.Error(res.err),
			)
		} else {
			log.Warn("webhook retry dropped, engine closing", zap.Error(res.err))
		}
		return
	}

	log.Warn("webhook delivery failed", zap.Bool("fatal", res.fatal), zap.Error(res.err))
	e.escalate(hook.ID, log)
}

// retry 重新读取 Webhook，已删除或非活跃时放弃
func (e *Engine) retry(webhookID string, evt domain.Event, attempt int) {
	hook, err := e.store.GetWebhook(e.ctx, webhookID)
	if err != nil {
		e.log.Debug("webhook retry skipped", zap.String("webhook_id", webhookID), zap.Error(err))
		return
	}
	if hook.Status != domain.WebhookStatusActive {
		e.log.Debug("webhook retry skipped, webhook not active",
			zap.String("webhook_id", webhookID),
			zap.String("status", string(hook.Status)),
		)
		return
	}
	e.deliver(hook, evt, attempt)
}

// escalate 重试耗尽后统计窗口内失败次数，达到阈值时将 Webhook 置为 failed
func (e *Engine) escalate(webhookID string, log *zap.Logger) {
	since := e.now().UTC().Add(-e.opts.FailureWindow)
	failures, err := e.store.CountFailedDeliveries(e.ctx, webhookID, since)
	if err != nil {
		log.Error("failed to count webhook failures", zap.Error(err))
		return
	}
	if failures < int64(e.opts.FailureThreshold) {
		return
	}
	if err := e.store.SetWebhookStatus(e.ctx, webhookID, domain.WebhookStatusFailed); err != nil {
		log.Error("failed to mark webhook as failed", zap.Error(err))
		return
	}
	e.metrics.RecordWebhookEscalation()
	log.Warn("webhook marked as failed", zap.Int64("recent_failures", failures))
}

// send 构造载荷、校验出站地址并发送一次请求
func (e *Engine) send(ctx context.Context, hook *domain.Webhook, evt domain.Event) (res attemptResult) {
	start := time.Now()
	evt.Timestamp = e.now().Unix()

	defer func() { res.duration = time.Since(start) }()

	payload, err := json.Marshal(evt)
	if err != nil {
		res.err = fmt.Errorf("marshal payload: %w", err)
		res.fatal = true
		return res
	}
	res.payload = payload

	target, err := url.Parse(hook.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		res.err = fmt.Errorf("invalid webhook url %q", hook.URL)
		res.fatal = true
		return res
	}

	addrs, err := e.guard.Resolve(ctx, target)
	if err != nil {
		res.err = err
		if errors.Is(err, security.ErrBlockedDestination) {
			res.fatal = true
			e.metrics.RecordWebhookBlocked()
		}
		return res
	}

	req, err := http.NewRequestWithContext(security.WithPinnedAddrs(ctx, addrs), http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		res.err = fmt.Errorf("build request: %w", err)
		res.fatal = true
		return res
	}

	custom, _ := security.SanitizeHeaders(hook.Headers)
	for _, h := range custom {
		req.Header.Set(h.Key, h.Value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderSignature, SignatureHeader(hook.Secret, evt.Timestamp, payload))
	req.Header.Set(HeaderEvent, string(evt.Event))
	req.Header.Set(HeaderDeliveryID, evt.ID)

	resp, err := e.client.Do(req)
	if err != nil {
		res.err = err
		res.fatal = errors.Is(err, security.ErrBlockedDestination)
		return res
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(e.opts.ResponseCap)))
	res.statusCode = resp.StatusCode
	res.body = strings.ToValidUTF8(string(body), "")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.success = true
		return res
	}
	res.err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(res.body, 200))
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
