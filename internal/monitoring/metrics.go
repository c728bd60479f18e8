package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 每个实例持有独立的注册表，测试中可以重复创建。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 处理管线指标
	MessagesProcessed  *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	MailboxesCreated   prometheus.Counter
	MailboxesRevived   prometheus.Counter
	MailboxesSwept     prometheus.Counter
	QuotaErrors        prometheus.Counter

	// 读取器指标
	ReaderUnits   *prometheus.CounterVec
	ReaderReopens prometheus.Counter
	SMTPSessions  prometheus.Counter

	// Webhook 指标
	WebhookDeliveries    *prometheus.CounterVec
	WebhookDuration      prometheus.Histogram
	WebhookRetries       prometheus.Gauge
	WebhookEscalations   prometheus.Counter
	WebhookBlockedEgress prometheus.Counter

	// 追踪指标
	TrackingEvents *prometheus.CounterVec

	PanicsTotal *prometheus.CounterVec
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mockmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mockmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mockmail_messages_processed_total",
				Help: "Inbound messages by pipeline outcome",
			},
			[]string{"outcome"},
		),
		ProcessingDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mockmail_message_processing_seconds",
				Help:    "Time spent processing one inbound message",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		MailboxesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mockmail_mailboxes_created_total",
				Help: "Mailboxes auto-created by inbound mail",
			},
		),
		MailboxesRevived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mockmail_mailboxes_reactivated_total",
				Help: "Expired mailboxes reactivated by inbound mail",
			},
		),
		MailboxesSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mockmail_mailboxes_swept_total",
				Help: "Expired mailboxes removed by the sweeper",
			},
		),
		QuotaErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mockmail_quota_errors_total",
				Help: "Quota backend failures that were allowed through",
			},
		),

		ReaderUnits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mockmail_reader_units_total",
				Help: "Message units framed by the intake reader",
			},
			[]string{"result"},
		),
		ReaderReopens: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mockmail_reader_reopens_total",
				Help: "Times the intake source was reopened",
			},
		),
		SMTPSessions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mockmail_smtp_sessions_total",
				Help: "SMTP sessions accepted",
			},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mockmail_webhook_deliveries_total",
				Help: "Webhook delivery attempts",
			},
			[]string{"event", "result"},
		),
		WebhookDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mockmail_webhook_delivery_seconds",
				Help:    "Webhook delivery round-trip time",
				Buckets: prometheus.DefBuckets,
			},
		),
		WebhookRetries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mockmail_webhook_retries_pending",
				Help: "Webhook retries currently scheduled",
			},
		),
		WebhookEscalations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mockmail_webhook_escalations_total",
				Help: "Webhooks moved to failed status",
			},
		),
		WebhookBlockedEgress: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mockmail_webhook_blocked_egress_total",
				Help: "Webhook deliveries refused by the egress guard",
			},
		),

		TrackingEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mockmail_tracking_events_total",
				Help: "Open and click tracking hits",
			},
			[]string{"kind"},
		),

		PanicsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mockmail_panics_total",
				Help: "Recovered panics by component",
			},
			[]string{"component"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMessage 记录一次管线处理结果
func (m *Metrics) RecordMessage(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(outcome).Inc()
	m.ProcessingDuration.Observe(duration.Seconds())
}

// RecordMailboxCreated 记录邮箱自动创建
func (m *Metrics) RecordMailboxCreated() {
	if m == nil {
		return
	}
	m.MailboxesCreated.Inc()
}

// RecordMailboxReactivated 记录过期邮箱被重新激活
func (m *Metrics) RecordMailboxReactivated() {
	if m == nil {
		return
	}
	m.MailboxesRevived.Inc()
}

// RecordMailboxesSwept 记录清理的邮箱数量
func (m *Metrics) RecordMailboxesSwept(n int) {
	if m == nil {
		return
	}
	m.MailboxesSwept.Add(float64(n))
}

// RecordQuotaError 记录配额存储故障
func (m *Metrics) RecordQuotaError() {
	if m == nil {
		return
	}
	m.QuotaErrors.Inc()
}

// RecordReaderUnit 记录读取器切分出的消息单元
func (m *Metrics) RecordReaderUnit(result string) {
	if m == nil {
		return
	}
	m.ReaderUnits.WithLabelValues(result).Inc()
}

// RecordReaderReopen 记录读取源重新打开
func (m *Metrics) RecordReaderReopen() {
	if m == nil {
		return
	}
	m.ReaderReopens.Inc()
}

// RecordSMTPSession 记录 SMTP 会话
func (m *Metrics) RecordSMTPSession() {
	if m == nil {
		return
	}
	m.SMTPSessions.Inc()
}

// RecordWebhookDelivery 记录一次 Webhook 投递
func (m *Metrics) RecordWebhookDelivery(event string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.WebhookDeliveries.WithLabelValues(event, result).Inc()
	m.WebhookDuration.Observe(duration.Seconds())
}

// SetWebhookRetriesPending 更新待执行的重试数
func (m *Metrics) SetWebhookRetriesPending(n int) {
	if m == nil {
		return
	}
	m.WebhookRetries.Set(float64(n))
}

// RecordWebhookEscalation 记录 Webhook 被标记为失败
func (m *Metrics) RecordWebhookEscalation() {
	if m == nil {
		return
	}
	m.WebhookEscalations.Inc()
}

// RecordWebhookBlocked 记录被出站防护拦截的投递
func (m *Metrics) RecordWebhookBlocked() {
	if m == nil {
		return
	}
	m.WebhookBlockedEgress.Inc()
}

// RecordTracking 记录打开或点击
func (m *Metrics) RecordTracking(kind string) {
	if m == nil {
		return
	}
	m.TrackingEvents.WithLabelValues(kind).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic(component string) {
	if m == nil {
		return
	}
	m.PanicsTotal.WithLabelValues(component).Inc()
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
