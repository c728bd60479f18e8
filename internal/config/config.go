package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// MailboxConfig 定义邮箱生命周期配置
type MailboxConfig struct {
	Domains       []string      // 本系统接收邮件的域名
	Lifetime      time.Duration // 邮箱创建或重新激活后的有效期，默认 24h
	SweepGrace    time.Duration // 过期多久后被清理
	SweepInterval time.Duration // 清理任务执行间隔
}

// ReaderConfig 定义 FIFO 读取器配置
type ReaderConfig struct {
	Enabled   bool
	FIFOPath  string        // 由 MTA 写入的命名管道
	Delimiter string        // 多行消息分隔符，支持 \n 与 \r 转义
	Backoff   time.Duration // 传输错误后重新打开前的固定等待
	QueueSize int           // 读取器与处理协程之间的有界队列长度
}

// SMTPConfig 定义 SMTP 接收服务器配置（可选接入方式）
type SMTPConfig struct {
	Enabled           bool
	BindAddr          string // 格式 "host:port"
	Domain            string // HELO/EHLO 域名
	SessionsPerSecond int    // 每秒允许新建会话数
}

// QuotaConfig 每日配额配置
type QuotaConfig struct {
	DailyLimit int
}

// TrackingConfig 打开/点击追踪配置
type TrackingConfig struct {
	Enabled bool
	BaseURL string // 追踪端点对外地址，例如 https://api.mockmail.dev
}

// WebhookConfig 投递引擎配置
type WebhookConfig struct {
	Timeout           time.Duration
	Workers           int
	QueueSize         int
	ResponseCap       int
	FailureThreshold  int
	FailureWindow     time.Duration
	DeliveryRetention time.Duration
	RetentionInterval time.Duration
	AllowedCIDRs      []netip.Prefix // 放行的内网网段，仅用于开发环境
}

// FallbackConfig 无法归属的邮件写入的审计文件
type FallbackConfig struct {
	File   string
	RawDir string
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到标准输出
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig 定义 Redis 配置，Address 为空表示不使用 Redis
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server   ServerConfig
	Mailbox  MailboxConfig
	Reader   ReaderConfig
	SMTP     SMTPConfig
	Quota    QuotaConfig
	Tracking TrackingConfig
	Webhook  WebhookConfig
	Fallback FallbackConfig
	CORS     CORSConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MOCKMAIL_，例如 MOCKMAIL_READER_FIFO_PATH
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("mockmail")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Reader: ReaderConfig{
			Enabled:   v.GetBool("reader.enabled"),
			FIFOPath:  v.GetString("reader.fifo_path"),
			Delimiter: unescapeDelimiter(v.GetString("reader.delimiter")),
			QueueSize: v.GetInt("reader.queue_size"),
		},
		SMTP: SMTPConfig{
			Enabled:           v.GetBool("smtp.enabled"),
			BindAddr:          v.GetString("smtp.bind_addr"),
			Domain:            v.GetString("smtp.domain"),
			SessionsPerSecond: v.GetInt("smtp.sessions_per_second"),
		},
		Quota: QuotaConfig{
			DailyLimit: v.GetInt("quota.daily_limit"),
		},
		Tracking: TrackingConfig{
			Enabled: v.GetBool("tracking.enabled"),
			BaseURL: strings.TrimRight(v.GetString("tracking.base_url"), "/"),
		},
		Webhook: WebhookConfig{
			Workers:          v.GetInt("webhook.workers"),
			QueueSize:        v.GetInt("webhook.queue_size"),
			ResponseCap:      v.GetInt("webhook.response_cap"),
			FailureThreshold: v.GetInt("webhook.failure_threshold"),
		},
		Fallback: FallbackConfig{
			File:   v.GetString("fallback.file"),
			RawDir: v.GetString("fallback.raw_dir"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:         strings.ToLower(v.GetString("database.type")),
			DSN:          v.GetString("database.dsn"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
			MaxIdleConns: v.GetInt("database.max_idle_conns"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
	}

	cfg.Mailbox.Domains = parseDomains(v.GetString("mailbox.domains"))
	if len(cfg.Mailbox.Domains) == 0 {
		return nil, fmt.Errorf("mailbox.domains must not be empty")
	}

	cfg.CORS.AllowedOrigins = parseList(v.GetString("cors.allowed_origins"))
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"mailbox.lifetime", &cfg.Mailbox.Lifetime},
		{"mailbox.sweep_grace", &cfg.Mailbox.SweepGrace},
		{"mailbox.sweep_interval", &cfg.Mailbox.SweepInterval},
		{"reader.backoff", &cfg.Reader.Backoff},
		{"webhook.timeout", &cfg.Webhook.Timeout},
		{"webhook.failure_window", &cfg.Webhook.FailureWindow},
		{"webhook.delivery_retention", &cfg.Webhook.DeliveryRetention},
		{"webhook.retention_interval", &cfg.Webhook.RetentionInterval},
		{"database.conn_max_lifetime", &cfg.Database.ConnMaxLifetime},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = parsed
	}

	if cfg.Mailbox.Lifetime <= 0 {
		return nil, fmt.Errorf("mailbox.lifetime must be positive")
	}
	if cfg.Reader.Delimiter == "" {
		return nil, fmt.Errorf("reader.delimiter must not be empty")
	}
	if cfg.Reader.QueueSize <= 0 {
		cfg.Reader.QueueSize = 16
	}
	if cfg.Quota.DailyLimit <= 0 {
		return nil, fmt.Errorf("quota.daily_limit must be positive")
	}
	if cfg.Tracking.Enabled && cfg.Tracking.BaseURL == "" {
		return nil, fmt.Errorf("tracking.base_url is required when tracking is enabled")
	}
	if cfg.Webhook.Workers <= 0 {
		cfg.Webhook.Workers = 16
	}
	if cfg.Webhook.FailureThreshold <= 0 {
		cfg.Webhook.FailureThreshold = 3
	}

	allowed, err := parsePrefixes(v.GetString("webhook.allowed_cidrs"))
	if err != nil {
		return nil, fmt.Errorf("invalid webhook.allowed_cidrs: %w", err)
	}
	cfg.Webhook.AllowedCIDRs = allowed

	switch cfg.Database.Type {
	case "", "mysql", "postgres", "postgresql":
	default:
		return nil, fmt.Errorf("unsupported database.type %q (supported: mysql, postgres)", cfg.Database.Type)
	}
	if cfg.Database.Type != "" && cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required when database.type is set")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("mailbox.domains", "mockmail.dev")
	v.SetDefault("mailbox.lifetime", "24h")
	v.SetDefault("mailbox.sweep_grace", "72h")
	v.SetDefault("mailbox.sweep_interval", "15m")
	v.SetDefault("reader.enabled", true)
	v.SetDefault("reader.fifo_path", "/var/spool/email-processor")
	v.SetDefault("reader.delimiter", `\n.\n`)
	v.SetDefault("reader.backoff", "1s")
	v.SetDefault("reader.queue_size", 16)
	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.bind_addr", ":2525")
	v.SetDefault("smtp.domain", "mockmail.dev")
	v.SetDefault("smtp.sessions_per_second", 20)
	v.SetDefault("quota.daily_limit", 500)
	v.SetDefault("tracking.enabled", true)
	v.SetDefault("tracking.base_url", "http://localhost:8080")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.workers", 16)
	v.SetDefault("webhook.queue_size", 1024)
	v.SetDefault("webhook.response_cap", 10000)
	v.SetDefault("webhook.failure_threshold", 3)
	v.SetDefault("webhook.failure_window", "24h")
	v.SetDefault("webhook.delivery_retention", "720h")
	v.SetDefault("webhook.retention_interval", "1h")
	v.SetDefault("webhook.allowed_cidrs", "")
	v.SetDefault("fallback.file", "/var/log/mockmail/emails.json")
	v.SetDefault("fallback.raw_dir", "")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("database.type", "") // 默认为空，使用内存存储
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// unescapeDelimiter 将环境变量中的 \n、\r 转义还原为控制字符
func unescapeDelimiter(value string) string {
	return strings.NewReplacer(`\r`, "\r", `\n`, "\n").Replace(value)
}

// parsePrefixes 解析逗号分隔的 CIDR 列表
func parsePrefixes(value string) ([]netip.Prefix, error) {
	items := parseList(value)
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		p, err := netip.ParsePrefix(item)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：当前目录的 .env，然后父目录的 .env。
// 文件不存在时静默跳过；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
