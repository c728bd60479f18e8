package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// 单个检查的超时
const checkTimeout = 3 * time.Second

// Pinger 可探活的依赖（存储、Redis）
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc 函数形式的 Pinger
type PingerFunc func(ctx context.Context) error

// Ping 实现 Pinger
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker 健康检查器
//
// 存储不可用视为存活失败；Redis 与审计目录只影响就绪状态。
type HealthChecker struct {
	health healthcheck.Handler
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		logger: logger,
	}

	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	if store != nil {
		hc.health.AddLivenessCheck("database", hc.wrap("database", store))
	}
	return hc
}

// AddRedis 添加 Redis 就绪检查
func (hc *HealthChecker) AddRedis(redis Pinger) {
	hc.health.AddReadinessCheck("redis", hc.wrap("redis", redis))
}

// AddFallbackDir 添加审计目录可写检查
func (hc *HealthChecker) AddFallbackDir(file string) {
	dir := filepath.Dir(file)
	hc.health.AddReadinessCheck("fallback", func() error {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return fmt.Errorf("fallback dir not writable: %w", err)
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	})
}

// AddReadiness 添加自定义就绪检查
func (hc *HealthChecker) AddReadiness(name string, check healthcheck.Check) {
	hc.health.AddReadinessCheck(name, check)
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活检查
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查（包含存活检查）
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

func (hc *HealthChecker) wrap(name string, p Pinger) healthcheck.Check {
	return healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			return err
		}
		return nil
	}, checkTimeout+time.Second)
}
