package smtp

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionLimiter SMTP 会话限流器
type ConnectionLimiter struct {
	maxConns int
	current  int
	mu       sync.Mutex
	rate     *rate.Limiter
}

// NewConnectionLimiter 创建会话限流器
//
// 参数:
//   - maxConns: 最大并发会话数
//   - perSecond: 每秒最大新建会话数，同时作为突发上限
func NewConnectionLimiter(maxConns, perSecond int) *ConnectionLimiter {
	if maxConns <= 0 {
		maxConns = DefaultMaxSessions
	}
	if perSecond <= 0 {
		perSecond = 20
	}
	return &ConnectionLimiter{
		maxConns: maxConns,
		rate:     rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Acquire 获取会话许可
func (l *ConnectionLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current >= l.maxConns {
		return false
	}
	if !l.rate.Allow() {
		return false
	}
	l.current++
	return true
}

// Release 释放会话
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前会话数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
