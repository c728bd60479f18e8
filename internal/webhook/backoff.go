package webhook

import "time"

// MaxRetryDelay 两次重试之间的最长间隔
const MaxRetryDelay = 60 * time.Second

// Backoff 第 attempt 次失败后的重试间隔: min(2^attempt 秒, 60 秒)
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= 6 {
		return MaxRetryDelay
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > MaxRetryDelay {
		return MaxRetryDelay
	}
	return delay
}
