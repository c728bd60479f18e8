package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler 按键分组的延迟任务调度器
//
// 任务到期后交给 WorkerPool 执行。同一个键下可以挂多个任务，
// Cancel 会一次性撤销该键下所有尚未触发的任务。
// 调度状态只存在于进程内存中，进程退出时未触发的任务会丢失。
type Scheduler struct {
	pool   *WorkerPool
	logger *zap.Logger

	mu      sync.Mutex
	seq     uint64
	timers  map[string]map[uint64]*time.Timer
	pending int
	stopped bool

	onChange func(pending int)
}

// NewScheduler 创建调度器
func NewScheduler(pool *WorkerPool, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		pool:   pool,
		logger: logger,
		timers: make(map[string]map[uint64]*time.Timer),
	}
}

// OnChange 设置待执行任务数变化时的回调
func (s *Scheduler) OnChange(fn func(pending int)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Schedule 在 delay 之后执行 task。调度器已停止时返回 false。
func (s *Scheduler) Schedule(key string, delay time.Duration, task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	s.seq++
	id := s.seq
	group, ok := s.timers[key]
	if !ok {
		group = make(map[uint64]*time.Timer)
		s.timers[key] = group
	}
	group[id] = time.AfterFunc(delay, func() { s.fire(key, id, task) })
	s.pending++
	s.notify()
	return true
}

// Cancel 撤销 key 下所有未触发的任务，返回撤销数量
func (s *Scheduler) Cancel(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, timer := range s.timers[key] {
		if timer.Stop() {
			n++
		}
	}
	if group, ok := s.timers[key]; ok {
		s.pending -= len(group)
		delete(s.timers, key)
		s.notify()
	}
	return n
}

// Pending 返回尚未触发的任务数
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Stop 停止调度器并丢弃所有未触发的任务，返回丢弃数量
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	s.stopped = true

	dropped := 0
	for key, group := range s.timers {
		for _, timer := range group {
			if timer.Stop() {
				dropped++
			}
		}
		delete(s.timers, key)
	}
	s.pending = 0
	s.notify()
	return dropped
}

func (s *Scheduler) fire(key string, id uint64, task func()) {
	s.mu.Lock()
	group, ok := s.timers[key]
	if !ok || group[id] == nil {
		// 已被 Cancel 或 Stop
		s.mu.Unlock()
		return
	}
	delete(group, id)
	if len(group) == 0 {
		delete(s.timers, key)
	}
	s.pending--
	s.notify()
	s.mu.Unlock()

	if !s.pool.Go(task) {
		s.logger.Warn("scheduled task dropped, pool closed", zap.String("key", key))
	}
}

// notify 调用方须持有 s.mu
func (s *Scheduler) notify() {
	if s.onChange != nil {
		s.onChange(s.pending)
	}
}
