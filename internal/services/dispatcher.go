package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"handoff/internal/metrics"
)

var (
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	ErrLaneFull          = errors.New("dispatch lane full")
)

// DispatchTask 后台任务，相同 Key 按提交顺序执行，不同 Key 并行
type DispatchTask struct {
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

// DispatcherOptions 后台任务限制
type DispatcherOptions struct {
	Workers  int64
	LaneSize int
	Timeout  time.Duration
}

// Dispatcher 按 Key 的先进先出队列执行任务，全局限制并发
// 队列清空后对应的 goroutine 退出
type Dispatcher struct {
	mu      sync.Mutex
	lanes   map[string]chan DispatchTask
	stopped bool

	sem      *semaphore.Weighted
	laneSize int
	timeout  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending atomic.Int64

	stats  metrics.DispatchStats
	logger *logrus.Logger
}

func NewDispatcher(opts DispatcherOptions, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.LaneSize <= 0 {
		opts.LaneSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		lanes:    make(map[string]chan DispatchTask),
		sem:      semaphore.NewWeighted(opts.Workers),
		laneSize: opts.LaneSize,
		timeout:  opts.Timeout,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Submit 将任务放入对应队列，不阻塞
func (d *Dispatcher) Submit(task DispatchTask) error {
	if task.Run == nil {
		return fmt.Errorf("dispatch task %q has no body", task.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		d.stats.IncRejected()
		return ErrDispatcherStopped
	}

	lane, exists := d.lanes[task.Key]
	if !exists {
		lane = make(chan DispatchTask, d.laneSize)
		d.lanes[task.Key] = lane
		d.wg.Add(1)
		go d.processLane(task.Key, lane)
	}

	select {
	case lane <- task:
		d.pending.Add(1)
		d.stats.IncSubmitted()
		return nil
	default:
		d.stats.IncRejected()
		return fmt.Errorf("%w for key %s", ErrLaneFull, task.Key)
	}
}

func (d *Dispatcher) processLane(key string, lane chan DispatchTask) {
	defer d.wg.Done()
	for {
		select {
		case task := <-lane:
			d.execute(task)
		case <-d.ctx.Done():
			d.drop(key, lane)
			return
		default:
			d.mu.Lock()
			if len(lane) == 0 {
				delete(d.lanes, key)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) execute(task DispatchTask) {
	defer d.pending.Add(-1)
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		d.stats.IncFailed()
		d.logger.WithFields(logrus.Fields{"key": task.Key, "task": task.Name}).Warn("dispatch cancelled before start")
		return
	}
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	err := d.safeRun(ctx, task)
	if err != nil {
		d.stats.IncFailed()
		d.logger.WithFields(logrus.Fields{"key": task.Key, "task": task.Name}).WithError(err).Error("dispatch task failed")
		return
	}
	d.stats.IncCompleted()
}

func (d *Dispatcher) safeRun(ctx context.Context, task DispatchTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Run(ctx)
}

func (d *Dispatcher) drop(key string, lane chan DispatchTask) {
	d.mu.Lock()
	delete(d.lanes, key)
	d.mu.Unlock()
	for {
		select {
		case task := <-lane:
			d.pending.Add(-1)
			d.stats.IncFailed()
			d.logger.WithFields(logrus.Fields{"key": key, "task": task.Name}).Warn("dispatch task dropped on shutdown")
		default:
			return
		}
	}
}

// WaitIdle 等待所有任务完成或超时
func (d *Dispatcher) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if d.pending.Load() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Stop 拒绝新任务并等待排队任务完成，ctx 先到期时取消并丢弃剩余任务
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() metrics.DispatchSnapshot {
	return d.stats.Snapshot()
}
