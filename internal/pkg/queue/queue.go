package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed 队列已关闭。
	ErrClosed = errors.New("queue: closed")
	// ErrFull 队列已满。
	ErrFull = errors.New("queue: full")
	// ErrNilTask 任务为空。
	ErrNilTask = errors.New("queue: nil task")
)

// Task 是一个有名字的后台任务，Timeout 大于 0 时单独限制其执行时间。
type Task struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// FailureHandler 在任务返回错误或 panic 后被调用。
type FailureHandler func(task Task, err error)

// Queue 有界任务队列与固定 worker 池，用于把慢速投递移出请求路径。
type Queue struct {
	logger    *slog.Logger
	workers   int
	tasks     chan Task
	onFailure FailureHandler

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started atomic.Bool

	stats counters
}

type counters struct {
	enqueued  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
	timedOut  atomic.Int64
}

// Stats 队列统计快照。
type Stats struct {
	Enqueued  int64
	Processed int64
	Succeeded int64
	Failed    int64
	Dropped   int64
	Panics    int64
	TimedOut  int64
}

// New 创建队列，workers 与 capacity 至少为 1。
func New(logger *slog.Logger, workers, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		tasks:   make(chan Task, capacity),
	}
}

// OnFailure 设置失败回调，需在 Start 之前调用。
func (q *Queue) OnFailure(fn FailureHandler) {
	q.onFailure = fn
}

// Start 启动 worker 池。ctx 取消后 worker 退出，未执行的任务被丢弃。
func (q *Queue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.execute(ctx, task, id)
		}
	}
}

func (q *Queue) execute(ctx context.Context, task Task, workerID int) {
	runCtx := ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	err := q.run(runCtx, task, workerID)
	q.stats.processed.Add(1)
	if err == nil {
		q.stats.succeeded.Add(1)
		return
	}

	q.stats.failed.Add(1)
	if errors.Is(err, context.DeadlineExceeded) {
		q.stats.timedOut.Add(1)
	}
	q.logger.Warn("task failed",
		slog.String("task", task.Name),
		slog.Int("worker_id", workerID),
		slog.String("error", err.Error()))
	if q.onFailure != nil {
		q.onFailure(task, err)
	}
}

func (q *Queue) run(ctx context.Context, task Task, workerID int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			q.logger.Error("task panic recovered",
				slog.String("task", task.Name),
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}

// TryEnqueue 非阻塞入队，队列满时返回 ErrFull。
func (q *Queue) TryEnqueue(task Task) error {
	if task.Run == nil {
		return ErrNilTask
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.tasks <- task:
		q.stats.enqueued.Add(1)
		return nil
	default:
		q.stats.dropped.Add(1)
		q.logger.Warn("queue full, drop task",
			slog.String("task", task.Name),
			slog.Int("capacity", cap(q.tasks)))
		return ErrFull
	}
}

// Enqueue 阻塞入队，直到成功或 ctx 结束。
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.Run == nil {
		return ErrNilTask
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.tasks <- task:
		q.stats.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 拒绝新任务并等待已入队任务执行完，超时返回错误。
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	if !q.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("queue: shutdown timed out after %s", timeout)
	}
}

// Stats 返回统计快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.enqueued.Load(),
		Processed: q.stats.processed.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Dropped:   q.stats.dropped.Load(),
		Panics:    q.stats.panics.Load(),
		TimedOut:  q.stats.timedOut.Load(),
	}
}

// Len 返回等待中的任务数。
func (q *Queue) Len() int { return len(q.tasks) }

// Cap 返回队列容量。
func (q *Queue) Cap() int { return cap(q.tasks) }
