package flow

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultStartGap is the minimum spacing between task starts when no
// per-task override is given.
const DefaultStartGap = 750 * time.Millisecond

// TaskMeta annotates a queued task for tracing and spacing.
type TaskMeta struct {
	Label  string
	ItemID string

	// Delay overrides the scheduler's default start gap for this task.
	Delay time.Duration
}

type scheduledTask struct {
	ctx  context.Context
	meta TaskMeta
	fn   func(context.Context) error
	done chan error
}

// Scheduler is a FIFO queue enforcing a minimum gap between the START
// times of consecutive tasks. Completion times play no role; a slow task
// simply delays everything behind it. A task's error never stops the queue.
type Scheduler struct {
	defaultGap time.Duration

	mu     sync.Mutex
	closed bool
	tasks  chan *scheduledTask
}

// NewScheduler starts a scheduler with the given default start gap.
// A non-positive gap falls back to DefaultStartGap.
func NewScheduler(defaultGap time.Duration) *Scheduler {
	if defaultGap <= 0 {
		defaultGap = DefaultStartGap
	}
	s := &Scheduler{
		defaultGap: defaultGap,
		tasks:      make(chan *scheduledTask, 64),
	}
	go s.run()
	return s
}

// Enqueue submits a task and blocks until it ran (or the queue rejected
// it). Execution order is submission order.
func (s *Scheduler) Enqueue(ctx context.Context, meta TaskMeta, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return eris.New("ratelimit: scheduler closed")
	}
	task := &scheduledTask{ctx: ctx, meta: meta, fn: fn, done: make(chan error, 1)}
	s.tasks <- task
	s.mu.Unlock()

	return <-task.done
}

// Close stops accepting tasks. Already queued tasks still run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.tasks)
}

func (s *Scheduler) run() {
	var lastStart time.Time

	for task := range s.tasks {
		if err := task.ctx.Err(); err != nil {
			task.done <- err
			continue
		}

		gap := task.meta.Delay
		if gap <= 0 {
			gap = s.defaultGap
		}
		if !lastStart.IsZero() {
			if wait := gap - time.Since(lastStart); wait > 0 {
				zap.L().Debug("ratelimit: spacing task start",
					zap.String("label", task.meta.Label),
					zap.Duration("wait", wait),
				)
				time.Sleep(wait)
			}
		}

		lastStart = time.Now()
		task.done <- s.invoke(task)
	}
}

func (s *Scheduler) invoke(task *scheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("ratelimit: task panic: %v", r)
			zap.L().Error("ratelimit: task panicked",
				zap.String("label", task.meta.Label),
				zap.String("item_id", task.meta.ItemID),
				zap.Any("panic", r),
			)
		}
	}()
	return task.fn(task.ctx)
}
