package broker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is deferred work scheduled by a broker after a fan-out: buffer
// persistence, last-seen updates, usage emission.
type Task func()

// Runner executes deferred broker work on a fixed pool of goroutines.
// The queue is bounded and drop-on-full so a storage stall can never
// back up into the broadcast path.
type Runner struct {
	workerCount int
	taskQueue   chan Task
	ctx         context.Context
	wg          sync.WaitGroup
	dropped     int64
	log         zerolog.Logger
}

// NewRunner creates a runner with workerCount goroutines and a queue of
// queueSize pending tasks.
func NewRunner(workerCount, queueSize int, log zerolog.Logger) *Runner {
	return &Runner{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		log:         log.With().Str("component", "tasks").Logger(),
	}
}

// Start launches the workers. Must be called before Submit.
func (r *Runner) Start(ctx context.Context) {
	r.ctx = ctx
	for i := 0; i < r.workerCount; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case task, ok := <-r.taskQueue:
			if !ok {
				return
			}
			if task != nil {
				r.runOne(task)
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// runOne executes a task with panic recovery: a failing task must not take
// a worker down with it.
func (r *Runner) runOne(task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Interface("panic_value", rec).
				Str("stack_trace", string(debug.Stack())).
				Msg("background task panicked")
		}
	}()
	task()
}

// Submit enqueues a task. When the queue is full the task is dropped and
// the drop counted; Submit never blocks.
func (r *Runner) Submit(task Task) {
	select {
	case r.taskQueue <- task:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns the number of tasks shed since start.
func (r *Runner) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Stop drains the queue and waits for the workers to exit.
func (r *Runner) Stop() {
	close(r.taskQueue)
	r.wg.Wait()
}
