// Package worker runs reply pipelines in the background. The queue gives
// the HTTP layer a fire-and-forget submit with backpressure: requests
// queue up to a bound instead of spawning unbounded goroutines, and a
// reply that is already being processed cannot be submitted twice.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"concierge/internal/logging"
)

var (
	// ErrQueueFull is returned when the queue cannot accept more tasks.
	ErrQueueFull = errors.New("worker queue is full")

	// ErrQueueStopped is returned when the queue is shutting down.
	ErrQueueStopped = errors.New("worker queue is stopped")

	// ErrTaskInFlight is returned when the reply already has a queued or
	// running task.
	ErrTaskInFlight = errors.New("task already in flight for reply")
)

// Task is one unit of background work, owning a single reply end to end.
type Task func(ctx context.Context)

// Config controls queue capacity and shutdown behavior.
type Config struct {
	Workers      int           // concurrent task runners
	MaxQueueSize int           // max pending tasks
	DrainTimeout time.Duration // how long Stop waits for in-flight work
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxQueueSize: 64,
		DrainTimeout: 30 * time.Second,
	}
}

type queuedTask struct {
	replyID string
	fn      Task
}

// Queue is a bounded worker pool keyed by reply id. At most one task per
// reply is queued or running at a time.
type Queue struct {
	mu       sync.Mutex
	config   Config
	tasks    chan *queuedTask
	inFlight map[string]struct{}

	isRunning bool
	stopCh    chan struct{}
	workerWg  sync.WaitGroup

	totalQueued    int64
	totalCompleted int64
	totalRejected  int64
}

// New builds a queue; call Start before submitting.
func New(cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 64
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Queue{
		config:   cfg,
		tasks:    make(chan *queuedTask, cfg.MaxQueueSize),
		inFlight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker goroutines. Safe to call more than once.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isRunning {
		return
	}
	q.isRunning = true
	q.stopCh = make(chan struct{})
	for i := 0; i < q.config.Workers; i++ {
		q.workerWg.Add(1)
		go q.worker()
	}
	logging.Worker("Queue started with %d workers, capacity %d",
		q.config.Workers, q.config.MaxQueueSize)
}

// Submit enqueues fn for replyID. Rejects duplicates for an in-flight
// reply, a full queue, and a stopped queue; callers decide how to
// surface that.
func (q *Queue) Submit(replyID string, fn Task) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if _, busy := q.inFlight[replyID]; busy {
		q.mu.Unlock()
		atomic.AddInt64(&q.totalRejected, 1)
		return ErrTaskInFlight
	}
	// Reserve the reply before releasing the lock so a racing duplicate
	// submission cannot slip in between the check and the enqueue.
	q.inFlight[replyID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.tasks <- &queuedTask{replyID: replyID, fn: fn}:
		atomic.AddInt64(&q.totalQueued, 1)
		return nil
	default:
		q.release(replyID)
		atomic.AddInt64(&q.totalRejected, 1)
		return ErrQueueFull
	}
}

// Stop shuts the queue down, letting workers drain pending tasks for up
// to DrainTimeout. Tasks still pending after the timeout are abandoned.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return
	}
	q.isRunning = false
	close(q.stopCh)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Worker("Queue stopped gracefully")
	case <-time.After(q.config.DrainTimeout):
		logging.Get(logging.CategoryWorker).Warn("Queue drain timeout exceeded, abandoning pending tasks")
	}
}

// Depth returns the number of tasks waiting to run.
func (q *Queue) Depth() int {
	return len(q.tasks)
}

// Completed returns the number of tasks that have finished.
func (q *Queue) Completed() int64 {
	return atomic.LoadInt64(&q.totalCompleted)
}

func (q *Queue) worker() {
	defer q.workerWg.Done()
	for {
		select {
		case t := <-q.tasks:
			q.run(t)
		case <-q.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case t := <-q.tasks:
					q.run(t)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) run(t *queuedTask) {
	defer q.release(t.replyID)
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryWorker).Errorf("Task for reply %s panicked: %v", t.replyID, r)
		}
	}()
	t.fn(context.Background())
	atomic.AddInt64(&q.totalCompleted, 1)
}

func (q *Queue) release(replyID string) {
	q.mu.Lock()
	delete(q.inFlight, replyID)
	q.mu.Unlock()
}
