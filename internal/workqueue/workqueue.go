// Package workqueue serializes git jobs per repository.
//
// Every repository key owns one FIFO queue with a single worker goroutine.
// Jobs for the same repository never interleave, jobs for different
// repositories run in parallel. Idle workers exit after a grace period, the
// next enqueue respawns them.
package workqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/event"
	"github.com/octobot/octobot/internal/logfields"
)

const (
	// DefMaxDepth bounds the number of queued jobs per repository,
	// enqueueing into a full queue fails.
	DefMaxDepth = 64
	// DefIdleGrace is how long an idle worker waits for new jobs before it
	// exits.
	DefIdleGrace = 30 * time.Second
)

const loggerName = "workqueue"

var (
	ErrQueueFull = errors.New("work queue is full")
	ErrStopped   = errors.New("work queue registry is stopped")
)

// WorkItem is one queued unit of work.
type WorkItem struct {
	// Seq is the per-queue submission sequence number, it increases
	// monotonically.
	Seq  uint64
	Name string

	run func(context.Context) error
}

type queue struct {
	key event.RepoKey

	mu            sync.Mutex
	items         []*WorkItem
	seq           uint64
	workerRunning bool
	signal        chan struct{}
}

// Registry is the process-wide map of per-repository work queues.
type Registry struct {
	maxDepth  int
	idleGrace time.Duration

	mu     sync.Mutex
	queues map[event.RepoKey]*queue

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
	stopped  bool

	logger *zap.Logger
}

type Option func(*Registry)

func WithMaxDepth(depth int) Option {
	return func(r *Registry) {
		r.maxDepth = depth
	}
}

func WithIdleGrace(grace time.Duration) Option {
	return func(r *Registry) {
		r.idleGrace = grace
	}
}

func NewRegistry(opts ...Option) *Registry {
	ctx, cancelFn := context.WithCancel(context.Background())

	r := Registry{
		maxDepth:  DefMaxDepth,
		idleGrace: DefIdleGrace,
		queues:    map[event.RepoKey]*queue{},
		ctx:       ctx,
		cancelFn:  cancelFn,
		logger:    zap.L().Named(loggerName),
	}

	for _, opt := range opts {
		opt(&r)
	}

	return &r
}

// Enqueue appends a job to the queue of the repository.
// The call never blocks. Jobs run in submission order, at most one job per
// repository executes at any time.
func (r *Registry) Enqueue(key event.RepoKey, name string, fn func(context.Context) error) error {
	r.mu.Lock()

	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}

	q, exist := r.queues[key]
	if !exist {
		q = &queue{
			key:    key,
			signal: make(chan struct{}, 1),
		}
		r.queues[key] = q
	}
	r.mu.Unlock()

	q.mu.Lock()

	if len(q.items) >= r.maxDepth {
		q.mu.Unlock()
		return ErrQueueFull
	}

	q.seq++
	item := WorkItem{
		Seq:  q.seq,
		Name: name,
		run:  fn,
	}
	q.items = append(q.items, &item)
	metrics.QueueDepthInc(key.String())

	spawnWorker := !q.workerRunning
	if spawnWorker {
		q.workerRunning = true
		r.wg.Add(1)
	}
	q.mu.Unlock()

	r.logger.Debug(
		"job enqueued",
		append(key.LogFields(),
			logfields.Event("job_enqueued"),
			zap.String("job", name),
			zap.Uint64("sequence", item.Seq),
		)...,
	)

	if spawnWorker {
		go r.worker(q)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

func (r *Registry) worker(q *queue) {
	defer r.wg.Done()

	logger := r.logger.With(q.key.LogFields()...)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()

			idleTimer := time.NewTimer(r.idleGrace)

			select {
			case <-q.signal:
				idleTimer.Stop()
				continue

			case <-r.ctx.Done():
				idleTimer.Stop()
				q.mu.Lock()
				q.workerRunning = false
				q.mu.Unlock()
				return

			case <-idleTimer.C:
				q.mu.Lock()
				if len(q.items) != 0 {
					q.mu.Unlock()
					continue
				}

				q.workerRunning = false
				q.mu.Unlock()

				logger.Debug(
					"idle worker exited",
					logfields.Event("workqueue_worker_exited"),
				)

				return
			}
		}

		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		metrics.QueueDepthDec(q.key.String())

		logger.Debug(
			"job started",
			logfields.Event("job_started"),
			zap.String("job", item.Name),
			zap.Uint64("sequence", item.Seq),
		)

		// The job context is independent of the registry context, an
		// in-flight job finishes during shutdown instead of having its
		// git subprocesses killed.
		err := item.run(context.Background())
		metrics.JobProcessed(q.key.String(), err == nil)
		if err != nil {
			logger.Error(
				"job failed",
				logfields.Event("job_failed"),
				zap.String("job", item.Name),
				zap.Uint64("sequence", item.Seq),
				zap.Error(err),
			)
		} else {
			logger.Debug(
				"job finished",
				logfields.Event("job_finished"),
				zap.String("job", item.Name),
				zap.Uint64("sequence", item.Seq),
			)
		}

		select {
		case <-r.ctx.Done():
			q.mu.Lock()
			q.workerRunning = false
			q.mu.Unlock()
			return
		default:
		}
	}
}

// Stop rejects further enqueues and waits until all workers terminated.
// The job that is currently executing finishes, queued jobs are dropped.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancelFn()
	r.wg.Wait()

	r.logger.Info("all workers terminated", logfields.Event("workqueue_stopped"))
}
