package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// memoryQueue runs tasks in-process. Delayed tasks are held by timers and
// are lost when the process exits.
type memoryQueue struct {
	log     logrus.FieldLogger
	workers int
	reg     *registry

	mu      sync.Mutex
	pending []*envelope
	timers  map[*time.Timer]struct{}
	stopped bool
	wake    chan struct{}

	// inflight counts queued, delayed and running tasks.
	inflight sync.WaitGroup

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Ensure interface compliance.
var _ Queue = (*memoryQueue)(nil)

// NewMemoryQueue creates an in-process queue with the given number of
// workers.
func NewMemoryQueue(log logrus.FieldLogger, workers int) Queue {
	log = log.WithField("component", "taskqueue")

	return &memoryQueue{
		log:     log,
		workers: max(workers, 1),
		reg:     newRegistry(log),
		timers:  make(map[*time.Timer]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (q *memoryQueue) Register(def Definition) {
	q.reg.register(def)
}

func (q *memoryQueue) Enqueue(
	_ context.Context, name string, payload any, opts ...EnqueueOption,
) error {
	if !q.reg.has(name) {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	env, err := newEnvelope(name, payload)
	if err != nil {
		return err
	}

	q.schedule(env, time.Until(o.eta))

	return nil
}

func (q *memoryQueue) Start(ctx context.Context) error {
	ctx, q.cancel = context.WithCancel(ctx)

	for range q.workers {
		q.wg.Add(1)

		go func() {
			defer q.wg.Done()

			q.work(ctx)
		}()
	}

	q.log.WithField("workers", q.workers).Info("Task queue started")

	return nil
}

func (q *memoryQueue) Stop() error {
	q.mu.Lock()
	q.stopped = true

	for t := range q.timers {
		t.Stop()
	}

	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}

	q.wg.Wait()

	return nil
}

// Wait blocks until every queued and delayed task has been processed,
// including retries and tasks enqueued by handlers.
func (q *memoryQueue) Wait() {
	q.inflight.Wait()
}

func (q *memoryQueue) schedule(env *envelope, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}

	q.inflight.Add(1)

	if delay <= 0 {
		q.push(env)

		return
	}

	var t *time.Timer

	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		delete(q.timers, t)

		if q.stopped {
			q.inflight.Done()

			return
		}

		q.push(env)
	})

	q.timers[t] = struct{}{}
}

// push appends a ready task. The caller holds q.mu.
func (q *memoryQueue) push(env *envelope) {
	q.pending = append(q.pending, env)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) pop() *envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}

	env := q.pending[0]
	q.pending = q.pending[1:]

	if len(q.pending) > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}

	return env
}

func (q *memoryQueue) work(ctx context.Context) {
	for {
		env := q.pop()
		if env == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		next, delay := q.reg.dispatch(ctx, env)
		if next != nil {
			q.schedule(next, delay)
		}

		q.inflight.Done()
	}
}
