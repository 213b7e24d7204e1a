// Package taskqueue runs named background tasks with at-least-once
// delivery, delayed execution and per-task retry policies.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/retry"
	"github.com/sirupsen/logrus"
)

// ErrUnknownTask is returned when enqueuing a task with no registration.
var ErrUnknownTask = errors.New("unknown task")

// Handler processes one delivery of a task. Handlers must be idempotent.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Definition registers a task with its handler and retry policy.
type Definition struct {
	Name    string
	Handler Handler
	Policy  retry.Policy
	// OnGiveUp is called once the handler failed and the policy allows no
	// further attempt.
	OnGiveUp func(ctx context.Context, payload json.RawMessage, err error)
}

// Queue is a task queue client.
type Queue interface {
	// Register adds a task definition. It must be called before Start.
	Register(def Definition)
	// Enqueue schedules a task. The payload is JSON encoded.
	Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) error
	// Start begins processing tasks.
	Start(ctx context.Context) error
	// Stop waits for running handlers and stops processing.
	Stop() error
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	eta time.Time
}

// WithETA delays the task until at.
func WithETA(at time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.eta = at }
}

// WithDelay delays the task by d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.eta = time.Now().Add(d) }
}

// envelope is the serialized form of a task.
type envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	Attempt int             `json:"attempt"`
	// NotBefore is set when the delay exceeds what the backend can express.
	NotBefore *time.Time `json:"not_before,omitempty"`
}

func newEnvelope(name string, payload any) (*envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", name, err)
	}

	return &envelope{Name: name, Payload: data, Attempt: 1}, nil
}

// New creates the queue backend selected by cfg.
func New(log logrus.FieldLogger, cfg *config.QueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryQueue(log, cfg.Workers), nil
	case "sqs":
		return NewSQSQueue(log, cfg)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// registry holds task definitions and runs deliveries against them.
type registry struct {
	log  logrus.FieldLogger
	defs map[string]Definition
}

func newRegistry(log logrus.FieldLogger) *registry {
	return &registry{log: log, defs: make(map[string]Definition, 8)}
}

func (r *registry) register(def Definition) {
	r.defs[def.Name] = def
}

func (r *registry) has(name string) bool {
	_, ok := r.defs[name]

	return ok
}

// dispatch runs one delivery. It returns the envelope to redeliver and its
// delay when the handler failed and may be retried.
func (r *registry) dispatch(ctx context.Context, env *envelope) (*envelope, time.Duration) {
	def, ok := r.defs[env.Name]
	if !ok {
		r.log.WithField("task", env.Name).Error("Dropping task without registration")

		return nil, 0
	}

	log := r.log.WithFields(logrus.Fields{"task": env.Name, "attempt": env.Attempt})

	err := runHandler(ctx, def.Handler, env.Payload)
	if err == nil {
		log.Debug("Task completed")

		return nil, 0
	}

	if def.Policy.ShouldRetry(env.Attempt, err) {
		delay := def.Policy.Delay(env.Attempt)
		log.WithError(err).WithField("retry_in", delay).Warn("Task failed, retrying")

		next := *env
		next.Attempt++

		return &next, delay
	}

	log.WithError(err).Error("Task failed permanently")

	if def.OnGiveUp != nil {
		def.OnGiveUp(ctx, env.Payload, err)
	}

	return nil, 0
}

// runHandler converts handler panics into errors.
func runHandler(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()

	return h(ctx, payload)
}
