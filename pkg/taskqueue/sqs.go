package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// maxSQSDelay is the longest delay SQS accepts for a message. Longer delays
// are split into several hops.
const maxSQSDelay = 15 * time.Minute

// sqsAPI is the subset of the SQS client used by the queue.
type sqsAPI interface {
	SendMessage(
		ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options),
	) (*sqs.SendMessageOutput, error)
	ReceiveMessage(
		ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options),
	) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(
		ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options),
	) (*sqs.DeleteMessageOutput, error)
}

// sqsQueue stores tasks as SQS messages. The attempt counter travels in the
// message body; a failed attempt is re-sent with the retry delay and the
// original message is deleted.
type sqsQueue struct {
	log      logrus.FieldLogger
	client   sqsAPI
	queueURL string
	wait     int32
	workers  int
	reg      *registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Ensure interface compliance.
var _ Queue = (*sqsQueue)(nil)

// NewSQSQueue creates a queue backed by the configured SQS queue.
func NewSQSQueue(log logrus.FieldLogger, cfg *config.QueueConfig) (Queue, error) {
	opts := make([]func(*awsconfig.LoadOptions) error, 0, 1)
	if cfg.SQS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.SQS.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.SQS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.SQS.EndpointURL)
		}
	})

	return newSQSQueue(log, client, cfg), nil
}

func newSQSQueue(log logrus.FieldLogger, client sqsAPI, cfg *config.QueueConfig) *sqsQueue {
	log = log.WithField("component", "taskqueue")

	return &sqsQueue{
		log:      log,
		client:   client,
		queueURL: cfg.SQS.QueueURL,
		wait:     cfg.SQS.WaitTimeSeconds,
		workers:  max(cfg.Workers, 1),
		reg:      newRegistry(log),
	}
}

func (q *sqsQueue) Register(def Definition) {
	q.reg.register(def)
}

func (q *sqsQueue) Enqueue(
	ctx context.Context, name string, payload any, opts ...EnqueueOption,
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

	if !o.eta.IsZero() {
		eta := o.eta.UTC()
		env.NotBefore = &eta
	}

	return q.send(ctx, env)
}

// send publishes env, delaying it until NotBefore as far as SQS allows.
func (q *sqsQueue) send(ctx context.Context, env *envelope) error {
	var delay time.Duration

	if env.NotBefore != nil {
		delay = time.Until(*env.NotBefore)
	}

	delay = min(max(delay, 0), maxSQSDelay)

	if env.NotBefore != nil && time.Until(*env.NotBefore) <= maxSQSDelay {
		env.NotBefore = nil
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	if _, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(math.Ceil(delay.Seconds())),
	}); err != nil {
		return fmt.Errorf("sending %s task: %w", env.Name, err)
	}

	return nil
}

func (q *sqsQueue) Start(ctx context.Context) error {
	ctx, q.cancel = context.WithCancel(ctx)

	for range q.workers {
		q.wg.Add(1)

		go func() {
			defer q.wg.Done()

			q.poll(ctx)
		}()
	}

	q.log.WithFields(logrus.Fields{
		"workers": q.workers,
		"queue":   q.queueURL,
	}).Info("Task queue started")

	return nil
}

func (q *sqsQueue) Stop() error {
	if q.cancel != nil {
		q.cancel()
	}

	q.wg.Wait()

	return nil
}

func (q *sqsQueue) poll(ctx context.Context) {
	for ctx.Err() == nil {
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     q.wait,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			q.log.WithError(err).Warn("Failed to receive tasks")

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}

			continue
		}

		for _, msg := range out.Messages {
			q.handle(ctx, msg)
		}
	}
}

// handle processes one message. The message is only deleted once its
// outcome, including any retry, has been published.
func (q *sqsQueue) handle(ctx context.Context, msg types.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		q.log.WithError(err).Error("Dropping malformed task message")
		q.delete(ctx, msg)

		return
	}

	if env.NotBefore != nil && time.Now().Before(*env.NotBefore) {
		if err := q.send(ctx, &env); err != nil {
			q.log.WithError(err).Warn("Failed to re-delay task")

			return
		}

		q.delete(ctx, msg)

		return
	}

	next, delay := q.reg.dispatch(ctx, &env)
	if next != nil {
		eta := time.Now().Add(delay).UTC()
		next.NotBefore = &eta

		if err := q.send(ctx, next); err != nil {
			// The message becomes visible again and is redelivered.
			q.log.WithError(err).Warn("Failed to schedule task retry")

			return
		}
	}

	q.delete(ctx, msg)
}

func (q *sqsQueue) delete(ctx context.Context, msg types.Message) {
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		q.log.WithError(err).Warn("Failed to delete task message")
	}
}
