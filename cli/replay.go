package cli

import (
	"context"
	"errors"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"

	"github.com/goliatone/go-mcp-inspector/adapters/gojob"
	"github.com/goliatone/go-mcp-inspector/core"
)

const replayQueueCapacity = 256

var errReplayQueueFull = errors.New("cli: replay queue is full")

// replayQueue is the in-process go-job queue between the outbox dispatcher
// and the replay consumer. A full queue rejects the enqueue so the
// dispatcher backs the entry off and retries it later.
type replayQueue struct {
	messages chan *job.ExecutionMessage
}

func newReplayQueue(capacity int) *replayQueue {
	if capacity <= 0 {
		capacity = replayQueueCapacity
	}
	return &replayQueue{messages: make(chan *job.ExecutionMessage, capacity)}
}

func (q *replayQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	select {
	case q.messages <- msg:
		return nil
	default:
		return errReplayQueueFull
	}
}

func (q *replayQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-q.messages:
		return &replayDelivery{queue: q, msg: msg}, nil
	}
}

type replayDelivery struct {
	queue *replayQueue
	msg   *job.ExecutionMessage
	once  sync.Once
}

func (d *replayDelivery) Message() *job.ExecutionMessage { return d.msg }

func (d *replayDelivery) Ack(context.Context) error { return nil }

func (d *replayDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	if !opts.Requeue || opts.DeadLetter {
		return nil
	}
	var err error
	d.once.Do(func() {
		if opts.Delay <= 0 {
			err = d.queue.Enqueue(ctx, d.msg)
			return
		}
		time.AfterFunc(opts.Delay, func() {
			_ = d.queue.Enqueue(context.Background(), d.msg)
		})
	})
	return err
}

// logReplaySink is the terminal consumer: it records each replayed entry.
// Consumers deduplicate on idempotency_key, so redelivery is harmless.
func logReplaySink(logger core.Logger) core.ReplaySink {
	return core.ReplaySinkFunc(func(_ context.Context, entry core.OutboxEntry) error {
		logger.Info("outbox entry replayed",
			"event_id", entry.EventID,
			"event_type", string(entry.EventType),
			"run_id", entry.RunID,
			"idempotency_key", entry.IdempotencyKey,
		)
		return nil
	})
}

// replayPipeline wires dispatcher -> go-job queue -> consumer -> sink.
type replayPipeline struct {
	queue    *replayQueue
	sink     *gojob.ReplaySink
	consumer *gojob.Consumer
	logger   core.Logger
}

func newReplayPipeline(downstream core.ReplaySink, logger core.Logger) (*replayPipeline, error) {
	q := newReplayQueue(replayQueueCapacity)
	sink, err := gojob.NewReplaySink(q)
	if err != nil {
		return nil, err
	}
	consumer, err := gojob.NewConsumer(q, downstream, gojob.WithConsumerLogger(logger))
	if err != nil {
		return nil, err
	}
	return &replayPipeline{queue: q, sink: sink, consumer: consumer, logger: logger}, nil
}

// Run consumes until ctx is done.
func (p *replayPipeline) Run(ctx context.Context) error {
	for {
		err := p.consumer.ProcessNext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			p.logger.Warn("replay consumer error", "error", err.Error())
		}
	}
}

// Drain consumes what is queued right now without waiting for more.
func (p *replayPipeline) Drain(ctx context.Context) int {
	if p == nil {
		return 0
	}
	consumed := 0
	for pending := len(p.queue.messages); consumed < pending; consumed++ {
		if err := p.consumer.ProcessNext(ctx); err != nil {
			p.logger.Warn("replay drain stopped", "error", err.Error())
			break
		}
	}
	return consumed
}
