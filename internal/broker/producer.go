package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// RetryCountHeader is stamped on every copy inserted into a retry queue.
	RetryCountHeader = "x-retry-count"
	// RecheckCountHeader counts back-to-back copies scheduled only to look at
	// the work again later. Rechecks leave the retry count alone.
	RecheckCountHeader = "x-recheck-count"
)

// ErrNoRetryQueue is returned by InsertToRetryQueue for queues declared without one.
var ErrNoRetryQueue = errors.New("queue has no retry queue")

// Producer publishes JSON messages to one queue and its retry queue.
type Producer struct {
	queue    QueueDefinition
	channels *ChannelCache
	logger   *slog.Logger
}

func NewProducer(opener ChannelOpener, queue QueueDefinition, name string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		queue:    queue,
		channels: NewChannelCache(opener, name, logger),
		logger:   logger,
	}
}

// Publish sends msg to the primary queue and waits for the broker confirm.
func (p *Producer) Publish(ctx context.Context, msg any) error {
	pub, err := newPublishing(msg)
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queue.Name, pub)
}

// InsertToRetryQueue publishes a delayed copy of msg. The copy waits ttl in the
// retry queue and is then dead-lettered back onto the primary queue.
func (p *Producer) InsertToRetryQueue(ctx context.Context, msg any, priority uint8, ttl time.Duration, retryCount int) error {
	if err := p.insertDelayed(ctx, msg, priority, ttl, amqp.Table{RetryCountHeader: int32(retryCount)}); err != nil {
		return err
	}

	p.logger.Debug("message scheduled for retry",
		"queue", p.queue.Name,
		"retry_count", retryCount,
		"delay", ttl,
	)
	return nil
}

// InsertRecheck publishes a delayed copy of msg that carries retryCount
// unchanged, so the wait does not spend retry budget.
func (p *Producer) InsertRecheck(ctx context.Context, msg any, priority uint8, ttl time.Duration, retryCount, rechecks int) error {
	headers := amqp.Table{
		RetryCountHeader:   int32(retryCount),
		RecheckCountHeader: int32(rechecks),
	}
	if err := p.insertDelayed(ctx, msg, priority, ttl, headers); err != nil {
		return err
	}

	p.logger.Debug("message scheduled for recheck",
		"queue", p.queue.Name,
		"retry_count", retryCount,
		"rechecks", rechecks,
		"delay", ttl,
	)
	return nil
}

func (p *Producer) insertDelayed(ctx context.Context, msg any, priority uint8, ttl time.Duration, headers amqp.Table) error {
	if !p.queue.Retry {
		return fmt.Errorf("%w: %s", ErrNoRetryQueue, p.queue.Name)
	}

	pub, err := newPublishing(msg)
	if err != nil {
		return err
	}

	pub.Priority = clampPriority(priority, p.queue.MaxPriority)
	pub.Expiration = expiration(ttl)
	pub.Headers = headers

	return p.publish(ctx, p.queue.RetryName(), pub)
}

func (p *Producer) publish(ctx context.Context, queue string, pub amqp.Publishing) error {
	ch, err := p.channels.Get(ctx)
	if err != nil {
		return err
	}

	if err := ch.PublishConfirmed(ctx, queue, pub); err != nil {
		// A nack leaves the channel usable; anything else may not have.
		if !errors.Is(err, ErrPublishNacked) {
			p.channels.Invalidate(ch)
		}
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	return p.channels.Close()
}

func newPublishing(msg any) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal message: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}, nil
}

func clampPriority(priority, max uint8) uint8 {
	if priority > max {
		return max
	}
	return priority
}

// expiration renders ttl as the per-message expiration string, in milliseconds.
func expiration(ttl time.Duration) string {
	ms := ttl.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms, 10)
}

// FanoutProducer is the typed producer for the fan-out queue.
type FanoutProducer struct {
	*Producer
}

func NewFanoutProducer(opener ChannelOpener, logger *slog.Logger) *FanoutProducer {
	return &FanoutProducer{Producer: NewProducer(opener, FanoutQueueDefinition(), "fanout-producer", logger)}
}

func (p *FanoutProducer) InsertEvent(ctx context.Context, msg FanoutMessage) error {
	return p.Publish(ctx, msg)
}

// DispatchProducer is the typed producer for the dispatch queue.
type DispatchProducer struct {
	*Producer
}

func NewDispatchProducer(opener ChannelOpener, logger *slog.Logger) *DispatchProducer {
	return &DispatchProducer{Producer: NewProducer(opener, DispatchQueueDefinition(), "dispatch-producer", logger)}
}

func (p *DispatchProducer) Dispatch(ctx context.Context, msg DispatchMessage) error {
	return p.Publish(ctx, msg)
}
