package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felipemaragno/hookly/internal/clock"
)

// ValidationError marks a message that can never be processed: bad JSON or a
// schema violation. Such messages are rejected without requeue.
type ValidationError struct {
	Queue string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message on %s: %v", e.Queue, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Handler processes one decoded message. A non-nil error rejects the delivery
// without requeue, which routes it to the dead-letter queue.
type Handler[T Message] func(ctx context.Context, msg T, headers amqp.Table) error

type consumerConfig struct {
	prefetch         int
	resubscribeDelay time.Duration
	clock            clock.Clock
	logger           *slog.Logger
}

type ConsumerOption func(*consumerConfig)

func WithPrefetch(n int) ConsumerOption {
	return func(c *consumerConfig) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

func WithResubscribeDelay(d time.Duration) ConsumerOption {
	return func(c *consumerConfig) {
		c.resubscribeDelay = d
	}
}

func WithConsumerClock(cl clock.Clock) ConsumerOption {
	return func(c *consumerConfig) {
		c.clock = cl
	}
}

func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		c.logger = l
	}
}

// Consumer reads one queue with manual acknowledgement. Every delivery runs in
// its own goroutine; the channel prefetch bounds how many are in flight.
type Consumer[T Message] struct {
	queue    QueueDefinition
	name     string
	config   consumerConfig
	channels *ChannelCache
	logger   *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

func NewConsumer[T Message](opener ChannelOpener, queue QueueDefinition, name string, opts ...ConsumerOption) *Consumer[T] {
	cfg := consumerConfig{
		prefetch:         10,
		resubscribeDelay: time.Second,
		clock:            clock.RealClock{},
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Consumer[T]{
		queue:    queue,
		name:     name,
		config:   cfg,
		channels: NewChannelCache(opener, name, cfg.logger),
		logger:   cfg.logger.With("queue", queue.Name, "consumer", name),
	}
}

// Start subscribes and returns once the first subscription is established.
// Deliveries are processed in the background until Stop is called or ctx ends.
func (c *Consumer[T]) Start(ctx context.Context, handler Handler[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("consumer %s already started", c.name)
	}

	ch, deliveries, err := c.subscribe(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.consumeLoop(loopCtx, ch, deliveries, handler)

	c.logger.Info("consumer started", "prefetch", c.config.prefetch)
	return nil
}

// Stop cancels the subscription and waits for in-flight handlers to finish.
func (c *Consumer[T]) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	c.inflight.Wait()

	if err := c.channels.Close(); err != nil {
		c.logger.Error("failed to close consumer channel", "error", err)
	}
	c.logger.Info("consumer stopped")
}

func (c *Consumer[T]) subscribe(ctx context.Context) (Channel, <-chan amqp.Delivery, error) {
	ch, err := c.channels.Get(ctx)
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(c.config.prefetch); err != nil {
		c.channels.Invalidate(ch)
		return nil, nil, fmt.Errorf("set prefetch on %s: %w", c.queue.Name, err)
	}

	deliveries, err := ch.Consume(ctx, c.queue.Name, c.name)
	if err != nil {
		c.channels.Invalidate(ch)
		return nil, nil, fmt.Errorf("consume %s: %w", c.queue.Name, err)
	}

	return ch, deliveries, nil
}

func (c *Consumer[T]) consumeLoop(ctx context.Context, ch Channel, deliveries <-chan amqp.Delivery, handler Handler[T]) {
	defer close(c.done)

	// Handlers finish their work even after Stop has been requested.
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("delivery stream closed, resubscribing")
				c.channels.Invalidate(ch)

				ch, deliveries = c.resubscribe(ctx)
				if deliveries == nil {
					return
				}
				continue
			}

			c.inflight.Add(1)
			go func(d amqp.Delivery) {
				defer c.inflight.Done()
				c.handle(handlerCtx, d, handler)
			}(d)
		}
	}
}

func (c *Consumer[T]) resubscribe(ctx context.Context) (Channel, <-chan amqp.Delivery) {
	for {
		if err := c.config.clock.Sleep(ctx, c.config.resubscribeDelay); err != nil {
			return nil, nil
		}

		ch, deliveries, err := c.subscribe(ctx)
		if err == nil {
			c.logger.Info("consumer resubscribed")
			return ch, deliveries
		}
		c.logger.Warn("resubscribe failed", "error", err)
	}
}

func (c *Consumer[T]) handle(ctx context.Context, d amqp.Delivery, handler Handler[T]) {
	msg, err := c.decode(d.Body)
	if err != nil {
		c.logger.Error("rejecting malformed message", "error", err)
		c.reject(d)
		return
	}

	if err := handler(ctx, msg, d.Headers); err != nil {
		c.logger.Error("handler failed, dead-lettering message",
			"retry_count", c.RetryCount(d.Headers),
			"error", err,
		)
		c.reject(d)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

func (c *Consumer[T]) decode(body []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, &ValidationError{Queue: c.queue.Name, Err: err}
	}
	if err := validate.Struct(&msg); err != nil {
		return msg, &ValidationError{Queue: c.queue.Name, Err: err}
	}
	return msg, nil
}

func (c *Consumer[T]) reject(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		c.logger.Error("failed to nack message", "error", err)
	}
}

// RetryCount returns how many times the message has been retried on this
// consumer's queue.
func (c *Consumer[T]) RetryCount(headers amqp.Table) int {
	return RetryCount(headers, c.queue)
}

// RetryCount reads the retry history of a delivery for one stage.
//
// Every copy InsertToRetryQueue publishes is a fresh message, so the broker's
// x-death history restarts with each one and the x-retry-count header carries
// the running total. x-death is only consulted when that header is missing,
// and then only the counts recorded against the stage's own primary and retry
// queues. Deaths on other stages' queues are ignored.
func RetryCount(headers amqp.Table, queue QueueDefinition) int {
	if v, ok := headers[RetryCountHeader]; ok {
		if n, ok := toInt(v); ok {
			return n
		}
	}

	count := 0
	deaths, _ := headers["x-death"].([]interface{})
	for _, raw := range deaths {
		death, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		name, _ := death["queue"].(string)
		if name != queue.Name && name != queue.RetryName() {
			continue
		}
		if n, ok := toInt(death["count"]); ok && n > count {
			count = n
		}
	}

	return count
}

// RecheckCount returns how many rechecks in a row led to this delivery.
func RecheckCount(headers amqp.Table) int {
	n, _ := toInt(headers[RecheckCountHeader])
	return n
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	default:
		return 0, false
	}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
