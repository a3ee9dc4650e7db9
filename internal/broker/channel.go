package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPublishNacked is returned when the broker refuses a publisher confirm.
var ErrPublishNacked = errors.New("broker nacked publish")

// Channel is the subset of an AMQP channel used by producers and consumers.
type Channel interface {
	// PublishConfirmed publishes to queue through the default exchange and waits
	// for the broker's confirm.
	PublishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) error
	Qos(prefetch int) error
	Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// ChannelOpener hands out new confirm-mode channels. *Manager implements it.
type ChannelOpener interface {
	CreateChannel(ctx context.Context) (Channel, error)
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) PublishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) error {
	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm from %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrPublishNacked, queue)
	}
	return nil
}

func (c *amqpChannel) Qos(prefetch int) error {
	return c.ch.Qos(prefetch, 0, false)
}

func (c *amqpChannel) Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	return c.ch.ConsumeWithContext(ctx, queue, consumerTag, false, false, false, false, nil)
}

func (c *amqpChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.ch.NotifyClose(receiver)
}

func (c *amqpChannel) Close() error {
	return c.ch.Close()
}

type channelState int

const (
	channelClosed channelState = iota
	channelConnecting
	channelOpen
)

func (s channelState) String() string {
	switch s {
	case channelConnecting:
		return "connecting"
	case channelOpen:
		return "open"
	default:
		return "closed"
	}
}

// openAttempt is shared by every caller that arrives while a channel is opening.
type openAttempt struct {
	done chan struct{}
	ch   Channel
	err  error
}

// ChannelCache keeps one lazily opened channel per producer or consumer.
//
// Concurrent Get calls during an open share the same attempt, so at most one
// channel is ever being opened. When the broker closes the channel, or a caller
// invalidates it, the cache drops back to closed and the next Get reopens.
type ChannelCache struct {
	opener ChannelOpener
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	state   channelState
	ch      Channel
	pending *openAttempt
}

func NewChannelCache(opener ChannelOpener, name string, logger *slog.Logger) *ChannelCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelCache{
		opener: opener,
		name:   name,
		logger: logger,
	}
}

// Get returns the open channel, joining or starting an open when there is none.
func (c *ChannelCache) Get(ctx context.Context) (Channel, error) {
	c.mu.Lock()
	switch c.state {
	case channelOpen:
		ch := c.ch
		c.mu.Unlock()
		return ch, nil
	case channelConnecting:
		attempt := c.pending
		c.mu.Unlock()
		return c.wait(ctx, attempt)
	}

	attempt := &openAttempt{done: make(chan struct{})}
	c.state = channelConnecting
	c.pending = attempt
	c.mu.Unlock()

	// The open outlives a cancelled caller because other callers may be waiting on it.
	go c.open(context.WithoutCancel(ctx), attempt)

	return c.wait(ctx, attempt)
}

func (c *ChannelCache) wait(ctx context.Context, attempt *openAttempt) (Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-attempt.done:
		return attempt.ch, attempt.err
	}
}

func (c *ChannelCache) open(ctx context.Context, attempt *openAttempt) {
	ch, err := c.opener.CreateChannel(ctx)

	c.mu.Lock()
	c.pending = nil
	if err != nil {
		c.state = channelClosed
		attempt.err = fmt.Errorf("open channel for %s: %w", c.name, err)
	} else {
		c.state = channelOpen
		c.ch = ch
		attempt.ch = ch
		closed := ch.NotifyClose(make(chan *amqp.Error, 1))
		go c.watch(ch, closed)
	}
	c.mu.Unlock()

	close(attempt.done)
}

func (c *ChannelCache) watch(ch Channel, closed <-chan *amqp.Error) {
	if amqpErr, ok := <-closed; ok && amqpErr != nil {
		c.logger.Warn("broker channel closed",
			"channel", c.name,
			"code", amqpErr.Code,
			"reason", amqpErr.Reason,
		)
	}
	c.Invalidate(ch)
}

// Invalidate forgets ch if it is still the cached channel and closes it.
// Stale channels from an earlier open are ignored.
func (c *ChannelCache) Invalidate(ch Channel) {
	c.mu.Lock()
	if c.state != channelOpen || c.ch != ch {
		c.mu.Unlock()
		return
	}
	c.state = channelClosed
	c.ch = nil
	c.mu.Unlock()

	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Debug("close invalidated channel", "channel", c.name, "error", err)
	}
}

// Close closes the cached channel, if any.
func (c *ChannelCache) Close() error {
	c.mu.Lock()
	ch := c.ch
	c.state = channelClosed
	c.ch = nil
	c.mu.Unlock()

	if ch == nil {
		return nil
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

func (c *ChannelCache) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}
