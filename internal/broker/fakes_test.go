package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publishedMessage struct {
	queue string
	msg   amqp.Publishing
}

type fakeChannel struct {
	mu          sync.Mutex
	published   []publishedMessage
	publishErr  error
	qosErr      error
	consumeErr  error
	prefetch    int
	deliveries  chan amqp.Delivery
	closeNotify chan *amqp.Error
	closed      bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) PublishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{queue: queue, msg: msg})
	return nil
}

func (f *fakeChannel) Qos(prefetch int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = prefetch
	return f.qosErr
}

func (f *fakeChannel) Consume(ctx context.Context, queue, consumerTag string) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	return f.deliveries, nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeNotify = receiver
	return receiver
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// serverClose simulates the broker closing the channel.
func (f *fakeChannel) serverClose() {
	f.mu.Lock()
	notify := f.closeNotify
	f.mu.Unlock()
	notify <- &amqp.Error{Code: 504, Reason: "channel error"}
}

func (f *fakeChannel) messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.published...)
}

// fakeOpener hands out channels from newChannel. When gate is set, every open
// blocks until it is closed.
type fakeOpener struct {
	mu         sync.Mutex
	opens      int
	errs       []error
	channels   []*fakeChannel
	gate       chan struct{}
	newChannel func() *fakeChannel
}

func (o *fakeOpener) CreateChannel(ctx context.Context) (Channel, error) {
	if o.gate != nil {
		<-o.gate
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.opens++
	if len(o.errs) > 0 {
		err := o.errs[0]
		o.errs = o.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	var ch *fakeChannel
	if o.newChannel != nil {
		ch = o.newChannel()
	} else {
		ch = newFakeChannel()
	}
	o.channels = append(o.channels, ch)
	return ch, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func (o *fakeOpener) channel(i int) *fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channels[i]
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue bool
	settled chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: make(chan struct{}, 1)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	a.settled <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacks++
	a.requeue = requeue
	a.mu.Unlock()
	a.settled <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) wait(t *testing.T) {
	t.Helper()
	select {
	case <-a.settled:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery was never acked or nacked")
	}
}

func (a *fakeAcknowledger) counts() (acks, nacks int, requeue bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks, a.requeue
}

type fakeConnection struct {
	mu       sync.Mutex
	closed   bool
	notify   chan *amqp.Error
	declared [][]QueueDefinition
}

func (c *fakeConnection) OpenChannel() (Channel, error) {
	if c.IsClosed() {
		return nil, amqp.ErrClosed
	}
	return newFakeChannel(), nil
}

func (c *fakeConnection) Declare(queues []QueueDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declared = append(c.declared, queues)
	return nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// drop simulates the broker going away.
func (c *fakeConnection) drop() {
	c.mu.Lock()
	c.closed = true
	notify := c.notify
	c.mu.Unlock()
	notify <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
}

// scriptedDialer returns connections or errors in order; once the script runs
// out every dial fails.
type scriptedDialer struct {
	mu     sync.Mutex
	dials  int
	script []*fakeConnection
}

var errDialRefused = errors.New("connection refused")

func (d *scriptedDialer) dial(url string) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.script) == 0 {
		return nil, errDialRefused
	}
	conn := d.script[0]
	d.script = d.script[1:]
	if conn == nil {
		return nil, errDialRefused
	}
	return conn, nil
}

func (d *scriptedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
