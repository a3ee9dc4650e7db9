package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	FanoutQueue   = "webhook.fanout.queue"
	DispatchQueue = "webhook.dispatch.queue"

	dlqSuffix   = "_dlq"
	retrySuffix = "_retry"

	defaultMaxPriority = 10
)

// QueueDefinition describes a primary queue and its optional companions.
//
// With DeadLetter set, rejected messages are routed to {Name}_dlq. With Retry set,
// {Name}_retry holds delayed copies: it has no consumers and dead-letters expired
// messages back onto the primary queue.
type QueueDefinition struct {
	Name        string
	MaxPriority uint8
	DeadLetter  bool
	Retry       bool
}

func (q QueueDefinition) DLQName() string {
	return q.Name + dlqSuffix
}

func (q QueueDefinition) RetryName() string {
	return q.Name + retrySuffix
}

func FanoutQueueDefinition() QueueDefinition {
	return QueueDefinition{Name: FanoutQueue, MaxPriority: defaultMaxPriority, DeadLetter: true, Retry: true}
}

func DispatchQueueDefinition() QueueDefinition {
	return QueueDefinition{Name: DispatchQueue, MaxPriority: defaultMaxPriority, DeadLetter: true, Retry: true}
}

// Queues returns every queue the pipeline needs.
func Queues() []QueueDefinition {
	return []QueueDefinition{FanoutQueueDefinition(), DispatchQueueDefinition()}
}

type queueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

func declareTopology(ch queueDeclarer, queues []QueueDefinition) error {
	for _, q := range queues {
		if q.DeadLetter {
			if _, err := ch.QueueDeclare(q.DLQName(), true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare %s: %w", q.DLQName(), err)
			}
		}

		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, primaryArgs(q)); err != nil {
			return fmt.Errorf("declare %s: %w", q.Name, err)
		}

		if q.Retry {
			// No priority here: expired messages only leave from the head, so a long
			// TTL at the head holds back shorter ones queued behind it.
			args := amqp.Table{
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": q.Name,
			}
			if _, err := ch.QueueDeclare(q.RetryName(), true, false, false, false, args); err != nil {
				return fmt.Errorf("declare %s: %w", q.RetryName(), err)
			}
		}
	}
	return nil
}

func primaryArgs(q QueueDefinition) amqp.Table {
	args := amqp.Table{}
	if q.MaxPriority > 0 {
		args["x-max-priority"] = int32(q.MaxPriority)
	}
	if q.DeadLetter {
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = q.DLQName()
	}
	return args
}
