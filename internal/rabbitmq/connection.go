// Package rabbitmq is the broker layer: connection management, the task
// publisher, and the consumer set.
package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"taskrelay/internal/domain"
)

// Channel is the slice of *amqp.Channel the broker layer uses. Narrowing it
// to an interface keeps the declaration and publish logic testable without
// a live broker.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Connection wraps one broker connection together with its declaration
// state: which exchanges this connection has already declared and whether
// the configured queues have been declared at least once. Keeping the state
// here instead of in package globals scopes "declare once" to the
// connection that actually performed it.
type Connection struct {
	conn    *amqp.Connection
	channel Channel
	queues  []domain.QueueDescriptor

	mu                sync.Mutex
	declaredExchanges map[string]bool
	queuesDeclared    bool
}

func Dial(ctx context.Context, amqpURL string, queues []domain.QueueDescriptor) (*Connection, error) {
	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		var dialErr error
		if conn, dialErr = amqp.Dial(amqpURL); dialErr != nil {
			slog.ErrorContext(ctx, "failed to connect to RabbitMQ.. retrying...", "error", dialErr)
			return dialErr
		}
		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5))
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		if err2 := conn.Close(); err2 != nil {
			slog.Error("error occurred while closing connection", "error", err2.Error())
		}
		return nil, err
	}

	c := newConnection(conn, ch, queues)
	return c, nil
}

func newConnection(conn *amqp.Connection, ch Channel, queues []domain.QueueDescriptor) *Connection {
	resolved := make([]domain.QueueDescriptor, len(queues))
	for i, q := range queues {
		resolved[i] = q.Resolve()
	}
	return &Connection{
		conn:              conn,
		channel:           ch,
		queues:            resolved,
		declaredExchanges: map[string]bool{},
	}
}

// Queues returns the configured queue descriptors, fully resolved.
func (c *Connection) Queues() []domain.QueueDescriptor {
	return c.queues
}

func (c *Connection) Close() error {
	if err := c.channel.Close(); err != nil {
		return err
	}
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Connection) IsHealthy() bool {
	if c.conn == nil {
		return true
	}
	if c.conn.IsClosed() {
		slog.Error("RabbitMQ connection is closed, Rabbit is not healthy")
		return false
	}

	ch, err := c.conn.Channel()
	if err != nil {
		slog.Error("Failed to open RabbitMQ channel, Rabbit is not healthy", "error", err)
		return false
	}
	defer func() {
		if err = ch.Close(); err != nil {
			slog.Error("Error occurred while closing rabbit channel created for health check", "error", err.Error())
		}
	}()

	return true
}

// declareExchange declares the exchange at most once per connection.
// Redeclaration is idempotent on the broker side but wastes a round trip on
// every publish, so it is memoized.
func (c *Connection) declareExchange(name, kind string) error {
	if name == "" {
		// the default exchange always exists
		return nil
	}
	if kind == "" {
		kind = "direct"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.declaredExchanges[name] {
		return nil
	}
	err := c.channel.ExchangeDeclare(
		name,  // name
		kind,  // type
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return err
	}
	c.declaredExchanges[name] = true
	return nil
}

func (c *Connection) declareQueue(q domain.QueueDescriptor) error {
	if err := c.declareExchange(q.Exchange, q.ExchangeType); err != nil {
		return err
	}
	_, err := c.channel.QueueDeclare(
		q.Queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return err
	}
	if q.Exchange == "" {
		// bound implicitly on the default exchange
		return nil
	}
	return c.channel.QueueBind(q.Queue, q.BindingKey, q.Exchange, false, nil)
}

// ensureQueuesDeclared lazily declares every configured queue, once, by
// opening a full consumer set and closing it again. After this a publish can
// never race queue creation.
func (c *Connection) ensureQueuesDeclared() error {
	c.mu.Lock()
	declared := c.queuesDeclared
	c.mu.Unlock()
	if declared {
		return nil
	}

	cs, err := NewConsumerSet(c, nil, false, nil)
	if err != nil {
		return err
	}
	if err := cs.Close(); err != nil {
		return err
	}

	c.mu.Lock()
	c.queuesDeclared = true
	c.mu.Unlock()
	return nil
}
