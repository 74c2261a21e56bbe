package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"taskrelay/internal/domain"
	"taskrelay/internal/envelope"
	"taskrelay/internal/errval"
)

// delivery adapts an amqp delivery to the domain ack/reject handle.
type delivery struct {
	msg   amqp.Delivery
	acked bool
}

func (d *delivery) Ack() error {
	if d.acked {
		return nil
	}
	if err := d.msg.Ack(false); err != nil {
		return err
	}
	d.acked = true
	return nil
}

func (d *delivery) Reject(requeue bool) error {
	if d.acked {
		return nil
	}
	return d.msg.Reject(requeue)
}

func (d *delivery) Acknowledged() bool {
	return d.acked
}

func (d *delivery) Body() []byte {
	return d.msg.Body
}

// ConsumerSet multiplexes subscriptions on several queues behind one
// decode -> dispatch pipeline.
type ConsumerSet struct {
	conn   *Connection
	queues []domain.QueueDescriptor
	// autoAck acknowledges a message before decoding it. That loses an
	// unprocessable message instead of redelivering it forever.
	autoAck bool
	logger  *slog.Logger

	onDecodeError func(domain.Delivery, error)
	receive       func(*domain.Envelope, domain.Delivery)

	next      int
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConsumerSet declares every queue (and its exchange binding) and returns
// the set. A nil queue list means all queues configured on the connection.
func NewConsumerSet(conn *Connection, queues []domain.QueueDescriptor, autoAck bool, logger *slog.Logger) (*ConsumerSet, error) {
	if len(queues) == 0 {
		queues = conn.Queues()
	}
	if logger == nil {
		logger = slog.Default()
	}
	resolved := make([]domain.QueueDescriptor, len(queues))
	for i, q := range queues {
		resolved[i] = q.Resolve()
		if err := conn.declareQueue(resolved[i]); err != nil {
			return nil, err
		}
	}
	return &ConsumerSet{
		conn:    conn,
		queues:  resolved,
		autoAck: autoAck,
		logger:  logger,
		closed:  make(chan struct{}),
	}, nil
}

// OnDecodeError registers the handler invoked with (message, error) when a
// message body fails to decode. Without a handler the error propagates to
// the caller; with one, the caller can log-and-drop malformed messages
// instead of crashing the consume loop.
func (cs *ConsumerSet) OnDecodeError(fn func(domain.Delivery, error)) {
	cs.onDecodeError = fn
}

// OnReceive registers the handler for successfully decoded messages in
// push-mode consumption.
func (cs *ConsumerSet) OnReceive(fn func(*domain.Envelope, domain.Delivery)) {
	cs.receive = fn
}

// Fetch polls each queue once, round-robin, and returns the first waiting
// message, decoded. It never blocks: an empty queue set reports
// errval.ErrQueueEmpty.
func (cs *ConsumerSet) Fetch(ctx context.Context) (*domain.Envelope, domain.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	n := len(cs.queues)
	for i := 0; i < n; i++ {
		q := cs.queues[(cs.next+i)%n]
		raw, ok, err := cs.conn.channel.Get(q.Queue, false)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		cs.next = (cs.next + i + 1) % n

		msg := &delivery{msg: raw}
		if cs.autoAck {
			if err := msg.Ack(); err != nil {
				return nil, nil, err
			}
		}
		env, err := envelope.Decode(raw.Body)
		if err != nil {
			if cs.onDecodeError != nil {
				cs.onDecodeError(msg, err)
				continue
			}
			return nil, msg, err
		}
		return env, msg, nil
	}
	return nil, nil, errval.ErrQueueEmpty
}

// Consume starts a push-mode subscription on every queue, feeding each
// message through the shared pipeline until Close.
func (cs *ConsumerSet) Consume(consumerName string) error {
	if cs.receive == nil {
		return fmt.Errorf("consumer set has no receive handler")
	}
	for _, q := range cs.queues {
		deliveries, err := cs.conn.channel.Consume(
			q.Queue,                     // queue
			consumerName+":"+q.Queue,    // consumer
			false,                       // auto-ack handled in the pipeline
			false,                       // exclusive
			false,                       // no-local
			false,                       // no-wait
			nil,                         // args
		)
		if err != nil {
			return err
		}
		go cs.consumeLoop(deliveries)
	}
	return nil
}

func (cs *ConsumerSet) consumeLoop(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-cs.closed:
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			if err := cs.handleDelivery(raw); err != nil {
				cs.logger.Error("Failed to handle delivery", "error", err.Error())
			}
		}
	}
}

// handleDelivery is the per-message pipeline: convert, optionally ack before
// decoding, decode, then hand off.
func (cs *ConsumerSet) handleDelivery(raw amqp.Delivery) error {
	msg := &delivery{msg: raw}
	if cs.autoAck && !msg.Acknowledged() {
		if err := msg.Ack(); err != nil {
			return err
		}
	}
	env, err := envelope.Decode(raw.Body)
	if err != nil {
		if cs.onDecodeError != nil {
			cs.onDecodeError(msg, err)
			return nil
		}
		return err
	}
	cs.receive(env, msg)
	return nil
}

func (cs *ConsumerSet) Close() error {
	cs.closeOnce.Do(func() {
		close(cs.closed)
	})
	return nil
}
