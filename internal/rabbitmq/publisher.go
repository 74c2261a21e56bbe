package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"taskrelay/internal/domain"
	"taskrelay/internal/envelope"
)

// TaskPublisher builds task envelopes and sends them through one broker
// connection.
type TaskPublisher struct {
	conn     *Connection
	defaults domain.MessageOptions
	logger   *slog.Logger
	onSent   []func(*domain.Envelope)
}

func NewTaskPublisher(conn *Connection, defaults domain.MessageOptions, logger *slog.Logger) *TaskPublisher {
	if defaults.ContentType == "" {
		defaults.ContentType = "application/json"
	}
	if defaults.DeliveryMode == 0 {
		defaults.DeliveryMode = amqp.Persistent
	}
	if defaults.ExchangeType == "" {
		defaults.ExchangeType = "direct"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskPublisher{
		conn:     conn,
		defaults: defaults,
		logger:   logger,
	}
}

// NotifyTaskSent registers an observer invoked with the full envelope after
// every successful publish. This is an instrumentation hook, not a
// correctness dependency; register before the first Publish.
func (p *TaskPublisher) NotifyTaskSent(fn func(*domain.Envelope)) {
	p.onSent = append(p.onSent, fn)
}

// Publish validates the request, resolves countdown and relative expiry
// against one shared clock snapshot, and sends the envelope. It returns the
// task id, generating a collision-resistant one when the request carries
// none. Validation failures surface before any network I/O.
func (p *TaskPublisher) Publish(ctx context.Context, req domain.PublishRequest, opts domain.MessageOptions) (string, error) {
	env, err := envelope.Build(req)
	if err != nil {
		return "", err
	}

	if err := p.conn.ensureQueuesDeclared(); err != nil {
		return "", err
	}

	merged := opts.Merge(p.defaults)
	if err := p.conn.declareExchange(merged.Exchange, merged.ExchangeType); err != nil {
		return "", err
	}

	body, err := envelope.Encode(env)
	if err != nil {
		return "", err
	}

	err = p.conn.channel.PublishWithContext(
		ctx,
		merged.Exchange,
		merged.RoutingKey,
		merged.Mandatory,
		merged.Immediate,
		amqp.Publishing{
			ContentType:  merged.ContentType,
			DeliveryMode: merged.DeliveryMode,
			Priority:     merged.Priority,
			MessageId:    env.ID,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		return "", err
	}

	for _, fn := range p.onSent {
		fn(env)
	}
	p.logger.Debug("Task sent to broker", "task", env.Task, "task_id", env.ID,
		"exchange", merged.Exchange, "routing_key", merged.RoutingKey)

	return env.ID, nil
}
