package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"taskrelay/internal/domain"
	"taskrelay/internal/envelope"
	"taskrelay/internal/errval"
)

// fakeAcknowledger records acks and rejects so the ack-before-decode order
// can be asserted without a live broker.
type fakeAcknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	rejected []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, tag)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, tag)
	return nil
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu               sync.Mutex
	ack              *fakeAcknowledger
	nextTag          uint64
	exchangeDeclares []string
	queueDeclares    []string
	queueBinds       [][3]string
	published        []publishedMessage
	bodies           map[string][][]byte
	consumeChans     map[string]chan amqp.Delivery
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		ack:          &fakeAcknowledger{},
		bodies:       map[string][][]byte{},
		consumeChans: map[string]chan amqp.Delivery{},
	}
}

func (c *fakeChannel) push(queue string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bodies[queue] = append(c.bodies[queue], body)
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchangeDeclares = append(c.exchangeDeclares, name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDeclares = append(c.queueDeclares, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueBinds = append(c.queueBinds, [3]string{name, key, exchange})
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.bodies[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	body := pending[0]
	c.bodies[queue] = pending[1:]
	c.nextTag++
	return amqp.Delivery{
		Acknowledger: c.ack,
		DeliveryTag:  c.nextTag,
		Body:         body,
	}, true, nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan amqp.Delivery, 16)
	c.consumeChans[queue] = ch
	return ch, nil
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) countExchangeDeclares(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range c.exchangeDeclares {
		if d == name {
			n++
		}
	}
	return n
}

func testQueues() []domain.QueueDescriptor {
	return []domain.QueueDescriptor{{
		Queue:      "taskrelay",
		Exchange:   "taskrelay",
		RoutingKey: "taskrelay",
	}}
}

func testOptions() domain.MessageOptions {
	return domain.MessageOptions{
		Exchange:   "taskrelay",
		RoutingKey: "taskrelay",
	}
}

func encodedEnvelope(t *testing.T, req domain.PublishRequest) []byte {
	t.Helper()
	env, err := envelope.Build(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	body, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return body
}

func TestPublish_DeclaresExchangeAndQueuesOnce(t *testing.T) {
	fc := newFakeChannel()
	conn := newConnection(nil, fc, testQueues())
	pub := NewTaskPublisher(conn, testOptions(), nil)

	for i := 0; i < 3; i++ {
		if _, err := pub.Publish(context.Background(), domain.PublishRequest{Task: "add", Args: []any{2, 3}}, domain.MessageOptions{}); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}

	if n := fc.countExchangeDeclares("taskrelay"); n != 1 {
		t.Fatalf("expected the exchange to be declared once, got %d", n)
	}
	if len(fc.queueDeclares) != 1 {
		t.Fatalf("expected the queue to be declared once, got %v", fc.queueDeclares)
	}
	if len(fc.queueBinds) != 1 {
		t.Fatalf("expected the queue to be bound once, got %v", fc.queueBinds)
	}
	if len(fc.published) != 3 {
		t.Fatalf("expected 3 published messages, got %d", len(fc.published))
	}
}

func TestPublish_SetsEnvelopeAndRouting(t *testing.T) {
	fc := newFakeChannel()
	conn := newConnection(nil, fc, testQueues())
	pub := NewTaskPublisher(conn, testOptions(), nil)

	id, err := pub.Publish(context.Background(), domain.PublishRequest{Task: "add", Args: []any{2, 3}}, domain.MessageOptions{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated task id")
	}

	sent := fc.published[0]
	if sent.exchange != "taskrelay" || sent.key != "taskrelay" {
		t.Fatalf("unexpected routing %s/%s", sent.exchange, sent.key)
	}
	if sent.msg.MessageId != id {
		t.Fatalf("expected message id %s, got %s", id, sent.msg.MessageId)
	}
	if sent.msg.ContentType != "application/json" {
		t.Fatalf("unexpected content type %s", sent.msg.ContentType)
	}
	if sent.msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("expected persistent delivery, got %d", sent.msg.DeliveryMode)
	}

	env, err := envelope.Decode(sent.msg.Body)
	if err != nil {
		t.Fatalf("expected a decodable body, got %v", err)
	}
	if env.Task != "add" || env.ID != id || len(env.Args) != 2 {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestPublish_ValidationFailsBeforeIO(t *testing.T) {
	fc := newFakeChannel()
	conn := newConnection(nil, fc, testQueues())
	pub := NewTaskPublisher(conn, testOptions(), nil)

	_, err := pub.Publish(context.Background(), domain.PublishRequest{
		Task: "add",
		Args: map[string]any{"a": 1},
	}, domain.MessageOptions{})
	if !errors.Is(err, errval.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(fc.published) != 0 || len(fc.queueDeclares) != 0 || len(fc.exchangeDeclares) != 0 {
		t.Fatal("expected no broker traffic on a validation failure")
	}
}

func TestPublish_NotifiesObservers(t *testing.T) {
	fc := newFakeChannel()
	conn := newConnection(nil, fc, testQueues())
	pub := NewTaskPublisher(conn, testOptions(), nil)

	var seen []*domain.Envelope
	pub.NotifyTaskSent(func(env *domain.Envelope) { seen = append(seen, env) })

	id, err := pub.Publish(context.Background(), domain.PublishRequest{Task: "add"}, domain.MessageOptions{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(seen) != 1 || seen[0].ID != id {
		t.Fatalf("expected the observer to see the sent envelope, got %v", seen)
	}
}

func TestFetch_ReturnsDecodedMessage(t *testing.T) {
	fc := newFakeChannel()
	conn := newConnection(nil, fc, testQueues())
	cs, err := NewConsumerSet(conn, nil, false, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	fc.push("taskrelay", encodedEnvelope(t, domain.PublishRequest{Task: "add", Args: []any{2, 3}}))

	env, msg, err := cs.Fetch(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if env.Task != "add" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if msg.Acknowledged() {
		t.Fatal("expected no ack before the caller asks for one")
	}
	if err := msg.Ack(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(fc.ack.acked) != 1 {
		t.Fatalf("expected one broker ack, got %v", fc.ack.acked)
	}
	// a second ack must not hit the broker again
	if err := msg.Ack(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(fc.ack.acked) != 1 {
		t.Fatalf("expected ack to be idempotent, got %v", fc.ack.acked)
	}

	if _, _, err := cs.Fetch(context.Background()); !errors.Is(err, errval.ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestFetch_RoundRobinsAcrossQueues(t *testing.T) {
	fc := newFakeChannel()
	queues := []domain.QueueDescriptor{
		{Queue: "default", Exchange: "taskrelay", RoutingKey: "default"},
		{Queue: "reports", Exchange: "taskrelay", RoutingKey: "reports"},
	}
	conn := newConnection(nil, fc, queues)
	cs, err := NewConsumerSet(conn, nil, false, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	fc.push("reports", encodedEnvelope(t, domain.PublishRequest{Task: "run_query"}))

	env, _, err := cs.Fetch(context.Background())
	if err != nil {
		t.Fatalf("expected the non-empty queue to be reached, got %v", err)
	}
	if env.Task != "run_query" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestFetch_DecodeErrorWithHandlerIsDropped(t *testing.T) {
	fc := newFakeChannel()
	conn := newConnection(nil, fc, testQueues())
	cs, err := NewConsumerSet(conn, nil, false, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var handled []error
	cs.OnDecodeError(func(msg domain.Delivery, err error) { handled = append(handled, err) })

	fc.push("taskrelay", []byte("not json"))
	if _, _, err := cs.Fetch(context.Background()); !errors.Is(err, errval.ErrQueueEmpty) {
		t.Fatalf("expected the malformed message to be swallowed, got %v", err)
	}
	if len(handled) != 1 || !errors.Is(handled[0], errval.ErrDecode) {
		t.Fatalf("expected one decode error in the handler, got %v", handled)
	}

	// the loop keeps serving well-formed messages afterwards
	fc.push("taskrelay", encodedEnvelope(t, domain.PublishRequest{Task: "add"}))
	env, _, err := cs.Fetch(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if env.Task != "add" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestFetch_DecodeErrorWithoutHandlerPropagates(t *testing.T) {
	fc := newFakeChannel()
	conn := newConnection(nil, fc, testQueues())
	cs, err := NewConsumerSet(conn, nil, false, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	fc.push("taskrelay", []byte("not json"))

	_, msg, err := cs.Fetch(context.Background())
	if !errors.Is(err, errval.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if msg == nil {
		t.Fatal("expected the raw message to be returned for disposal")
	}
}

func TestFetch_AutoAckHappensBeforeDecode(t *testing.T) {
	fc := newFakeChannel()
	conn := newConnection(nil, fc, testQueues())
	cs, err := NewConsumerSet(conn, nil, true, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var acked bool
	cs.OnDecodeError(func(msg domain.Delivery, err error) { acked = msg.Acknowledged() })

	fc.push("taskrelay", []byte("not json"))
	if _, _, err := cs.Fetch(context.Background()); !errors.Is(err, errval.ErrQueueEmpty) {
		t.Fatalf("expected the malformed message to be swallowed, got %v", err)
	}
	if !acked {
		t.Fatal("expected the message to be acked before decoding")
	}
	if len(fc.ack.acked) != 1 {
		t.Fatalf("expected one broker ack, got %v", fc.ack.acked)
	}
}

func TestConsume_PushesThroughPipeline(t *testing.T) {
	fc := newFakeChannel()
	conn := newConnection(nil, fc, testQueues())
	cs, err := NewConsumerSet(conn, nil, false, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer cs.Close()

	received := make(chan *domain.Envelope, 1)
	cs.OnReceive(func(env *domain.Envelope, msg domain.Delivery) { received <- env })

	if err := cs.Consume("test-worker"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	fc.mu.Lock()
	ch := fc.consumeChans["taskrelay"]
	fc.mu.Unlock()
	if ch == nil {
		t.Fatal("expected a subscription on the configured queue")
	}
	ch <- amqp.Delivery{
		Acknowledger: fc.ack,
		DeliveryTag:  99,
		Body:         encodedEnvelope(t, domain.PublishRequest{Task: "send_email"}),
	}

	select {
	case env := <-received:
		if env.Task != "send_email" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the push pipeline")
	}
}

func TestConsume_RequiresReceiveHandler(t *testing.T) {
	fc := newFakeChannel()
	conn := newConnection(nil, fc, testQueues())
	cs, err := NewConsumerSet(conn, nil, false, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := cs.Consume("test-worker"); err == nil {
		t.Fatal("expected Consume without a handler to fail")
	}
}
