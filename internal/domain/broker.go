package domain

import (
	"context"
)

// Publisher builds envelopes and sends them to the broker.
type Publisher interface {
	// Publish validates req, resolves its relative times against one shared
	// clock snapshot, and sends the envelope using opts merged over the
	// publisher defaults. It returns the task id, generating one when
	// req.TaskID is empty.
	Publish(ctx context.Context, req PublishRequest, opts MessageOptions) (string, error)
}

// Delivery is the ack/reject handle for one received broker message.
type Delivery interface {
	Ack() error
	Reject(requeue bool) error
	Acknowledged() bool
	Body() []byte
}

// Fetcher hands out the next waiting task without blocking. An empty queue
// set reports errval.ErrQueueEmpty rather than waiting.
type Fetcher interface {
	Fetch(ctx context.Context) (*Envelope, Delivery, error)
}
