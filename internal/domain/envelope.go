package domain

import (
	"time"
)

// Envelope is the unit transmitted on the broker. The JSON field names are
// the wire format and must stay stable across producer and worker versions.
type Envelope struct {
	Task    string         `json:"task" validate:"required"`
	ID      string         `json:"id" validate:"required"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Retries int            `json:"retries" validate:"gte=0"`
	ETA     *time.Time     `json:"eta,omitempty"`
	Expires *time.Time     `json:"expires,omitempty"`
	Taskset string         `json:"taskset,omitempty"`
}

// PublishRequest describes one task invocation to enqueue. Args and Kwargs
// are dynamically typed on purpose: they must be list-like and map-like
// respectively, and the publisher rejects anything else before any network
// I/O happens.
type PublishRequest struct {
	Task    string
	Args    any
	Kwargs  any
	Retries int
	// Countdown is a relative delay resolved to an absolute ETA at publish
	// time. At most one of Countdown and ETA may be set.
	Countdown time.Duration
	ETA       time.Time
	// ExpiresIn is resolved to an absolute Expires timestamp using the same
	// clock snapshot as Countdown.
	ExpiresIn time.Duration
	Expires   time.Time
	TaskID    string
	Taskset   string
}

// MessageOptions are the broker-level routing options for one publish call.
// Zero values fall back to the publisher's defaults.
type MessageOptions struct {
	Exchange     string
	ExchangeType string
	RoutingKey   string
	ContentType  string
	DeliveryMode uint8
	Priority     uint8
	Mandatory    bool
	Immediate    bool
}

// Merge returns o with any zero field replaced by the corresponding field
// of defaults.
func (o MessageOptions) Merge(defaults MessageOptions) MessageOptions {
	if o.Exchange == "" {
		o.Exchange = defaults.Exchange
	}
	if o.ExchangeType == "" {
		o.ExchangeType = defaults.ExchangeType
	}
	if o.RoutingKey == "" {
		o.RoutingKey = defaults.RoutingKey
	}
	if o.ContentType == "" {
		o.ContentType = defaults.ContentType
	}
	if o.DeliveryMode == 0 {
		o.DeliveryMode = defaults.DeliveryMode
	}
	if o.Priority == 0 {
		o.Priority = defaults.Priority
	}
	return o
}
