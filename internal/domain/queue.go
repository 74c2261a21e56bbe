package domain

// QueueDescriptor names a queue and its binding to an exchange. Descriptors
// are immutable once resolved; Resolve fills the defaulting chain
// binding key <- exchange name, routing key <- binding key.
type QueueDescriptor struct {
	Queue        string
	Exchange     string
	ExchangeType string
	BindingKey   string
	RoutingKey   string
}

// Resolve returns a copy with every addressing field populated. The result
// always carries a usable exchange/routing key pair.
func (q QueueDescriptor) Resolve() QueueDescriptor {
	if q.ExchangeType == "" {
		q.ExchangeType = "direct"
	}
	if q.BindingKey == "" {
		q.BindingKey = q.Exchange
	}
	if q.RoutingKey == "" {
		q.RoutingKey = q.BindingKey
	}
	return q
}
