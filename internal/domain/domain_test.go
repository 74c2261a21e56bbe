package domain

import (
	"testing"
)

func TestQueueDescriptorResolve(t *testing.T) {
	q := QueueDescriptor{Queue: "taskrelay", Exchange: "taskrelay"}.Resolve()

	if q.ExchangeType != "direct" {
		t.Fatalf("expected direct exchange type, got %s", q.ExchangeType)
	}
	if q.BindingKey != "taskrelay" {
		t.Fatalf("expected binding key to default to the exchange, got %s", q.BindingKey)
	}
	if q.RoutingKey != "taskrelay" {
		t.Fatalf("expected routing key to default to the binding key, got %s", q.RoutingKey)
	}
}

func TestQueueDescriptorResolveKeepsExplicitKeys(t *testing.T) {
	q := QueueDescriptor{
		Queue:      "reports",
		Exchange:   "taskrelay",
		BindingKey: "reports",
	}.Resolve()

	if q.BindingKey != "reports" || q.RoutingKey != "reports" {
		t.Fatalf("expected explicit keys to be kept, got %+v", q)
	}
}

func TestMessageOptionsMerge(t *testing.T) {
	defaults := MessageOptions{
		Exchange:     "taskrelay",
		ExchangeType: "direct",
		RoutingKey:   "taskrelay",
		ContentType:  "application/json",
		DeliveryMode: 2,
	}

	merged := MessageOptions{RoutingKey: "reports", Priority: 5}.Merge(defaults)
	if merged.RoutingKey != "reports" {
		t.Fatalf("expected explicit routing key to win, got %s", merged.RoutingKey)
	}
	if merged.Exchange != "taskrelay" || merged.ContentType != "application/json" || merged.DeliveryMode != 2 {
		t.Fatalf("expected zero fields to take defaults, got %+v", merged)
	}
	if merged.Priority != 5 {
		t.Fatalf("expected explicit priority to be kept, got %d", merged.Priority)
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	cases := map[TaskStatus]bool{
		Pending: false,
		Retry:   false,
		Done:    true,
		Failure: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Fatalf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}
