package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/mindburn-labs/loom/pkg/envelope"
	"github.com/mindburn-labs/loom/pkg/errs"
)

// BrokerBus describes the shape a log-based, Kafka-family implementation of
// Bus would satisfy: partition key = topic, per-partition ordering,
// durable offsets per consumer group. Selecting BUS_MODE=broker wires this
// type in place of MockBus; the storage-engine choice itself is out of
// scope (spec.md §1), so BrokerBus is not backed by a real broker client —
// it exists so the orchestrator's mode switch has something concrete to
// hold and so a future broker adapter has a contract to implement against.
type BrokerBus struct {
	bootstrap string
}

// NewBrokerBus returns a BrokerBus configured against bootstrap, the
// broker contact string from BROKER_BOOTSTRAP.
func NewBrokerBus(bootstrap string) *BrokerBus {
	return &BrokerBus{bootstrap: bootstrap}
}

func (b *BrokerBus) unavailable(op string) error {
	return fmt.Errorf("bus: broker op %q against %q not wired in this deployment: %w", op, b.bootstrap, errs.ErrUnavailable)
}

func (b *BrokerBus) Publish(ctx context.Context, topic string, e *envelope.Envelope) error {
	return b.unavailable("publish")
}

func (b *BrokerBus) Subscribe(ctx context.Context, topic, group string) (*Subscription, error) {
	return nil, b.unavailable("subscribe")
}

func (b *BrokerBus) RequestReply(ctx context.Context, topic string, e *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	return nil, b.unavailable("request_reply")
}

func (b *BrokerBus) Close() {}

var _ Bus = (*BrokerBus)(nil)
