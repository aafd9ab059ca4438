// Package bus carries events from producers to topic subscribers. Two
// implementations share one contract (Bus): an in-process mock used in
// tests and single-host development, and a broker-backed stub describing
// the shape a Kafka-family implementation would satisfy.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mindburn-labs/loom/pkg/envelope"
	"github.com/mindburn-labs/loom/pkg/errs"
)

// Bus is the shared publish/subscribe/request-reply contract. Delivery is
// at-least-once; consumers must be idempotent on envelope.ID.
type Bus interface {
	// Publish delivers event to every consumer group subscribed to topic.
	// Events from one producer to one topic are delivered in publish order
	// to each subscriber of that topic; ordering across topics or
	// producers is not guaranteed.
	Publish(ctx context.Context, topic string, e *envelope.Envelope) error

	// Subscribe returns a Subscription yielding a lazy stream of events on
	// topic. Subscribers in the same group share delivery (each event to
	// exactly one group member); subscribers in different groups each see
	// every event.
	Subscribe(ctx context.Context, topic, group string) (*Subscription, error)

	// RequestReply publishes e to topic and waits up to timeout for a
	// reply correlated by e's id, delivered on topic+"-reply".
	RequestReply(ctx context.Context, topic string, e *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error)

	// Close releases all topic resources.
	Close()
}

// Subscription is a consumer's view of one (topic, group) pair.
type Subscription struct {
	Events <-chan *envelope.Envelope
	cancel func()
}

// Close stops delivery to this subscription.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

const subscriberBuffer = 256

// MockBus is the in-process, non-durable implementation mandated by §4.2
// as a first-class mode — every operation in the rest of the system must
// be exercisable without external infrastructure.
type MockBus struct {
	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

type topicState struct {
	groups map[string]*groupState
}

type groupState struct {
	members []chan *envelope.Envelope
	next    int // round-robin cursor
}

// NewMockBus constructs an empty in-process bus.
func NewMockBus() *MockBus {
	return &MockBus{topics: make(map[string]*topicState)}
}

func (b *MockBus) topic(name string) *topicState {
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{groups: make(map[string]*groupState)}
		b.topics[name] = t
	}
	return t
}

// Publish implements Bus. It is best-effort ordered: the mock holds the
// bus-wide lock for the duration of the fan-out, so two concurrent
// publishers to the same topic are serialized and each subscriber channel
// receives both producers' events in a single global order that is at
// least as strong as per-producer order.
func (b *MockBus) Publish(ctx context.Context, topic string, e *envelope.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("bus: publish on closed bus: %w", errs.ErrUnavailable)
	}

	t := b.topic(topic)
	for _, g := range t.groups {
		if len(g.members) == 0 {
			continue
		}
		idx := g.next % len(g.members)
		g.next++
		ch := g.members[idx]
		select {
		case ch <- e:
		default:
			return fmt.Errorf("bus: topic %q saturated: %w", topic, errs.ErrFull)
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MockBus) Subscribe(ctx context.Context, topic, group string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus: subscribe on closed bus: %w", errs.ErrUnavailable)
	}

	t := b.topic(topic)
	g, ok := t.groups[group]
	if !ok {
		g = &groupState{}
		t.groups[group] = g
	}

	ch := make(chan *envelope.Envelope, subscriberBuffer)
	g.members = append(g.members, ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, m := range g.members {
				if m == ch {
					g.members = append(g.members[:i], g.members[i+1:]...)
					break
				}
			}
		})
	}

	return &Subscription{Events: ch, cancel: cancel}, nil
}

// RequestReply implements Bus using a dedicated, per-call reply group so
// concurrent callers never steal one another's replies.
func (b *MockBus) RequestReply(ctx context.Context, topic string, e *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	replyTopic := topic + "-reply"
	req := *e
	req.Meta.CorrelationID = e.ID

	sub, err := b.Subscribe(ctx, replyTopic, "req-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	if err := b.Publish(ctx, topic, &req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case reply := <-sub.Events:
			if reply.Meta.CorrelationID == e.ID {
				return reply, nil
			}
		case <-timer.C:
			return nil, fmt.Errorf("bus: request_reply timed out after %s: %w", timeout, errs.ErrTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close implements Bus.
func (b *MockBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, t := range b.topics {
		for _, g := range t.groups {
			for _, ch := range g.members {
				close(ch)
			}
		}
	}
}
