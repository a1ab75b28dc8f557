// Package bus provides the event transports behind batch ingestion,
// completion and violation alerting.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-compliance/kestrel/internal/domain"
)

// requestTimeout bounds Request when the caller's context has no deadline.
const requestTimeout = 30 * time.Second

// ChannelBus is the in-process EventBus used by the Community tier.
// Delivery is at-most-once: a subscriber whose buffer is full misses
// the message rather than stalling the publisher.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	closed     bool

	// subscribers keyed by tenant and topic.
	subscribers map[string]map[string][]*chanSub
}

type chanSub struct {
	tenantID string
	topic    string
	inbox    chan *domain.Message
	cancel   context.CancelFunc
}

// NewChannelBus creates an in-process event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:  bufferSize,
		subscribers: make(map[string]map[string][]*chanSub),
	}
}

// Publish delivers a message to every subscriber of the tenant's topic.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	subs := b.subscribers[tenantID][topic]
	b.mu.RUnlock()

	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}

	for _, sub := range subs {
		select {
		case sub.inbox <- msg:
		default:
			slog.Warn("subscriber buffer full, dropping message",
				"tenant_id", tenantID,
				"topic", topic,
				"message_id", msg.ID,
			)
		}
	}

	return nil
}

// Subscribe registers a handler for a tenant's topic. The handler runs
// on a dedicated goroutine until the subscription is cancelled.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &chanSub{
		tenantID: tenantID,
		topic:    topic,
		inbox:    make(chan *domain.Message, b.bufferSize),
		cancel:   cancel,
	}

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg := <-sub.inbox:
				if msg == nil {
					return
				}
				if err := handler(subCtx, msg); err != nil {
					slog.Error("handler error",
						"tenant_id", sub.tenantID,
						"topic", sub.topic,
						"message_id", msg.ID,
						"error", err,
					)
				}
			}
		}
	}()

	if b.subscribers[tenantID] == nil {
		b.subscribers[tenantID] = make(map[string][]*chanSub)
	}
	b.subscribers[tenantID][topic] = append(b.subscribers[tenantID][topic], sub)

	return sub, nil
}

// Request publishes and waits for a reply on an ephemeral topic.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	replyCh := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()

	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, tenantID, topic, payload); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("request timeout")
	}
}

// Ping reports whether the bus accepts traffic.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close cancels every subscription and rejects further publishes.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, topics := range b.subscribers {
		for _, subs := range topics {
			for _, sub := range subs {
				sub.cancel()
				close(sub.inbox)
			}
		}
	}
	b.subscribers = make(map[string]map[string][]*chanSub)

	return nil
}

// Unsubscribe stops the subscription's handler goroutine.
func (s *chanSub) Unsubscribe() error {
	s.cancel()
	return nil
}

// Topic returns the subscribed topic.
func (s *chanSub) Topic() string {
	return s.topic
}
