package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-compliance/kestrel/internal/domain"
)

// collect subscribes and funnels every delivery into a channel.
func collect(t *testing.T, b *ChannelBus, tenantID, topic string) <-chan *domain.Message {
	t.Helper()

	out := make(chan *domain.Message, 100)
	_, err := b.Subscribe(context.Background(), tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
		out <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return out
}

func expectNone(t *testing.T, ch <-chan *domain.Message, what string) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Errorf("unexpected delivery for %s: %s", what, msg.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func expectOne(t *testing.T, ch <-chan *domain.Message, what string) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return nil
	}
}

func TestChannelBus(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		completed := collect(t, b, "bank-001", domain.TopicBatchCompleted)

		if err := b.Publish(ctx, "bank-001", domain.TopicBatchCompleted, []byte(`{"batchId":"b-1"}`)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		msg := expectOne(t, completed, "completion event")
		if string(msg.Payload) != `{"batchId":"b-1"}` {
			t.Errorf("payload mangled: %s", msg.Payload)
		}
		if msg.TenantID != "bank-001" || msg.Topic != domain.TopicBatchCompleted {
			t.Errorf("envelope mismatch: %+v", msg)
		}
		if msg.ID == "" {
			t.Error("message id missing")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		alerts1 := collect(t, b, "bank-001", domain.TopicViolationAlert)
		alerts2 := collect(t, b, "bank-002", domain.TopicViolationAlert)

		if err := b.Publish(ctx, "bank-001", domain.TopicViolationAlert, []byte("alert")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		expectOne(t, alerts1, "bank-001 alert")
		expectNone(t, alerts2, "bank-002, which was not published to")
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		ingested := collect(t, b, "bank-003", domain.TopicBatchIngested)
		completed := collect(t, b, "bank-003", domain.TopicBatchCompleted)

		if err := b.Publish(ctx, "bank-003", domain.TopicBatchIngested, []byte("rows")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		expectOne(t, ingested, "ingestion event")
		expectNone(t, completed, "completion topic")
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		first := collect(t, b, "bank-004", domain.TopicBatchCompleted)
		second := collect(t, b, "bank-004", domain.TopicBatchCompleted)

		if err := b.Publish(ctx, "bank-004", domain.TopicBatchCompleted, []byte("fanout")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		expectOne(t, first, "first subscriber")
		expectOne(t, second, "second subscriber")
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		delivered := make(chan *domain.Message, 10)
		sub, err := b.Subscribe(ctx, "bank-005", domain.TopicBatchIngested, func(ctx context.Context, msg *domain.Message) error {
			delivered <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		b.Publish(ctx, "bank-005", domain.TopicBatchIngested, []byte("before"))
		expectOne(t, delivered, "pre-unsubscribe message")

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		b.Publish(ctx, "bank-005", domain.TopicBatchIngested, []byte("after"))
		expectNone(t, delivered, "post-unsubscribe message")
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := b.Publish(ctx, "", domain.TopicBatchIngested, []byte("x")); err == nil {
			t.Error("expected publish error for empty tenantID")
		}
		if _, err := b.Subscribe(ctx, "", domain.TopicBatchIngested, func(context.Context, *domain.Message) error { return nil }); err == nil {
			t.Error("expected subscribe error for empty tenantID")
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, err := b.Subscribe(ctx, "bank-006", domain.TopicViolationAlert, func(context.Context, *domain.Message) error { return nil })
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if sub.Topic() != domain.TopicViolationAlert {
			t.Errorf("unexpected topic: %s", sub.Topic())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := b.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusRequest(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()
	reqCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	// No responder publishes a reply, so the request times out via ctx.
	if _, err := b.Request(reqCtx, "bank-001", "rules.count", []byte("{}")); err == nil {
		t.Error("expected timeout without a responder")
	}
}

func TestChannelBusClose(t *testing.T) {
	b := NewChannelBus(10)

	ctx := context.Background()
	if _, err := b.Subscribe(ctx, "bank-001", domain.TopicBatchIngested, func(context.Context, *domain.Message) error { return nil }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := b.Publish(ctx, "bank-001", domain.TopicBatchIngested, []byte("x")); err == nil {
		t.Error("expected publish error after close")
	}
	if _, err := b.Subscribe(ctx, "bank-001", domain.TopicBatchIngested, func(context.Context, *domain.Message) error { return nil }); err == nil {
		t.Error("expected subscribe error after close")
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}

	// Closing twice is harmless.
	if err := b.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	b := NewChannelBus(1000)
	defer b.Close()

	ctx := context.Background()
	const messageCount = 200

	var received atomic.Int32
	done := make(chan struct{})

	_, err := b.Subscribe(ctx, "bank-load", domain.TopicBatchIngested, func(ctx context.Context, msg *domain.Message) error {
		if received.Add(1) == messageCount {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < messageCount; i++ {
		if err := b.Publish(ctx, "bank-load", domain.TopicBatchIngested, []byte("rows")); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer b.Close()

		if _, ok := b.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
