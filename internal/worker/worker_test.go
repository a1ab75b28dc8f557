package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opensource-compliance/kestrel/internal/batch"
	"github.com/opensource-compliance/kestrel/internal/bus"
	"github.com/opensource-compliance/kestrel/internal/domain"
	"github.com/opensource-compliance/kestrel/internal/rulebook"
)

// memRepo captures persisted batches and records. Other repository
// methods are never called by the worker path under test.
type memRepo struct {
	domain.Repository
	mu      sync.Mutex
	batches []*domain.BatchResult
	records []*domain.CanonicalRecord
}

func (r *memRepo) SaveBatch(ctx context.Context, tenantID string, b *domain.BatchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return nil
}

func (r *memRepo) SaveRecord(ctx context.Context, tenantID string, batchID string, rec *domain.CanonicalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func newTestWorker(t *testing.T, repo domain.Repository) (*Worker, *bus.ChannelBus) {
	t.Helper()

	book, err := rulebook.New(nil, rulebook.DefaultParams())
	if err != nil {
		t.Fatalf("rulebook.New failed: %v", err)
	}
	pipeline := batch.NewPipeline(book, nil, nil, nil, batch.Config{Workers: 4})

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	w := NewWorker(eventBus, repo, pipeline, nil)
	t.Cleanup(func() { w.Stop() })

	return w, eventBus
}

func publishBatch(t *testing.T, b *bus.ChannelBus, tenantID string, rows []map[string]string) {
	t.Helper()
	payload, _ := json.Marshal(BatchMessage{
		TenantID: tenantID,
		Kind:     domain.KindTransaction,
		Rows:     rows,
	})
	if err := b.Publish(context.Background(), tenantID, domain.TopicBatchIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func waitFor(t *testing.T, ch <-chan *domain.Message, what string) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestWorkerProcessesBatch(t *testing.T) {
	repo := &memRepo{}
	w, eventBus := newTestWorker(t, repo)

	completed := make(chan *domain.Message, 10)
	_, err := eventBus.Subscribe(context.Background(), "bank-001", domain.TopicBatchCompleted, func(ctx context.Context, msg *domain.Message) error {
		completed <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := w.Start(Config{TenantIDs: []string{"bank-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	publishBatch(t, eventBus, "bank-001", []map[string]string{
		{"transaction id": "TXN-1", "amount": "150000", "sender": "cust-1", "kyc status": "Verified"},
		{"transaction id": "TXN-2", "amount": "200", "sender": "cust-2", "kyc status": "Verified"},
	})

	msg := waitFor(t, completed, "completion event")

	var result domain.BatchResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		t.Fatalf("bad completion payload: %v", err)
	}
	if result.Summary.TotalRecords != 2 {
		t.Errorf("expected 2 records, got %d", result.Summary.TotalRecords)
	}
	if result.Summary.RecordsWithMatches != 1 {
		t.Errorf("expected 1 matched record, got %d", result.Summary.RecordsWithMatches)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.batches) != 1 {
		t.Errorf("expected 1 persisted batch, got %d", len(repo.batches))
	}
	if len(repo.records) != 2 {
		t.Errorf("expected 2 persisted records, got %d", len(repo.records))
	}
}

func TestWorkerPublishesAlerts(t *testing.T) {
	w, eventBus := newTestWorker(t, nil)

	alerts := make(chan *domain.Message, 10)
	_, err := eventBus.Subscribe(context.Background(), "bank-001", domain.TopicViolationAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := w.Start(Config{TenantIDs: []string{"bank-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Expired KYC lands at CRITICAL after escalation, the clean row
	// must not alert.
	publishBatch(t, eventBus, "bank-001", []map[string]string{
		{"transaction id": "TXN-1", "amount": "500", "sender": "cust-1", "kyc status": "Expired"},
		{"transaction id": "TXN-2", "amount": "200", "sender": "cust-2", "kyc status": "Verified"},
	})

	msg := waitFor(t, alerts, "violation alert")

	var alert AlertMessage
	if err := json.Unmarshal(msg.Payload, &alert); err != nil {
		t.Fatalf("bad alert payload: %v", err)
	}
	if alert.RecordID != "TXN-1" {
		t.Errorf("expected alert for TXN-1, got %s", alert.RecordID)
	}
	if alert.RiskLevel.Rank() < domain.SeverityHigh.Rank() {
		t.Errorf("alert risk below HIGH: %s", alert.RiskLevel)
	}
	if len(alert.Matches) == 0 {
		t.Error("expected matches attached to alert")
	}

	select {
	case extra := <-alerts:
		var a AlertMessage
		json.Unmarshal(extra.Payload, &a)
		t.Errorf("unexpected second alert for %s", a.RecordID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWorkerTenantScoping(t *testing.T) {
	w, eventBus := newTestWorker(t, nil)

	completed := make(chan *domain.Message, 10)
	_, err := eventBus.Subscribe(context.Background(), "bank-002", domain.TopicBatchCompleted, func(ctx context.Context, msg *domain.Message) error {
		completed <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Worker only serves bank-001; bank-002's upload must sit unprocessed.
	if err := w.Start(Config{TenantIDs: []string{"bank-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	publishBatch(t, eventBus, "bank-002", []map[string]string{
		{"transaction id": "TXN-1", "amount": "150000"},
	})

	select {
	case <-completed:
		t.Error("worker processed a tenant it is not subscribed to")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWorkerStats(t *testing.T) {
	w, _ := newTestWorker(t, nil)

	if err := w.Start(Config{TenantIDs: []string{"bank-001", "bank-002"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("expected no subscriptions after Stop")
	}
}
