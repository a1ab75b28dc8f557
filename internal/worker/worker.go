// Package worker provides async batch processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-compliance/kestrel/internal/batch"
	"github.com/opensource-compliance/kestrel/internal/domain"
	"github.com/opensource-compliance/kestrel/internal/monthly"
)

// Worker processes uploaded batches asynchronously from the EventBus.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	pipeline *batch.Pipeline
	totals   *monthly.Service

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string
}

// NewWorker creates a new async worker. totals may be nil when no
// counter cache is configured.
func NewWorker(bus domain.EventBus, repo domain.Repository, pipeline *batch.Pipeline, totals *monthly.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		pipeline: pipeline,
		totals:   totals,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicBatchIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicBatchIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processBatch(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicBatchIngested,
	)

	return nil
}

// handleMessage handles messages from global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processBatch(ctx, msg.TenantID, msg)
}

// BatchMessage is the message payload for batch processing.
type BatchMessage struct {
	TenantID string              `json:"tenantId"`
	Kind     domain.RecordKind   `json:"kind"`
	Rows     []map[string]string `json:"rows"`
}

// AlertMessage is published for each record that carries high or
// critical risk after evaluation.
type AlertMessage struct {
	BatchID   string           `json:"batchId"`
	RecordID  string           `json:"recordId"`
	RiskLevel domain.RiskLevel `json:"riskLevel"`
	Matches   []domain.Match   `json:"matches"`
	Summary   string           `json:"summary,omitempty"`
}

// processBatch runs a batch through the matching pipeline, persists
// the outcome and publishes completion and alert events.
func (w *Worker) processBatch(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var batchMsg BatchMessage
	if err := json.Unmarshal(msg.Payload, &batchMsg); err != nil {
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if batchMsg.TenantID != "" {
		tenantID = batchMsg.TenantID
	}
	kind := batchMsg.Kind
	if kind == "" {
		kind = domain.KindTransaction
	}

	slog.Debug("processing batch",
		"tenant_id", tenantID,
		"kind", kind,
		"rows", len(batchMsg.Rows),
	)

	result, err := w.pipeline.Run(ctx, tenantID, kind, batchMsg.Rows)
	if err != nil {
		slog.Error("batch evaluation failed",
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	w.persist(ctx, tenantID, result)

	// Publish completion event
	resultPayload, _ := json.Marshal(result)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicBatchCompleted, resultPayload); err != nil {
		slog.Error("failed to publish batch completion",
			"batch_id", result.ID,
			"error", err,
		)
	}

	w.publishAlerts(ctx, tenantID, result)

	slog.Info("batch processed",
		"batch_id", result.ID,
		"tenant_id", tenantID,
		"records", result.Summary.TotalRecords,
		"matches", result.Summary.TotalMatches,
		"rules_source", result.RulesSource,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// persist stores the batch result and its records. Persistence errors
// are logged, not returned: evaluation already succeeded and the
// completion event must still go out.
func (w *Worker) persist(ctx context.Context, tenantID string, result *domain.BatchResult) {
	if w.repo == nil {
		return
	}

	if err := w.repo.SaveBatch(ctx, tenantID, result); err != nil {
		slog.Error("failed to save batch",
			"batch_id", result.ID,
			"error", err,
		)
	}

	for i := range result.Records {
		rec := result.Records[i].Record
		if rec == nil {
			continue
		}
		if err := w.repo.SaveRecord(ctx, tenantID, result.ID, rec); err != nil {
			slog.Error("failed to save record",
				"batch_id", result.ID,
				"record_id", rec.RecordID,
				"error", err,
			)
			continue
		}

		// Newly stored deposits feed the monthly counters.
		if w.totals != nil && rec.Kind == domain.KindTransaction && rec.Amount != nil && rec.Timestamp != nil {
			w.totals.Record(ctx, tenantID, rec.CustomerKey(), *rec.Amount, *rec.Timestamp)
		}
	}
}

// publishAlerts emits one alert per high or critical risk record.
func (w *Worker) publishAlerts(ctx context.Context, tenantID string, result *domain.BatchResult) {
	for i := range result.Records {
		rr := &result.Records[i]
		if rr.RiskLevel.Rank() < domain.SeverityHigh.Rank() {
			continue
		}

		alert := AlertMessage{
			BatchID:   result.ID,
			RecordID:  rr.RecordID,
			RiskLevel: rr.RiskLevel,
			Matches:   rr.Matches,
		}
		payload, _ := json.Marshal(alert)

		if err := w.bus.Publish(ctx, tenantID, domain.TopicViolationAlert, payload); err != nil {
			slog.Error("failed to publish alert",
				"batch_id", result.ID,
				"record_id", rr.RecordID,
				"error", err,
			)
		}
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
