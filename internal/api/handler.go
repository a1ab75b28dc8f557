package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/opensource-compliance/kestrel/internal/batch"
	"github.com/opensource-compliance/kestrel/internal/domain"
	"github.com/opensource-compliance/kestrel/internal/engine"
	"github.com/opensource-compliance/kestrel/internal/monthly"
	"github.com/opensource-compliance/kestrel/internal/rulebook"
	"github.com/opensource-compliance/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	book     *rulebook.Book
	pipeline *batch.Pipeline
	totals   *monthly.Service
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, book *rulebook.Book, pipeline *batch.Pipeline, totals *monthly.Service, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		book:     book,
		pipeline: pipeline,
		totals:   totals,
		version:  version,
	}
}

// BatchRequest is the request body for POST /batches/evaluate.
type BatchRequest struct {
	Kind  domain.RecordKind   `json:"kind"`
	Rows  []map[string]string `json:"rows"`
	Async bool                `json:"async,omitempty"`
}

// EvaluateBatch handles POST /batches/evaluate requests. With async
// set the batch is queued on the event bus and picked up by a worker;
// otherwise it is evaluated inline and the full result returned.
func (h *Handler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Kind == "" {
		req.Kind = domain.KindTransaction
	}
	if req.Kind != domain.KindTransaction && req.Kind != domain.KindKYCProfile {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "kind must be 'transaction' or 'kyc'",
		})
		return
	}

	// Async: hand off to the worker via the bus.
	if req.Async {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event bus not available",
			})
			return
		}

		payload, _ := json.Marshal(worker.BatchMessage{
			TenantID: tenantID,
			Kind:     req.Kind,
			Rows:     req.Rows,
		})
		if err := h.bus.Publish(ctx, tenantID, domain.TopicBatchIngested, payload); err != nil {
			slog.Error("failed to queue batch", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to queue batch",
			})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "queued",
			"rows":    len(req.Rows),
			"traceId": traceID,
		})
		return
	}

	// Synchronous evaluation.
	result, err := h.pipeline.Run(ctx, tenantID, req.Kind, req.Rows)
	if err != nil {
		slog.Error("batch evaluation failed", "error", err, "trace_id", traceID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "batch evaluation failed",
		})
		return
	}

	h.persistBatch(r, tenantID, result)

	slog.Info("batch evaluated",
		"batch_id", result.ID,
		"tenant_id", tenantID,
		"records", result.Summary.TotalRecords,
		"matches", result.Summary.TotalMatches,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusOK, result)
}

// persistBatch stores the batch and its records. Failures are logged
// and do not affect the response: the evaluation itself succeeded.
func (h *Handler) persistBatch(r *http.Request, tenantID string, result *domain.BatchResult) {
	if h.repo == nil {
		return
	}
	ctx := r.Context()

	if err := h.repo.SaveBatch(ctx, tenantID, result); err != nil {
		slog.Error("failed to save batch", "batch_id", result.ID, "error", err)
	}

	for i := range result.Records {
		rec := result.Records[i].Record
		if rec == nil {
			continue
		}
		if err := h.repo.SaveRecord(ctx, tenantID, result.ID, rec); err != nil {
			slog.Error("failed to save record",
				"batch_id", result.ID,
				"record_id", rec.RecordID,
				"error", err,
			)
			continue
		}
		if h.totals != nil && rec.Kind == domain.KindTransaction && rec.Amount != nil && rec.Timestamp != nil {
			h.totals.Record(ctx, tenantID, rec.CustomerKey(), *rec.Amount, *rec.Timestamp)
		}
	}
}

// GetBatch retrieves a stored batch result by ID.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	batchID := chi.URLParam(r, "id")

	if batchID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "batch id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	result, err := h.repo.GetBatch(ctx, tenantID, batchID)
	if err != nil {
		slog.Error("failed to get batch", "id", batchID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "batch not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetRecord retrieves a normalized record by ID.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	recordID := chi.URLParam(r, "id")

	if recordID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "record id is required",
		})
		return
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	rec, err := h.repo.GetRecord(ctx, tenantID, recordID)
	if err != nil {
		slog.Error("failed to get record", "id", recordID, "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "record not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the effective rulebook for the caller's tenant:
// built-in rules plus any store-defined rules that loaded cleanly.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	snapshot := h.book.Load(ctx, tenantID)

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  snapshot.Rules,
		"count":  len(snapshot.Rules),
		"source": snapshot.Source,
	})
}

// GetRule retrieves a rule by ID from the effective rulebook.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	snapshot := h.book.Load(ctx, tenantID)
	for _, rule := range snapshot.Rules {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID             string `json:"id"`
	ViolationType  string `json:"violationType"`
	Severity       string `json:"severity"`
	PenaltyMin     string `json:"penaltyMin,omitempty"`
	PenaltyMax     string `json:"penaltyMax,omitempty"`
	LegalProvision string `json:"legalProvision,omitempty"`
	Expression     string `json:"expression"`
	Enabled        bool   `json:"enabled"`
}

// CreateRule creates a tenant-scoped rule and saves it to the store.
// The next batch evaluation picks it up; no reload is required.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.ViolationType == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, violationType, and expression are required",
		})
		return
	}

	severity := domain.Severity(req.Severity)
	if !severity.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "severity must be one of LOW, MEDIUM, HIGH, CRITICAL",
		})
		return
	}

	penMin, err := parsePenalty(req.PenaltyMin)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "penaltyMin must be a decimal amount",
		})
		return
	}
	penMax, err := parsePenalty(req.PenaltyMax)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "penaltyMax must be a decimal amount",
		})
		return
	}
	if penMax.LessThan(penMin) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "penaltyMax must not be less than penaltyMin",
		})
		return
	}

	// Reject bad expressions at creation time, not at batch time.
	if err := engine.ValidateExpression(req.Expression); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	rule := &domain.Rule{
		ID:             req.ID,
		ViolationType:  req.ViolationType,
		Severity:       severity,
		PenaltyMin:     penMin,
		PenaltyMax:     penMax,
		LegalProvision: req.LegalProvision,
		Expression:     req.Expression,
		Enabled:        req.Enabled,
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	if err := h.repo.SaveRule(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", rule.ID, "tenant_id", tenantID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. It applies to subsequent batch evaluations.",
	})
}

// ReloadRules forces a fresh snapshot load and reports what the next
// batch will evaluate with. Useful after editing store rules directly.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	snapshot := h.book.Load(ctx, tenantID)

	slog.Info("rules reloaded", "tenant_id", tenantID, "count", len(snapshot.Rules), "source", snapshot.Source)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(snapshot.Rules),
		"source":  snapshot.Source,
	})
}

func parsePenalty(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
