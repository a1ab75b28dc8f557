// Package explain enriches matches with free-text rationale. The
// remote explainer is an external collaborator: the matching core
// functions identically with or without it.
package explain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensource-compliance/kestrel/internal/domain"
)

// Explainer produces a human-readable rationale for one match.
type Explainer interface {
	Explain(ctx context.Context, rec *domain.CanonicalRecord, m domain.Match) (string, error)
}

// Template renders a deterministic rationale from the match itself.
// Always available; used standalone and as the degraded path for the
// remote explainer.
type Template struct{}

// Explain renders the match as one sentence.
func (Template) Explain(_ context.Context, rec *domain.CanonicalRecord, m domain.Match) (string, error) {
	return fmt.Sprintf("%s: %s (penalty ₹%s–₹%s under %s)",
		m.ViolationType, m.Reason,
		m.PenaltyMin.StringFixed(0), m.PenaltyMax.StringFixed(0),
		m.LegalProvision,
	), nil
}

// Remote calls an external explanation service over HTTP and falls
// back to the template on any failure.
type Remote struct {
	endpoint string
	client   *http.Client
	fallback Template
}

// NewRemote creates a remote explainer. timeout bounds each call.
func NewRemote(endpoint string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Remote{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type remoteRequest struct {
	RecordID      string            `json:"recordId"`
	ViolationType string            `json:"violationType"`
	Severity      domain.Severity   `json:"severity"`
	Reason        string            `json:"reason"`
	KYCStatus     domain.KYCStatus  `json:"kycStatus"`
	Amount        string            `json:"amount,omitempty"`
	Flags         []string          `json:"flags"`
	Raw           map[string]string `json:"raw,omitempty"`
}

type remoteResponse struct {
	Explanation string `json:"explanation"`
}

// Explain asks the remote service for a rationale. Any transport or
// decode failure degrades to the template text, never to an error that
// would fail the batch.
func (r *Remote) Explain(ctx context.Context, rec *domain.CanonicalRecord, m domain.Match) (string, error) {
	req := remoteRequest{
		RecordID:      m.RecordID,
		ViolationType: m.ViolationType,
		Severity:      m.Severity,
		Reason:        m.Reason,
		KYCStatus:     rec.KYCStatus,
		Flags:         rec.Flags.List(),
		Raw:           rec.Raw,
	}
	if rec.Amount != nil {
		req.Amount = rec.Amount.String()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return r.fallback.Explain(ctx, rec, m)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return r.fallback.Explain(ctx, rec, m)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return r.fallback.Explain(ctx, rec, m)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return r.fallback.Explain(ctx, rec, m)
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Explanation == "" {
		return r.fallback.Explain(ctx, rec, m)
	}

	return out.Explanation, nil
}
