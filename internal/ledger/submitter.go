// Package ledger submits committed batches to an external ledger and
// carries the post-commit hooks (on_submitted/on_commit/on_rollback)
// that reconcile a batch's outcome back into the store.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ggoledger/internal/model"
)

// Submitter hands a committed Batch to an external ledger and returns
// an opaque handle the ledger uses to later report outcome.
type Submitter interface {
	Submit(ctx context.Context, batch model.Batch) (handle string, err error)
}

// HTTPConfig configures an HTTPSubmitter.
type HTTPConfig struct {
	BaseURL           string
	APIKey            string
	Provider          string
	Timeout           time.Duration
	RequestsPerMinute int
}

// HTTPSubmitter posts batches to a ledger-submission HTTP endpoint,
// rate limited client-side so a burst of cascaded allocations cannot
// overrun the ledger's own intake quota.
type HTTPSubmitter struct {
	baseURL    string
	apiKey     string
	provider   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPSubmitter constructs an HTTPSubmitter from cfg.
func NewHTTPSubmitter(cfg HTTPConfig) (*HTTPSubmitter, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("ledger: base URL is required")
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("ledger: API key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := float64(cfg.RequestsPerMinute) / 60.0
	if rps <= 0 {
		rps = 2
	}
	return &HTTPSubmitter{
		baseURL:    baseURL,
		apiKey:     apiKey,
		provider:   cfg.Provider,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

type submissionRequest struct {
	BatchID     uint   `json:"batch_id"`
	UserSubject string `json:"user_subject"`
	Provider    string `json:"provider"`
	Operations  int    `json:"operations"`
}

type submissionResponse struct {
	Handle string `json:"handle"`
}

// Submit waits for rate-limiter headroom, then posts batch to the
// configured ledger endpoint and returns its assigned handle.
func (s *HTTPSubmitter) Submit(ctx context.Context, batch model.Batch) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("ledger: rate limit wait: %w", err)
	}

	body, err := json.Marshal(submissionRequest{
		BatchID:     batch.ID,
		UserSubject: batch.UserSubject,
		Provider:    s.provider,
		Operations:  len(batch.Transactions),
	})
	if err != nil {
		return "", fmt.Errorf("ledger: marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/batches", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ledger: submit batch %d: %w", batch.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ledger: submit batch %d: unexpected status %d", batch.ID, resp.StatusCode)
	}

	var decoded submissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("ledger: decode response: %w", err)
	}
	if decoded.Handle == "" {
		return "", fmt.Errorf("ledger: submit batch %d: empty handle in response", batch.ID)
	}
	return decoded.Handle, nil
}

// MemorySubmitter is an in-process fake used by tests and local
// development: when Err is set every submission fails with it;
// otherwise every submission succeeds immediately with a deterministic
// handle.
type MemorySubmitter struct {
	NextHandle func(batch model.Batch) string
	Err        error
}

// Submit implements Submitter.
func (m *MemorySubmitter) Submit(_ context.Context, batch model.Batch) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if m.NextHandle != nil {
		return m.NextHandle(batch), nil
	}
	return fmt.Sprintf("mem-%d", batch.ID), nil
}
