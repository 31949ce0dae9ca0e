package clearinghouse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (f *fakeAudit) Insert(ctx context.Context, entry AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) all() []AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AuditEntry(nil), f.entries...)
}

func newTestClient(t *testing.T, relay Relay, opts ClientOptions) *Client {
	t.Helper()
	opts.Relay = relay
	c, err := NewClient(testConfig(), opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestRequestRetriesUpToBudget(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return nil, fmt.Errorf("connection refused")
	}}
	c := newTestClient(t, relay, ClientOptions{})

	_, err := c.Request(context.Background(), "/api/v1/claims", RequestOptions{
		Method:        "POST",
		SkipAuth:      true,
		RetryAttempts: 2,
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// retryAttempts=2 means the original call plus two retries.
	if got := relay.callCount(); got != 3 {
		t.Errorf("relay calls = %d, want 3", got)
	}
	apiErr := AsAPIError(err)
	if apiErr == nil || apiErr.Code != CodeNetworkError {
		t.Errorf("error = %v, want %s", err, CodeNetworkError)
	}
}

func TestRequestDoesNotRetryNonRetryableErrors(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return nil, fmt.Errorf("invalid payer id")
	}}
	c := newTestClient(t, relay, ClientOptions{})

	_, err := c.Request(context.Background(), "/api/v1/claims", RequestOptions{
		Method:        "POST",
		SkipAuth:      true,
		RetryAttempts: 2,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := relay.callCount(); got != 1 {
		t.Errorf("relay calls = %d, want 1 (no retry on non-retryable)", got)
	}
}

func TestRequestNegativeRetryAttemptsDisablesRetries(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return nil, fmt.Errorf("request timed out")
	}}
	c := newTestClient(t, relay, ClientOptions{})

	_, err := c.Request(context.Background(), "/api/v1/claims", RequestOptions{
		Method:        "POST",
		SkipAuth:      true,
		RetryAttempts: -1,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := relay.callCount(); got != 1 {
		t.Errorf("relay calls = %d, want 1", got)
	}
	apiErr := AsAPIError(err)
	if apiErr == nil || apiErr.Code != CodeTimeout {
		t.Errorf("error = %v, want %s", err, CodeTimeout)
	}
}

func TestRequestConsumesQuotaOnFailedAttempts(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return nil, fmt.Errorf("connection reset")
	}}
	c := newTestClient(t, relay, ClientOptions{Limits: Limits{PerSecond: 100}})

	c.Request(context.Background(), "/api/v1/claims", RequestOptions{
		Method:        "POST",
		SkipAuth:      true,
		RetryAttempts: 2,
	})

	// Each dispatched attempt consumed quota even though every one failed.
	c.limiter.mu.Lock()
	count := c.limiter.buckets[0].count
	c.limiter.mu.Unlock()
	if count != 3 {
		t.Errorf("second-window count = %d, want 3", count)
	}
}

func TestRequestRejectedPreFlightConsumesNoQuota(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return &RelayResponse{StatusCode: 200, Data: json.RawMessage(`{}`)}, nil
	}}
	c := newTestClient(t, relay, ClientOptions{Limits: Limits{PerSecond: 1}})

	if _, err := c.Request(context.Background(), "/api/v1/claims", RequestOptions{
		Method:        "POST",
		SkipAuth:      true,
		RetryAttempts: -1,
	}); err != nil {
		t.Fatalf("first request: %v", err)
	}

	_, err := c.Request(context.Background(), "/api/v1/claims", RequestOptions{
		Method:        "POST",
		SkipAuth:      true,
		RetryAttempts: -1,
	})
	if err == nil {
		t.Fatal("expected rate-limit rejection")
	}
	apiErr := AsAPIError(err)
	if apiErr == nil || apiErr.Code != CodeRateLimitExceeded {
		t.Fatalf("error = %v, want %s", err, CodeRateLimitExceeded)
	}
	if apiErr.RetryAfter <= 0 {
		t.Errorf("retry after = %v, want positive", apiErr.RetryAfter)
	}

	// The rejected call never reached the relay and never consumed quota.
	if got := relay.callCount(); got != 1 {
		t.Errorf("relay calls = %d, want 1", got)
	}
	c.limiter.mu.Lock()
	count := c.limiter.buckets[0].count
	c.limiter.mu.Unlock()
	if count != 1 {
		t.Errorf("second-window count = %d, want 1", count)
	}
}

func TestRequestWritesAuditBeforeReturningError(t *testing.T) {
	audit := &fakeAudit{}
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return nil, fmt.Errorf("invalid claim payload")
	}}
	c := newTestClient(t, relay, ClientOptions{Audit: audit})

	_, err := c.Request(context.Background(), "/api/v1/claims", RequestOptions{
		Method:        "POST",
		Body:          map[string]string{"claimId": "CLM-1"},
		SkipAuth:      true,
		RetryAttempts: -1,
	})
	if err == nil {
		t.Fatal("expected error")
	}

	entries := audit.all()
	if len(entries) == 0 {
		t.Fatal("expected audit entries for the failed request")
	}
	found := false
	for _, e := range entries {
		if e.Error != "" {
			found = true
		}
	}
	if !found {
		t.Errorf("no audit entry recorded the failure: %+v", entries)
	}
}

func TestRequestAuditsSuccesses(t *testing.T) {
	audit := &fakeAudit{}
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return &RelayResponse{StatusCode: 200, Data: json.RawMessage(`{"ok":true}`)}, nil
	}}
	c := newTestClient(t, relay, ClientOptions{Audit: audit})

	res, err := c.Request(context.Background(), "/api/v1/era", RequestOptions{
		Method:   "GET",
		SkipAuth: true,
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if res.RequestID == "" {
		t.Error("result missing request id")
	}
	if res.StatusCode != 200 {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}

	entries := audit.all()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Endpoint != "/api/v1/era" || e.StatusCode != 200 || e.Error != "" {
		t.Errorf("unexpected audit entry: %+v", e)
	}
	if e.Environment != "sandbox" {
		t.Errorf("audit environment = %q, want sandbox", e.Environment)
	}
}

func TestRequestAuditFailureDoesNotMaskResult(t *testing.T) {
	audit := &fakeAudit{err: fmt.Errorf("audit table locked")}
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return &RelayResponse{StatusCode: 200, Data: json.RawMessage(`{"ok":true}`)}, nil
	}}
	c := newTestClient(t, relay, ClientOptions{Audit: audit})

	res, err := c.Request(context.Background(), "/api/v1/era", RequestOptions{
		Method:   "GET",
		SkipAuth: true,
	})
	if err != nil {
		t.Fatalf("audit failure leaked into the result: %v", err)
	}
	if res == nil || res.StatusCode != 200 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRequestAttachesBearerToken(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		if req.Endpoint == oauthEndpoint {
			return tokenPayload("at-9", "rt-9", 7200), nil
		}
		if got := req.Headers["Authorization"]; got != "Bearer at-9" {
			t.Errorf("Authorization = %q, want Bearer at-9", got)
		}
		return &RelayResponse{StatusCode: 200, Data: json.RawMessage(`{}`)}, nil
	}}
	c := newTestClient(t, relay, ClientOptions{})

	if _, err := c.Request(context.Background(), "/api/v1/claims", RequestOptions{
		Method: "POST",
	}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	// One oauth exchange plus one API call.
	if got := relay.callCount(); got != 2 {
		t.Errorf("relay calls = %d, want 2", got)
	}
}

func TestRequestContextCancellationStopsRetries(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Second
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return nil, fmt.Errorf("connection refused")
	}}
	c, err := NewClient(cfg, ClientOptions{Relay: relay})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Request(ctx, "/api/v1/claims", RequestOptions{
		Method:        "POST",
		SkipAuth:      true,
		RetryAttempts: 5,
	})
	if err != context.DeadlineExceeded {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if got := relay.callCount(); got != 1 {
		t.Errorf("relay calls = %d, want 1 before cancellation", got)
	}
}
