package clearinghouse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medflow/go-cie/internal/config"
)

// fakeRelay records calls and delegates to a per-test handler.
type fakeRelay struct {
	mu      sync.Mutex
	calls   []RelayRequest
	handler func(RelayRequest) (*RelayResponse, error)
}

func (f *fakeRelay) Call(ctx context.Context, req RelayRequest) (*RelayResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeRelay) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func tokenPayload(accessToken, refreshToken string, expiresIn int64) *RelayResponse {
	data, _ := json.Marshal(map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    expiresIn,
		"token_type":    "Bearer",
	})
	return &RelayResponse{StatusCode: 200, Data: data}
}

func testConfig() config.Config {
	return config.Config{
		Environment:   config.Sandbox,
		BaseURL:       "https://sandbox.example.com",
		OfficeKey:     "office-1",
		APIUsername:   "api-user",
		APIPassword:   "api-pass",
		ClientID:      "client-1",
		ClientSecret:  "secret-1",
		Timeout:       5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}
}

func grantType(req RelayRequest) string {
	body, ok := req.Body.(map[string]string)
	if !ok {
		return ""
	}
	return body["grant_type"]
}

func TestGetValidTokenAuthenticatesOnce(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		time.Sleep(10 * time.Millisecond)
		return tokenPayload("at-1", "rt-1", 7200), nil
	}}
	m := NewTokenManager(testConfig(), relay, nil, nil)
	defer m.Close()

	const callers = 8
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetValidToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "at-1" {
			t.Errorf("caller %d token = %q, want at-1", i, tokens[i])
		}
	}
	if got := relay.callCount(); got != 1 {
		t.Errorf("relay calls = %d, want 1 (single-flight)", got)
	}
}

func TestGetValidTokenRefreshesNearExpiry(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		if grantType(req) != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", grantType(req))
		}
		return tokenPayload("at-2", "rt-2", 7200), nil
	}}
	m := NewTokenManager(testConfig(), relay, nil, nil)
	defer m.Close()

	// Cached token expires inside the refresh skew.
	m.token = &Token{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(2 * time.Minute),
	}

	got, err := m.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if got != "at-2" {
		t.Errorf("token = %q, want at-2", got)
	}
	if relay.callCount() != 1 {
		t.Errorf("relay calls = %d, want 1", relay.callCount())
	}
}

func TestGetValidTokenReturnsCachedWhenFresh(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		t.Error("relay should not be called for a fresh token")
		return nil, fmt.Errorf("unexpected call")
	}}
	m := NewTokenManager(testConfig(), relay, nil, nil)
	defer m.Close()

	m.token = &Token{AccessToken: "at-1", ExpiresAt: time.Now().Add(2 * time.Hour)}

	got, err := m.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if got != "at-1" {
		t.Errorf("token = %q, want at-1", got)
	}
}

func TestRefreshFallsBackToAuthenticate(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		if grantType(req) == "refresh_token" {
			return nil, fmt.Errorf("invalid_grant: refresh token revoked")
		}
		return tokenPayload("at-3", "rt-3", 7200), nil
	}}
	m := NewTokenManager(testConfig(), relay, nil, nil)
	defer m.Close()

	m.token = &Token{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}

	got, err := m.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if got != "at-3" {
		t.Errorf("token = %q, want at-3 from re-authentication", got)
	}
	if relay.callCount() != 2 {
		t.Errorf("relay calls = %d, want 2 (failed refresh + authenticate)", relay.callCount())
	}
}

func TestRefreshWithoutRefreshTokenAuthenticates(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		if grantType(req) != "client_credentials" {
			t.Errorf("grant_type = %q, want client_credentials", grantType(req))
		}
		return tokenPayload("at-4", "", 7200), nil
	}}
	m := NewTokenManager(testConfig(), relay, nil, nil)
	defer m.Close()

	m.token = &Token{AccessToken: "at-1", ExpiresAt: time.Now().Add(time.Minute)}

	tok, err := m.RefreshToken(context.Background())
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if tok.AccessToken != "at-4" {
		t.Errorf("token = %q, want at-4", tok.AccessToken)
	}
}

func TestAuthenticateFailureIsRetryable(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return nil, fmt.Errorf("upstream unavailable")
	}}
	m := NewTokenManager(testConfig(), relay, nil, nil)
	defer m.Close()

	_, err := m.Authenticate(context.Background())
	if err == nil {
		t.Fatal("expected authentication error")
	}
	apiErr := AsAPIError(err)
	if apiErr == nil {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Code != CodeAuthFailed {
		t.Errorf("code = %s, want %s", apiErr.Code, CodeAuthFailed)
	}
	if !apiErr.Retryable {
		t.Error("authentication failures should be retryable")
	}
}

func TestTokenPersistenceFailureDoesNotSurface(t *testing.T) {
	relay := &fakeRelay{handler: func(req RelayRequest) (*RelayResponse, error) {
		return tokenPayload("at-5", "rt-5", 7200), nil
	}}
	store := storeFunc(func(ctx context.Context, environment string, tok Token) error {
		return fmt.Errorf("database unavailable")
	})
	m := NewTokenManager(testConfig(), relay, store, nil)
	defer m.Close()

	tok, err := m.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate surfaced persistence failure: %v", err)
	}
	if tok.AccessToken != "at-5" {
		t.Errorf("token = %q, want at-5", tok.AccessToken)
	}
}

type storeFunc func(ctx context.Context, environment string, tok Token) error

func (f storeFunc) Upsert(ctx context.Context, environment string, tok Token) error {
	return f(ctx, environment, tok)
}
