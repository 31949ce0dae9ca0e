package clearinghouse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medflow/go-cie/internal/config"
	"github.com/medflow/go-cie/internal/observability/metrics"
)

const (
	// refreshSkew is how close to expiry a cached token may get before
	// GetValidToken refreshes it.
	refreshSkew = 5 * time.Minute
	// rotationLead is how long before expiry the proactive rotation fires.
	rotationLead = time.Hour

	oauthEndpoint = "/oauth2/token"
)

// Token is the cached OAuth2 credential. Owned exclusively by the
// TokenManager; never nil once authentication has succeeded.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// ValidAt reports whether the token is still usable at the given instant.
func (t *Token) ValidAt(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// TokenStore persists tokens externally, keyed by environment with
// last-writer-wins upsert semantics.
type TokenStore interface {
	Upsert(ctx context.Context, environment string, tok Token) error
}

// tokenResponse is the OAuth2 exchange wire shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// pendingRefresh is the shared handle for an in-flight token operation.
// Concurrent callers await the same handle instead of issuing duplicate
// network calls.
type pendingRefresh struct {
	done  chan struct{}
	token *Token
	err   error
}

// TokenManager obtains, caches, and proactively rotates the engine's OAuth2
// access token. One manager per environment; Close releases the rotation
// timer.
type TokenManager struct {
	cfg     config.Config
	relay   Relay
	store   TokenStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	token       *Token
	pending     *pendingRefresh
	rotateTimer *time.Timer
	closed      bool
}

// NewTokenManager creates a token manager. The store may be nil in tests.
func NewTokenManager(cfg config.Config, relay Relay, store TokenStore, logger *zap.Logger) *TokenManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenManager{
		cfg:    cfg,
		relay:  relay,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// GetValidToken returns an access token string, authenticating or refreshing
// first when the cache is empty or within refreshSkew of expiry.
func (m *TokenManager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	cached := m.token
	now := m.now()
	m.mu.Unlock()

	if cached == nil {
		tok, err := m.Authenticate(ctx)
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}

	if now.Add(refreshSkew).After(cached.ExpiresAt) {
		tok, err := m.RefreshToken(ctx)
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}

	return cached.AccessToken, nil
}

// Authenticate performs the OAuth2 client-credentials exchange. Concurrent
// callers collapse into a single exchange.
func (m *TokenManager) Authenticate(ctx context.Context) (*Token, error) {
	return m.singleFlight(ctx, m.authenticate)
}

// RefreshToken exchanges the cached refresh token for a new access token.
// If no refresh token is cached, or the exchange fails, it falls back to a
// full re-authentication instead of surfacing the refresh failure.
func (m *TokenManager) RefreshToken(ctx context.Context) (*Token, error) {
	return m.singleFlight(ctx, m.refresh)
}

// singleFlight runs op, sharing one in-flight operation among all concurrent
// callers.
func (m *TokenManager) singleFlight(ctx context.Context, op func(context.Context) (*Token, error)) (*Token, error) {
	m.mu.Lock()
	if p := m.pending; p != nil {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.token, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pendingRefresh{done: make(chan struct{})}
	m.pending = p
	m.mu.Unlock()

	tok, err := op(ctx)

	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()

	p.token, p.err = tok, err
	close(p.done)
	return tok, err
}

func (m *TokenManager) authenticate(ctx context.Context) (*Token, error) {
	body := map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     m.cfg.ClientID,
		"client_secret": m.cfg.ClientSecret,
		"username":      m.cfg.APIUsername,
		"password":      m.cfg.APIPassword,
		"office_key":    m.cfg.OfficeKey,
	}

	resp, err := m.relay.Call(ctx, RelayRequest{
		Environment: string(m.cfg.Environment),
		Endpoint:    oauthEndpoint,
		Method:      "POST",
		Body:        body,
	})
	if err != nil {
		return nil, &APIError{
			Code:      CodeAuthFailed,
			Message:   fmt.Sprintf("authentication failed: %v", err),
			Retryable: true,
		}
	}

	tok, err := m.decodeToken(resp.Data)
	if err != nil {
		return nil, &APIError{Code: CodeAuthFailed, Message: err.Error(), Retryable: true}
	}

	m.install(ctx, tok)
	m.logger.Info("authenticated with clearinghouse",
		zap.String("environment", string(m.cfg.Environment)),
		zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func (m *TokenManager) refresh(ctx context.Context) (*Token, error) {
	m.mu.Lock()
	var refreshToken string
	if m.token != nil {
		refreshToken = m.token.RefreshToken
	}
	m.mu.Unlock()

	if refreshToken == "" {
		return m.authenticate(ctx)
	}

	resp, err := m.relay.Call(ctx, RelayRequest{
		Environment: string(m.cfg.Environment),
		Endpoint:    oauthEndpoint,
		Method:      "POST",
		Body: map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
			"client_id":     m.cfg.ClientID,
			"client_secret": m.cfg.ClientSecret,
		},
	})
	if err != nil {
		m.logger.Warn("token refresh failed, re-authenticating", zap.Error(err))
		return m.authenticate(ctx)
	}

	tok, err := m.decodeToken(resp.Data)
	if err != nil {
		m.logger.Warn("token refresh returned malformed response, re-authenticating", zap.Error(err))
		return m.authenticate(ctx)
	}

	m.install(ctx, tok)
	m.logger.Debug("token refreshed", zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func (m *TokenManager) decodeToken(data json.RawMessage) (*Token, error) {
	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresAt:    m.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// install caches the token, persists it externally, and reschedules the
// proactive rotation timer. Persistence failures are logged, never surfaced.
func (m *TokenManager) install(ctx context.Context, tok *Token) {
	if m.metrics != nil {
		m.metrics.TokenRefreshes.Inc()
	}

	m.mu.Lock()
	m.token = tok
	m.scheduleRotationLocked(tok)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Upsert(ctx, string(m.cfg.Environment), *tok); err != nil {
			m.logger.Warn("token persistence failed", zap.Error(err))
		}
	}
}

// scheduleRotationLocked arms the rotation timer to fire rotationLead before
// expiry, or immediately when the token lives shorter than that. Caller
// holds the mutex.
func (m *TokenManager) scheduleRotationLocked(tok *Token) {
	if m.closed {
		return
	}
	if m.rotateTimer != nil {
		m.rotateTimer.Stop()
	}
	delay := tok.ExpiresAt.Sub(m.now()) - rotationLead
	if delay < 0 {
		delay = 0
	}
	m.rotateTimer = time.AfterFunc(delay, m.rotate)
}

// rotate is the timer callback: a background refresh whose failure is only
// logged, since the next GetValidToken will retry anyway.
func (m *TokenManager) rotate() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	if _, err := m.RefreshToken(ctx); err != nil {
		m.logger.Error("proactive token rotation failed", zap.Error(err))
	}
}

// Close stops the rotation timer. The manager must not be used afterwards.
func (m *TokenManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.rotateTimer != nil {
		m.rotateTimer.Stop()
		m.rotateTimer = nil
	}
}
