package clearinghouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/medflow/go-cie/internal/observability/metrics"
	"github.com/medflow/go-cie/pkg/circuitbreaker"
)

// RelayRequest is the envelope handed to the secure relay. The engine never
// calls the external API directly.
type RelayRequest struct {
	Environment string            `json:"environment"`
	Endpoint    string            `json:"endpoint"`
	Method      string            `json:"method"`
	Body        interface{}       `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// RelayResponse carries the relay's answer: data on success, or the error
// reported by the upstream API.
type RelayResponse struct {
	StatusCode int
	Data       json.RawMessage
}

// Relay performs outbound calls on behalf of the engine.
type Relay interface {
	Call(ctx context.Context, req RelayRequest) (*RelayResponse, error)
}

// relayEnvelope is the wire shape returned by the secure proxy.
type relayEnvelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// HTTPRelay talks to the sandboxed proxy over HTTPS, one circuit breaker per
// upstream endpoint so a failing endpoint does not trip the others.
type HTTPRelay struct {
	proxyURL string
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHTTPRelay creates a relay pointed at the secure proxy.
func NewHTTPRelay(proxyURL string, timeout time.Duration, logger *zap.Logger) *HTTPRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRelay{
		proxyURL: proxyURL,
		client:   &http.Client{Timeout: timeout},
		breakers: circuitbreaker.NewManager(logger),
		logger:   logger,
	}
}

// Call forwards the request through the proxy. The proxy's transport timeout
// is the only deadline enforced here; callers wanting a harder limit wrap
// the context themselves.
func (r *HTTPRelay) Call(ctx context.Context, req RelayRequest) (*RelayResponse, error) {
	cb, err := r.breakers.GetOrCreate(req.Endpoint, circuitbreaker.DefaultConfig(req.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("breaker setup: %w", err)
	}

	result, err := cb.Execute(ctx, func() (interface{}, error) {
		return r.post(ctx, req)
	})
	if r.metrics != nil {
		r.metrics.CircuitBreakerState.WithLabelValues(req.Endpoint).Set(stateValue(cb.GetState()))
	}
	if err != nil {
		return nil, err
	}
	return result.(*RelayResponse), nil
}

func stateValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 2
	case circuitbreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (r *HTTPRelay) post(ctx context.Context, req RelayRequest) (*RelayResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal relay request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.proxyURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay network error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read relay response: %w", err)
	}

	var envelope relayEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode relay response (status %d): %w", resp.StatusCode, err)
	}

	if envelope.Error != "" {
		r.logger.Warn("relay reported upstream error",
			zap.String("endpoint", req.Endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("error", envelope.Error))
		return nil, fmt.Errorf("relay error: %s", envelope.Error)
	}

	return &RelayResponse{StatusCode: resp.StatusCode, Data: envelope.Data}, nil
}
