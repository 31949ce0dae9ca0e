package clearinghouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medflow/go-cie/internal/config"
	"github.com/medflow/go-cie/internal/observability/metrics"
)

// AuditEntry is the write-only record sent to the audit store for every
// request attempt. Failures to write never affect the caller.
type AuditEntry struct {
	ID           string
	Endpoint     string
	Method       string
	RequestBody  json.RawMessage
	ResponseBody json.RawMessage
	StatusCode   int
	DurationMs   int64
	Error        string
	Environment  string
	CreatedAt    time.Time
}

// AuditStore receives audit entries. Implementations must tolerate being
// called concurrently.
type AuditStore interface {
	Insert(ctx context.Context, entry AuditEntry) error
}

// EventPublisher publishes claim lifecycle events. Optional; a nil publisher
// disables eventing.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RequestOptions controls a single pipeline call.
type RequestOptions struct {
	Method  string
	Body    interface{}
	Headers map[string]string
	// SkipAuth omits the bearer token (used for the token exchange itself)
	SkipAuth bool
	// RetryAttempts overrides the configured retry budget. Zero uses the
	// config default; negative disables retries.
	RetryAttempts int
}

// RequestResult carries the raw outcome of a successful pipeline call.
type RequestResult struct {
	Data       json.RawMessage
	StatusCode int
	RequestID  string
	Timestamp  time.Time
	Duration   time.Duration
}

// ClientOptions wires the client's collaborators. Relay defaults to an
// HTTPRelay against the configured base URL; everything else may be nil.
type ClientOptions struct {
	Relay      Relay
	TokenStore TokenStore
	Audit      AuditStore
	Events     EventPublisher
	Metrics    *metrics.Metrics
	Limits     Limits
	Logger     *zap.Logger
}

// Client is the single chokepoint for outbound clearinghouse calls. It owns
// the token cache and rate-limit buckets for one environment; construct one
// instance per environment and Close it when done. Instances must not share
// state.
type Client struct {
	cfg     config.Config
	relay   Relay
	tokens  *TokenManager
	limiter *RateLimiter
	audit   AuditStore
	events  EventPublisher
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewClient validates the configuration and assembles the pipeline.
func NewClient(cfg config.Config, opts ClientOptions) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	relay := opts.Relay
	if relay == nil {
		httpRelay := NewHTTPRelay(cfg.BaseURL, cfg.Timeout, logger)
		httpRelay.metrics = opts.Metrics
		relay = httpRelay
	}

	tokens := NewTokenManager(cfg, relay, opts.TokenStore, logger)
	tokens.metrics = opts.Metrics

	return &Client{
		cfg:     cfg,
		relay:   relay,
		tokens:  tokens,
		limiter: NewRateLimiter(opts.Limits),
		audit:   opts.Audit,
		events:  opts.Events,
		metrics: opts.Metrics,
		logger:  logger,
		tracer:  otel.Tracer("clearinghouse-client"),
		now:     time.Now,
	}, nil
}

// Close releases background resources (the token rotation timer).
func (c *Client) Close() {
	c.tokens.Close()
}

// RateLimitStatus returns the current pre-flight status for an endpoint
// without consuming quota.
func (c *Client) RateLimitStatus(endpoint string) RateLimitStatus {
	return c.limiter.Check(endpoint)
}

// Request runs the pipeline: rate-limit check, token attach, relay delegate,
// quota consumption, audit write, and bounded retry of retryable failures
// with a fixed delay. The audit entry for a failure is always written before
// the error is returned.
func (c *Client) Request(ctx context.Context, endpoint string, opts RequestOptions) (*RequestResult, error) {
	ctx, span := c.tracer.Start(ctx, "clearinghouse_request",
		trace.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("method", opts.Method),
		))
	defer span.End()

	requestID := uuid.New().String()
	span.SetAttributes(attribute.String("request_id", requestID))

	attempts := opts.RetryAttempts
	if attempts == 0 {
		attempts = c.cfg.RetryAttempts
	}
	if attempts < 0 {
		attempts = 0
	}

	var lastErr error
	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.RequestRetries.Inc()
			}
			c.logger.Debug("retrying request",
				zap.String("request_id", requestID),
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt))
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		res, err := c.attempt(ctx, requestID, endpoint, opts)
		if err == nil {
			if c.metrics != nil {
				c.metrics.RequestsTotal.WithLabelValues(endpoint, "success").Inc()
			}
			return res, nil
		}

		// Failure entry goes to the audit log before the error can
		// surface to the caller.
		c.writeAudit(ctx, AuditEntry{
			ID:       uuid.New().String(),
			Endpoint: endpoint,
			Method:   opts.Method,
			Error:    err.Error(),
		})

		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}

	span.RecordError(lastErr)
	if c.metrics != nil {
		c.metrics.RequestsTotal.WithLabelValues(endpoint, "failure").Inc()
	}
	return nil, lastErr
}

// attempt performs one pass through the pipeline.
func (c *Client) attempt(ctx context.Context, requestID, endpoint string, opts RequestOptions) (*RequestResult, error) {
	status := c.limiter.Check(endpoint)
	if !status.WithinLimit {
		if c.metrics != nil {
			c.metrics.RateLimitRejections.Inc()
		}
		return nil, &APIError{
			Code:       CodeRateLimitExceeded,
			Message:    fmt.Sprintf("rate limit exceeded for %s window", status.Window),
			Retryable:  true,
			RetryAfter: status.RetryAfter,
			Details: map[string]interface{}{
				"window":     string(status.Window),
				"retryAfter": status.RetryAfter.Seconds(),
			},
		}
	}

	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if !opts.SkipAuth {
		token, err := c.tokens.GetValidToken(ctx)
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + token
	}

	start := c.now()
	resp, relayErr := c.relay.Call(ctx, RelayRequest{
		Environment: string(c.cfg.Environment),
		Endpoint:    endpoint,
		Method:      opts.Method,
		Body:        opts.Body,
		Headers:     headers,
	})
	duration := c.now().Sub(start)

	// Consume-on-attempt: the call was dispatched, so it counts against
	// quota even if the relay reported a failure.
	c.limiter.Increment()

	if c.metrics != nil {
		c.metrics.RequestDuration.Observe(duration.Seconds())
	}

	entry := AuditEntry{
		ID:          requestID,
		Endpoint:    endpoint,
		Method:      opts.Method,
		RequestBody: marshalBody(opts.Body),
		DurationMs:  duration.Milliseconds(),
		Environment: string(c.cfg.Environment),
		CreatedAt:   c.now(),
	}

	if relayErr != nil {
		apiErr := classifyRelayError(relayErr)
		entry.Error = apiErr.Message
		c.writeAudit(ctx, entry)
		return nil, apiErr
	}

	entry.ResponseBody = resp.Data
	entry.StatusCode = resp.StatusCode
	c.writeAudit(ctx, entry)

	return &RequestResult{
		Data:       resp.Data,
		StatusCode: resp.StatusCode,
		RequestID:  requestID,
		Timestamp:  start,
		Duration:   duration,
	}, nil
}

// writeAudit records an entry best-effort. A failed write is logged and
// counted, never surfaced, so it cannot mask the real error.
func (c *Client) writeAudit(ctx context.Context, entry AuditEntry) {
	if c.audit == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}
	if entry.Environment == "" {
		entry.Environment = string(c.cfg.Environment)
	}
	if err := c.audit.Insert(ctx, entry); err != nil {
		if c.metrics != nil {
			c.metrics.AuditWriteFailures.Inc()
		}
		c.logger.Warn("audit log write failed",
			zap.String("endpoint", entry.Endpoint),
			zap.Error(err))
	}
}

// publishEvent sends a lifecycle event best-effort.
func (c *Client) publishEvent(ctx context.Context, topic, key string, payload interface{}) {
	if c.events == nil {
		return
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := c.events.Publish(ctx, topic, key, value); err != nil {
		c.logger.Warn("event publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	if c.metrics != nil {
		c.metrics.KafkaEventsProduced.Inc()
	}
}

func marshalBody(body interface{}) json.RawMessage {
	if body == nil {
		return nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return data
}
