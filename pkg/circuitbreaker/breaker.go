// Package circuitbreaker guards outbound relay endpoints. Wraps
// sony/gobreaker with OpenTelemetry instrumentation and defaults tuned for
// clearinghouse traffic.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the breaker state as exposed to health checks.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config controls when a breaker trips and recovers.
type Config struct {
	Name string
	// MaxRequests is how many probes are allowed while half-open
	MaxRequests uint32
	// Interval is the count-reset period while closed
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	// FailureThreshold is consecutive failures before tripping on low traffic
	FailureThreshold uint32
	// FailureRatio trips the breaker once MinRequests have been seen
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig returns defaults tuned for clearinghouse endpoints: the
// upstream throttles aggressively, so the breaker trips early and probes
// cautiously.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      2,
		Interval:         60 * time.Second,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      8,
	}
}

// CircuitBreaker wraps one gobreaker instance with tracing, metrics, and
// logging.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	requestCounter  metric.Int64Counter
	failureCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New creates a breaker from the given config.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	cb.requestCounter, _ = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through the breaker"))
	cb.failureCounter, _ = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Total failed requests"))
	cb.rejectedCounter, _ = meter.Int64Counter("circuit_breaker_rejections_total",
		metric.WithDescription("Total requests rejected while open"))

	cb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.onStateChange(from, to)
		},
	})

	return cb
}

// Execute runs fn through the breaker, recording the attempt on the trace.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	_, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	nameAttr := metric.WithAttributes(attribute.String("name", c.name))
	c.requestCounter.Add(ctx, 1, nameAttr)

	result, err := c.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			span.SetAttributes(attribute.Bool("circuit_open", true))
			c.rejectedCounter.Add(ctx, 1, nameAttr)
		} else {
			c.failureCounter.Add(ctx, 1, nameAttr)
		}
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// GetState returns the breaker's current state.
func (c *CircuitBreaker) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsOpen reports whether calls are currently being rejected.
func (c *CircuitBreaker) IsOpen() bool {
	return c.GetState() == StateOpen
}

// Counts exposes the underlying request counters.
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	c.mu.Lock()
	c.state = mapState(to)
	c.mu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(mapState(to))))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Manager holds one breaker per relay endpoint.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker for name, creating it on first use.
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.RLock()
	if cb, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return cb, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}

	cfg.Name = name
	cb := New(cfg, m.logger)
	m.breakers[name] = cb
	return cb, nil
}

// EndpointHealth summarizes one breaker for the health endpoint.
type EndpointHealth struct {
	Endpoint string `json:"endpoint"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Health reports the state of every tracked endpoint.
func (m *Manager) Health() []EndpointHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]EndpointHealth, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		out = append(out, EndpointHealth{
			Endpoint: name,
			State:    cb.GetState(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  !cb.IsOpen(),
		})
	}
	return out
}
