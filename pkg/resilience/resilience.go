// Package resilience guards calls to flaky external services with bounded
// retries and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"secureconnect-calls/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes a Breaker
type Config struct {
	// MaxAttempts per Execute, including the first
	MaxAttempts int
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// Cooldown is how long the circuit stays open before one trial request
	Cooldown time.Duration
	// Backoff between attempts grows linearly up to MaxBackoff
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultConfig suits latency-sensitive calls: one retry, quick to trip
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      2,
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		Backoff:          100 * time.Millisecond,
		MaxBackoff:       time.Second,
	}
}

type breakerMetrics struct {
	requestsTotal *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	state         *prometheus.GaugeVec
}

var (
	metricsInstance *breakerMetrics
	metricsOnce     sync.Once
)

func sharedMetrics() *breakerMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &breakerMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resilience_requests_total",
					Help: "Total number of guarded requests",
				},
				[]string{"breaker", "operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resilience_errors_total",
					Help: "Total number of guarded request errors",
				},
				[]string{"breaker", "operation", "error_type"},
			),
			state: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "resilience_circuit_breaker_state",
					Help: "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
				},
				[]string{"breaker"},
			),
		}
		prometheus.MustRegister(metricsInstance.requestsTotal)
		prometheus.MustRegister(metricsInstance.errorsTotal)
		prometheus.MustRegister(metricsInstance.state)
	})
	return metricsInstance
}

// Breaker wraps operations against one dependency
type Breaker struct {
	name    string
	cfg     Config
	metrics *breakerMetrics
	now     func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

// NewBreaker creates a closed breaker. Zero fields of cfg take DefaultConfig values.
func NewBreaker(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	return &Breaker{
		name:    name,
		cfg:     cfg,
		metrics: sharedMetrics(),
		now:     time.Now,
		state:   CircuitBreakerClosed,
	}
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn with retries while the circuit admits it
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if !b.admit() {
			b.metrics.requestsTotal.WithLabelValues(b.name, operation, "circuit_open").Inc()
			if lastErr != nil {
				return lastErr
			}
			return ErrCircuitOpen
		}

		if attempt > 1 {
			logger.Warn("Retrying guarded operation",
				zap.String("breaker", b.name),
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		err := fn(ctx)
		if err == nil {
			b.onSuccess()
			b.metrics.requestsTotal.WithLabelValues(b.name, operation, "success").Inc()
			return nil
		}
		lastErr = err
		b.onFailure(operation)
		b.metrics.errorsTotal.WithLabelValues(b.name, operation, classifyError(err)).Inc()
		b.metrics.requestsTotal.WithLabelValues(b.name, operation, "failure").Inc()

		if attempt == b.cfg.MaxAttempts {
			break
		}
		backoff := time.Duration(attempt) * b.cfg.Backoff
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

// admit reports whether a request may go out. After the cooldown an open
// circuit lets a single trial through.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setState(CircuitBreakerHalfOpen)
		b.trialInFlight = true
		logger.Warn("Circuit breaker half-open, allowing trial request",
			zap.String("breaker", b.name))
		return true
	case CircuitBreakerHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.trialInFlight = false
	if b.state != CircuitBreakerClosed {
		logger.Info("Circuit breaker closed", zap.String("breaker", b.name))
		b.setState(CircuitBreakerClosed)
	}
}

func (b *Breaker) onFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.trialInFlight = false
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker open",
				zap.String("breaker", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures))
		}
		b.openedAt = b.now()
		b.setState(CircuitBreakerOpen)
	}
}

func (b *Breaker) setState(s CircuitBreakerState) {
	b.state = s
	var v float64
	switch s {
	case CircuitBreakerHalfOpen:
		v = 1
	case CircuitBreakerOpen:
		v = 2
	}
	b.metrics.state.WithLabelValues(b.name).Set(v)
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "unauthenticated"):
		return "permission"
	default:
		return "unknown"
	}
}
