package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects every call until the cooldown elapses
	StateOpen
	// StateHalfOpen lets a single probe call through
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen matches every CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned without invoking the wrapped function while
// the named circuit is open.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return "circuit:" + e.Name + ":open"
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsCircuitOpen reports whether err signals a fast-failed call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ErrorClassifier decides whether an error counts toward the failure threshold.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts dependency failures only. Cancellation by the
// caller and errors marked Permanent (validation, declines) are not the
// dependency's fault.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	return true
}

// BreakerConfig holds configuration for a circuit breaker
type BreakerConfig struct {
	// Name identifies the protected dependency ("payment", "email", "address")
	Name string

	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int

	// HalfOpenAfter is how long the circuit stays open before a probe is allowed
	HalfOpenAfter time.Duration

	// Classifier decides which errors count as failures
	Classifier ErrorClassifier

	// Metrics receives outcome and state change notifications
	Metrics MetricsCollector

	Logger *slog.Logger

	// Now is the clock; tests replace it
	Now func() time.Time
}

// DefaultBreakerConfig returns the production defaults: open after 5
// consecutive failures, probe after 10 seconds.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		HalfOpenAfter:    10 * time.Second,
		Classifier:       DefaultErrorClassifier,
		Metrics:          noopMetrics{},
		Logger:           slog.Default(),
		Now:              time.Now,
	}
}

// Breaker is a consecutive-failure circuit breaker for one dependency.
type Breaker struct {
	config BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a circuit breaker, filling unset fields with defaults.
func NewBreaker(config BreakerConfig) *Breaker {
	defaults := DefaultBreakerConfig(config.Name)
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.HalfOpenAfter <= 0 {
		config.HalfOpenAfter = defaults.HalfOpenAfter
	}
	if config.Classifier == nil {
		config.Classifier = defaults.Classifier
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	return &Breaker{config: config, state: StateClosed}
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.config.Name
}

// State returns the current state. An open circuit whose cooldown has elapsed
// is still reported as open until the next call probes it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs fn if the circuit allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// Execute runs fn through the breaker and returns its value.
func Execute[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.probing = false
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.config.Now().Sub(b.openedAt) < b.config.HalfOpenAfter {
			b.config.Metrics.RecordRejection(b.config.Name)
			return &CircuitOpenError{Name: b.config.Name}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	default:
		// half-open: only one probe at a time
		if b.probing {
			b.config.Metrics.RecordRejection(b.config.Name)
			return &CircuitOpenError{Name: b.config.Name}
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counted := b.config.Classifier(err)
	if err != nil && !counted {
		// neutral outcome; a probe slot is released without deciding
		b.probing = false
		return
	}

	if err == nil {
		b.config.Metrics.RecordSuccess(b.config.Name)
		b.failures = 0
		if b.state == StateHalfOpen {
			b.probing = false
			b.transition(StateClosed)
		}
		return
	}

	b.config.Metrics.RecordFailure(b.config.Name)
	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		b.open()
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.openedAt = b.config.Now()
	b.transition(StateOpen)
	b.config.Logger.Warn("circuit opened",
		"circuit", b.config.Name,
		"failures", b.failures,
		"half_open_after", b.config.HalfOpenAfter.String())
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.config.Metrics.RecordStateChange(b.config.Name, from.String(), to.String())
	if to == StateClosed {
		b.config.Logger.Info("circuit closed", "circuit", b.config.Name)
	}
}
