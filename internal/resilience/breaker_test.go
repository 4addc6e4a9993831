package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	rejections  int
}

func (m *recordingMetrics) RecordSuccess(string) {}
func (m *recordingMetrics) RecordFailure(string) {}
func (m *recordingMetrics) RecordStateChange(_ string, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, from+"->"+to)
}
func (m *recordingMetrics) RecordRejection(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections++
}

var errBoom = errors.New("boom")

func newTestBreaker(clock *fakeClock, metrics MetricsCollector) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:             "payment",
		FailureThreshold: 3,
		HalfOpenAfter:    10 * time.Second,
		Now:              clock.Now,
		Metrics:          metrics,
	})
}

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errBoom
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, failing(&calls))
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, calls)

	err := b.Execute(ctx, failing(&calls))
	require.Error(t, err)
	assert.Equal(t, "circuit:payment:open", err.Error())
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, 3, calls, "wrapped function must not run while open")
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	ctx := context.Background()

	calls := 0
	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, 0, b.Failures())

	_ = b.Execute(ctx, failing(&calls))
	_ = b.Execute(ctx, failing(&calls))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	clock := newFakeClock()
	metrics := &recordingMetrics{}
	b := newTestBreaker(clock, metrics)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}

	clock.Advance(9 * time.Second)
	err := b.Execute(ctx, failing(&calls))
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, 3, calls)

	clock.Advance(time.Second)
	probes := 0
	err = b.Execute(ctx, func(context.Context) error {
		probes++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, probes)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, metrics.transitions)
	assert.Equal(t, 1, metrics.rejections)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	clock.Advance(10 * time.Second)

	err := b.Execute(ctx, failing(&calls))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	// cooldown restarts from the failed probe
	clock.Advance(5 * time.Second)
	err = b.Execute(ctx, failing(&calls))
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, 4, calls)
}

func TestBreakerSingleProbeInHalfOpen(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Execute(ctx, func(context.Context) error {
		t.Error("second call must not run while the probe is in flight")
		return nil
	})
	assert.True(t, IsCircuitOpen(err))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(context.Context) error {
			return Permanent(errors.New("card declined"))
		})
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestExecuteGeneric(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "address"})
	got, err := Execute(context.Background(), b, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(BreakerConfig{FailureThreshold: 2})
	a := r.Get("email")
	assert.Same(t, a, r.Get("email"))
	assert.NotSame(t, a, r.Get("payment"))
	assert.Equal(t, "email", a.Name())
	assert.Equal(t, map[string]string{"email": "closed", "payment": "closed"}, r.States())
}
