package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDrainer(store Store) *Drainer {
	return NewDrainer(store, DrainerConfig{
		BatchSize:    10,
		PollInterval: 10 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestDrainOnceProcessesAndMarks(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	d := newTestDrainer(store)

	var got []string
	d.Register("email.buyer", func(ctx context.Context, evt Event) error {
		var p struct {
			OrderID string `json:"order_id"`
		}
		require.NoError(t, json.Unmarshal(evt.Payload, &p))
		got = append(got, p.OrderID)
		return nil
	})

	for _, o := range []string{"o1", "o2"} {
		_, err := store.Enqueue(ctx, "email.buyer", json.RawMessage(fmt.Sprintf(`{"order_id":%q}`, o)), "")
		require.NoError(t, err)
	}

	stats, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 2, Processed: 2}, stats)
	assert.Equal(t, []string{"o1", "o2"}, got)

	pending, _ := store.ListPending(ctx, 0)
	assert.Empty(t, pending)
}

func TestDrainOnceContinuesPastFailures(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	d := newTestDrainer(store)

	d.Register("bad", func(context.Context, Event) error { return errors.New("smtp 451") })
	d.Register("panics", func(context.Context, Event) error { panic("nil map") })
	d.Register("good", func(context.Context, Event) error { return nil })

	badID, _ := store.Enqueue(ctx, "bad", nil, "")
	panicID, _ := store.Enqueue(ctx, "panics", nil, "")
	unknownID, _ := store.Enqueue(ctx, "mystery", nil, "")
	_, _ = store.Enqueue(ctx, "good", nil, "")

	stats, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 4, Processed: 1, Failed: 3}, stats)

	bad, _ := store.Get(ctx, badID)
	assert.Equal(t, 1, bad.Attempts)
	assert.Equal(t, "smtp 451", bad.LastError)

	p, _ := store.Get(ctx, panicID)
	assert.Equal(t, 1, p.Attempts)
	assert.Contains(t, p.LastError, "handler panic")

	u, _ := store.Get(ctx, unknownID)
	assert.Equal(t, "no handler for mystery", u.LastError)
}

func TestDrainerDeadLettersAfterBudget(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	d := newTestDrainer(store)

	calls := 0
	d.Register("ledger.transfer", func(context.Context, Event) error {
		calls++
		return fmt.Errorf("processor unavailable (%d)", calls)
	})
	id, _ := store.Enqueue(ctx, "ledger.transfer", json.RawMessage(`{}`), "o1:ledger.transfer:s1")

	var total Stats
	for i := 0; i < DefaultMaxAttempts; i++ {
		stats, err := d.DrainOnce(ctx)
		require.NoError(t, err)
		total.Failed += stats.Failed
		total.DeadLettered += stats.DeadLettered
	}
	assert.Equal(t, DefaultMaxAttempts, calls)
	assert.Equal(t, DefaultMaxAttempts, total.Failed)
	assert.Equal(t, 1, total.DeadLettered)

	_, err := store.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	docs, _ := store.ListDLQ(ctx, 0)
	require.Len(t, docs, 1)
	assert.Equal(t, "processor unavailable (5)", docs[0].Reason)

	// nothing left to drain
	stats, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestDrainerMakesOneAttemptPerPass(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	d := newTestDrainer(store)

	calls := 0
	d.Register("flaky", func(context.Context, Event) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	})
	id, _ := store.Enqueue(ctx, "flaky", nil, "")

	for pass, want := range []Stats{
		{Fetched: 1, Failed: 1},
		{Fetched: 1, Failed: 1},
		{Fetched: 1, Processed: 1},
	} {
		stats, err := d.DrainOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, stats, "pass %d", pass+1)
		assert.Equal(t, pass+1, calls)
	}

	evt, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, evt.Attempts)
	assert.True(t, evt.Processed())
}

func TestProcessByID(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	d := newTestDrainer(store)
	d.Register("t", func(context.Context, Event) error { return nil })

	stats, err := d.ProcessByID(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	id, _ := store.Enqueue(ctx, "t", nil, "")
	stats, err = d.ProcessByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 1, Processed: 1}, stats)

	// already processed
	stats, err = d.ProcessByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestProcessByIDSkipsEventHeldByDrainPass(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	d := newTestDrainer(store)

	var id string
	var nested Stats
	var nestedErr error
	calls := 0
	d.Register("email.buyer", func(ctx context.Context, evt Event) error {
		calls++
		// a manual retry lands while the drain pass is delivering
		nested, nestedErr = d.ProcessByID(ctx, id)
		return nil
	})
	id, _ = store.Enqueue(ctx, "email.buyer", nil, "")

	stats, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 1, Processed: 1}, stats)
	assert.ErrorIs(t, nestedErr, ErrClaimed)
	assert.Equal(t, Stats{}, nested)
	assert.Equal(t, 1, calls)
}

func TestFailedDeliveryReleasesClaim(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	d := newTestDrainer(store)

	fail := true
	d.Register("t", func(context.Context, Event) error {
		if fail {
			return errors.New("smtp 451")
		}
		return nil
	})
	id, _ := store.Enqueue(ctx, "t", nil, "")

	stats, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	fail = false
	stats, err = d.ProcessByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 1, Processed: 1}, stats)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := NewMemoryStore(0)
	d := newTestDrainer(store)

	done := make(chan struct{})
	d.Register("t", func(context.Context, Event) error {
		close(done)
		return nil
	})
	_, _ = store.Enqueue(context.Background(), "t", nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not drained")
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
