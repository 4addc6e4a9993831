package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler delivers one event. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, evt Event) error

// DrainerConfig configures the background drainer. Each pass makes exactly
// one delivery attempt per claimed event; handlers that talk to flaky
// dependencies retry at their own call sites.
type DrainerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// DefaultDrainerConfig drains up to 10 events per second.
func DefaultDrainerConfig() DrainerConfig {
	return DrainerConfig{
		BatchSize:    10,
		PollInterval: time.Second,
		Logger:       slog.Default(),
	}
}

// Stats summarises one drain pass.
type Stats struct {
	Fetched      int `json:"fetched"`
	Processed    int `json:"processed"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Drainer delivers outbox events to the handler registered for their type.
type Drainer struct {
	store  Store
	config DrainerConfig
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDrainer creates a drainer over store.
func NewDrainer(store Store, config DrainerConfig) *Drainer {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		store:    store,
		config:   config,
		logger:   logger.With("component", "outbox-drainer"),
		tracer:   otel.Tracer("checkout-service/outbox"),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to an event type, replacing any previous one.
func (d *Drainer) Register(eventType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

func (d *Drainer) handler(eventType string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

// Run drains on every tick until ctx is done.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.logger.Info("outbox drainer started", "poll_interval", d.config.PollInterval.String(), "batch_size", d.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox drainer stopped")
			return
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce claims one batch and delivers each event. A failing event never
// stops the pass.
func (d *Drainer) DrainOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	events, err := d.store.FetchOldest(ctx, d.config.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch outbox events: %w", err)
	}
	stats.Fetched = len(events)
	if len(events) == 0 {
		return stats, nil
	}

	d.logger.Debug("processing outbox batch", "events", len(events))
	for _, evt := range events {
		if ctx.Err() != nil {
			break
		}
		d.deliver(ctx, evt, &stats)
	}
	return stats, nil
}

// ProcessByID claims and delivers a single unprocessed event now. A missing
// or processed id yields empty stats; an event held by a running drain pass
// yields ErrClaimed.
func (d *Drainer) ProcessByID(ctx context.Context, id string) (Stats, error) {
	var stats Stats

	evt, err := d.store.Claim(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return stats, nil
	}
	if err != nil {
		return stats, err
	}
	stats.Fetched = 1
	d.deliver(ctx, *evt, &stats)
	return stats, nil
}

func (d *Drainer) deliver(ctx context.Context, evt Event, stats *Stats) {
	ctx, span := d.tracer.Start(ctx, "outbox.deliver", trace.WithAttributes(
		attribute.String("outbox.event_id", evt.ID),
		attribute.String("outbox.event_type", evt.Type),
		attribute.Int("outbox.attempts", evt.Attempts),
	))
	defer span.End()

	logger := d.logger.With("event_id", evt.ID, "event_type", evt.Type)

	err := d.invoke(ctx, evt)
	if err == nil {
		if markErr := d.store.MarkProcessed(ctx, evt.ID); markErr != nil {
			// delivered but not marked: the event is redelivered later
			logger.Error("failed to mark event processed", "error", markErr)
			span.RecordError(markErr)
			return
		}
		stats.Processed++
		span.SetStatus(codes.Ok, "")
		logger.Info("outbox event processed")
		return
	}

	stats.Failed++
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	moved, incErr := d.store.IncAttemptsOrMoveToDLQ(ctx, evt.ID, err.Error())
	if incErr != nil {
		logger.Error("failed to record outbox failure", "error", incErr, "reason", err.Error())
		return
	}
	if moved {
		stats.DeadLettered++
		logger.Warn("outbox event moved to dlq", "attempts", evt.Attempts+1, "reason", err.Error())
		return
	}
	logger.Warn("outbox event failed", "attempts", evt.Attempts+1, "error", err)
}

func (d *Drainer) invoke(ctx context.Context, evt Event) error {
	h, ok := d.handler(evt.Type)
	if !ok {
		return fmt.Errorf("no handler for %s", evt.Type)
	}
	return safeCall(ctx, h, evt)
}

func safeCall(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			slog.Error("outbox handler panicked", "event_id", evt.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return h(ctx, evt)
}
