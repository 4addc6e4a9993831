package order

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Service applies status and fulfilment changes to orders. Every status
// change appends to the timeline.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger.With("component", "orders"), now: time.Now}
}

// WithClock replaces the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Repository returns the underlying store.
func (s *Service) Repository() Repository {
	return s.repo
}

// Create stamps and stores a new pending order.
func (s *Service) Create(ctx context.Context, o *Order) error {
	now := s.now().UTC()
	o.Status = StatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Timeline = nil
	if err := o.Timeline.Append(StatusPending, "order created", "system", now); err != nil {
		return err
	}
	return s.repo.Create(ctx, o)
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByPaymentID(ctx context.Context, paymentID string) (*Order, error) {
	return s.repo.GetByPaymentID(ctx, paymentID)
}

func (s *Service) ListByBuyer(ctx context.Context, buyerID string) ([]*Order, error) {
	return s.repo.ListByBuyer(ctx, buyerID)
}

// UpdateStatus sets any valid status. No transition table is enforced.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status, note, actor string) (*Order, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	return s.repo.Update(ctx, id, func(o *Order) error {
		now := s.now().UTC()
		if err := o.Timeline.Append(status, note, actor, now); err != nil {
			return err
		}
		o.Status = status
		o.UpdatedAt = now
		return nil
	})
}

// SetStatus is UpdateStatus on behalf of a seller, who must own at least one
// item in the order.
func (s *Service) SetStatus(ctx context.Context, id, sellerID, status, note string) (*Order, error) {
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.HasSeller(sellerID) {
		return nil, ErrForbidden
	}
	return s.UpdateStatus(ctx, id, st, note, "seller:"+sellerID)
}

// SetPaymentID attaches the processor payment id.
func (s *Service) SetPaymentID(ctx context.Context, id, paymentID string) (*Order, error) {
	return s.repo.Update(ctx, id, func(o *Order) error {
		o.PaymentID = paymentID
		o.UpdatedAt = s.now().UTC()
		return nil
	})
}

// Confirm moves a pending order to confirmed. It reports whether the order
// changed; confirming twice is a no-op.
func (s *Service) Confirm(ctx context.Context, id, paymentID string) (*Order, bool, error) {
	changed := false
	o, err := s.repo.Update(ctx, id, func(o *Order) error {
		if o.Status != StatusPending {
			return nil
		}
		now := s.now().UTC()
		if err := o.Timeline.Append(StatusConfirmed, "payment "+paymentID+" succeeded", "system", now); err != nil {
			return err
		}
		o.Status = StatusConfirmed
		if o.PaymentID == "" {
			o.PaymentID = paymentID
		}
		o.UpdatedAt = now
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.logger.InfoContext(ctx, "order confirmed", "order_id", id, "payment_id", paymentID)
	}
	return o, changed, nil
}

// AddNote appends a timeline entry without changing the status.
func (s *Service) AddNote(ctx context.Context, id, note, actor string) (*Order, error) {
	return s.repo.Update(ctx, id, func(o *Order) error {
		now := s.now().UTC()
		o.UpdatedAt = now
		return o.Timeline.Append(o.Status, note, actor, now)
	})
}

// MarkSettled stamps the order as settled. It reports false when the order
// was already settled.
func (s *Service) MarkSettled(ctx context.Context, id string) (bool, error) {
	marked := false
	_, err := s.repo.Update(ctx, id, func(o *Order) error {
		if o.SettledAt != nil {
			return nil
		}
		now := s.now().UTC()
		o.SettledAt = &now
		o.UpdatedAt = now
		marked = true
		return nil
	})
	return marked, err
}

// MarkEffect records that the side effect named key was applied. It reports
// false when it had already been recorded.
func (s *Service) MarkEffect(ctx context.Context, id, key string) (bool, error) {
	marked := false
	_, err := s.repo.Update(ctx, id, func(o *Order) error {
		if o.EffectApplied(key) {
			return nil
		}
		if o.Effects == nil {
			o.Effects = make(map[string]time.Time)
		}
		now := s.now().UTC()
		o.Effects[key] = now
		o.UpdatedAt = now
		marked = true
		return nil
	})
	return marked, err
}

// MarkShipped marks every item of sellerID as shipped with tracking. When
// all items have shipped the order moves to shipped. It reports whether
// anything changed. A pending order is refused with ErrNotPaid until its
// payment confirmation has been applied.
func (s *Service) MarkShipped(ctx context.Context, id, sellerID, tracking string) (*Order, bool, error) {
	changed := false
	o, err := s.repo.Update(ctx, id, func(o *Order) error {
		if !o.HasSeller(sellerID) {
			return ErrForbidden
		}
		switch o.Status {
		case StatusPending:
			return ErrNotPaid
		case StatusCancelled, StatusRefunded:
			return fmt.Errorf("%w: cannot ship a %s order", ErrInvalidStatus, o.Status)
		}
		now := s.now().UTC()
		for i := range o.Items {
			it := &o.Items[i]
			if it.Seller.ID != sellerID || it.ShippingStatus == ShippingShipped {
				continue
			}
			it.ShippingStatus = ShippingShipped
			it.TrackingNumber = tracking
			it.ShippedAt = &now
			changed = true
		}
		if !changed {
			return nil
		}

		o.TrackingNumber = tracking
		o.UpdatedAt = now
		note := "seller " + sellerID + " shipped"
		if tracking != "" {
			note += " (tracking " + tracking + ")"
		}
		status := StatusProcessing
		if o.AllShipped() {
			status = StatusShipped
		}
		o.Status = status
		return o.Timeline.Append(status, note, "seller:"+sellerID, now)
	})
	if err != nil {
		return nil, false, err
	}
	return o, changed, nil
}

// RecordLedger stores the ledger entry of a seller once. A second entry for
// the same seller is ignored and the first is kept.
func (s *Service) RecordLedger(ctx context.Context, id string, entry LedgerEntry) (*Order, bool, error) {
	added := false
	o, err := s.repo.Update(ctx, id, func(o *Order) error {
		if _, ok := o.LedgerFor(entry.SellerID); ok {
			return nil
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = s.now().UTC()
		}
		o.Ledger = append(o.Ledger, entry)
		o.UpdatedAt = entry.CreatedAt
		added = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return o, added, nil
}
