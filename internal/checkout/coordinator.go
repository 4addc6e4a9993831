package checkout

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"checkout-service/internal/address"
	"checkout-service/internal/cart"
	"checkout-service/internal/resilience"
	"checkout-service/internal/settlement"
)

// BreakerAddress names the breaker around address validation.
const BreakerAddress = "address"

var (
	ErrBusy            = errors.New("checkout already in progress")
	ErrSubmitted       = errors.New("checkout already submitted")
	ErrSessionNotFound = errors.New("checkout session not found")
	ErrInvalidEvent    = errors.New("event not accepted in current state")
)

// IntentCreator creates the payment intent for a validated checkout.
type IntentCreator interface {
	CreateIntent(ctx context.Context, req settlement.IntentRequest) (*settlement.IntentResult, error)
}

// SubmitRequest is what the buyer submits at checkout.
type SubmitRequest struct {
	BuyerID        string          `json:"buyer_id"`
	BuyerEmail     string          `json:"buyer_email"`
	Items          []cart.Item     `json:"items"`
	Address        address.Address `json:"address"`
	IdempotencyKey string          `json:"-"`
}

// Session is a snapshot of one checkout session.
type Session struct {
	ID              string          `json:"id"`
	Machine         Machine         `json:"machine"`
	OrderID         string          `json:"order_id,omitempty"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	ClientSecret    string          `json:"client_secret,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Coordinator runs checkout sessions on the server: it performs the address
// and intent calls and feeds each outcome to the session's machine.
type Coordinator struct {
	validator address.Validator
	intents   IntentCreator
	breakers  *resilience.Registry
	catalog   cart.SourceOfTruth
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	carts    map[string]*cart.OptimisticUpdater
}

func NewCoordinator(validator address.Validator, intents IntentCreator, breakers *resilience.Registry, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig(""))
	}
	return &Coordinator{
		validator: validator,
		intents:   intents,
		breakers:  breakers,
		logger:    logger.With("component", "checkout"),
		now:       time.Now,
		sessions:  make(map[string]*Session),
		carts:     make(map[string]*cart.OptimisticUpdater),
	}
}

// WithCatalog enables session carts whose quantities are confirmed against src.
func (c *Coordinator) WithCatalog(src cart.SourceOfTruth) *Coordinator {
	c.catalog = src
	return c
}

// Session returns the current snapshot of id.
func (c *Coordinator) Session(id string) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// apply feeds evt to the session under the lock and returns the snapshot.
func (c *Coordinator) apply(id string, evt Event, update func(*Session)) Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[id]
	s.Machine = Transition(s.Machine, evt)
	if update != nil {
		update(s)
	}
	s.UpdatedAt = c.now().UTC()
	return *s
}

// Submit validates the address and creates the payment intent. A second
// submit while the first is running returns ErrBusy; a submit after the
// intent exists, or after a failed payment that was not reset, returns
// ErrSubmitted. Step failures return the session,
// back in idle with a buyer-facing error, together with the cause.
func (c *Coordinator) Submit(ctx context.Context, id string, req SubmitRequest) (Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		s = &Session{ID: id, Machine: New()}
		c.sessions[id] = s
	}
	if !CanSubmit(s.Machine.State) {
		state := s.Machine.State
		snap := *s
		c.mu.Unlock()
		if IsBusy(state) {
			return snap, ErrBusy
		}
		return snap, ErrSubmitted
	}
	s.Machine = Transition(s.Machine, Event{Type: EventSubmit})
	s.UpdatedAt = c.now().UTC()
	c.mu.Unlock()

	addr, err := resilience.Execute(ctx, c.breakers.Get(BreakerAddress), func(ctx context.Context) (address.Address, error) {
		addr, err := c.validator.Validate(ctx, req.Address)
		var aerr *address.Error
		if errors.As(err, &aerr) {
			// a bad address says nothing about the validator's health
			return addr, resilience.Permanent(err)
		}
		return addr, err
	})
	if err != nil {
		c.logger.InfoContext(ctx, "address rejected", "session_id", id, "error", err)
		return c.apply(id, Event{Type: EventAddressFail, Error: describe(err)}, nil), err
	}
	c.apply(id, Event{Type: EventAddressOK}, nil)

	res, err := c.intents.CreateIntent(ctx, settlement.IntentRequest{
		BuyerID:         req.BuyerID,
		BuyerEmail:      req.BuyerEmail,
		Items:           req.Items,
		ShippingAddress: &addr,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "payment intent failed", "session_id", id, "error", err)
		return c.apply(id, Event{Type: EventIntentFail, Error: describe(err)}, nil), err
	}

	return c.apply(id, Event{Type: EventIntentOK}, func(s *Session) {
		s.OrderID = res.OrderID
		s.PaymentIntentID = res.PaymentIntentID
		s.ClientSecret = res.ClientSecret
		s.Amount = res.Amount
	}), nil
}

// Complete records the outcome of the buyer confirming payment. A nil
// failure moves the session to success.
func (c *Coordinator) Complete(id string, failure error) (Session, error) {
	evt := Event{Type: EventPaymentOK}
	if failure != nil {
		evt = Event{Type: EventPaymentFail, Error: DescribePaymentFailure(failure)}
	}
	return c.fire(id, evt)
}

// CompleteByPaymentIntent completes the session waiting on paymentIntentID,
// if any. It reports whether a session matched.
func (c *Coordinator) CompleteByPaymentIntent(paymentIntentID string, failure error) (Session, bool) {
	c.mu.Lock()
	var id string
	for sid, s := range c.sessions {
		if s.PaymentIntentID == paymentIntentID && s.Machine.State == StatePaymentReady {
			id = sid
			break
		}
	}
	c.mu.Unlock()
	if id == "" {
		return Session{}, false
	}
	s, err := c.Complete(id, failure)
	return s, err == nil
}

// Reset returns a failed or payment-ready session to idle.
func (c *Coordinator) Reset(id string) (Session, error) {
	return c.fire(id, Event{Type: EventReset})
}

func (c *Coordinator) fire(id string, evt Event) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !Accepts(s.Machine, evt.Type) {
		return *s, ErrInvalidEvent
	}
	s.Machine = Transition(s.Machine, evt)
	s.UpdatedAt = c.now().UTC()
	return *s, nil
}

// Sweep forgets sessions idle since before cutoff that are not busy.
func (c *Coordinator) Sweep(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, s := range c.sessions {
		if !IsBusy(s.Machine.State) && s.UpdatedAt.Before(cutoff) {
			delete(c.sessions, id)
			delete(c.carts, id)
			n++
		}
	}
	return n
}

func describe(err error) string {
	var cartErr *settlement.CartError
	if errors.As(err, &cartErr) {
		return "Some items in your cart can't be purchased: " + strings.Join(cartErr.Result.Errors, "; ")
	}
	return DescribePaymentFailure(err)
}
