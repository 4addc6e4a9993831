// Package settlement creates split payment intents for multi-seller carts
// and, once the processor confirms payment, turns the confirmation into
// exactly one set of fulfilment side effects recorded in the outbox.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"checkout-service/internal/address"
	"checkout-service/internal/cart"
	"checkout-service/internal/catalog"
	"checkout-service/internal/email"
	"checkout-service/internal/idempotency"
	"checkout-service/internal/order"
	"checkout-service/internal/outbox"
	"checkout-service/internal/payment"
	"checkout-service/internal/resilience"
)

// Breaker names.
const (
	BreakerPayment = "payment"
	BreakerEmail   = "email"
)

// CartError is a cart that failed validation. It is never retried.
type CartError struct {
	Result cart.ValidationResult
}

func (e *CartError) Error() string {
	return "invalid cart: " + strings.Join(e.Result.Errors, "; ")
}

// Config tunes the orchestrator.
type Config struct {
	Currency       string
	IdempotencyTTL time.Duration
	Retry          resilience.Policy
	// BaseURL prefixes links in outgoing emails
	BaseURL string
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Orders      *order.Service
	Outbox      outbox.Store
	Idempotency idempotency.Store
	Processor   payment.Processor
	Catalog     catalog.Repository
	Mailer      email.Sender
	Breakers    *resilience.Registry
	Logger      *slog.Logger
}

// Orchestrator coordinates intents, settlement and shipment confirmation.
type Orchestrator struct {
	orders    *order.Service
	outbox    outbox.Store
	idem      idempotency.Store
	processor payment.Processor
	catalog   catalog.Repository
	mailer    email.Sender
	breakers  *resilience.Registry
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = idempotency.DefaultTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultBreakerConfig(""))
	}
	return &Orchestrator{
		orders:    deps.Orders,
		outbox:    deps.Outbox,
		idem:      deps.Idempotency,
		processor: deps.Processor,
		catalog:   deps.Catalog,
		mailer:    deps.Mailer,
		breakers:  breakers,
		cfg:       cfg,
		logger:    logger.With("component", "settlement"),
		tracer:    otel.Tracer("checkout-service/settlement"),
	}
}

// IntentRequest asks for a payment intent covering the whole cart.
type IntentRequest struct {
	BuyerID         string           `json:"buyer_id"`
	BuyerEmail      string           `json:"buyer_email"`
	Items           []cart.Item      `json:"items"`
	ShippingAddress *address.Address `json:"shipping_address,omitempty"`
	// IdempotencyKey overrides the key derived from buyer and cart
	IdempotencyKey string `json:"-"`
}

// IntentResult is returned to the client to confirm payment.
type IntentResult struct {
	OrderID         string               `json:"order_id"`
	PaymentIntentID string               `json:"payment_intent_id"`
	ClientSecret    string               `json:"client_secret"`
	Amount          decimal.Decimal      `json:"amount"`
	Currency        string               `json:"currency"`
	Payments        []cart.SellerPayment `json:"payments"`
	Replayed        bool                 `json:"replayed,omitempty"`
}

// IntentKey is the idempotency key used for req.
func IntentKey(req IntentRequest) string {
	if req.IdempotencyKey != "" {
		return req.IdempotencyKey
	}
	return idempotency.DeriveKey("intent", req.BuyerID, cart.Fingerprint(req.Items))
}

// CreateIntent validates the cart and, at most once per idempotency key,
// creates the processor intent and the pending order that snapshots the cart
// it charges. A single seller with an enabled connected account is paid by
// destination charge; otherwise sellers are paid by transfers after
// settlement.
func (o *Orchestrator) CreateIntent(ctx context.Context, req IntentRequest) (*IntentResult, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.create_intent", trace.WithAttributes(
		attribute.String("buyer.id", req.BuyerID),
		attribute.Int("cart.items", len(req.Items)),
	))
	defer span.End()

	if req.BuyerID == "" {
		return nil, errors.New("buyer id is required")
	}
	if res := cart.ValidateMultiSellerCart(req.Items); !res.Valid {
		return nil, &CartError{Result: res}
	}

	key := IntentKey(req)
	res, replayed, err := idempotency.Do(ctx, o.idem, key, o.cfg.IdempotencyTTL, func(ctx context.Context) (IntentResult, error) {
		return o.createIntent(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res.Replayed = replayed
	return &res, nil
}

func (o *Orchestrator) createIntent(ctx context.Context, req IntentRequest) (IntentResult, error) {
	multi := cart.BuildMultiSellerCart(req.Items)
	payments := cart.CalculateSellerPayments(multi)
	// a fresh order per committed intent; a released key never inherits
	// the order of an earlier attempt
	orderID := uuid.NewString()

	params := payment.IntentParams{
		Amount:       multi.Total,
		Currency:     o.cfg.Currency,
		ReceiptEmail: req.BuyerEmail,
		Metadata: map[string]string{
			"order_id": orderID,
			"buyer_id": req.BuyerID,
			"sellers":  fmt.Sprint(multi.SellerCount()),
		},
		// retries of this call replay the same intent
		IdempotencyKey: orderID,
	}
	params.TransferGroup = orderID
	if len(payments) == 1 && payments[0].StripeAccountID != "" {
		acctID := payments[0].StripeAccountID
		enabled, err := o.accountEnabled(ctx, acctID)
		if err != nil {
			return IntentResult{}, err
		}
		if enabled {
			params.Destination = acctID
			params.ApplicationFee = payments[0].PlatformFee
			params.TransferGroup = ""
		} else {
			o.logger.WarnContext(ctx, "seller account cannot accept charges, paying by transfer",
				"order_id", orderID, "seller_id", payments[0].SellerID, "account_id", acctID)
		}
	}

	intent, err := resilience.Call(ctx, o.breakers.Get(BreakerPayment), o.cfg.Retry, func(ctx context.Context) (*payment.Intent, error) {
		return o.processor.CreatePaymentIntent(ctx, params)
	})
	if err != nil {
		return IntentResult{}, err
	}

	ord := &order.Order{
		ID:                 orderID,
		BuyerID:            req.BuyerID,
		BuyerEmail:         req.BuyerEmail,
		Items:              order.NewItems(req.Items),
		Payments:           payments,
		Total:              multi.Total,
		Currency:           o.cfg.Currency,
		PaymentID:          intent.ID,
		ShippingAddress:    req.ShippingAddress,
		DestinationAccount: params.Destination,
	}
	if err := o.orders.Create(ctx, ord); err != nil {
		return IntentResult{}, fmt.Errorf("failed to create order: %w", err)
	}

	o.logger.InfoContext(ctx, "payment intent created",
		"order_id", orderID, "payment_intent_id", intent.ID,
		"amount", multi.Total.StringFixed(2), "sellers", multi.SellerCount(),
		"destination", params.Destination)

	return IntentResult{
		OrderID:         orderID,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          multi.Total,
		Currency:        o.cfg.Currency,
		Payments:        payments,
	}, nil
}

// accountEnabled reports whether a connected account can receive funds. An
// account the processor does not know is reported as not enabled.
func (o *Orchestrator) accountEnabled(ctx context.Context, id string) (bool, error) {
	acct, err := resilience.Call(ctx, o.breakers.Get(BreakerPayment), o.cfg.Retry, func(ctx context.Context) (*payment.Account, error) {
		return o.processor.RetrieveAccount(ctx, id)
	})
	var payErr *payment.Error
	if errors.As(err, &payErr) && payErr.Kind == payment.KindInvalidRequest {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to retrieve account %s: %w", id, err)
	}
	return acct.ChargesEnabled, nil
}

// Breakers exposes the breaker registry for status reporting.
func (o *Orchestrator) Breakers() *resilience.Registry {
	return o.breakers
}
