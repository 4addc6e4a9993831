// Package payment is the boundary to the payment processor: payment
// intents, transfers to connected seller accounts, account lookups and
// webhook verification.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Webhook event types the settlement core reacts to.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// IntentParams describes a payment intent. Destination and ApplicationFee
// are set for single-seller destination charges; TransferGroup is set when
// proceeds are split later by transfers.
type IntentParams struct {
	Amount         decimal.Decimal
	Currency       string
	Destination    string
	ApplicationFee decimal.Decimal
	TransferGroup  string
	ReceiptEmail   string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is a created payment intent.
type Intent struct {
	ID           string          `json:"id"`
	ClientSecret string          `json:"client_secret"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
}

// TransferParams moves part of a charge to a connected account.
type TransferParams struct {
	Amount            decimal.Decimal
	Currency          string
	Destination       string
	SourceTransaction string
	TransferGroup     string
	IdempotencyKey    string
	Metadata          map[string]string
}

// Transfer is a created transfer.
type Transfer struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
}

// Account is a connected seller account.
type Account struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
}

// Processor is the payment processor API used by settlement.
type Processor interface {
	CreatePaymentIntent(ctx context.Context, params IntentParams) (*Intent, error)
	CreateTransfer(ctx context.Context, params TransferParams) (*Transfer, error)
	RetrieveAccount(ctx context.Context, id string) (*Account, error)
}

// WebhookEvent is a verified processor notification about a payment intent.
type WebhookEvent struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	PaymentIntentID string            `json:"payment_intent_id"`
	ChargeID        string            `json:"charge_id,omitempty"`
	Amount          decimal.Decimal   `json:"amount"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	FailureCode     string            `json:"failure_code,omitempty"`
	FailureMessage  string            `json:"failure_message,omitempty"`
}

// WebhookVerifier authenticates and decodes a webhook body.
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

// ErrInvalidSignature is returned for webhook bodies that fail verification.
var ErrInvalidSignature = errors.New("payment: invalid webhook signature")

// Kind classifies processor errors.
type Kind string

const (
	KindCard           Kind = "card"
	KindInvalidRequest Kind = "invalid_request"
	KindAuth           Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindTransient      Kind = "transient"
)

// Error is a processor failure with the processor's codes preserved.
type Error struct {
	Kind        Kind
	Code        string
	DeclineCode string
	Message     string
	Status      int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment %s error (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("payment %s error: %s", e.Kind, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimit
}

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount to cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts cents to a major-unit amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
