package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"checkout-service/internal/resilience"
)

// StripeProcessor talks to Stripe Connect. Errors the same request cannot
// fix are returned wrapped in resilience.Permanent.
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
}

func NewStripeProcessor(secretKey, webhookSecret string) *StripeProcessor {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProcessor{api: api, webhookSecret: webhookSecret}
}

func (p *StripeProcessor) CreatePaymentIntent(ctx context.Context, in IntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ToMinorUnits(in.Amount)),
		Currency: stripe.String(strings.ToLower(in.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if in.Destination != "" {
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(in.Destination),
		}
		params.ApplicationFeeAmount = stripe.Int64(ToMinorUnits(in.ApplicationFee))
	}
	if in.TransferGroup != "" {
		params.TransferGroup = stripe.String(in.TransferGroup)
	}
	if in.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(in.ReceiptEmail)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       FromMinorUnits(pi.Amount),
	}, nil
}

func (p *StripeProcessor) CreateTransfer(ctx context.Context, in TransferParams) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(ToMinorUnits(in.Amount)),
		Currency:    stripe.String(strings.ToLower(in.Currency)),
		Destination: stripe.String(in.Destination),
	}
	params.Context = ctx
	if in.SourceTransaction != "" {
		params.SourceTransaction = stripe.String(in.SourceTransaction)
	}
	if in.TransferGroup != "" {
		params.TransferGroup = stripe.String(in.TransferGroup)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	tr, err := p.api.Transfers.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	dest := in.Destination
	if tr.Destination != nil {
		dest = tr.Destination.ID
	}
	return &Transfer{ID: tr.ID, Amount: FromMinorUnits(tr.Amount), Destination: dest}, nil
}

func (p *StripeProcessor) RetrieveAccount(ctx context.Context, id string) (*Account, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := p.api.Accounts.GetByID(id, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return &Account{
		ID:               acct.ID,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
	}, nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes payment
// intent events. Other event types are returned with only ID and Type set.
func (p *StripeProcessor) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &WebhookEvent{ID: evt.ID, Type: string(evt.Type)}
	if !strings.HasPrefix(out.Type, "payment_intent.") || evt.Data == nil {
		return out, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("failed to decode payment intent: %w", err)
	}
	out.PaymentIntentID = pi.ID
	out.Amount = FromMinorUnits(pi.Amount)
	out.Metadata = pi.Metadata
	if pi.LatestCharge != nil {
		out.ChargeID = pi.LatestCharge.ID
	}
	if pi.LastPaymentError != nil {
		out.FailureCode = string(pi.LastPaymentError.Code)
		if pi.LastPaymentError.DeclineCode != "" {
			out.FailureCode = string(pi.LastPaymentError.DeclineCode)
		}
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out, nil
}

func mapStripeError(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		// network failure before a response
		return &Error{Kind: KindTransient, Message: err.Error()}
	}

	out := &Error{
		Code:        string(serr.Code),
		DeclineCode: string(serr.DeclineCode),
		Message:     serr.Msg,
		Status:      serr.HTTPStatusCode,
	}
	switch {
	case serr.HTTPStatusCode == http.StatusTooManyRequests:
		out.Kind = KindRateLimit
		out.Code = "rate_limit"
	case serr.Type == stripe.ErrorTypeCard:
		out.Kind = KindCard
	case serr.HTTPStatusCode == http.StatusUnauthorized:
		out.Kind = KindAuth
	case serr.Type == stripe.ErrorTypeInvalidRequest, serr.Type == stripe.ErrorTypeIdempotency:
		out.Kind = KindInvalidRequest
	default:
		out.Kind = KindTransient
	}

	if out.Retryable() {
		return out
	}
	return resilience.Permanent(out)
}
