package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"checkout-service/internal/idempotency"
	"checkout-service/internal/order"
	"checkout-service/internal/outbox"
	"checkout-service/internal/payment"
)

// ErrUnknownPayment is returned when a confirmation matches no order.
var ErrUnknownPayment = errors.New("no order for payment")

// PaymentConfirmed is a processor confirmation for an order's payment.
type PaymentConfirmed struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ChargeID        string `json:"charge_id,omitempty"`
	OrderID         string `json:"order_id,omitempty"`
	BuyerID         string `json:"buyer_id,omitempty"`
}

// SettleResult lists the outbox events recorded for a settlement.
type SettleResult struct {
	OrderID  string   `json:"order_id"`
	EventIDs []string `json:"event_ids"`
	Replayed bool     `json:"replayed,omitempty"`
}

// Settle records the fulfilment effects of a confirmed payment exactly once.
// A second confirmation for the same order replays the first result; one
// arriving while the first is still running gets idempotency.ErrInProgress.
func (o *Orchestrator) Settle(ctx context.Context, evt PaymentConfirmed) (*SettleResult, error) {
	ctx, span := o.tracer.Start(ctx, "settlement.settle", trace.WithAttributes(
		attribute.String("payment.intent_id", evt.PaymentIntentID),
	))
	defer span.End()

	ord, err := o.findOrder(ctx, evt)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", ord.ID))

	buyerID := evt.BuyerID
	if buyerID == "" {
		buyerID = ord.BuyerID
	}
	key := idempotency.DeriveKey("settle", buyerID, ord.ID)

	res, replayed, err := idempotency.Do(ctx, o.idem, key, o.cfg.IdempotencyTTL, func(ctx context.Context) (SettleResult, error) {
		return o.settle(ctx, ord, evt)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res.Replayed = res.Replayed || replayed
	return &res, nil
}

func (o *Orchestrator) findOrder(ctx context.Context, evt PaymentConfirmed) (*order.Order, error) {
	if evt.OrderID != "" {
		ord, err := o.orders.Get(ctx, evt.OrderID)
		if errors.Is(err, order.ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrUnknownPayment, evt.OrderID)
		}
		return ord, err
	}
	ord, err := o.orders.GetByPaymentID(ctx, evt.PaymentIntentID)
	if errors.Is(err, order.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayment, evt.PaymentIntentID)
	}
	return ord, err
}

func (o *Orchestrator) settle(ctx context.Context, ord *order.Order, evt PaymentConfirmed) (SettleResult, error) {
	// the durable marker outlives the idempotency record
	if ord.SettledAt != nil {
		o.logger.InfoContext(ctx, "order already settled", "order_id", ord.ID)
		return SettleResult{OrderID: ord.ID, EventIDs: []string{}, Replayed: true}, nil
	}

	base := EffectPayload{OrderID: ord.ID, PaymentIntentID: evt.PaymentIntentID, ChargeID: evt.ChargeID}
	effects := []struct {
		effect   string
		sellerID string
	}{
		{EffectOrderConfirm, ""},
		{EffectInventoryDecrement, ""},
	}
	for _, p := range paymentsFor(ord) {
		effects = append(effects,
			struct{ effect, sellerID string }{EffectLedgerTransfer, p.SellerID},
			struct{ effect, sellerID string }{EffectEmailSeller, p.SellerID},
		)
	}
	effects = append(effects, struct{ effect, sellerID string }{EffectEmailBuyer, ""})

	ids := make([]string, 0, len(effects))
	for _, e := range effects {
		payload := base
		payload.SellerID = e.sellerID
		id, err := o.enqueue(ctx, e.effect, payload)
		if err != nil {
			return SettleResult{}, err
		}
		ids = append(ids, id)
	}

	if _, err := o.orders.MarkSettled(ctx, ord.ID); err != nil {
		return SettleResult{}, fmt.Errorf("failed to mark order settled: %w", err)
	}

	o.logger.InfoContext(ctx, "settlement recorded", "order_id", ord.ID, "events", len(ids))
	return SettleResult{OrderID: ord.ID, EventIDs: ids}, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, effect string, p EffectPayload) (string, error) {
	body, err := p.marshal()
	if err != nil {
		return "", err
	}
	var key string
	if p.SellerID != "" {
		key = outbox.EffectKey(p.OrderID, effect, p.SellerID)
	} else {
		key = outbox.EffectKey(p.OrderID, effect)
	}
	id, err := o.outbox.Enqueue(ctx, effect, body, key)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", effect, err)
	}
	return id, nil
}

// WebhookResult reports what a webhook caused.
type WebhookResult struct {
	EventType string        `json:"event_type"`
	Handled   bool          `json:"handled"`
	Settle    *SettleResult `json:"settle,omitempty"`
}

// HandleWebhook reacts to verified processor events. Successful payments are
// settled; failed ones are noted on the order, which stays pending so the
// buyer can retry. Other events are acknowledged and ignored.
func (o *Orchestrator) HandleWebhook(ctx context.Context, evt *payment.WebhookEvent) (*WebhookResult, error) {
	out := &WebhookResult{EventType: evt.Type}

	switch evt.Type {
	case payment.EventPaymentSucceeded:
		res, err := o.Settle(ctx, PaymentConfirmed{
			PaymentIntentID: evt.PaymentIntentID,
			ChargeID:        evt.ChargeID,
			OrderID:         evt.Metadata["order_id"],
			BuyerID:         evt.Metadata["buyer_id"],
		})
		if err != nil {
			return nil, err
		}
		out.Handled = true
		out.Settle = res

	case payment.EventPaymentFailed:
		ord, err := o.findOrder(ctx, PaymentConfirmed{PaymentIntentID: evt.PaymentIntentID, OrderID: evt.Metadata["order_id"]})
		if err != nil {
			return nil, err
		}
		note := "payment failed"
		if evt.FailureCode != "" {
			note += ": " + evt.FailureCode
		}
		if _, err := o.orders.AddNote(ctx, ord.ID, note, "processor"); err != nil {
			return nil, err
		}
		o.logger.WarnContext(ctx, "payment failed", "order_id", ord.ID, "payment_intent_id", evt.PaymentIntentID, "code", evt.FailureCode)
		out.Handled = true

	default:
		o.logger.DebugContext(ctx, "ignoring webhook", "type", evt.Type, "id", evt.ID)
	}
	return out, nil
}

// ShipmentResult is the order after a shipment confirmation.
type ShipmentResult struct {
	OrderID  string       `json:"order_id"`
	Status   order.Status `json:"status"`
	Changed  bool         `json:"changed"`
	Replayed bool         `json:"replayed,omitempty"`
}

// ConfirmShipment marks a seller's items shipped once per (seller, order)
// and queues the buyer's shipment email.
func (o *Orchestrator) ConfirmShipment(ctx context.Context, orderID, sellerID, tracking string) (*ShipmentResult, error) {
	key := idempotency.DeriveKey("ship", sellerID, orderID)
	res, replayed, err := idempotency.Do(ctx, o.idem, key, o.cfg.IdempotencyTTL, func(ctx context.Context) (ShipmentResult, error) {
		ord, changed, err := o.orders.MarkShipped(ctx, orderID, sellerID, tracking)
		if err != nil {
			return ShipmentResult{}, err
		}
		if changed {
			if _, err := o.enqueue(ctx, EffectEmailShipment, EffectPayload{
				OrderID:        orderID,
				SellerID:       sellerID,
				TrackingNumber: tracking,
			}); err != nil {
				return ShipmentResult{}, err
			}
		}
		return ShipmentResult{OrderID: orderID, Status: ord.Status, Changed: changed}, nil
	})
	if err != nil {
		return nil, err
	}
	res.Replayed = replayed
	return &res, nil
}
