package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"checkout-service/internal/cart"
	"checkout-service/internal/catalog"
	"checkout-service/internal/email"
	"checkout-service/internal/order"
	"checkout-service/internal/outbox"
	"checkout-service/internal/payment"
	"checkout-service/internal/resilience"
)

// Outbox event types recorded by settlement and shipment confirmation.
const (
	EffectOrderConfirm       = "order.confirm"
	EffectInventoryDecrement = "inventory.decrement"
	EffectLedgerTransfer     = "ledger.transfer"
	EffectEmailSeller        = "email.seller"
	EffectEmailBuyer         = "email.buyer"
	EffectEmailShipment      = "email.shipment"
)

// EffectPayload is the body of every settlement outbox event.
type EffectPayload struct {
	OrderID         string `json:"order_id"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	ChargeID        string `json:"charge_id,omitempty"`
	SellerID        string `json:"seller_id,omitempty"`
	TrackingNumber  string `json:"tracking_number,omitempty"`
}

func (p EffectPayload) marshal() (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode effect payload: %w", err)
	}
	return b, nil
}

func decodePayload(evt outbox.Event) (EffectPayload, error) {
	var p EffectPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return p, fmt.Errorf("invalid %s payload: %w", evt.Type, err)
	}
	if p.OrderID == "" {
		return p, fmt.Errorf("invalid %s payload: missing order id", evt.Type)
	}
	return p, nil
}

// paymentsFor returns the seller split stored on the order, recomputing it
// from the item snapshot for orders stored without one.
func paymentsFor(ord *order.Order) []cart.SellerPayment {
	if len(ord.Payments) > 0 {
		return ord.Payments
	}
	return cart.CalculateSellerPayments(cart.BuildMultiSellerCart(ord.CartItems()))
}

// RegisterHandlers binds every settlement effect type to d.
func (o *Orchestrator) RegisterHandlers(d *outbox.Drainer) {
	d.Register(EffectOrderConfirm, o.withOrder(o.confirmOrder))
	d.Register(EffectInventoryDecrement, o.withOrder(o.decrementInventory))
	d.Register(EffectLedgerTransfer, o.withOrder(o.transferToSeller))
	d.Register(EffectEmailSeller, o.withOrder(o.emailSeller))
	d.Register(EffectEmailBuyer, o.withOrder(o.emailBuyer))
	d.Register(EffectEmailShipment, o.withOrder(o.emailShipment))
}

type effectFunc func(ctx context.Context, ord *order.Order, p EffectPayload) error

// withOrder decodes the payload and loads its order. Malformed payloads and
// unknown orders can never succeed and are marked permanent.
func (o *Orchestrator) withOrder(fn effectFunc) outbox.Handler {
	return func(ctx context.Context, evt outbox.Event) error {
		p, err := decodePayload(evt)
		if err != nil {
			return resilience.Permanent(err)
		}
		ord, err := o.orders.Get(ctx, p.OrderID)
		if errors.Is(err, order.ErrNotFound) {
			return resilience.Permanent(err)
		}
		if err != nil {
			return err
		}
		return fn(ctx, ord, p)
	}
}

func (o *Orchestrator) confirmOrder(ctx context.Context, ord *order.Order, p EffectPayload) error {
	_, _, err := o.orders.Confirm(ctx, ord.ID, p.PaymentIntentID)
	return err
}

// decrementInventory takes stock for each item once. Items already marked on
// the order are skipped so a redelivered event only touches the rest.
func (o *Orchestrator) decrementInventory(ctx context.Context, ord *order.Order, _ EffectPayload) error {
	if o.catalog == nil {
		return nil
	}
	for _, it := range ord.Items {
		mark := "inventory:" + it.ID
		if ord.EffectApplied(mark) {
			continue
		}
		remaining, err := o.catalog.DecrementStock(ctx, it.ID, it.Quantity)
		switch {
		case errors.Is(err, catalog.ErrInsufficientStock), errors.Is(err, catalog.ErrNotFound):
			// paid already; oversell is reconciled by the seller
			o.logger.WarnContext(ctx, "stock not decremented", "order_id", ord.ID, "item_id", it.ID, "quantity", it.Quantity, "error", err)
		case err != nil:
			return err
		default:
			o.logger.DebugContext(ctx, "stock decremented", "item_id", it.ID, "remaining", remaining)
		}
		if _, err := o.orders.MarkEffect(ctx, ord.ID, mark); err != nil {
			return err
		}
	}
	return nil
}

// transferToSeller records the seller's ledger entry. Split orders move the
// seller's net amount by transfer from the charge; destination charges paid
// the seller directly and only need the entry. A connected account that
// cannot receive funds fails the attempt so a later pass, or an operator
// requeue after onboarding, can complete it.
func (o *Orchestrator) transferToSeller(ctx context.Context, ord *order.Order, p EffectPayload) error {
	if _, ok := ord.LedgerFor(p.SellerID); ok {
		return nil
	}
	payments := paymentsFor(ord)
	var sp *cart.SellerPayment
	for i := range payments {
		if payments[i].SellerID == p.SellerID {
			sp = &payments[i]
			break
		}
	}
	if sp == nil {
		return resilience.Permanent(fmt.Errorf("seller %s has no payment in order %s", p.SellerID, ord.ID))
	}

	entry := order.LedgerEntry{
		SellerID:     sp.SellerID,
		Amount:       sp.Amount,
		PlatformFee:  sp.PlatformFee,
		ProcessorFee: sp.ProcessorFee,
		NetAmount:    sp.NetAmount,
	}

	destination := ord.DestinationAccount != "" && ord.DestinationAccount == sp.StripeAccountID
	switch {
	case destination:
	case sp.StripeAccountID == "":
		o.logger.WarnContext(ctx, "seller has no connected account, transfer skipped", "order_id", ord.ID, "seller_id", sp.SellerID)
	case p.ChargeID == "":
		return resilience.Permanent(fmt.Errorf("order %s: no charge to transfer from", ord.ID))
	default:
		enabled, err := o.accountEnabled(ctx, sp.StripeAccountID)
		if err != nil {
			return err
		}
		if !enabled {
			return fmt.Errorf("seller %s: account %s cannot receive transfers", sp.SellerID, sp.StripeAccountID)
		}
		tr, err := resilience.Call(ctx, o.breakers.Get(BreakerPayment), o.cfg.Retry, func(ctx context.Context) (*payment.Transfer, error) {
			return o.processor.CreateTransfer(ctx, payment.TransferParams{
				Amount:            sp.NetAmount,
				Currency:          ord.Currency,
				Destination:       sp.StripeAccountID,
				SourceTransaction: p.ChargeID,
				TransferGroup:     ord.ID,
				IdempotencyKey:    outbox.EffectKey(ord.ID, EffectLedgerTransfer, sp.SellerID),
				Metadata:          map[string]string{"order_id": ord.ID, "seller_id": sp.SellerID},
			})
		})
		if err != nil {
			return err
		}
		entry.TransferID = tr.ID
	}

	_, added, err := o.orders.RecordLedger(ctx, ord.ID, entry)
	if err != nil {
		return err
	}
	if added {
		o.logger.InfoContext(ctx, "seller ledger recorded", "order_id", ord.ID, "seller_id", sp.SellerID,
			"net_amount", sp.NetAmount.StringFixed(2), "transfer_id", entry.TransferID)
	}
	return nil
}

func (o *Orchestrator) emailSeller(ctx context.Context, ord *order.Order, p EffectPayload) error {
	var sp *cart.SellerPayment
	payments := paymentsFor(ord)
	for i := range payments {
		if payments[i].SellerID == p.SellerID {
			sp = &payments[i]
		}
	}
	if sp == nil {
		return resilience.Permanent(fmt.Errorf("seller %s has no payment in order %s", p.SellerID, ord.ID))
	}
	to := sellerEmail(ord, p.SellerID)
	return o.sendOnce(ctx, ord, "email.seller:"+p.SellerID, to, func() (email.Message, error) {
		return email.RenderSellerNotification(to, email.SellerNotification{
			OrderID:      ord.ID,
			SellerID:     sp.SellerID,
			Lines:        lines(sp.Items),
			Amount:       sp.Amount.StringFixed(2),
			ProcessorFee: sp.ProcessorFee.StringFixed(2),
			NetAmount:    sp.NetAmount.StringFixed(2),
			DashboardURL: o.link("/seller/orders/" + ord.ID),
		})
	})
}

func (o *Orchestrator) emailBuyer(ctx context.Context, ord *order.Order, _ EffectPayload) error {
	multi := cart.BuildMultiSellerCart(ord.CartItems())
	return o.sendOnce(ctx, ord, "email.buyer", ord.BuyerEmail, func() (email.Message, error) {
		return email.RenderBuyerConfirmation(ord.BuyerEmail, email.BuyerConfirmation{
			OrderID:  ord.ID,
			Lines:    lines(ord.CartItems()),
			Subtotal: multi.Subtotal.StringFixed(2),
			Shipping: multi.Shipping.StringFixed(2),
			Total:    multi.Total.StringFixed(2),
			OrderURL: o.link("/orders/" + ord.ID),
		})
	})
}

func (o *Orchestrator) emailShipment(ctx context.Context, ord *order.Order, p EffectPayload) error {
	var shipped []cart.Item
	for _, it := range ord.Items {
		if it.Seller.ID == p.SellerID {
			shipped = append(shipped, it.Item)
		}
	}
	mark := "email.shipment:" + p.SellerID + ":" + p.TrackingNumber
	return o.sendOnce(ctx, ord, mark, ord.BuyerEmail, func() (email.Message, error) {
		return email.RenderShipmentNotice(ord.BuyerEmail, email.ShipmentNotice{
			OrderID:        ord.ID,
			TrackingNumber: p.TrackingNumber,
			Lines:          lines(shipped),
			OrderURL:       o.link("/orders/" + ord.ID),
		})
	})
}

// sendOnce renders and sends a message unless mark is already recorded on
// the order, then records it. A crash between send and mark resends.
func (o *Orchestrator) sendOnce(ctx context.Context, ord *order.Order, mark, to string, build func() (email.Message, error)) error {
	if ord.EffectApplied(mark) {
		return nil
	}
	if to == "" {
		o.logger.WarnContext(ctx, "no recipient, email skipped", "order_id", ord.ID, "effect", mark)
	} else if o.mailer != nil {
		msg, err := build()
		if err == nil {
			err = msg.Validate()
		}
		if err != nil {
			return resilience.Permanent(err)
		}
		err = o.breakers.Get(BreakerEmail).Execute(ctx, func(ctx context.Context) error {
			return o.mailer.Send(ctx, msg)
		})
		if err != nil {
			return err
		}
	}
	_, err := o.orders.MarkEffect(ctx, ord.ID, mark)
	return err
}

func (o *Orchestrator) link(path string) string {
	if o.cfg.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(o.cfg.BaseURL, "/") + path
}

func sellerEmail(ord *order.Order, sellerID string) string {
	for _, it := range ord.Items {
		if it.Seller.ID == sellerID && it.Seller.Email != "" {
			return it.Seller.Email
		}
	}
	return ""
}

func lines(items []cart.Item) []email.Line {
	out := make([]email.Line, len(items))
	for i, it := range items {
		out[i] = email.Line{Title: it.Title, Quantity: it.Quantity, Price: it.Price.StringFixed(2)}
	}
	return out
}
