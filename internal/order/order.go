// Package order holds the order document: the cart snapshot taken at payment
// time, its status with an append-only timeline, and the per-seller ledger.
package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"checkout-service/internal/address"
	"checkout-service/internal/cart"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusInTransit  Status = "in_transit"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

var statusDescriptions = map[Status]string{
	StatusPending:    "Awaiting payment confirmation",
	StatusConfirmed:  "Payment received, order confirmed",
	StatusProcessing: "The seller is preparing your order",
	StatusShipped:    "Your order has shipped",
	StatusInTransit:  "Your order is on its way",
	StatusDelivered:  "Your order was delivered",
	StatusCancelled:  "The order was cancelled",
	StatusRefunded:   "The order was refunded",
}

var (
	ErrNotFound      = errors.New("order not found")
	ErrExists        = errors.New("order already exists")
	ErrInvalidStatus = errors.New("invalid order status")
	ErrForbidden     = errors.New("seller has no items in this order")
	ErrNotPaid       = errors.New("order payment is not confirmed")
)

// Statuses lists every valid status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusInTransit, StatusDelivered, StatusCancelled, StatusRefunded}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusDescriptions[s]
	return ok
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Describe returns a buyer-facing description of s.
func Describe(s Status) string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return "Unknown status"
}

// TimelineEntry records one status change.
type TimelineEntry struct {
	Status      Status    `json:"status"`
	Description string    `json:"description"`
	Note        string    `json:"note,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	At          time.Time `json:"at"`
}

// Timeline is the append-only status history of an order.
type Timeline []TimelineEntry

// Append adds an entry after validating its status. History is never
// rewritten.
func (t *Timeline) Append(status Status, note, actor string, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	*t = append(*t, TimelineEntry{
		Status:      status,
		Description: Describe(status),
		Note:        note,
		Actor:       actor,
		At:          at,
	})
	return nil
}

// Last returns the most recent entry.
func (t Timeline) Last() (TimelineEntry, bool) {
	if len(t) == 0 {
		return TimelineEntry{}, false
	}
	return t[len(t)-1], true
}

// Shipping states of a line item.
const (
	ShippingPending = "pending"
	ShippingShipped = "shipped"
)

// RefundDetails records a refund against a line item.
type RefundDetails struct {
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason,omitempty"`
	RefundedAt time.Time       `json:"refunded_at"`
}

// Item is a cart line item snapshot with its fulfilment state.
type Item struct {
	cart.Item
	ShippingStatus string         `json:"shipping_status"`
	TrackingNumber string         `json:"tracking_number,omitempty"`
	ShippedAt      *time.Time     `json:"shipped_at,omitempty"`
	Refund         *RefundDetails `json:"refund_details,omitempty"`
}

// LedgerEntry records what a seller was paid for an order.
type LedgerEntry struct {
	SellerID     string          `json:"seller_id"`
	Amount       decimal.Decimal `json:"amount"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
	ProcessorFee decimal.Decimal `json:"processor_fee"`
	NetAmount    decimal.Decimal `json:"net_amount"`
	TransferID   string          `json:"transfer_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Order is the persisted order document.
type Order struct {
	ID                 string               `json:"id"`
	BuyerID            string               `json:"buyer_id"`
	BuyerEmail         string               `json:"buyer_email,omitempty"`
	Status             Status               `json:"status"`
	Items              []Item               `json:"cart"`
	Payments           []cart.SellerPayment `json:"payments,omitempty"`
	Total              decimal.Decimal      `json:"total"`
	Currency           string               `json:"currency"`
	PaymentID          string               `json:"payment_id,omitempty"`
	DestinationAccount string               `json:"destination_account,omitempty"`
	TrackingNumber     string               `json:"tracking_number,omitempty"`
	ShippingAddress    *address.Address     `json:"shipping_address,omitempty"`
	Timeline           Timeline             `json:"timeline"`
	Ledger             []LedgerEntry        `json:"ledger,omitempty"`
	SettledAt          *time.Time           `json:"settled_at,omitempty"`
	Effects            map[string]time.Time `json:"effects,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// NewItems snapshots cart items as unshipped order items.
func NewItems(items []cart.Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{Item: it, ShippingStatus: ShippingPending}
	}
	return out
}

// HasSeller reports whether any item belongs to sellerID.
func (o *Order) HasSeller(sellerID string) bool {
	for _, it := range o.Items {
		if it.Seller.ID == sellerID {
			return true
		}
	}
	return false
}

// SellerIDs returns the distinct sellers in item order.
func (o *Order) SellerIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, it := range o.Items {
		if !seen[it.Seller.ID] {
			seen[it.Seller.ID] = true
			ids = append(ids, it.Seller.ID)
		}
	}
	return ids
}

// CartItems returns the plain cart view of the order items.
func (o *Order) CartItems() []cart.Item {
	out := make([]cart.Item, len(o.Items))
	for i, it := range o.Items {
		out[i] = it.Item
	}
	return out
}

// LedgerFor returns the ledger entry of sellerID, if recorded.
func (o *Order) LedgerFor(sellerID string) (LedgerEntry, bool) {
	for _, e := range o.Ledger {
		if e.SellerID == sellerID {
			return e, true
		}
	}
	return LedgerEntry{}, false
}

// EffectApplied reports whether the side effect named key was recorded.
func (o *Order) EffectApplied(key string) bool {
	_, ok := o.Effects[key]
	return ok
}

// AllShipped reports whether every item has shipped.
func (o *Order) AllShipped() bool {
	if len(o.Items) == 0 {
		return false
	}
	for _, it := range o.Items {
		if it.ShippingStatus != ShippingShipped {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = make([]Item, len(o.Items))
	for i, it := range o.Items {
		if it.ShippedAt != nil {
			t := *it.ShippedAt
			it.ShippedAt = &t
		}
		if it.Refund != nil {
			r := *it.Refund
			it.Refund = &r
		}
		cp.Items[i] = it
	}
	cp.Payments = append([]cart.SellerPayment(nil), o.Payments...)
	cp.Timeline = append(Timeline(nil), o.Timeline...)
	cp.Ledger = append([]LedgerEntry(nil), o.Ledger...)
	if o.ShippingAddress != nil {
		a := *o.ShippingAddress
		cp.ShippingAddress = &a
	}
	if o.SettledAt != nil {
		t := *o.SettledAt
		cp.SettledAt = &t
	}
	if o.Effects != nil {
		cp.Effects = make(map[string]time.Time, len(o.Effects))
		for k, v := range o.Effects {
			cp.Effects[k] = v
		}
	}
	return &cp
}
