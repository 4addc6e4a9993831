// Package cart groups a multi-seller cart by seller, prices shipping and
// processor fees per seller, and detects drift between a client-held cart
// and the catalog.
package cart

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// UnknownSeller is the group id for items that carry no seller id.
const UnknownSeller = "unknown"

var (
	BaseShipping       = decimal.NewFromFloat(5.00)
	AdditionalShipping = decimal.NewFromFloat(2.00)
	ProcessorRate      = decimal.NewFromFloat(0.029)
	ProcessorFixedFee  = decimal.NewFromFloat(0.30)
)

// SellerRef identifies the seller of a line item.
type SellerRef struct {
	ID              string `json:"id"`
	Email           string `json:"email,omitempty"`
	StripeAccountID string `json:"stripe_account_id,omitempty"`
	Location        string `json:"location,omitempty"`
}

// Item is a cart line item.
type Item struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Price    decimal.Decimal  `json:"price"`
	Quantity int              `json:"quantity"`
	Weight   *decimal.Decimal `json:"weight,omitempty"`
	Seller   SellerRef        `json:"seller"`
}

// LineTotal is price times quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// SellerGroup is the derived per-seller slice of a cart.
type SellerGroup struct {
	SellerID string          `json:"seller_id"`
	Seller   SellerRef       `json:"seller"`
	Items    []Item          `json:"items"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// MultiSellerCart is a cart split into seller groups with aggregate totals.
type MultiSellerCart struct {
	Groups   []SellerGroup   `json:"groups"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// SellerCount returns the number of distinct sellers.
func (c MultiSellerCart) SellerCount() int {
	return len(c.Groups)
}

// SellerPayment is what one seller is owed for its group.
type SellerPayment struct {
	SellerID        string          `json:"seller_id"`
	StripeAccountID string          `json:"stripe_account_id,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	ProcessorFee    decimal.Decimal `json:"processor_fee"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	Items           []Item          `json:"items"`
}

// ShippingFor returns the flat shipping for a group of n line items.
func ShippingFor(n int) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	return BaseShipping.Add(AdditionalShipping.Mul(decimal.NewFromInt(int64(n - 1))))
}

// GroupItemsBySeller groups items by seller id in first-seen order. Items
// without a seller id land in the UnknownSeller group.
func GroupItemsBySeller(items []Item) []SellerGroup {
	index := make(map[string]int)
	var groups []SellerGroup

	for _, item := range items {
		sellerID := strings.TrimSpace(item.Seller.ID)
		if sellerID == "" {
			sellerID = UnknownSeller
		}
		i, ok := index[sellerID]
		if !ok {
			i = len(groups)
			index[sellerID] = i
			seller := item.Seller
			seller.ID = sellerID
			groups = append(groups, SellerGroup{SellerID: sellerID, Seller: seller})
		}
		g := &groups[i]
		g.Items = append(g.Items, item)
		// keep the first non-empty contact details seen for the seller
		if g.Seller.Email == "" {
			g.Seller.Email = item.Seller.Email
		}
		if g.Seller.StripeAccountID == "" {
			g.Seller.StripeAccountID = item.Seller.StripeAccountID
		}
	}

	for i := range groups {
		g := &groups[i]
		subtotal := decimal.Zero
		for _, item := range g.Items {
			subtotal = subtotal.Add(item.LineTotal())
		}
		g.Subtotal = subtotal.Round(2)
		g.Shipping = ShippingFor(len(g.Items))
		g.Tax = decimal.Zero
		g.Total = g.Subtotal.Add(g.Shipping).Add(g.Tax)
	}
	return groups
}

// BuildMultiSellerCart groups items and sums the group totals.
func BuildMultiSellerCart(items []Item) MultiSellerCart {
	c := MultiSellerCart{
		Groups:   GroupItemsBySeller(items),
		Subtotal: decimal.Zero,
		Shipping: decimal.Zero,
		Tax:      decimal.Zero,
		Total:    decimal.Zero,
	}
	for _, g := range c.Groups {
		c.Subtotal = c.Subtotal.Add(g.Subtotal)
		c.Shipping = c.Shipping.Add(g.Shipping)
		c.Tax = c.Tax.Add(g.Tax)
		c.Total = c.Total.Add(g.Total)
	}
	return c
}

// ProcessorFee is the processor's published rate on amount, rounded to cents.
func ProcessorFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(ProcessorRate).Add(ProcessorFixedFee).Round(2)
}

// CalculateSellerPayments produces one payment per seller group. Only the
// processor fee is deducted; the platform takes no commission.
func CalculateSellerPayments(c MultiSellerCart) []SellerPayment {
	payments := make([]SellerPayment, 0, len(c.Groups))
	for _, g := range c.Groups {
		amount := g.Total.Round(2)
		fee := ProcessorFee(amount)
		payments = append(payments, SellerPayment{
			SellerID:        g.SellerID,
			StripeAccountID: g.Seller.StripeAccountID,
			Amount:          amount,
			PlatformFee:     decimal.Zero,
			ProcessorFee:    fee,
			NetAmount:       amount.Sub(fee),
			Items:           g.Items,
		})
	}
	return payments
}

// ValidationError describes one invalid line item.
type ValidationError struct {
	ItemID string `json:"item_id"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("item %s: %s", e.ItemID, e.Reason)
}

// ValidationResult accumulates every problem found in a cart.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []string          `json:"errors"`
	Issues []ValidationError `json:"issues,omitempty"`
}

// InvalidItems returns the ids of line items with at least one issue.
func (r ValidationResult) InvalidItems() map[string]bool {
	ids := make(map[string]bool, len(r.Issues))
	for _, issue := range r.Issues {
		ids[issue.ItemID] = true
	}
	return ids
}

// ValidateMultiSellerCart flags items with no seller, a non-positive price
// or a non-positive quantity. It never stops at the first problem.
func ValidateMultiSellerCart(items []Item) ValidationResult {
	res := ValidationResult{Errors: []string{}}
	add := func(itemID, field, reason string) {
		issue := ValidationError{ItemID: itemID, Field: field, Reason: reason}
		res.Issues = append(res.Issues, issue)
		res.Errors = append(res.Errors, issue.Error())
	}

	if len(items) == 0 {
		res.Errors = append(res.Errors, "cart is empty")
	}
	for _, item := range items {
		if strings.TrimSpace(item.Seller.ID) == "" {
			add(item.ID, "seller", "missing seller id")
		}
		if !item.Price.IsPositive() {
			add(item.ID, "price", fmt.Sprintf("invalid price %s", item.Price.String()))
		}
		if item.Quantity <= 0 {
			add(item.ID, "quantity", fmt.Sprintf("invalid quantity %d", item.Quantity))
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}
