// Package address validates shipping addresses before a payment intent is
// created.
package address

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Address is a postal shipping address.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Error is a validation failure. It is never retried.
type Error struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Validator checks an address and may return a normalized copy.
type Validator interface {
	Validate(ctx context.Context, addr Address) (Address, error)
}

var postalPatterns = map[string]*regexp.Regexp{
	"US": regexp.MustCompile(`^\d{5}(-\d{4})?$`),
	"CA": regexp.MustCompile(`^[A-Za-z]\d[A-Za-z][ -]?\d[A-Za-z]\d$`),
	"GB": regexp.MustCompile(`^[A-Za-z]{1,2}\d[A-Za-z\d]? ?\d[A-Za-z]{2}$`),
	"DE": regexp.MustCompile(`^\d{5}$`),
	"FR": regexp.MustCompile(`^\d{5}$`),
	"AU": regexp.MustCompile(`^\d{4}$`),
}

// RulesValidator checks required fields and known postal code formats.
// Countries listed in Allowed restrict where orders ship; an empty list
// allows any country.
type RulesValidator struct {
	Allowed []string
}

func NewRulesValidator(allowed ...string) *RulesValidator {
	return &RulesValidator{Allowed: allowed}
}

func (v *RulesValidator) Validate(ctx context.Context, addr Address) (Address, error) {
	if err := ctx.Err(); err != nil {
		return Address{}, err
	}

	addr = normalize(addr)
	required := []struct {
		field, value string
	}{
		{"name", addr.Name},
		{"line1", addr.Line1},
		{"city", addr.City},
		{"postal_code", addr.PostalCode},
		{"country", addr.Country},
	}
	for _, r := range required {
		if r.value == "" {
			return Address{}, &Error{Field: r.field, Reason: "is required"}
		}
	}

	if len(addr.Country) != 2 {
		return Address{}, &Error{Field: "country", Reason: "must be a two-letter country code"}
	}
	if len(v.Allowed) > 0 && !contains(v.Allowed, addr.Country) {
		return Address{}, &Error{Field: "country", Reason: fmt.Sprintf("%s is not a shipping destination", addr.Country)}
	}
	if re, ok := postalPatterns[addr.Country]; ok && !re.MatchString(addr.PostalCode) {
		return Address{}, &Error{Field: "postal_code", Reason: fmt.Sprintf("is not valid for %s", addr.Country)}
	}
	if (addr.Country == "US" || addr.Country == "CA") && addr.State == "" {
		return Address{}, &Error{Field: "state", Reason: "is required"}
	}
	return addr, nil
}

func normalize(addr Address) Address {
	addr.Name = strings.TrimSpace(addr.Name)
	addr.Line1 = strings.TrimSpace(addr.Line1)
	addr.Line2 = strings.TrimSpace(addr.Line2)
	addr.City = strings.TrimSpace(addr.City)
	addr.State = strings.ToUpper(strings.TrimSpace(addr.State))
	addr.PostalCode = strings.ToUpper(strings.TrimSpace(addr.PostalCode))
	addr.Country = strings.ToUpper(strings.TrimSpace(addr.Country))
	return addr
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
