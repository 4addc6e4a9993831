package address

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validUS() Address {
	return Address{
		Name:       "Ada Lovelace",
		Line1:      "1 Main St",
		City:       "Springfield",
		State:      "il",
		PostalCode: "62701",
		Country:    "us",
	}
}

func TestRulesValidatorAcceptsAndNormalizes(t *testing.T) {
	v := NewRulesValidator()
	got, err := v.Validate(context.Background(), validUS())
	require.NoError(t, err)
	assert.Equal(t, "US", got.Country)
	assert.Equal(t, "IL", got.State)

	ca := Address{Name: "A", Line1: "1 Rue", City: "Montreal", State: "QC", PostalCode: "h2x 1y4", Country: "CA"}
	_, err = v.Validate(context.Background(), ca)
	assert.NoError(t, err)
}

func TestRulesValidatorRejects(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(a *Address)
		field string
	}{
		{"missing line1", func(a *Address) { a.Line1 = " " }, "line1"},
		{"bad zip", func(a *Address) { a.PostalCode = "6270" }, "postal_code"},
		{"bad country", func(a *Address) { a.Country = "USA" }, "country"},
		{"missing state", func(a *Address) { a.State = "" }, "state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := validUS()
			tt.edit(&addr)
			_, err := NewRulesValidator().Validate(context.Background(), addr)
			var aerr *Error
			require.True(t, errors.As(err, &aerr))
			assert.Equal(t, tt.field, aerr.Field)
		})
	}
}

func TestRulesValidatorAllowedCountries(t *testing.T) {
	v := NewRulesValidator("CA")
	_, err := v.Validate(context.Background(), validUS())
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "country", aerr.Field)
}
