package checkout

import (
	"errors"

	"checkout-service/internal/address"
	"checkout-service/internal/idempotency"
	"checkout-service/internal/payment"
	"checkout-service/internal/resilience"
)

var declineMessages = map[string]string{
	"card_declined":      "Your card was declined. Please try a different payment method.",
	"insufficient_funds": "Your card has insufficient funds.",
	"expired_card":       "Your card has expired.",
	"incorrect_cvc":      "The security code on your card is incorrect.",
	"processing_error":   "There was a problem processing your card. Please try again.",
	"rate_limit":         "Too many payment attempts. Please wait a moment and try again.",
}

// DescribePaymentFailure turns a checkout error into a message fit for the
// buyer.
func DescribePaymentFailure(err error) string {
	if err == nil {
		return ""
	}

	var perr *payment.Error
	if errors.As(err, &perr) {
		if msg, ok := declineMessages[perr.DeclineCode]; ok {
			return msg
		}
		if msg, ok := declineMessages[perr.Code]; ok {
			return msg
		}
		if perr.Kind == payment.KindCard {
			return declineMessages["card_declined"]
		}
	}

	var aerr *address.Error
	if errors.As(err, &aerr) {
		return "We couldn't verify your shipping address: " + aerr.Error()
	}

	switch {
	case resilience.IsCircuitOpen(err):
		return "Payments are temporarily unavailable. Please try again in a few minutes."
	case errors.Is(err, idempotency.ErrInProgress):
		return "Your order is already being processed."
	}
	return "Something went wrong while processing your payment. Please try again."
}
