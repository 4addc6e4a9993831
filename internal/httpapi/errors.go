package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"checkout-service/internal/address"
	"checkout-service/internal/cart"
	"checkout-service/internal/checkout"
	"checkout-service/internal/idempotency"
	"checkout-service/internal/order"
	"checkout-service/internal/outbox"
	"checkout-service/internal/payment"
	"checkout-service/internal/resilience"
	"checkout-service/internal/settlement"
)

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	var cartErr *settlement.CartError
	var addrErr *address.Error
	var payErr *payment.Error
	switch {
	case errors.As(err, &cartErr), errors.As(err, &addrErr), errors.Is(err, cart.ErrUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, checkout.ErrBusy),
		errors.Is(err, checkout.ErrSubmitted),
		errors.Is(err, checkout.ErrInvalidEvent),
		errors.Is(err, idempotency.ErrInProgress),
		errors.Is(err, outbox.ErrClaimed),
		errors.Is(err, cart.ErrSuperseded),
		errors.Is(err, order.ErrNotPaid):
		return http.StatusConflict
	case errors.Is(err, checkout.ErrSessionNotFound),
		errors.Is(err, order.ErrNotFound),
		errors.Is(err, settlement.ErrUnknownPayment):
		return http.StatusNotFound
	case errors.Is(err, order.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, order.ErrInvalidStatus):
		return http.StatusBadRequest
	case resilience.IsCircuitOpen(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &payErr):
		if payErr.Kind == payment.KindCard {
			return http.StatusPaymentRequired
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError responds with gin.H{"error": ...}. Cart and address failures
// carry their details.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var cartErr *settlement.CartError
	if errors.As(err, &cartErr) {
		body["errors"] = cartErr.Result.Errors
		body["issues"] = cartErr.Result.Issues
	}
	var addrErr *address.Error
	if errors.As(err, &addrErr) {
		body["field"] = addrErr.Field
	}
	if status == http.StatusPaymentRequired || status == http.StatusServiceUnavailable {
		body["message"] = checkout.DescribePaymentFailure(err)
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}
