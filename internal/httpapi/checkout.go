package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"checkout-service/internal/cart"
	"checkout-service/internal/checkout"
	"checkout-service/internal/idempotency"
	"checkout-service/internal/payment"
	"checkout-service/internal/settlement"
)

type cartRequest struct {
	Items []cart.Item `json:"items"`
}

func (s *Server) reviewCart(c *gin.Context) {
	var req cartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := cart.Review(c.Request.Context(), s.deps.Catalog, req.Items)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// splitCart previews the seller split. Invalid items are reported, not
// rejected, so the page can flag individual lines.
func (s *Server) splitCart(c *gin.Context) {
	var req cartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	multi := cart.BuildMultiSellerCart(req.Items)
	c.JSON(http.StatusOK, gin.H{
		"cart":       multi,
		"payments":   cart.CalculateSellerPayments(multi),
		"validation": cart.ValidateMultiSellerCart(req.Items),
	})
}

type quantityRequest struct {
	Quantity *int `json:"quantity" binding:"required,min=0"`
}

func (s *Server) getCart(c *gin.Context) {
	lines, err := s.deps.Checkout.Cart(c.Param("session"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": lines})
}

// updateCartItem answers a refused change with the rolled-back line so the
// page can show the confirmed quantity again.
func (s *Server) updateCartItem(c *gin.Context) {
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	line, err := s.deps.Checkout.UpdateQuantity(c.Request.Context(), c.Param("session"), c.Param("item"), *req.Quantity)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "line": line})
		return
	}
	c.JSON(http.StatusOK, line)
}

func (s *Server) createIntent(c *gin.Context) {
	var req settlement.IntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = clientKey(c, req.BuyerID)
	res, err := s.deps.Settlement.CreateIntent(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.deps.Checkout.Session(c.Param("session"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// submitCheckout responds with the session in every case; on failure the
// session carries the buyer-facing message.
func (s *Server) submitCheckout(c *gin.Context) {
	var req checkout.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IdempotencyKey = clientKey(c, req.BuyerID)

	sess, err := s.deps.Checkout.Submit(c.Request.Context(), c.Param("session"), req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "session": sess})
		return
	}
	c.JSON(http.StatusOK, sess)
}

type completeRequest struct {
	// FailureCode is the processor code reported to the client; empty means
	// the payment succeeded
	FailureCode string `json:"failure_code"`
	DeclineCode string `json:"decline_code"`
}

func (s *Server) completeCheckout(c *gin.Context) {
	var req completeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	var failure error
	if req.FailureCode != "" || req.DeclineCode != "" {
		failure = &payment.Error{Kind: payment.KindCard, Code: req.FailureCode, DeclineCode: req.DeclineCode}
	}
	sess, err := s.deps.Checkout.Complete(c.Param("session"), failure)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) resetCheckout(c *gin.Context) {
	sess, err := s.deps.Checkout.Reset(c.Param("session"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// paymentWebhook verifies and applies a processor event. A settlement still
// running for the same order answers 409 so the processor redelivers later.
func (s *Server) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	evt, err := s.deps.Webhooks.ParseWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		s.logger.WarnContext(c.Request.Context(), "webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.deps.Settlement.HandleWebhook(c.Request.Context(), evt)
	if err != nil {
		if !errors.Is(err, idempotency.ErrInProgress) {
			s.logger.ErrorContext(c.Request.Context(), "webhook failed", "event_id", evt.ID, "type", evt.Type, "error", err)
		}
		s.writeError(c, err)
		return
	}

	if s.deps.Checkout != nil {
		switch evt.Type {
		case payment.EventPaymentSucceeded:
			s.deps.Checkout.CompleteByPaymentIntent(evt.PaymentIntentID, nil)
		case payment.EventPaymentFailed:
			s.deps.Checkout.CompleteByPaymentIntent(evt.PaymentIntentID, &payment.Error{Kind: payment.KindCard, Code: evt.FailureCode, Message: evt.FailureMessage})
		}
	}
	c.JSON(http.StatusOK, res)
}
