// Package httpapi exposes checkout, settlement, orders and the outbox admin
// surface over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"checkout-service/internal/cart"
	"checkout-service/internal/checkout"
	"checkout-service/internal/order"
	"checkout-service/internal/outbox"
	"checkout-service/internal/payment"
	"checkout-service/internal/resilience"
	"checkout-service/internal/settlement"
)

// Deps are the services behind the routes.
type Deps struct {
	Settlement *settlement.Orchestrator
	Checkout   *checkout.Coordinator
	Orders     *order.Service
	Outbox     outbox.Store
	Drainer    *outbox.Drainer
	Catalog    cart.SourceOfTruth
	Webhooks   payment.WebhookVerifier
	Breakers   *resilience.Registry
	Logger     *slog.Logger
}

// Options tune the router.
type Options struct {
	CSRFCookie string
	CSRFHeader string
	// SecureCookies marks the CSRF cookie Secure
	SecureCookies bool
}

// Server holds the handlers.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	router *gin.Engine
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.CSRFCookie == "" {
		opts.CSRFCookie = "csrf_token"
	}
	if opts.CSRFHeader == "" {
		opts.CSRFHeader = "X-CSRF-Token"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{deps: deps, opts: opts, logger: logger.With("component", "http")}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/health", s.health)

	// processor-originated; authenticated by signature, not CSRF
	router.POST("/api/webhooks/payment", s.paymentWebhook)

	api := router.Group("/api")
	api.GET("/csrf", s.issueCSRF)
	api.Use(CSRF(opts.CSRFCookie, opts.CSRFHeader))
	{
		queues := api.Group("/queues")
		queues.GET("/outbox", s.listOutbox)
		queues.POST("/outbox/retry", s.retryOutbox)
		queues.GET("/dlq", s.listDLQ)
		queues.POST("/dlq/requeue", s.requeueDLQ)
		queues.POST("/dlq/purge", s.purgeDLQ)

		api.POST("/cart/review", s.reviewCart)
		api.POST("/cart/split", s.splitCart)

		api.POST("/payments/intent", IdempotencyKey(), s.createIntent)

		sessions := api.Group("/checkout/:session")
		sessions.GET("", s.getSession)
		sessions.GET("/cart", s.getCart)
		sessions.PUT("/cart/:item", s.updateCartItem)
		sessions.POST("/submit", IdempotencyKey(), s.submitCheckout)
		sessions.POST("/complete", s.completeCheckout)
		sessions.POST("/reset", s.resetCheckout)

		api.GET("/orders", s.listOrders)
		api.GET("/orders/:id", s.getOrder)
		api.PUT("/orders/:id/status", s.updateOrderStatus)
		api.POST("/orders/:id/ship", s.shipOrder)
	}

	s.router = router
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	breakers := map[string]string{}
	if s.deps.Breakers != nil {
		breakers = s.deps.Breakers.States()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "breakers": breakers})
}
