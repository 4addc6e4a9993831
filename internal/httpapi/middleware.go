package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"checkout-service/internal/idempotency"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyCtxKey = "idempotency_key"
)

// CSRF enforces the double-submit cookie pattern: unsafe requests must echo
// the cookie value in header.
func CSRF(cookie, header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		token, err := c.Cookie(cookie)
		sent := c.GetHeader(header)
		if err != nil || token == "" || sent == "" || subtle.ConstantTimeCompare([]byte(token), []byte(sent)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

func (s *Server) issueCSRF(c *gin.Context) {
	token, err := c.Cookie(s.opts.CSRFCookie)
	if err != nil || token == "" {
		token = uuid.NewString()
	}
	c.SetSameSite(http.SameSiteStrictMode)
	// readable by the page script that copies it into the header
	c.SetCookie(s.opts.CSRFCookie, token, 0, "/", "", s.opts.SecureCookies, false)
	c.JSON(http.StatusOK, gin.H{"token": token, "header": s.opts.CSRFHeader})
}

// IdempotencyKey validates an optional Idempotency-Key header and stores it
// for the handler.
func IdempotencyKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyHeader)
		if key == "" {
			c.Next()
			return
		}
		if !idempotency.ValidKey(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid Idempotency-Key header"})
			return
		}
		c.Set(idempotencyCtxKey, key)
		c.Next()
	}
}

// clientKey scopes the caller's Idempotency-Key to the buyer so keys from
// different buyers never collide. Empty when no header was sent.
func clientKey(c *gin.Context, buyerID string) string {
	key := c.GetString(idempotencyCtxKey)
	if key == "" {
		return ""
	}
	return "intent:client:" + buyerID + ":" + key
}
