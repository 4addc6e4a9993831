package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.deps.Orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) listOrders(c *gin.Context) {
	buyerID := c.Query("buyer_id")
	if buyerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buyer_id is required"})
		return
	}
	orders, err := s.deps.Orders.ListByBuyer(c.Request.Context(), buyerID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) updateOrderStatus(c *gin.Context) {
	var req struct {
		SellerID string `json:"seller_id" binding:"required"`
		Status   string `json:"status" binding:"required"`
		Note     string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	o, err := s.deps.Orders.SetStatus(c.Request.Context(), c.Param("id"), req.SellerID, req.Status, req.Note)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) shipOrder(c *gin.Context) {
	var req struct {
		SellerID       string `json:"seller_id" binding:"required"`
		TrackingNumber string `json:"tracking_number"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.deps.Settlement.ConfirmShipment(c.Request.Context(), c.Param("id"), req.SellerID, req.TrackingNumber)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
