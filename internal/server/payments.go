package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type confirmPaymentRequest struct {
	TransactionID    string         `json:"transaction_id"`
	GatewayReference string         `json:"gateway_reference"`
	GatewayResponse  map[string]any `json:"gateway_response"`
}

// ConfirmPayment is the internal idempotent confirmation used by
// pay-init flows. It shares the capture path with the webhook.
func (s *Server) ConfirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.paymentSvc.Capture(c.Request.Context(), req.TransactionID, req.GatewayReference, req.GatewayResponse)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"payment_status": result.PaymentStatus,
		"booking_status": result.BookingStatus,
	})
}
