package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/medvoya/core/internal/payment/domain"
	"github.com/medvoya/core/internal/payment/webhook"
)

const maxWebhookBody = 1 << 20

// WebhookSignatureGate authenticates the raw body before any handler
// parses it. Missing or bad credentials end the request here.
func (s *Server) WebhookSignatureGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			AbortWithError(c, paymentdomain.ErrInvalidSignature)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		err = webhook.VerifySignature(
			s.cfg.WebhookSecret,
			body,
			c.GetHeader(webhook.SignatureHeader),
			c.GetHeader(webhook.TimestampHeader),
			s.clock.Now(),
			s.cfg.WebhookTolerance,
		)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Next()
	}
}

func (s *Server) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"payment_status": result.PaymentStatus,
		"booking_status": result.BookingStatus,
	})
}
