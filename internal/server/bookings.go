package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	bookingdomain "github.com/medvoya/core/internal/booking/domain"
	"github.com/google/uuid"
)

type createBookingRequest struct {
	TransactionID string    `json:"transaction_id"`
	NodeID        string    `json:"node_id"`
	ProcedureID   string    `json:"procedure_id"`
	Slot          time.Time `json:"slot"`
	HoldTTLMin    int       `json:"hold_ttl_minutes"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Gateway       string    `json:"gateway"`
}

func (s *Server) CreateBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	nodeID, err := snowflake.ParseString(strings.TrimSpace(req.NodeID))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" {
		transactionID = uuid.NewString()
	}

	result, err := s.bookingSvc.CreateHold(c.Request.Context(), bookingdomain.CreateHoldRequest{
		TransactionID: transactionID,
		NodeID:        nodeID,
		ProcedureID:   req.ProcedureID,
		Slot:          req.Slot,
		HoldTTL:       time.Duration(req.HoldTTLMin) * time.Minute,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Gateway:       req.Gateway,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"booking_id":      result.BookingID.String(),
		"transaction_id":  result.TransactionID,
		"status":          result.Status,
		"hold_expires_at": result.HoldExpiresAt,
	})
}

func (s *Server) ConfirmBooking(c *gin.Context) {
	bookingID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.bookingSvc.Confirm(c.Request.Context(), bookingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"booking_id": result.BookingID.String(),
		"status":     result.Status,
	})
}

func (s *Server) CancelBooking(c *gin.Context) {
	bookingID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.bookingSvc.Cancel(c.Request.Context(), bookingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"booking_id": result.BookingID.String(),
		"status":     result.Status,
	})
}

func (s *Server) ListTransactionEvents(c *gin.Context) {
	transactionID := strings.TrimSpace(c.Param("id"))
	if transactionID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	events, err := s.ledgerSvc.ListByTransaction(c.Request.Context(), transactionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}
