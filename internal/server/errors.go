package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	bookingdomain "github.com/medvoya/core/internal/booking/domain"
	paymentdomain "github.com/medvoya/core/internal/payment/domain"
	recondomain "github.com/medvoya/core/internal/reconciliation/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, bookingdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrNotFound),
		errors.Is(err, recondomain.ErrReportNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "resource not found",
		}

	case errors.Is(err, bookingdomain.ErrHoldExpired):
		return http.StatusConflict, errorPayload{
			Type:    "hold_expired",
			Message: "booking hold expired before confirmation",
		}

	case errors.Is(err, bookingdomain.ErrInvalidStatus),
		errors.Is(err, paymentdomain.ErrInvalidPaymentStatus):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_state",
			Message: "operation not allowed in current state",
		}

	case errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrStaleTimestamp):
		return http.StatusUnauthorized, errorPayload{
			Type:    "auth_failure",
			Message: "webhook authentication failed",
		}

	case errors.Is(err, bookingdomain.ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, recondomain.ErrInvalidPeriod),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}

	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger's error fields.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "internal", payload.Type
	}
	return "client", payload.Type
}
