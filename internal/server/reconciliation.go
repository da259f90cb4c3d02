package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type runReconciliationRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// RunReconciliation triggers an on-demand audit. Defaults to the
// previous UTC day when no period is given.
func (s *Server) RunReconciliation(c *gin.Context) {
	var req runReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() {
		now := s.clock.Now().UTC()
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		req.PeriodStart = day.AddDate(0, 0, -1)
		req.PeriodEnd = day
	}

	report, err := s.reconSvc.Run(c.Request.Context(), req.PeriodStart, req.PeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"report": report})
}

func (s *Server) ListReconciliationReports(c *gin.Context) {
	limit := 20
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	reports, err := s.reconSvc.ListReports(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

func (s *Server) GetReconciliationReport(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	report, err := s.reconSvc.GetReport(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}
