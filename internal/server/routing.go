package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) FindRoutingCandidates(c *gin.Context) {
	procedureID := strings.TrimSpace(c.Query("procedure_id"))
	if procedureID == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	location := strings.TrimSpace(c.Query("location"))

	acceptsInternational := true
	if raw := strings.TrimSpace(c.Query("accepts_international")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		acceptsInternational = parsed
	}

	candidates, err := s.routingSvc.FindCandidates(c.Request.Context(), location, procedureID, acceptsInternational)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}
