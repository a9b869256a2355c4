package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetCurrentRank(c *gin.Context) {
	rank, err := s.rankSvc.GetCurrentRank(c.Request.Context(), ownerID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rank})
}

func (s *Server) ListRankHistory(c *gin.Context) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	rows, err := s.rankSvc.ListProgress(c.Request.Context(), ownerID(c), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}
