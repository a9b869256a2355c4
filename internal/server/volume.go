package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
)

type recordActivityRequest struct {
	Amount       int64      `json:"amount"`
	ReferenceKey string     `json:"reference_key"`
	Source       string     `json:"source"`
	OccurredAt   *time.Time `json:"occurred_at"`
}

func (s *Server) RecordActivity(c *gin.Context) {
	var req recordActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	occurredAt := s.clock.Now()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "manual"
	}
	res, err := s.volumeSvc.RecordActivity(c.Request.Context(), volumedomain.RecordActivityRequest{
		MemberID:     ownerID(c),
		Amount:       req.Amount,
		OccurredAt:   occurredAt,
		ReferenceKey: req.ReferenceKey,
		Source:       source,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": res})
}

func (s *Server) GetWeeklyVolume(c *gin.Context) {
	weekStart, err := parseDate("week_start", c.Query("week_start"), s.volumeSvc.Location())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	week, err := s.volumeSvc.GetWeeklyVolume(c.Request.Context(), ownerID(c), weekStart)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": week})
}

func (s *Server) GetMonthlyVolume(c *gin.Context) {
	month, err := parseMonth("month", c.Query("month"), s.volumeSvc.Location())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	monthly, err := s.volumeSvc.GetMonthlyVolume(c.Request.Context(), ownerID(c), month)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": monthly})
}
