package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type relayEventsRequest struct {
	Limit int `json:"limit"`
}

type expireDueRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.catalogSvc.ListPlans(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": plans})
}

func (s *Server) ListRanks(c *gin.Context) {
	ranks, err := s.catalogSvc.ListRanks(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ranks})
}

func (s *Server) CloseWeek(c *gin.Context) {
	weekStart, err := parseDate("week_start", c.Param("week_start"), s.volumeSvc.Location())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	res, err := s.volumeSvc.CloseWeek(c.Request.Context(), weekStart)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) EvaluateRankPeriod(c *gin.Context) {
	month, err := parseMonth("month", c.Param("month"), s.volumeSvc.Location())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	res, err := s.rankSvc.EvaluatePeriod(c.Request.Context(), month)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) ExpireDueMemberships(c *gin.Context) {
	var req expireDueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	n, err := s.membershipSvc.ExpireDue(c.Request.Context(), s.clock.Now(), req.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"expired": n}})
}

func (s *Server) RelayEvents(c *gin.Context) {
	var req relayEventsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	n, err := s.relay.RelayOnce(c.Request.Context(), req.Limit, 0)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"delivered": n}})
}
