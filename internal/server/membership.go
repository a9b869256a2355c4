package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	membershipdomain "github.com/smallbiznis/binaryplan/internal/membership/domain"
)

type activateMembershipRequest struct {
	PlanCode    string `json:"plan_code" binding:"required"`
	AutoRenewal bool   `json:"auto_renewal"`
}

type changePlanRequest struct {
	PlanCode string `json:"plan_code" binding:"required"`
}

type deactivateMembershipRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) GetMembership(c *gin.Context) {
	m, err := s.membershipSvc.GetMembership(c.Request.Context(), ownerID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": m})
}

func (s *Server) ListMembershipHistory(c *gin.Context) {
	rows, err := s.membershipSvc.ListHistory(c.Request.Context(), ownerID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (s *Server) CreatePendingMembership(c *gin.Context) {
	var req activateMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	m, err := s.membershipSvc.CreatePending(c.Request.Context(), membershipdomain.ActivateRequest{
		MemberID:    ownerID(c),
		PlanCode:    req.PlanCode,
		AutoRenewal: req.AutoRenewal,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": m})
}

func (s *Server) ActivateMembership(c *gin.Context) {
	var req activateMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	res, err := s.membershipSvc.Activate(c.Request.Context(), membershipdomain.ActivateRequest{
		MemberID:    ownerID(c),
		PlanCode:    req.PlanCode,
		AutoRenewal: req.AutoRenewal,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) ChangePlan(c *gin.Context) {
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	res, err := s.membershipSvc.ChangePlan(c.Request.Context(), ownerID(c), req.PlanCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) ExpireMembership(c *gin.Context) {
	m, err := s.membershipSvc.Expire(c.Request.Context(), ownerID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": m})
}

func (s *Server) DeactivateMembership(c *gin.Context) {
	var req deactivateMembershipRequest
	// the body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	m, err := s.membershipSvc.Deactivate(c.Request.Context(), ownerID(c), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": m})
}
