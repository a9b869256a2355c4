package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
)

type registerMemberRequest struct {
	Email             string `json:"email" binding:"required"`
	ReferrerCode      string `json:"referrer_code"`
	PreferredPosition string `json:"preferred_position"`
	ReferralCode      string `json:"referral_code"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Phone             string `json:"phone"`
}

func (s *Server) RegisterMember(c *gin.Context) {
	var req registerMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.memberSvc.Register(c.Request.Context(), networkdomain.RegisterRequest{
		Email:             req.Email,
		ReferrerCode:      req.ReferrerCode,
		PreferredPosition: networkdomain.Position(req.PreferredPosition),
		ReferralCode:      req.ReferralCode,
		Profile: networkdomain.Profile{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": res})
}

func (s *Server) GetMember(c *gin.Context) {
	member, err := s.memberSvc.GetMember(c.Request.Context(), ownerID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": member})
}

func (s *Server) ListAncestors(c *gin.Context) {
	depth, err := parseOptionalInt(c.Query("max_depth"))
	if err != nil || depth < 0 {
		AbortWithError(c, newValidationError("max_depth", "invalid_max_depth", "invalid max_depth"))
		return
	}
	ancestors, err := s.memberSvc.ListAncestors(c.Request.Context(), ownerID(c), depth)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ancestors})
}

func (s *Server) GetDownline(c *gin.Context) {
	counts, err := s.memberSvc.CountDownline(c.Request.Context(), ownerID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": counts})
}
