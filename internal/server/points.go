package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	pointsdomain "github.com/smallbiznis/binaryplan/internal/points/domain"
)

type creditPointsRequest struct {
	Type         string         `json:"type" binding:"required"`
	Amount       int64          `json:"amount"`
	ReferenceKey string         `json:"reference_key"`
	Metadata     map[string]any `json:"metadata"`
}

type withdrawPointsRequest struct {
	Amount       int64          `json:"amount"`
	ReferenceKey string         `json:"reference_key"`
	Metadata     map[string]any `json:"metadata"`
}

func (s *Server) GetBalance(c *gin.Context) {
	balance, err := s.pointsSvc.GetBalance(c.Request.Context(), ownerID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func (s *Server) ListTransactions(c *gin.Context) {
	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}
	res, err := s.pointsSvc.ListTransactions(c.Request.Context(), pointsdomain.ListTransactionsRequest{
		MemberID:  ownerID(c),
		PageToken: strings.TrimSpace(c.Query("page_token")),
		PageSize:  pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":            res.Transactions,
		"next_page_token": res.NextPageToken,
		"has_more":        res.HasMore,
	})
}

func (s *Server) CreditPoints(c *gin.Context) {
	var req creditPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	res, err := s.pointsSvc.Credit(c.Request.Context(), pointsdomain.CreditRequest{
		MemberID:     ownerID(c),
		Type:         pointsdomain.TransactionType(strings.ToUpper(strings.TrimSpace(req.Type))),
		Amount:       req.Amount,
		Metadata:     req.Metadata,
		ReferenceKey: req.ReferenceKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(resultStatus(res), gin.H{"data": res})
}

func (s *Server) WithdrawPoints(c *gin.Context) {
	var req withdrawPointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	res, err := s.pointsSvc.Withdraw(c.Request.Context(), pointsdomain.WithdrawRequest{
		MemberID:     ownerID(c),
		Amount:       req.Amount,
		Metadata:     req.Metadata,
		ReferenceKey: req.ReferenceKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(resultStatus(res), gin.H{"data": res})
}

// resultStatus answers a replayed request with 200 instead of 201.
func resultStatus(res *pointsdomain.Result) int {
	if res != nil && res.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
