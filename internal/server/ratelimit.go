package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// limitWrites applies the per-actor token bucket to mutating requests.
// Unauthenticated calls such as registration are keyed by client IP.
func (s *Server) limitWrites() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		actor := strings.TrimSpace(c.GetHeader(HeaderMemberID))
		if actor == "" {
			actor = "ip:" + c.ClientIP()
		}
		res := s.limiter.Allow(c.Request.Context(), actor)
		if res.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			seconds := int(math.Ceil(res.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
