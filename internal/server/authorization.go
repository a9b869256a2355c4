package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/binaryplan/internal/authorization"
	"github.com/smallbiznis/binaryplan/pkg/log/ctxlogger"
)

// HeaderMemberID carries the authenticated member id set by the gateway in
// front of this service.
const HeaderMemberID = "X-Member-ID"

const contextOwnerKey = "owner_member_id"

func actorFromRequest(c *gin.Context) (string, error) {
	raw := strings.TrimSpace(c.GetHeader(HeaderMemberID))
	if raw == "" {
		return "", ErrUnauthorized
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return "", ErrUnauthorized
	}
	return authorization.MemberActor(id), nil
}

// authorizeMember checks action against the member named by the :id path
// parameter and stores that id for the handler.
func (s *Server) authorizeMember(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, err := parseMemberID(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		actor, err := actorFromRequest(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		ctx := ctxlogger.ContextWithMemberID(c.Request.Context(), owner.String())
		c.Request = c.Request.WithContext(ctx)
		if err := s.authzSvc.Authorize(ctx, actor, owner, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(contextOwnerKey, owner)
		c.Next()
	}
}

// authorizeOperation checks actions that are not about one member.
func (s *Server) authorizeOperation(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := actorFromRequest(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, 0, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func ownerID(c *gin.Context) snowflake.ID {
	if v, ok := c.Get(contextOwnerKey); ok {
		if id, ok := v.(snowflake.ID); ok {
			return id
		}
	}
	return 0
}
