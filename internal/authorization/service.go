package authorization

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)

// Service decides whether an actor may perform action on object. owner is
// the member the request acts on, zero for none; "self" scoped policies only match when the
// actor is that member.
type Service interface {
	Authorize(ctx context.Context, actor string, owner snowflake.ID, object string, action string) error
}
