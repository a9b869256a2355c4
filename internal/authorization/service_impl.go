package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	"github.com/smallbiznis/binaryplan/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed model.conf
var modelText string

const (
	ActorSystem  = "system"
	memberPrefix = "member:"
)

const (
	ObjectMember     = "member"
	ObjectPoints     = "points"
	ObjectVolume     = "volume"
	ObjectRank       = "rank"
	ObjectMembership = "membership"
	ObjectEvents     = "events"
)

const (
	ActionMemberView = "member.view"

	ActionPointsView     = "points.view"
	ActionPointsCredit   = "points.credit"
	ActionPointsWithdraw = "points.withdraw"

	ActionVolumeView      = "volume.view"
	ActionVolumeRecord    = "volume.record"
	ActionVolumeCloseWeek = "volume.close_week"

	ActionRankView     = "rank.view"
	ActionRankEvaluate = "rank.evaluate"

	ActionMembershipView       = "membership.view"
	ActionMembershipActivate   = "membership.activate"
	ActionMembershipChangePlan = "membership.change_plan"
	ActionMembershipExpire     = "membership.expire"
	ActionMembershipDeactivate = "membership.deactivate"

	ActionEventsRelay = "events.relay"
)

const (
	scopeSelf = "self"
	scopeAny  = "any"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	Members  networkdomain.Service
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	members  networkdomain.Service
}

// NewEnforcer builds an in-memory enforcer holding the static role policies.
func NewEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		members:  p.Members,
	}
}

// MemberActor is the actor string for a member.
func MemberActor(id snowflake.ID) string {
	return memberPrefix + id.String()
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, owner snowflake.ID, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName, err := s.resolveRole(ctx, actor)
	if err != nil {
		return err
	}
	if err := s.ensureGrouping(actor, roleName); err != nil {
		return err
	}

	ownerSubject := ""
	if owner != 0 {
		ownerSubject = MemberActor(owner)
	}
	allowed, err := s.enforcer.Enforce(actor, ownerSubject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		ctxlogger.WithContext(ctx, s.log).Info("authorization denied",
			zap.String("actor", actor),
			zap.String("role", roleName),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) resolveRole(ctx context.Context, actor string) (string, error) {
	if actor == ActorSystem {
		return "role:system", nil
	}
	if !strings.HasPrefix(actor, memberPrefix) {
		return "", ErrInvalidActor
	}
	memberID, err := snowflake.ParseString(strings.TrimPrefix(actor, memberPrefix))
	if err != nil || memberID == 0 {
		return "", ErrInvalidActor
	}
	member, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("role:%s", strings.ToLower(string(member.Role))), nil
}

// ensureGrouping keeps exactly one role link per subject, so a role change
// in the members table takes effect on the next request.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Members act on their own records only.
		{"role:member", ObjectMember, ActionMemberView, scopeSelf},
		{"role:member", ObjectPoints, ActionPointsView, scopeSelf},
		{"role:member", ObjectPoints, ActionPointsWithdraw, scopeSelf},
		{"role:member", ObjectVolume, ActionVolumeView, scopeSelf},
		{"role:member", ObjectRank, ActionRankView, scopeSelf},
		{"role:member", ObjectMembership, ActionMembershipView, scopeSelf},
		{"role:member", ObjectMembership, ActionMembershipActivate, scopeSelf},
		{"role:member", ObjectMembership, ActionMembershipChangePlan, scopeSelf},

		// Admins act on any member and run the operations.
		{"role:admin", ObjectMember, ActionMemberView, scopeAny},
		{"role:admin", ObjectPoints, ActionPointsView, scopeAny},
		{"role:admin", ObjectPoints, ActionPointsCredit, scopeAny},
		{"role:admin", ObjectPoints, ActionPointsWithdraw, scopeAny},
		{"role:admin", ObjectVolume, ActionVolumeView, scopeAny},
		{"role:admin", ObjectVolume, ActionVolumeRecord, scopeAny},
		{"role:admin", ObjectVolume, ActionVolumeCloseWeek, scopeAny},
		{"role:admin", ObjectRank, ActionRankView, scopeAny},
		{"role:admin", ObjectRank, ActionRankEvaluate, scopeAny},
		{"role:admin", ObjectMembership, ActionMembershipView, scopeAny},
		{"role:admin", ObjectMembership, ActionMembershipActivate, scopeAny},
		{"role:admin", ObjectMembership, ActionMembershipChangePlan, scopeAny},
		{"role:admin", ObjectMembership, ActionMembershipExpire, scopeAny},
		{"role:admin", ObjectMembership, ActionMembershipDeactivate, scopeAny},
		{"role:admin", ObjectEvents, ActionEventsRelay, scopeAny},

		// System runs the periodic jobs.
		{"role:system", ObjectVolume, ActionVolumeCloseWeek, scopeAny},
		{"role:system", ObjectRank, ActionRankEvaluate, scopeAny},
		{"role:system", ObjectMembership, ActionMembershipExpire, scopeAny},
		{"role:system", ObjectEvents, ActionEventsRelay, scopeAny},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
