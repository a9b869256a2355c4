package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/events"
	membershipdomain "github.com/smallbiznis/binaryplan/internal/membership/domain"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	obsmetrics "github.com/smallbiznis/binaryplan/internal/observability/metrics"
	pointsdomain "github.com/smallbiznis/binaryplan/internal/points/domain"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/smallbiznis/binaryplan/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const expireBatch = 200

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       membershipdomain.Repository
	Catalog    catalogdomain.Service
	Members    networkdomain.Service
	Points     pointsdomain.Service
	Volume     volumedomain.Service
	Retry      db.RetryPolicy
	Publisher  events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       membershipdomain.Repository
	catalog    catalogdomain.Service
	members    networkdomain.Service
	points     pointsdomain.Service
	volume     volumedomain.Service
	retry      db.RetryPolicy
	publisher  events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) membershipdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("membership.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		catalog:    p.Catalog,
		members:    p.Members,
		points:     p.Points,
		volume:     p.Volume,
		retry:      p.Retry,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreatePending(ctx context.Context, req membershipdomain.ActivateRequest) (*membershipdomain.Membership, error) {
	plan, err := s.plan(ctx, req.PlanCode)
	if err != nil {
		return nil, err
	}

	var created *membershipdomain.Membership
	err = db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		if _, err := s.members.GetMemberTx(ctx, tx, req.MemberID); err != nil {
			return err
		}
		active, err := s.repo.FindByStatusForUpdate(ctx, tx, req.MemberID, membershipdomain.StatusActive)
		if err != nil {
			return err
		}
		if active != nil {
			return membershipdomain.ErrAlreadyActive
		}
		pending, err := s.repo.FindByStatusForUpdate(ctx, tx, req.MemberID, membershipdomain.StatusPending)
		if err != nil {
			return err
		}
		if pending != nil {
			return membershipdomain.ErrPendingExists
		}
		m, err := s.createPending(ctx, tx, req, plan)
		if err != nil {
			return err
		}
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.IncMembershipTransition(string(membershipdomain.ActionCreated))
	return created, nil
}

// Activate moves the member's PENDING membership, or a new one, to ACTIVE.
// It also activates the member, binds the plan to the points balance,
// records the plan's points as volume and pays the referrer's direct bonus.
func (s *Service) Activate(ctx context.Context, req membershipdomain.ActivateRequest) (*membershipdomain.ActivationResult, error) {
	plan, err := s.plan(ctx, req.PlanCode)
	if err != nil {
		return nil, err
	}

	var result *membershipdomain.ActivationResult
	err = db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		member, err := s.members.GetMemberTx(ctx, tx, req.MemberID)
		if err != nil {
			return err
		}
		active, err := s.repo.FindByStatusForUpdate(ctx, tx, req.MemberID, membershipdomain.StatusActive)
		if err != nil {
			return err
		}
		if active != nil {
			return membershipdomain.ErrAlreadyActive
		}

		m, err := s.repo.FindByStatusForUpdate(ctx, tx, req.MemberID, membershipdomain.StatusPending)
		if err != nil {
			return err
		}
		if m == nil {
			if m, err = s.createPending(ctx, tx, req, plan); err != nil {
				return err
			}
		}

		before := m.Snapshot()
		now := s.clock.Now()
		end := now.AddDate(0, 0, plan.DurationDays)
		m.PlanID = plan.ID
		m.Status = membershipdomain.StatusActive
		m.StartDate = &now
		m.EndDate = &end
		m.AutoRenewal = m.AutoRenewal || req.AutoRenewal
		m.MinimumReconsumptionAmount = plan.MinimumReconsumptionAmount
		m.UpdatedAt = now
		if err := s.transition(ctx, tx, m, membershipdomain.StatusPending); err != nil {
			return err
		}
		if err := s.history(ctx, tx, m, membershipdomain.ActionActivated, before, ""); err != nil {
			return err
		}

		if err := s.members.SetActiveTx(ctx, tx, member.ID, true); err != nil {
			return err
		}
		if err := s.points.BindPlanTx(ctx, tx, member.ID, &plan.ID); err != nil {
			return err
		}
		if plan.Points > 0 {
			if _, err := s.volume.RecordActivityTx(ctx, tx, volumedomain.RecordActivityRequest{
				MemberID:     member.ID,
				Amount:       plan.Points,
				OccurredAt:   now,
				ReferenceKey: "membership_activation:" + m.ID.String(),
				Source:       "membership_activation",
			}); err != nil {
				return err
			}
		}

		result = &membershipdomain.ActivationResult{Membership: m}
		if bonus, referrerID, err := s.payDirectBonus(ctx, tx, member, m, plan); err != nil {
			return err
		} else if referrerID != nil {
			result.DirectBonus = bonus
			result.ReferrerID = referrerID
		}

		return s.publish(ctx, tx, events.EventMembershipActivated, m, plan, "membership_activated:"+m.ID.String())
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.IncMembershipTransition(string(membershipdomain.ActionActivated))
	ctxlogger.WithContext(ctx, s.log).Info("membership activated",
		zap.String("member_id", req.MemberID.String()),
		zap.String("plan", plan.Code),
		zap.Int64("direct_bonus", result.DirectBonus),
	)
	return result, nil
}

// payDirectBonus credits the active referrer plan.Price*DirectBonusPercent/100.
func (s *Service) payDirectBonus(ctx context.Context, tx *gorm.DB, member *networkdomain.Member, m *membershipdomain.Membership, plan *catalogdomain.Plan) (int64, *snowflake.ID, error) {
	if member.ReferrerCode == nil || *member.ReferrerCode == "" {
		return 0, nil, nil
	}
	bonus := plan.Price * plan.DirectBonusPercent / 100
	if bonus <= 0 {
		return 0, nil, nil
	}
	referrer, err := s.members.GetByReferralCodeTx(ctx, tx, *member.ReferrerCode)
	if err != nil {
		return 0, nil, err
	}
	if !referrer.IsActive {
		return 0, nil, nil
	}
	if _, err := s.points.CreditTx(ctx, tx, pointsdomain.CreditRequest{
		MemberID: referrer.ID,
		Type:     pointsdomain.TransactionDirectBonus,
		Amount:   bonus,
		Metadata: map[string]any{
			"from_member_id": member.ID.String(),
			"membership_id":  m.ID.String(),
			"plan_code":      plan.Code,
		},
		ReferenceKey: "direct_bonus:" + m.ID.String(),
	}); err != nil {
		return 0, nil, err
	}
	id := referrer.ID
	return bonus, &id, nil
}

// ChangePlan swaps the plan of the ACTIVE membership in place. A pricier
// plan is an upgrade and its extra points count as new volume.
func (s *Service) ChangePlan(ctx context.Context, memberID snowflake.ID, planCode string) (*membershipdomain.ChangePlanResult, error) {
	plan, err := s.plan(ctx, planCode)
	if err != nil {
		return nil, err
	}
	m, err := s.repo.FindLatest(ctx, s.db, memberID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.Status != membershipdomain.StatusActive {
		if _, err := s.members.GetMember(ctx, memberID); err != nil {
			return nil, err
		}
		return nil, membershipdomain.ErrNoActiveMembership
	}
	if m.PlanID == plan.ID {
		return nil, membershipdomain.ErrPlanUnchanged
	}
	current, err := s.catalog.GetPlan(ctx, m.PlanID)
	if err != nil {
		return nil, err
	}

	action := membershipdomain.ActionDowngrade
	eventType := events.EventMembershipDowngrade
	if plan.Price > current.Price {
		action = membershipdomain.ActionUpgrade
		eventType = events.EventMembershipUpgrade
	}

	var result *membershipdomain.ChangePlanResult
	err = db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		m, err := s.repo.FindByStatusForUpdate(ctx, tx, memberID, membershipdomain.StatusActive)
		if err != nil {
			return err
		}
		if m == nil {
			return membershipdomain.ErrNoActiveMembership
		}
		if m.PlanID == plan.ID {
			return membershipdomain.ErrPlanUnchanged
		}
		// The plan moved since it was read; let the caller decide again.
		if m.PlanID != current.ID {
			return membershipdomain.ErrInvalidTransition
		}

		before := m.Snapshot()
		m.PlanID = plan.ID
		m.MinimumReconsumptionAmount = plan.MinimumReconsumptionAmount
		m.UpdatedAt = s.clock.Now()
		if err := s.transition(ctx, tx, m, membershipdomain.StatusActive); err != nil {
			return err
		}
		h, err := s.historyRow(ctx, tx, m, action, before, "")
		if err != nil {
			return err
		}
		if err := s.points.BindPlanTx(ctx, tx, memberID, &plan.ID); err != nil {
			return err
		}
		if extra := plan.Points - current.Points; action == membershipdomain.ActionUpgrade && extra > 0 {
			if _, err := s.volume.RecordActivityTx(ctx, tx, volumedomain.RecordActivityRequest{
				MemberID:     memberID,
				Amount:       extra,
				OccurredAt:   m.UpdatedAt,
				ReferenceKey: "membership_upgrade:" + h.ID.String(),
				Source:       "membership_upgrade",
			}); err != nil {
				return err
			}
		}
		if err := s.publish(ctx, tx, eventType, m, plan, "membership_change:"+h.ID.String()); err != nil {
			return err
		}
		result = &membershipdomain.ChangePlanResult{Membership: m, Action: action}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.IncMembershipTransition(string(action))
	ctxlogger.WithContext(ctx, s.log).Info("membership plan changed",
		zap.String("member_id", memberID.String()),
		zap.String("from_plan", current.Code),
		zap.String("to_plan", plan.Code),
		zap.String("action", string(action)),
	)
	return result, nil
}

func (s *Service) Expire(ctx context.Context, memberID snowflake.ID) (*membershipdomain.Membership, error) {
	var expired *membershipdomain.Membership
	err := db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		m, err := s.expireTx(ctx, tx, memberID)
		if err != nil {
			return err
		}
		expired = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.IncMembershipTransition(string(membershipdomain.ActionExpired))
	return expired, nil
}

func (s *Service) expireTx(ctx context.Context, tx *gorm.DB, memberID snowflake.ID) (*membershipdomain.Membership, error) {
	if _, err := s.members.GetMemberTx(ctx, tx, memberID); err != nil {
		return nil, err
	}
	m, err := s.repo.FindByStatusForUpdate(ctx, tx, memberID, membershipdomain.StatusActive)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, membershipdomain.ErrNoActiveMembership
	}
	before := m.Snapshot()
	m.Status = membershipdomain.StatusExpired
	m.UpdatedAt = s.clock.Now()
	if err := s.transition(ctx, tx, m, membershipdomain.StatusActive); err != nil {
		return nil, err
	}
	if err := s.history(ctx, tx, m, membershipdomain.ActionExpired, before, ""); err != nil {
		return nil, err
	}
	if err := s.members.SetActiveTx(ctx, tx, memberID, false); err != nil {
		return nil, err
	}
	if s.publisher != nil {
		if err := s.publisher.PublishTx(ctx, tx, events.Event{
			Type:     events.EventMembershipExpired,
			MemberID: memberID,
			Payload: map[string]any{
				"membership_id": m.ID.String(),
				"plan_id":       m.PlanID.String(),
			},
			DedupeKey: "membership_expired:" + m.ID.String(),
		}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Deactivate ends an ACTIVE or PENDING membership by admin action.
func (s *Service) Deactivate(ctx context.Context, memberID snowflake.ID, reason string) (*membershipdomain.Membership, error) {
	var deactivated *membershipdomain.Membership
	err := db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		if _, err := s.members.GetMemberTx(ctx, tx, memberID); err != nil {
			return err
		}
		from := membershipdomain.StatusActive
		m, err := s.repo.FindByStatusForUpdate(ctx, tx, memberID, from)
		if err != nil {
			return err
		}
		if m == nil {
			from = membershipdomain.StatusPending
			if m, err = s.repo.FindByStatusForUpdate(ctx, tx, memberID, from); err != nil {
				return err
			}
		}
		if m == nil {
			return membershipdomain.ErrMembershipNotFound
		}

		before := m.Snapshot()
		m.Status = membershipdomain.StatusInactive
		m.UpdatedAt = s.clock.Now()
		if err := s.transition(ctx, tx, m, from); err != nil {
			return err
		}
		if err := s.history(ctx, tx, m, membershipdomain.ActionDeactivated, before, strings.TrimSpace(reason)); err != nil {
			return err
		}
		if err := s.members.SetActiveTx(ctx, tx, memberID, false); err != nil {
			return err
		}
		deactivated = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.IncMembershipTransition(string(membershipdomain.ActionDeactivated))
	return deactivated, nil
}

// ExpireDue runs one expiry transaction per membership so a single failure
// does not hold back the batch.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = expireBatch
	}
	due, err := s.repo.ListDue(ctx, s.db, now, limit)
	if err != nil {
		return 0, err
	}
	logger := ctxlogger.WithContext(ctx, s.log)
	expired := 0
	var firstErr error
	for _, memberID := range due {
		if _, err := s.Expire(ctx, memberID); err != nil {
			logger.Warn("expire membership failed", zap.String("member_id", memberID.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		expired++
	}
	if expired > 0 {
		logger.Info("memberships expired", zap.Int("count", expired))
	}
	return expired, firstErr
}

func (s *Service) GetMembership(ctx context.Context, memberID snowflake.ID) (*membershipdomain.Membership, error) {
	if _, err := s.members.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	m, err := s.repo.FindLatest(ctx, s.db, memberID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, membershipdomain.ErrMembershipNotFound
	}
	return m, nil
}

func (s *Service) ListHistory(ctx context.Context, memberID snowflake.ID) ([]membershipdomain.MembershipHistory, error) {
	if _, err := s.members.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, s.db, memberID)
}

func (s *Service) plan(ctx context.Context, code string) (*catalogdomain.Plan, error) {
	plan, err := s.catalog.GetPlanByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, membershipdomain.ErrPlanInactive
	}
	return plan, nil
}

func (s *Service) createPending(ctx context.Context, tx *gorm.DB, req membershipdomain.ActivateRequest, plan *catalogdomain.Plan) (*membershipdomain.Membership, error) {
	now := s.clock.Now()
	m := &membershipdomain.Membership{
		ID:                         s.genID.Generate(),
		MemberID:                   req.MemberID,
		PlanID:                     plan.ID,
		Status:                     membershipdomain.StatusPending,
		AutoRenewal:                req.AutoRenewal,
		MinimumReconsumptionAmount: plan.MinimumReconsumptionAmount,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if err := s.repo.Insert(ctx, tx, m); err != nil {
		return nil, err
	}
	if err := s.history(ctx, tx, m, membershipdomain.ActionCreated, nil, ""); err != nil {
		return nil, err
	}
	return m, nil
}

// transition maps a lost race on the row to a retry; the next attempt
// reports the real state.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, m *membershipdomain.Membership, from membershipdomain.Status) error {
	ok, err := s.repo.Transition(ctx, tx, m, from)
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return db.MarkRetryable(err)
		}
		return err
	}
	if !ok {
		return db.MarkRetryable(membershipdomain.ErrInvalidTransition)
	}
	return nil
}

func (s *Service) history(ctx context.Context, tx *gorm.DB, m *membershipdomain.Membership, action membershipdomain.Action, before datatypes.JSONMap, reason string) error {
	_, err := s.historyRow(ctx, tx, m, action, before, reason)
	return err
}

func (s *Service) historyRow(ctx context.Context, tx *gorm.DB, m *membershipdomain.Membership, action membershipdomain.Action, before datatypes.JSONMap, reason string) (*membershipdomain.MembershipHistory, error) {
	h := &membershipdomain.MembershipHistory{
		ID:           s.genID.Generate(),
		MembershipID: m.ID,
		MemberID:     m.MemberID,
		Action:       action,
		Before:       before,
		After:        m.Snapshot(),
		Reason:       reason,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.repo.InsertHistory(ctx, tx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, eventType events.EventType, m *membershipdomain.Membership, plan *catalogdomain.Plan, dedupeKey string) error {
	if s.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"membership_id": m.ID.String(),
		"plan_code":     plan.Code,
		"plan_name":     plan.Name,
		"status":        string(m.Status),
	}
	if m.EndDate != nil {
		payload["end_date"] = m.EndDate.UTC().Format(time.RFC3339)
	}
	return s.publisher.PublishTx(ctx, tx, events.Event{
		Type:      eventType,
		MemberID:  m.MemberID,
		Payload:   payload,
		DedupeKey: dedupeKey,
	})
}
