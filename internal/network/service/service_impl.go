package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/events"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	obsmetrics "github.com/smallbiznis/binaryplan/internal/observability/metrics"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/smallbiznis/binaryplan/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	minReferralCodeLen = 4
	maxReferralCodeLen = 32
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       networkdomain.Repository
	Retry      db.RetryPolicy
	Publisher  events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       networkdomain.Repository
	retry      db.RetryPolicy
	publisher  events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) networkdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("network.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		retry:      p.Retry,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
	}
}

// Register creates a member and places it in the tree in one transaction.
// Races on the target slot abort the transaction and re-run it.
func (s *Service) Register(ctx context.Context, req networkdomain.RegisterRequest) (*networkdomain.RegisterResult, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	preferred := req.PreferredPosition
	if preferred == "" {
		preferred = networkdomain.PositionLeft
	}
	if !preferred.Valid() {
		return nil, networkdomain.ErrInvalidPosition
	}

	id := s.genID.Generate()
	code := generatedReferralCode(id)
	if strings.TrimSpace(req.ReferralCode) != "" {
		code, err = normalizeVanityCode(req.ReferralCode)
		if err != nil {
			return nil, err
		}
	}
	referrerCode := normalizeCode(req.ReferrerCode)

	var result *networkdomain.RegisterResult
	attempt := 0
	err = db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		attempt++
		if attempt > 1 {
			s.obsMetrics.IncPlacementRetry()
		}

		exists, err := s.repo.ExistsByEmail(ctx, tx, email)
		if err != nil {
			return err
		}
		if exists {
			return networkdomain.ErrEmailTaken
		}
		taken, err := s.repo.FindByReferralCode(ctx, tx, code)
		if err != nil {
			return err
		}
		if taken != nil {
			return networkdomain.ErrReferralCodeTaken
		}

		now := s.clock.Now()
		member := &networkdomain.Member{
			ID:           id,
			Email:        email,
			ReferralCode: code,
			IsActive:     false,
			Role:         networkdomain.RoleMember,
			FirstName:    strings.TrimSpace(req.Profile.FirstName),
			LastName:     strings.TrimSpace(req.Profile.LastName),
			Phone:        strings.TrimSpace(req.Profile.Phone),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		placement, err := s.PlaceMemberTx(ctx, tx, member, referrerCode, preferred)
		if err != nil {
			return err
		}
		result = &networkdomain.RegisterResult{Member: member, Placement: placement}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordPlacement(result.Placement.Depth)
	ctxlogger.WithContext(ctx, s.log).Info("member registered",
		zap.String("member_id", result.Member.ID.String()),
		zap.String("position", string(result.Placement.Position)),
		zap.Int("depth", result.Placement.Depth),
		zap.Int("attempts", attempt),
	)
	return result, nil
}

// PlaceMemberTx walks down the referrer's preferred leg to the first empty
// slot, locking each visited node top-down, then inserts member there and
// links it from its parent. With no referrer the member becomes a root.
func (s *Service) PlaceMemberTx(ctx context.Context, tx *gorm.DB, member *networkdomain.Member, referrerCode string, preferred networkdomain.Position) (networkdomain.Placement, error) {
	if member == nil {
		return networkdomain.Placement{}, networkdomain.ErrMemberNotFound
	}
	if preferred == "" {
		preferred = networkdomain.PositionLeft
	}
	if !preferred.Valid() {
		return networkdomain.Placement{}, networkdomain.ErrInvalidPosition
	}

	referrerCode = normalizeCode(referrerCode)
	if referrerCode == "" {
		member.ParentID = nil
		member.Position = networkdomain.PositionNone
		member.ReferrerLeg = networkdomain.PositionNone
		member.ReferrerCode = nil
		if err := s.insert(ctx, tx, member); err != nil {
			return networkdomain.Placement{}, err
		}
		return networkdomain.Placement{Position: networkdomain.PositionNone}, nil
	}

	current, err := s.repo.FindByReferralCodeForUpdate(ctx, tx, referrerCode)
	if err != nil {
		return networkdomain.Placement{}, err
	}
	if current == nil {
		return networkdomain.Placement{}, networkdomain.ErrReferrerNotFound
	}
	referrerID := current.ID

	depth := 0
	for {
		childID := current.ChildAt(preferred)
		if childID == nil {
			break
		}
		next, err := s.repo.FindByIDForUpdate(ctx, tx, *childID)
		if err != nil {
			return networkdomain.Placement{}, err
		}
		if next == nil {
			return networkdomain.Placement{}, fmt.Errorf("member %s points at missing child %s", current.ID, *childID)
		}
		current = next
		depth++
	}

	parentID := current.ID
	member.ParentID = &parentID
	member.Position = preferred
	member.ReferrerLeg = preferred
	member.ReferrerCode = &referrerCode
	if err := s.insert(ctx, tx, member); err != nil {
		return networkdomain.Placement{}, err
	}

	claimed, err := s.repo.ClaimChildSlot(ctx, tx, parentID, preferred, member.ID, s.clock.Now())
	if err != nil {
		return networkdomain.Placement{}, err
	}
	if !claimed {
		return networkdomain.Placement{}, db.MarkRetryable(networkdomain.ErrSlotTaken)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishTx(ctx, tx, events.Event{
			Type:     events.EventMemberPlaced,
			MemberID: referrerID,
			Payload: map[string]any{
				"member_id": member.ID.String(),
				"parent_id": parentID.String(),
				"position":  string(preferred),
				"depth":     depth,
			},
			DedupeKey: "member_placed:" + member.ID.String(),
		}); err != nil {
			return networkdomain.Placement{}, err
		}
	}

	return networkdomain.Placement{ParentID: &parentID, Position: preferred, Depth: depth}, nil
}

// insert maps a unique violation to a retryable error: the next attempt
// re-reads the tree and reports email or code conflicts precisely.
func (s *Service) insert(ctx context.Context, tx *gorm.DB, member *networkdomain.Member) error {
	if err := s.repo.Insert(ctx, tx, member); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return db.MarkRetryable(err)
		}
		return err
	}
	return nil
}

func (s *Service) GetMember(ctx context.Context, id snowflake.ID) (*networkdomain.Member, error) {
	return s.GetMemberTx(ctx, s.db, id)
}

func (s *Service) GetMemberTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*networkdomain.Member, error) {
	member, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, networkdomain.ErrMemberNotFound
	}
	return member, nil
}

func (s *Service) GetByReferralCode(ctx context.Context, code string) (*networkdomain.Member, error) {
	return s.GetByReferralCodeTx(ctx, s.db, code)
}

func (s *Service) GetByReferralCodeTx(ctx context.Context, tx *gorm.DB, code string) (*networkdomain.Member, error) {
	member, err := s.repo.FindByReferralCode(ctx, tx, normalizeCode(code))
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, networkdomain.ErrMemberNotFound
	}
	return member, nil
}

func (s *Service) ListAncestors(ctx context.Context, id snowflake.ID, maxDepth int) ([]networkdomain.Ancestor, error) {
	return s.ListAncestorsTx(ctx, s.db, id, maxDepth)
}

func (s *Service) ListAncestorsTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, maxDepth int) ([]networkdomain.Ancestor, error) {
	if _, err := s.GetMemberTx(ctx, tx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAncestors(ctx, tx, id, maxDepth)
}

func (s *Service) CountDownline(ctx context.Context, id snowflake.ID) (networkdomain.DownlineCounts, error) {
	if _, err := s.GetMember(ctx, id); err != nil {
		return networkdomain.DownlineCounts{}, err
	}
	left, err := s.repo.CountSubtree(ctx, s.db, id, networkdomain.PositionLeft)
	if err != nil {
		return networkdomain.DownlineCounts{}, err
	}
	right, err := s.repo.CountSubtree(ctx, s.db, id, networkdomain.PositionRight)
	if err != nil {
		return networkdomain.DownlineCounts{}, err
	}
	return networkdomain.DownlineCounts{Left: left, Right: right}, nil
}

// CountDirects counts active referred members registered before the cutoff,
// split by the leg of the referrer they were placed under.
func (s *Service) CountDirects(ctx context.Context, tx *gorm.DB, id snowflake.ID, registeredBefore time.Time) (networkdomain.DirectCounts, error) {
	if tx == nil {
		tx = s.db
	}
	member, err := s.GetMemberTx(ctx, tx, id)
	if err != nil {
		return networkdomain.DirectCounts{}, err
	}
	return s.repo.CountDirectsByLeg(ctx, tx, member.ReferralCode, registeredBefore)
}

func (s *Service) SetActiveTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, active bool) error {
	if _, err := s.GetMemberTx(ctx, tx, id); err != nil {
		return err
	}
	return s.repo.SetActive(ctx, tx, id, active, s.clock.Now())
}

func (s *Service) ListMemberIDs(ctx context.Context, afterID snowflake.ID, registeredBefore time.Time, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.repo.ListIDs(ctx, s.db, afterID, registeredBefore.UTC(), limit)
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\n") {
		return "", networkdomain.ErrInvalidEmail
	}
	return email, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generatedReferralCode(id snowflake.ID) string {
	return strings.ToUpper(strconv.FormatInt(id.Int64(), 36))
}

// normalizeVanityCode turns a requested code into the stored form, e.g.
// "Budi Jaya" becomes "BUDI-JAYA".
func normalizeVanityCode(raw string) (string, error) {
	code := normalizeCode(slug.Make(raw))
	if len(code) < minReferralCodeLen || len(code) > maxReferralCodeLen {
		return "", networkdomain.ErrInvalidReferralCode
	}
	return code, nil
}

