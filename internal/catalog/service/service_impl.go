package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/binaryplan/internal/cache"
	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	catalogCacheTTL = 5 * time.Minute
	ranksCacheKey   = "active"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  catalogdomain.Repository
	Redis *redis.Client `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  catalogdomain.Repository

	rankCache *cache.JSONCache[[]catalogdomain.Rank]
	planCache *cache.JSONCache[catalogdomain.Plan]
}

func NewService(p Params) catalogdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("catalog.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		rankCache: cache.NewJSONCache[[]catalogdomain.Rank](p.Redis, "catalog:ranks:", catalogCacheTTL),
		planCache: cache.NewJSONCache[catalogdomain.Plan](p.Redis, "catalog:plan:", catalogCacheTTL),
	}
}

func (s *Service) ListRanks(ctx context.Context) ([]catalogdomain.Rank, error) {
	if cached, ok, err := s.rankCache.Get(ctx, ranksCacheKey); err != nil {
		s.log.Warn("rank cache read failed", zap.Error(err))
	} else if ok {
		return cached, nil
	}

	ranks, err := s.repo.ListActiveRanks(ctx, s.db)
	if err != nil {
		return nil, err
	}
	if err := s.rankCache.Set(ctx, ranksCacheKey, ranks); err != nil {
		s.log.Warn("rank cache write failed", zap.Error(err))
	}
	return ranks, nil
}

func (s *Service) GetRank(ctx context.Context, id snowflake.ID) (*catalogdomain.Rank, error) {
	return s.GetRankTx(ctx, s.db, id)
}

func (s *Service) GetRankTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*catalogdomain.Rank, error) {
	rank, err := s.repo.FindRankByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if rank == nil {
		return nil, catalogdomain.ErrRankNotFound
	}
	return rank, nil
}

func (s *Service) GetRankByCode(ctx context.Context, code string) (*catalogdomain.Rank, error) {
	rank, err := s.repo.FindRankByCode(ctx, s.db, normalizeCode(code))
	if err != nil {
		return nil, err
	}
	if rank == nil {
		return nil, catalogdomain.ErrRankNotFound
	}
	return rank, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]catalogdomain.Plan, error) {
	return s.repo.ListActivePlans(ctx, s.db)
}

func (s *Service) GetPlan(ctx context.Context, id snowflake.ID) (*catalogdomain.Plan, error) {
	plan, err := s.repo.FindPlanByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, catalogdomain.ErrPlanNotFound
	}
	return plan, nil
}

// GetPlanByCode resolves an active plan by its code.
func (s *Service) GetPlanByCode(ctx context.Context, code string) (*catalogdomain.Plan, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, catalogdomain.ErrInvalidPlanCode
	}

	if cached, ok, err := s.planCache.Get(ctx, code); err != nil {
		s.log.Warn("plan cache read failed", zap.Error(err))
	} else if ok {
		return &cached, nil
	}

	plan, err := s.repo.FindPlanByCode(ctx, s.db, code)
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.IsActive {
		return nil, catalogdomain.ErrPlanNotFound
	}
	if err := s.planCache.Set(ctx, code, *plan); err != nil {
		s.log.Warn("plan cache write failed", zap.Error(err))
	}
	return plan, nil
}

// Seed inserts the default ranks and plans that are not present yet.
func (s *Service) Seed(ctx context.Context) error {
	now := s.clock.Now()
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rank := range catalogdomain.DefaultRanks() {
			rank.ID = s.genID.Generate()
			rank.CreatedAt = now
			ok, err := s.repo.InsertRankIfAbsent(ctx, tx, &rank)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		for _, plan := range catalogdomain.DefaultPlans() {
			plan.ID = s.genID.Generate()
			plan.CreatedAt = now
			ok, err := s.repo.InsertPlanIfAbsent(ctx, tx, &plan)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if inserted > 0 {
		if err := s.rankCache.Delete(ctx, ranksCacheKey); err != nil {
			s.log.Warn("rank cache invalidation failed", zap.Error(err))
		}
		s.log.Info("catalog seeded", zap.Int("inserted", inserted))
	}
	return nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
