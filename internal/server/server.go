package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/binaryplan/internal/authorization"
	catalogdomain "github.com/smallbiznis/binaryplan/internal/catalog/domain"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/config"
	"github.com/smallbiznis/binaryplan/internal/events"
	membershipdomain "github.com/smallbiznis/binaryplan/internal/membership/domain"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	"github.com/smallbiznis/binaryplan/internal/observability"
	obsmiddleware "github.com/smallbiznis/binaryplan/internal/observability/logger"
	"github.com/smallbiznis/binaryplan/internal/observability/tracing"
	pointsdomain "github.com/smallbiznis/binaryplan/internal/points/domain"
	rankdomain "github.com/smallbiznis/binaryplan/internal/rank/domain"
	"github.com/smallbiznis/binaryplan/internal/ratelimit"
	volumedomain "github.com/smallbiznis/binaryplan/internal/volume/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	authorization.Module,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(tracing.GinMiddleware(classifyErrorForLog))
	r.Use(obsmiddleware.GinMiddleware(classifyErrorForLog))
	r.Use(ErrorHandlingMiddleware(log.Named("http")))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	return NewEngine(obsCfg, log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Params struct {
	fx.In

	Engine        *gin.Engine
	Log           *zap.Logger
	Clock         clock.Clock
	AuthzSvc      authorization.Service
	CatalogSvc    catalogdomain.Service
	MemberSvc     networkdomain.Service
	PointsSvc     pointsdomain.Service
	VolumeSvc     volumedomain.Service
	RankSvc       rankdomain.Service
	MembershipSvc membershipdomain.Service
	Relay         *events.Relay
	Limiter       *ratelimit.WriteLimiter `optional:"true"`
}

type Server struct {
	engine        *gin.Engine
	log           *zap.Logger
	clock         clock.Clock
	authzSvc      authorization.Service
	catalogSvc    catalogdomain.Service
	memberSvc     networkdomain.Service
	pointsSvc     pointsdomain.Service
	volumeSvc     volumedomain.Service
	rankSvc       rankdomain.Service
	membershipSvc membershipdomain.Service
	relay         *events.Relay
	limiter       *ratelimit.WriteLimiter
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:        p.Engine,
		log:           p.Log.Named("http.server"),
		clock:         p.Clock,
		authzSvc:      p.AuthzSvc,
		catalogSvc:    p.CatalogSvc,
		memberSvc:     p.MemberSvc,
		pointsSvc:     p.PointsSvc,
		volumeSvc:     p.VolumeSvc,
		rankSvc:       p.RankSvc,
		membershipSvc: p.MembershipSvc,
		relay:         p.Relay,
		limiter:       p.Limiter,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(s.limitWrites())

	api.GET("/plans", s.ListPlans)
	api.GET("/ranks", s.ListRanks)
	api.POST("/members", s.RegisterMember)

	member := api.Group("/members/:id")
	member.GET("", s.authorizeMember(authorization.ObjectMember, authorization.ActionMemberView), s.GetMember)
	member.GET("/ancestors", s.authorizeMember(authorization.ObjectMember, authorization.ActionMemberView), s.ListAncestors)
	member.GET("/downline", s.authorizeMember(authorization.ObjectMember, authorization.ActionMemberView), s.GetDownline)

	member.GET("/balance", s.authorizeMember(authorization.ObjectPoints, authorization.ActionPointsView), s.GetBalance)
	member.GET("/transactions", s.authorizeMember(authorization.ObjectPoints, authorization.ActionPointsView), s.ListTransactions)
	member.POST("/credits", s.authorizeMember(authorization.ObjectPoints, authorization.ActionPointsCredit), s.CreditPoints)
	member.POST("/withdrawals", s.authorizeMember(authorization.ObjectPoints, authorization.ActionPointsWithdraw), s.WithdrawPoints)

	member.POST("/activities", s.authorizeMember(authorization.ObjectVolume, authorization.ActionVolumeRecord), s.RecordActivity)
	member.GET("/volume/weekly", s.authorizeMember(authorization.ObjectVolume, authorization.ActionVolumeView), s.GetWeeklyVolume)
	member.GET("/volume/monthly", s.authorizeMember(authorization.ObjectVolume, authorization.ActionVolumeView), s.GetMonthlyVolume)

	member.GET("/rank", s.authorizeMember(authorization.ObjectRank, authorization.ActionRankView), s.GetCurrentRank)
	member.GET("/rank/history", s.authorizeMember(authorization.ObjectRank, authorization.ActionRankView), s.ListRankHistory)

	member.GET("/membership", s.authorizeMember(authorization.ObjectMembership, authorization.ActionMembershipView), s.GetMembership)
	member.GET("/membership/history", s.authorizeMember(authorization.ObjectMembership, authorization.ActionMembershipView), s.ListMembershipHistory)
	member.POST("/membership/pending", s.authorizeMember(authorization.ObjectMembership, authorization.ActionMembershipActivate), s.CreatePendingMembership)
	member.POST("/membership/activate", s.authorizeMember(authorization.ObjectMembership, authorization.ActionMembershipActivate), s.ActivateMembership)
	member.POST("/membership/change-plan", s.authorizeMember(authorization.ObjectMembership, authorization.ActionMembershipChangePlan), s.ChangePlan)
	member.POST("/membership/expire", s.authorizeMember(authorization.ObjectMembership, authorization.ActionMembershipExpire), s.ExpireMembership)
	member.POST("/membership/deactivate", s.authorizeMember(authorization.ObjectMembership, authorization.ActionMembershipDeactivate), s.DeactivateMembership)

	admin := api.Group("/admin")
	admin.POST("/weeks/:week_start/close", s.authorizeOperation(authorization.ObjectVolume, authorization.ActionVolumeCloseWeek), s.CloseWeek)
	admin.POST("/rank-periods/:month/evaluate", s.authorizeOperation(authorization.ObjectRank, authorization.ActionRankEvaluate), s.EvaluateRankPeriod)
	admin.POST("/memberships/expire-due", s.authorizeOperation(authorization.ObjectMembership, authorization.ActionMembershipExpire), s.ExpireDueMemberships)
	admin.POST("/events/relay", s.authorizeOperation(authorization.ObjectEvents, authorization.ActionEventsRelay), s.RelayEvents)
}
