package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/internal/events"
	networkdomain "github.com/smallbiznis/binaryplan/internal/network/domain"
	obsmetrics "github.com/smallbiznis/binaryplan/internal/observability/metrics"
	pointsdomain "github.com/smallbiznis/binaryplan/internal/points/domain"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"github.com/smallbiznis/binaryplan/pkg/db/pagination"
	"github.com/smallbiznis/binaryplan/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       pointsdomain.Repository
	Members    networkdomain.Service
	Retry      db.RetryPolicy
	Publisher  events.Publisher    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       pointsdomain.Repository
	members    networkdomain.Service
	retry      db.RetryPolicy
	publisher  events.Publisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) pointsdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("points.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		members:    p.Members,
		retry:      p.Retry,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Credit(ctx context.Context, req pointsdomain.CreditRequest) (*pointsdomain.Result, error) {
	if err := validateCredit(req); err != nil {
		return nil, err
	}
	var result *pointsdomain.Result
	err := db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		res, err := s.CreditTx(ctx, tx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	ctxlogger.WithContext(ctx, s.log).Info("points credited",
		zap.String("member_id", req.MemberID.String()),
		zap.String("type", string(req.Type)),
		zap.Int64("amount", req.Amount),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

// CreditTx appends a completed credit and applies its delta to the balance
// inside tx. The balance row is created on first use and locked before the
// delta is applied.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req pointsdomain.CreditRequest) (*pointsdomain.Result, error) {
	if err := validateCredit(req); err != nil {
		return nil, err
	}
	req.ReferenceKey = strings.TrimSpace(req.ReferenceKey)

	if replay, err := s.replay(ctx, tx, req.ReferenceKey, req.MemberID, req.Type); err != nil || replay != nil {
		return replay, err
	}
	if _, err := s.members.GetMemberTx(ctx, tx, req.MemberID); err != nil {
		return nil, err
	}
	if _, err := s.lockBalance(ctx, tx, req.MemberID); err != nil {
		return nil, err
	}

	txn, err := s.appendTransaction(ctx, tx, req.MemberID, req.Type, req.Amount, req.ReferenceKey, req.Metadata)
	if err != nil {
		return nil, err
	}
	if err := s.repo.ApplyCredit(ctx, tx, req.MemberID, req.Amount, txn.CreatedAt); err != nil {
		return nil, err
	}
	balance, err := s.repo.FindBalance(ctx, tx, req.MemberID)
	if err != nil {
		return nil, err
	}

	eventType := events.EventBinaryCommission
	if req.Type == pointsdomain.TransactionDirectBonus {
		eventType = events.EventDirectBonus
	}
	if err := s.publish(ctx, tx, eventType, txn, balance); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordCredit(string(req.Type), req.Amount)
	return &pointsdomain.Result{Transaction: txn, Balance: balance}, nil
}

func (s *Service) Withdraw(ctx context.Context, req pointsdomain.WithdrawRequest) (*pointsdomain.Result, error) {
	if req.Amount <= 0 {
		return nil, pointsdomain.ErrInvalidAmount
	}
	var result *pointsdomain.Result
	err := db.Transaction(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		res, err := s.WithdrawTx(ctx, tx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if errors.Is(err, pointsdomain.ErrInsufficientBalance) {
			s.obsMetrics.IncWithdrawalDenied()
		}
		return nil, err
	}
	ctxlogger.WithContext(ctx, s.log).Info("points withdrawn",
		zap.String("member_id", req.MemberID.String()),
		zap.Int64("amount", req.Amount),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

func (s *Service) WithdrawTx(ctx context.Context, tx *gorm.DB, req pointsdomain.WithdrawRequest) (*pointsdomain.Result, error) {
	if req.Amount <= 0 {
		return nil, pointsdomain.ErrInvalidAmount
	}
	req.ReferenceKey = strings.TrimSpace(req.ReferenceKey)

	if replay, err := s.replay(ctx, tx, req.ReferenceKey, req.MemberID, pointsdomain.TransactionWithdrawal); err != nil || replay != nil {
		return replay, err
	}
	if _, err := s.members.GetMemberTx(ctx, tx, req.MemberID); err != nil {
		return nil, err
	}
	balance, err := s.lockBalance(ctx, tx, req.MemberID)
	if err != nil {
		return nil, err
	}
	if balance.AvailablePoints < req.Amount {
		return nil, pointsdomain.ErrInsufficientBalance
	}

	now := s.clock.Now()
	ok, err := s.repo.ApplyWithdrawal(ctx, tx, req.MemberID, req.Amount, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pointsdomain.ErrInsufficientBalance
	}
	txn, err := s.appendTransaction(ctx, tx, req.MemberID, pointsdomain.TransactionWithdrawal, req.Amount, req.ReferenceKey, req.Metadata)
	if err != nil {
		return nil, err
	}
	balance, err = s.repo.FindBalance(ctx, tx, req.MemberID)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, tx, events.EventPointsWithdrawn, txn, balance); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordWithdrawal(req.Amount)
	return &pointsdomain.Result{Transaction: txn, Balance: balance}, nil
}

// GetBalance returns a zero balance for members that never earned points.
func (s *Service) GetBalance(ctx context.Context, memberID snowflake.ID) (*pointsdomain.PointsBalance, error) {
	if _, err := s.members.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	balance, err := s.repo.FindBalance(ctx, s.db, memberID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return &pointsdomain.PointsBalance{MemberID: memberID}, nil
	}
	return balance, nil
}

func (s *Service) BindPlanTx(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, planID *snowflake.ID) error {
	if _, err := s.lockBalance(ctx, tx, memberID); err != nil {
		return err
	}
	return s.repo.BindPlan(ctx, tx, memberID, planID, s.clock.Now())
}

func (s *Service) ListTransactions(ctx context.Context, req pointsdomain.ListTransactionsRequest) (*pointsdomain.ListTransactionsResponse, error) {
	if _, err := s.members.GetMember(ctx, req.MemberID); err != nil {
		return nil, err
	}
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	limit := page.Size()

	var before snowflake.ID
	if page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, pointsdomain.ErrInvalidPageToken
		}
		before, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pointsdomain.ErrInvalidPageToken
		}
	}

	rows, err := s.repo.ListTransactions(ctx, s.db, req.MemberID, before, limit+1)
	if err != nil {
		return nil, err
	}
	rows, info, err := pagination.Trim(rows, limit, func(t pointsdomain.PointsTransaction) string {
		return t.ID.String()
	})
	if err != nil {
		return nil, err
	}
	return &pointsdomain.ListTransactionsResponse{
		Transactions:  rows,
		NextPageToken: info.NextPageToken,
		HasMore:       info.HasMore,
	}, nil
}

func (s *Service) SumEarned(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, from, to time.Time) (int64, error) {
	if tx == nil {
		tx = s.db
	}
	if !to.After(from) {
		return 0, nil
	}
	return s.repo.SumCredits(ctx, tx, memberID, from.UTC(), to.UTC())
}

// replay resolves a reference key to the transaction it already produced.
func (s *Service) replay(ctx context.Context, tx *gorm.DB, key string, memberID snowflake.ID, txType pointsdomain.TransactionType) (*pointsdomain.Result, error) {
	if key == "" {
		return nil, nil
	}
	existing, err := s.repo.FindTransactionByReference(ctx, tx, key)
	if err != nil || existing == nil {
		return nil, err
	}
	if existing.MemberID != memberID || existing.Type != txType {
		return nil, pointsdomain.ErrReferenceKeyReused
	}
	balance, err := s.repo.FindBalance(ctx, tx, memberID)
	if err != nil {
		return nil, err
	}
	return &pointsdomain.Result{Transaction: existing, Balance: balance, Replayed: true}, nil
}

func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, memberID snowflake.ID) (*pointsdomain.PointsBalance, error) {
	now := s.clock.Now()
	if err := s.repo.EnsureBalance(ctx, tx, &pointsdomain.PointsBalance{
		ID:        s.genID.Generate(),
		MemberID:  memberID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	balance, err := s.repo.FindBalanceForUpdate(ctx, tx, memberID)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, db.MarkRetryable(errBalanceMissing)
	}
	return balance, nil
}

func (s *Service) appendTransaction(ctx context.Context, tx *gorm.DB, memberID snowflake.ID, txType pointsdomain.TransactionType, amount int64, key string, metadata map[string]any) (*pointsdomain.PointsTransaction, error) {
	txn := &pointsdomain.PointsTransaction{
		ID:        s.genID.Generate(),
		MemberID:  memberID,
		Type:      txType,
		Amount:    amount,
		Status:    pointsdomain.StatusCompleted,
		CreatedAt: s.clock.Now(),
	}
	if key != "" {
		txn.ReferenceKey = &key
	}
	if len(metadata) > 0 {
		txn.Metadata = datatypes.JSONMap(metadata)
	}
	if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
		// A concurrent writer won the reference key; the retry sees its row.
		if db.IsDuplicateKeyErr(err) {
			return nil, db.MarkRetryable(err)
		}
		return nil, err
	}
	return txn, nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, eventType events.EventType, txn *pointsdomain.PointsTransaction, balance *pointsdomain.PointsBalance) error {
	if s.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"transaction_id":   txn.ID.String(),
		"type":             string(txn.Type),
		"amount":           txn.Amount,
		"available_points": balance.AvailablePoints,
	}
	for k, v := range txn.Metadata {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	return s.publisher.PublishTx(ctx, tx, events.Event{
		Type:      eventType,
		MemberID:  txn.MemberID,
		Payload:   payload,
		DedupeKey: "points_tx:" + strconv.FormatInt(txn.ID.Int64(), 10),
	})
}

func validateCredit(req pointsdomain.CreditRequest) error {
	if !req.Type.IsCredit() {
		return pointsdomain.ErrInvalidTransactionType
	}
	if req.Amount < 0 {
		return pointsdomain.ErrInvalidAmount
	}
	return nil
}
