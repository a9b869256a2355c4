// Package aggregation guards periodic runs so each (kind, period) is
// processed at most once.
package aggregation

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/binaryplan/internal/clock"
	"github.com/smallbiznis/binaryplan/pkg/apperror"
	"github.com/smallbiznis/binaryplan/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Kind string

const (
	KindWeeklyClose Kind = "WEEKLY_CLOSE"
	KindMonthlyRank Kind = "MONTHLY_RANK"
)

type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

var (
	ErrRunInProgress   = apperror.New(apperror.KindConflict, "aggregation_run_in_progress")
	ErrPeriodCompleted = apperror.New(apperror.KindConflict, "aggregation_period_completed")
	ErrRunNotClaimed   = apperror.New(apperror.KindConflict, "aggregation_run_not_claimed")
)

type Run struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Kind        Kind         `gorm:"type:text;not null;uniqueIndex:ux_aggregation_runs_kind_period"`
	PeriodStart time.Time    `gorm:"not null;uniqueIndex:ux_aggregation_runs_kind_period"`
	Status      Status       `gorm:"type:text;not null"`
	Processed   int          `gorm:"not null;default:0"`
	Error       string       `gorm:"type:text"`
	StartedAt   time.Time    `gorm:"not null"`
	FinishedAt  *time.Time
}

func (Run) TableName() string { return "aggregation_runs" }

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
	Clock clock.Clock
}

type Runs struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewRuns(p Params) *Runs {
	return &Runs{db: p.DB, genID: p.GenID, clock: p.Clock}
}

// Gate is one row per kind. Writers feeding a period hold it FOR SHARE for
// their whole transaction; Claim holds it FOR UPDATE, so a claim never
// interleaves with an in-flight write.
type Gate struct {
	Kind      Kind      `gorm:"primaryKey;type:text"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Gate) TableName() string { return "aggregation_gates" }

// Claim marks (kind, periodStart) as RUNNING in its own transaction. A
// previously FAILED run may be taken over; RUNNING and COMPLETED runs are
// rejected.
func (r *Runs) Claim(ctx context.Context, kind Kind, periodStart time.Time) (*Run, error) {
	return r.ClaimGuarded(ctx, kind, periodStart, nil)
}

// ClaimGuarded is Claim with guard run inside the claiming transaction
// while the kind's gate is held exclusively. A guard error aborts the
// claim.
func (r *Runs) ClaimGuarded(ctx context.Context, kind Kind, periodStart time.Time, guard func(tx *gorm.DB) error) (*Run, error) {
	periodStart = periodStart.UTC()
	now := r.clock.Now()
	candidate := &Run{
		ID:          r.genID.Generate(),
		Kind:        kind,
		PeriodStart: periodStart,
		Status:      StatusRunning,
		StartedAt:   now,
	}

	var claimed *Run
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.lockGate(tx, kind, db.ForUpdate); err != nil {
			return err
		}
		if guard != nil {
			if err := guard(tx); err != nil {
				return err
			}
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "period_start"}},
			DoNothing: true,
		}).Create(candidate)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			claimed = candidate
			return nil
		}

		var existing Run
		if err := db.ForUpdate(tx).
			Where("kind = ? AND period_start = ?", kind, periodStart).
			First(&existing).Error; err != nil {
			return err
		}
		switch existing.Status {
		case StatusCompleted:
			return ErrPeriodCompleted
		case StatusRunning:
			return ErrRunInProgress
		}

		updated := tx.Model(&Run{}).
			Where("id = ? AND status = ?", existing.ID, StatusFailed).
			Updates(map[string]any{
				"status":      StatusRunning,
				"error":       "",
				"processed":   0,
				"started_at":  now,
				"finished_at": nil,
			})
		if updated.Error != nil {
			return updated.Error
		}
		if updated.RowsAffected != 1 {
			return ErrRunInProgress
		}
		existing.Status = StatusRunning
		existing.StartedAt = now
		existing.Processed = 0
		existing.Error = ""
		existing.FinishedAt = nil
		claimed = &existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *Runs) Complete(ctx context.Context, run *Run, processed int) error {
	return r.finish(ctx, run, StatusCompleted, processed, "")
}

func (r *Runs) Fail(ctx context.Context, run *Run, cause error) error {
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	return r.finish(ctx, run, StatusFailed, run.Processed, msg)
}

func (r *Runs) Get(ctx context.Context, kind Kind, periodStart time.Time) (*Run, error) {
	return r.GetTx(ctx, r.db, kind, periodStart)
}

// GetTx reads the run for (kind, periodStart) through tx. It returns nil
// when the period was never claimed.
func (r *Runs) GetTx(ctx context.Context, tx *gorm.DB, kind Kind, periodStart time.Time) (*Run, error) {
	var run Run
	err := tx.WithContext(ctx).
		Where("kind = ? AND period_start = ?", kind, periodStart.UTC()).
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == 0 {
		return nil, nil
	}
	return &run, nil
}

// EnterTx holds the kind's gate FOR SHARE until tx ends. Writers call it
// before checking whether their period is still open.
func (r *Runs) EnterTx(ctx context.Context, tx *gorm.DB, kind Kind) error {
	return r.lockGate(tx.WithContext(ctx), kind, db.ForShare)
}

func (r *Runs) lockGate(tx *gorm.DB, kind Kind, lock func(*gorm.DB) *gorm.DB) error {
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}},
		DoNothing: true,
	}).Create(&Gate{Kind: kind, CreatedAt: r.clock.Now()}).Error; err != nil {
		return err
	}
	var gate Gate
	return lock(tx).Where("kind = ?", kind).First(&gate).Error
}

// ClaimedAfterTx reports whether any period of kind later than periodStart
// has been claimed, whatever its status.
func (r *Runs) ClaimedAfterTx(ctx context.Context, tx *gorm.DB, kind Kind, periodStart time.Time) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&Run{}).
		Where("kind = ? AND period_start > ?", kind, periodStart.UTC()).
		Count(&count).Error
	return count > 0, err
}

func (r *Runs) finish(ctx context.Context, run *Run, status Status, processed int, msg string) error {
	if run == nil {
		return ErrRunNotClaimed
	}
	now := r.clock.Now()
	res := r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status = ?", run.ID, StatusRunning).
		Updates(map[string]any{
			"status":      status,
			"processed":   processed,
			"error":       msg,
			"finished_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrRunNotClaimed
	}
	run.Status = status
	run.Processed = processed
	run.Error = msg
	run.FinishedAt = &now
	return nil
}

var Module = fx.Module("aggregation",
	fx.Provide(NewRuns),
)
