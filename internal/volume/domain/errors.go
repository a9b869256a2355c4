package domain

import "github.com/smallbiznis/binaryplan/pkg/apperror"

var (
	ErrInvalidAmount        = apperror.New(apperror.KindInvalidInput, "invalid_amount")
	ErrInvalidWeekStart     = apperror.New(apperror.KindInvalidInput, "invalid_week_start")
	ErrInvalidMonthStart    = apperror.New(apperror.KindInvalidInput, "invalid_month_start")
	ErrWeekNotEnded         = apperror.New(apperror.KindInvalidInput, "week_not_ended")
	ErrWeekClosed           = apperror.New(apperror.KindConflict, "week_already_closed")
	ErrWeekClosedOutOfOrder = apperror.New(apperror.KindConflict, "later_week_already_closed")
	ErrEarlierWeekOpen      = apperror.New(apperror.KindConflict, "earlier_week_not_closed")
	ErrReferenceKeyReused   = apperror.New(apperror.KindConflict, "reference_key_reused")
)
