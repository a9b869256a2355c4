package domain

import "github.com/smallbiznis/binaryplan/pkg/apperror"

var (
	ErrPeriodNotEnded       = apperror.New(apperror.KindInvalidInput, "period_not_ended")
	ErrLaterPeriodEvaluated = apperror.New(apperror.KindConflict, "later_period_already_evaluated")
)
