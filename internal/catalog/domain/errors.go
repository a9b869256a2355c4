package domain

import "github.com/smallbiznis/binaryplan/pkg/apperror"

var (
	ErrRankNotFound    = apperror.New(apperror.KindNotFound, "rank_not_found")
	ErrPlanNotFound    = apperror.New(apperror.KindNotFound, "plan_not_found")
	ErrInvalidPlanCode = apperror.New(apperror.KindInvalidInput, "invalid_plan_code")
)
