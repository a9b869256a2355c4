package domain

import "github.com/smallbiznis/binaryplan/pkg/apperror"

var (
	ErrAlreadyActive      = apperror.New(apperror.KindConflict, "membership_already_active")
	ErrPendingExists      = apperror.New(apperror.KindConflict, "membership_already_pending")
	ErrNoActiveMembership = apperror.New(apperror.KindNotFound, "active_membership_not_found")
	ErrMembershipNotFound = apperror.New(apperror.KindNotFound, "membership_not_found")
	ErrPlanUnchanged      = apperror.New(apperror.KindInvalidInput, "plan_unchanged")
	ErrPlanInactive       = apperror.New(apperror.KindInvalidInput, "plan_inactive")
	ErrInvalidTransition  = apperror.New(apperror.KindConflict, "invalid_membership_transition")
)
