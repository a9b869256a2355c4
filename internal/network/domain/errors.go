package domain

import (
	"errors"

	"github.com/smallbiznis/binaryplan/pkg/apperror"
)

var (
	ErrMemberNotFound      = apperror.New(apperror.KindNotFound, "member_not_found")
	ErrReferrerNotFound    = apperror.New(apperror.KindNotFound, "referrer_not_found")
	ErrEmailTaken          = apperror.New(apperror.KindConflict, "email_already_registered")
	ErrReferralCodeTaken   = apperror.New(apperror.KindConflict, "referral_code_taken")
	ErrInvalidEmail        = apperror.New(apperror.KindInvalidInput, "invalid_email")
	ErrInvalidPosition     = apperror.New(apperror.KindInvalidInput, "invalid_position")
	ErrInvalidReferralCode = apperror.New(apperror.KindInvalidInput, "invalid_referral_code")

	// ErrSlotTaken means another transaction filled the slot between the
	// walk and the write. It is retried, not surfaced.
	ErrSlotTaken = errors.New("placement_slot_taken")
)
