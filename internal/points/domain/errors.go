package domain

import "github.com/smallbiznis/binaryplan/pkg/apperror"

var (
	ErrInvalidAmount          = apperror.New(apperror.KindInvalidInput, "invalid_amount")
	ErrInvalidTransactionType = apperror.New(apperror.KindInvalidInput, "invalid_transaction_type")
	ErrInvalidPageToken       = apperror.New(apperror.KindInvalidInput, "invalid_page_token")
	ErrInsufficientBalance    = apperror.New(apperror.KindInsufficientBalance, "insufficient_balance")
	ErrReferenceKeyReused     = apperror.New(apperror.KindConflict, "reference_key_reused")
)
