// Package apperror classifies domain errors into the small set of kinds the
// outer layers understand (HTTP status, retry decisions, log level).
package apperror

import (
	"errors"
	"fmt"
)

// Kind is the coarse class of an error.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindInvalidInput        Kind = "invalid_input"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindInternal            Kind = "internal"
)

// Error is a sentinel-friendly error carrying a Kind and a stable snake_case code.
type Error struct {
	Kind Kind
	Code string
}

func (e *Error) Error() string { return e.Code }

// New returns a new sentinel. Compare with errors.Is.
func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// KindOf reports the Kind of err, falling back to KindInternal for anything
// that was not produced by this package.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in the chain.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "internal_error"
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Wrap annotates err with a message while keeping it matchable.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

var (
	ErrNotFound            = New(KindNotFound, "not_found")
	ErrConflict            = New(KindConflict, "conflict")
	ErrInvalidInput        = New(KindInvalidInput, "invalid_input")
	ErrInsufficientBalance = New(KindInsufficientBalance, "insufficient_balance")
	ErrInternal            = New(KindInternal, "internal_error")
)
