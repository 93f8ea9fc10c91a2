package domain

import (
	"errors"
	"fmt"
)

// Validation: rejected before any persistence.
var (
	ErrSameAccount           = errors.New("debit and credit account must differ")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrCurrencyMismatch      = errors.New("currency mismatch")
	ErrOverflow              = errors.New("amount overflow")
	ErrInvalidCurrency       = errors.New("invalid currency")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrMissingClientID       = errors.New("client id is required")
	ErrInvalidOutcome        = errors.New("invalid outcome")
	ErrInvalidAccount        = errors.New("invalid account")
)

// Conflict: surfaced to the caller, never retried.
var (
	ErrConflictingPayload = errors.New("idempotency key reused with a different payload")
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrAlreadyRefunded    = errors.New("transaction already refunded")
	ErrAccountClosed      = errors.New("account closed")
	ErrAccountFrozen      = errors.New("account frozen")
	ErrAccountExists      = errors.New("account already exists")
)

// NotFound.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Infrastructure outcomes.
var (
	ErrTransient     = errors.New("transient failure")
	ErrTimeout       = errors.New("timeout")
	ErrIndeterminate = errors.New("write outcome indeterminate")
)

// TransitionError reports a lifecycle move that is not in the status table.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// IllegalTransition builds a *TransitionError.
func IllegalTransition(from, to Status) error {
	return &TransitionError{From: from, To: to}
}

// Kind groups engine errors by how a caller should react to them.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindTransient
	KindTimeout
	KindIndeterminate
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindIndeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

// Retryable reports whether the whole operation may be re-issued by the caller.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindTimeout
}

// ordered by precedence: an indeterminate write that wraps a timeout is still indeterminate.
var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrIndeterminate, KindIndeterminate},
	{ErrTimeout, KindTimeout},
	{ErrTransient, KindTransient},
	{ErrSameAccount, KindValidation},
	{ErrInvalidAmount, KindValidation},
	{ErrCurrencyMismatch, KindValidation},
	{ErrOverflow, KindValidation},
	{ErrInvalidCurrency, KindValidation},
	{ErrMissingIdempotencyKey, KindValidation},
	{ErrMissingClientID, KindValidation},
	{ErrInvalidOutcome, KindValidation},
	{ErrInvalidAccount, KindValidation},
	{ErrConflictingPayload, KindConflict},
	{ErrIllegalTransition, KindConflict},
	{ErrAlreadyRefunded, KindConflict},
	{ErrAccountClosed, KindConflict},
	{ErrAccountFrozen, KindConflict},
	{ErrAccountExists, KindConflict},
	{ErrAccountNotFound, KindNotFound},
	{ErrTransactionNotFound, KindNotFound},
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}
