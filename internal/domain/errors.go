package domain

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOfferNotLive      = errors.New("offer not live")
	ErrOfferFull         = errors.New("offer full")
	ErrLedgerImbalance   = errors.New("ledger imbalance")
	ErrStatusRecompute   = errors.New("status recompute failure")
	ErrInvalidTransition = errors.New("invalid offer status transition")
	ErrAlreadyCancelled  = errors.New("investment already cancelled")

	ErrNotFound            = errors.New("not found")
	ErrAccountNotFound     = notFound("account not found")
	ErrOperationNotFound   = notFound("operation not found")
	ErrTransactionNotFound = notFound("transaction not found")
	ErrOfferNotFound       = notFound("offer not found")
	ErrInvestmentNotFound  = notFound("investment not found")
)

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string        { return e.msg }
func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

func notFound(msg string) error { return &notFoundError{msg: msg} }

// Kind names an error by its taxonomy bucket.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindOfferNotLive      Kind = "OFFER_NOT_LIVE"
	KindOfferFull         Kind = "OFFER_FULL"
	KindLedgerImbalance   Kind = "LEDGER_IMBALANCE"
	KindStatusRecompute   Kind = "STATUS_RECOMPUTE_FAILURE"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindAlreadyCancelled  Kind = "ALREADY_CANCELLED"
	KindNotFound          Kind = "NOT_FOUND"
	KindInternal          Kind = "INTERNAL"
)

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLedgerImbalance):
		return KindLedgerImbalance
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrOfferNotLive):
		return KindOfferNotLive
	case errors.Is(err, ErrOfferFull):
		return KindOfferFull
	case errors.Is(err, ErrStatusRecompute):
		return KindStatusRecompute
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrAlreadyCancelled):
		return KindAlreadyCancelled
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindInternal
}
