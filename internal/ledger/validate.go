package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/account"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits the ledger stores.
const AmountScale = 4

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}

// validateHeader checks what is needed before the idempotency key can be
// looked up.
func validateHeader(req RecordRequest) error {
	if !req.Type.Valid() {
		return validationErr("unknown operation type %q", req.Type)
	}
	if req.IdempotencyKey != "" && strings.TrimSpace(req.IdempotencyKey) != req.IdempotencyKey {
		return validationErr("idempotency key must not have surrounding whitespace")
	}
	return nil
}

// validateRequest checks everything that can be checked without the store.
func validateRequest(req RecordRequest) error {
	if err := validateHeader(req); err != nil {
		return err
	}
	if len(req.Entries) < 2 {
		return validationErr("an operation needs at least two entries, got %d", len(req.Entries))
	}

	sums := make(map[string]decimal.Decimal)
	for i, e := range req.Entries {
		if e.AccountID == uuid.Nil {
			return validationErr("entry %d: account_id is required", i)
		}
		if !account.ValidCurrency(e.Currency) {
			return validationErr("entry %d: currency %q is not an ISO 4217 code", i, e.Currency)
		}
		if e.Amount.IsZero() {
			return validationErr("entry %d: amount must be non-zero", i)
		}
		if !e.Amount.Equal(e.Amount.Truncate(AmountScale)) {
			return validationErr("entry %d: amount %s has more than %d decimal places", i, e.Amount, AmountScale)
		}
		sums[e.Currency] = sums[e.Currency].Add(e.Amount)
	}
	for ccy, sum := range sums {
		if !sum.IsZero() {
			return validationErr("entries in %s sum to %s, want 0", ccy, sum)
		}
	}
	return nil
}

// IsRejection reports whether err is a caller-side rejection rather than a
// failure of the store to accept a valid write.
func IsRejection(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindInsufficientFunds, domain.KindNotFound,
		domain.KindOfferNotLive, domain.KindOfferFull, domain.KindAlreadyCancelled,
		domain.KindInvalidTransition:
		return true
	}
	return false
}
