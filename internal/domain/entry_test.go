package domain_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func leg(currency string, amount string, t domain.EntryType) domain.LedgerEntry {
	return domain.NewLedgerEntry(uuid.New(), uuid.New(), uuid.New(), decimal.RequireFromString(amount), currency, t, time.Now())
}

func TestUnbalancedCurrencies(t *testing.T) {
	tests := []struct {
		name    string
		entries []domain.LedgerEntry
		want    []string
	}{
		{
			name: "no entries",
			want: nil,
		},
		{
			name: "balanced single currency",
			entries: []domain.LedgerEntry{
				leg("USD", "100.50", domain.EntryDebit),
				leg("USD", "60.25", domain.EntryCredit),
				leg("USD", "40.25", domain.EntryCredit),
			},
			want: nil,
		},
		{
			name: "one unbalanced currency",
			entries: []domain.LedgerEntry{
				leg("USD", "100", domain.EntryDebit),
				leg("USD", "99.9999", domain.EntryCredit),
			},
			want: []string{"USD"},
		},
		{
			name: "mixed currencies balance independently",
			entries: []domain.LedgerEntry{
				leg("USD", "10", domain.EntryDebit),
				leg("EUR", "10", domain.EntryCredit),
			},
			want: []string{"USD", "EUR"},
		},
		{
			name: "only the unbalanced currency is reported",
			entries: []domain.LedgerEntry{
				leg("AED", "5", domain.EntryDebit),
				leg("USD", "10", domain.EntryDebit),
				leg("USD", "10", domain.EntryCredit),
				leg("AED", "4", domain.EntryCredit),
			},
			want: []string{"AED"},
		},
		{
			name: "currencies reported in first-seen order",
			entries: []domain.LedgerEntry{
				leg("GBP", "1", domain.EntryCredit),
				leg("AED", "2", domain.EntryCredit),
				leg("USD", "3", domain.EntryDebit),
			},
			want: []string{"GBP", "AED", "USD"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.UnbalancedCurrencies(tt.entries))
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want domain.Kind
	}{
		{nil, ""},
		{domain.ErrLedgerImbalance, domain.KindLedgerImbalance},
		{fmt.Errorf("%w: operation x unbalanced in USD", domain.ErrLedgerImbalance), domain.KindLedgerImbalance},
		{fmt.Errorf("%w: %w", domain.ErrLedgerImbalance, domain.ErrValidation), domain.KindLedgerImbalance},
		{domain.ErrInsufficientFunds, domain.KindInsufficientFunds},
		{domain.ErrOfferFull, domain.KindOfferFull},
		{domain.ErrOfferNotLive, domain.KindOfferNotLive},
		{domain.ErrAlreadyCancelled, domain.KindAlreadyCancelled},
		{domain.ErrInvalidTransition, domain.KindInvalidTransition},
		{domain.ErrStatusRecompute, domain.KindStatusRecompute},
		{fmt.Errorf("entry 0: %w", domain.ErrAccountNotFound), domain.KindNotFound},
		{domain.ErrInvestmentNotFound, domain.KindNotFound},
		{fmt.Errorf("connection reset"), domain.KindInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, domain.KindOf(tt.err))
		})
	}
}
