package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// LedgerEntry represents one leg of an operation. It has no setters: the only
// way to obtain one is NewLedgerEntry, and the ledger write path is the only
// caller that persists them.
type LedgerEntry struct {
	id          uuid.UUID
	operationID uuid.UUID
	accountID   uuid.UUID
	amount      decimal.Decimal
	currency    string
	entryType   EntryType
	createdAt   time.Time
}

// NewLedgerEntry builds an entry. amount is the unsigned magnitude; the
// direction is carried by entryType.
func NewLedgerEntry(id, operationID, accountID uuid.UUID, amount decimal.Decimal, currency string, entryType EntryType, createdAt time.Time) LedgerEntry {
	return LedgerEntry{
		id:          id,
		operationID: operationID,
		accountID:   accountID,
		amount:      amount,
		currency:    currency,
		entryType:   entryType,
		createdAt:   createdAt,
	}
}

func (e LedgerEntry) ID() uuid.UUID           { return e.id }
func (e LedgerEntry) OperationID() uuid.UUID  { return e.operationID }
func (e LedgerEntry) AccountID() uuid.UUID    { return e.accountID }
func (e LedgerEntry) Amount() decimal.Decimal { return e.amount }
func (e LedgerEntry) Currency() string        { return e.currency }
func (e LedgerEntry) Type() EntryType         { return e.entryType }
func (e LedgerEntry) CreatedAt() time.Time    { return e.createdAt }

// Signed returns the entry's effect on its account balance: credits are
// positive, debits negative.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.entryType == EntryDebit {
		return e.amount.Neg()
	}
	return e.amount
}

type ledgerEntryJSON struct {
	ID          uuid.UUID       `json:"id"`
	OperationID uuid.UUID       `json:"operation_id"`
	AccountID   uuid.UUID       `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	EntryType   EntryType       `json:"entry_type"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (e LedgerEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(ledgerEntryJSON{
		ID:          e.id,
		OperationID: e.operationID,
		AccountID:   e.accountID,
		Amount:      e.amount,
		Currency:    e.currency,
		EntryType:   e.entryType,
		CreatedAt:   e.createdAt,
	})
}

// UnbalancedCurrencies returns every currency whose signed entry sum is not
// zero. An empty result means the entries balance.
func UnbalancedCurrencies(entries []LedgerEntry) []string {
	sums := make(map[string]decimal.Decimal)
	var order []string
	for _, e := range entries {
		if _, ok := sums[e.currency]; !ok {
			order = append(order, e.currency)
		}
		sums[e.currency] = sums[e.currency].Add(e.Signed())
	}
	var out []string
	for _, ccy := range order {
		if !sums[ccy].IsZero() {
			out = append(out, ccy)
		}
	}
	return out
}
