package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountClass distinguishes customer wallets from the platform's own books.
type AccountClass string

const (
	AccountClassWallet           AccountClass = "WALLET"
	AccountClassHolding          AccountClass = "INTERNAL_HOLDING"
	AccountClassExternalClearing AccountClass = "EXTERNAL_CLEARING"
)

func (c AccountClass) Valid() bool {
	switch c {
	case AccountClassWallet, AccountClassHolding, AccountClassExternalClearing:
		return true
	}
	return false
}

// Account is immutable once created. Its balance is never stored; it is the
// signed sum of the account's ledger entries.
type Account struct {
	ID        uuid.UUID    `json:"id"`
	OwnerRef  string       `json:"owner_ref"`
	Currency  string       `json:"currency"`
	Class     AccountClass `json:"class"`
	CreatedAt time.Time    `json:"created_at"`
}

type OperationType string

const (
	OperationDeposit    OperationType = "DEPOSIT"
	OperationInvest     OperationType = "INVEST"
	OperationRelease    OperationType = "RELEASE"
	OperationAdjustment OperationType = "ADJUSTMENT"
	OperationReversal   OperationType = "REVERSAL"
)

func (t OperationType) Valid() bool {
	switch t {
	case OperationDeposit, OperationInvest, OperationRelease, OperationAdjustment, OperationReversal:
		return true
	}
	return false
}

type OperationStatus string

const (
	OperationPending   OperationStatus = "PENDING"
	OperationCompleted OperationStatus = "COMPLETED"
	OperationFailed    OperationStatus = "FAILED"
	OperationCancelled OperationStatus = "CANCELLED"
)

// Operation is one atomic monetary action. Once COMPLETED or FAILED it and its
// entries never change.
type Operation struct {
	ID             uuid.UUID         `json:"id"`
	Type           OperationType     `json:"type"`
	Status         OperationStatus   `json:"status"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
	TransactionID  *uuid.UUID        `json:"transaction_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Entries        []LedgerEntry     `json:"entries"`
	CreatedAt      time.Time         `json:"created_at"`
}

type TransactionType string

const (
	TransactionDeposit    TransactionType = "DEPOSIT"
	TransactionInvestment TransactionType = "INVESTMENT"
	TransactionWithdrawal TransactionType = "WITHDRAWAL"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDeposit, TransactionInvestment, TransactionWithdrawal:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusInitiated        TransactionStatus = "INITIATED"
	StatusComplianceReview TransactionStatus = "COMPLIANCE_REVIEW"
	StatusAvailable        TransactionStatus = "AVAILABLE"
	StatusFailed           TransactionStatus = "FAILED"
	StatusCancelled        TransactionStatus = "CANCELLED"
)

// Transaction groups the operations of one user-initiated flow. Status is a
// projection of those operations and is only written by the status engine.
type Transaction struct {
	ID        uuid.UUID         `json:"id"`
	Type      TransactionType   `json:"type"`
	Status    TransactionStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type OfferStatus string

const (
	OfferDraft  OfferStatus = "DRAFT"
	OfferLive   OfferStatus = "LIVE"
	OfferPaused OfferStatus = "PAUSED"
	OfferClosed OfferStatus = "CLOSED"
)

var offerTransitions = map[OfferStatus][]OfferStatus{
	OfferDraft:  {OfferLive, OfferClosed},
	OfferLive:   {OfferPaused, OfferClosed},
	OfferPaused: {OfferLive, OfferClosed},
}

// CanTransition reports whether an offer may move from s to next.
func (s OfferStatus) CanTransition(next OfferStatus) bool {
	for _, allowed := range offerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Offer is a bounded pool of investment capacity.
// CommittedAmount <= MaxAmount at all times.
type Offer struct {
	ID               uuid.UUID       `json:"id"`
	Code             string          `json:"code"`
	Currency         string          `json:"currency"`
	MaxAmount        decimal.Decimal `json:"max_amount"`
	CommittedAmount  decimal.Decimal `json:"committed_amount"`
	HoldingAccountID uuid.UUID       `json:"holding_account_id"`
	Status           OfferStatus     `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Remaining is the capacity still available on the offer.
func (o Offer) Remaining() decimal.Decimal {
	return o.MaxAmount.Sub(o.CommittedAmount)
}

// Investment records one allocation against an offer.
type Investment struct {
	ID                  uuid.UUID       `json:"id"`
	OfferID             uuid.UUID       `json:"offer_id"`
	TransactionID       uuid.UUID       `json:"transaction_id"`
	OperationID         uuid.UUID       `json:"operation_id"`
	WalletAccountID     uuid.UUID       `json:"wallet_account_id"`
	RequestedAmount     decimal.Decimal `json:"requested_amount"`
	AcceptedAmount      decimal.Decimal `json:"accepted_amount"`
	CancelledAt         *time.Time      `json:"cancelled_at,omitempty"`
	ReversalOperationID *uuid.UUID      `json:"reversal_operation_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Partial reports whether less than the requested amount was accepted.
func (i Investment) Partial() bool {
	return i.AcceptedAmount.LessThan(i.RequestedAmount)
}
