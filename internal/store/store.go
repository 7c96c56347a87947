package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrUniqueViolation is returned when an insert collides with an existing row.
var ErrUniqueViolation = errors.New("unique constraint violation")

// Reader is the read side shared by the pool and by open transactions.
type Reader interface {
	GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error)
	Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
	GetOperation(ctx context.Context, id uuid.UUID) (domain.Operation, error)
	OperationsByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Operation, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	GetOffer(ctx context.Context, id uuid.UUID) (domain.Offer, error)
	GetInvestment(ctx context.Context, id uuid.UUID) (domain.Investment, error)
	InvestmentByOperation(ctx context.Context, operationID uuid.UUID) (domain.Investment, error)
	InvestmentsByOffer(ctx context.Context, offerID uuid.UUID) ([]domain.Investment, error)
}

// Tx is a unit of work. Nothing written through a Tx is visible to other
// readers until the surrounding InTx call returns nil.
type Tx interface {
	Reader

	InsertAccount(ctx context.Context, acc domain.Account) error
	// LockAccount serializes writers that move money out of the account.
	LockAccount(ctx context.Context, id uuid.UUID) (domain.Account, error)

	// ClaimIdempotencyKey reserves (scope, key) for this transaction. When the
	// key is already bound it returns the bound operation id and claimed=false.
	// A concurrent claimant blocks until the holder commits or rolls back.
	ClaimIdempotencyKey(ctx context.Context, scope domain.OperationType, key string) (existing uuid.UUID, claimed bool, err error)
	BindIdempotencyKey(ctx context.Context, scope domain.OperationType, key string, operationID uuid.UUID) error

	// InsertOperation persists the operation and all of its entries.
	InsertOperation(ctx context.Context, op domain.Operation) error

	InsertTransaction(ctx context.Context, t domain.Transaction) error
	LockTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	SetTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, at time.Time) error

	InsertOffer(ctx context.Context, o domain.Offer) error
	LockOffer(ctx context.Context, id uuid.UUID) (domain.Offer, error)
	SetOfferCommitted(ctx context.Context, id uuid.UUID, committed decimal.Decimal, at time.Time) error
	SetOfferStatus(ctx context.Context, id uuid.UUID, status domain.OfferStatus, at time.Time) error

	InsertInvestment(ctx context.Context, inv domain.Investment) error
	LockInvestment(ctx context.Context, id uuid.UUID) (domain.Investment, error)
	MarkInvestmentCancelled(ctx context.Context, id, reversalOperationID uuid.UUID, at time.Time) error
}

// Store is the durable state behind the core.
type Store interface {
	Reader
	// InTx runs fn in one atomic unit. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
