package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/shopspring/decimal"
)

type idemKey struct {
	scope domain.OperationType
	key   string
}

// MemoryStore keeps all state in process. Every InTx call holds one mutex for
// its whole duration, so transactions are fully serialized. Writes are applied
// in place and undone in reverse order when fn fails.
type MemoryStore struct {
	mu sync.Mutex

	accounts         map[uuid.UUID]domain.Account
	entriesByAccount map[uuid.UUID][]domain.LedgerEntry
	operations       map[uuid.UUID]domain.Operation
	opsByTransaction map[uuid.UUID][]uuid.UUID
	transactions     map[uuid.UUID]domain.Transaction
	offers           map[uuid.UUID]domain.Offer
	offerCodes       map[string]uuid.UUID
	investments      map[uuid.UUID]domain.Investment
	invByOperation   map[uuid.UUID]uuid.UUID
	invByOffer       map[uuid.UUID][]uuid.UUID
	keys             map[idemKey]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:         make(map[uuid.UUID]domain.Account),
		entriesByAccount: make(map[uuid.UUID][]domain.LedgerEntry),
		operations:       make(map[uuid.UUID]domain.Operation),
		opsByTransaction: make(map[uuid.UUID][]uuid.UUID),
		transactions:     make(map[uuid.UUID]domain.Transaction),
		offers:           make(map[uuid.UUID]domain.Offer),
		offerCodes:       make(map[string]uuid.UUID),
		investments:      make(map[uuid.UUID]domain.Investment),
		invByOperation:   make(map[uuid.UUID]uuid.UUID),
		invByOffer:       make(map[uuid.UUID][]uuid.UUID),
		keys:             make(map[idemKey]uuid.UUID),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(tx)
}

func (s *MemoryStore) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAccount(id)
}

func (s *MemoryStore) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance(accountID)
}

func (s *MemoryStore) GetOperation(ctx context.Context, id uuid.UUID) (domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOperation(id)
}

func (s *MemoryStore) OperationsByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operationsByTransaction(transactionID), nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTransaction(id)
}

func (s *MemoryStore) GetOffer(ctx context.Context, id uuid.UUID) (domain.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOffer(id)
}

func (s *MemoryStore) GetInvestment(ctx context.Context, id uuid.UUID) (domain.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getInvestment(id)
}

func (s *MemoryStore) InvestmentByOperation(ctx context.Context, operationID uuid.UUID) (domain.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.investmentByOperation(operationID)
}

func (s *MemoryStore) InvestmentsByOffer(ctx context.Context, offerID uuid.UUID) ([]domain.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.investmentsByOffer(offerID), nil
}

// Unlocked helpers. Callers hold s.mu.

func (s *MemoryStore) getAccount(id uuid.UUID) (domain.Account, error) {
	acc, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return acc, nil
}

func (s *MemoryStore) balance(accountID uuid.UUID) (decimal.Decimal, error) {
	if _, ok := s.accounts[accountID]; !ok {
		return decimal.Zero, domain.ErrAccountNotFound
	}
	sum := decimal.Zero
	for _, e := range s.entriesByAccount[accountID] {
		sum = sum.Add(e.Signed())
	}
	return sum, nil
}

func (s *MemoryStore) getOperation(id uuid.UUID) (domain.Operation, error) {
	op, ok := s.operations[id]
	if !ok {
		return domain.Operation{}, domain.ErrOperationNotFound
	}
	return copyOperation(op), nil
}

func (s *MemoryStore) operationsByTransaction(transactionID uuid.UUID) []domain.Operation {
	ids := s.opsByTransaction[transactionID]
	out := make([]domain.Operation, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyOperation(s.operations[id]))
	}
	return out
}

func (s *MemoryStore) getTransaction(id uuid.UUID) (domain.Transaction, error) {
	t, ok := s.transactions[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return t, nil
}

func (s *MemoryStore) getOffer(id uuid.UUID) (domain.Offer, error) {
	o, ok := s.offers[id]
	if !ok {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	return o, nil
}

func (s *MemoryStore) getInvestment(id uuid.UUID) (domain.Investment, error) {
	inv, ok := s.investments[id]
	if !ok {
		return domain.Investment{}, domain.ErrInvestmentNotFound
	}
	return inv, nil
}

func (s *MemoryStore) investmentByOperation(operationID uuid.UUID) (domain.Investment, error) {
	id, ok := s.invByOperation[operationID]
	if !ok {
		return domain.Investment{}, domain.ErrInvestmentNotFound
	}
	return s.investments[id], nil
}

func (s *MemoryStore) investmentsByOffer(offerID uuid.UUID) []domain.Investment {
	ids := s.invByOffer[offerID]
	out := make([]domain.Investment, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.investments[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyOperation(op domain.Operation) domain.Operation {
	out := op
	out.Entries = append([]domain.LedgerEntry(nil), op.Entries...)
	if op.Metadata != nil {
		out.Metadata = make(map[string]string, len(op.Metadata))
		for k, v := range op.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) onRollback(fn func()) { t.undo = append(t.undo, fn) }

func (t *memTx) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return t.s.getAccount(id)
}

func (t *memTx) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	return t.s.balance(accountID)
}

func (t *memTx) GetOperation(ctx context.Context, id uuid.UUID) (domain.Operation, error) {
	return t.s.getOperation(id)
}

func (t *memTx) OperationsByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Operation, error) {
	return t.s.operationsByTransaction(transactionID), nil
}

func (t *memTx) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return t.s.getTransaction(id)
}

func (t *memTx) GetOffer(ctx context.Context, id uuid.UUID) (domain.Offer, error) {
	return t.s.getOffer(id)
}

func (t *memTx) GetInvestment(ctx context.Context, id uuid.UUID) (domain.Investment, error) {
	return t.s.getInvestment(id)
}

func (t *memTx) InvestmentByOperation(ctx context.Context, operationID uuid.UUID) (domain.Investment, error) {
	return t.s.investmentByOperation(operationID)
}

func (t *memTx) InvestmentsByOffer(ctx context.Context, offerID uuid.UUID) ([]domain.Investment, error) {
	return t.s.investmentsByOffer(offerID), nil
}

func (t *memTx) InsertAccount(ctx context.Context, acc domain.Account) error {
	if _, ok := t.s.accounts[acc.ID]; ok {
		return fmt.Errorf("account %s: %w", acc.ID, ErrUniqueViolation)
	}
	t.s.accounts[acc.ID] = acc
	t.onRollback(func() { delete(t.s.accounts, acc.ID) })
	return nil
}

func (t *memTx) LockAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return t.s.getAccount(id)
}

func (t *memTx) ClaimIdempotencyKey(ctx context.Context, scope domain.OperationType, key string) (uuid.UUID, bool, error) {
	k := idemKey{scope: scope, key: key}
	if existing, ok := t.s.keys[k]; ok {
		return existing, false, nil
	}
	t.s.keys[k] = uuid.Nil
	t.onRollback(func() { delete(t.s.keys, k) })
	return uuid.Nil, true, nil
}

func (t *memTx) BindIdempotencyKey(ctx context.Context, scope domain.OperationType, key string, operationID uuid.UUID) error {
	k := idemKey{scope: scope, key: key}
	prev, ok := t.s.keys[k]
	if ok && prev != uuid.Nil {
		return fmt.Errorf("idempotency key %q: %w", key, ErrUniqueViolation)
	}
	t.s.keys[k] = operationID
	t.onRollback(func() {
		if ok {
			t.s.keys[k] = prev
		} else {
			delete(t.s.keys, k)
		}
	})
	return nil
}

func (t *memTx) InsertOperation(ctx context.Context, op domain.Operation) error {
	if _, ok := t.s.operations[op.ID]; ok {
		return fmt.Errorf("operation %s: %w", op.ID, ErrUniqueViolation)
	}
	for _, e := range op.Entries {
		if _, ok := t.s.accounts[e.AccountID()]; !ok {
			return fmt.Errorf("entry %s: %w", e.ID(), domain.ErrAccountNotFound)
		}
	}
	if op.TransactionID != nil {
		if _, ok := t.s.transactions[*op.TransactionID]; !ok {
			return domain.ErrTransactionNotFound
		}
	}

	t.s.operations[op.ID] = copyOperation(op)
	t.onRollback(func() { delete(t.s.operations, op.ID) })

	for _, e := range op.Entries {
		acct := e.AccountID()
		prev := t.s.entriesByAccount[acct]
		t.s.entriesByAccount[acct] = append(prev[:len(prev):len(prev)], e)
		t.onRollback(func() { t.s.entriesByAccount[acct] = prev })
	}

	if op.TransactionID != nil {
		txnID := *op.TransactionID
		prev := t.s.opsByTransaction[txnID]
		t.s.opsByTransaction[txnID] = append(prev[:len(prev):len(prev)], op.ID)
		t.onRollback(func() { t.s.opsByTransaction[txnID] = prev })
	}
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	if _, ok := t.s.transactions[txn.ID]; ok {
		return fmt.Errorf("transaction %s: %w", txn.ID, ErrUniqueViolation)
	}
	t.s.transactions[txn.ID] = txn
	t.onRollback(func() { delete(t.s.transactions, txn.ID) })
	return nil
}

func (t *memTx) LockTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return t.s.getTransaction(id)
}

func (t *memTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, at time.Time) error {
	prev, ok := t.s.transactions[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	next := prev
	next.Status = status
	next.UpdatedAt = at
	t.s.transactions[id] = next
	t.onRollback(func() { t.s.transactions[id] = prev })
	return nil
}

func (t *memTx) InsertOffer(ctx context.Context, o domain.Offer) error {
	if _, ok := t.s.offers[o.ID]; ok {
		return fmt.Errorf("offer %s: %w", o.ID, ErrUniqueViolation)
	}
	if _, ok := t.s.offerCodes[o.Code]; ok {
		return fmt.Errorf("offer code %q: %w", o.Code, ErrUniqueViolation)
	}
	t.s.offers[o.ID] = o
	t.s.offerCodes[o.Code] = o.ID
	t.onRollback(func() {
		delete(t.s.offers, o.ID)
		delete(t.s.offerCodes, o.Code)
	})
	return nil
}

func (t *memTx) LockOffer(ctx context.Context, id uuid.UUID) (domain.Offer, error) {
	return t.s.getOffer(id)
}

func (t *memTx) SetOfferCommitted(ctx context.Context, id uuid.UUID, committed decimal.Decimal, at time.Time) error {
	prev, ok := t.s.offers[id]
	if !ok {
		return domain.ErrOfferNotFound
	}
	// Mirrors the offers CHECK constraint in the Postgres schema.
	if committed.IsNegative() || committed.GreaterThan(prev.MaxAmount) {
		return fmt.Errorf("offer %s committed %s outside [0, %s]", id, committed, prev.MaxAmount)
	}
	next := prev
	next.CommittedAmount = committed
	next.UpdatedAt = at
	t.s.offers[id] = next
	t.onRollback(func() { t.s.offers[id] = prev })
	return nil
}

func (t *memTx) SetOfferStatus(ctx context.Context, id uuid.UUID, status domain.OfferStatus, at time.Time) error {
	prev, ok := t.s.offers[id]
	if !ok {
		return domain.ErrOfferNotFound
	}
	next := prev
	next.Status = status
	next.UpdatedAt = at
	t.s.offers[id] = next
	t.onRollback(func() { t.s.offers[id] = prev })
	return nil
}

func (t *memTx) InsertInvestment(ctx context.Context, inv domain.Investment) error {
	if _, ok := t.s.investments[inv.ID]; ok {
		return fmt.Errorf("investment %s: %w", inv.ID, ErrUniqueViolation)
	}
	if _, ok := t.s.invByOperation[inv.OperationID]; ok {
		return fmt.Errorf("investment for operation %s: %w", inv.OperationID, ErrUniqueViolation)
	}
	t.s.investments[inv.ID] = inv
	t.s.invByOperation[inv.OperationID] = inv.ID
	prev := t.s.invByOffer[inv.OfferID]
	t.s.invByOffer[inv.OfferID] = append(prev[:len(prev):len(prev)], inv.ID)
	t.onRollback(func() {
		delete(t.s.investments, inv.ID)
		delete(t.s.invByOperation, inv.OperationID)
		t.s.invByOffer[inv.OfferID] = prev
	})
	return nil
}

func (t *memTx) LockInvestment(ctx context.Context, id uuid.UUID) (domain.Investment, error) {
	return t.s.getInvestment(id)
}

func (t *memTx) MarkInvestmentCancelled(ctx context.Context, id, reversalOperationID uuid.UUID, at time.Time) error {
	prev, ok := t.s.investments[id]
	if !ok {
		return domain.ErrInvestmentNotFound
	}
	next := prev
	next.CancelledAt = &at
	next.ReversalOperationID = &reversalOperationID
	t.s.investments[id] = next
	t.onRollback(func() { t.s.investments[id] = prev })
	return nil
}
