package ledger

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/audit"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/metrics"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EntryRequest is one leg of a requested movement. A positive Amount credits
// the account, a negative one debits it.
type EntryRequest struct {
	AccountID uuid.UUID       `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type RecordRequest struct {
	Type           domain.OperationType `json:"type"`
	Entries        []EntryRequest       `json:"entries"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	TransactionID  *uuid.UUID           `json:"transaction_id,omitempty"`
	Metadata       map[string]string    `json:"metadata,omitempty"`
}

// Result is what the ledger returns for a write. Replayed is set when the
// idempotency key had already been processed and Operation is the original.
type Result struct {
	Operation domain.Operation `json:"operation"`
	Replayed  bool             `json:"replayed"`
}

// Ledger is the only writer of operations and ledger entries.
type Ledger struct {
	store    store.Store
	notifier StatusNotifier
	audit    audit.Sink
	logger   *zap.Logger
	now      func() time.Time
}

func New(s store.Store, notifier StatusNotifier, sink audit.Sink, logger *zap.Logger) *Ledger {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if sink == nil {
		sink = audit.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: s, notifier: notifier, audit: sink, logger: logger, now: time.Now}
}

// Record validates req and commits the operation with all of its entries in
// one store transaction. A request carrying an already processed idempotency
// key returns the original operation, whatever entries it carries this time.
func (l *Ledger) Record(ctx context.Context, req RecordRequest) (Result, error) {
	check := validateHeader
	if req.IdempotencyKey == "" {
		check = validateRequest
	}
	if err := check(req); err != nil {
		metrics.OperationsTotal.WithLabelValues(string(req.Type), "rejected").Inc()
		return Result{}, err
	}

	var res Result
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = l.WriteInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		if IsRejection(err) {
			metrics.OperationsTotal.WithLabelValues(string(req.Type), "rejected").Inc()
			return Result{}, err
		}
		l.RecordFailure(ctx, req, err)
		return Result{}, err
	}

	l.AfterCommit(ctx, res)
	return res, nil
}

// WriteInTx runs the ledger write path inside a transaction owned by the
// caller. The caller must invoke AfterCommit once its transaction commits.
func (l *Ledger) WriteInTx(ctx context.Context, tx store.Tx, req RecordRequest) (Result, error) {
	if err := validateHeader(req); err != nil {
		return Result{}, err
	}
	if req.IdempotencyKey != "" {
		op, replayed, err := l.ClaimInTx(ctx, tx, req.Type, req.IdempotencyKey)
		if err != nil || replayed {
			return Result{Operation: op, Replayed: replayed}, err
		}
	}
	return l.WriteClaimedInTx(ctx, tx, req)
}

// ClaimInTx reserves (opType, key) for the caller's transaction. When the key
// was already processed it returns the original operation and replayed=true.
func (l *Ledger) ClaimInTx(ctx context.Context, tx store.Tx, opType domain.OperationType, key string) (domain.Operation, bool, error) {
	existing, claimed, err := tx.ClaimIdempotencyKey(ctx, opType, key)
	if err != nil {
		return domain.Operation{}, false, err
	}
	if claimed {
		return domain.Operation{}, false, nil
	}
	if existing == uuid.Nil {
		return domain.Operation{}, false, fmt.Errorf("idempotency key %q is held without an operation", key)
	}
	op, err := tx.GetOperation(ctx, existing)
	if err != nil {
		return domain.Operation{}, false, fmt.Errorf("load replayed operation: %w", err)
	}
	return op, true, nil
}

// WriteClaimedInTx is WriteInTx for callers that already went through
// ClaimInTx in the same transaction.
func (l *Ledger) WriteClaimedInTx(ctx context.Context, tx store.Tx, req RecordRequest) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	if req.TransactionID != nil {
		if _, err := tx.GetTransaction(ctx, *req.TransactionID); err != nil {
			return Result{}, err
		}
	}

	if err := l.checkAccounts(ctx, tx, req.Entries); err != nil {
		return Result{}, err
	}

	now := l.now().UTC()
	op := domain.Operation{
		ID:            uuid.New(),
		Type:          req.Type,
		Status:        domain.OperationCompleted,
		TransactionID: req.TransactionID,
		Metadata:      copyMetadata(req.Metadata),
		CreatedAt:     now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		op.IdempotencyKey = &key
	}
	op.Entries = buildEntries(op.ID, req.Entries, now)

	if unbalanced := domain.UnbalancedCurrencies(op.Entries); len(unbalanced) > 0 {
		l.logger.Error("ledger imbalance detected at write boundary",
			zap.String("operation_id", op.ID.String()),
			zap.Strings("currencies", unbalanced),
			zap.String("kind", string(domain.KindLedgerImbalance)))
		return Result{}, fmt.Errorf("%w: operation %s unbalanced in %s", domain.ErrLedgerImbalance, op.ID, strings.Join(unbalanced, ","))
	}

	if err := tx.InsertOperation(ctx, op); err != nil {
		return Result{}, err
	}
	if req.IdempotencyKey != "" {
		if err := tx.BindIdempotencyKey(ctx, req.Type, req.IdempotencyKey, op.ID); err != nil {
			return Result{}, err
		}
	}
	return Result{Operation: op}, nil
}

// AfterCommit runs the post-commit side effects of a write. Replays have none.
func (l *Ledger) AfterCommit(ctx context.Context, res Result) {
	op := res.Operation
	if res.Replayed {
		metrics.OperationsTotal.WithLabelValues(string(op.Type), "replayed").Inc()
		l.logger.Debug("idempotent replay", zap.String("operation_id", op.ID.String()))
		return
	}

	metrics.OperationsTotal.WithLabelValues(string(op.Type), "completed").Inc()
	l.logger.Info("operation recorded",
		zap.String("operation_id", op.ID.String()),
		zap.String("type", string(op.Type)),
		zap.Int("entries", len(op.Entries)))

	attrs := map[string]string{"type": string(op.Type), "status": string(op.Status)}
	if op.TransactionID != nil {
		attrs["transaction_id"] = op.TransactionID.String()
	}
	l.audit.Emit(audit.NewFact(audit.OperationCreated, op.ID, attrs))

	if op.TransactionID != nil {
		l.notifier.Notify(ctx, *op.TransactionID)
	}
}

// checkAccounts verifies currencies against the registry and makes sure no
// wallet is driven below zero. Wallets being debited are locked in id order so
// concurrent writers cannot deadlock or double-spend.
func (l *Ledger) checkAccounts(ctx context.Context, tx store.Tx, entries []EntryRequest) error {
	net := make(map[uuid.UUID]decimal.Decimal)
	for i, e := range entries {
		acc, err := tx.GetAccount(ctx, e.AccountID)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if acc.Currency != e.Currency {
			return validationErr("entry %d: currency %s does not match account %s currency %s", i, e.Currency, acc.ID, acc.Currency)
		}
		if acc.Class == domain.AccountClassWallet {
			net[acc.ID] = net[acc.ID].Add(e.Amount)
		}
	}

	var debited []uuid.UUID
	for id, delta := range net {
		if delta.IsNegative() {
			debited = append(debited, id)
		}
	}
	sort.Slice(debited, func(i, j int) bool { return bytes.Compare(debited[i][:], debited[j][:]) < 0 })

	for _, id := range debited {
		if _, err := tx.LockAccount(ctx, id); err != nil {
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
		balance, err := tx.Balance(ctx, id)
		if err != nil {
			return err
		}
		if balance.Add(net[id]).IsNegative() {
			return fmt.Errorf("%w: account %s has %s, needs %s", domain.ErrInsufficientFunds, id, balance, net[id].Neg())
		}
	}
	return nil
}

func buildEntries(opID uuid.UUID, reqs []EntryRequest, at time.Time) []domain.LedgerEntry {
	entries := make([]domain.LedgerEntry, 0, len(reqs))
	for _, r := range reqs {
		entryType := domain.EntryCredit
		if r.Amount.IsNegative() {
			entryType = domain.EntryDebit
		}
		entries = append(entries, domain.NewLedgerEntry(uuid.New(), opID, r.AccountID, r.Amount.Abs(), r.Currency, entryType, at))
	}
	return entries
}

// RecordFailure persists a FAILED operation without entries so the attempt is
// visible to the status engine. The idempotency key is kept in metadata only
// and stays free for a retry.
func (l *Ledger) RecordFailure(ctx context.Context, req RecordRequest, cause error) {
	metrics.OperationsTotal.WithLabelValues(string(req.Type), "failed").Inc()
	l.logger.Error("operation write rejected by store",
		zap.String("type", string(req.Type)),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Error(cause))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	meta := copyMetadata(req.Metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	meta["failure"] = cause.Error()
	if req.IdempotencyKey != "" {
		meta["idempotency_key"] = req.IdempotencyKey
	}
	op := domain.Operation{
		ID:            uuid.New(),
		Type:          req.Type,
		Status:        domain.OperationFailed,
		TransactionID: req.TransactionID,
		Metadata:      meta,
		CreatedAt:     l.now().UTC(),
	}
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertOperation(ctx, op)
	})
	if err != nil {
		l.logger.Error("failed operation could not be persisted",
			zap.String("operation_id", op.ID.String()),
			zap.Error(err))
		return
	}

	l.audit.Emit(audit.NewFact(audit.OperationFailed, op.ID, map[string]string{
		"type":    string(op.Type),
		"failure": cause.Error(),
	}))
	if op.TransactionID != nil {
		l.notifier.Notify(ctx, *op.TransactionID)
	}
}

// OpenTransaction starts a user-facing flow. Its status begins as INITIATED.
func (l *Ledger) OpenTransaction(ctx context.Context, t domain.TransactionType) (domain.Transaction, error) {
	var txn domain.Transaction
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		txn, err = l.OpenTransactionInTx(ctx, tx, t)
		return err
	})
	return txn, err
}

func (l *Ledger) OpenTransactionInTx(ctx context.Context, tx store.Tx, t domain.TransactionType) (domain.Transaction, error) {
	if !t.Valid() {
		return domain.Transaction{}, validationErr("unknown transaction type %q", t)
	}
	now := l.now().UTC()
	txn := domain.Transaction{
		ID:        uuid.New(),
		Type:      t,
		Status:    domain.StatusInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return domain.Transaction{}, err
	}
	return txn, nil
}

func (l *Ledger) Operation(ctx context.Context, id uuid.UUID) (domain.Operation, error) {
	return l.store.GetOperation(ctx, id)
}

func (l *Ledger) Transaction(ctx context.Context, id uuid.UUID) (domain.Transaction, []domain.Operation, error) {
	txn, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, nil, err
	}
	ops, err := l.store.OperationsByTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, nil, err
	}
	return txn, ops, nil
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
