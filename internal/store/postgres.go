package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the durable Store. Money columns are NUMERIC and cross the
// wire as text so no precision is lost in either direction.
type PostgresStore struct {
	reader
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{reader: reader{q: pool}, Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// EnsureSchema creates the tables, indexes and the append-only trigger when
// they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn under READ COMMITTED. Serialization comes from explicit row
// locks (FOR UPDATE) and from the idempotency_keys primary key, not from the
// isolation level.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{reader: reader{q: tx}, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", mapErr(err))
	}
	return nil
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrUniqueViolation)
	}
	return err
}

type reader struct {
	q querier
}

const accountColumns = `id, owner_ref, currency, class, created_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerRef, &a.Currency, &a.Class, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return a, err
}

func (r reader) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return scanAccount(r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r reader) Balance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	var raw string
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT SUM(CASE WHEN e.entry_type = 'CREDIT' THEN e.amount ELSE -e.amount END)
			FROM ledger_entries e
			WHERE e.account_id = a.id
		), 0)::text
		FROM accounts a
		WHERE a.id = $1`, accountID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, domain.ErrAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance query failed: %w", err)
	}
	return decimal.NewFromString(raw)
}

const operationColumns = `id, type, status, idempotency_key, transaction_id, metadata::text, created_at`

func scanOperation(row pgx.Row) (domain.Operation, error) {
	var (
		op       domain.Operation
		txnID    uuid.NullUUID
		metadata string
	)
	err := row.Scan(&op.ID, &op.Type, &op.Status, &op.IdempotencyKey, &txnID, &metadata, &op.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Operation{}, domain.ErrOperationNotFound
	}
	if err != nil {
		return domain.Operation{}, err
	}
	if txnID.Valid {
		id := txnID.UUID
		op.TransactionID = &id
	}
	if err := json.Unmarshal([]byte(metadata), &op.Metadata); err != nil {
		return domain.Operation{}, fmt.Errorf("decode metadata of %s: %w", op.ID, err)
	}
	return op, nil
}

const entryColumns = `e.id, e.operation_id, e.account_id, e.amount::text, e.currency, e.entry_type, e.created_at`

func scanEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			id, opID, accountID uuid.UUID
			amount, currency    string
			entryType           domain.EntryType
			createdAt           time.Time
		)
		if err := rows.Scan(&id, &opID, &accountID, &amount, &currency, &entryType, &createdAt); err != nil {
			return nil, err
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("decode amount of entry %s: %w", id, err)
		}
		entries = append(entries, domain.NewLedgerEntry(id, opID, accountID, amt, currency, entryType, createdAt))
	}
	return entries, rows.Err()
}

func (r reader) GetOperation(ctx context.Context, id uuid.UUID) (domain.Operation, error) {
	op, err := scanOperation(r.q.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = $1`, id))
	if err != nil {
		return domain.Operation{}, err
	}
	rows, err := r.q.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries e WHERE e.operation_id = $1 ORDER BY e.id`, id)
	if err != nil {
		return domain.Operation{}, err
	}
	op.Entries, err = scanEntries(rows)
	return op, err
}

func (r reader) OperationsByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Operation, error) {
	rows, err := r.q.Query(ctx, `SELECT `+operationColumns+` FROM operations WHERE transaction_id = $1 ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, err
	}
	var ops []domain.Operation
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[op.ID] = len(ops)
		ops = append(ops, op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entryRows, err := r.q.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries e
		JOIN operations o ON o.id = e.operation_id
		WHERE o.transaction_id = $1
		ORDER BY e.id`, transactionID)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(entryRows)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if i, ok := index[e.OperationID()]; ok {
			ops[i].Entries = append(ops[i].Entries, e)
		}
	}
	return ops, nil
}

const transactionColumns = `id, type, status, created_at, updated_at`

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.Type, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return t, err
}

func (r reader) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return scanTransaction(r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

const offerColumns = `id, code, currency, max_amount::text, committed_amount::text, holding_account_id, status, created_at, updated_at`

func scanOffer(row pgx.Row) (domain.Offer, error) {
	var (
		o                    domain.Offer
		maxAmount, committed string
	)
	err := row.Scan(&o.ID, &o.Code, &o.Currency, &maxAmount, &committed, &o.HoldingAccountID, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	if err != nil {
		return domain.Offer{}, err
	}
	if o.MaxAmount, err = decimal.NewFromString(maxAmount); err != nil {
		return domain.Offer{}, fmt.Errorf("parse max_amount: %w", err)
	}
	if o.CommittedAmount, err = decimal.NewFromString(committed); err != nil {
		return domain.Offer{}, fmt.Errorf("parse committed_amount: %w", err)
	}
	return o, nil
}

func (r reader) GetOffer(ctx context.Context, id uuid.UUID) (domain.Offer, error) {
	return scanOffer(r.q.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
}

const investmentColumns = `id, offer_id, transaction_id, operation_id, wallet_account_id, requested_amount::text, accepted_amount::text, cancelled_at, reversal_operation_id, created_at`

func scanInvestment(row pgx.Row) (domain.Investment, error) {
	var (
		inv                 domain.Investment
		requested, accepted string
		reversal            uuid.NullUUID
	)
	err := row.Scan(&inv.ID, &inv.OfferID, &inv.TransactionID, &inv.OperationID, &inv.WalletAccountID,
		&requested, &accepted, &inv.CancelledAt, &reversal, &inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Investment{}, domain.ErrInvestmentNotFound
	}
	if err != nil {
		return domain.Investment{}, err
	}
	if inv.RequestedAmount, err = decimal.NewFromString(requested); err != nil {
		return domain.Investment{}, fmt.Errorf("parse requested_amount: %w", err)
	}
	if inv.AcceptedAmount, err = decimal.NewFromString(accepted); err != nil {
		return domain.Investment{}, fmt.Errorf("parse accepted_amount: %w", err)
	}
	if reversal.Valid {
		id := reversal.UUID
		inv.ReversalOperationID = &id
	}
	return inv, nil
}

func (r reader) GetInvestment(ctx context.Context, id uuid.UUID) (domain.Investment, error) {
	return scanInvestment(r.q.QueryRow(ctx, `SELECT `+investmentColumns+` FROM investments WHERE id = $1`, id))
}

func (r reader) InvestmentByOperation(ctx context.Context, operationID uuid.UUID) (domain.Investment, error) {
	return scanInvestment(r.q.QueryRow(ctx, `SELECT `+investmentColumns+` FROM investments WHERE operation_id = $1`, operationID))
}

func (r reader) InvestmentsByOffer(ctx context.Context, offerID uuid.UUID) ([]domain.Investment, error) {
	rows, err := r.q.Query(ctx, `SELECT `+investmentColumns+` FROM investments WHERE offer_id = $1 ORDER BY created_at, id`, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

type pgTx struct {
	reader
	tx pgx.Tx
}

func (t *pgTx) exec(ctx context.Context, what, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return tag, fmt.Errorf("%s failed: %w", what, mapErr(err))
	}
	return tag, nil
}

func (t *pgTx) InsertAccount(ctx context.Context, a domain.Account) error {
	_, err := t.exec(ctx, "account insert",
		`INSERT INTO accounts (id, owner_ref, currency, class, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.OwnerRef, a.Currency, a.Class, a.CreatedAt)
	return err
}

func (t *pgTx) LockAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) ClaimIdempotencyKey(ctx context.Context, scope domain.OperationType, key string) (uuid.UUID, bool, error) {
	// A concurrent claimant waits here on the primary key until the holder
	// finishes, then falls through to read what the holder bound.
	tag, err := t.exec(ctx, "key reservation",
		`INSERT INTO idempotency_keys (scope, key) VALUES ($1, $2) ON CONFLICT (scope, key) DO NOTHING`,
		scope, key)
	if err != nil {
		return uuid.Nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return uuid.Nil, true, nil
	}

	var existing uuid.NullUUID
	err = t.tx.QueryRow(ctx,
		`SELECT operation_id FROM idempotency_keys WHERE scope = $1 AND key = $2`,
		scope, key).Scan(&existing)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("idempotency query failed: %w", err)
	}
	return existing.UUID, false, nil
}

func (t *pgTx) BindIdempotencyKey(ctx context.Context, scope domain.OperationType, key string, operationID uuid.UUID) error {
	_, err := t.exec(ctx, "idempotency update",
		`UPDATE idempotency_keys SET operation_id = $3 WHERE scope = $1 AND key = $2`,
		scope, key, operationID)
	return err
}

func (t *pgTx) InsertOperation(ctx context.Context, op domain.Operation) error {
	metadata := []byte("{}")
	if len(op.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(op.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	if _, err := t.exec(ctx, "operation insert", `
		INSERT INTO operations (id, type, status, idempotency_key, transaction_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		op.ID, op.Type, op.Status, op.IdempotencyKey, op.TransactionID, string(metadata), op.CreatedAt); err != nil {
		return err
	}
	if len(op.Entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range op.Entries {
		batch.Queue(`
			INSERT INTO ledger_entries (id, operation_id, account_id, amount, currency, entry_type, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
			e.ID(), e.OperationID(), e.AccountID(), e.Amount().String(), e.Currency(), e.Type(), e.CreatedAt())
	}
	br := t.tx.SendBatch(ctx, batch)
	for range op.Entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("ledger entry failed: %w", mapErr(err))
		}
	}
	return br.Close()
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn domain.Transaction) error {
	_, err := t.exec(ctx, "transaction insert",
		`INSERT INTO transactions (id, type, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		txn.ID, txn.Type, txn.Status, txn.CreatedAt, txn.UpdatedAt)
	return err
}

func (t *pgTx) LockTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus, at time.Time) error {
	tag, err := t.exec(ctx, "transaction status update",
		`UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

func (t *pgTx) InsertOffer(ctx context.Context, o domain.Offer) error {
	_, err := t.exec(ctx, "offer insert", `
		INSERT INTO offers (id, code, currency, max_amount, committed_amount, holding_account_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9)`,
		o.ID, o.Code, o.Currency, o.MaxAmount.String(), o.CommittedAmount.String(), o.HoldingAccountID, o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

func (t *pgTx) LockOffer(ctx context.Context, id uuid.UUID) (domain.Offer, error) {
	return scanOffer(t.tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SetOfferCommitted(ctx context.Context, id uuid.UUID, committed decimal.Decimal, at time.Time) error {
	tag, err := t.exec(ctx, "offer capacity update",
		`UPDATE offers SET committed_amount = $2::numeric, updated_at = $3 WHERE id = $1`, id, committed.String(), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOfferNotFound
	}
	return nil
}

func (t *pgTx) SetOfferStatus(ctx context.Context, id uuid.UUID, status domain.OfferStatus, at time.Time) error {
	tag, err := t.exec(ctx, "offer status update",
		`UPDATE offers SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOfferNotFound
	}
	return nil
}

func (t *pgTx) InsertInvestment(ctx context.Context, inv domain.Investment) error {
	_, err := t.exec(ctx, "investment insert", `
		INSERT INTO investments (id, offer_id, transaction_id, operation_id, wallet_account_id, requested_amount, accepted_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8)`,
		inv.ID, inv.OfferID, inv.TransactionID, inv.OperationID, inv.WalletAccountID,
		inv.RequestedAmount.String(), inv.AcceptedAmount.String(), inv.CreatedAt)
	return err
}

func (t *pgTx) LockInvestment(ctx context.Context, id uuid.UUID) (domain.Investment, error) {
	return scanInvestment(t.tx.QueryRow(ctx, `SELECT `+investmentColumns+` FROM investments WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) MarkInvestmentCancelled(ctx context.Context, id, reversalOperationID uuid.UUID, at time.Time) error {
	tag, err := t.exec(ctx, "investment cancel",
		`UPDATE investments SET cancelled_at = $2, reversal_operation_id = $3 WHERE id = $1 AND cancelled_at IS NULL`,
		id, at, reversalOperationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyCancelled
	}
	return nil
}
