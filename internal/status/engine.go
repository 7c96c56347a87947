package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/audit"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/metrics"
	"github.com/punchamoorthee/walletcore/internal/store"
	"go.uber.org/zap"
)

// Engine writes the derived status of a transaction. It never touches
// operations or ledger entries.
type Engine struct {
	store  store.Store
	audit  audit.Sink
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(s store.Store, sink audit.Sink, logger *zap.Logger) *Engine {
	if sink == nil {
		sink = audit.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: s, audit: sink, logger: logger, now: time.Now}
}

type recomputeResult struct {
	status   domain.TransactionStatus
	previous domain.TransactionStatus
	rule     string
}

// Recompute derives the status of the transaction from its latest committed
// operations and stores it when it differs from the current one. Every call
// runs its own evaluation under the transaction row lock, so a caller always
// sees the operations committed before it started.
func (e *Engine) Recompute(ctx context.Context, transactionID uuid.UUID) (domain.TransactionStatus, error) {
	res, err := e.recompute(ctx, transactionID)
	if err != nil {
		metrics.RecomputesTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: transaction %s: %v", domain.ErrStatusRecompute, transactionID, err)
	}

	if res.status == res.previous {
		metrics.RecomputesTotal.WithLabelValues("unchanged").Inc()
		return res.status, nil
	}

	metrics.RecomputesTotal.WithLabelValues("changed").Inc()
	e.logger.Info("transaction status changed",
		zap.String("transaction_id", transactionID.String()),
		zap.String("from", string(res.previous)),
		zap.String("to", string(res.status)),
		zap.String("rule", res.rule))
	e.audit.Emit(audit.NewFact(audit.StatusRecomputed, transactionID, map[string]string{
		"from": string(res.previous),
		"to":   string(res.status),
		"rule": res.rule,
	}))
	return res.status, nil
}

func (e *Engine) recompute(ctx context.Context, id uuid.UUID) (recomputeResult, error) {
	var res recomputeResult
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		txn, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		ops, err := tx.OperationsByTransaction(ctx, id)
		if err != nil {
			return err
		}

		res.previous = txn.Status
		res.status, res.rule = derive(txn.Type, ops)
		if res.status == txn.Status {
			return nil
		}
		return tx.SetTransactionStatus(ctx, id, res.status, e.now().UTC())
	})
	return res, err
}
