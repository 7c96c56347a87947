package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/audit"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/metrics"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AllocateRequest struct {
	OfferID         uuid.UUID       `json:"offer_id"`
	WalletAccountID uuid.UUID       `json:"wallet_account_id"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	TransactionID   *uuid.UUID      `json:"transaction_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
}

type AllocationResult struct {
	Investment     domain.Investment `json:"investment"`
	AcceptedAmount decimal.Decimal   `json:"accepted_amount"`
	Partial        bool              `json:"partial"`
	Replayed       bool              `json:"replayed"`
}

// Allocator hands out offer capacity. The offer row lock is the single point
// of serialization: the first committed allocation wins and later ones see the
// reduced remainder.
type Allocator struct {
	store  store.Store
	ledger *ledger.Ledger
	audit  audit.Sink
	logger *zap.Logger
	now    func() time.Time
}

func New(s store.Store, l *ledger.Ledger, sink audit.Sink, logger *zap.Logger) *Allocator {
	if sink == nil {
		sink = audit.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{store: s, ledger: l, audit: sink, logger: logger, now: time.Now}
}

func validAmount(name string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive, got %s", domain.ErrValidation, name, amount)
	}
	if !amount.Equal(amount.Truncate(ledger.AmountScale)) {
		return fmt.Errorf("%w: %s %s has more than %d decimal places", domain.ErrValidation, name, amount, ledger.AmountScale)
	}
	return nil
}

// Allocate commits up to req.RequestedAmount of the offer's remaining capacity
// to the wallet. The capacity increment, the INVEST operation and the
// investment row commit together or not at all.
func (a *Allocator) Allocate(ctx context.Context, req AllocateRequest) (AllocationResult, error) {
	start := time.Now()
	defer func() { metrics.AllocationLatency.Observe(time.Since(start).Seconds()) }()

	if err := validAmount("requested_amount", req.RequestedAmount); err != nil {
		a.rejected(req, err)
		return AllocationResult{}, err
	}
	if req.OfferID == uuid.Nil || req.WalletAccountID == uuid.Nil {
		err := fmt.Errorf("%w: offer_id and wallet_account_id are required", domain.ErrValidation)
		a.rejected(req, err)
		return AllocationResult{}, err
	}

	var (
		res       AllocationResult
		ledgerRes ledger.Result
		offer     domain.Offer
	)
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		res, ledgerRes, offer = AllocationResult{}, ledger.Result{}, domain.Offer{}

		if req.IdempotencyKey != "" {
			op, replayed, err := a.ledger.ClaimInTx(ctx, tx, domain.OperationInvest, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if replayed {
				inv, err := tx.InvestmentByOperation(ctx, op.ID)
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("%w: idempotency key %q belongs to INVEST operation %s, which is not an allocation",
						domain.ErrValidation, req.IdempotencyKey, op.ID)
				}
				if err != nil {
					return fmt.Errorf("load replayed investment: %w", err)
				}
				res = resultOf(inv)
				res.Replayed = true
				ledgerRes = ledger.Result{Operation: op, Replayed: true}
				return nil
			}
		}

		var err error
		offer, err = tx.LockOffer(ctx, req.OfferID)
		if err != nil {
			return err
		}
		if offer.Status != domain.OfferLive {
			return fmt.Errorf("%w: offer %s is %s", domain.ErrOfferNotLive, offer.ID, offer.Status)
		}
		remaining := offer.Remaining()
		if !remaining.IsPositive() {
			return fmt.Errorf("%w: offer %s has no remaining capacity", domain.ErrOfferFull, offer.ID)
		}
		accepted := decimal.Min(req.RequestedAmount, remaining)

		wallet, err := tx.GetAccount(ctx, req.WalletAccountID)
		if err != nil {
			return err
		}
		if wallet.Class != domain.AccountClassWallet {
			return fmt.Errorf("%w: account %s is not a wallet", domain.ErrValidation, wallet.ID)
		}
		if wallet.Currency != offer.Currency {
			return fmt.Errorf("%w: wallet currency %s does not match offer currency %s", domain.ErrValidation, wallet.Currency, offer.Currency)
		}

		txnID, err := a.investmentTransaction(ctx, tx, req.TransactionID)
		if err != nil {
			return err
		}

		now := a.now().UTC()
		offer.CommittedAmount = offer.CommittedAmount.Add(accepted)
		if err := tx.SetOfferCommitted(ctx, offer.ID, offer.CommittedAmount, now); err != nil {
			return err
		}

		ledgerRes, err = a.ledger.WriteClaimedInTx(ctx, tx, ledger.RecordRequest{
			Type: domain.OperationInvest,
			Entries: []ledger.EntryRequest{
				{AccountID: wallet.ID, Amount: accepted.Neg(), Currency: offer.Currency},
				{AccountID: offer.HoldingAccountID, Amount: accepted, Currency: offer.Currency},
			},
			IdempotencyKey: req.IdempotencyKey,
			TransactionID:  &txnID,
			Metadata: map[string]string{
				"offer_id":         offer.ID.String(),
				"requested_amount": req.RequestedAmount.String(),
			},
		})
		if err != nil {
			return err
		}

		inv := domain.Investment{
			ID:              uuid.New(),
			OfferID:         offer.ID,
			TransactionID:   txnID,
			OperationID:     ledgerRes.Operation.ID,
			WalletAccountID: wallet.ID,
			RequestedAmount: req.RequestedAmount,
			AcceptedAmount:  accepted,
			CreatedAt:       now,
		}
		if err := tx.InsertInvestment(ctx, inv); err != nil {
			return err
		}
		res = resultOf(inv)
		return nil
	})
	if err != nil {
		if ledger.IsRejection(err) {
			a.rejected(req, err)
			return AllocationResult{}, err
		}
		metrics.AllocationsTotal.WithLabelValues("failed").Inc()
		a.logger.Error("allocation failed",
			zap.String("offer_id", req.OfferID.String()),
			zap.String("wallet_account_id", req.WalletAccountID.String()),
			zap.Error(err))
		a.ledger.RecordFailure(ctx, ledger.RecordRequest{
			Type:           domain.OperationInvest,
			IdempotencyKey: req.IdempotencyKey,
			TransactionID:  req.TransactionID,
			Metadata:       map[string]string{"offer_id": req.OfferID.String()},
		}, err)
		return AllocationResult{}, err
	}

	a.ledger.AfterCommit(ctx, ledgerRes)
	if res.Replayed {
		metrics.AllocationsTotal.WithLabelValues("replayed").Inc()
		return res, nil
	}

	outcome := "accepted"
	if res.Partial {
		outcome = "partial"
	}
	metrics.AllocationsTotal.WithLabelValues(outcome).Inc()
	metrics.OfferCommitted.WithLabelValues(offer.ID.String()).Set(offer.CommittedAmount.InexactFloat64())
	a.logger.Info("allocation accepted",
		zap.String("offer_id", offer.ID.String()),
		zap.String("investment_id", res.Investment.ID.String()),
		zap.String("requested", req.RequestedAmount.String()),
		zap.String("accepted", res.AcceptedAmount.String()))
	a.audit.Emit(audit.NewFact(audit.AllocationAccepted, res.Investment.ID, map[string]string{
		"offer_id":  offer.ID.String(),
		"requested": req.RequestedAmount.String(),
		"accepted":  res.AcceptedAmount.String(),
		"partial":   fmt.Sprint(res.Partial),
	}))
	return res, nil
}

func resultOf(inv domain.Investment) AllocationResult {
	return AllocationResult{
		Investment:     inv,
		AcceptedAmount: inv.AcceptedAmount,
		Partial:        inv.Partial(),
	}
}

// investmentTransaction returns the transaction the allocation belongs to,
// opening a new INVESTMENT transaction when the caller did not name one.
func (a *Allocator) investmentTransaction(ctx context.Context, tx store.Tx, id *uuid.UUID) (uuid.UUID, error) {
	if id == nil {
		txn, err := a.ledger.OpenTransactionInTx(ctx, tx, domain.TransactionInvestment)
		if err != nil {
			return uuid.Nil, err
		}
		return txn.ID, nil
	}
	txn, err := tx.GetTransaction(ctx, *id)
	if err != nil {
		return uuid.Nil, err
	}
	if txn.Type != domain.TransactionInvestment {
		return uuid.Nil, fmt.Errorf("%w: transaction %s is %s, want %s", domain.ErrValidation, txn.ID, txn.Type, domain.TransactionInvestment)
	}
	return txn.ID, nil
}

func (a *Allocator) rejected(req AllocateRequest, err error) {
	kind := domain.KindOf(err)
	metrics.AllocationsTotal.WithLabelValues("rejected").Inc()
	a.logger.Info("allocation rejected",
		zap.String("offer_id", req.OfferID.String()),
		zap.String("kind", string(kind)),
		zap.Error(err))
	a.audit.Emit(audit.NewFact(audit.AllocationRejected, req.OfferID, map[string]string{
		"wallet_account_id": req.WalletAccountID.String(),
		"requested":         req.RequestedAmount.String(),
		"reason":            string(kind),
	}))
}

// cancelledBy returns the investment that the replayed REVERSAL op cancelled.
func cancelledBy(ctx context.Context, tx store.Tx, op domain.Operation, key string) (domain.Investment, error) {
	id, err := uuid.Parse(op.Metadata["investment_id"])
	if err != nil {
		return domain.Investment{}, fmt.Errorf("%w: idempotency key %q belongs to REVERSAL operation %s, which is not an investment cancellation",
			domain.ErrValidation, key, op.ID)
	}
	return tx.GetInvestment(ctx, id)
}

type CancelResult struct {
	Investment domain.Investment `json:"investment"`
	Operation  domain.Operation  `json:"operation"`
	Replayed   bool              `json:"replayed"`
}

// Cancel reverses an investment: the accepted amount moves back to the wallet
// and the offer regains the capacity.
func (a *Allocator) Cancel(ctx context.Context, investmentID uuid.UUID, idempotencyKey string) (CancelResult, error) {
	var (
		res       CancelResult
		ledgerRes ledger.Result
		offer     domain.Offer
	)
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		res, ledgerRes, offer = CancelResult{}, ledger.Result{}, domain.Offer{}

		if idempotencyKey != "" {
			op, replayed, err := a.ledger.ClaimInTx(ctx, tx, domain.OperationReversal, idempotencyKey)
			if err != nil {
				return err
			}
			if replayed {
				inv, err := cancelledBy(ctx, tx, op, idempotencyKey)
				if err != nil {
					return err
				}
				if inv.ID != investmentID {
					a.logger.Warn("cancellation key replayed for a different investment",
						zap.String("idempotency_key", idempotencyKey),
						zap.String("requested_investment_id", investmentID.String()),
						zap.String("investment_id", inv.ID.String()))
				}
				res = CancelResult{Investment: inv, Operation: op, Replayed: true}
				ledgerRes = ledger.Result{Operation: op, Replayed: true}
				return nil
			}
		}

		inv, err := tx.LockInvestment(ctx, investmentID)
		if err != nil {
			return err
		}
		if inv.CancelledAt != nil {
			return fmt.Errorf("%w: investment %s", domain.ErrAlreadyCancelled, inv.ID)
		}
		offer, err = tx.LockOffer(ctx, inv.OfferID)
		if err != nil {
			return err
		}

		now := a.now().UTC()
		offer.CommittedAmount = offer.CommittedAmount.Sub(inv.AcceptedAmount)
		if err := tx.SetOfferCommitted(ctx, offer.ID, offer.CommittedAmount, now); err != nil {
			return err
		}

		txnID := inv.TransactionID
		ledgerRes, err = a.ledger.WriteClaimedInTx(ctx, tx, ledger.RecordRequest{
			Type: domain.OperationReversal,
			Entries: []ledger.EntryRequest{
				{AccountID: offer.HoldingAccountID, Amount: inv.AcceptedAmount.Neg(), Currency: offer.Currency},
				{AccountID: inv.WalletAccountID, Amount: inv.AcceptedAmount, Currency: offer.Currency},
			},
			IdempotencyKey: idempotencyKey,
			TransactionID:  &txnID,
			Metadata: map[string]string{
				"offer_id":      offer.ID.String(),
				"investment_id": inv.ID.String(),
			},
		})
		if err != nil {
			return err
		}
		if err := tx.MarkInvestmentCancelled(ctx, inv.ID, ledgerRes.Operation.ID, now); err != nil {
			return err
		}

		inv.CancelledAt = &now
		reversalID := ledgerRes.Operation.ID
		inv.ReversalOperationID = &reversalID
		res = CancelResult{Investment: inv, Operation: ledgerRes.Operation}
		return nil
	})
	if err != nil {
		if !ledger.IsRejection(err) {
			a.logger.Error("investment cancellation failed",
				zap.String("investment_id", investmentID.String()),
				zap.Error(err))
		}
		return CancelResult{}, err
	}

	a.ledger.AfterCommit(ctx, ledgerRes)
	if res.Replayed {
		return res, nil
	}

	metrics.AllocationsTotal.WithLabelValues("cancelled").Inc()
	metrics.OfferCommitted.WithLabelValues(offer.ID.String()).Set(offer.CommittedAmount.InexactFloat64())
	a.logger.Info("investment cancelled",
		zap.String("investment_id", res.Investment.ID.String()),
		zap.String("offer_id", offer.ID.String()),
		zap.String("released", res.Investment.AcceptedAmount.String()))
	a.audit.Emit(audit.NewFact(audit.AllocationCancelled, res.Investment.ID, map[string]string{
		"offer_id":              offer.ID.String(),
		"amount":                res.Investment.AcceptedAmount.String(),
		"reversal_operation_id": res.Operation.ID.String(),
	}))
	return res, nil
}
