package allocator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/account"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/metrics"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CreateOfferRequest struct {
	Code             string          `json:"code"`
	Currency         string          `json:"currency"`
	MaxAmount        decimal.Decimal `json:"max_amount"`
	HoldingAccountID uuid.UUID       `json:"holding_account_id"`
}

// CreateOffer registers a new offer in DRAFT. Its holding account must be an
// INTERNAL_HOLDING account in the offer's currency.
func (a *Allocator) CreateOffer(ctx context.Context, req CreateOfferRequest) (domain.Offer, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return domain.Offer{}, fmt.Errorf("%w: code is required", domain.ErrValidation)
	}
	if !account.ValidCurrency(req.Currency) {
		return domain.Offer{}, fmt.Errorf("%w: currency %q is not an ISO 4217 code", domain.ErrValidation, req.Currency)
	}
	if err := validAmount("max_amount", req.MaxAmount); err != nil {
		return domain.Offer{}, err
	}

	now := a.now().UTC()
	offer := domain.Offer{
		ID:               uuid.New(),
		Code:             code,
		Currency:         req.Currency,
		MaxAmount:        req.MaxAmount,
		CommittedAmount:  decimal.Zero,
		HoldingAccountID: req.HoldingAccountID,
		Status:           domain.OfferDraft,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		holding, err := tx.GetAccount(ctx, req.HoldingAccountID)
		if err != nil {
			return err
		}
		if holding.Class != domain.AccountClassHolding {
			return fmt.Errorf("%w: account %s is %s, want %s", domain.ErrValidation, holding.ID, holding.Class, domain.AccountClassHolding)
		}
		if holding.Currency != offer.Currency {
			return fmt.Errorf("%w: holding account currency %s does not match %s", domain.ErrValidation, holding.Currency, offer.Currency)
		}
		return tx.InsertOffer(ctx, offer)
	})
	if errors.Is(err, store.ErrUniqueViolation) {
		return domain.Offer{}, fmt.Errorf("%w: offer code %q already exists", domain.ErrValidation, code)
	}
	if err != nil {
		return domain.Offer{}, err
	}

	metrics.OfferCommitted.WithLabelValues(offer.ID.String()).Set(0)
	a.logger.Info("offer created",
		zap.String("offer_id", offer.ID.String()),
		zap.String("code", offer.Code),
		zap.String("max_amount", offer.MaxAmount.String()))
	return offer, nil
}

// Transition moves the offer along its lifecycle.
func (a *Allocator) Transition(ctx context.Context, offerID uuid.UUID, next domain.OfferStatus) (domain.Offer, error) {
	var offer domain.Offer
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		offer, err = tx.LockOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if !offer.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, offer.Status, next)
		}
		offer.Status = next
		offer.UpdatedAt = a.now().UTC()
		return tx.SetOfferStatus(ctx, offer.ID, next, offer.UpdatedAt)
	})
	if err != nil {
		return domain.Offer{}, err
	}

	a.logger.Info("offer status changed",
		zap.String("offer_id", offer.ID.String()),
		zap.String("status", string(offer.Status)))
	return offer, nil
}

func (a *Allocator) Offer(ctx context.Context, id uuid.UUID) (domain.Offer, error) {
	return a.store.GetOffer(ctx, id)
}

func (a *Allocator) Investments(ctx context.Context, offerID uuid.UUID) ([]domain.Investment, error) {
	if _, err := a.store.GetOffer(ctx, offerID); err != nil {
		return nil, err
	}
	return a.store.InvestmentsByOffer(ctx, offerID)
}

func (a *Allocator) Investment(ctx context.Context, id uuid.UUID) (domain.Investment, error) {
	return a.store.GetInvestment(ctx, id)
}
