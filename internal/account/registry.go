package account

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3}$`)

// Registry owns account identities. It never stores balances; BalanceOf
// aggregates the ledger entries of the account on every call.
type Registry struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewRegistry(s store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: s, logger: logger, now: time.Now}
}

// ValidCurrency reports whether code looks like an ISO 4217 alphabetic code.
func ValidCurrency(code string) bool {
	return currencyCode.MatchString(code)
}

// Open creates an account. Accounts are immutable afterwards.
func (r *Registry) Open(ctx context.Context, ownerRef, currency string, class domain.AccountClass) (domain.Account, error) {
	ownerRef = strings.TrimSpace(ownerRef)
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if ownerRef == "" {
		return domain.Account{}, fmt.Errorf("%w: owner_ref is required", domain.ErrValidation)
	}
	if !ValidCurrency(currency) {
		return domain.Account{}, fmt.Errorf("%w: currency %q is not an ISO 4217 code", domain.ErrValidation, currency)
	}
	if !class.Valid() {
		return domain.Account{}, fmt.Errorf("%w: unknown account class %q", domain.ErrValidation, class)
	}

	acc := domain.Account{
		ID:        uuid.New(),
		OwnerRef:  ownerRef,
		Currency:  currency,
		Class:     class,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertAccount(ctx, acc)
	}); err != nil {
		return domain.Account{}, fmt.Errorf("open account: %w", err)
	}

	r.logger.Info("account opened",
		zap.String("account_id", acc.ID.String()),
		zap.String("currency", acc.Currency),
		zap.String("class", string(acc.Class)))
	return acc, nil
}

func (r *Registry) Lookup(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return r.store.GetAccount(ctx, id)
}

func (r *Registry) BalanceOf(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	return r.store.Balance(ctx, id)
}
