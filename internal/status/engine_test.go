package status_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/account"
	"github.com/punchamoorthee/walletcore/internal/audit"
	mock_audit "github.com/punchamoorthee/walletcore/internal/audit/mocks"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/status"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type aedBooks struct {
	external domain.Account
	holding  domain.Account
	wallet   domain.Account
}

func openAED(t *testing.T, s store.Store) aedBooks {
	t.Helper()
	ctx := context.Background()
	reg := account.NewRegistry(s, nil)

	external, err := reg.Open(ctx, "correspondent-bank", "AED", domain.AccountClassExternalClearing)
	require.NoError(t, err)
	holding, err := reg.Open(ctx, "deposit-holding", "AED", domain.AccountClassHolding)
	require.NoError(t, err)
	wallet, err := reg.Open(ctx, "customer-42", "AED", domain.AccountClassWallet)
	require.NoError(t, err)
	return aedBooks{external: external, holding: holding, wallet: wallet}
}

var thousand = decimal.RequireFromString("1000.00")

func TestEngine_DepositLifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	books := openAED(t, s)
	engine := status.NewEngine(s, nil, nil)
	l := ledger.New(s, nil, nil, nil)

	txn, err := l.OpenTransaction(ctx, domain.TransactionDeposit)
	require.NoError(t, err)

	_, err = l.Record(ctx, ledger.RecordRequest{
		Type:          domain.OperationDeposit,
		TransactionID: &txn.ID,
		Entries: []ledger.EntryRequest{
			{AccountID: books.holding.ID, Amount: thousand, Currency: "AED"},
			{AccountID: books.external.ID, Amount: thousand.Neg(), Currency: "AED"},
		},
	})
	require.NoError(t, err)

	got, err := engine.Recompute(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplianceReview, got)

	_, err = l.Record(ctx, ledger.RecordRequest{
		Type:          domain.OperationRelease,
		TransactionID: &txn.ID,
		Entries: []ledger.EntryRequest{
			{AccountID: books.wallet.ID, Amount: thousand, Currency: "AED"},
			{AccountID: books.holding.ID, Amount: thousand.Neg(), Currency: "AED"},
		},
	})
	require.NoError(t, err)

	got, err = engine.Recompute(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAvailable, got)

	stored, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAvailable, stored.Status)

	walletBalance, err := s.Balance(ctx, books.wallet.ID)
	require.NoError(t, err)
	assert.True(t, thousand.Equal(walletBalance))
}

func TestEngine_DispatcherUpdatesStatusAfterCommit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	books := openAED(t, s)
	engine := status.NewEngine(s, nil, nil)
	l := ledger.New(s, status.NewDispatcher(engine, status.DispatcherConfig{}, nil), nil, nil)

	txn, err := l.OpenTransaction(ctx, domain.TransactionDeposit)
	require.NoError(t, err)
	_, err = l.Record(ctx, ledger.RecordRequest{
		Type:          domain.OperationDeposit,
		TransactionID: &txn.ID,
		Entries: []ledger.EntryRequest{
			{AccountID: books.holding.ID, Amount: thousand, Currency: "AED"},
			{AccountID: books.external.ID, Amount: thousand.Neg(), Currency: "AED"},
		},
	})
	require.NoError(t, err)

	stored, _, err := l.Transaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplianceReview, stored.Status)
}

func TestEngine_RecomputeIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	s := store.NewMemoryStore()
	books := openAED(t, s)
	sink := mock_audit.NewMockSink(ctrl)
	engine := status.NewEngine(s, sink, nil)
	l := ledger.New(s, nil, nil, nil)

	txn, err := l.OpenTransaction(ctx, domain.TransactionDeposit)
	require.NoError(t, err)
	_, err = l.Record(ctx, ledger.RecordRequest{
		Type:          domain.OperationDeposit,
		TransactionID: &txn.ID,
		Entries: []ledger.EntryRequest{
			{AccountID: books.holding.ID, Amount: thousand, Currency: "AED"},
			{AccountID: books.external.ID, Amount: thousand.Neg(), Currency: "AED"},
		},
	})
	require.NoError(t, err)

	// Only the first recompute changes anything, so only it is audited.
	sink.EXPECT().Emit(gomock.Any()).Do(func(f audit.Fact) {
		assert.Equal(t, audit.StatusRecomputed, f.Kind)
		assert.Equal(t, txn.ID, f.SubjectID)
		assert.Equal(t, string(domain.StatusComplianceReview), f.Attributes["to"])
	}).Times(1)

	first, err := engine.Recompute(ctx, txn.ID)
	require.NoError(t, err)
	afterFirst, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)

	second, err := engine.Recompute(ctx, txn.ID)
	require.NoError(t, err)
	afterSecond, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, afterFirst.UpdatedAt, afterSecond.UpdatedAt, "an unchanged status is not rewritten")
}

func TestEngine_ConcurrentRecomputes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	books := openAED(t, s)
	engine := status.NewEngine(s, nil, nil)
	l := ledger.New(s, nil, nil, nil)

	txn, err := l.OpenTransaction(ctx, domain.TransactionDeposit)
	require.NoError(t, err)
	_, err = l.Record(ctx, ledger.RecordRequest{
		Type:          domain.OperationDeposit,
		TransactionID: &txn.ID,
		Entries: []ledger.EntryRequest{
			{AccountID: books.holding.ID, Amount: thousand, Currency: "AED"},
			{AccountID: books.external.ID, Amount: thousand.Neg(), Currency: "AED"},
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := engine.Recompute(ctx, txn.ID)
			assert.NoError(t, err)
			assert.Equal(t, domain.StatusComplianceReview, got)
		}()
	}
	wg.Wait()
}

func TestEngine_UnknownTransaction(t *testing.T) {
	engine := status.NewEngine(store.NewMemoryStore(), nil, nil)

	_, err := engine.Recompute(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

// parkingStore holds the first InTx caller after its unit of work has
// finished, until release is closed.
type parkingStore struct {
	store.Store
	calls   int32
	parked  chan struct{}
	release chan struct{}
}

func (p *parkingStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := p.Store.InTx(ctx, fn)
	if atomic.AddInt32(&p.calls, 1) == 1 {
		close(p.parked)
		<-p.release
	}
	return err
}

func TestEngine_RecomputeSeesWritesCommittedDuringAnEarlierRun(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	books := openAED(t, s)
	l := ledger.New(s, nil, nil, nil)

	txn, err := l.OpenTransaction(ctx, domain.TransactionDeposit)
	require.NoError(t, err)

	parking := &parkingStore{Store: s, parked: make(chan struct{}), release: make(chan struct{})}
	engine := status.NewEngine(parking, nil, nil)

	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(parking.release) }) }
	defer release()

	stale := make(chan domain.TransactionStatus, 1)
	go func() {
		got, err := engine.Recompute(ctx, txn.ID)
		assert.NoError(t, err)
		stale <- got
	}()
	<-parking.parked

	_, err = l.Record(ctx, ledger.RecordRequest{
		Type:          domain.OperationDeposit,
		TransactionID: &txn.ID,
		Entries: []ledger.EntryRequest{
			{AccountID: books.holding.ID, Amount: thousand, Currency: "AED"},
			{AccountID: books.external.ID, Amount: thousand.Neg(), Currency: "AED"},
		},
	})
	require.NoError(t, err)

	fresh := make(chan domain.TransactionStatus, 1)
	go func() {
		got, err := engine.Recompute(ctx, txn.ID)
		assert.NoError(t, err)
		fresh <- got
	}()

	select {
	case got := <-fresh:
		assert.Equal(t, domain.StatusComplianceReview, got)
	case <-time.After(2 * time.Second):
		t.Fatal("recompute after the deposit waited on the earlier run")
	}

	release()
	assert.Equal(t, domain.StatusInitiated, <-stale)

	stored, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplianceReview, stored.Status)
}
