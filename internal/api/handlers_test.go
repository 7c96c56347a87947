package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/walletcore/internal/account"
	"github.com/punchamoorthee/walletcore/internal/allocator"
	"github.com/punchamoorthee/walletcore/internal/api"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/status"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter() *mux.Router {
	s := store.NewMemoryStore()
	engine := status.NewEngine(s, nil, nil)
	l := ledger.New(s, status.NewDispatcher(engine, status.DispatcherConfig{}, nil), nil, nil)
	h := api.NewHandler(account.NewRegistry(s, nil), l, engine, allocator.New(s, l, nil, nil), nil)
	return api.NewRouter(h)
}

func call(t *testing.T, r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v), rr.Body.String())
}

func openAccount(t *testing.T, r http.Handler, owner, currency string, class domain.AccountClass) domain.Account {
	t.Helper()
	rr := call(t, r, http.MethodPost, "/api/v1/accounts", map[string]any{
		"owner_ref": owner, "currency": currency, "class": class,
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var acc domain.Account
	decodeBody(t, rr, &acc)
	return acc
}

func transfer(from, to uuid.UUID, amount string) ledger.RecordRequest {
	a := decimal.RequireFromString(amount)
	return ledger.RecordRequest{
		Type: domain.OperationDeposit,
		Entries: []ledger.EntryRequest{
			{AccountID: from, Amount: a.Neg(), Currency: "USD"},
			{AccountID: to, Amount: a, Currency: "USD"},
		},
	}
}

func balanceOf(t *testing.T, r http.Handler, id uuid.UUID) decimal.Decimal {
	t.Helper()
	rr := call(t, r, http.MethodGet, "/api/v1/accounts/"+id.String()+"/balance", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Balance decimal.Decimal `json:"balance"`
	}
	decodeBody(t, rr, &body)
	return body.Balance
}

func TestHealthCheckHandler(t *testing.T) {
	rr := call(t, newRouter(), http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestCreateOperationHandler_Idempotency(t *testing.T) {
	r := newRouter()
	bank := openAccount(t, r, "bank", "USD", domain.AccountClassExternalClearing)
	wallet := openAccount(t, r, "alice", "USD", domain.AccountClassWallet)

	headers := map[string]string{"Idempotency-Key": "dep-001", "X-Actor": "ops-console"}
	first := call(t, r, http.MethodPost, "/api/v1/operations", transfer(bank.ID, wallet.ID, "250.50"), headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	assert.NotEmpty(t, first.Header().Get("Location"))

	var created ledger.Result
	decodeBody(t, first, &created)
	assert.False(t, created.Replayed)
	assert.Equal(t, "ops-console", created.Operation.Metadata["actor"])

	second := call(t, r, http.MethodPost, "/api/v1/operations", transfer(bank.ID, wallet.ID, "250.50"), headers)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	var replayed ledger.Result
	decodeBody(t, second, &replayed)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, created.Operation.ID, replayed.Operation.ID)

	assert.True(t, decimal.RequireFromString("250.50").Equal(balanceOf(t, r, wallet.ID)))

	get := call(t, r, http.MethodGet, "/api/v1/operations/"+created.Operation.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, get.Code)
	var op domain.Operation
	decodeBody(t, get, &op)
	assert.Len(t, op.Entries, 2)
}

func TestErrorMapping(t *testing.T) {
	r := newRouter()
	bank := openAccount(t, r, "bank", "USD", domain.AccountClassExternalClearing)
	wallet := openAccount(t, r, "bob", "USD", domain.AccountClassWallet)
	other := openAccount(t, r, "carol", "USD", domain.AccountClassWallet)

	unbalanced := transfer(bank.ID, wallet.ID, "10")
	unbalanced.Entries[1].Amount = decimal.NewFromInt(9)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantKind domain.Kind
	}{
		{"unbalanced entries", http.MethodPost, "/api/v1/operations", unbalanced, http.StatusUnprocessableEntity, domain.KindValidation},
		{"overdraft", http.MethodPost, "/api/v1/operations", transfer(wallet.ID, other.ID, "1"), http.StatusUnprocessableEntity, domain.KindInsufficientFunds},
		{"unknown account", http.MethodPost, "/api/v1/operations", transfer(bank.ID, uuid.New(), "1"), http.StatusNotFound, domain.KindNotFound},
		{"bad currency", http.MethodPost, "/api/v1/accounts", map[string]string{"owner_ref": "x", "currency": "usd1"}, http.StatusUnprocessableEntity, domain.KindValidation},
		{"unknown transaction type", http.MethodPost, "/api/v1/transactions", map[string]string{"type": "LOAN"}, http.StatusUnprocessableEntity, domain.KindValidation},
		{"missing account", http.MethodGet, "/api/v1/accounts/" + uuid.NewString(), nil, http.StatusNotFound, domain.KindNotFound},
		{"malformed id", http.MethodGet, "/api/v1/accounts/not-a-uuid", nil, http.StatusBadRequest, domain.KindValidation},
		{"recompute unknown transaction", http.MethodPost, "/api/v1/transactions/" + uuid.NewString() + "/recompute", nil, http.StatusNotFound, domain.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := call(t, r, tt.method, tt.path, tt.body, nil)
			require.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			var body struct {
				Error string      `json:"error"`
				Kind  domain.Kind `json:"kind"`
			}
			decodeBody(t, rr, &body)
			assert.Equal(t, tt.wantKind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	r := newRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/operations", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTransactionLifecycle(t *testing.T) {
	r := newRouter()
	bank := openAccount(t, r, "bank", "USD", domain.AccountClassExternalClearing)
	holding := openAccount(t, r, "deposit-holding", "USD", domain.AccountClassHolding)
	wallet := openAccount(t, r, "dave", "USD", domain.AccountClassWallet)

	rr := call(t, r, http.MethodPost, "/api/v1/transactions", map[string]string{"type": "DEPOSIT"}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var txn domain.Transaction
	decodeBody(t, rr, &txn)
	assert.Equal(t, domain.StatusInitiated, txn.Status)

	deposit := transfer(bank.ID, holding.ID, "40")
	deposit.TransactionID = &txn.ID
	rr = call(t, r, http.MethodPost, "/api/v1/operations", deposit, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	release := transfer(holding.ID, wallet.ID, "40")
	release.Type = domain.OperationRelease
	release.TransactionID = &txn.ID
	rr = call(t, r, http.MethodPost, "/api/v1/operations", release, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = call(t, r, http.MethodGet, "/api/v1/transactions/"+txn.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Status     domain.TransactionStatus `json:"status"`
		Operations []domain.Operation       `json:"operations"`
	}
	decodeBody(t, rr, &got)
	assert.Equal(t, domain.StatusAvailable, got.Status)
	assert.Len(t, got.Operations, 2)

	rr = call(t, r, http.MethodPost, "/api/v1/transactions/"+txn.ID.String()+"/recompute", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), string(domain.StatusAvailable))
}

func TestOfferAllocationFlow(t *testing.T) {
	r := newRouter()
	bank := openAccount(t, r, "bank", "USD", domain.AccountClassExternalClearing)
	holding := openAccount(t, r, "offer-holding", "USD", domain.AccountClassHolding)
	wallet := openAccount(t, r, "erin", "USD", domain.AccountClassWallet)

	rr := call(t, r, http.MethodPost, "/api/v1/operations", transfer(bank.ID, wallet.ID, "2000"), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = call(t, r, http.MethodPost, "/api/v1/offers", allocator.CreateOfferRequest{
		Code: "SUKUK-1", Currency: "USD", MaxAmount: decimal.NewFromInt(1000), HoldingAccountID: holding.ID,
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var offer domain.Offer
	decodeBody(t, rr, &offer)

	allocPath := "/api/v1/offers/" + offer.ID.String() + "/allocations"
	allocBody := map[string]any{"wallet_account_id": wallet.ID, "requested_amount": "600"}

	rr = call(t, r, http.MethodPost, allocPath, allocBody, nil)
	require.Equal(t, http.StatusConflict, rr.Code, "draft offers take no allocations")
	assert.Contains(t, rr.Body.String(), string(domain.KindOfferNotLive))

	rr = call(t, r, http.MethodPost, "/api/v1/offers/"+offer.ID.String()+"/status", map[string]string{"status": "LIVE"}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(t, r, http.MethodPost, allocPath, allocBody, map[string]string{"Idempotency-Key": "inv-1"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var first allocator.AllocationResult
	decodeBody(t, rr, &first)
	assert.False(t, first.Partial)

	rr = call(t, r, http.MethodPost, allocPath, allocBody, map[string]string{"Idempotency-Key": "inv-1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(t, r, http.MethodPost, allocPath, allocBody, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var second allocator.AllocationResult
	decodeBody(t, rr, &second)
	assert.True(t, second.Partial)
	assert.True(t, decimal.NewFromInt(400).Equal(second.AcceptedAmount))

	rr = call(t, r, http.MethodPost, allocPath, allocBody, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), string(domain.KindOfferFull))

	rr = call(t, r, http.MethodGet, "/api/v1/offers/"+offer.ID.String()+"/investments", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var invs []domain.Investment
	decodeBody(t, rr, &invs)
	assert.Len(t, invs, 2)

	cancelPath := "/api/v1/investments/" + first.Investment.ID.String() + "/cancel"
	rr = call(t, r, http.MethodPost, cancelPath, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = call(t, r, http.MethodPost, cancelPath, nil, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), string(domain.KindAlreadyCancelled))

	rr = call(t, r, http.MethodGet, "/api/v1/offers/"+offer.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &offer)
	assert.True(t, decimal.NewFromInt(400).Equal(offer.CommittedAmount))
	assert.True(t, decimal.NewFromInt(1600).Equal(balanceOf(t, r, wallet.ID)))

	rr = call(t, r, http.MethodPost, "/api/v1/offers/"+offer.ID.String()+"/status", map[string]string{"status": "DRAFT"}, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}
