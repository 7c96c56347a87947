package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/walletcore/internal/account"
	"github.com/punchamoorthee/walletcore/internal/allocator"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/status"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerActor          = "X-Actor"
)

type Handler struct {
	accounts  *account.Registry
	ledger    *ledger.Ledger
	engine    *status.Engine
	allocator *allocator.Allocator
	logger    *zap.Logger
}

func NewHandler(accounts *account.Registry, l *ledger.Ledger, engine *status.Engine, alloc *allocator.Allocator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{accounts: accounts, ledger: l, engine: engine, allocator: alloc, logger: logger}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAccountRequest struct {
	OwnerRef string              `json:"owner_ref"`
	Currency string              `json:"currency"`
	Class    domain.AccountClass `json:"class"`
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Class == "" {
		req.Class = domain.AccountClassWallet
	}
	acc, err := h.accounts.Open(r.Context(), req.OwnerRef, req.Currency, req.Class)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	acc, err := h.accounts.Lookup(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

type balanceResponse struct {
	AccountID uuid.UUID       `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	acc, err := h.accounts.Lookup(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	balance, err := h.accounts.BalanceOf(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, balanceResponse{AccountID: acc.ID, Currency: acc.Currency, Balance: balance})
}

func (h *Handler) CreateOperationHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.RecordRequest
	if !decode(w, r, &req) {
		return
	}
	if key := r.Header.Get(headerIdempotencyKey); key != "" {
		req.IdempotencyKey = key
	}
	if actor := strings.TrimSpace(r.Header.Get(headerActor)); actor != "" {
		if req.Metadata == nil {
			req.Metadata = make(map[string]string)
		}
		req.Metadata["actor"] = actor
	}

	res, err := h.ledger.Record(r.Context(), req)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	if res.Replayed {
		respondWithJSON(w, http.StatusOK, res)
		return
	}
	w.Header().Set("Location", "/api/v1/operations/"+res.Operation.ID.String())
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetOperationHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	op, err := h.ledger.Operation(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, op)
}

type createTransactionRequest struct {
	Type domain.TransactionType `json:"type"`
}

func (h *Handler) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := h.ledger.OpenTransaction(r.Context(), req.Type)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/transactions/"+txn.ID.String())
	respondWithJSON(w, http.StatusCreated, txn)
}

type transactionResponse struct {
	domain.Transaction
	Operations []domain.Operation `json:"operations"`
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	txn, ops, err := h.ledger.Transaction(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transactionResponse{Transaction: txn, Operations: ops})
}

func (h *Handler) RecomputeStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := h.engine.Recompute(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"transaction_id": id.String(), "status": string(st)})
}

func (h *Handler) CreateOfferHandler(w http.ResponseWriter, r *http.Request) {
	var req allocator.CreateOfferRequest
	if !decode(w, r, &req) {
		return
	}
	offer, err := h.allocator.CreateOffer(r.Context(), req)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/offers/"+offer.ID.String())
	respondWithJSON(w, http.StatusCreated, offer)
}

func (h *Handler) GetOfferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	offer, err := h.allocator.Offer(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, offer)
}

type transitionRequest struct {
	Status domain.OfferStatus `json:"status"`
}

func (h *Handler) TransitionOfferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	offer, err := h.allocator.Transition(r.Context(), id, req.Status)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, offer)
}

type allocateRequest struct {
	WalletAccountID uuid.UUID       `json:"wallet_account_id"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	TransactionID   *uuid.UUID      `json:"transaction_id,omitempty"`
}

func (h *Handler) AllocateHandler(w http.ResponseWriter, r *http.Request) {
	offerID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req allocateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.allocator.Allocate(r.Context(), allocator.AllocateRequest{
		OfferID:         offerID,
		WalletAccountID: req.WalletAccountID,
		RequestedAmount: req.RequestedAmount,
		TransactionID:   req.TransactionID,
		IdempotencyKey:  r.Header.Get(headerIdempotencyKey),
	})
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	if res.Replayed {
		respondWithJSON(w, http.StatusOK, res)
		return
	}
	w.Header().Set("Location", "/api/v1/investments/"+res.Investment.ID.String())
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) ListInvestmentsHandler(w http.ResponseWriter, r *http.Request) {
	offerID, ok := pathID(w, r)
	if !ok {
		return
	}
	invs, err := h.allocator.Investments(r.Context(), offerID)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, invs)
}

func (h *Handler) GetInvestmentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.allocator.Investment(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, inv)
}

func (h *Handler) CancelInvestmentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.allocator.Cancel(r.Context(), id, r.Header.Get(headerIdempotencyKey))
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed id", domain.KindValidation)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", domain.KindValidation)
		return false
	}
	return true
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation, domain.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindOfferNotLive, domain.KindOfferFull, domain.KindAlreadyCancelled, domain.KindInvalidTransition:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	code := statusFor(kind)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
		respondWithError(w, code, "Internal Server Error", kind)
		return
	}
	respondWithError(w, code, err.Error(), kind)
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  domain.Kind `json:"kind"`
}

func respondWithError(w http.ResponseWriter, code int, message string, kind domain.Kind) {
	respondWithJSON(w, code, errorResponse{Error: message, Kind: kind})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
