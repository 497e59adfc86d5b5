// Package httpapi implements the public API surface: a thin facade
// binding admission and execution to the HTTP transport, read paths to the
// account store, and the subscription endpoint to the event bus. It carries
// no business logic of its own beyond request decoding, response encoding,
// and error-kind-to-status-code translation.
package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/usda-network/ledger/internal/apperr"
	"github.com/usda-network/ledger/internal/batch"
	"github.com/usda-network/ledger/internal/domain/ledger"
	"github.com/usda-network/ledger/internal/engine"
	"github.com/usda-network/ledger/internal/eventbus"
	"github.com/usda-network/ledger/internal/logging"
	"github.com/usda-network/ledger/internal/metrics"
	"github.com/usda-network/ledger/internal/store"
	"github.com/usda-network/ledger/internal/validate"
)

// Deps bundles the components the handler delegates to. All fields are
// required.
type Deps struct {
	Store   store.AccountStore
	Engine  *engine.Engine
	Batcher *batch.Batcher
	Bus     *eventbus.Bus
	Log     *logging.Logger

	// AllowedOrigins restricts browser origins; empty or "*" allows any.
	AllowedOrigins []string
}

type handler struct {
	deps Deps
}

// NewRouter builds the HTTP router for the full external interface:
// account/transaction/batch REST endpoints, the prover pull/report
// endpoints, the websocket subscription feed, and the ambient /metrics and
// /healthz endpoints.
func NewRouter(deps Deps) http.Handler {
	h := &handler{deps: deps}

	r := mux.NewRouter()
	r.HandleFunc("/account/create", h.createAccount).Methods(http.MethodPost)
	r.HandleFunc("/account/{addr}/balance", h.getBalance).Methods(http.MethodGet)
	r.HandleFunc("/account/{addr}/transactions", h.getHistory).Methods(http.MethodGet)
	r.HandleFunc("/transaction/transfer", h.submitTransfer).Methods(http.MethodPost)
	r.HandleFunc("/transaction/mint", h.submitMint).Methods(http.MethodPost)
	r.HandleFunc("/transaction/{tx_id}", h.getTransaction).Methods(http.MethodGet)
	r.HandleFunc("/batch/next-sealed", h.nextSealedBatch).Methods(http.MethodGet)
	r.HandleFunc("/batch/{batch_id}", h.getBatch).Methods(http.MethodGet)
	r.HandleFunc("/batch/{batch_id}/proof", h.markBatchProven).Methods(http.MethodPost)
	r.HandleFunc("/batch/{batch_id}/fail", h.markBatchFailed).Methods(http.MethodPost)
	r.HandleFunc("/ws", h.subscribe)
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return metrics.InstrumentHandler(withCORS(deps.AllowedOrigins, r))
}

// --- account endpoints ---

type createAccountRequest struct {
	PublicKey string `json:"public_key"`
}

func (h *handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeAppError(w, apperr.InvalidInput("malformed request body: %v", err))
		return
	}
	pubKey, err := parsePublicKey(req.PublicKey)
	if err != nil {
		writeAppError(w, apperr.InvalidInput("%v", err))
		return
	}

	acct, err := h.deps.Store.CreateAccount(r.Context(), pubKey)
	if err != nil {
		writeAppError(w, err)
		return
	}
	h.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindAccountCreated, Address: &acct.Address})
	writeJSON(w, http.StatusOK, map[string]string{"address": hex.EncodeToString(acct.Address[:])})
}

func (h *handler) getBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(mux.Vars(r)["addr"])
	if err != nil {
		writeAppError(w, apperr.InvalidInput("%v", err))
		return
	}
	acct, err := h.deps.Store.GetAccount(r.Context(), addr)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountDTO(acct))
}

func (h *handler) getHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(mux.Vars(r)["addr"])
	if err != nil {
		writeAppError(w, apperr.InvalidInput("%v", err))
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	cursor := store.Cursor(r.URL.Query().Get("cursor"))

	txns, next, err := h.deps.Store.QueryTxHistory(r.Context(), addr, cursor, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}

	dtos := make([]txDTO, len(txns))
	for i, t := range txns {
		dtos[i] = newTxDTO(t)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": dtos,
		"next_cursor":  string(next),
	})
}

// --- transaction endpoints ---

type transferRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Nonce     int64  `json:"nonce"`
	Signature string `json:"signature"`
}

func (h *handler) submitTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeAppError(w, apperr.InvalidInput("malformed request body: %v", err))
		return
	}

	from, err := parseAddress(req.From)
	if err != nil {
		writeAppError(w, apperr.InvalidInput("from: %v", err))
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeAppError(w, apperr.InvalidInput("to: %v", err))
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		writeAppError(w, apperr.InvalidInput("signature: %v", err))
		return
	}

	txn, err := h.deps.Engine.SubmitTransfer(r.Context(), validate.TransferRequest{
		From: from, To: to, Amount: req.Amount, Nonce: req.Nonce, Signature: sig,
	})
	writeSubmitResult(w, txn, err)
}

type mintRequest struct {
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Nonce     int64  `json:"nonce"`
	Signature string `json:"signature"`
}

func (h *handler) submitMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeAppError(w, apperr.InvalidInput("malformed request body: %v", err))
		return
	}

	to, err := parseAddress(req.To)
	if err != nil {
		writeAppError(w, apperr.InvalidInput("to: %v", err))
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		writeAppError(w, apperr.InvalidInput("signature: %v", err))
		return
	}

	txn, err := h.deps.Engine.SubmitMint(r.Context(), validate.MintRequest{
		To: to, Amount: req.Amount, Nonce: req.Nonce, Signature: sig,
	})
	writeSubmitResult(w, txn, err)
}

// writeSubmitResult returns {tx_id, status[, error, kind]} on both success
// and terminal failure: every admitted submit has a queryable tx_id even
// when it ultimately fails inside the engine. Only requests rejected before
// a tx_id was assigned (admission failures) carry no tx_id at all.
func writeSubmitResult(w http.ResponseWriter, txn ledger.Transaction, err error) {
	if err != nil && txn.TxID == uuid.Nil {
		writeAppError(w, err)
		return
	}

	status := statusForKind(apperr.KindOf(err))
	if err == nil {
		status = http.StatusOK
	}
	body := map[string]string{
		"tx_id":  txn.TxID.String(),
		"status": string(txn.Status),
	}
	if err != nil {
		body["error"] = err.Error()
		body["kind"] = string(apperr.KindOf(err))
	}
	writeJSON(w, status, body)
}

func (h *handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	txID, err := parseTxID(mux.Vars(r)["tx_id"])
	if err != nil {
		writeAppError(w, apperr.InvalidInput("%v", err))
		return
	}
	txn, err := h.deps.Store.QueryTx(r.Context(), txID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTxDTO(txn))
}

func (h *handler) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(mux.Vars(r)["batch_id"])
	if err != nil {
		writeAppError(w, apperr.InvalidInput("%v", err))
		return
	}
	b, err := h.deps.Store.GetBatch(r.Context(), batchID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBatchDTO(b))
}

// --- prover endpoints ---

// nextSealedBatch is the external prover's pull interface: it returns the
// oldest Sealed batch. The batch is not claimed, so it is returned again
// until it is marked proven or failed.
func (h *handler) nextSealedBatch(w http.ResponseWriter, r *http.Request) {
	b, ok, err := h.deps.Store.NextSealedBatch(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !ok {
		writeAppError(w, apperr.NotFound("no sealed batch available"))
		return
	}
	writeJSON(w, http.StatusOK, newBatchDTO(b))
}

type proofRequest struct {
	ProofData string `json:"proof_data"`
}

func (h *handler) markBatchProven(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(mux.Vars(r)["batch_id"])
	if err != nil {
		writeAppError(w, apperr.InvalidInput("%v", err))
		return
	}
	var req proofRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeAppError(w, apperr.InvalidInput("malformed request body: %v", err))
		return
	}
	proof, err := hex.DecodeString(req.ProofData)
	if err != nil || len(proof) == 0 {
		writeAppError(w, apperr.InvalidInput("proof_data must be non-empty hex"))
		return
	}

	if err := h.deps.Batcher.MarkProven(r.Context(), batchID, proof); err != nil {
		writeAppError(w, err)
		return
	}
	b, err := h.deps.Store.GetBatch(r.Context(), batchID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBatchDTO(b))
}

func (h *handler) markBatchFailed(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseBatchID(mux.Vars(r)["batch_id"])
	if err != nil {
		writeAppError(w, apperr.InvalidInput("%v", err))
		return
	}
	if err := h.deps.Batcher.MarkFailed(r.Context(), batchID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"batch_id": batchID.String(), "status": "failed"})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := h.deps.Store.GetAccount(ctx, [32]byte{}); err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unreachable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- encoding helpers ---

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeAppError maps an error's apperr.Kind to its HTTP status code and
// writes it as a JSON body.
func writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, statusForKind(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput, apperr.KindInvalidAmount, apperr.KindInvalidNonce, apperr.KindInvalidSignature:
		return http.StatusBadRequest
	case apperr.KindInsufficientBalance, apperr.KindTransientConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
