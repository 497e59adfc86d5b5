// Package engine implements the execution engine: the sole writer of
// account state. It admits a validated request, locks the accounts it
// touches in a globally consistent order, applies balance and nonce deltas
// atomically, and enlists the result into the current batch — retrying on
// transient store conflicts and giving up after a fixed deadline.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/usda-network/ledger/internal/apperr"
	"github.com/usda-network/ledger/internal/batch"
	"github.com/usda-network/ledger/internal/domain/ledger"
	"github.com/usda-network/ledger/internal/eventbus"
	"github.com/usda-network/ledger/internal/logging"
	"github.com/usda-network/ledger/internal/metrics"
	"github.com/usda-network/ledger/internal/sig"
	"github.com/usda-network/ledger/internal/store"
	"github.com/usda-network/ledger/internal/validate"
)

// MaxRetries is the number of store-transaction retries attempted
// after a serialization conflict before giving up with TransientConflict.
const MaxRetries = 5

// retryBackoff is the fixed exponential backoff schedule between retries,
// indexed by retry number (0-based): the wait before the first retry is
// retryBackoff[0].
var retryBackoff = []time.Duration{
	1 * time.Millisecond,
	2 * time.Millisecond,
	4 * time.Millisecond,
	8 * time.Millisecond,
	16 * time.Millisecond,
}

// Engine ties the account store, signature gate, admission validator, and
// batcher together into a single submit pipeline.
type Engine struct {
	db             store.AccountStore
	batcher        *batch.Batcher
	bus            *eventbus.Bus
	log            *logging.Logger
	issuerPubKey   [32]byte
	submitDeadline time.Duration
}

// New builds an Engine. issuerPubKey authorizes mint requests.
func New(db store.AccountStore, batcher *batch.Batcher, bus *eventbus.Bus, issuerPubKey [32]byte, submitDeadline time.Duration) *Engine {
	return &Engine{
		db:             db,
		batcher:        batcher,
		bus:            bus,
		log:            logging.NewDefault("engine"),
		issuerPubKey:   issuerPubKey,
		submitDeadline: submitDeadline,
	}
}

// SubmitTransfer admits and executes a transfer, returning its final
// transaction record once it has committed as Executed or Failed.
func (e *Engine) SubmitTransfer(ctx context.Context, req validate.TransferRequest) (ledger.Transaction, error) {
	if err := validate.Transfer(req); err != nil {
		return ledger.Transaction{}, err
	}

	msg := ledger.CanonicalTransferMessage(req.From, req.To, uint64(req.Amount), uint64(req.Nonce))
	fromAddr := req.From
	txn := ledger.Transaction{
		TxID:        uuid.New(),
		Kind:        ledger.KindTransfer,
		FromAddress: &fromAddr,
		ToAddress:   req.To,
		Amount:      req.Amount,
		Nonce:       req.Nonce,
		Signature:   &req.Signature,
		Status:      ledger.StatusPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	return e.run(ctx, txn, func(ctx context.Context, tx store.Tx) (store.AccountDelta, store.AccountDelta, int64, error) {
		accounts, err := tx.LockAccounts(ctx, []ledger.Address{req.From, req.To})
		if err != nil {
			return store.AccountDelta{}, store.AccountDelta{}, 0, err
		}
		from, ok := accounts[req.From]
		if !ok {
			return store.AccountDelta{}, store.AccountDelta{}, 0, apperr.InvalidInput("sender account %x does not exist", req.From)
		}
		if _, ok := accounts[req.To]; !ok {
			return store.AccountDelta{}, store.AccountDelta{}, 0, apperr.InvalidInput("recipient account %x does not exist", req.To)
		}
		if req.Nonce != from.Nonce+1 {
			return store.AccountDelta{}, store.AccountDelta{}, 0, apperr.InvalidNonce("expected nonce %d, got %d", from.Nonce+1, req.Nonce)
		}
		if !sig.Verify(from.PublicKey, msg, req.Signature) {
			return store.AccountDelta{}, store.AccountDelta{}, 0, apperr.InvalidSignature("signature does not verify for sender")
		}

		fee := ledger.TransferFee(req.Amount)
		total := req.Amount + fee
		if from.Balance < total {
			return store.AccountDelta{}, store.AccountDelta{}, 0, apperr.InsufficientBalance("balance %d insufficient for amount %d plus fee %d", from.Balance, req.Amount, fee)
		}

		fromDelta := store.AccountDelta{Address: req.From, BalanceDelta: -total, NonceDelta: 1}
		toDelta := store.AccountDelta{Address: req.To, BalanceDelta: req.Amount, NonceDelta: 0}
		return fromDelta, toDelta, fee, nil
	})
}

// SubmitMint admits and executes a mint, returning its final transaction
// record once it has committed as Executed or Failed. Mints carry no fee:
// the full amount is credited and no sender account is debited.
func (e *Engine) SubmitMint(ctx context.Context, req validate.MintRequest) (ledger.Transaction, error) {
	if err := validate.Mint(req); err != nil {
		return ledger.Transaction{}, err
	}

	msg := ledger.CanonicalMintMessage(req.To, uint64(req.Amount), uint64(req.Nonce))
	txn := ledger.Transaction{
		TxID:      uuid.New(),
		Kind:      ledger.KindMint,
		ToAddress: req.To,
		Amount:    req.Amount,
		Nonce:     req.Nonce,
		Signature: &req.Signature,
		Status:    ledger.StatusPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	return e.run(ctx, txn, func(ctx context.Context, tx store.Tx) (store.AccountDelta, store.AccountDelta, int64, error) {
		issuerNonce, err := tx.LockIssuerNonce(ctx)
		if err != nil {
			return store.AccountDelta{}, store.AccountDelta{}, 0, err
		}
		if req.Nonce != issuerNonce+1 {
			return store.AccountDelta{}, store.AccountDelta{}, 0, apperr.InvalidNonce("expected issuer nonce %d, got %d", issuerNonce+1, req.Nonce)
		}
		if !sig.Verify(e.issuerPubKey, msg, req.Signature) {
			return store.AccountDelta{}, store.AccountDelta{}, 0, apperr.InvalidSignature("signature does not verify for issuer")
		}

		accounts, err := tx.LockAccounts(ctx, []ledger.Address{req.To})
		if err != nil {
			return store.AccountDelta{}, store.AccountDelta{}, 0, err
		}
		if _, ok := accounts[req.To]; !ok {
			return store.AccountDelta{}, store.AccountDelta{}, 0, apperr.InvalidInput("recipient account %x does not exist", req.To)
		}

		if err := tx.SetIssuerNonce(ctx, req.Nonce); err != nil {
			return store.AccountDelta{}, store.AccountDelta{}, 0, err
		}

		toDelta := store.AccountDelta{Address: req.To, BalanceDelta: req.Amount, NonceDelta: 0}
		return store.AccountDelta{}, toDelta, 0, nil
	})
}

// attemptFn performs the checks and computes the deltas for one execution
// attempt, given a live store transaction; it takes the row locks it needs
// on that transaction itself. Returning an *apperr.Error other than a store-level conflict is
// terminal; returning a serialization conflict triggers a retry.
type attemptFn func(ctx context.Context, tx store.Tx) (from, to store.AccountDelta, fee int64, err error)

// run drives the shared submit pipeline: write the Pending row and announce
// it, then attempt execution up to MaxRetries+1 times before finalizing the
// transaction as Executed or Failed and enlisting it into the open batch.
func (e *Engine) run(ctx context.Context, txn ledger.Transaction, attempt attemptFn) (ledger.Transaction, error) {
	start := time.Now()
	kind := string(txn.Kind)

	if err := e.db.InsertPending(ctx, txn); err != nil {
		return ledger.Transaction{}, err
	}
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindTxPreconfirmed, Transaction: &txn})

	deadlineCtx, cancel := context.WithTimeout(ctx, e.submitDeadline)
	defer cancel()

	var lastErr error
	for i := 0; i <= MaxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(retryBackoff[i-1]):
			case <-deadlineCtx.Done():
				result, err := e.finalizeFailed(ctx, txn, apperr.TransientConflict("submit deadline exceeded during retry"))
				return e.observeResult(kind, start, result, err)
			}
			metrics.RetryTotal.WithLabelValues(kind).Inc()
		}

		result, err := e.tryOnce(deadlineCtx, txn, attempt)
		if err == nil {
			return e.observeResult(kind, start, result, nil)
		}
		lastErr = err

		// An attempt abandoned because the submit deadline expired is a
		// transient outcome, not an internal fault: the caller may retry.
		if deadlineCtx.Err() != nil && apperr.KindOf(err) == apperr.KindInternal {
			result, ferr := e.finalizeFailed(ctx, txn, apperr.TransientConflict("submit deadline exceeded: %v", err))
			return e.observeResult(kind, start, result, ferr)
		}

		if !store.IsSerializationConflict(unwrapCause(err)) {
			result, ferr := e.finalizeFailed(ctx, txn, err)
			return e.observeResult(kind, start, result, ferr)
		}
		e.log.WithField("tx_id", txn.TxID).WithField("attempt", i+1).Warn("serialization conflict, retrying")
	}

	result, err := e.finalizeFailed(ctx, txn, apperr.TransientConflict("exceeded %d retries: %v", MaxRetries, lastErr))
	return e.observeResult(kind, start, result, err)
}

func (e *Engine) observeResult(kind string, start time.Time, txn ledger.Transaction, err error) (ledger.Transaction, error) {
	outcome := "executed"
	if err != nil {
		outcome = "failed"
	}
	metrics.SubmitLatency.WithLabelValues(kind, outcome).Observe(time.Since(start).Seconds())
	return txn, err
}

func (e *Engine) tryOnce(ctx context.Context, txn ledger.Transaction, attempt attemptFn) (ledger.Transaction, error) {
	storeTx, err := e.db.Begin(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer storeTx.Rollback()

	if err := storeTx.MarkProcessing(ctx, txn.TxID); err != nil {
		return ledger.Transaction{}, err
	}

	fromDelta, toDelta, fee, err := attempt(ctx, storeTx)
	if err != nil {
		return ledger.Transaction{}, err
	}

	deltas := []store.AccountDelta{toDelta}
	if txn.Kind == ledger.KindTransfer {
		deltas = []store.AccountDelta{fromDelta, toDelta}
	}
	if err := storeTx.Apply(ctx, deltas); err != nil {
		return ledger.Transaction{}, err
	}

	if err := storeTx.FinalizeExecuted(ctx, txn.TxID, fee); err != nil {
		return ledger.Transaction{}, err
	}

	batchID, sealed, err := e.batcher.Enlist(ctx, storeTx, txn.TxID)
	if err != nil {
		return ledger.Transaction{}, err
	}

	if err := storeTx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}

	txn.Status = ledger.StatusExecuted
	txn.Fee = fee
	txn.BatchID = &batchID
	txn.UpdatedAt = time.Now().UTC()
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindTxExecuted, Transaction: &txn})

	if sealed {
		if b, err := e.db.GetBatch(ctx, batchID); err == nil {
			e.bus.Publish(eventbus.Event{Kind: eventbus.KindBatchSealed, Batch: &b})
		}
	}
	return txn, nil
}

func (e *Engine) finalizeFailed(ctx context.Context, txn ledger.Transaction, cause error) (ledger.Transaction, error) {
	kind := apperr.KindOf(cause)
	message := cause.Error()

	storeTx, err := e.db.Begin(ctx)
	if err == nil {
		if ferr := storeTx.FinalizeFailed(ctx, txn.TxID, kind, message); ferr == nil {
			storeTx.Commit()
		} else {
			storeTx.Rollback()
		}
	}

	txn.Status = ledger.StatusFailed
	txn.Error = message
	txn.UpdatedAt = time.Now().UTC()
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindTxFailed, Transaction: &txn})
	return txn, cause
}

// unwrapCause peels an *apperr.Error down to its underlying cause so
// store.IsSerializationConflict can inspect the raw driver error.
func unwrapCause(err error) error {
	if e, ok := apperr.As(err); ok && e.Cause != nil {
		return e.Cause
	}
	return err
}
