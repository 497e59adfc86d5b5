// Package store defines the account store contract: durable accounts
// and transactions, row-locked reads, and atomic updates. Concrete
// implementations live in store/postgres (production) and store/memdb
// (tests, local development).
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/usda-network/ledger/internal/apperr"
	"github.com/usda-network/ledger/internal/domain/ledger"
)

// AccountDelta is a single pending mutation to an account, applied atomically
// with the rest of a transaction's deltas inside Tx.Apply.
type AccountDelta struct {
	Address      ledger.Address
	BalanceDelta int64
	NonceDelta   int64
}

// Cursor paginates transaction history queries.
type Cursor string

// AccountStore is the durable storage contract the execution engine, batcher,
// and public API surface are built against.
type AccountStore interface {
	// Begin opens a store transaction with serializable-enough semantics
	// (read-committed plus SELECT ... FOR UPDATE SKIP LOCKED suffices).
	Begin(ctx context.Context) (Tx, error)

	// CreateAccount creates a new account row for a first-seen public key,
	// deriving its address. Idempotent: re-creating an existing address
	// returns the existing row.
	CreateAccount(ctx context.Context, pubKey ledger.PublicKey) (ledger.Account, error)

	// GetAccount reads a single account outside of any lock.
	GetAccount(ctx context.Context, addr ledger.Address) (ledger.Account, error)

	// InsertPending writes a new transaction row with status Pending. This
	// happens outside the execution store transaction so the tx_id is
	// queryable the instant submit returns.
	InsertPending(ctx context.Context, txn ledger.Transaction) error

	// QueryTx reads a single transaction by id.
	QueryTx(ctx context.Context, txID uuid.UUID) (ledger.Transaction, error)

	// QueryTxHistory reads transactions touching addr, newest first.
	QueryTxHistory(ctx context.Context, addr ledger.Address, cursor Cursor, limit int) ([]ledger.Transaction, Cursor, error)

	// GetBatch reads a single batch manifest by id.
	GetBatch(ctx context.Context, batchID uuid.UUID) (ledger.Batch, error)

	// NextSealedBatch returns the oldest Sealed batch, reporting false when
	// there is none. It does not claim the batch: the batch stays Sealed, so
	// repeated or concurrent calls can return the same batch.
	NextSealedBatch(ctx context.Context) (ledger.Batch, bool, error)

	// SealExpiredBatches seals every Open batch created at or before cutoff,
	// excluding the batch the caller still considers open, and returns the
	// sealed ids. This backs the seal-by-time ticker and also reclaims Open
	// batches orphaned by a crashed process.
	SealExpiredBatches(ctx context.Context, cutoff time.Time, exclude uuid.UUID) ([]uuid.UUID, error)

	// MarkBatchProven updates the batch and every member transaction to
	// Proven in one store transaction.
	MarkBatchProven(ctx context.Context, batchID uuid.UUID, proof []byte) error

	// MarkBatchFailed marks a batch Failed following external proof
	// rejection. Its member transactions keep their current status.
	MarkBatchFailed(ctx context.Context, batchID uuid.UUID) error

	// ListStuckProcessing returns transaction ids still Processing after
	// cutoff, for the janitor to reconcile.
	ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)

	// FinalizeOrphan finalizes a stuck Processing row outside any active
	// execution attempt (used by the janitor).
	FinalizeOrphan(ctx context.Context, txID uuid.UUID, kind apperr.Kind, message string) error
}

// Tx is a single store-transaction handle, live for the duration of one
// execution attempt.
type Tx interface {
	// LockAccounts acquires row locks on the given (deduplicated) addresses
	// in ascending lexicographic order, returning their current state.
	// Missing addresses are simply absent from the result map.
	LockAccounts(ctx context.Context, addrs []ledger.Address) (map[ledger.Address]ledger.Account, error)

	// Apply performs the balance/nonce mutations for every delta.
	Apply(ctx context.Context, deltas []AccountDelta) error

	// MarkProcessing transitions a Pending row to Processing.
	MarkProcessing(ctx context.Context, txID uuid.UUID) error

	// FinalizeExecuted transitions a Processing row to Executed, recording
	// the computed fee.
	FinalizeExecuted(ctx context.Context, txID uuid.UUID, fee int64) error

	// FinalizeFailed transitions a Processing row to Failed, recording the
	// error kind and message.
	FinalizeFailed(ctx context.Context, txID uuid.UUID, kind apperr.Kind, message string) error

	// Enlist atomically joins txID into batchID's membership and increments
	// the batch's transaction_count.
	Enlist(ctx context.Context, txID, batchID uuid.UUID) error

	// LockIssuerNonce locks the single-row issuer nonce table and returns the
	// last accepted issuer nonce.
	LockIssuerNonce(ctx context.Context) (int64, error)

	// SetIssuerNonce advances the issuer nonce after a mint is admitted.
	SetIssuerNonce(ctx context.Context, nonce int64) error

	// CreateBatch opens a new Open batch and returns its id.
	CreateBatch(ctx context.Context) (uuid.UUID, error)

	// SealBatch transitions a batch to Sealed.
	SealBatch(ctx context.Context, batchID uuid.UUID) error

	Commit() error
	Rollback() error
}

// IsSerializationConflict reports whether err represents a retryable
// row-lock/serialization conflict rather than a terminal failure.
func IsSerializationConflict(err error) bool {
	type sqlStater interface{ SQLState() string }
	if s, ok := err.(sqlStater); ok {
		switch s.SQLState() {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}
