// Package postgres implements the account store against PostgreSQL
// using database/sql, sqlx for struct-scanned queries, and row-level locking
// for per-account serializability.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/usda-network/ledger/internal/apperr"
	"github.com/usda-network/ledger/internal/domain/ledger"
	"github.com/usda-network/ledger/internal/store"
)

// Store implements store.AccountStore backed by a *sqlx.DB.
type Store struct {
	db *sqlx.DB
}

var _ store.AccountStore = (*Store)(nil)

// Open connects to dsn and configures the connection pool.
func Open(dsn string, poolSize int) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open handle (used by tests driving sqlmock).
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, apperr.Internal(err, "begin transaction")
	}
	return &tx{tx: sqlTx}, nil
}

func (s *Store) CreateAccount(ctx context.Context, pubKey ledger.PublicKey) (ledger.Account, error) {
	addr := deriveAddress(pubKey)
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (address, public_key, balance, pending_balance, nonce, created_at)
		VALUES ($1, $2, 0, 0, 0, $3)
		ON CONFLICT (address) DO NOTHING
	`, addr[:], pubKey[:], now)
	if err != nil {
		return ledger.Account{}, apperr.Internal(err, "insert account")
	}

	return s.GetAccount(ctx, addr)
}

func (s *Store) GetAccount(ctx context.Context, addr ledger.Address) (ledger.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `
		SELECT address, public_key, balance, pending_balance, nonce, created_at
		FROM accounts WHERE address = $1
	`, addr[:])
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, apperr.NotFound("account %x not found", addr)
	}
	if err != nil {
		return ledger.Account{}, apperr.Internal(err, "query account")
	}
	return row.toDomain(), nil
}

func (s *Store) InsertPending(ctx context.Context, txn ledger.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
			(tx_id, kind, from_address, to_address, amount, fee, nonce, signature, status, error, batch_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		txn.TxID, string(txn.Kind), fromAddrBytes(txn.FromAddress), txn.ToAddress[:], txn.Amount, txn.Fee, txn.Nonce,
		signatureBytes(txn.Signature), string(ledger.StatusPending), "", nil, txn.CreatedAt, txn.UpdatedAt)
	if err != nil {
		return apperr.Internal(err, "insert pending transaction")
	}
	return nil
}

func (s *Store) QueryTx(ctx context.Context, txID uuid.UUID) (ledger.Transaction, error) {
	var row txRow
	err := s.db.GetContext(ctx, &row, `
		SELECT tx_id, kind, from_address, to_address, amount, fee, nonce, signature, status, error, batch_id, created_at, updated_at
		FROM transactions WHERE tx_id = $1
	`, txID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, apperr.NotFound("transaction %s not found", txID)
	}
	if err != nil {
		return ledger.Transaction{}, apperr.Internal(err, "query transaction")
	}
	return row.toDomain(), nil
}

func (s *Store) QueryTxHistory(ctx context.Context, addr ledger.Address, cursor store.Cursor, limit int) ([]ledger.Transaction, store.Cursor, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var after time.Time
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339Nano, string(cursor)); err == nil {
			after = t
		}
	}

	var rows []txRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT tx_id, kind, from_address, to_address, amount, fee, nonce, signature, status, error, batch_id, created_at, updated_at
		FROM transactions
		WHERE (from_address = $1 OR to_address = $1) AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, addr[:], nullableTime(after), limit)
	if err != nil {
		return nil, "", apperr.Internal(err, "query transaction history")
	}

	out := make([]ledger.Transaction, len(rows))
	var next store.Cursor
	for i, r := range rows {
		out[i] = r.toDomain()
		if i == len(rows)-1 {
			next = store.Cursor(out[i].CreatedAt.Format(time.RFC3339Nano))
		}
	}
	return out, next, nil
}

func (s *Store) GetBatch(ctx context.Context, batchID uuid.UUID) (ledger.Batch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `
		SELECT batch_id, transaction_count, status, proof_data, created_at, sealed_at
		FROM batches WHERE batch_id = $1
	`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Batch{}, apperr.NotFound("batch %s not found", batchID)
	}
	if err != nil {
		return ledger.Batch{}, apperr.Internal(err, "query batch")
	}
	return row.toDomain(), nil
}

// NextSealedBatch pulls the oldest Sealed batch not currently row-locked,
// using SKIP LOCKED so the read never blocks. The query runs outside any
// transaction, so its row lock is released when the statement completes and
// the batch stays Sealed; repeated or concurrent calls can return the same
// batch.
func (s *Store) NextSealedBatch(ctx context.Context) (ledger.Batch, bool, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `
		SELECT batch_id, transaction_count, status, proof_data, created_at, sealed_at
		FROM batches
		WHERE status = $1
		ORDER BY sealed_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, string(ledger.BatchSealed))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Batch{}, false, nil
	}
	if err != nil {
		return ledger.Batch{}, false, apperr.Internal(err, "query next sealed batch")
	}
	return row.toDomain(), true, nil
}

// SealExpiredBatches seals every Open batch past cutoff in one statement.
// Any in-flight enlistment already holds the batch row lock through its
// count increment, so the seal waits behind it and never races a member in.
func (s *Store) SealExpiredBatches(ctx context.Context, cutoff time.Time, exclude uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE batches SET status = $1, sealed_at = now()
		WHERE status = $2 AND created_at <= $3 AND batch_id <> $4
		RETURNING batch_id
	`, string(ledger.BatchSealed), string(ledger.BatchOpen), cutoff, exclude)
	if err != nil {
		return nil, apperr.Internal(err, "seal expired batches")
	}
	return ids, nil
}

func (s *Store) MarkBatchProven(ctx context.Context, batchID uuid.UUID, proof []byte) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Internal(err, "begin mark-proven transaction")
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, `
		UPDATE batches SET status = $2, proof_data = $3 WHERE batch_id = $1
	`, batchID, string(ledger.BatchProven), proof); err != nil {
		return apperr.Internal(err, "update batch proven")
	}
	if _, err := sqlTx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, updated_at = now() WHERE batch_id = $1
	`, batchID, string(ledger.StatusProven)); err != nil {
		return apperr.Internal(err, "update member transactions proven")
	}
	if err := sqlTx.Commit(); err != nil {
		return apperr.Internal(err, "commit mark-proven transaction")
	}
	return nil
}

func (s *Store) MarkBatchFailed(ctx context.Context, batchID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET status = $2 WHERE batch_id = $1`, batchID, string(ledger.BatchFailed))
	if err != nil {
		return apperr.Internal(err, "update batch failed")
	}
	return nil
}

func (s *Store) ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		SELECT tx_id FROM transactions WHERE status = $1 AND updated_at < $2
	`, string(ledger.StatusProcessing), cutoff)
	if err != nil {
		return nil, apperr.Internal(err, "list stuck processing rows")
	}
	return ids, nil
}

func (s *Store) FinalizeOrphan(ctx context.Context, txID uuid.UUID, kind apperr.Kind, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = $2, error = $3, updated_at = now()
		WHERE tx_id = $1 AND status = $4
	`, txID, string(ledger.StatusFailed), fmt.Sprintf("%s: %s", kind, message), string(ledger.StatusProcessing))
	if err != nil {
		return apperr.Internal(err, "finalize orphaned transaction")
	}
	return nil
}

// tx implements store.Tx over a *sqlx.Tx.
type tx struct {
	tx *sqlx.Tx
}

var _ store.Tx = (*tx)(nil)

func (t *tx) LockAccounts(ctx context.Context, addrs []ledger.Address) (map[ledger.Address]ledger.Account, error) {
	sorted := sortAddresses(dedupeAddresses(addrs))

	out := make(map[ledger.Address]ledger.Account, len(sorted))
	for _, addr := range sorted {
		var row accountRow
		err := t.tx.GetContext(ctx, &row, `
			SELECT address, public_key, balance, pending_balance, nonce, created_at
			FROM accounts WHERE address = $1 FOR UPDATE
		`, addr[:])
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, apperr.Internal(err, "lock account %x", addr)
		}
		out[addr] = row.toDomain()
	}
	return out, nil
}

func (t *tx) Apply(ctx context.Context, deltas []store.AccountDelta) error {
	for _, d := range deltas {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE accounts
			SET balance = balance + $2, nonce = nonce + $3
			WHERE address = $1 AND balance + $2 >= 0
		`, d.Address[:], d.BalanceDelta, d.NonceDelta)
		if err != nil {
			return apperr.Internal(err, "apply account delta")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.Internal(nil, "account delta would make balance negative")
		}
	}
	return nil
}

func (t *tx) MarkProcessing(ctx context.Context, txID uuid.UUID) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, updated_at = now() WHERE tx_id = $1 AND status = $3
	`, txID, string(ledger.StatusProcessing), string(ledger.StatusPending))
	if err != nil {
		return apperr.Internal(err, "mark processing")
	}
	return nil
}

func (t *tx) FinalizeExecuted(ctx context.Context, txID uuid.UUID, fee int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, fee = $3, updated_at = now() WHERE tx_id = $1
	`, txID, string(ledger.StatusExecuted), fee)
	if err != nil {
		return apperr.Internal(err, "finalize executed")
	}
	return nil
}

func (t *tx) FinalizeFailed(ctx context.Context, txID uuid.UUID, kind apperr.Kind, message string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, error = $3, updated_at = now() WHERE tx_id = $1
	`, txID, string(ledger.StatusFailed), fmt.Sprintf("%s: %s", kind, message))
	if err != nil {
		return apperr.Internal(err, "finalize failed")
	}
	return nil
}

func (t *tx) Enlist(ctx context.Context, txID, batchID uuid.UUID) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO batch_transactions (batch_id, tx_id) VALUES ($1, $2)
	`, batchID, txID); err != nil {
		return apperr.Internal(err, "enlist transaction")
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET batch_id = $2 WHERE tx_id = $1
	`, txID, batchID); err != nil {
		return apperr.Internal(err, "set transaction batch_id")
	}
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE batches SET transaction_count = transaction_count + 1 WHERE batch_id = $1
	`, batchID); err != nil {
		return apperr.Internal(err, "increment batch count")
	}
	return nil
}

func (t *tx) LockIssuerNonce(ctx context.Context) (int64, error) {
	var nonce int64
	err := t.tx.GetContext(ctx, &nonce, `SELECT nonce FROM issuer_state WHERE id = 1 FOR UPDATE`)
	if err != nil {
		return 0, apperr.Internal(err, "lock issuer nonce")
	}
	return nonce, nil
}

func (t *tx) SetIssuerNonce(ctx context.Context, nonce int64) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE issuer_state SET nonce = $1 WHERE id = 1`, nonce)
	if err != nil {
		return apperr.Internal(err, "set issuer nonce")
	}
	return nil
}

func (t *tx) CreateBatch(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO batches (batch_id, transaction_count, status, created_at)
		VALUES ($1, 0, $2, now())
	`, id, string(ledger.BatchOpen))
	if err != nil {
		return uuid.Nil, apperr.Internal(err, "create batch")
	}
	return id, nil
}

func (t *tx) SealBatch(ctx context.Context, batchID uuid.UUID) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE batches SET status = $2, sealed_at = now() WHERE batch_id = $1 AND status = $3
	`, batchID, string(ledger.BatchSealed), string(ledger.BatchOpen))
	if err != nil {
		return apperr.Internal(err, "seal batch")
	}
	return nil
}

func (t *tx) Commit() error   { return t.tx.Commit() }
func (t *tx) Rollback() error { return t.tx.Rollback() }

func sortAddresses(addrs []ledger.Address) []ledger.Address {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
	return addrs
}

func dedupeAddresses(addrs []ledger.Address) []ledger.Address {
	seen := make(map[ledger.Address]struct{}, len(addrs))
	out := make([]ledger.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func deriveAddress(pubKey ledger.PublicKey) ledger.Address {
	var addr ledger.Address
	copy(addr[:], pubKey[:])
	return addr
}

func fromAddrBytes(a *ledger.Address) interface{} {
	if a == nil {
		return nil
	}
	return a[:]
}

func signatureBytes(s *ledger.Signature) interface{} {
	if s == nil {
		return nil
	}
	return s[:]
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
