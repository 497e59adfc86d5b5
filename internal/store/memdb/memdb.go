// Package memdb implements an in-process store.AccountStore for tests and
// local development, with the same row-locking contract as the postgres
// implementation but backed by mutex-guarded maps instead of real rows.
package memdb

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usda-network/ledger/internal/apperr"
	"github.com/usda-network/ledger/internal/domain/ledger"
	"github.com/usda-network/ledger/internal/store"
)

// Store is an in-memory AccountStore. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex // guards every map below; Tx holds it for its whole lifetime

	accounts     map[ledger.Address]ledger.Account
	transactions map[uuid.UUID]ledger.Transaction
	batches      map[uuid.UUID]ledger.Batch
	batchMembers map[uuid.UUID][]uuid.UUID
	issuerNonce  int64
}

var _ store.AccountStore = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts:     make(map[ledger.Address]ledger.Account),
		transactions: make(map[uuid.UUID]ledger.Transaction),
		batches:      make(map[uuid.UUID]ledger.Batch),
		batchMembers: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	return &tx{s: s, locked: make(map[ledger.Address]struct{})}, nil
}

func (s *Store) CreateAccount(ctx context.Context, pubKey ledger.PublicKey) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var addr ledger.Address
	copy(addr[:], pubKey[:])

	if acct, ok := s.accounts[addr]; ok {
		return acct, nil
	}
	acct := ledger.Account{
		Address:   addr,
		PublicKey: pubKey,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[addr] = acct
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, addr ledger.Address) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[addr]
	if !ok {
		return ledger.Account{}, apperr.NotFound("account %x not found", addr)
	}
	return acct, nil
}

func (s *Store) InsertPending(ctx context.Context, txn ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions[txn.TxID] = txn
	return nil
}

func (s *Store) QueryTx(ctx context.Context, txID uuid.UUID) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[txID]
	if !ok {
		return ledger.Transaction{}, apperr.NotFound("transaction %s not found", txID)
	}
	return txn, nil
}

func (s *Store) QueryTxHistory(ctx context.Context, addr ledger.Address, cursor store.Cursor, limit int) ([]ledger.Transaction, store.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var before time.Time
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339Nano, string(cursor)); err == nil {
			before = t
		}
	}

	var matches []ledger.Transaction
	for _, txn := range s.transactions {
		if txn.ToAddress != addr && (txn.FromAddress == nil || *txn.FromAddress != addr) {
			continue
		}
		if !before.IsZero() && !txn.CreatedAt.Before(before) {
			continue
		}
		matches = append(matches, txn)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })

	if len(matches) > limit {
		matches = matches[:limit]
	}
	var next store.Cursor
	if len(matches) > 0 {
		next = store.Cursor(matches[len(matches)-1].CreatedAt.Format(time.RFC3339Nano))
	}
	return matches, next, nil
}

func (s *Store) GetBatch(ctx context.Context, batchID uuid.UUID) (ledger.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return ledger.Batch{}, apperr.NotFound("batch %s not found", batchID)
	}
	return b, nil
}

func (s *Store) NextSealedBatch(ctx context.Context) (ledger.Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *ledger.Batch
	for id, b := range s.batches {
		if b.Status != ledger.BatchSealed {
			continue
		}
		cur := s.batches[id]
		if best == nil || (cur.SealedAt != nil && best.SealedAt != nil && cur.SealedAt.Before(*best.SealedAt)) {
			c := cur
			best = &c
		}
	}
	if best == nil {
		return ledger.Batch{}, false, nil
	}
	return *best, true, nil
}

func (s *Store) SealExpiredBatches(ctx context.Context, cutoff time.Time, exclude uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sealed []uuid.UUID
	now := time.Now().UTC()
	for id, b := range s.batches {
		if b.Status != ledger.BatchOpen || id == exclude || b.CreatedAt.After(cutoff) {
			continue
		}
		t := now
		b.Status = ledger.BatchSealed
		b.SealedAt = &t
		s.batches[id] = b
		sealed = append(sealed, id)
	}
	return sealed, nil
}

func (s *Store) MarkBatchProven(ctx context.Context, batchID uuid.UUID, proof []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return apperr.NotFound("batch %s not found", batchID)
	}
	b.Status = ledger.BatchProven
	b.ProofData = proof
	s.batches[batchID] = b

	for _, txID := range s.batchMembers[batchID] {
		txn := s.transactions[txID]
		txn.Status = ledger.StatusProven
		s.transactions[txID] = txn
	}
	return nil
}

func (s *Store) MarkBatchFailed(ctx context.Context, batchID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return apperr.NotFound("batch %s not found", batchID)
	}
	b.Status = ledger.BatchFailed
	s.batches[batchID] = b
	return nil
}

func (s *Store) ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for id, txn := range s.transactions {
		if txn.Status == ledger.StatusProcessing && txn.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) FinalizeOrphan(ctx context.Context, txID uuid.UUID, kind apperr.Kind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[txID]
	if !ok || txn.Status != ledger.StatusProcessing {
		return nil
	}
	txn.Status = ledger.StatusFailed
	txn.Error = string(kind) + ": " + message
	txn.UpdatedAt = time.Now().UTC()
	s.transactions[txID] = txn
	return nil
}

// tx is a store.Tx backed by Store's single mutex, held for the tx lifetime.
// This serializes all writers, which is correct (if pessimistic) for the
// single-process case memdb exists to serve.
type tx struct {
	s      *Store
	locked map[ledger.Address]struct{}
	done   bool
}

var _ store.Tx = (*tx)(nil)

func (t *tx) LockAccounts(ctx context.Context, addrs []ledger.Address) (map[ledger.Address]ledger.Account, error) {
	sorted := append([]ledger.Address(nil), addrs...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })

	out := make(map[ledger.Address]ledger.Account, len(sorted))
	for _, addr := range sorted {
		t.locked[addr] = struct{}{}
		if acct, ok := t.s.accounts[addr]; ok {
			out[addr] = acct
		}
	}
	return out, nil
}

func (t *tx) Apply(ctx context.Context, deltas []store.AccountDelta) error {
	for _, d := range deltas {
		acct, ok := t.s.accounts[d.Address]
		if !ok {
			return apperr.Internal(nil, "apply: account %x not locked", d.Address)
		}
		if acct.Balance+d.BalanceDelta < 0 {
			return apperr.Internal(nil, "account delta would make balance negative")
		}
		acct.Balance += d.BalanceDelta
		acct.Nonce += d.NonceDelta
		t.s.accounts[d.Address] = acct
	}
	return nil
}

func (t *tx) MarkProcessing(ctx context.Context, txID uuid.UUID) error {
	txn, ok := t.s.transactions[txID]
	if !ok || txn.Status != ledger.StatusPending {
		return nil
	}
	txn.Status = ledger.StatusProcessing
	txn.UpdatedAt = time.Now().UTC()
	t.s.transactions[txID] = txn
	return nil
}

func (t *tx) FinalizeExecuted(ctx context.Context, txID uuid.UUID, fee int64) error {
	txn, ok := t.s.transactions[txID]
	if !ok {
		return apperr.NotFound("transaction %s not found", txID)
	}
	txn.Status = ledger.StatusExecuted
	txn.Fee = fee
	txn.UpdatedAt = time.Now().UTC()
	t.s.transactions[txID] = txn
	return nil
}

func (t *tx) FinalizeFailed(ctx context.Context, txID uuid.UUID, kind apperr.Kind, message string) error {
	txn, ok := t.s.transactions[txID]
	if !ok {
		return apperr.NotFound("transaction %s not found", txID)
	}
	txn.Status = ledger.StatusFailed
	txn.Error = string(kind) + ": " + message
	txn.UpdatedAt = time.Now().UTC()
	t.s.transactions[txID] = txn
	return nil
}

func (t *tx) Enlist(ctx context.Context, txID, batchID uuid.UUID) error {
	b, ok := t.s.batches[batchID]
	if !ok {
		return apperr.NotFound("batch %s not found", batchID)
	}
	t.s.batchMembers[batchID] = append(t.s.batchMembers[batchID], txID)
	b.TransactionCount++
	t.s.batches[batchID] = b

	txn := t.s.transactions[txID]
	txn.BatchID = &batchID
	t.s.transactions[txID] = txn
	return nil
}

func (t *tx) LockIssuerNonce(ctx context.Context) (int64, error) {
	return t.s.issuerNonce, nil
}

func (t *tx) SetIssuerNonce(ctx context.Context, nonce int64) error {
	t.s.issuerNonce = nonce
	return nil
}

func (t *tx) CreateBatch(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	t.s.batches[id] = ledger.Batch{
		BatchID:   id,
		Status:    ledger.BatchOpen,
		CreatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (t *tx) SealBatch(ctx context.Context, batchID uuid.UUID) error {
	b, ok := t.s.batches[batchID]
	if !ok || b.Status != ledger.BatchOpen {
		return nil
	}
	now := time.Now().UTC()
	b.Status = ledger.BatchSealed
	b.SealedAt = &now
	t.s.batches[batchID] = b
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}
