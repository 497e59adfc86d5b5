package postgres

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/usda-network/ledger/internal/domain/ledger"
)

// accountRow mirrors the accounts table for sqlx scanning.
type accountRow struct {
	Address        []byte    `db:"address"`
	PublicKey      []byte    `db:"public_key"`
	Balance        int64     `db:"balance"`
	PendingBalance int64     `db:"pending_balance"`
	Nonce          int64     `db:"nonce"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r accountRow) toDomain() ledger.Account {
	var a ledger.Account
	copy(a.Address[:], r.Address)
	copy(a.PublicKey[:], r.PublicKey)
	a.Balance = r.Balance
	a.PendingBalance = r.PendingBalance
	a.Nonce = r.Nonce
	a.CreatedAt = r.CreatedAt
	return a
}

// txRow mirrors the transactions table for sqlx scanning. FromAddress and
// Signature are nullable: mints carry neither.
type txRow struct {
	TxID        uuid.UUID      `db:"tx_id"`
	Kind        string         `db:"kind"`
	FromAddress []byte         `db:"from_address"`
	ToAddress   []byte         `db:"to_address"`
	Amount      int64          `db:"amount"`
	Fee         int64          `db:"fee"`
	Nonce       int64          `db:"nonce"`
	Signature   []byte         `db:"signature"`
	Status      string         `db:"status"`
	Error       sql.NullString `db:"error"`
	BatchID     uuid.NullUUID  `db:"batch_id"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r txRow) toDomain() ledger.Transaction {
	t := ledger.Transaction{
		TxID:      r.TxID,
		Kind:      ledger.Kind(r.Kind),
		Amount:    r.Amount,
		Fee:       r.Fee,
		Nonce:     r.Nonce,
		Status:    ledger.Status(r.Status),
		Error:     r.Error.String,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	copy(t.ToAddress[:], r.ToAddress)
	if len(r.FromAddress) == len(ledger.Address{}) {
		var from ledger.Address
		copy(from[:], r.FromAddress)
		t.FromAddress = &from
	}
	if len(r.Signature) == len(ledger.Signature{}) {
		var sig ledger.Signature
		copy(sig[:], r.Signature)
		t.Signature = &sig
	}
	if r.BatchID.Valid {
		id := r.BatchID.UUID
		t.BatchID = &id
	}
	return t
}

// batchRow mirrors the batches table for sqlx scanning.
type batchRow struct {
	BatchID          uuid.UUID    `db:"batch_id"`
	TransactionCount int          `db:"transaction_count"`
	Status           string       `db:"status"`
	ProofData        []byte       `db:"proof_data"`
	CreatedAt        time.Time    `db:"created_at"`
	SealedAt         sql.NullTime `db:"sealed_at"`
}

func (r batchRow) toDomain() ledger.Batch {
	b := ledger.Batch{
		BatchID:          r.BatchID,
		TransactionCount: r.TransactionCount,
		Status:           ledger.BatchStatus(r.Status),
		ProofData:        r.ProofData,
		CreatedAt:        r.CreatedAt,
	}
	if r.SealedAt.Valid {
		t := r.SealedAt.Time
		b.SealedAt = &t
	}
	return b
}
