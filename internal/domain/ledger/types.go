// Package ledger holds the core data model shared by the account store, the
// execution engine, the batcher, and the public API surface.
package ledger

import (
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// Address is a 32-byte account identifier derived from an Ed25519 public key.
type Address [32]byte

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// PublicKey is an Ed25519 public key.
type PublicKey [ed25519.PublicKeySize]byte

// Signature is an Ed25519 signature.
type Signature [ed25519.SignatureSize]byte

// Account is the durable record of a ledger participant.
type Account struct {
	Address        Address
	PublicKey      PublicKey
	Balance        int64
	PendingBalance int64
	Nonce          int64
	CreatedAt      time.Time
}

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusExecuted   Status = "executed"
	StatusFailed     Status = "failed"
	StatusProven     Status = "proven"
)

// Kind distinguishes the two request shapes the engine accepts.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindMint     Kind = "mint"
)

// Transaction is the durable record of a single submitted request and its
// outcome.
type Transaction struct {
	TxID        uuid.UUID
	Kind        Kind
	FromAddress *Address // nil for mint
	ToAddress   Address
	Amount      int64
	Fee         int64
	Nonce       int64
	Signature   *Signature // nil for mint
	Status      Status
	Error       string
	BatchID     *uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchOpen   BatchStatus = "open"
	BatchSealed BatchStatus = "sealed"
	BatchProven BatchStatus = "proven"
	BatchFailed BatchStatus = "failed"
)

// Batch is the manifest grouping Executed transactions for external proving.
type Batch struct {
	BatchID          uuid.UUID
	TransactionCount int
	Status           BatchStatus
	ProofData        []byte
	CreatedAt        time.Time
	SealedAt         *time.Time
}

// TransferDomainTag is the canonical domain separator for signed transfers.
const TransferDomainTag = "usda.transfer.v1"

// MintDomainTag is the canonical domain separator for signed mints. Padded to
// the same 16-byte width as TransferDomainTag so both messages share a layout.
const MintDomainTag = "usda.mint.v1    "

func init() {
	if len(TransferDomainTag) != 16 {
		panic("ledger: TransferDomainTag must be 16 bytes")
	}
	if len(MintDomainTag) != 16 {
		panic("ledger: MintDomainTag must be 16 bytes")
	}
}

// CanonicalTransferMessage builds the exact byte sequence a sender signs to
// authorize a transfer:
//
//	domain_tag(16) || from(32) || to(32) || amount_be_u64(8) || nonce_be_u64(8)
func CanonicalTransferMessage(from, to Address, amount, nonce uint64) []byte {
	buf := make([]byte, 0, 16+32+32+8+8)
	buf = append(buf, TransferDomainTag...)
	buf = append(buf, from[:]...)
	buf = append(buf, to[:]...)
	buf = binary.BigEndian.AppendUint64(buf, amount)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return buf
}

// CanonicalMintMessage builds the exact byte sequence the issuer signs to
// authorize a mint. It omits the from field entirely.
//
//	domain_tag(16) || to(32) || amount_be_u64(8) || nonce_be_u64(8)
func CanonicalMintMessage(to Address, amount, nonce uint64) []byte {
	buf := make([]byte, 0, 16+32+8+8)
	buf = append(buf, MintDomainTag...)
	buf = append(buf, to[:]...)
	buf = binary.BigEndian.AppendUint64(buf, amount)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return buf
}

// TransferFee computes the burned fee for a transfer amount: floor(amount/10).
func TransferFee(amount int64) int64 {
	return amount / 10
}
