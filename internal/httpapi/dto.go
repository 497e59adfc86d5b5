package httpapi

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/usda-network/ledger/internal/domain/ledger"
	"github.com/usda-network/ledger/internal/eventbus"
)

// accountDTO is the wire shape for GET /account/:addr/balance.
type accountDTO struct {
	Address        string `json:"address"`
	Balance        int64  `json:"balance"`
	PendingBalance int64  `json:"pending_balance"`
	Nonce          int64  `json:"nonce"`
}

func newAccountDTO(a ledger.Account) accountDTO {
	return accountDTO{
		Address:        hex.EncodeToString(a.Address[:]),
		Balance:        a.Balance,
		PendingBalance: a.PendingBalance,
		Nonce:          a.Nonce,
	}
}

// txDTO is the wire shape for a transaction record.
type txDTO struct {
	TxID      string `json:"tx_id"`
	Kind      string `json:"kind"`
	From      string `json:"from_address,omitempty"`
	To        string `json:"to_address"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"`
	Nonce     int64  `json:"nonce"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func newTxDTO(t ledger.Transaction) txDTO {
	dto := txDTO{
		TxID:      t.TxID.String(),
		Kind:      string(t.Kind),
		To:        hex.EncodeToString(t.ToAddress[:]),
		Amount:    t.Amount,
		Fee:       t.Fee,
		Nonce:     t.Nonce,
		Status:    string(t.Status),
		Error:     t.Error,
		CreatedAt: t.CreatedAt.Format(timeLayout),
		UpdatedAt: t.UpdatedAt.Format(timeLayout),
	}
	if t.FromAddress != nil {
		dto.From = hex.EncodeToString(t.FromAddress[:])
	}
	if t.BatchID != nil {
		dto.BatchID = t.BatchID.String()
	}
	return dto
}

// batchDTO is the wire shape for GET /batch/:batch_id.
type batchDTO struct {
	BatchID          string `json:"batch_id"`
	TransactionCount int    `json:"transaction_count"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
	SealedAt         string `json:"sealed_at,omitempty"`
	ProofPresent     bool   `json:"proof_present"`
}

func newBatchDTO(b ledger.Batch) batchDTO {
	dto := batchDTO{
		BatchID:          b.BatchID.String(),
		TransactionCount: b.TransactionCount,
		Status:           string(b.Status),
		CreatedAt:        b.CreatedAt.Format(timeLayout),
		ProofPresent:     len(b.ProofData) > 0,
	}
	if b.SealedAt != nil {
		dto.SealedAt = b.SealedAt.Format(timeLayout)
	}
	return dto
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// eventFrame is the wire shape of a single line-delimited subscription frame.
type eventFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

func newEventFrame(ev eventbus.Event) eventFrame {
	frame := eventFrame{Type: string(ev.Kind)}
	switch {
	case ev.Transaction != nil:
		frame.Payload = newTxDTO(*ev.Transaction)
	case ev.Batch != nil:
		frame.Payload = newBatchDTO(*ev.Batch)
	case ev.Address != nil:
		frame.Payload = map[string]string{"address": hex.EncodeToString(ev.Address[:])}
	}
	return frame
}

func parseAddress(s string) (ledger.Address, error) {
	var addr ledger.Address
	raw, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("invalid hex address: %w", err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("address must be %d bytes, got %d", len(addr), len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func parsePublicKey(s string) (ledger.PublicKey, error) {
	var pk ledger.PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("invalid hex public key: %w", err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", len(pk), len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

func parseSignature(s string) (ledger.Signature, error) {
	var sig ledger.Signature
	raw, err := hex.DecodeString(s)
	if err != nil {
		return sig, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(raw) != len(sig) {
		return sig, fmt.Errorf("signature must be %d bytes, got %d", len(sig), len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

func parseTxID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid tx_id: %w", err)
	}
	return id, nil
}

func parseBatchID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid batch_id: %w", err)
	}
	return id, nil
}
