// Package validate implements the admission validator: stateless,
// I/O-free checks applied to every submitted request before it reaches the
// execution engine.
package validate

import (
	"github.com/usda-network/ledger/internal/apperr"
	"github.com/usda-network/ledger/internal/domain/ledger"
)

// TransferRequest is the shape a caller submits for a transfer.
type TransferRequest struct {
	From      ledger.Address
	To        ledger.Address
	Amount    int64
	Nonce     int64
	Signature ledger.Signature
}

// MintRequest is the shape a caller submits for a mint.
type MintRequest struct {
	To        ledger.Address
	Amount    int64
	Nonce     int64
	Signature ledger.Signature
}

// Transfer rejects a transfer request before any I/O occurs.
func Transfer(req TransferRequest) error {
	if req.Amount == 0 {
		return apperr.InvalidAmount("amount must be greater than zero")
	}
	if req.Amount < 0 {
		return apperr.InvalidAmount("amount must be positive")
	}
	if req.From == req.To {
		return apperr.InvalidInput("from and to must differ")
	}
	if req.From.IsZero() {
		return apperr.InvalidInput("from address is required")
	}
	if req.To.IsZero() {
		return apperr.InvalidInput("to address is required")
	}
	if req.Nonce <= 0 {
		return apperr.InvalidInput("nonce must be positive")
	}
	return nil
}

// Mint rejects a mint request before any I/O occurs.
func Mint(req MintRequest) error {
	if req.Amount == 0 {
		return apperr.InvalidAmount("amount must be greater than zero")
	}
	if req.Amount < 0 {
		return apperr.InvalidAmount("amount must be positive")
	}
	if req.To.IsZero() {
		return apperr.InvalidInput("to address is required")
	}
	if req.Nonce <= 0 {
		return apperr.InvalidInput("nonce must be positive")
	}
	return nil
}
