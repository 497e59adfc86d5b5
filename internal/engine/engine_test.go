package engine

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usda-network/ledger/internal/apperr"
	"github.com/usda-network/ledger/internal/batch"
	"github.com/usda-network/ledger/internal/domain/ledger"
	"github.com/usda-network/ledger/internal/eventbus"
	"github.com/usda-network/ledger/internal/store/memdb"
	"github.com/usda-network/ledger/internal/validate"
)

type keypair struct {
	addr ledger.Address
	pub  ledger.PublicKey
	priv ed25519.PrivateKey
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	var pk ledger.PublicKey
	copy(pk[:], pub)
	var addr ledger.Address
	copy(addr[:], pub)
	return keypair{addr: addr, pub: pk, priv: priv}
}

func signTransfer(kp keypair, from, to ledger.Address, amount, nonce uint64) ledger.Signature {
	msg := ledger.CanonicalTransferMessage(from, to, amount, nonce)
	sig := ed25519.Sign(kp.priv, msg)
	var out ledger.Signature
	copy(out[:], sig)
	return out
}

func signMint(kp keypair, to ledger.Address, amount, nonce uint64) ledger.Signature {
	msg := ledger.CanonicalMintMessage(to, amount, nonce)
	sig := ed25519.Sign(kp.priv, msg)
	var out ledger.Signature
	copy(out[:], sig)
	return out
}

func newTestEngine(t *testing.T, issuer keypair, cfg batch.Config) (*Engine, *memdb.Store) {
	t.Helper()
	db := memdb.New()
	bus := eventbus.New()
	b := batch.New(cfg, db, bus)
	e := New(db, b, bus, issuer.pub, time.Second)
	return e, db
}

func mintTo(t *testing.T, e *Engine, db *memdb.Store, issuer keypair, holder keypair, amount, nonce int64) ledger.Transaction {
	t.Helper()
	ctx := context.Background()
	_, err := db.CreateAccount(ctx, holder.pub)
	require.NoError(t, err)

	sig := signMint(issuer, holder.addr, uint64(amount), uint64(nonce))
	txn, err := e.SubmitMint(ctx, validate.MintRequest{To: holder.addr, Amount: amount, Nonce: nonce, Signature: sig})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusExecuted, txn.Status)
	return txn
}

func TestSubmitMint_ThenTransfer_CreditsAndDebitsCorrectly(t *testing.T) {
	issuer := newKeypair(t)
	e, db := newTestEngine(t, issuer, batch.Config{MaxSize: 1000, Period: time.Minute})
	ctx := context.Background()

	alice := newKeypair(t)
	bob := newKeypair(t)
	_, err := db.CreateAccount(ctx, bob.pub)
	require.NoError(t, err)

	mintTo(t, e, db, issuer, alice, 1000, 1)

	aliceAcct, err := db.GetAccount(ctx, alice.addr)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), aliceAcct.Balance)

	sig := signTransfer(alice, alice.addr, bob.addr, 100, 1)
	txn, err := e.SubmitTransfer(ctx, validate.TransferRequest{
		From: alice.addr, To: bob.addr, Amount: 100, Nonce: 1, Signature: sig,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExecuted, txn.Status)
	assert.Equal(t, int64(10), txn.Fee)

	aliceAcct, err = db.GetAccount(ctx, alice.addr)
	require.NoError(t, err)
	assert.Equal(t, int64(1000-110), aliceAcct.Balance) // amount + fee debited
	assert.Equal(t, int64(1), aliceAcct.Nonce)

	bobAcct, err := db.GetAccount(ctx, bob.addr)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bobAcct.Balance)
	assert.Equal(t, int64(0), bobAcct.Nonce)
}

func TestSubmitTransfer_InsufficientBalanceFailsWithoutMutating(t *testing.T) {
	issuer := newKeypair(t)
	e, db := newTestEngine(t, issuer, batch.Config{MaxSize: 1000, Period: time.Minute})
	ctx := context.Background()

	alice := newKeypair(t)
	bob := newKeypair(t)
	_, err := db.CreateAccount(ctx, bob.pub)
	require.NoError(t, err)
	mintTo(t, e, db, issuer, alice, 50, 1)

	sig := signTransfer(alice, alice.addr, bob.addr, 100, 1)
	txn, err := e.SubmitTransfer(ctx, validate.TransferRequest{
		From: alice.addr, To: bob.addr, Amount: 100, Nonce: 1, Signature: sig,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientBalance, apperr.KindOf(err))
	assert.Equal(t, ledger.StatusFailed, txn.Status)

	aliceAcct, err := db.GetAccount(ctx, alice.addr)
	require.NoError(t, err)
	assert.Equal(t, int64(50), aliceAcct.Balance, "balance must be untouched on a failed submit")
	assert.Equal(t, int64(0), aliceAcct.Nonce)
}

func TestSubmitTransfer_RejectsStaleNonce(t *testing.T) {
	issuer := newKeypair(t)
	e, db := newTestEngine(t, issuer, batch.Config{MaxSize: 1000, Period: time.Minute})
	ctx := context.Background()

	alice := newKeypair(t)
	bob := newKeypair(t)
	_, err := db.CreateAccount(ctx, bob.pub)
	require.NoError(t, err)
	mintTo(t, e, db, issuer, alice, 1000, 1)

	sig := signTransfer(alice, alice.addr, bob.addr, 100, 1)
	_, err = e.SubmitTransfer(ctx, validate.TransferRequest{From: alice.addr, To: bob.addr, Amount: 100, Nonce: 1, Signature: sig})
	require.NoError(t, err)

	// Replaying the exact same nonce must be rejected, not re-applied.
	_, err = e.SubmitTransfer(ctx, validate.TransferRequest{From: alice.addr, To: bob.addr, Amount: 100, Nonce: 1, Signature: sig})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidNonce, apperr.KindOf(err))
}

func TestSubmitTransfer_RejectsForgedSignature(t *testing.T) {
	issuer := newKeypair(t)
	e, db := newTestEngine(t, issuer, batch.Config{MaxSize: 1000, Period: time.Minute})
	ctx := context.Background()

	alice := newKeypair(t)
	bob := newKeypair(t)
	attacker := newKeypair(t)
	_, err := db.CreateAccount(ctx, bob.pub)
	require.NoError(t, err)
	mintTo(t, e, db, issuer, alice, 1000, 1)

	forged := signTransfer(attacker, alice.addr, bob.addr, 100, 1)
	txn, err := e.SubmitTransfer(ctx, validate.TransferRequest{
		From: alice.addr, To: bob.addr, Amount: 100, Nonce: 1, Signature: forged,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidSignature, apperr.KindOf(err))
	assert.Equal(t, ledger.StatusFailed, txn.Status)
}

func TestSubmitMint_RejectsNonIssuerSignature(t *testing.T) {
	issuer := newKeypair(t)
	e, db := newTestEngine(t, issuer, batch.Config{MaxSize: 1000, Period: time.Minute})
	ctx := context.Background()

	attacker := newKeypair(t)
	alice := newKeypair(t)
	_, err := db.CreateAccount(ctx, alice.pub)
	require.NoError(t, err)

	forged := signMint(attacker, alice.addr, 1000, 1)
	_, err = e.SubmitMint(ctx, validate.MintRequest{To: alice.addr, Amount: 1000, Nonce: 1, Signature: forged})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidSignature, apperr.KindOf(err))
}

func TestSubmitTransfer_RejectsUnknownRecipient(t *testing.T) {
	issuer := newKeypair(t)
	e, db := newTestEngine(t, issuer, batch.Config{MaxSize: 1000, Period: time.Minute})
	ctx := context.Background()

	alice := newKeypair(t)
	ghost := newKeypair(t) // never created
	mintTo(t, e, db, issuer, alice, 1000, 1)

	sig := signTransfer(alice, alice.addr, ghost.addr, 100, 1)
	_, err := e.SubmitTransfer(ctx, validate.TransferRequest{
		From: alice.addr, To: ghost.addr, Amount: 100, Nonce: 1, Signature: sig,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestSubmitTransfer_ConcurrentSameNonceHasExactlyOneWinner(t *testing.T) {
	issuer := newKeypair(t)
	e, db := newTestEngine(t, issuer, batch.Config{MaxSize: 1000, Period: time.Minute})
	ctx := context.Background()

	alice := newKeypair(t)
	bob := newKeypair(t)
	_, err := db.CreateAccount(ctx, bob.pub)
	require.NoError(t, err)
	mintTo(t, e, db, issuer, alice, 10000, 1)

	const racers = 8
	sig := signTransfer(alice, alice.addr, bob.addr, 100, 1)

	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			_, err := e.SubmitTransfer(ctx, validate.TransferRequest{
				From: alice.addr, To: bob.addr, Amount: 100, Nonce: 1, Signature: sig,
			})
			results <- err
		}()
	}

	var executed, invalidNonce int
	for i := 0; i < racers; i++ {
		err := <-results
		switch {
		case err == nil:
			executed++
		case apperr.KindOf(err) == apperr.KindInvalidNonce:
			invalidNonce++
		default:
			t.Fatalf("unexpected error kind: %v", err)
		}
	}
	assert.Equal(t, 1, executed, "exactly one racer must win the nonce")
	assert.Equal(t, racers-1, invalidNonce)

	aliceAcct, err := db.GetAccount(ctx, alice.addr)
	require.NoError(t, err)
	assert.Equal(t, int64(10000-110), aliceAcct.Balance, "the amount and fee must be debited exactly once")
	assert.Equal(t, int64(1), aliceAcct.Nonce)

	bobAcct, err := db.GetAccount(ctx, bob.addr)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bobAcct.Balance)
}

func TestSubmitTransfer_SealsBatchOnReachingMaxSize(t *testing.T) {
	issuer := newKeypair(t)
	e, db := newTestEngine(t, issuer, batch.Config{MaxSize: 1, Period: time.Minute})
	ctx := context.Background()

	alice := newKeypair(t)
	bob := newKeypair(t)
	_, err := db.CreateAccount(ctx, bob.pub)
	require.NoError(t, err)
	mintTo(t, e, db, issuer, alice, 1000, 1)

	sig := signTransfer(alice, alice.addr, bob.addr, 100, 1)
	txn, err := e.SubmitTransfer(ctx, validate.TransferRequest{
		From: alice.addr, To: bob.addr, Amount: 100, Nonce: 1, Signature: sig,
	})
	require.NoError(t, err)
	require.NotNil(t, txn.BatchID)

	b, err := db.GetBatch(ctx, *txn.BatchID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchSealed, b.Status, "a batch at MaxSize must seal inline on the commit path")
}
