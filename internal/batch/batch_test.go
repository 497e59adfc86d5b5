package batch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usda-network/ledger/internal/domain/ledger"
	"github.com/usda-network/ledger/internal/eventbus"
	"github.com/usda-network/ledger/internal/store/memdb"
)

func insertExecutedTx(t *testing.T, db *memdb.Store) uuid.UUID {
	t.Helper()
	txID := uuid.New()
	require.NoError(t, db.InsertPending(context.Background(), ledger.Transaction{
		TxID:      txID,
		Kind:      ledger.KindMint,
		ToAddress: ledger.Address{1},
		Status:    ledger.StatusExecuted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))
	return txID
}

func TestEnlist_OpensBatchOnFirstCall(t *testing.T) {
	db := memdb.New()
	b := New(Config{MaxSize: 10, Period: time.Minute}, db, eventbus.New())

	txID := insertExecutedTx(t, db)
	storeTx, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer storeTx.Commit()

	batchID, sealed, err := b.Enlist(context.Background(), storeTx, txID)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, batchID)
	assert.False(t, sealed)
}

func TestEnlist_SealsOnReachingMaxSize(t *testing.T) {
	db := memdb.New()
	bus := eventbus.New()
	b := New(Config{MaxSize: 2, Period: time.Minute}, db, bus)

	ctx := context.Background()
	var lastBatchID uuid.UUID
	for i := 0; i < 2; i++ {
		txID := insertExecutedTx(t, db)
		storeTx, err := db.Begin(ctx)
		require.NoError(t, err)

		batchID, sealed, err := b.Enlist(ctx, storeTx, txID)
		require.NoError(t, err)
		require.NoError(t, storeTx.Commit())

		lastBatchID = batchID
		if i == 1 {
			assert.True(t, sealed, "batch should seal on reaching MaxSize")
		} else {
			assert.False(t, sealed)
		}
	}

	sealedBatch, err := db.GetBatch(ctx, lastBatchID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchSealed, sealedBatch.Status)
	assert.Equal(t, 2, sealedBatch.TransactionCount)
}

func TestEnlist_OpensFreshBatchAfterSeal(t *testing.T) {
	db := memdb.New()
	b := New(Config{MaxSize: 1, Period: time.Minute}, db, eventbus.New())
	ctx := context.Background()

	tx1 := insertExecutedTx(t, db)
	storeTx1, err := db.Begin(ctx)
	require.NoError(t, err)
	firstBatchID, sealed, err := b.Enlist(ctx, storeTx1, tx1)
	require.NoError(t, err)
	require.True(t, sealed)
	require.NoError(t, storeTx1.Commit())

	tx2 := insertExecutedTx(t, db)
	storeTx2, err := db.Begin(ctx)
	require.NoError(t, err)
	secondBatchID, _, err := b.Enlist(ctx, storeTx2, tx2)
	require.NoError(t, err)
	require.NoError(t, storeTx2.Commit())

	assert.NotEqual(t, firstBatchID, secondBatchID)
}

func TestMarkProven_TransitionsBatchAndMembers(t *testing.T) {
	db := memdb.New()
	bus := eventbus.New()
	b := New(Config{MaxSize: 1, Period: time.Minute}, db, bus)
	ctx := context.Background()

	txID := insertExecutedTx(t, db)
	storeTx, err := db.Begin(ctx)
	require.NoError(t, err)
	batchID, sealed, err := b.Enlist(ctx, storeTx, txID)
	require.NoError(t, err)
	require.True(t, sealed)
	require.NoError(t, storeTx.Commit())

	require.NoError(t, b.MarkProven(ctx, batchID, []byte("proof-bytes")))

	proven, err := db.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchProven, proven.Status)
	assert.Equal(t, []byte("proof-bytes"), proven.ProofData)

	txn, err := db.QueryTx(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProven, txn.Status)
}

func TestSealIfExpired_SealsBatchPastPeriod(t *testing.T) {
	db := memdb.New()
	bus := eventbus.New()
	b := New(Config{MaxSize: 10, Period: 10 * time.Millisecond}, db, bus)
	ctx := context.Background()

	txID := insertExecutedTx(t, db)
	storeTx, err := db.Begin(ctx)
	require.NoError(t, err)
	batchID, sealed, err := b.Enlist(ctx, storeTx, txID)
	require.NoError(t, err)
	require.False(t, sealed)
	require.NoError(t, storeTx.Commit())

	time.Sleep(20 * time.Millisecond)
	b.sealIfExpired(ctx)

	got, err := db.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchSealed, got.Status)
	assert.NotNil(t, got.SealedAt)

	// The next enlistment must land in a fresh batch.
	tx2 := insertExecutedTx(t, db)
	storeTx2, err := db.Begin(ctx)
	require.NoError(t, err)
	nextID, _, err := b.Enlist(ctx, storeTx2, tx2)
	require.NoError(t, err)
	require.NoError(t, storeTx2.Commit())
	assert.NotEqual(t, batchID, nextID)
}

func TestSealIfExpired_LeavesYoungBatchOpen(t *testing.T) {
	db := memdb.New()
	b := New(Config{MaxSize: 10, Period: time.Hour}, db, eventbus.New())
	ctx := context.Background()

	txID := insertExecutedTx(t, db)
	storeTx, err := db.Begin(ctx)
	require.NoError(t, err)
	batchID, _, err := b.Enlist(ctx, storeTx, txID)
	require.NoError(t, err)
	require.NoError(t, storeTx.Commit())

	b.sealIfExpired(ctx)

	got, err := db.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchOpen, got.Status)
}

func TestMarkFailed_RejectsEmptyBatchID(t *testing.T) {
	db := memdb.New()
	b := New(Config{MaxSize: 1, Period: time.Minute}, db, eventbus.New())
	err := b.MarkFailed(context.Background(), uuid.Nil)
	assert.Error(t, err)
}
