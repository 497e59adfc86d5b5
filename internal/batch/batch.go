// Package batch implements the batcher: groups Executed transactions
// into manifests for external proving, sealing a batch when it reaches its
// maximum size or has outlived the batch period.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/usda-network/ledger/internal/apperr"
	"github.com/usda-network/ledger/internal/eventbus"
	"github.com/usda-network/ledger/internal/logging"
	"github.com/usda-network/ledger/internal/metrics"
	"github.com/usda-network/ledger/internal/store"
)

// Config controls sealing thresholds.
type Config struct {
	MaxSize int
	Period  time.Duration
}

// Batcher tracks the currently-open batch in memory and seals it by size
// (inline, on the commit path) or by time (via its background ticker).
// State is authoritative in the store; the in-memory fields are a cache
// that lets Enlist avoid a row read on the common path.
type Batcher struct {
	cfg Config

	db  store.AccountStore
	bus *eventbus.Bus
	log *logging.Logger

	mu        sync.Mutex
	openID    uuid.UUID
	openCount int
	openedAt  time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Batcher. Call Start to run its background sealing ticker.
func New(cfg Config, db store.AccountStore, bus *eventbus.Bus) *Batcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.Period <= 0 {
		cfg.Period = 60 * time.Second
	}
	return &Batcher{
		cfg: cfg,
		db:  db,
		bus: bus,
		log: logging.NewDefault("batcher"),
	}
}

// Name implements system.Service.
func (b *Batcher) Name() string { return "batcher" }

// Start launches the background seal-by-time ticker. Its period is a
// quarter of the batch period, capped at 5s, so a batch is never more than
// a quarter of the period (and never more than 5s) past its deadline before
// the ticker notices.
func (b *Batcher) Start(ctx context.Context) error {
	period := b.cfg.Period / 4
	if period > 5*time.Second {
		period = 5 * time.Second
	}
	if period <= 0 {
		period = time.Second
	}

	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	go func() {
		defer close(b.doneCh)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.sealIfExpired(ctx)
			case <-b.stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop halts the background ticker.
func (b *Batcher) Stop(ctx context.Context) error {
	if b.stopCh == nil {
		return nil
	}
	close(b.stopCh)
	select {
	case <-b.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Enlist joins txID into the currently-open batch, opening a fresh one if
// none is open, and seals the batch inline if it has now reached MaxSize.
// Must be called inside the same store transaction that finalized txID, so
// enlistment and execution commit atomically.
func (b *Batcher) Enlist(ctx context.Context, tx store.Tx, txID uuid.UUID) (batchID uuid.UUID, sealed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openID == uuid.Nil {
		id, err := tx.CreateBatch(ctx)
		if err != nil {
			return uuid.Nil, false, err
		}
		b.openID = id
		b.openCount = 0
		b.openedAt = time.Now().UTC()
	}

	if err := tx.Enlist(ctx, txID, b.openID); err != nil {
		return uuid.Nil, false, err
	}
	b.openCount++
	batchID = b.openID

	if b.openCount >= b.cfg.MaxSize {
		if err := tx.SealBatch(ctx, b.openID); err != nil {
			return uuid.Nil, false, err
		}
		sealed = true
		b.openID = uuid.Nil
		b.openCount = 0
		metrics.BatchSealedTotal.WithLabelValues("size").Inc()
	}
	return batchID, sealed, nil
}

// sealIfExpired retires the in-memory open batch once it has outlived the
// batch period, then seals every expired Open batch in the store. The pointer
// swap happens first so no new enlistment targets a batch the store is
// about to seal; the store sweep also reclaims Open batches orphaned by a
// previous process that crashed with one in memory.
func (b *Batcher) sealIfExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-b.cfg.Period)

	b.mu.Lock()
	exclude := b.openID
	if b.openID != uuid.Nil && !b.openedAt.After(cutoff) {
		exclude = uuid.Nil
		b.openID = uuid.Nil
		b.openCount = 0
	}
	b.mu.Unlock()

	sealed, err := b.db.SealExpiredBatches(ctx, cutoff, exclude)
	if err != nil {
		b.log.WithError(err).Warn("seal-by-time sweep failed")
		return
	}

	for _, id := range sealed {
		metrics.BatchSealedTotal.WithLabelValues("time").Inc()
		batch, err := b.db.GetBatch(ctx, id)
		if err != nil {
			b.log.WithError(err).WithField("batch_id", id).Warn("reload sealed batch failed")
			continue
		}
		b.bus.Publish(eventbus.Event{Kind: eventbus.KindBatchSealed, Batch: &batch})
	}
}

// MarkProven records an externally-confirmed proof for batchID, transitions
// the batch and its member transactions to Proven, and publishes batch.proven.
func (b *Batcher) MarkProven(ctx context.Context, batchID uuid.UUID, proof []byte) error {
	if err := b.db.MarkBatchProven(ctx, batchID, proof); err != nil {
		return err
	}
	batch, err := b.db.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	b.bus.Publish(eventbus.Event{Kind: eventbus.KindBatchProven, Batch: &batch})
	return nil
}

// MarkFailed records an external proof rejection for batchID.
func (b *Batcher) MarkFailed(ctx context.Context, batchID uuid.UUID) error {
	if batchID == uuid.Nil {
		return apperr.InvalidInput("batch id is required")
	}
	return b.db.MarkBatchFailed(ctx, batchID)
}
