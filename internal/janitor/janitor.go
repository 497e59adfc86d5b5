// Package janitor reconciles transactions abandoned mid-execution: a row
// left Processing by a crashed or killed engine instance, stuck past its
// submit deadline with no attempt left to finalize it.
package janitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/usda-network/ledger/internal/apperr"
	"github.com/usda-network/ledger/internal/eventbus"
	"github.com/usda-network/ledger/internal/logging"
	"github.com/usda-network/ledger/internal/store"
)

// Config controls how stale a Processing row must be before the janitor
// claims it as orphaned.
type Config struct {
	// StuckAfter is the age past which a Processing row is assumed
	// abandoned. Should be comfortably larger than the engine's own submit
	// deadline so a legitimately in-flight retry is never preempted.
	StuckAfter time.Duration

	// Schedule is a standard five-field cron expression controlling how
	// often the reconciliation sweep runs.
	Schedule string
}

// Janitor implements system.Service, running its sweep on a cron schedule.
type Janitor struct {
	cfg Config
	db  store.AccountStore
	bus *eventbus.Bus
	log *logging.Logger

	cron *cron.Cron
}

// New returns a Janitor. Call Start to begin its scheduled sweeps.
func New(cfg Config, db store.AccountStore, bus *eventbus.Bus) *Janitor {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 2 * time.Minute
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	return &Janitor{
		cfg: cfg,
		db:  db,
		bus: bus,
		log: logging.NewDefault("janitor"),
	}
}

// Name implements system.Service.
func (j *Janitor) Name() string { return "janitor" }

// Start schedules the reconciliation sweep and runs one immediately so a
// restart doesn't wait a full period before cleaning up orphans left by the
// previous process.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() { j.sweep(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	go j.sweep(ctx)
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight sweep to finish.
func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	stopCtx := j.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.cfg.StuckAfter)
	stuck, err := j.db.ListStuckProcessing(ctx, cutoff)
	if err != nil {
		j.log.WithError(err).Warn("list stuck processing rows failed")
		return
	}
	for _, txID := range stuck {
		j.reconcile(ctx, txID)
	}
}

func (j *Janitor) reconcile(ctx context.Context, txID uuid.UUID) {
	msg := "orphaned: left Processing past its submit deadline with no owning attempt"
	if err := j.db.FinalizeOrphan(ctx, txID, apperr.KindInternal, msg); err != nil {
		j.log.WithError(err).WithField("tx_id", txID).Warn("finalize orphan failed")
		return
	}

	txn, err := j.db.QueryTx(ctx, txID)
	if err != nil {
		j.log.WithError(err).WithField("tx_id", txID).Warn("reload finalized orphan failed")
		return
	}
	j.bus.Publish(eventbus.Event{Kind: eventbus.KindTxFailed, Transaction: &txn})
	j.log.WithField("tx_id", txID).Warn("reconciled orphaned transaction")
}
