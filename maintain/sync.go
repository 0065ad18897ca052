package maintain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arborithm/noeticore/concept"
	"github.com/arborithm/noeticore/corectx"
)

// SyncWorkerConfig parameterizes the index synchronization worker.
type SyncWorkerConfig struct {
	// PollSpec is a robfig/cron schedule spec for the watermark poll tick,
	// e.g. "@every 2s". Default "@every 2s".
	PollSpec string
	// MaxBackoff is stored with a default of 5m but is not read by the
	// worker: no backoff is applied, and a failed tick is simply retried on
	// the next cron tick.
	MaxBackoff time.Duration
	// AlarmAfter is the number of consecutive failed ticks after which
	// the stats registry records an alarm.
	AlarmAfter int
}

func (c SyncWorkerConfig) withDefaults() SyncWorkerConfig {
	out := c
	if out.PollSpec == "" {
		out.PollSpec = "@every 2s"
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 5 * time.Minute
	}
	if out.AlarmAfter <= 0 {
		out.AlarmAfter = 5
	}
	return out
}

// SyncWorker consumes concept.Store.IterDirtySince and brings L1/L2 to match
// the store's current snapshot, re-encoding stale hypervectors via the
// installed codec. It never advances the watermark until both tiers have
// applied the batch, so a crash mid-batch only causes at-least-once replay
// of an idempotent operation.
//
// Scheduling is driven by github.com/robfig/cron/v3 rather than a
// hand-rolled ticker goroutine; maintenance work never fires from a query
// path.
type SyncWorker struct {
	cfg     SyncWorkerConfig
	ctx     *corectx.Context
	trainer *Trainer
	stats   *Registry

	watermark atomic.Uint64
	cron      *cron.Cron
	entryID   cron.EntryID

	consecutiveFailures atomic.Int64
}

// NewSyncWorker returns a SyncWorker. trainer may be nil if incremental
// refit scheduling is not desired (e.g. a read-only replica).
func NewSyncWorker(c *corectx.Context, trainer *Trainer, stats *Registry, cfg SyncWorkerConfig) *SyncWorker {
	return &SyncWorker{cfg: cfg.withDefaults(), ctx: c, trainer: trainer, stats: stats}
}

// Start schedules periodic Tick calls via cron and returns immediately.
// Stop must be called to release the cron scheduler's goroutine.
func (w *SyncWorker) Start(ctx context.Context) error {
	w.cron = cron.New()
	id, err := w.cron.AddFunc(w.cfg.PollSpec, func() {
		if err := w.Tick(ctx); err != nil {
			w.ctx.Log.Warn("maintenance sync tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("maintain.SyncWorker.Start: %w", err)
	}
	w.entryID = id
	w.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight tick to finish.
func (w *SyncWorker) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
}

// Watermark returns the worker's last successfully-applied watermark.
func (w *SyncWorker) Watermark() uint64 {
	return w.watermark.Load()
}

// Tick runs one synchronization pass: fetch concepts dirty since the last
// applied watermark, reconcile L1/L2, and advance the watermark only after
// both tiers accept the batch. On error, the watermark is left unmoved so
// the next Tick (or a post-crash restart) re-applies the same batch —
// idempotent because Add/Remove/re-encode are all last-write-wins.
func (w *SyncWorker) Tick(ctx context.Context) error {
	since := w.watermark.Load()
	dirty, newWatermark := w.ctx.Store.IterDirtySince(since)
	if len(dirty) == 0 {
		w.watermark.Store(newWatermark)
		w.consecutiveFailures.Store(0)
		return nil
	}

	changedEmbeddings := 0
	if err := w.applyBatch(ctx, dirty, &changedEmbeddings); err != nil {
		n := w.consecutiveFailures.Add(1)
		if n >= int64(w.cfg.AlarmAfter) && w.stats != nil {
			w.stats.recordAlarm()
		}
		return err
	}

	w.watermark.Store(newWatermark)
	w.consecutiveFailures.Store(0)
	if w.trainer != nil && changedEmbeddings > 0 {
		w.trainer.NoteChanged(changedEmbeddings)
		if w.trainer.ShouldRefit() {
			if _, _, err := w.trainer.MaybeScheduleRefit(ctx); err != nil {
				w.ctx.Log.Warn("scheduled refit failed", zap.Error(err))
			}
		}
	}
	return nil
}

func (w *SyncWorker) applyBatch(ctx context.Context, dirty []*concept.Concept, changedEmbeddings *int) error {
	var l2Staged bool
	for _, c := range dirty {
		if c.Deprecated {
			_ = w.ctx.L1.Remove(ctx, c.OID)
			_ = w.ctx.L2.Remove(ctx, c.OID)
			l2Staged = true
			if w.stats != nil {
				w.stats.recordRemoval()
			}
			continue
		}

		if c.HasEmbedding() {
			if err := w.ctx.L1.Add(ctx, c.OID, toFloat64(c.GeometricEmbedding)); err != nil {
				return fmt.Errorf("maintain.SyncWorker: L1 add %s: %w", c.OID, err)
			}
			if w.stats != nil {
				w.stats.recordInsert()
			}
			*changedEmbeddings++
		} else {
			_ = w.ctx.L1.Remove(ctx, c.OID)
		}

		switch {
		case c.HasUsableHypervector():
			if err := w.ctx.L2.Add(ctx, c.OID, c.Hypervector); err != nil {
				return fmt.Errorf("maintain.SyncWorker: L2 add %s: %w", c.OID, err)
			}
			l2Staged = true
		case c.Stale && c.HasEmbedding():
			if err := w.reencode(ctx, c); err != nil {
				return err
			}
			l2Staged = true
		default:
			_ = w.ctx.L2.Remove(ctx, c.OID)
			l2Staged = true
		}
	}

	if l2Staged {
		if err := w.ctx.L2.Build(ctx); err != nil {
			return fmt.Errorf("maintain.SyncWorker: L2 build: %w", err)
		}
	}
	return nil
}

// reencode re-derives a stale concept's hypervector from its current
// embedding via the installed codec and commits the result. If no codec is
// installed yet, the concept is left stale and excluded from L2.
func (w *SyncWorker) reencode(ctx context.Context, c *concept.Concept) error {
	cd := w.ctx.Codec()
	if cd == nil || !cd.Fitted() {
		return nil
	}
	encoded, err := cd.Encode([][]float64{toFloat64(c.GeometricEmbedding)})
	if err != nil {
		return fmt.Errorf("maintain.SyncWorker: re-encode %s: %w", c.OID, err)
	}
	tag, err := cd.Tag()
	if err != nil {
		return fmt.Errorf("maintain.SyncWorker: codec tag: %w", err)
	}

	tx, err := w.ctx.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("maintain.SyncWorker: begin re-encode tx for %s: %w", c.OID, err)
	}
	if err := tx.SetHypervector(c.OID, encoded[0], tag); err != nil {
		tx.Abort()
		return fmt.Errorf("maintain.SyncWorker: set hypervector for %s: %w", c.OID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("maintain.SyncWorker: commit re-encode for %s: %w", c.OID, err)
	}

	if err := w.ctx.L2.Add(ctx, c.OID, encoded[0]); err != nil {
		return fmt.Errorf("maintain.SyncWorker: L2 add re-encoded %s: %w", c.OID, err)
	}
	if w.stats != nil {
		w.stats.recordReencode()
	}
	return nil
}
