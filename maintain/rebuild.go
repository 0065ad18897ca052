package maintain

import (
	"context"
	"fmt"

	"github.com/arborithm/noeticore/corectx"
)

// RebuildIndexes performs an idempotent full rebuild of both index tiers
// from the Concept Store; the indexes are caches, and any loss is
// recoverable this way. Calling it twice in a row with no intervening store
// mutation leaves both tiers unchanged up to implementation-defined
// ordering.
func RebuildIndexes(ctx context.Context, c *corectx.Context) error {
	if err := c.L1.RebuildFromStore(ctx, c.Store); err != nil {
		return fmt.Errorf("maintain.RebuildIndexes: L1: %w", err)
	}
	if err := c.L2.RebuildFromStore(ctx, c.Store); err != nil {
		return fmt.Errorf("maintain.RebuildIndexes: L2: %w", err)
	}
	if err := c.L2.Build(ctx); err != nil {
		return fmt.Errorf("maintain.RebuildIndexes: L2 build: %w", err)
	}
	return nil
}

// Facade bundles the Trainer, SyncWorker and Registry behind the three
// outward-facing maintenance operations: fitting the codec, rebuilding the
// indexes, and reading stats. It is the seam an orchestration shell wires
// up; the core itself never starts goroutines on its own initiative outside
// of SyncWorker.Start.
type Facade struct {
	Ctx     *corectx.Context
	Trainer *Trainer
	Sync    *SyncWorker
	Stats   *Registry
}

// NewFacade wires a Trainer, SyncWorker and Registry for the given core
// context.
func NewFacade(c *corectx.Context, trainerCfg TrainerConfig, syncCfg SyncWorkerConfig) *Facade {
	stats := NewRegistry(nil)
	trainer := NewTrainer(c, stats, trainerCfg)
	sync := NewSyncWorker(c, trainer, stats, syncCfg)
	return &Facade{Ctx: c, Trainer: trainer, Sync: sync, Stats: stats}
}

// FitCodec triggers a codec fit/refit, returning the new codec tag.
func (f *Facade) FitCodec(ctx context.Context) (string, error) {
	return f.Trainer.Fit(ctx)
}

// RebuildIndexes performs an idempotent full rebuild of both tiers.
func (f *Facade) RebuildIndexes(ctx context.Context) error {
	return RebuildIndexes(ctx, f.Ctx)
}

// StatsSnapshot returns the current Stats, reading fresh L1/L2 sizes and
// the store's stale count.
func (f *Facade) StatsSnapshot(ctx context.Context) (Stats, error) {
	l1Stats, err := f.Ctx.L1.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	l2Stats, err := f.Ctx.L2.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	stale := 0
	for _, c := range f.Ctx.Store.IterAll() {
		if c.Stale {
			stale++
		}
	}
	stats := f.Stats.Snapshot(l1Stats.Size, l2Stats.Size, stale)
	stats.RelationEdges = f.Ctx.Store.RelationCounts()
	return stats, nil
}
