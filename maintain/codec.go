package maintain

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arborithm/noeticore/codec"
	"github.com/arborithm/noeticore/concept"
	"github.com/arborithm/noeticore/corectx"
	"github.com/arborithm/noeticore/reasonerr"
)

// TrainerConfig parameterizes the codec lifecycle.
type TrainerConfig struct {
	// NMin is the minimum number of embedded concepts Fit requires.
	// Default 10.
	NMin int
	// RefitThreshold is the number of new/changed embeddings since the last
	// fit that triggers a scheduled incremental refit. Default 100.
	RefitThreshold int
	// HypervectorDim and NComponents parameterize Fit.
	HypervectorDim int
	NComponents    int
	ModelVersion   string
	Seed           int64
	// SampleSize caps how many embedded concepts Fit draws its sample from;
	// 0 means "use every embedded concept".
	SampleSize int
}

func (c TrainerConfig) withDefaults() TrainerConfig {
	out := c
	if out.NMin <= 0 {
		out.NMin = 10
	}
	if out.RefitThreshold <= 0 {
		out.RefitThreshold = 100
	}
	return out
}

// Trainer owns the codec lifecycle: initial fit, and the counter-driven
// incremental refit triggered as a scheduled job from the sync worker —
// never from a query path.
type Trainer struct {
	cfg   TrainerConfig
	ctx   *corectx.Context
	stats *Registry

	changedSinceFit atomic.Int64
}

// NewTrainer returns a Trainer bound to the given core context.
func NewTrainer(ctx *corectx.Context, stats *Registry, cfg TrainerConfig) *Trainer {
	return &Trainer{cfg: cfg.withDefaults(), ctx: ctx, stats: stats}
}

// NoteChanged records that n embeddings were added/changed since the last
// fit, for the incremental-refit threshold check in MaybeScheduleRefit.
// Called by the sync worker as it processes dirty batches; never called
// from a query path.
func (t *Trainer) NoteChanged(n int) {
	if n > 0 {
		t.changedSinceFit.Add(int64(n))
	}
}

// ShouldRefit reports whether the changed-embedding count has crossed
// RefitThreshold since the last fit.
func (t *Trainer) ShouldRefit() bool {
	return t.changedSinceFit.Load() >= int64(t.cfg.RefitThreshold)
}

// Fit runs an initial or incremental fit against every non-deprecated
// concept in the store with a non-null embedding (at most SampleSize of
// them when SampleSize > 0), installs the result via
// corectx.PublishCodec's atomic pointer swap, and resets the
// changed-since-fit counter. Fails with InsufficientData if fewer than NMin
// concepts carry embeddings.
func (t *Trainer) Fit(ctx context.Context) (string, error) {
	all := t.ctx.Store.IterAll()
	var sample [][]float64
	for _, c := range all {
		if c.Deprecated || !c.HasEmbedding() {
			continue
		}
		sample = append(sample, toFloat64(c.GeometricEmbedding))
		if t.cfg.SampleSize > 0 && len(sample) >= t.cfg.SampleSize {
			break
		}
	}
	if len(sample) < t.cfg.NMin {
		return "", reasonerr.InsufficientData(len(sample), t.cfg.NMin)
	}

	cd := codec.New()
	if err := cd.Fit(sample, t.cfg.HypervectorDim, codec.FitConfig{
		NComponents:  t.cfg.NComponents,
		ModelVersion: t.cfg.ModelVersion,
		Seed:         t.cfg.Seed,
	}); err != nil {
		return "", err
	}
	tag, err := cd.Tag()
	if err != nil {
		return "", err
	}
	if err := t.ctx.PublishCodec(cd); err != nil {
		return "", err
	}
	if err := t.markOutdatedStale(ctx, tag); err != nil {
		return "", err
	}

	t.changedSinceFit.Store(0)
	if t.stats != nil {
		t.stats.recordFit(time.Now().UTC())
	}
	t.ctx.Log.Info("codec fit installed", zap.String("codec_tag", tag), zap.Int("sample_size", len(sample)))
	return tag, nil
}

// markOutdatedStale marks every hypervector produced under a codec tag
// other than the freshly installed one as stale, so L2 stops serving it and
// the sync worker re-encodes it in the background. Marking makes the
// concepts dirty, which is exactly what hands them to the next sync tick.
func (t *Trainer) markOutdatedStale(ctx context.Context, tag string) error {
	var outdated []concept.OID
	for _, c := range t.ctx.Store.IterAll() {
		if len(c.Hypervector) > 0 && c.CodecTag != tag && !c.Stale {
			outdated = append(outdated, c.OID)
		}
	}
	if len(outdated) == 0 {
		return nil
	}
	tx, err := t.ctx.Store.Begin(ctx)
	if err != nil {
		return err
	}
	for _, oid := range outdated {
		if err := tx.MarkStale(oid); err != nil {
			tx.Abort()
			return err
		}
	}
	return tx.Commit(ctx)
}

// MaybeScheduleRefit triggers Fit if ShouldRefit holds, recording the
// schedule event regardless of whether Fit itself succeeds. It is intended
// to be called from the sync worker's poll tick, never from a query path.
func (t *Trainer) MaybeScheduleRefit(ctx context.Context) (string, bool, error) {
	if !t.ShouldRefit() {
		return "", false, nil
	}
	if t.stats != nil {
		t.stats.recordRefitScheduled()
	}
	tag, err := t.Fit(ctx)
	return tag, true, err
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
