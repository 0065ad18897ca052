// Package corectx defines the explicit core context value every public
// entry point of the reasoning core takes; there are no package-level
// singletons anywhere in the core. A Context bundles handles to the concept
// store, an atomically swappable codec, the L1/L2 federated index, and the
// logger threaded through every stage-tagged error.
package corectx

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/arborithm/noeticore/codec"
	"github.com/arborithm/noeticore/concept"
	"github.com/arborithm/noeticore/index"
)

// Context carries every handle a reasoning-core entry point needs. It is
// safe for concurrent use: Codec is published via atomic pointer swap, so a
// maintenance refit never blocks or races with in-flight queries — new
// queries pick up the new codec, queries already running keep the one they
// started on.
type Context struct {
	Store *concept.Store
	L1    index.L1
	L2    index.L2
	Log   *zap.Logger

	codec atomic.Pointer[codec.Codec]
}

// New returns a Context wired to the given store and index tiers. codec may
// be nil (an unfitted core refuses queries that need hypervector algebra);
// log defaults to a no-op logger.
func New(store *concept.Store, l1 index.L1, l2 index.L2, cd *codec.Codec, log *zap.Logger) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Context{Store: store, L1: l1, L2: l2, Log: log}
	if cd != nil {
		c.codec.Store(cd)
	}
	return c
}

// Codec returns the currently installed codec, or nil if none has been
// published yet.
func (c *Context) Codec() *codec.Codec {
	return c.codec.Load()
}

// PublishCodec atomically installs cd as the context's current codec and
// updates the store's installed codec tag used to judge hypervector
// staleness. Called only by the maintenance component after a successful
// Fit.
func (c *Context) PublishCodec(cd *codec.Codec) error {
	tag, err := cd.Tag()
	if err != nil {
		return err
	}
	c.codec.Store(cd)
	c.Store.SetInstalledCodecTag(tag)
	return nil
}
