// Package reasonerr defines the typed error taxonomy shared by every
// component of the reasoning core. Recoverable, expected
// outcomes (EmptyContext, NoMatch, Cancelled, Timeout, Conflict,
// IndexNotBuilt, CodecNotFitted, InsufficientData, UnsupportedOperation,
// EmbedderUnavailable) are modeled as sentinel-wrapped values callers can
// branch on with errors.Is/As; ShapeError and NumericError carry the
// offending detail since they indicate a caller bug rather than a normal
// control-flow outcome.
package reasonerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap these with fmt.Errorf("...: %w", Kind) or use the
// constructors below to attach stage/detail context.
var (
	ErrConflict             = errors.New("conflict")
	ErrEmptyContext         = errors.New("empty context")
	ErrNoMatch              = errors.New("no match")
	ErrCodecNotFitted       = errors.New("codec not fitted")
	ErrInsufficientData     = errors.New("insufficient data")
	ErrIndexNotBuilt        = errors.New("index not built")
	ErrEmbedderUnavailable  = errors.New("embedder unavailable")
	ErrCancelled            = errors.New("cancelled")
	ErrTimeout              = errors.New("timeout")
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// ShapeError reports a dimension mismatch between an input vector and the
// configured d (embedding) or D (hypervector) dimensionality.
type ShapeError struct {
	Component string // e.g. "codec.encode", "index.L1.search"
	Expected  int
	Got       int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape error: expected dimension %d, got %d", e.Component, e.Expected, e.Got)
}

// NumericError reports a NaN/Inf input where only finite values are valid.
type NumericError struct {
	Component string
	Detail    string
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("%s: numeric error: %s", e.Component, e.Detail)
}

// StageError wraps an error crossing a reasoning-pipeline stage boundary,
// preserving which stage it originated in.
type StageError struct {
	Stage string // "GCE" | "HRC" | "AGL"
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Stage wraps err with a stage tag, or returns nil if err is nil.
func Stage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// Conflict returns a Conflict error for the given resource, wrapping
// ErrConflict so errors.Is(err, ErrConflict) holds.
func Conflict(resource string) error {
	return fmt.Errorf("%s: %w", resource, ErrConflict)
}

// EmptyContext returns an EmptyContext error naming the query plan operation
// that produced no candidates.
func EmptyContext(operation string) error {
	return fmt.Errorf("operation %q: %w", operation, ErrEmptyContext)
}

// NoMatch returns a NoMatch error naming the candidate set size that
// degenerated during AGL cleanup.
func NoMatch(candidateCount int) error {
	return fmt.Errorf("candidate set of %d concepts yielded no valid match: %w", candidateCount, ErrNoMatch)
}

// InsufficientData returns an InsufficientData error naming the available
// sample size and the configured minimum.
func InsufficientData(have, min int) error {
	return fmt.Errorf("%d embedded concepts available, need at least %d: %w", have, min, ErrInsufficientData)
}

// IndexNotBuilt returns an IndexNotBuilt error naming the tier that has not
// completed its first Build.
func IndexNotBuilt(tier string) error {
	return fmt.Errorf("%s: %w", tier, ErrIndexNotBuilt)
}
