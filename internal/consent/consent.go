// Package consent provides a reference cosine-resonance adapter for the
// ports.Consent interface. It is not part of the PulseMesh hard core — the
// core only ever depends on ports.Consent — but it makes the scenarios in
// spec.md §8 runnable without an external consent service.
//
// The policy: a proposed vector is compared by cosine similarity against a
// per-scale/fold reference vector. Above the full threshold it is granted in
// full; above the partial threshold it is granted with a reduced score;
// below both it is denied. This mirrors the resonance-priority style
// thresholds the teacher's federation.Service applies when deciding whether
// a signature is trustworthy enough to act on.
package consent

import (
	"context"
	"fmt"
	"sync"

	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/ports"
)

// referenceKey identifies a (scale, fold) pair's reference vector.
type referenceKey struct {
	scale models.ScaleLevel
	fold  models.FoldPattern
}

// ThresholdConsent grants, partially grants, or denies consent based on
// cosine similarity between a proposed vector and a registered reference
// vector for its (scale, fold) context.
type ThresholdConsent struct {
	fullThreshold    float64
	partialThreshold float64

	mu         sync.RWMutex
	references map[referenceKey]models.Vector
	fallback   models.Vector
}

// NewThresholdConsent creates a ThresholdConsent policy. full and partial are
// cosine-similarity thresholds in [-1, 1]; full must be >= partial.
func NewThresholdConsent(full, partial float64) *ThresholdConsent {
	return &ThresholdConsent{
		fullThreshold:    full,
		partialThreshold: partial,
		references:       make(map[referenceKey]models.Vector),
	}
}

// SetReference registers the reference vector a proposed vector is compared
// against for the given (scale, fold) context. The vector is normalized on
// registration.
func (c *ThresholdConsent) SetReference(scale models.ScaleLevel, fold models.FoldPattern, ref models.Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.references[referenceKey{scale, fold}] = ref.Normalized()
}

// SetFallbackReference registers the reference vector used when no
// (scale, fold)-specific reference has been set.
func (c *ThresholdConsent) SetFallbackReference(ref models.Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = ref.Normalized()
}

func (c *ThresholdConsent) referenceFor(scale models.ScaleLevel, fold models.FoldPattern) (models.Vector, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ref, ok := c.references[referenceKey{scale, fold}]; ok {
		return ref, true
	}
	if len(c.fallback) > 0 {
		return c.fallback, true
	}
	return nil, false
}

// Verify implements ports.Consent.
func (c *ThresholdConsent) Verify(_ context.Context, vector models.Vector, cc ports.ConsentContext) (ports.ConsentOutcome, error) {
	ref, ok := c.referenceFor(cc.Scale, cc.Fold)
	if !ok {
		return ports.ConsentOutcome{}, fmt.Errorf("no reference vector registered for scale=%q fold=%q", cc.Scale, cc.Fold)
	}
	if len(vector) != len(ref) {
		return ports.ConsentOutcome{Granted: false, Kind: "denied", Score: 0}, nil
	}

	score := vector.Normalized().CosineSimilarity(ref)
	switch {
	case score >= c.fullThreshold:
		return ports.ConsentOutcome{Granted: true, Kind: "full", Score: score}, nil
	case score >= c.partialThreshold:
		return ports.ConsentOutcome{Granted: true, Kind: "partial", Score: score}, nil
	default:
		return ports.ConsentOutcome{Granted: false, Kind: "denied", Score: score}, nil
	}
}
