// Package localgen provides a reference ports.Generator adapter with no
// external model dependency: it echoes the prompt back with a fixed
// confidence/resonance, deterministic enough to drive the consensus
// reducers in spec.md §8's scenarios without wiring a real model backend.
// It is not part of the PulseMesh hard core — the core only ever depends
// on ports.Generator.
package localgen

import (
	"context"
	"fmt"

	"github.com/pulsemesh/pulsemesh/internal/ports"
)

// Echo is a deterministic Generator: its response content is derived from
// the prompt, never a live model call.
type Echo struct {
	ModelID    string
	Confidence float64
	Resonance  float64
}

// NewEcho creates an Echo generator with sane reference defaults.
func NewEcho(modelID string) *Echo {
	return &Echo{ModelID: modelID, Confidence: 0.7, Resonance: 0.6}
}

// Generate implements ports.Generator.
func (e *Echo) Generate(_ context.Context, req ports.GenerateRequest) (ports.GenerateResponse, error) {
	if req.Prompt == "" {
		return ports.GenerateResponse{}, fmt.Errorf("localgen: empty prompt")
	}
	return ports.GenerateResponse{
		Content:         fmt.Sprintf("[%s] %s", e.ModelID, req.Prompt),
		Confidence:      e.Confidence,
		Resonance:       e.Resonance,
		ModelID:         e.ModelID,
		ConsentVerified: true,
	}, nil
}
