// Package ports declares the external collaborator interfaces PulseMesh
// consumes but never implements as part of its hard core: the generative
// back-end, the embedding provider, and the identity/consent cryptography.
// See spec.md §1 and §4.2.
package ports

import (
	"context"

	"github.com/pulsemesh/pulsemesh/internal/models"
)

// GenerateRequest is the prompt handed to a Generator for a consensus round.
type GenerateRequest struct {
	Prompt  string
	System  string
	History []string
}

// GenerateResponse is a single node's candidate answer, the unit consensus
// reducers operate over (spec.md §4.7's Response type).
type GenerateResponse struct {
	Content         string
	Confidence      float64
	Resonance       float64
	ModelID         string
	ConsentVerified bool
}

// Generator produces a per-node textual response to a prompt. It is treated
// as a pure port: prompt in, response out. The core never inspects how it
// is implemented.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// Embedder converts text into a fixed-dimension vector. Out of scope as an
// implementation; consumed only through this port.
type Embedder interface {
	Embed(ctx context.Context, text string) (models.Vector, error)
}

// Signature is the opaque identity token produced by a Signer. The core
// never inspects its bytes.
type Signature struct {
	Value string
	Score float64
}

// SignContext carries the opaque scale/fold tags a Signer may use to bind a
// signature to the sender's declared context.
type SignContext struct {
	Scale models.ScaleLevel
	Fold  models.FoldPattern
}

// Signer produces and verifies a per-message signature bound to
// (identity, scale, emotional state), per spec.md §4.2.
type Signer interface {
	Sign(ctx context.Context, identity string, emotion models.EmotionalVector, sc SignContext) (Signature, error)
	Verify(ctx context.Context, sig Signature, sc SignContext) (ok bool, score float64, err error)
}

// ConsentOutcome is the result of a Consent.verify call.
type ConsentOutcome struct {
	Granted bool
	Kind    string // "full", "partial", "denied"
	Score   float64
}

// ConsentContext carries the opaque scale/fold tags a Consent policy may use.
type ConsentContext struct {
	Scale models.ScaleLevel
	Fold  models.FoldPattern
}

// Consent evaluates whether a proposed payload passes a vector-resonance
// policy, per spec.md §4.2.
type Consent interface {
	Verify(ctx context.Context, vector models.Vector, cc ConsentContext) (ConsentOutcome, error)
}
