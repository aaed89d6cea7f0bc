// Package signing provides a reference Ed25519 adapter for the ports.Signer
// interface, grounded on the teacher's own federation.Service.Sign /
// VerifySignature (Ed25519 keys, signature and payload in one JSON token). It is
// not part of the PulseMesh hard core — the core only ever depends on
// ports.Signer — but it makes the scenarios in spec.md §8 runnable without
// an external identity service.
//
// Because ports.Signer.Verify receives only the opaque Signature and a
// SignContext (never the original identity or emotional vector, per
// spec.md §4.2's "core never inspects signature bytes"), the token must be
// self-certifying: Signature.Value encodes the signer's public key, the
// signed payload, and the Ed25519 signature over that payload, so Verify
// can check internal consistency without any side channel.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/ports"
)

// Ed25519Signer signs and self-verifies message tokens bound to
// (identity, scale, fold, emotional state) using an Ed25519 keypair.
type Ed25519Signer struct {
	identity string
	private  ed25519.PrivateKey
	public   ed25519.PublicKey
}

// NewEd25519Signer creates a signer for identity with a freshly generated
// Ed25519 keypair.
func NewEd25519Signer(identity string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}
	return &Ed25519Signer{identity: identity, private: priv, public: pub}, nil
}

// PublicKey returns the raw Ed25519 public key bytes.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.public }

// token is the self-certifying payload carried inside Signature.Value.
type token struct {
	Identity  string             `json:"identity"`
	Scale     models.ScaleLevel  `json:"scale"`
	Fold      models.FoldPattern `json:"fold"`
	Scalars   []float64          `json:"scalars"`
	PublicKey []byte             `json:"public_key"`
	Sig       []byte             `json:"sig"`
}

func payloadBytes(identity string, scalars []float64, sc ports.SignContext) []byte {
	b, _ := json.Marshal(struct {
		Identity string
		Scale    models.ScaleLevel
		Fold     models.FoldPattern
		Scalars  []float64
	}{identity, sc.Scale, sc.Fold, scalars})
	return b
}

// Sign implements ports.Signer.
func (s *Ed25519Signer) Sign(_ context.Context, identity string, emotion models.EmotionalVector, sc ports.SignContext) (ports.Signature, error) {
	scalars := emotion.Scalars()
	payload := payloadBytes(identity, scalars, sc)
	sig := ed25519.Sign(s.private, payload)

	tok := token{
		Identity:  identity,
		Scale:     sc.Scale,
		Fold:      sc.Fold,
		Scalars:   scalars,
		PublicKey: s.public,
		Sig:       sig,
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return ports.Signature{}, fmt.Errorf("marshaling signature token: %w", err)
	}
	return ports.Signature{Value: string(data), Score: 1.0}, nil
}

// Verify implements ports.Signer. It checks that the Ed25519 signature
// embedded in sig.Value validates against its own embedded public key and
// payload, and that the context tags match what the token claims.
func (s *Ed25519Signer) Verify(_ context.Context, sig ports.Signature, sc ports.SignContext) (bool, float64, error) {
	var tok token
	if err := json.Unmarshal([]byte(sig.Value), &tok); err != nil {
		return false, 0, fmt.Errorf("decoding signature token: %w", err)
	}
	if tok.Scale != sc.Scale || tok.Fold != sc.Fold {
		return false, 0, nil
	}
	payload := payloadBytes(tok.Identity, tok.Scalars, sc)
	if len(tok.PublicKey) != ed25519.PublicKeySize {
		return false, 0, nil
	}
	ok := ed25519.Verify(ed25519.PublicKey(tok.PublicKey), payload, tok.Sig)
	if !ok {
		return false, 0, nil
	}
	return true, 1.0, nil
}
