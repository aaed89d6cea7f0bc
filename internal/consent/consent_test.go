package consent

import (
	"context"
	"testing"

	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/ports"
)

func ctxFor(scale, fold string) ports.ConsentContext {
	return ports.ConsentContext{Scale: models.ScaleLevel(scale), Fold: models.FoldPattern(fold)}
}

func TestVerify_FullGrant(t *testing.T) {
	c := NewThresholdConsent(0.9, 0.5)
	c.SetFallbackReference(models.Vector{1, 0, 0})

	outcome, err := c.Verify(context.Background(), models.Vector{1, 0, 0}, ctxFor("individual", "linear"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Kind != "full" || !outcome.Granted {
		t.Fatalf("expected full grant, got %+v", outcome)
	}
}

func TestVerify_PartialGrant(t *testing.T) {
	c := NewThresholdConsent(0.99, 0.5)
	c.SetFallbackReference(models.Vector{1, 0, 0})

	// 45 degrees off axis -> cosine ~0.707, below full but above partial.
	outcome, err := c.Verify(context.Background(), models.Vector{1, 1, 0}, ctxFor("individual", "linear"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Kind != "partial" || !outcome.Granted {
		t.Fatalf("expected partial grant, got %+v", outcome)
	}
}

func TestVerify_Denied(t *testing.T) {
	c := NewThresholdConsent(0.9, 0.7)
	c.SetFallbackReference(models.Vector{1, 0, 0})

	outcome, err := c.Verify(context.Background(), models.Vector{0, 1, 0}, ctxFor("individual", "linear"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Granted || outcome.Kind != "denied" {
		t.Fatalf("expected denial, got %+v", outcome)
	}
}

func TestVerify_ScaleSpecificReferenceOverridesFallback(t *testing.T) {
	c := NewThresholdConsent(0.9, 0.5)
	c.SetFallbackReference(models.Vector{1, 0, 0})
	c.SetReference(models.ScaleLevel("collective"), models.FoldPattern("linear"), models.Vector{0, 1, 0})

	outcome, err := c.Verify(context.Background(), models.Vector{0, 1, 0}, ctxFor("collective", "linear"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Kind != "full" {
		t.Fatalf("expected scale-specific reference to grant full, got %+v", outcome)
	}
}

func TestVerify_NoReferenceRegistered(t *testing.T) {
	c := NewThresholdConsent(0.9, 0.5)
	if _, err := c.Verify(context.Background(), models.Vector{1, 0, 0}, ctxFor("individual", "linear")); err == nil {
		t.Fatal("expected error when no reference vector is registered")
	}
}

func TestVerify_DimensionMismatchDenied(t *testing.T) {
	c := NewThresholdConsent(0.9, 0.5)
	c.SetFallbackReference(models.Vector{1, 0, 0})

	outcome, err := c.Verify(context.Background(), models.Vector{1, 0}, ctxFor("individual", "linear"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome.Granted {
		t.Fatal("expected dimension mismatch to deny")
	}
}
