package consensus

import (
	"testing"

	"github.com/pulsemesh/pulsemesh/internal/models"
)

func TestWeightedConfidence_PicksHighestConfidence(t *testing.T) {
	responses := map[string]Response{
		"a": {NodeID: "a", Content: "X", Confidence: 0.6, Resonance: 0.5},
		"b": {NodeID: "b", Content: "Y", Confidence: 0.9, Resonance: 0.8},
	}
	result := Reduce(WeightedConfidence, responses, "q", nil)
	if result.Selected != "b" || result.Content != "Y" {
		t.Fatalf("expected b/Y, got %+v", result)
	}
}

func TestResonancePriority_PicksHighestResonance(t *testing.T) {
	responses := map[string]Response{
		"a": {NodeID: "a", Content: "X", Confidence: 0.9, Resonance: 0.2},
		"b": {NodeID: "b", Content: "Y", Confidence: 0.1, Resonance: 0.95},
	}
	result := Reduce(ResonancePriority, responses, "q", nil)
	if result.Selected != "b" {
		t.Fatalf("expected b, got %+v", result)
	}
}

func TestMajorityVote_ClustersByContentEquivalence(t *testing.T) {
	responses := map[string]Response{
		"a": {NodeID: "a", Content: "the sky is blue", Confidence: 0.5, Resonance: 0.5},
		"b": {NodeID: "b", Content: "The Sky Is Blue", Confidence: 0.9, Resonance: 0.9},
		"c": {NodeID: "c", Content: "water is wet", Confidence: 1.0, Resonance: 1.0},
	}
	result := Reduce(MajorityVote, responses, "q", nil)
	if result.Content != "The Sky Is Blue" {
		t.Fatalf("expected majority cluster content, got %+v", result)
	}
	if result.Metadata["cluster_size"] != 2 {
		t.Fatalf("expected cluster_size 2, got %+v", result.Metadata)
	}
}

func TestHarmonicBlend_SelectedIsBlend(t *testing.T) {
	responses := map[string]Response{
		"a": {NodeID: "a", Content: "X", Confidence: 0.5, Resonance: 0.9},
		"b": {NodeID: "b", Content: "Y", Confidence: 0.9, Resonance: 0.1},
	}
	result := Reduce(HarmonicBlend, responses, "q", nil)
	if result.Selected != "blend" {
		t.Fatalf("expected selected='blend', got %+v", result)
	}
	if result.Content != "X" {
		t.Fatalf("expected skeleton content X (highest resonance), got %+v", result)
	}
}

func TestXORFiltering_RewardsUniqueness(t *testing.T) {
	responses := map[string]Response{
		"a": {NodeID: "a", Content: "identical response text", Confidence: 0.5, Resonance: 0.5},
		"b": {NodeID: "b", Content: "identical response text", Confidence: 0.5, Resonance: 0.5},
		"c": {NodeID: "c", Content: "completely different wording here", Confidence: 0.5, Resonance: 0.5},
	}
	result := Reduce(XORFiltering, responses, "q", nil)
	if result.Selected != "c" {
		t.Fatalf("expected unique response c to win, got %+v", result)
	}
}

func TestAdaptiveEnsemble_FallsBackToWeightedConfidenceWithoutHistory(t *testing.T) {
	responses := map[string]Response{
		"a": {NodeID: "a", Content: "X", Confidence: 0.6, Resonance: 0.5},
		"b": {NodeID: "b", Content: "Y", Confidence: 0.9, Resonance: 0.8},
	}
	result := Reduce(AdaptiveEnsemble, responses, "q", nil)
	if result.Selected != "b" {
		t.Fatalf("expected fallback to weighted confidence choosing b, got %+v", result)
	}
	if result.Metadata["adaptive_fallback"] != true {
		t.Fatalf("expected adaptive_fallback marker, got %+v", result.Metadata)
	}
}

func TestAdaptiveEnsemble_UsesHistoryOnSecondRound(t *testing.T) {
	hist := NewHistory()
	responses := map[string]Response{
		"a": {NodeID: "a", Content: "X", Confidence: 0.9, Resonance: 0.9},
		"b": {NodeID: "b", Content: "Y", Confidence: 0.1, Resonance: 0.1},
	}
	Reduce(AdaptiveEnsemble, responses, "same prompt", hist)

	second := map[string]Response{
		"a": {NodeID: "a", Content: "X", Confidence: 0.1, Resonance: 0.1},
		"b": {NodeID: "b", Content: "Y", Confidence: 0.1, Resonance: 0.1},
	}
	result := Reduce(AdaptiveEnsemble, second, "same prompt", hist)
	if result.Metadata["adaptive_fallback"] == true {
		t.Fatal("expected history to be used on second round, not fallback")
	}
}

func TestDelegateDiscuss_ReportsMajorityRatio(t *testing.T) {
	responses := map[string]Response{
		"a": {NodeID: "a", Content: "X", ContentVector: models.Vector{1, 0}, Confidence: 0.5, Resonance: 0.5},
		"b": {NodeID: "b", Content: "Y", ContentVector: models.Vector{1, 0}, Confidence: 0.5, Resonance: 0.5},
		"c": {NodeID: "c", Content: "Z", ContentVector: models.Vector{0, 1}, Confidence: 0.5, Resonance: 0.5},
	}
	result := Reduce(DelegateDiscuss, responses, "q", nil)
	ratio, ok := result.Metadata["majority_ratio"].(float64)
	if !ok || ratio <= 0 {
		t.Fatalf("expected a majority_ratio > 0, got %+v", result.Metadata)
	}
}

func TestReducersAreNonMutating(t *testing.T) {
	responses := map[string]Response{
		"a": {NodeID: "a", Content: "X", Confidence: 0.6, Resonance: 0.5},
		"b": {NodeID: "b", Content: "Y", Confidence: 0.9, Resonance: 0.8},
	}
	type snap struct {
		content               string
		confidence, resonance float64
	}
	snapshot := map[string]snap{}
	for k, v := range responses {
		snapshot[k] = snap{v.Content, v.Confidence, v.Resonance}
	}
	for _, m := range []Method{MajorityVote, WeightedConfidence, ResonancePriority, HarmonicBlend, XORFiltering, AdaptiveEnsemble, DelegateDiscuss} {
		Reduce(m, responses, "q", nil)
	}
	for k, v := range responses {
		s := snapshot[k]
		if v.Content != s.content || v.Confidence != s.confidence || v.Resonance != s.resonance {
			t.Fatalf("responses map mutated for key %s", k)
		}
	}
}
