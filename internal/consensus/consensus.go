// Package consensus implements the pure reducer functions spec.md §4.7
// defines over a CONSENSUS_REQUEST's collected responses. Every reducer is
// total over any non-empty input, idempotent, and non-mutating — none of
// them hold state beyond what a caller explicitly threads in (see History,
// for ADAPTIVE_ENSEMBLE's learning behavior).
package consensus

import (
	"sort"
	"strings"
	"sync"

	"github.com/pulsemesh/pulsemesh/internal/models"
)

// Method names a consensus reducer, matching spec.md §4.7's method column.
type Method string

const (
	MajorityVote       Method = "MAJORITY_VOTE"
	WeightedConfidence Method = "WEIGHTED_CONFIDENCE"
	ResonancePriority  Method = "RESONANCE_PRIORITY"
	HarmonicBlend      Method = "HARMONIC_BLEND"
	XORFiltering       Method = "XOR_FILTERING"
	AdaptiveEnsemble   Method = "ADAPTIVE_ENSEMBLE"
	DelegateDiscuss    Method = "DELEGATE_DISCUSS"
)

// Response is a single node's candidate answer to a consensus round,
// spec.md §4.7's Response type.
type Response struct {
	NodeID          string
	Content         string
	ContentVector   models.Vector
	ModelID         string
	Confidence      float64
	Resonance       float64
	ConsentVerified bool
}

// Result is the outcome of reducing a set of Responses, spec.md §4.7's
// ConsensusResult type. Selected is a NodeId, or the literal "blend" for
// HARMONIC_BLEND.
type Result struct {
	Content    string
	Selected   string
	Confidence float64
	Resonance  float64
	Metadata   map[string]any
}

// XORWeights are the α, β, γ coefficients XOR_FILTERING's score combines.
type XORWeights struct {
	Alpha float64 // confidence weight
	Beta  float64 // resonance weight
	Gamma float64 // uniqueness weight
}

// DefaultXORWeights matches the corpus convention of equal-thirds weighting
// when no policy overrides it.
var DefaultXORWeights = XORWeights{Alpha: 1.0 / 3, Beta: 1.0 / 3, Gamma: 1.0 / 3}

// AdaptiveDelta is ADAPTIVE_ENSEMBLE's δ blend coefficient between the
// current round's observed score and the peer's predicted (historical) one.
const AdaptiveDelta = 0.6

// sortedNodeIDs returns responses' keys in a stable, deterministic order —
// every reducer iterates in this order so ties resolve reproducibly.
func sortedNodeIDs(responses map[string]Response) []string {
	ids := make([]string, 0, len(responses))
	for id := range responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reduce dispatches to the named method. For ADAPTIVE_ENSEMBLE, hist may be
// nil (treated as empty history) or a *History the caller owns and persists
// across rounds — consensus never keeps hist itself, per spec.md §9's Open
// Question on history ownership. ADAPTIVE_ENSEMBLE records each round's
// observed estimates into a non-nil hist.
func Reduce(method Method, responses map[string]Response, prompt string, hist *History) Result {
	switch method {
	case MajorityVote:
		return reduceMajorityVote(responses)
	case WeightedConfidence:
		return reduceWeightedConfidence(responses)
	case ResonancePriority:
		return reduceResonancePriority(responses)
	case HarmonicBlend:
		return reduceHarmonicBlend(responses)
	case XORFiltering:
		return reduceXORFiltering(responses, DefaultXORWeights)
	case AdaptiveEnsemble:
		return reduceAdaptiveEnsemble(responses, prompt, hist)
	case DelegateDiscuss:
		return reduceDelegateDiscuss(responses)
	default:
		return reduceWeightedConfidence(responses)
	}
}

func reduceMajorityVote(responses map[string]Response) Result {
	type cluster struct {
		members []string
	}
	clusters := make(map[string]*cluster)
	var clusterOrder []string
	for _, id := range sortedNodeIDs(responses) {
		key := equivalenceKey(responses[id].Content)
		c, ok := clusters[key]
		if !ok {
			c = &cluster{}
			clusters[key] = c
			clusterOrder = append(clusterOrder, key)
		}
		c.members = append(c.members, id)
	}

	var bestKey string
	bestSize := -1
	for _, key := range clusterOrder {
		size := len(clusters[key].members)
		if size > bestSize {
			bestSize = size
			bestKey = key
		}
	}

	best := pickTieBreak(clusters[bestKey].members, responses, byConfidenceThenResonanceThenID)
	r := responses[best]
	return Result{
		Content:    r.Content,
		Selected:   best,
		Confidence: r.Confidence,
		Resonance:  r.Resonance,
		Metadata:   map[string]any{"cluster_size": bestSize, "cluster_count": len(clusters)},
	}
}

func equivalenceKey(content string) string {
	return strings.ToLower(strings.Join(strings.Fields(content), " "))
}

func reduceWeightedConfidence(responses map[string]Response) Result {
	ids := sortedNodeIDs(responses)
	best := argmax(ids, func(id string) float64 { return responses[id].Confidence }, func(a, b string) bool {
		return responses[a].Resonance > responses[b].Resonance
	})
	r := responses[best]
	return Result{Content: r.Content, Selected: best, Confidence: r.Confidence, Resonance: r.Resonance, Metadata: map[string]any{}}
}

func reduceResonancePriority(responses map[string]Response) Result {
	ids := sortedNodeIDs(responses)
	best := argmax(ids, func(id string) float64 { return responses[id].Resonance }, func(a, b string) bool {
		return responses[a].Confidence > responses[b].Confidence
	})
	r := responses[best]
	return Result{Content: r.Content, Selected: best, Confidence: r.Confidence, Resonance: r.Resonance, Metadata: map[string]any{}}
}

func reduceHarmonicBlend(responses map[string]Response) Result {
	ids := sortedNodeIDs(responses)
	skeleton := argmax(ids, func(id string) float64 { return responses[id].Resonance }, func(a, b string) bool {
		return a < b
	})
	perPeer := make(map[string]float64, len(ids))
	for _, id := range ids {
		perPeer[id] = responses[id].Resonance
	}
	r := responses[skeleton]
	return Result{
		Content:    r.Content,
		Selected:   "blend",
		Confidence: r.Confidence,
		Resonance:  r.Resonance,
		Metadata:   map[string]any{"skeleton_node": skeleton, "resonances": perPeer},
	}
}

func reduceXORFiltering(responses map[string]Response, w XORWeights) Result {
	ids := sortedNodeIDs(responses)
	uniqueness := make(map[string]float64, len(ids))
	for _, id := range ids {
		if len(ids) == 1 {
			uniqueness[id] = 1
			continue
		}
		var sumOverlap float64
		n := 0
		for _, other := range ids {
			if other == id {
				continue
			}
			sumOverlap += jaccardOverlap(responses[id].Content, responses[other].Content)
			n++
		}
		uniqueness[id] = 1 - sumOverlap/float64(n)
	}

	score := func(id string) float64 {
		r := responses[id]
		return w.Alpha*r.Confidence + w.Beta*r.Resonance + w.Gamma*uniqueness[id]
	}
	best := argmax(ids, score, func(a, b string) bool {
		return responses[a].Resonance > responses[b].Resonance
	})
	r := responses[best]
	return Result{
		Content:    r.Content,
		Selected:   best,
		Confidence: r.Confidence,
		Resonance:  r.Resonance,
		Metadata:   map[string]any{"uniqueness": uniqueness, "score": score(best)},
	}
}

func jaccardOverlap(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	var intersection, union int
	seen := make(map[string]bool, len(ta)+len(tb))
	for t := range ta {
		seen[t] = true
	}
	for t := range tb {
		if ta[t] {
			intersection++
		}
		seen[t] = true
	}
	union = len(seen)
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

// History holds ADAPTIVE_ENSEMBLE's per-peer running estimates, keyed by a
// coarse prompt fingerprint. Callers own an instance and pass it into every
// Reduce call across rounds; consensus never stores it itself.
type History struct {
	mu        sync.Mutex
	estimates map[string]map[string]estimate // fingerprint -> nodeID -> estimate
}

type estimate struct {
	confidence float64
	resonance  float64
}

// NewHistory creates an empty adaptive-ensemble history.
func NewHistory() *History {
	return &History{estimates: make(map[string]map[string]estimate)}
}

func promptFingerprint(prompt string) string {
	fields := strings.Fields(strings.ToLower(prompt))
	if len(fields) > 8 {
		fields = fields[:8]
	}
	return strings.Join(fields, " ")
}

func (h *History) predicted(fingerprint, nodeID string) (estimate, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byNode, ok := h.estimates[fingerprint]
	if !ok {
		return estimate{}, false
	}
	e, ok := byNode[nodeID]
	return e, ok
}

func (h *History) observe(fingerprint, nodeID string, observed estimate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byNode, ok := h.estimates[fingerprint]
	if !ok {
		byNode = make(map[string]estimate)
		h.estimates[fingerprint] = byNode
	}
	byNode[nodeID] = observed
}

func reduceAdaptiveEnsemble(responses map[string]Response, prompt string, hist *History) Result {
	if hist == nil {
		hist = NewHistory()
	}
	fingerprint := promptFingerprint(prompt)
	ids := sortedNodeIDs(responses)

	hasAnyHistory := false
	scores := make(map[string]float64, len(ids))
	for _, id := range ids {
		r := responses[id]
		observed := estimate{confidence: r.Confidence, resonance: r.Resonance}
		predicted, ok := hist.predicted(fingerprint, id)
		if !ok {
			predicted = observed
		} else {
			hasAnyHistory = true
		}
		observedScore := observed.confidence*0.5 + observed.resonance*0.5
		predictedScore := predicted.confidence*0.5 + predicted.resonance*0.5
		scores[id] = AdaptiveDelta*observedScore + (1-AdaptiveDelta)*predictedScore
		hist.observe(fingerprint, id, observed)
	}

	if !hasAnyHistory {
		result := reduceWeightedConfidence(responses)
		result.Metadata["adaptive_fallback"] = true
		return result
	}

	best := argmax(ids, func(id string) float64 { return scores[id] }, func(a, b string) bool {
		return responses[a].Resonance > responses[b].Resonance
	})
	r := responses[best]
	return Result{
		Content:    r.Content,
		Selected:   best,
		Confidence: r.Confidence,
		Resonance:  r.Resonance,
		Metadata:   map[string]any{"scores": scores, "fingerprint": fingerprint},
	}
}

func reduceDelegateDiscuss(responses map[string]Response) Result {
	ids := sortedNodeIDs(responses)
	votes := make(map[string]float64, len(ids))
	voteFor := make(map[string]string, len(ids))

	for _, voter := range ids {
		voterVec := responses[voter].ContentVector
		bestTarget := voter
		bestSim := -2.0
		for _, candidate := range ids {
			sim := voterVec.Normalized().CosineSimilarity(responses[candidate].ContentVector.Normalized())
			if candidate == voter {
				sim = 1
			}
			if sim > bestSim || (sim == bestSim && candidate < bestTarget) {
				bestSim = sim
				bestTarget = candidate
			}
		}
		voteFor[voter] = bestTarget
		votes[bestTarget] += responses[voter].Confidence
	}

	var totalWeight float64
	for _, w := range votes {
		totalWeight += w
	}

	best := argmax(ids, func(id string) float64 { return votes[id] }, func(a, b string) bool {
		return responses[a].Resonance > responses[b].Resonance
	})
	ratio := 0.0
	if totalWeight > 0 {
		ratio = votes[best] / totalWeight
	}
	r := responses[best]
	return Result{
		Content:    r.Content,
		Selected:   best,
		Confidence: r.Confidence,
		Resonance:  r.Resonance,
		Metadata:   map[string]any{"votes": votes, "vote_for": voteFor, "majority_ratio": ratio},
	}
}

// argmax returns the id maximizing score, breaking ties with less(a, b)
// (true if a should be preferred over b) and finally lexicographic id order.
func argmax(ids []string, score func(string) float64, less func(a, b string) bool) string {
	best := ids[0]
	bestScore := score(best)
	for _, id := range ids[1:] {
		s := score(id)
		switch {
		case s > bestScore:
			best, bestScore = id, s
		case s == bestScore:
			switch {
			case less(id, best):
				best = id
			case less(best, id):
				// best already preferred, keep it
			case id < best:
				best = id
			}
		}
	}
	return best
}

// pickTieBreak selects among candidates using a caller-provided less
// function, falling back to lexicographic id order.
func pickTieBreak(candidates []string, responses map[string]Response, less func(a, b string, responses map[string]Response) bool) string {
	sort.Strings(candidates)
	best := candidates[0]
	for _, c := range candidates[1:] {
		if less(c, best, responses) {
			best = c
		}
	}
	return best
}

func byConfidenceThenResonanceThenID(a, b string, responses map[string]Response) bool {
	ra, rb := responses[a], responses[b]
	if ra.Confidence != rb.Confidence {
		return ra.Confidence > rb.Confidence
	}
	if ra.Resonance != rb.Resonance {
		return ra.Resonance > rb.Resonance
	}
	return a < b
}
