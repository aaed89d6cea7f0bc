// Package models defines the shared data types exchanged across PulseMesh's
// transport, proximity, and persistence layers: Message, Record, NodeState,
// and the vector/enum types that decorate them. JSON tags use the wire
// schema's field names; internal/codec maps Message to and from its own wire
// form, encoding vectors as base64 rather than as the JSON arrays these tags
// produce.
package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// NewID generates a new opaque identifier (UUIDv4) suitable for a NodeId,
// MessageId, RequestId, or RecordId.
func NewID() string {
	return uuid.NewString()
}

// Layer names the physical/logical medium a message travels over.
type Layer string

const (
	LayerWiFiMesh         Layer = "WIFI_MESH"
	LayerBLEProximity     Layer = "BLE_PROXIMITY"
	LayerSyncthingMemory  Layer = "SYNCTHING_MEMORY"
)

// Intent names the purpose of a Message. The core dispatches on Intent and
// otherwise treats the payload as opaque.
type Intent string

const (
	IntentStateBroadcast      Intent = "STATE_BROADCAST"
	IntentIdentityVerify      Intent = "IDENTITY_VERIFICATION"
	IntentConsensusRequest    Intent = "CONSENSUS_REQUEST"
	IntentConsensusResponse   Intent = "CONSENSUS_RESPONSE"
	IntentResonanceCheck      Intent = "RESONANCE_CHECK"
	IntentEmotionalSync       Intent = "EMOTIONAL_SYNC"
	IntentMemoryCommit        Intent = "MEMORY_COMMIT"
	IntentFoldPropagation     Intent = "FOLD_PROPAGATION"
	IntentProximityAwareness  Intent = "PROXIMITY_AWARENESS"
	IntentDreamSharing        Intent = "DREAM_SHARING"
	IntentConsentVerification Intent = "CONSENT_VERIFICATION"
)

// Priority controls eviction order when a bounded queue is full. Lower-index
// priorities are evicted first; EMERGENCY is never dropped.
type Priority string

const (
	PriorityDream      Priority = "DREAM"
	PriorityBackground Priority = "BACKGROUND"
	PriorityNormal     Priority = "NORMAL"
	PriorityHigh       Priority = "HIGH"
	PriorityCritical   Priority = "CRITICAL"
	PriorityEmergency  Priority = "EMERGENCY"
)

// priorityRank orders priorities from most-droppable to least-droppable.
var priorityRank = map[Priority]int{
	PriorityDream:      0,
	PriorityBackground: 1,
	PriorityNormal:     2,
	PriorityHigh:       3,
	PriorityCritical:   4,
	PriorityEmergency:  5,
}

// Rank returns p's eviction rank; higher ranks are evicted later.
// Unknown priorities rank below DREAM so malformed input is dropped first.
func (p Priority) Rank() int {
	r, ok := priorityRank[p]
	if !ok {
		return -1
	}
	return r
}

// ScaleLevel is an opaque categorical tag forwarded to the Signer/Consent
// ports; the core never interprets its meaning.
type ScaleLevel string

// FoldPattern is an opaque categorical tag forwarded to the Signer/Consent
// ports; the core never interprets its meaning.
type FoldPattern string

// RecordKind names the persistence sub-namespace a Record belongs to.
type RecordKind string

const (
	RecordKindExperience RecordKind = "experience"
	RecordKindDream      RecordKind = "dream"
	RecordKindReflection RecordKind = "reflection"
	RecordKindFold       RecordKind = "fold"
)

// Vector is an ordered sequence of scalars, used both as a raw ContentVector
// and as the harmonic projection of an EmotionalVector. Consumers must
// L2-normalise a Vector before using it for resonance comparison; a Vector
// that is not normalised is treated as ill-formed on ingress.
type Vector []float64

// L2Norm returns the Euclidean norm of v.
func (v Vector) L2Norm() float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	return math.Sqrt(sumSq)
}

// Normalized returns a copy of v scaled to unit L2 norm. A zero vector is
// returned unchanged (there is no well-defined direction to normalise to).
func (v Vector) Normalized() Vector {
	n := v.L2Norm()
	if n == 0 {
		out := make(Vector, len(v))
		copy(out, v)
		return out
	}
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

// IsNormalized reports whether v's L2 norm is within tol of 1, as required
// of any vector used for resonance comparison. A zero-length vector is
// considered normalized trivially (there is nothing to check).
func (v Vector) IsNormalized(tol float64) bool {
	if len(v) == 0 {
		return true
	}
	d := v.L2Norm() - 1.0
	if d < 0 {
		d = -d
	}
	return d <= tol
}

// Dot returns the dot product of v and w. Callers must ensure equal length.
func (v Vector) Dot(w Vector) float64 {
	n := len(v)
	if len(w) < n {
		n = len(w)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += v[i] * w[i]
	}
	return sum
}

// CosineSimilarity returns cos(theta) between v and w, treating either as
// already L2-normalised where possible; falls back to normalising both.
func (v Vector) CosineSimilarity(w Vector) float64 {
	nv, nw := v.L2Norm(), w.L2Norm()
	if nv == 0 || nw == 0 {
		return 0
	}
	return v.Dot(w) / (nv * nw)
}

// EmotionalVector carries the seven named scalar dimensions plus an optional
// tagged harmonic-field projection. HarmonicField is a pointer, not a
// zero-value fallback: callers must check for nil rather than silently
// treating "absent" as "all zero" (see SPEC_FULL.md §3).
type EmotionalVector struct {
	Joy           float64 `json:"joy"`
	Curiosity     float64 `json:"curiosity"`
	Concern       float64 `json:"concern"`
	Creativity    float64 `json:"creativity"`
	Restfulness   float64 `json:"restfulness"`
	Attentiveness float64 `json:"attentiveness"`
	Empathy       float64 `json:"empathy"`
	HarmonicField *Vector `json:"harmonic_field,omitempty"`
}

// Scalars returns the seven named dimensions as a Vector, in the fixed order
// joy, curiosity, concern, creativity, restfulness, attentiveness, empathy.
func (e EmotionalVector) Scalars() Vector {
	return Vector{e.Joy, e.Curiosity, e.Concern, e.Creativity, e.Restfulness, e.Attentiveness, e.Empathy}
}

// Authoritative returns the harmonic field when present, else the scalar
// projection, per the rule in SPEC_FULL.md/spec.md §3: when both are
// present the harmonic field is authoritative.
func (e EmotionalVector) Authoritative() Vector {
	if e.HarmonicField != nil {
		return *e.HarmonicField
	}
	return e.Scalars()
}

// Blend returns (1-w)*e + w*other for the scalar dimensions, clamped to
// [0,1], per the proximity-blending rule in spec.md §4.6. When both sides
// carry a harmonic field, the fields are blended with the same weight (not
// clamped) over their common length; when only one side carries one, that
// field is kept unchanged.
func (e EmotionalVector) Blend(other EmotionalVector, w float64) EmotionalVector {
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}
	mix := func(a, b float64) float64 {
		v := (1-w)*a + w*b
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return v
	}
	out := EmotionalVector{
		Joy:           mix(e.Joy, other.Joy),
		Curiosity:     mix(e.Curiosity, other.Curiosity),
		Concern:       mix(e.Concern, other.Concern),
		Creativity:    mix(e.Creativity, other.Creativity),
		Restfulness:   mix(e.Restfulness, other.Restfulness),
		Attentiveness: mix(e.Attentiveness, other.Attentiveness),
		Empathy:       mix(e.Empathy, other.Empathy),
	}
	switch {
	case e.HarmonicField != nil && other.HarmonicField != nil:
		n := len(*e.HarmonicField)
		if len(*other.HarmonicField) < n {
			n = len(*other.HarmonicField)
		}
		blended := make(Vector, n)
		for i := 0; i < n; i++ {
			blended[i] = (1-w)*(*e.HarmonicField)[i] + w*(*other.HarmonicField)[i]
		}
		out.HarmonicField = &blended
	case e.HarmonicField != nil:
		out.HarmonicField = e.HarmonicField
	case other.HarmonicField != nil:
		out.HarmonicField = other.HarmonicField
	}
	return out
}

// Message is the wire entity exchanged between peers over the transport
// layer, per spec.md §3 and the schema in §6.
type Message struct {
	MessageID           string                 `json:"message_id"`
	SenderID            string                 `json:"sender_id"`
	SenderName          string                 `json:"sender_name"`
	ReceiverID          *string                `json:"receiver_id,omitempty"`
	Layer               Layer                  `json:"layer"`
	Intent               Intent                `json:"intent"`
	Priority             Priority              `json:"priority"`
	Content              string                `json:"content"`
	ContentVector        *Vector               `json:"content_vector,omitempty"`
	EmotionalVector      *EmotionalVector      `json:"emotional_vector,omitempty"`
	ResonanceSignature   *string               `json:"resonance_signature,omitempty"`
	ConsentVerified      bool                  `json:"consent_verified"`
	FoldID               *string               `json:"fold_id,omitempty"`
	ScaleLevel           ScaleLevel            `json:"scale_level,omitempty"`
	FoldPattern          FoldPattern           `json:"fold_pattern,omitempty"`
	Timestamp            float64               `json:"timestamp"`
	Expiration           *float64              `json:"expiration,omitempty"`
	Metadata             map[string]any        `json:"metadata"`
}

// IsBroadcast reports whether the message has no specific receiver, i.e.
// routes to the broadcast topic rather than a per-node topic.
func (m Message) IsBroadcast() bool {
	return m.ReceiverID == nil || *m.ReceiverID == ""
}

// Expired reports whether the message's expiration, if set, is in the past
// relative to now.
func (m Message) Expired(now time.Time) bool {
	if m.Expiration == nil {
		return false
	}
	return now.Unix() > int64(*m.Expiration) ||
		(now.UnixNano() > int64(*m.Expiration*float64(time.Second)))
}

// Record is the persistence entity stored one-file-per-record under a
// kind-specific directory, per spec.md §3 and §6.
type Record struct {
	RecordID        string          `json:"record_id"`
	AuthorNodeID    string          `json:"author_node_id"`
	AuthorName      string          `json:"author_name"`
	Kind            RecordKind      `json:"kind"`
	Content         string          `json:"content"`
	ContentVector   *Vector         `json:"content_vector,omitempty"`
	EmotionalVector *EmotionalVector `json:"emotional_vector,omitempty"`
	Signature       *string         `json:"signature,omitempty"`
	ConsentLevel    int             `json:"consent_level"`
	Lineage         []string        `json:"lineage,omitempty"`
	ScaleLevel      ScaleLevel      `json:"scale_level,omitempty"`
	FoldPattern     FoldPattern     `json:"fold_pattern,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ModifiedAt      time.Time       `json:"modified_at"`
	Location        *string         `json:"location,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// ConsentLevelFor maps a Consent.verify outcome kind to the record
// consent_level scale defined in spec.md §3/§6: granted->5, partial->3,
// otherwise->1.
func ConsentLevelFor(kind string) int {
	switch kind {
	case "full", "granted":
		return 5
	case "partial":
		return 3
	default:
		return 1
	}
}

// HasTag reports whether r carries the given tag.
func (r Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NodeState is the STATE broadcast payload describing a node's presence and
// capabilities, per spec.md §3.
type NodeState struct {
	NodeID          string           `json:"node_id"`
	Name            string           `json:"name"`
	Kind            string           `json:"kind"`
	Active          bool             `json:"active"`
	AwarenessMode   string           `json:"awareness_mode"`
	EmotionalVector EmotionalVector  `json:"emotional_vector"`
	ResonanceScore  float64          `json:"resonance_score"`
	ConsentVerified bool             `json:"consent_verified"`
	LastUpdate      time.Time        `json:"last_update"`
	Capabilities    []string         `json:"capabilities,omitempty"`
	Layers          []Layer          `json:"layers,omitempty"`
	Location        *string          `json:"location,omitempty"`
	ProximityPeers  []string         `json:"proximity_peers,omitempty"`
	Battery         *float64         `json:"battery,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// MarshalMetadata is a convenience for callers that build Metadata
// incrementally and need a deterministic JSON view (tests, logging).
func MarshalMetadata(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(m)
}
