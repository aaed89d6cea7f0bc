package codec

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/perr"
)

// Wire serialises a Message to the self-describing JSON-equivalent wire
// schema of spec.md §6, with numeric vectors encoded as length-prefixed,
// base64-wrapped, little-endian f64 arrays. An optional shared key XORs the
// encoded JSON bytes with the repeating key; Decode applies the same XOR
// before parsing. The obfuscated payload is raw bytes, not base64-wrapped.
// This is obfuscation, not cryptography — authenticity is the Signer port's
// job.
type Wire struct {
	key []byte
}

// NewWire creates a Wire codec. An empty key disables obfuscation.
func NewWire(key []byte) *Wire {
	return &Wire{key: key}
}

// wireMessage mirrors the JSON schema in spec.md §6 field-for-field.
type wireMessage struct {
	MessageID          string          `json:"message_id"`
	SenderID           string          `json:"sender_id"`
	SenderName         string          `json:"sender_name"`
	ReceiverID         *string         `json:"receiver_id"`
	Layer              models.Layer    `json:"layer"`
	Intent             models.Intent   `json:"intent"`
	Priority           models.Priority `json:"priority"`
	Content            string          `json:"content"`
	ContentVector      *string         `json:"content_vector"`
	EmotionalVector    *json.RawMessage `json:"emotional_vector"`
	ResonanceSignature *string         `json:"resonance_signature"`
	ConsentVerified    bool            `json:"consent_verified"`
	FoldID             *string         `json:"fold_id"`
	ScaleLevel         string          `json:"scale_level"`
	FoldPattern        string          `json:"fold_pattern"`
	Timestamp          float64         `json:"timestamp"`
	Expiration         *float64        `json:"expiration"`
	Metadata           map[string]any  `json:"metadata"`
}

// wireEmotionalVector mirrors EmotionalVector but with the harmonic field
// encoded using the same length-prefixed-base64 scheme as content_vector.
type wireEmotionalVector struct {
	Joy           float64 `json:"joy"`
	Curiosity     float64 `json:"curiosity"`
	Concern       float64 `json:"concern"`
	Creativity    float64 `json:"creativity"`
	Restfulness   float64 `json:"restfulness"`
	Attentiveness float64 `json:"attentiveness"`
	Empathy       float64 `json:"empathy"`
	HarmonicField *string `json:"harmonic_field,omitempty"`
}

// EncodeVector renders a Vector as a length-prefixed, base64-wrapped,
// little-endian f64 array, per spec.md §4.1.
func EncodeVector(v models.Vector) string {
	buf := make([]byte, 4+8*len(v))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(v)))
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[4+8*i:4+8*i+8], math.Float64bits(x))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeVector inverts EncodeVector.
func DecodeVector(s string) (models.Vector, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding vector base64: %w", err)
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("vector payload too short: %d bytes", len(buf))
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	want := 4 + 8*int(n)
	if len(buf) != want {
		return nil, fmt.Errorf("vector length prefix %d does not match payload size %d", n, len(buf))
	}
	out := make(models.Vector, n)
	for i := range out {
		bits := binary.LittleEndian.Uint64(buf[4+8*i : 4+8*i+8])
		out[i] = math.Float64frombits(bits)
	}
	return out, nil
}

func obfuscate(data, key []byte) []byte {
	if len(key) == 0 {
		return data
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

// Encode serialises m to its wire representation, applying obfuscation if a
// key is configured.
func (w *Wire) Encode(m models.Message) ([]byte, error) {
	wm := wireMessage{
		MessageID:          m.MessageID,
		SenderID:           m.SenderID,
		SenderName:         m.SenderName,
		ReceiverID:         m.ReceiverID,
		Layer:              m.Layer,
		Intent:             m.Intent,
		Priority:           m.Priority,
		Content:            m.Content,
		ResonanceSignature: m.ResonanceSignature,
		ConsentVerified:    m.ConsentVerified,
		FoldID:             m.FoldID,
		ScaleLevel:         string(m.ScaleLevel),
		FoldPattern:        string(m.FoldPattern),
		Timestamp:          m.Timestamp,
		Expiration:         m.Expiration,
		Metadata:           m.Metadata,
	}
	if m.ContentVector != nil {
		enc := EncodeVector(*m.ContentVector)
		wm.ContentVector = &enc
	}
	if m.EmotionalVector != nil {
		wev := wireEmotionalVector{
			Joy: m.EmotionalVector.Joy, Curiosity: m.EmotionalVector.Curiosity,
			Concern: m.EmotionalVector.Concern, Creativity: m.EmotionalVector.Creativity,
			Restfulness: m.EmotionalVector.Restfulness, Attentiveness: m.EmotionalVector.Attentiveness,
			Empathy: m.EmotionalVector.Empathy,
		}
		if m.EmotionalVector.HarmonicField != nil {
			enc := EncodeVector(*m.EmotionalVector.HarmonicField)
			wev.HarmonicField = &enc
		}
		raw, err := json.Marshal(wev)
		if err != nil {
			return nil, perr.Wrap(perr.KindMalformed, "Wire.Encode", "marshaling emotional_vector", err)
		}
		rm := json.RawMessage(raw)
		wm.EmotionalVector = &rm
	}

	data, err := json.Marshal(wm)
	if err != nil {
		return nil, perr.Wrap(perr.KindMalformed, "Wire.Encode", "marshaling message", err)
	}
	return obfuscate(data, w.key), nil
}

// wireKnownFields is the set of JSON keys wireMessage declares. Decode uses
// it to tell a genuinely unknown top-level key apart from one of these.
var wireKnownFields = map[string]bool{
	"message_id": true, "sender_id": true, "sender_name": true,
	"receiver_id": true, "layer": true, "intent": true, "priority": true,
	"content": true, "content_vector": true, "emotional_vector": true,
	"resonance_signature": true, "consent_verified": true, "fold_id": true,
	"scale_level": true, "fold_pattern": true, "timestamp": true,
	"expiration": true, "metadata": true,
}

// Decode inverts Encode. Per spec.md §4.1, a top-level JSON key this
// Wire doesn't know about is preserved rather than dropped: it is copied
// into Metadata under "_unknown_<key>" so a newer sender's fields survive
// a round trip through an older decoder.
func (w *Wire) Decode(data []byte) (models.Message, error) {
	plain := obfuscate(data, w.key)

	var wm wireMessage
	if err := json.Unmarshal(plain, &wm); err != nil {
		return models.Message{}, perr.Wrap(perr.KindMalformed, "Wire.Decode", "unmarshaling message", err)
	}

	var rawFields map[string]json.RawMessage
	if err := json.Unmarshal(plain, &rawFields); err != nil {
		return models.Message{}, perr.Wrap(perr.KindMalformed, "Wire.Decode", "unmarshaling raw fields", err)
	}

	m := models.Message{
		MessageID:          wm.MessageID,
		SenderID:           wm.SenderID,
		SenderName:         wm.SenderName,
		ReceiverID:         wm.ReceiverID,
		Layer:              wm.Layer,
		Intent:             wm.Intent,
		Priority:           wm.Priority,
		Content:            wm.Content,
		ResonanceSignature: wm.ResonanceSignature,
		ConsentVerified:    wm.ConsentVerified,
		FoldID:             wm.FoldID,
		ScaleLevel:         models.ScaleLevel(wm.ScaleLevel),
		FoldPattern:        models.FoldPattern(wm.FoldPattern),
		Timestamp:          wm.Timestamp,
		Expiration:         wm.Expiration,
		Metadata:           wm.Metadata,
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	for key, raw := range rawFields {
		if wireKnownFields[key] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		m.Metadata["_unknown_"+key] = v
	}

	if wm.ContentVector != nil {
		v, err := DecodeVector(*wm.ContentVector)
		if err != nil {
			return models.Message{}, perr.Wrap(perr.KindMalformed, "Wire.Decode", "decoding content_vector", err)
		}
		m.ContentVector = &v
	}

	if wm.EmotionalVector != nil {
		var wev wireEmotionalVector
		if err := json.Unmarshal(*wm.EmotionalVector, &wev); err != nil {
			return models.Message{}, perr.Wrap(perr.KindMalformed, "Wire.Decode", "unmarshaling emotional_vector", err)
		}
		ev := models.EmotionalVector{
			Joy: wev.Joy, Curiosity: wev.Curiosity, Concern: wev.Concern,
			Creativity: wev.Creativity, Restfulness: wev.Restfulness,
			Attentiveness: wev.Attentiveness, Empathy: wev.Empathy,
		}
		if wev.HarmonicField != nil {
			v, err := DecodeVector(*wev.HarmonicField)
			if err != nil {
				return models.Message{}, perr.Wrap(perr.KindMalformed, "Wire.Decode", "decoding harmonic_field", err)
			}
			ev.HarmonicField = &v
		}
		m.EmotionalVector = &ev
	}

	return m, nil
}
