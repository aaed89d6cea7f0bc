package federation

import (
	"encoding/json"

	"github.com/pulsemesh/pulsemesh/internal/consensus"
)

// consensusRequestPayload is the CONSENSUS_REQUEST message body, carried in
// Message.Metadata, per spec.md §4.6 step 3.
type consensusRequestPayload struct {
	RequestID    string           `json:"request_id"`
	Prompt       string           `json:"prompt"`
	System       string           `json:"system,omitempty"`
	History      []string         `json:"history,omitempty"`
	Method       consensus.Method `json:"method"`
	LocalPreview string           `json:"local_preview"`
	Deadline     int64            `json:"deadline"` // unix millis
}

// consensusResponsePayload is the direct CONSENSUS_RESPONSE reply body, per
// spec.md §4.6's ingress handler contract. It deliberately does not carry a
// content_vector: the receiving node re-embeds Content locally via the FFT
// codec rather than trusting a peer-supplied vector, matching how
// TransportLayer treats an absent content_vector on any other message.
type consensusResponsePayload struct {
	RequestID       string  `json:"request_id"`
	Content         string  `json:"content"`
	ModelID         string  `json:"model_id"`
	Confidence      float64 `json:"confidence"`
	Resonance       float64 `json:"resonance"`
	ConsentVerified bool    `json:"consent_verified"`
}

// dreamPayload is the DREAM_SHARING message body, per spec.md §4.6's
// store_dream contract.
type dreamPayload struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// encodeMetadata round-trips v through JSON into a map[string]any, the
// shape Message.Metadata requires.
func encodeMetadata(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// decodeMetadata round-trips a Message.Metadata map back into a typed
// struct. Metadata arrives JSON-shaped already (numbers as float64, nested
// maps as map[string]any), so remarshaling through encoding/json is the
// simplest correct way to recover the original types.
func decodeMetadata(metadata map[string]any, out any) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
