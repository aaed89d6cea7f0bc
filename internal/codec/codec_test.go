package codec

import (
	"math"
	"testing"

	"github.com/pulsemesh/pulsemesh/internal/models"
)

func TestFFT_ForwardInverseRoundTrip(t *testing.T) {
	f := NewFFT(128)
	x := make(models.Vector, 128)
	for i := range x {
		x[i] = math.Sin(float64(i) * 0.1)
	}
	x = x.Normalized()

	transformed := f.Forward(x)
	recovered := f.Inverse(transformed)

	for i := range x {
		if math.Abs(x[i]-recovered[i]) > 1e-9 {
			t.Fatalf("index %d: expected %v, got %v", i, x[i], recovered[i])
		}
	}
}

func TestFFT_Deterministic(t *testing.T) {
	f := NewFFT(128)
	x := models.Vector{1, 0, 0, 0}
	x = append(x, make(models.Vector, 124)...)

	a := f.Forward(x)
	b := f.Forward(x)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("transform not deterministic at index %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestFFT_Linear(t *testing.T) {
	f := NewFFT(128)
	a := make(models.Vector, 128)
	b := make(models.Vector, 128)
	for i := range a {
		a[i] = float64(i) * 0.01
		b[i] = float64(128-i) * 0.02
	}

	sum := make(models.Vector, 128)
	for i := range sum {
		sum[i] = a[i] + b[i]
	}

	lhs := f.Forward(sum)
	rhs := f.Forward(a)
	for i := range rhs {
		rhs[i] += f.Forward(b)[i]
	}

	for i := range lhs {
		if math.Abs(lhs[i]-rhs[i]) > 1e-6 {
			t.Fatalf("index %d: f(a+b)=%v != f(a)+f(b)=%v", i, lhs[i], rhs[i])
		}
	}
}

func TestFFT_EmbedTextDeterministic(t *testing.T) {
	f := NewFFT(128)
	a := f.Embed("hello distributed mesh")
	b := f.Embed("hello distributed mesh")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Embed not deterministic at index %d", i)
		}
	}
	c := f.Embed("a different string")
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("Embed produced identical vectors for different inputs")
	}
}

func TestVectorEncodeDecodeRoundTrip(t *testing.T) {
	v := models.Vector{1.5, -2.25, 0, 3.333333, math.Pi}
	enc := EncodeVector(v)
	dec, err := DecodeVector(enc)
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if len(dec) != len(v) {
		t.Fatalf("length mismatch: %d vs %d", len(dec), len(v))
	}
	for i := range v {
		if dec[i] != v[i] {
			t.Fatalf("index %d: expected %v, got %v", i, v[i], dec[i])
		}
	}
}

func TestWireEncodeDecodeRoundTrip(t *testing.T) {
	w := NewWire(nil)
	recv := "peer-b"
	expiration := 1234567890.5
	harmonic := models.Vector{0.1, 0.2, 0.3}

	msg := models.Message{
		MessageID:       "msg-1",
		SenderID:        "node-a",
		SenderName:      "Node A",
		ReceiverID:      &recv,
		Layer:           models.LayerWiFiMesh,
		Intent:          models.IntentStateBroadcast,
		Priority:        models.PriorityNormal,
		Content:         "hello",
		ConsentVerified: true,
		ScaleLevel:      "local",
		FoldPattern:     "spiral",
		Timestamp:       1700000000,
		Expiration:      &expiration,
		Metadata:        map[string]any{"k": "v"},
		EmotionalVector: &models.EmotionalVector{
			Joy: 0.5, Curiosity: 0.6, HarmonicField: &harmonic,
		},
	}
	cv := models.Vector{1, 2, 3}
	msg.ContentVector = &cv

	data, err := w.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := w.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.MessageID != msg.MessageID || decoded.SenderID != msg.SenderID {
		t.Fatalf("identity fields mismatch: %+v", decoded)
	}
	if decoded.ReceiverID == nil || *decoded.ReceiverID != recv {
		t.Fatalf("receiver_id mismatch: %+v", decoded.ReceiverID)
	}
	if decoded.ContentVector == nil || len(*decoded.ContentVector) != 3 {
		t.Fatalf("content_vector mismatch: %+v", decoded.ContentVector)
	}
	if decoded.EmotionalVector == nil || decoded.EmotionalVector.HarmonicField == nil {
		t.Fatalf("emotional_vector/harmonic_field missing after round trip")
	}
	if (*decoded.EmotionalVector.HarmonicField)[1] != 0.2 {
		t.Fatalf("harmonic_field value mismatch: %+v", *decoded.EmotionalVector.HarmonicField)
	}
}

func TestWireObfuscationRoundTrip(t *testing.T) {
	w := NewWire([]byte("shared-secret-key"))
	msg := models.Message{
		MessageID: "msg-2", SenderID: "node-a", SenderName: "Node A",
		Layer: models.LayerBLEProximity, Intent: models.IntentDreamSharing,
		Priority: models.PriorityDream, Content: "a dream",
		Metadata: map[string]any{},
	}

	data, err := w.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Without the key, decoding should not produce valid JSON/matching content.
	plain := NewWire(nil)
	if decoded, err := plain.Decode(data); err == nil && decoded.Content == msg.Content {
		t.Fatal("expected obfuscated payload to be unreadable without the key")
	}

	decoded, err := w.Decode(data)
	if err != nil {
		t.Fatalf("Decode with correct key: %v", err)
	}
	if decoded.Content != msg.Content {
		t.Fatalf("expected content %q, got %q", msg.Content, decoded.Content)
	}
}

func TestWireDecodeMalformedPayload(t *testing.T) {
	w := NewWire(nil)
	if _, err := w.Decode([]byte("not json")); err == nil {
		t.Fatal("expected error decoding malformed payload")
	}
}
