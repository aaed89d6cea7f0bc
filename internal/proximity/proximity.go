// Package proximity implements the short-range beacon advertise/scan layer
// of spec.md §4.4: a 32-byte identity+emotion payload broadcast on a fixed
// cadence, and a scanner that reconstructs an EmotionalVector and a proximity
// weight from discovered beacons. The layer never mutates FederationNode
// state itself — it only raises ProximityEvents; the coordinator decides
// whether to blend (spec.md §4.6).
package proximity

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/codec"
	"github.com/pulsemesh/pulsemesh/internal/models"
)

const (
	beaconSize     = 32
	idHashSize     = 8
	emotionSize    = 16
	sigHashSize    = 8
	evictionWindow = 30 * time.Second
)

// Backend is the pluggable beacon transport: BLE/Wi-Fi-Direct in a real
// deployment, a LoopbackBackend for tests, or UDPBackend for a LAN-local
// stand-in. Grounded on the same small-surface-interface idiom as
// transport.Backend.
type Backend interface {
	Advertise(ctx context.Context, payload [beaconSize]byte) error
	// Scan returns currently discovered beacons as (payload, rssi) pairs.
	Scan(ctx context.Context) (map[string]DiscoveredBeacon, error)
}

// DiscoveredBeacon is one beacon observation reported by a Backend.
type DiscoveredBeacon struct {
	Payload  [beaconSize]byte
	RSSI     float64
	LastSeen time.Time
}

// Event is raised on every scan for each beacon still within the eviction
// window, spec.md §4.4's ProximityEvent.
type Event struct {
	NodeID          string
	Name            string
	EmotionalVector models.EmotionalVector
	Proximity       float64
	LastSeen        time.Time
}

func hash64(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

func first8(data []byte) [8]byte {
	sum := hash64(data)
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], sum)
	return out
}

// EncodeBeacon builds the 32-byte payload of spec.md §4.4:
// [id_hash(8) | emotion_bytes(16) | sig_hash(8)].
func EncodeBeacon(nodeID, nodeName string, emotion models.EmotionalVector) [beaconSize]byte {
	var out [beaconSize]byte

	idHash := first8([]byte(nodeID))
	copy(out[0:idHashSize], idHash[:])

	scalars := emotion.Scalars()
	emotionBytes := quantizeEmotion(scalars)
	copy(out[idHashSize:idHashSize+emotionSize], emotionBytes[:])

	sigInput := make([]byte, 0, idHashSize+emotionSize+len(nodeName))
	sigInput = append(sigInput, out[0:idHashSize+emotionSize]...)
	sigInput = append(sigInput, []byte(nodeName)...)
	sigHash := first8(sigInput)
	copy(out[idHashSize+emotionSize:], sigHash[:])

	return out
}

// quantizeEmotion maps the 7 scalar dimensions (each in [0,1]) to the first
// 7 bytes of a 16-byte block, u8-quantised; the remaining 9 bytes pad with
// zero.
func quantizeEmotion(scalars models.Vector) [emotionSize]byte {
	var out [emotionSize]byte
	for i, v := range scalars {
		if i >= emotionSize {
			break
		}
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		out[i] = byte(v * 255)
	}
	return out
}

func dequantizeEmotion(block [emotionSize]byte) models.Vector {
	scalars := make(models.Vector, 7)
	for i := 0; i < 7 && i < emotionSize; i++ {
		scalars[i] = float64(block[i]) / 255
	}
	return scalars
}

// decodeEmotionalVector rebuilds an EmotionalVector from a beacon's 16-byte
// emotion block: the first 7 bytes are the named scalars; the full 16-byte
// block is passed through FftCodec.Forward to recover a harmonic field, per
// spec.md §4.4.
func decodeEmotionalVector(block [emotionSize]byte, fft *codec.FFT) models.EmotionalVector {
	scalars := dequantizeEmotion(block)
	ev := models.EmotionalVector{
		Joy: scalars[0], Curiosity: scalars[1], Concern: scalars[2],
		Creativity: scalars[3], Restfulness: scalars[4], Attentiveness: scalars[5], Empathy: scalars[6],
	}
	if fft != nil {
		raw := make(models.Vector, emotionSize)
		for i, b := range block {
			raw[i] = float64(b) / 255
		}
		field := fft.Forward(raw.Normalized())
		ev.HarmonicField = &field
	}
	return ev
}

// clampProximity converts an RSSI reading (dBm) to a [0,1] proximity weight
// per spec.md §4.4: clamp((rssi + 40) / 60, 0, 1).
func clampProximity(rssi float64) float64 {
	p := (rssi + 40) / 60
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Layer runs the advertise and scan loops of spec.md §4.4.
type Layer struct {
	backend  Backend
	fft      *codec.FFT
	nodeID   string
	nodeName string

	advertiseInterval time.Duration
	scanInterval      time.Duration

	mu       sync.Mutex
	table    map[string]Event
	onEvent  func(Event)

	wg sync.WaitGroup
}

// Config configures a proximity Layer.
type Config struct {
	NodeID            string
	NodeName          string
	AdvertiseInterval time.Duration
	ScanInterval      time.Duration
}

// New creates a proximity Layer. emotion is read on each advertise tick via
// emotionProvider so the beacon always carries the node's current state.
func New(cfg Config, backend Backend, fft *codec.FFT) *Layer {
	return &Layer{
		backend:           backend,
		fft:               fft,
		nodeID:            cfg.NodeID,
		nodeName:          cfg.NodeName,
		advertiseInterval: cfg.AdvertiseInterval,
		scanInterval:      cfg.ScanInterval,
		table:             make(map[string]Event),
	}
}

// OnEvent registers the callback invoked for every ProximityEvent raised by
// a scan. The layer never calls into the coordinator directly otherwise.
func (l *Layer) OnEvent(fn func(Event)) { l.onEvent = fn }

// Start launches the advertise and scan loops. emotionProvider is polled on
// every advertise tick to get the node's current EmotionalVector.
func (l *Layer) Start(ctx context.Context, emotionProvider func() models.EmotionalVector) {
	l.wg.Add(2)
	go l.advertiseLoop(ctx, emotionProvider)
	go l.scanLoop(ctx)
}

// Wait blocks until both loops have exited (after ctx is cancelled).
func (l *Layer) Wait() { l.wg.Wait() }

func (l *Layer) advertiseLoop(ctx context.Context, emotionProvider func() models.EmotionalVector) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.advertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emotion := emotionProvider()
			payload := EncodeBeacon(l.nodeID, l.nodeName, emotion)
			_ = l.backend.Advertise(ctx, payload)
		}
	}
}

func (l *Layer) scanLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.scanOnce(ctx)
		}
	}
}

func (l *Layer) scanOnce(ctx context.Context) {
	discovered, err := l.backend.Scan(ctx)
	if err != nil {
		return
	}

	now := time.Now()
	l.mu.Lock()
	for peerID, beacon := range discovered {
		var emotionBlock [emotionSize]byte
		copy(emotionBlock[:], beacon.Payload[idHashSize:idHashSize+emotionSize])

		// The 32-byte beacon (spec.md §4.4) has no channel for a
		// human-readable name — id_hash is one-way and the emotion/sig
		// blocks leave no spare bytes — so peerID (the backend's own
		// sighting key) is the best available stand-in.
		ev := Event{
			NodeID:          peerID,
			Name:            peerID,
			EmotionalVector: decodeEmotionalVector(emotionBlock, l.fft),
			Proximity:       clampProximity(beacon.RSSI),
			LastSeen:        beacon.LastSeen,
		}
		l.table[peerID] = ev
	}

	for peerID, ev := range l.table {
		if now.Sub(ev.LastSeen) > evictionWindow {
			delete(l.table, peerID)
			continue
		}
	}

	events := make([]Event, 0, len(l.table))
	for _, ev := range l.table {
		events = append(events, ev)
	}
	l.mu.Unlock()

	if l.onEvent != nil {
		for _, ev := range events {
			l.onEvent(ev)
		}
	}
}

// Peers returns a snapshot of the currently tracked proximity table.
func (l *Layer) Peers() map[string]Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Event, len(l.table))
	for k, v := range l.table {
		out[k] = v
	}
	return out
}
