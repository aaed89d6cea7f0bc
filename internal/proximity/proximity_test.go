package proximity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/codec"
	"github.com/pulsemesh/pulsemesh/internal/models"
)

func TestEncodeBeacon_Size(t *testing.T) {
	emotion := models.EmotionalVector{Joy: 0.5, Curiosity: 0.2}
	payload := EncodeBeacon("node-1", "Node One", emotion)
	if len(payload) != beaconSize {
		t.Fatalf("expected %d-byte beacon, got %d", beaconSize, len(payload))
	}
}

func TestEncodeBeacon_Deterministic(t *testing.T) {
	emotion := models.EmotionalVector{Joy: 0.5, Curiosity: 0.2, Concern: 0.1}
	a := EncodeBeacon("node-1", "Node One", emotion)
	b := EncodeBeacon("node-1", "Node One", emotion)
	if a != b {
		t.Fatal("expected identical beacons for identical inputs")
	}
}

func TestClampProximity(t *testing.T) {
	if clampProximity(20) != 1.0 {
		t.Fatalf("expected clamp to 1.0 for strong rssi, got %v", clampProximity(20))
	}
	if clampProximity(-100) != 0.0 {
		t.Fatalf("expected clamp to 0.0 for weak rssi, got %v", clampProximity(-100))
	}
	mid := clampProximity(-40)
	if mid != 0 {
		t.Fatalf("expected rssi=-40 to map to proximity 0, got %v", mid)
	}
}

func TestLoopbackAdvertiseScanRoundTrip(t *testing.T) {
	bus := NewLoopbackBus(-20)
	fft := codec.NewFFT(16)

	a := New(Config{NodeID: "a", NodeName: "Node A", AdvertiseInterval: 10 * time.Millisecond, ScanInterval: 10 * time.Millisecond}, bus.NewBackend("a"), fft)
	b := New(Config{NodeID: "b", NodeName: "Node B", AdvertiseInterval: 10 * time.Millisecond, ScanInterval: 10 * time.Millisecond}, bus.NewBackend("b"), fft)

	var mu sync.Mutex
	var events []Event
	b.OnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Start(ctx, func() models.EmotionalVector { return models.EmotionalVector{Joy: 0.8} })
	b.Start(ctx, func() models.EmotionalVector { return models.EmotionalVector{Joy: 0.1} })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("expected at least one proximity event from peer a's advertisement")
	}
	if events[0].NodeID != "a" {
		t.Fatalf("expected event from peer 'a', got %q", events[0].NodeID)
	}
}

func TestPeerEvictionAfterWindow(t *testing.T) {
	bus := NewLoopbackBus(-20)
	l := New(Config{NodeID: "scanner", ScanInterval: time.Millisecond}, bus.NewBackend("scanner"), nil)

	l.mu.Lock()
	l.table["stale-peer"] = Event{NodeID: "stale-peer", LastSeen: time.Now().Add(-time.Minute)}
	l.mu.Unlock()

	l.scanOnce(context.Background())

	if _, ok := l.Peers()["stale-peer"]; ok {
		t.Fatal("expected stale peer to be evicted after 30s window")
	}
}
