package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/codec"
	"github.com/pulsemesh/pulsemesh/internal/models"
)

// loopbackBackend is an in-process Backend for tests: Publish immediately
// hands the payload to every registered onMessage callback across all
// loopbackBackend instances sharing the same bus, simulating a LAN.
type loopbackBackend struct {
	bus *loopbackBus
	cb  func(topic string, payload []byte)
}

type loopbackBus struct {
	mu        sync.Mutex
	listeners []func(topic string, payload []byte)
}

func newLoopbackBus() *loopbackBus { return &loopbackBus{} }

func (bus *loopbackBus) newBackend() *loopbackBackend {
	return &loopbackBackend{bus: bus}
}

func (b *loopbackBackend) Connect(_ context.Context, onMessage func(topic string, payload []byte)) error {
	b.cb = onMessage
	b.bus.mu.Lock()
	b.bus.listeners = append(b.bus.listeners, onMessage)
	b.bus.mu.Unlock()
	return nil
}

func (b *loopbackBackend) Publish(_ context.Context, topic string, payload []byte) error {
	b.bus.mu.Lock()
	listeners := append([]func(string, []byte){}, b.bus.listeners...)
	b.bus.mu.Unlock()
	for _, l := range listeners {
		l(topic, payload)
	}
	return nil
}

func (b *loopbackBackend) Close() error { return nil }

func newTestLayer(t *testing.T, nodeID string, backend Backend) *TransportLayer {
	t.Helper()
	wire := codec.NewWire(nil)
	fft := codec.NewFFT(8)
	layer := New(Config{NodeID: nodeID, NodeName: nodeID}, backend, wire, fft, nil, nil, nil)
	if err := layer.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { layer.Close() })
	return layer
}

func TestSendReceive_BroadcastRoundTrip(t *testing.T) {
	bus := newLoopbackBus()
	a := newTestLayer(t, "node-a", bus.newBackend())
	b := newTestLayer(t, "node-b", bus.newBackend())

	received := make(chan models.Message, 1)
	b.OnIntent(models.IntentStateBroadcast, func(msg models.Message) {
		received <- msg
	})

	msg := models.Message{
		MessageID: "msg-1",
		Intent:    models.IntentStateBroadcast,
		Priority:  models.Priority("NORMAL"),
		Content:   "hello mesh",
	}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.SenderID != "node-a" {
			t.Fatalf("expected sender node-a, got %s", got.SenderID)
		}
		if got.ContentVector == nil {
			t.Fatal("expected content_vector to be embedded on egress")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSelfAddressedDrop(t *testing.T) {
	bus := newLoopbackBus()
	a := newTestLayer(t, "node-a", bus.newBackend())

	called := false
	a.OnIntent(models.IntentStateBroadcast, func(models.Message) { called = true })

	msg := models.Message{MessageID: "msg-2", Intent: models.IntentStateBroadcast, Priority: models.Priority("NORMAL")}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatal("expected self-addressed message to be dropped on ingress")
	}
}

func TestDuplicateMessageDropped(t *testing.T) {
	bus := newLoopbackBus()
	a := newTestLayer(t, "node-a", bus.newBackend())
	b := newTestLayer(t, "node-b", bus.newBackend())

	count := 0
	var mu sync.Mutex
	b.OnIntent(models.IntentStateBroadcast, func(models.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	msg := models.Message{MessageID: "dup-1", Intent: models.IntentStateBroadcast, Priority: models.Priority("NORMAL")}
	for i := 0; i < 3; i++ {
		if err := a.Send(context.Background(), msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly 1 delivery of duplicate message_id, got %d", count)
	}
}

func TestExpiredMessageDropped(t *testing.T) {
	bus := newLoopbackBus()
	a := newTestLayer(t, "node-a", bus.newBackend())
	b := newTestLayer(t, "node-b", bus.newBackend())

	called := false
	b.OnIntent(models.IntentStateBroadcast, func(models.Message) { called = true })

	past := float64(time.Now().Add(-time.Hour).Unix())
	msg := models.Message{MessageID: "expired-1", Intent: models.IntentStateBroadcast, Priority: models.Priority("NORMAL"), Expiration: &past}
	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatal("expected expired message to be dropped")
	}
}

func TestEmptySenderIDRefused(t *testing.T) {
	bus := newLoopbackBus()
	a := New(Config{NodeID: "", NodeName: ""}, bus.newBackend(), codec.NewWire(nil), codec.NewFFT(8), nil, nil, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Close()

	err := a.Send(context.Background(), models.Message{MessageID: "m", Intent: models.IntentStateBroadcast})
	if err == nil {
		t.Fatal("expected error for empty sender_id on egress")
	}
}

func TestPriorityQueue_EmergencyNeverEvicted(t *testing.T) {
	q := newPriorityQueue(2)
	q.push(queuedSend{topic: "t", msg: models.Message{MessageID: "1", Priority: models.Priority("EMERGENCY")}})
	q.push(queuedSend{topic: "t", msg: models.Message{MessageID: "2", Priority: models.Priority("EMERGENCY")}})
	// Queue full of EMERGENCY; a BACKGROUND send should be dropped, not evict one.
	q.push(queuedSend{topic: "t", msg: models.Message{MessageID: "3", Priority: models.Priority("BACKGROUND")}})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		item, ok := q.pop(nil)
		if !ok {
			t.Fatal("expected item")
		}
		seen[item.msg.MessageID] = true
	}
	if !seen["1"] || !seen["2"] {
		t.Fatalf("expected both EMERGENCY messages to survive, got %v", seen)
	}
}

func TestPriorityQueue_EvictsLowerPriorityWhenFull(t *testing.T) {
	q := newPriorityQueue(1)
	q.push(queuedSend{topic: "t", msg: models.Message{MessageID: "low", Priority: models.Priority("BACKGROUND")}})
	q.push(queuedSend{topic: "t", msg: models.Message{MessageID: "high", Priority: models.Priority("CRITICAL")}})

	item, ok := q.pop(nil)
	if !ok {
		t.Fatal("expected item")
	}
	if item.msg.MessageID != "high" {
		t.Fatalf("expected higher-priority message to survive eviction, got %s", item.msg.MessageID)
	}
}
