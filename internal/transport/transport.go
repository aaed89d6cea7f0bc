// Package transport implements the PulseMesh transport layer: connection
// lifecycle, topic routing, and the egress/ingress pipeline of spec.md §4.3.
// It is backend-agnostic — broker pub/sub, direct websocket, or UDP
// broadcast all satisfy the same Backend interface, grounded on the
// teacher's internal/events.Bus (connect once, publish/subscribe by topic,
// reconnect handled by the backend).
package transport

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/codec"
	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/observability"
	"github.com/pulsemesh/pulsemesh/internal/perr"
	"github.com/pulsemesh/pulsemesh/internal/ports"
)

// Backend is the pluggable transport fabric. Implementations: backend_nats.go
// (broker pub/sub), backend_ws.go (direct websocket), backend_udp.go (LAN
// broadcast fallback).
type Backend interface {
	// Connect establishes the connection and begins delivering ingress
	// messages to onMessage(topic, payload). It must not block past initial
	// connection setup; delivery happens on the backend's own goroutines.
	Connect(ctx context.Context, onMessage func(topic string, payload []byte)) error
	// Publish sends payload to topic. Must be safe to call concurrently with
	// Connect's delivery callback, but need not be safe for concurrent
	// callers — the sender task is TransportLayer's only caller.
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

const (
	broadcastTopic     = "broadcast"
	nodeTopicPrefix    = "nodes/"
	ringBufferSize     = 100
	dedupWindow        = 2 * time.Minute
	sendQueueCapacity  = 256
)

// RingEntry is one observability record of a sent or received message.
type RingEntry struct {
	MessageID string
	SenderID  string
	Intent    models.Intent
	Timestamp time.Time
}

// ringBuffer is a fixed-capacity circular buffer of RingEntry, overwriting
// the oldest entry once full.
type ringBuffer struct {
	mu      sync.Mutex
	entries []RingEntry
	next    int
	full    bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{entries: make([]RingEntry, size)}
}

func (r *ringBuffer) push(e RingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ringBuffer) snapshot() []RingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]RingEntry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]RingEntry, len(r.entries))
	copy(out, r.entries[r.next:])
	copy(out[len(r.entries)-r.next:], r.entries[:r.next])
	return out
}

// Handler processes an ingress message for a specific intent.
type Handler func(msg models.Message)

// Config configures a TransportLayer.
type Config struct {
	NodeID   string
	NodeName string
}

// TransportLayer is the coordinator-facing transport API: Send queues egress
// without blocking on I/O; a single sender goroutine drains the queue
// serially, per spec.md §4.3.
type TransportLayer struct {
	cfg    Config
	backend Backend
	wire   *codec.Wire
	fft    *codec.FFT
	signer ports.Signer
	consent ports.Consent
	metrics observability.Metrics

	queue *priorityQueue

	mu       sync.Mutex
	handlers map[models.Intent]Handler
	dedup    map[string]time.Time

	sentRing     *ringBuffer
	receivedRing *ringBuffer

	connected bool
	connMu    sync.Mutex

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	onPeerState func(msg models.Message)
}

// New creates a TransportLayer over backend, using wire for framing and fft
// for content-vector embedding. signer and consent may be nil (ports are
// optional per spec.md §4.2/§4.3).
func New(cfg Config, backend Backend, wire *codec.Wire, fft *codec.FFT, signer ports.Signer, consent ports.Consent, metrics observability.Metrics) *TransportLayer {
	if metrics == nil {
		metrics = observability.Noop{}
	}
	return &TransportLayer{
		cfg:          cfg,
		backend:      backend,
		wire:         wire,
		fft:          fft,
		signer:       signer,
		consent:      consent,
		metrics:      metrics,
		queue:        newPriorityQueue(sendQueueCapacity),
		handlers:     make(map[models.Intent]Handler),
		dedup:        make(map[string]time.Time),
		sentRing:     newRingBuffer(ringBufferSize),
		receivedRing: newRingBuffer(ringBufferSize),
		closeCh:      make(chan struct{}),
	}
}

// OnIntent registers the handler invoked for ingress messages of the given
// intent. Unknown intents are counted (transport_unknown_intent_total) and
// ignored, per spec.md §4.3 step 6.
func (t *TransportLayer) OnIntent(intent models.Intent, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[intent] = h
}

// OnPeerState registers the hook invoked on every STATE ingress, after
// duplicate/expiry/signature checks pass, so the coordinator can upsert its
// PeerTable (spec.md §4.3 step 5).
func (t *TransportLayer) OnPeerState(fn func(msg models.Message)) {
	t.onPeerState = fn
}

// Start connects the backend and launches the sender goroutine.
func (t *TransportLayer) Start(ctx context.Context) error {
	if err := t.backend.Connect(ctx, t.handleIngress); err != nil {
		return perr.Wrap(perr.KindTransportUnavailable, "transport.Start", "connecting backend", err)
	}
	t.connMu.Lock()
	t.connected = true
	t.connMu.Unlock()

	t.wg.Add(1)
	go t.senderLoop(ctx)
	return nil
}

// Close stops the sender loop and closes the backend. Safe to call once.
func (t *TransportLayer) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.wg.Wait()
		err = t.backend.Close()
		t.connMu.Lock()
		t.connected = false
		t.connMu.Unlock()
	})
	return err
}

func topicFor(receiverID string) string {
	if receiverID == "" {
		return broadcastTopic
	}
	return nodeTopicPrefix + receiverID
}

// Send implements the egress pipeline of spec.md §4.3: fill identity, embed
// content, sign, consent-check, then enqueue for the sender goroutine. Send
// never blocks on I/O — it only blocks if the bounded queue forces an
// eviction decision, which is one O(log n) heap pop.
func (t *TransportLayer) Send(ctx context.Context, msg models.Message) error {
	if msg.SenderID == "" {
		msg.SenderID = t.cfg.NodeID
	}
	if msg.SenderName == "" {
		msg.SenderName = t.cfg.NodeName
	}
	if msg.SenderID == "" {
		return perr.New(perr.KindMalformed, "transport.Send", "sender_id must not be empty on egress")
	}

	if msg.ContentVector == nil && msg.Content != "" && t.fft != nil {
		v := t.fft.Embed(msg.Content)
		msg.ContentVector = &v
	}

	if msg.ResonanceSignature == nil && t.signer != nil {
		emotion := models.EmotionalVector{}
		if msg.EmotionalVector != nil {
			emotion = *msg.EmotionalVector
		}
		sc := ports.SignContext{Scale: msg.ScaleLevel, Fold: msg.FoldPattern}
		sig, err := t.signer.Sign(ctx, msg.SenderID, emotion, sc)
		if err != nil {
			return perr.Wrap(perr.KindAuthFailed, "transport.Send", "signing message", err)
		}
		msg.ResonanceSignature = &sig.Value
	}

	if !msg.ConsentVerified && t.consent != nil {
		cc := ports.ConsentContext{Scale: msg.ScaleLevel, Fold: msg.FoldPattern}
		var vec models.Vector
		if msg.ContentVector != nil {
			vec = *msg.ContentVector
		}
		outcome, err := t.consent.Verify(ctx, vec, cc)
		if err != nil {
			return perr.Wrap(perr.KindConsentDenied, "transport.Send", "consent verification", err)
		}
		msg.ConsentVerified = outcome.Granted
		if !outcome.Granted {
			return perr.New(perr.KindConsentDenied, "transport.Send", "consent denied for message "+msg.MessageID)
		}
	}

	topic := broadcastTopic
	if msg.ReceiverID != nil && *msg.ReceiverID != "" {
		topic = topicFor(*msg.ReceiverID)
	}

	t.connMu.Lock()
	connected := t.connected
	t.connMu.Unlock()
	if !connected {
		return perr.New(perr.KindTransportUnavailable, "transport.Send", "transport not connected")
	}

	t.queue.push(queuedSend{topic: topic, msg: msg})
	t.metrics.Counter("transport_send_queued_total", 1)
	return nil
}

func (t *TransportLayer) senderLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		item, ok := t.queue.pop(t.closeCh)
		if !ok {
			return
		}
		data, err := t.wire.Encode(item.msg)
		if err != nil {
			t.metrics.Counter("transport_encode_error_total", 1)
			continue
		}
		if err := t.backend.Publish(ctx, item.topic, data); err != nil {
			t.metrics.Counter("transport_publish_error_total", 1)
			continue
		}
		t.sentRing.push(RingEntry{MessageID: item.msg.MessageID, SenderID: item.msg.SenderID, Intent: item.msg.Intent, Timestamp: time.Now()})
		t.metrics.Counter("transport_sent_total", 1)

		select {
		case <-ctx.Done():
			return
		case <-t.closeCh:
			return
		default:
		}
	}
}

// handleIngress implements the ingress pipeline of spec.md §4.3.
func (t *TransportLayer) handleIngress(_ string, payload []byte) {
	msg, err := t.wire.Decode(payload)
	if err != nil {
		t.metrics.Counter("transport_decode_drop_total", 1)
		return
	}

	if msg.SenderID == t.cfg.NodeID {
		t.metrics.Counter("transport_self_drop_total", 1)
		return
	}

	t.mu.Lock()
	t.pruneDedupLocked(time.Now())
	if _, seen := t.dedup[msg.MessageID]; seen {
		t.mu.Unlock()
		t.metrics.Counter("transport_duplicate_drop_total", 1)
		return
	}
	t.dedup[msg.MessageID] = time.Now()
	t.mu.Unlock()

	if msg.Expired(time.Now()) {
		t.metrics.Counter("transport_expired_drop_total", 1)
		return
	}

	if msg.ResonanceSignature != nil && t.signer != nil {
		sc := ports.SignContext{Scale: msg.ScaleLevel, Fold: msg.FoldPattern}
		sig := ports.Signature{Value: *msg.ResonanceSignature}
		ok, _, err := t.signer.Verify(context.Background(), sig, sc)
		if err != nil || !ok {
			t.metrics.Counter("transport_signature_drop_total", 1)
			return
		}
	}

	t.receivedRing.push(RingEntry{MessageID: msg.MessageID, SenderID: msg.SenderID, Intent: msg.Intent, Timestamp: time.Now()})
	t.metrics.Counter("transport_received_total", 1)

	if msg.Intent == models.IntentStateBroadcast && t.onPeerState != nil {
		t.onPeerState(msg)
	}

	t.mu.Lock()
	h, ok := t.handlers[msg.Intent]
	t.mu.Unlock()
	if !ok {
		// STATE_BROADCAST is ordinarily serviced entirely by onPeerState
		// above with no handlers-map entry at all; that's expected traffic,
		// not an unrecognized intent, so it must not inflate this counter.
		if msg.Intent != models.IntentStateBroadcast {
			t.metrics.Counter("transport_unknown_intent_total", 1)
		}
		return
	}
	h(msg)
}

func (t *TransportLayer) pruneDedupLocked(now time.Time) {
	for id, seen := range t.dedup {
		if now.Sub(seen) > dedupWindow {
			delete(t.dedup, id)
		}
	}
}

// SentRing returns a snapshot of the last N sent-message tuples.
func (t *TransportLayer) SentRing() []RingEntry { return t.sentRing.snapshot() }

// ReceivedRing returns a snapshot of the last N received-message tuples.
func (t *TransportLayer) ReceivedRing() []RingEntry { return t.receivedRing.snapshot() }

// queuedSend is one pending egress item.
type queuedSend struct {
	topic string
	msg   models.Message
}

// priorityItem wraps a queuedSend with its heap index and sequence, so the
// priority queue can evict the lowest-priority oldest entry when full,
// per spec.md §5's back-pressure policy: EMERGENCY must never be dropped.
type priorityItem struct {
	item  queuedSend
	rank  int
	seq   int64
	index int
}

// priorityHeap is a min-heap over (rank, seq) so the *lowest*-priority,
// *oldest* item surfaces first for eviction.
type priorityHeap []*priorityItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*priorityItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// priorityQueue is a bounded, priority-evicting queue: Send enqueues without
// blocking on I/O, and pop hands out the highest-priority item first (oldest
// first within one priority), so sends are not in FIFO order across
// priorities. When full, the lowest-priority oldest entry is evicted to
// make room, unless the incoming item is itself the lowest priority and the
// queue has no room — in which case the incoming item is dropped instead.
// EMERGENCY-priority sends are never evicted once queued.
type priorityQueue struct {
	mu       sync.Mutex
	notEmpty chan struct{}
	h        priorityHeap
	capacity int
	nextSeq  int64
}

func newPriorityQueue(capacity int) *priorityQueue {
	return &priorityQueue{
		notEmpty: make(chan struct{}, 1),
		capacity: capacity,
	}
}

func (q *priorityQueue) push(item queuedSend) {
	rank := item.msg.Priority.Rank()

	q.mu.Lock()
	if len(q.h) >= q.capacity {
		if len(q.h) > 0 && q.h[0].rank < rank {
			heap.Pop(&q.h)
		}
		// else: queue full of equal-or-higher priority items; drop incoming.
		if len(q.h) >= q.capacity {
			q.mu.Unlock()
			return
		}
	}
	pi := &priorityItem{item: item, rank: rank, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.h, pi)
	q.mu.Unlock()

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available or stop is closed, returning
// (item, false) on stop. Pop always returns the highest-priority item
// currently queued (reverse of the eviction order).
func (q *priorityQueue) pop(stop <-chan struct{}) (queuedSend, bool) {
	for {
		q.mu.Lock()
		if len(q.h) > 0 {
			best := q.highestPriorityIndexLocked()
			pi := q.h[best]
			heap.Remove(&q.h, best)
			q.mu.Unlock()
			return pi.item, true
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-stop:
			return queuedSend{}, false
		}
	}
}

// highestPriorityIndexLocked scans the heap (small, bounded by capacity) for
// the highest-rank, oldest item. The heap property only guarantees the
// *minimum* is at index 0, so finding the maximum requires a linear scan.
func (q *priorityQueue) highestPriorityIndexLocked() int {
	best := 0
	for i := 1; i < len(q.h); i++ {
		if q.h[i].rank > q.h[best].rank || (q.h[i].rank == q.h[best].rank && q.h[i].seq < q.h[best].seq) {
			best = i
		}
	}
	return best
}
