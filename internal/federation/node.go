// Package federation implements the coordinator described in spec.md §4.6:
// Node owns node identity, the local EmotionalVector, the PeerTable, the set
// of in-flight consensus requests, and the periodic state/dream broadcast
// loops. It composes TransportLayer, ProximityLayer, and PersistenceLayer
// without being referenced back by any of them (spec.md §9's "prefer
// composition" design note) and funnels every mutation of its own state
// through a single inbox so PeerTable, ActiveRequests, and EmotionalVector
// are never touched concurrently, matching spec.md §5's single coordinator
// task rule.
package federation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/codec"
	"github.com/pulsemesh/pulsemesh/internal/consensus"
	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/perr"
	"github.com/pulsemesh/pulsemesh/internal/persistence"
	"github.com/pulsemesh/pulsemesh/internal/ports"
	"github.com/pulsemesh/pulsemesh/internal/proximity"
	"github.com/pulsemesh/pulsemesh/internal/transport"
	"github.com/pulsemesh/pulsemesh/internal/workers"
)

// defaultBroadcastInterval is the STATE broadcaster cadence, per spec.md
// §4.6 ("cadence 5s default").
const defaultBroadcastInterval = 5 * time.Second

// defaultPollInterval bounds how often request_consensus re-checks quorum;
// spec.md §5 requires poll granularity ≤1s.
const defaultPollInterval = 250 * time.Millisecond

// proximityBlendCap is the maximum per-event blend weight spec.md §4.6
// allows ("capped at 30% per event").
const proximityBlendCap = 0.3

// proximityBlendThreshold is the minimum proximity weight that triggers a
// blend at all, per spec.md §4.6.
const proximityBlendThreshold = 0.3

// Config configures a Node.
type Config struct {
	NodeID            string
	NodeName          string
	Kind              string
	AwarenessMode     string
	Capabilities      []string
	Layers            []models.Layer
	BroadcastInterval time.Duration

	Transport   *transport.TransportLayer
	Proximity   *proximity.Layer
	Persistence *persistence.Store
	Generator   ports.Generator
	FFT         *codec.FFT
	Signer      ports.Signer
	Logger      *slog.Logger
}

// pendingRequest tracks one in-flight request_consensus call. All fields are
// only ever touched from inside Node.run via the inbox.
type pendingRequest struct {
	id        string
	prompt    string
	method    consensus.Method
	responses map[string]consensus.Response
	deadline  time.Time
}

// nodeEvent is a closure executed serially by Node.run, the funnel spec.md
// §9 calls for: "shared mutable ActiveRequests touched from handler
// callbacks... funnel all handler mutations through an inbox."
type nodeEvent func(n *Node)

// Node is the FederationNode coordinator of spec.md §4.6.
type Node struct {
	cfg    Config
	logger *slog.Logger

	hlc   *HLC
	peers *PeerTable

	seenRequests *TTLCache[bool]

	inbox     chan nodeEvent
	active    map[string]*pendingRequest
	emotional models.EmotionalVector
	adaptive  *consensus.History

	manager *workers.Manager
	wg      sync.WaitGroup
}

// New creates a Node. Call Start to launch its background loops.
func New(cfg Config) *Node {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = defaultBroadcastInterval
	}
	n := &Node{
		cfg:          cfg,
		logger:       logger,
		hlc:          NewHLC(),
		peers:        NewPeerTable(),
		seenRequests: NewTTLCache[bool](2*time.Minute, 10000),
		inbox:        make(chan nodeEvent, 64),
		active:       make(map[string]*pendingRequest),
		adaptive:     consensus.NewHistory(),
		manager:      workers.NewManager(logger),
	}
	return n
}

// do executes fn inside Node.run and blocks until it completes, giving
// callers on other goroutines synchronous, serialized access to Node's
// owned state (PeerTable aside, which has its own internal locking).
func (n *Node) do(fn func(n *Node)) {
	done := make(chan struct{})
	n.inbox <- func(n *Node) {
		fn(n)
		close(done)
	}
	<-done
}

// run is the coordinator's single event-loop task.
func (n *Node) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.inbox:
			ev(n)
		}
	}
}

// Start wires transport/proximity ingress into the coordinator's inbox and
// launches the coordinator loop plus the background workers (state
// broadcaster, transport, proximity advertise/scan).
func (n *Node) Start(ctx context.Context) error {
	n.cfg.Transport.OnPeerState(n.handlePeerState)
	n.cfg.Transport.OnIntent(models.IntentConsensusRequest, n.handleConsensusRequest)
	n.cfg.Transport.OnIntent(models.IntentConsensusResponse, n.handleConsensusResponse)
	n.cfg.Transport.OnIntent(models.IntentDreamSharing, n.handleDreamIngress)
	n.cfg.Transport.OnIntent(models.IntentFoldPropagation, n.handleFoldPropagation)
	if n.cfg.Proximity != nil {
		n.cfg.Proximity.OnEvent(n.handleProximityEvent)
	}

	n.manager.Go(ctx, "federation-coordinator", n.run)

	if err := n.cfg.Transport.Start(ctx); err != nil {
		return perr.Wrap(perr.KindTransportUnavailable, "federation.Node.Start", "starting transport layer", err)
	}

	n.manager.Go(ctx, "state-broadcaster", n.stateBroadcastLoop)

	if n.cfg.Proximity != nil {
		n.cfg.Proximity.Start(ctx, n.currentEmotion)
	}

	return nil
}

// Close waits for the coordinator loop, the state broadcaster and the
// proximity loops started by Start to exit (they return once the context
// given to Start is cancelled), then closes the transport.
func (n *Node) Close() error {
	n.manager.Wait()
	if n.cfg.Proximity != nil {
		n.cfg.Proximity.Wait()
	}
	return n.cfg.Transport.Close()
}

// currentEmotion returns the node's current EmotionalVector, synchronized
// through the coordinator inbox. Suitable as a proximity.Layer
// emotionProvider.
func (n *Node) currentEmotion() models.EmotionalVector {
	var ev models.EmotionalVector
	n.do(func(n *Node) { ev = n.emotional })
	return ev
}

// SetEmotion overwrites the node's local EmotionalVector directly (used at
// startup, or by a caller driving the node's mood from outside the mesh).
func (n *Node) SetEmotion(ev models.EmotionalVector) {
	n.do(func(n *Node) { n.emotional = ev })
}

// Peers returns a snapshot of the coordinator's PeerTable.
func (n *Node) Peers() []models.NodeState {
	return n.peers.Snapshot()
}
