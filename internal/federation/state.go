package federation

import (
	"context"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/proximity"
)

// stateBroadcastLoop implements spec.md §4.6's state broadcaster: every
// cfg.BroadcastInterval, refresh last_update and send a STATE broadcast.
func (n *Node) stateBroadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.broadcastState(ctx)
		}
	}
}

func (n *Node) broadcastState(ctx context.Context) {
	var state models.NodeState
	n.do(func(n *Node) {
		state = models.NodeState{
			NodeID:          n.cfg.NodeID,
			Name:            n.cfg.NodeName,
			Kind:            n.cfg.Kind,
			Active:          true,
			AwarenessMode:   n.cfg.AwarenessMode,
			EmotionalVector: n.emotional,
			ConsentVerified: false,
			LastUpdate:      time.Now(),
			Capabilities:    n.cfg.Capabilities,
			Layers:          n.cfg.Layers,
			ProximityPeers:  n.proximityPeerIDs(),
		}
	})

	msg := models.Message{
		MessageID:       models.NewID(),
		SenderID:        n.cfg.NodeID,
		SenderName:      n.cfg.NodeName,
		Layer:           models.LayerWiFiMesh,
		Intent:          models.IntentStateBroadcast,
		Priority:        models.PriorityNormal,
		EmotionalVector: &state.EmotionalVector,
		ConsentVerified: false,
		Timestamp:       float64(time.Now().UnixNano()) / 1e9,
		Metadata:        encodeMetadata(state),
	}
	if err := n.cfg.Transport.Send(ctx, msg); err != nil {
		n.logger.Warn("state broadcast failed", "error", err)
	}
}

// proximityPeerIDs lists node IDs of currently tracked peers, for the
// outgoing NodeState's proximity_peers field. PeerTable guards its own
// concurrency, so this is safe to call from any goroutine.
func (n *Node) proximityPeerIDs() []string {
	peers := n.peers.Snapshot()
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.NodeID)
	}
	return ids
}

// handlePeerState is TransportLayer's STATE-ingress hook (spec.md §4.3 step
// 5, §3's PeerTable lifecycle): decode the NodeState carried in
// Message.Metadata and upsert it, stamped with the local HLC at receipt.
// Entries are ordered by when they were received, not by when the sender
// produced them: a STATE message delayed in transit replaces a newer one
// that arrived before it.
func (n *Node) handlePeerState(msg models.Message) {
	var state models.NodeState
	if err := decodeMetadata(msg.Metadata, &state); err != nil {
		return
	}
	if state.NodeID == "" {
		state.NodeID = msg.SenderID
	}

	var at HLCTimestamp
	n.do(func(n *Node) { at = n.hlc.Now() })
	n.peers.Upsert(state, at)
}

// handleProximityEvent implements spec.md §4.6's emotional blending from
// proximity: a sighting with proximity > 0.3 blends the local emotional
// vector toward the sighted peer's, weighted at 0.3·proximity (capped at
// 30% per event). The layer itself never mutates Node state directly; this
// callback is the only path from a ProximityEvent to Node.emotional.
func (n *Node) handleProximityEvent(ev proximity.Event) {
	if ev.Proximity <= proximityBlendThreshold {
		return
	}
	weight := proximityBlendCap * ev.Proximity
	if weight > proximityBlendCap {
		weight = proximityBlendCap
	}

	var at HLCTimestamp
	n.do(func(n *Node) {
		n.emotional = n.emotional.Blend(ev.EmotionalVector, weight)
		at = n.hlc.Now()
	})

	n.peers.Upsert(models.NodeState{
		NodeID:          ev.NodeID,
		Name:            ev.Name,
		EmotionalVector: ev.EmotionalVector,
		LastUpdate:      ev.LastSeen,
	}, at)
}
