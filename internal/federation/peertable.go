package federation

import (
	"time"

	"github.com/pulsemesh/pulsemesh/internal/models"
)

// peerTTL is the default PeerTable entry lifetime, per spec.md §3's "older
// than a configurable TTL (default 30s)" rule.
const peerTTL = 30 * time.Second

// peerEntry pairs a NodeState with the HLC timestamp passed to Upsert. The
// coordinator passes its local HLC reading at receipt, so entries order by
// arrival, not by the sender's send time.
type peerEntry struct {
	state models.NodeState
	at    HLCTimestamp
}

// PeerTable tracks every node seen via STATE broadcasts or proximity
// sightings, keyed by node_id, per spec.md §3's PeerTable lifecycle: created
// on first STATE ingress, refreshed on every subsequent one, and culled
// after peerTTL of silence.
type PeerTable struct {
	cache *TTLCache[peerEntry]
}

// NewPeerTable creates an empty PeerTable.
func NewPeerTable() *PeerTable {
	return &PeerTable{cache: NewTTLCache[peerEntry](peerTTL, 10000)}
}

// Upsert records state as observed at hlc time. If an entry already exists
// for state.NodeID with a later-or-equal HLC timestamp, the update is
// rejected as stale and false is returned.
func (t *PeerTable) Upsert(state models.NodeState, at HLCTimestamp) bool {
	if existing, ok := t.cache.Get(state.NodeID); ok {
		if !existing.at.Before(at) {
			return false
		}
	}
	t.cache.Set(state.NodeID, peerEntry{state: state, at: at})
	return true
}

// Get returns the current NodeState for nodeID, if still within its TTL.
func (t *PeerTable) Get(nodeID string) (models.NodeState, bool) {
	e, ok := t.cache.Get(nodeID)
	return e.state, ok
}

// Snapshot returns every currently live NodeState, evicting any entries
// that have aged past peerTTL.
func (t *PeerTable) Snapshot() []models.NodeState {
	entries := t.cache.Snapshot()
	out := make([]models.NodeState, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.state)
	}
	return out
}

// Len returns the number of tracked peers (including entries that may have
// expired since the last scan).
func (t *PeerTable) Len() int { return t.cache.Len() }
