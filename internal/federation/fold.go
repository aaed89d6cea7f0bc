package federation

import (
	"context"

	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/ports"
)

// handleFoldPropagation is the ingress handler for FOLD_PROPAGATION.
// spec.md's REDESIGN FLAGS leave its mutation semantics unspecified and
// direct the core to treat it as opaque: forward it to the Signer port and
// do nothing else. If no Signer is configured the message is dropped.
func (n *Node) handleFoldPropagation(msg models.Message) {
	if n.cfg.Signer == nil {
		return
	}
	ev := n.currentEmotion()
	if msg.EmotionalVector != nil {
		ev = *msg.EmotionalVector
	}
	ctx := context.Background()
	sc := ports.SignContext{Scale: msg.ScaleLevel, Fold: msg.FoldPattern}
	if _, err := n.cfg.Signer.Sign(ctx, msg.SenderID, ev, sc); err != nil {
		n.logger.Debug("fold propagation forward failed", "error", err, "sender_id", msg.SenderID)
	}
}
