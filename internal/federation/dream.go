package federation

import (
	"context"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/models"
)

// StoreDream implements spec.md §4.6's store_dream: persists a
// Record{kind=dream} and broadcasts a DREAM message carrying the same
// content so remote peers can mirror it into their own persistence.
func (n *Node) StoreDream(ctx context.Context, content string, tags []string) (models.Record, error) {
	record, err := n.cfg.Persistence.StoreDream(ctx, content, nil, tags)
	if err != nil {
		return models.Record{}, err
	}

	payload := dreamPayload{Content: content, Tags: tags}
	msg := models.Message{
		MessageID:       models.NewID(),
		SenderID:        n.cfg.NodeID,
		SenderName:      n.cfg.NodeName,
		Layer:           models.LayerWiFiMesh,
		Intent:          models.IntentDreamSharing,
		Priority:        models.PriorityDream,
		Content:         content,
		ConsentVerified: false,
		Timestamp:       float64(time.Now().UnixNano()) / 1e9,
		Metadata:        encodeMetadata(payload),
	}
	if err := n.cfg.Transport.Send(ctx, msg); err != nil {
		n.logger.Warn("dream broadcast failed", "error", err, "record_id", record.RecordID)
	}

	return record, nil
}

// handleDreamIngress reconstructs a shared dream Record from an incoming
// DREAM message and enqueues it into local persistence, per spec.md §4.6:
// "Remote peers receiving DREAM reconstruct a Record{kind=dream,
// metadata.shared=true} and enqueue it into their own persistence."
func (n *Node) handleDreamIngress(msg models.Message) {
	var payload dreamPayload
	if err := decodeMetadata(msg.Metadata, &payload); err != nil {
		return
	}

	record := models.Record{
		Kind:         models.RecordKindDream,
		Content:      payload.Content,
		Tags:         payload.Tags,
		AuthorNodeID: msg.SenderID,
		AuthorName:   msg.SenderName,
		Metadata:     map[string]any{"shared": true},
	}
	ctx := context.Background()
	if _, err := n.cfg.Persistence.Store(ctx, record); err != nil {
		n.logger.Warn("storing shared dream failed", "error", err, "sender_id", msg.SenderID)
	}
}
