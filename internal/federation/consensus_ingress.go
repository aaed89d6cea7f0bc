package federation

import (
	"context"
	"time"

	"github.com/pulsemesh/pulsemesh/internal/consensus"
	"github.com/pulsemesh/pulsemesh/internal/models"
	"github.com/pulsemesh/pulsemesh/internal/perr"
	"github.com/pulsemesh/pulsemesh/internal/ports"
)

// RequestConsensus implements spec.md §4.6's request_consensus: generate a
// local response, broadcast a CONSENSUS_REQUEST, wait for quorum or
// deadline, then reduce. Concurrent calls are safe and independent — each
// gets its own request_id and only ever sees responses addressed to it.
func (n *Node) RequestConsensus(ctx context.Context, prompt, system string, history []string, minParticipants int, timeout time.Duration, method consensus.Method) (consensus.Result, error) {
	local, err := n.cfg.Generator.Generate(ctx, ports.GenerateRequest{Prompt: prompt, System: system, History: history})
	if err != nil {
		return consensus.Result{}, perr.Wrap(perr.KindGeneratorFailure, "federation.RequestConsensus", "local generation failed", err)
	}

	requestID := models.NewID()
	deadline := time.Now().Add(timeout)

	localResponse := n.toConsensusResponse(n.cfg.NodeID, local)

	n.do(func(n *Node) {
		n.active[requestID] = &pendingRequest{
			id:        requestID,
			prompt:    prompt,
			method:    method,
			responses: map[string]consensus.Response{n.cfg.NodeID: localResponse},
			deadline:  deadline,
		}
	})

	n.broadcastConsensusRequest(ctx, requestID, prompt, system, history, method, local.Content, deadline)

	n.waitForQuorumOrDeadline(ctx, requestID, minParticipants, deadline)

	var snapshot map[string]consensus.Response
	var result consensus.Result
	n.do(func(n *Node) {
		pending, ok := n.active[requestID]
		if !ok {
			snapshot = map[string]consensus.Response{n.cfg.NodeID: localResponse}
		} else {
			snapshot = pending.responses
		}
		delete(n.active, requestID)
		result = consensus.Reduce(method, snapshot, prompt, n.adaptive)
	})

	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	result.Metadata["distributed"] = len(snapshot) > 1
	result.Metadata["node_count"] = len(snapshot)

	return result, nil
}

// toConsensusResponse builds a consensus.Response from a Generator result,
// computing its content vector locally via the FFT codec rather than
// trusting any wire-carried vector (spec.md's CONSENSUS_RESPONSE wire
// payload has no content_vector field).
func (n *Node) toConsensusResponse(nodeID string, g ports.GenerateResponse) consensus.Response {
	var vec models.Vector
	if n.cfg.FFT != nil {
		vec = n.cfg.FFT.Embed(g.Content)
	}
	return consensus.Response{
		NodeID:          nodeID,
		Content:         g.Content,
		ContentVector:   vec,
		ModelID:         g.ModelID,
		Confidence:      g.Confidence,
		Resonance:       g.Resonance,
		ConsentVerified: g.ConsentVerified,
	}
}

func (n *Node) broadcastConsensusRequest(ctx context.Context, requestID, prompt, system string, history []string, method consensus.Method, preview string, deadline time.Time) {
	payload := consensusRequestPayload{
		RequestID:    requestID,
		Prompt:       prompt,
		System:       system,
		History:      history,
		Method:       method,
		LocalPreview: preview,
		Deadline:     deadline.UnixMilli(),
	}
	msg := models.Message{
		MessageID:       models.NewID(),
		SenderID:        n.cfg.NodeID,
		SenderName:      n.cfg.NodeName,
		Layer:           models.LayerWiFiMesh,
		Intent:          models.IntentConsensusRequest,
		Priority:        models.PriorityHigh,
		Content:         prompt,
		ConsentVerified: false,
		Timestamp:       float64(time.Now().UnixNano()) / 1e9,
		Metadata:        encodeMetadata(payload),
	}
	if err := n.cfg.Transport.Send(ctx, msg); err != nil {
		n.logger.Warn("consensus request broadcast failed", "error", err, "request_id", requestID)
	}
}

// waitForQuorumOrDeadline polls at defaultPollInterval (≤1s per spec.md §5)
// until either minParticipants responses have arrived or deadline passes.
func (n *Node) waitForQuorumOrDeadline(ctx context.Context, requestID string, minParticipants int, deadline time.Time) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		var count int
		n.do(func(n *Node) {
			if p, ok := n.active[requestID]; ok {
				count = len(p.responses)
			}
		})
		if count >= minParticipants || !time.Now().Before(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleConsensusRequest is the ingress handler for a remote
// CONSENSUS_REQUEST, per spec.md §4.6: generate a local response and reply
// directly to the requester. Duplicate requests (already seen request_id)
// are dropped. Generator failure is logged; no response is sent.
func (n *Node) handleConsensusRequest(msg models.Message) {
	var payload consensusRequestPayload
	if err := decodeMetadata(msg.Metadata, &payload); err != nil {
		return
	}

	var duplicate bool
	n.do(func(n *Node) {
		if _, seen := n.seenRequests.Get(payload.RequestID); seen {
			duplicate = true
			return
		}
		n.seenRequests.Set(payload.RequestID, true)
	})
	if duplicate {
		return
	}

	ctx := context.Background()
	response, err := n.cfg.Generator.Generate(ctx, ports.GenerateRequest{Prompt: payload.Prompt, System: payload.System, History: payload.History})
	if err != nil {
		n.logger.Info("generator failed for remote consensus request", "error", err, "request_id", payload.RequestID)
		return
	}

	reply := consensusResponsePayload{
		RequestID:       payload.RequestID,
		Content:         response.Content,
		ModelID:         response.ModelID,
		Confidence:      response.Confidence,
		Resonance:       response.Resonance,
		ConsentVerified: response.ConsentVerified,
	}
	receiver := msg.SenderID
	out := models.Message{
		MessageID:       models.NewID(),
		SenderID:        n.cfg.NodeID,
		SenderName:      n.cfg.NodeName,
		ReceiverID:      &receiver,
		Layer:           models.LayerWiFiMesh,
		Intent:          models.IntentConsensusResponse,
		Priority:        models.PriorityHigh,
		Content:         response.Content,
		ConsentVerified: response.ConsentVerified,
		Timestamp:       float64(time.Now().UnixNano()) / 1e9,
		Metadata:        encodeMetadata(reply),
	}
	if err := n.cfg.Transport.Send(ctx, out); err != nil {
		n.logger.Warn("consensus response send failed", "error", err, "request_id", payload.RequestID)
	}
}

// handleConsensusResponse is the ingress handler for a direct
// CONSENSUS_RESPONSE: if request_id is still active, record the response
// under sender_id (a duplicate from the same peer overwrites the earlier
// one via plain map assignment).
func (n *Node) handleConsensusResponse(msg models.Message) {
	var payload consensusResponsePayload
	if err := decodeMetadata(msg.Metadata, &payload); err != nil {
		return
	}

	response := n.toConsensusResponse(msg.SenderID, ports.GenerateResponse{
		Content:         payload.Content,
		ModelID:         payload.ModelID,
		Confidence:      payload.Confidence,
		Resonance:       payload.Resonance,
		ConsentVerified: payload.ConsentVerified,
	})

	n.do(func(n *Node) {
		pending, ok := n.active[payload.RequestID]
		if !ok {
			return
		}
		pending.responses[msg.SenderID] = response
	})
}
