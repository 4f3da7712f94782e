package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// OutboundMessage is the wire shape for every message sent to a client:
// {type, payload, metadata?}.
type OutboundMessage struct {
	Type     string         `json:"type"`
	Payload  any            `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProjectionContext carries the values the projector stamps onto every
// outbound message's metadata. Callers pass it explicitly on each send —
// typically threaded down from the pipeline.Params that started the run —
// rather than having the projector read it from a goroutine-local or
// package-level variable.
type ProjectionContext struct {
	RequestID     string
	PipelineRunID string
	OrgID         *uuid.UUID
}

const (
	violationDuplicateChatComplete = "duplicate_chat_complete"
	violationMissingChatComplete   = "missing_chat_complete"
)

// Projector enriches outbound messages with metadata and counts violations
// of the chat.complete contract (at most one per pipeline run, and never
// zero once a run reports itself complete); a violating message is still
// passed through unchanged. It is stateful across the lifetime of the
// server, not per-connection, since chat_complete_counts_by_run is keyed by
// run ID, which outlives any one socket.
type Projector struct {
	mu sync.Mutex

	emitCounts              map[string]int64
	chatCompleteCountsByRun map[string]int64
	contractViolationCounts map[string]int64

	now func() time.Time
}

// NewProjector returns an empty Projector ready to use.
func NewProjector() *Projector {
	return &Projector{
		emitCounts:              make(map[string]int64),
		chatCompleteCountsByRun: make(map[string]int64),
		contractViolationCounts: make(map[string]int64),
		now:                     time.Now,
	}
}

// Project stamps {request_id, pipeline_run_id, org_id, timestamp} onto
// msg.Metadata and updates the emit and contract-violation counters. It
// returns the enriched message; the caller still owns serialization and the
// actual socket write (see [Manager.SendMessage]).
func (p *Projector) Project(msg OutboundMessage, pctx ProjectionContext) OutboundMessage {
	metadata := make(map[string]any, len(msg.Metadata)+4)
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	metadata["request_id"] = pctx.RequestID
	metadata["pipeline_run_id"] = pctx.PipelineRunID
	if pctx.OrgID != nil {
		metadata["org_id"] = pctx.OrgID.String()
	}
	metadata["timestamp"] = p.now()
	msg.Metadata = metadata

	p.mu.Lock()
	defer p.mu.Unlock()

	p.emitCounts[msg.Type]++

	if msg.Type == "chat.complete" && pctx.PipelineRunID != "" {
		p.chatCompleteCountsByRun[pctx.PipelineRunID]++
		if p.chatCompleteCountsByRun[pctx.PipelineRunID] > 1 {
			p.contractViolationCounts[violationDuplicateChatComplete]++
		}
	}

	if msg.Type == "status.update" && pctx.PipelineRunID != "" {
		if service, status, ok := statusFields(msg.Payload); ok && service == "pipeline" && isTerminalStatus(status) {
			if p.chatCompleteCountsByRun[pctx.PipelineRunID] == 0 {
				p.contractViolationCounts[violationMissingChatComplete]++
			}
		}
	}

	return msg
}

func isTerminalStatus(status string) bool {
	return status == "completed" || status == "complete"
}

// statusFields pulls service/status out of a status.update payload, which
// may arrive as a map[string]any (the common case, built by internal/stages
// and internal/pipeline) or a struct with matching fields is not supported —
// callers that build typed payloads must pass them through as maps before
// projection.
func statusFields(payload any) (service, status string, ok bool) {
	m, isMap := payload.(map[string]any)
	if !isMap {
		return "", "", false
	}
	service, _ = m["service"].(string)
	status, _ = m["status"].(string)
	return service, status, service != "" || status != ""
}

// EmitCounts returns a snapshot of per-message-type emit counts.
func (p *Projector) EmitCounts() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyCounts(p.emitCounts)
}

// ContractViolationCounts returns a snapshot of contract-violation counts,
// keyed by violation name ("duplicate_chat_complete", "missing_chat_complete").
func (p *Projector) ContractViolationCounts() map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyCounts(p.contractViolationCounts)
}

// ChatCompleteCount returns how many chat.complete messages have been
// projected for runID so far.
func (p *Projector) ChatCompleteCount(runID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chatCompleteCountsByRun[runID]
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
