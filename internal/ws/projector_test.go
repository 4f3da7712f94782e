package ws

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjector_StampsMetadata(t *testing.T) {
	p := NewProjector()
	orgID := uuid.New()

	out := p.Project(OutboundMessage{Type: "chat.token", Payload: map[string]any{"token": "hi"}},
		ProjectionContext{RequestID: "req-1", PipelineRunID: "run-1", OrgID: &orgID})

	require.Equal(t, "req-1", out.Metadata["request_id"])
	require.Equal(t, "run-1", out.Metadata["pipeline_run_id"])
	require.Equal(t, orgID.String(), out.Metadata["org_id"])
	require.NotNil(t, out.Metadata["timestamp"])
}

func TestProjector_EmitCountsByType(t *testing.T) {
	p := NewProjector()
	pctx := ProjectionContext{RequestID: "r", PipelineRunID: "run-1"}

	p.Project(OutboundMessage{Type: "chat.token"}, pctx)
	p.Project(OutboundMessage{Type: "chat.token"}, pctx)
	p.Project(OutboundMessage{Type: "chat.complete"}, pctx)

	counts := p.EmitCounts()
	assert.Equal(t, int64(2), counts["chat.token"])
	assert.Equal(t, int64(1), counts["chat.complete"])
}

func TestProjector_SecondChatCompleteForSameRunIsAContractViolation(t *testing.T) {
	p := NewProjector()
	pctx := ProjectionContext{RequestID: "r", PipelineRunID: "run-1"}

	p.Project(OutboundMessage{Type: "chat.complete"}, pctx)
	if got := p.ChatCompleteCount("run-1"); got != 1 {
		t.Fatalf("chat complete count = %d, want 1", got)
	}
	if v := p.ContractViolationCounts()[violationDuplicateChatComplete]; v != 0 {
		t.Fatalf("duplicate violation count = %d, want 0 after a single chat.complete", v)
	}

	p.Project(OutboundMessage{Type: "chat.complete"}, pctx)

	assert.Equal(t, int64(2), p.ChatCompleteCount("run-1"))
	assert.Equal(t, int64(1), p.ContractViolationCounts()[violationDuplicateChatComplete])
}

func TestProjector_PipelineCompletedWithoutChatCompleteIsAContractViolation(t *testing.T) {
	p := NewProjector()
	pctx := ProjectionContext{RequestID: "r", PipelineRunID: "run-2"}

	p.Project(OutboundMessage{
		Type:    "status.update",
		Payload: map[string]any{"service": "pipeline", "status": "completed"},
	}, pctx)

	assert.Equal(t, int64(1), p.ContractViolationCounts()[violationMissingChatComplete])
}

func TestProjector_PipelineCompletedAfterChatCompleteIsNotAViolation(t *testing.T) {
	p := NewProjector()
	pctx := ProjectionContext{RequestID: "r", PipelineRunID: "run-3"}

	p.Project(OutboundMessage{Type: "chat.complete"}, pctx)
	p.Project(OutboundMessage{
		Type:    "status.update",
		Payload: map[string]any{"service": "pipeline", "status": "complete"},
	}, pctx)

	assert.Equal(t, int64(0), p.ContractViolationCounts()[violationMissingChatComplete])
}

func TestProjector_NonPipelineStatusUpdateIsIgnoredByContractCheck(t *testing.T) {
	p := NewProjector()
	pctx := ProjectionContext{RequestID: "r", PipelineRunID: "run-4"}

	p.Project(OutboundMessage{
		Type:    "status.update",
		Payload: map[string]any{"service": "summary", "status": "completed"},
	}, pctx)

	assert.Equal(t, int64(0), p.ContractViolationCounts()[violationMissingChatComplete])
}
