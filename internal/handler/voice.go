package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/stages"
	"github.com/pipelined/pipelined/pkg/stage"
	"github.com/pipelined/pipelined/pkg/types"
)

// voiceBuffers accumulates inbound audio chunks per connection between
// voice.start and voice.end. A connection only ever has one turn in flight
// at a time — the client is expected to wait for voice.complete before
// starting another — so the buffer is keyed by connection ID, not by turn.
type voiceBuffers struct {
	mu   sync.Mutex
	data map[string]*voiceTurn
}

type voiceTurn struct {
	sessionID uuid.UUID
	format    string
	audio     []byte
}

func newVoiceBuffers() *voiceBuffers {
	return &voiceBuffers{data: make(map[string]*voiceTurn)}
}

func (b *voiceBuffers) start(connID string, sessionID uuid.UUID, format string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[connID] = &voiceTurn{sessionID: sessionID, format: format}
}

func (b *voiceBuffers) append(connID string, chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	turn, ok := b.data[connID]
	if !ok {
		turn = &voiceTurn{}
		b.data[connID] = turn
	}
	turn.audio = append(turn.audio, chunk...)
}

func (b *voiceBuffers) take(connID string) (*voiceTurn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	turn, ok := b.data[connID]
	if ok {
		delete(b.data, connID)
	}
	return turn, ok
}

type voiceStartPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Format    string `json:"format"`
}

type voiceChunkPayload struct {
	Data string `json:"data"`
}

type voiceEndPayload struct {
	MessageID string `json:"messageId"`
}

// handleVoiceStart resets the connection's audio buffer for a new turn and
// acknowledges with a recording status, per spec §6.1.
func (h *Handler) handleVoiceStart(ctx context.Context, connID string, raw json.RawMessage) error {
	var payload voiceStartPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.sendError(ctx, connID, "", "", "invalid_payload", err.Error())
	}

	conn, ok := h.manager.Get(connID)
	if !ok {
		return nil
	}
	snap := conn.Snapshot()
	if !snap.Authenticated {
		return h.sendError(ctx, connID, "", "", "unauthenticated", "auth required before voice.start")
	}

	sessionID, err := h.resolveConnSessionID(ctx, connID, payload.SessionID, snap)
	if err != nil {
		return h.sendError(ctx, connID, "", "", "invalid_session_id", err.Error())
	}

	h.voice.start(connID, sessionID, payload.Format)
	return h.send(ctx, connID, "status.update", map[string]any{
		"service": "voice", "status": "recording", "metadata": map[string]any{"format": payload.Format},
	})
}

// handleVoiceChunk appends one base64-encoded audio chunk to the
// connection's in-flight buffer.
func (h *Handler) handleVoiceChunk(ctx context.Context, connID string, raw json.RawMessage) error {
	var payload voiceChunkPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.sendError(ctx, connID, "", "", "invalid_payload", err.Error())
	}

	chunk, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return h.sendError(ctx, connID, "", "", "invalid_audio_chunk", err.Error())
	}

	h.voice.append(connID, chunk)
	return nil
}

// handleVoiceEnd finalizes the buffered audio into one voice-channel
// pipeline run: STT transcribes it, the router/enrich/llm_stream chain
// produces a response, and TTS speaks it back inline through
// Params.SendAudioChunk. The resulting audio bytes, transcript, and
// response text are bundled into one voice.complete reply.
func (h *Handler) handleVoiceEnd(ctx context.Context, connID string, raw json.RawMessage) error {
	var payload voiceEndPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return h.sendError(ctx, connID, "", "", "invalid_payload", err.Error())
	}

	conn, ok := h.manager.Get(connID)
	if !ok {
		return nil
	}
	snap := conn.Snapshot()
	if !snap.Authenticated {
		return h.sendError(ctx, connID, "", "", "unauthenticated", "auth required before voice.end")
	}

	turn, ok := h.voice.take(connID)
	if !ok {
		return h.sendError(ctx, connID, "", "", "no_active_turn", "voice.end received without a preceding voice.start")
	}

	mode := h.manager.GetPipelineMode(connID, h.llm.PipelineMode)
	topology := topologyFor(types.ChannelVoice, mode)

	sessionID := turn.sessionID
	if sessionID == uuid.Nil {
		sessionID = snap.SessionID
	}

	state, err := h.sessions.GetOrCreate(ctx, sessionID, topology, types.BehaviorFreeConversation)
	if err != nil {
		return h.sendError(ctx, connID, "", "", "session_state_error", err.Error())
	}

	history, err := h.history(ctx, sessionID)
	if err != nil {
		return h.sendError(ctx, connID, "", "", "history_load_error", err.Error())
	}

	runID := uuid.New()
	snapshot := types.ContextSnapshot{
		PipelineRunID: runID,
		SessionID:     sessionID,
		UserID:        snap.UserID,
		OrgID:         snap.OrgID,
		Topology:      topology,
		Channel:       types.ChannelVoice,
		Behavior:      state.Behavior,
		Messages:      history,
	}

	var audioOut []byte
	var audioFormat string
	var outputs map[string]stage.Output
	params := pipeline.Params{
		Service:     "voice",
		Topology:    topology,
		Behavior:    state.Behavior,
		QualityMode: string(mode),
		SessionID:   sessionID,
		UserID:      snap.UserID,
		OrgID:       snap.OrgID,
		RunID:       runID,
		Snapshot:    snapshot,
		RawAudio:    turn.audio,
		SendStatus: func(service, status string, metadata map[string]any) {
			h.sendStatus(ctx, connID, "", runID, service, status, metadata)
		},
		SendAudioChunk: func(data []byte, format string, _ int, _ bool) {
			audioOut = append(audioOut, data...)
			audioFormat = format
		},
	}

	run, err := h.orchestrator.Run(ctx, params, runner(h.executorFor(types.ChannelVoice), &outputs))
	if err != nil {
		return h.sendError(ctx, connID, "", runID.String(), "pipeline_error", err.Error())
	}
	if !run.Success {
		return h.sendVoiceOutcome(ctx, connID, runID, payload.MessageID, run)
	}

	transcript, _ := outputs[stages.StageSTT].Data["transcript"].(string)
	response, _ := outputs[stages.StageLLM].Data["full_text"].(string)
	h.maybeSummarize(ctx, connID, "", runID, sessionID)

	completePayload := map[string]any{
		"messageId":  payload.MessageID,
		"transcript": transcript,
		"response":   response,
	}
	if len(audioOut) > 0 {
		completePayload["audio"] = base64.StdEncoding.EncodeToString(audioOut)
		completePayload["audioFormat"] = audioFormat
	}
	return h.send(ctx, connID, "voice.complete", completePayload)
}

// sendVoiceOutcome reports a cancelled or failed voice run. A cancelled run
// (empty audio, empty transcript) is not surfaced as an error — per the
// cooperative-termination contract STTStage relies on, it is reported as a
// skipped turn instead.
func (h *Handler) sendVoiceOutcome(ctx context.Context, connID string, runID uuid.UUID, messageID string, run *pipeline.Run) error {
	if stt := run.Stages[stages.StageSTT]; stt.Status == "CANCEL" {
		return h.send(ctx, connID, "voice.skipped", map[string]any{"messageId": messageID, "reason": "no speech detected"})
	}
	return h.sendError(ctx, connID, "", runID.String(), "pipeline_failed", run.Error)
}
