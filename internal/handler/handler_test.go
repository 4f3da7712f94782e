package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pipelined/pipelined/internal/config"
	"github.com/pipelined/pipelined/internal/guardrails"
	"github.com/pipelined/pipelined/internal/handler"
	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/policy"
	"github.com/pipelined/pipelined/internal/resilience"
	"github.com/pipelined/pipelined/internal/store"
	"github.com/pipelined/pipelined/internal/ws"
	"github.com/pipelined/pipelined/pkg/provider/llm"
	llmmock "github.com/pipelined/pipelined/pkg/provider/llm/mock"
	sttmock "github.com/pipelined/pipelined/pkg/provider/stt/mock"
	"github.com/pipelined/pipelined/pkg/provider/tts"
	ttsmock "github.com/pipelined/pipelined/pkg/provider/tts/mock"
	"github.com/pipelined/pipelined/pkg/types"
)

type fakeAuthenticator struct {
	userID uuid.UUID
	err    error
}

func (f *fakeAuthenticator) Authenticate(context.Context, string) (uuid.UUID, *uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, nil, f.err
	}
	return f.userID, nil, nil
}

func closedFinal(text string) chan types.Transcript {
	ch := make(chan types.Transcript, 1)
	ch <- types.Transcript{Text: text}
	close(ch)
	return ch
}

func testDeps(t *testing.T, mem *store.Memory) pipeline.Deps {
	t.Helper()

	gateway, err := policy.New(config.PolicyConfig{Enabled: true})
	require.NoError(t, err)

	return pipeline.Deps{
		FastModelID:     "model-fast",
		AccurateModelID: "model-accurate",
		MaxTokens:       512,
		LLMProviderName: "primary",
		LLMProvider: &llmmock.Provider{
			StreamChunks: []llm.Chunk{{Text: "hello there"}, {FinishReason: "stop"}},
		},
		STTProviderName: "deepgram",
		STTProvider: &sttmock.Provider{
			Session: &sttmock.Session{FinalsCh: closedFinal("what's the weather")},
		},
		TTSProvider:  &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 1600)}},
		Voice:        tts.VoiceProfile{ID: "v1"},
		Interactions: mem.Interactions(),
		CallLogger: resilience.NewProviderCallLogger(resilience.NewRegistry(config.BreakerConfig{
			FailureThreshold: 1000, FailureWindow: 60, OpenDuration: 30, HalfOpenProbes: 1, ObserveOnly: true,
		})),
		Gateway: gateway,
		Guard:   guardrails.New(config.GuardConfig{Enabled: true}),
	}
}

func newTestHandler(t *testing.T, auth handler.Authenticator) (*handler.Handler, *ws.Manager) {
	t.Helper()

	mem := store.NewMemory()
	manager := ws.NewManager()
	orch := pipeline.New(pipeline.WithRunStore(mem.Runs()), pipeline.WithDeadLetterStore(mem))

	deps := testDeps(t, mem)
	h, err := handler.New(manager, orch, mem.SessionState(), mem.Interactions(), auth,
		config.LLMConfig{PipelineMode: config.PipelineModeFast}, deps, deps)
	require.NoError(t, err)
	return h, manager
}

func dialInto(t *testing.T, h *handler.Handler, manager *ws.Manager) (*websocket.Conn, string) {
	t.Helper()

	connCh := make(chan *ws.Connection, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, manager, config.CORSConfig{})
		if err != nil {
			return
		}
		connCh <- conn
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "") })

	conn := <-connCh
	return client, conn.ID
}

type testEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func send(t *testing.T, h *handler.Handler, connID, msgType string, payload any) {
	t.Helper()
	env, err := json.Marshal(testEnvelope{Type: msgType, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), connID, env))
}

func readTyped(t *testing.T, c *websocket.Conn) ws.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var msg ws.OutboundMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func readUntil(t *testing.T, c *websocket.Conn, msgType string) ws.OutboundMessage {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := readTyped(t, c)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("did not observe a %q message", msgType)
	return ws.OutboundMessage{}
}

func TestHandler_ChatTypedHappyPath(t *testing.T) {
	userID := uuid.New()
	h, manager := newTestHandler(t, &fakeAuthenticator{userID: userID})
	client, connID := dialInto(t, h, manager)

	send(t, h, connID, "auth", map[string]any{"token": "whatever", "platform": "web"})
	authMsg := readUntil(t, client, "auth.success")
	payload, _ := authMsg.Payload.(map[string]any)
	require.Equal(t, userID.String(), payload["userId"])

	send(t, h, connID, "chat.typed", map[string]any{
		"messageId": "m1", "requestId": "r1", "content": "hi there",
	})

	complete := readUntil(t, client, "chat.complete")
	completePayload, ok := complete.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hello there", completePayload["content"])
	require.Equal(t, "assistant", completePayload["role"])

	_, ok = manager.Get(connID)
	require.True(t, ok)
}

func TestHandler_ChatTypedRejectsUnauthenticated(t *testing.T) {
	h, manager := newTestHandler(t, &fakeAuthenticator{userID: uuid.New()})
	client, connID := dialInto(t, h, manager)

	send(t, h, connID, "chat.typed", map[string]any{
		"messageId": "m1", "requestId": "r1", "content": "hi",
	})

	errMsg := readUntil(t, client, "error")
	payload, _ := errMsg.Payload.(map[string]any)
	require.Equal(t, "unauthenticated", payload["code"])
}

func TestHandler_UnsupportedMessageTypeRepliesNotImplemented(t *testing.T) {
	h, manager := newTestHandler(t, &fakeAuthenticator{userID: uuid.New()})
	client, connID := dialInto(t, h, manager)

	send(t, h, connID, "skills.list", map[string]any{})

	errMsg := readUntil(t, client, "error")
	payload, _ := errMsg.Payload.(map[string]any)
	require.Equal(t, "not_implemented", payload["code"])
}

func TestHandler_SetPipelineModeRejectsInvalidValue(t *testing.T) {
	h, manager := newTestHandler(t, &fakeAuthenticator{userID: uuid.New()})
	client, connID := dialInto(t, h, manager)

	send(t, h, connID, "settings.setPipelineMode", map[string]any{"mode": "bogus"})

	errMsg := readUntil(t, client, "error")
	payload, _ := errMsg.Payload.(map[string]any)
	require.Equal(t, "invalid_pipeline_mode", payload["code"])
}
