package ws

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
)

func setupTestManager(t *testing.T) (*Manager, *httptest.Server, chan *Connection) {
	t.Helper()

	m := NewManager()
	connCh := make(chan *Connection, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		conn := m.Connect(c)
		connCh <- conn
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	return m, server, connCh
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readMessage(t *testing.T, c *websocket.Conn) OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := c.Read(ctx)
	require.NoError(t, err)

	var msg OutboundMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestManager_ConnectRegistersConnection(t *testing.T) {
	m, server, connCh := setupTestManager(t)
	dial(t, server)

	conn := <-connCh
	got, ok := m.Get(conn.ID)
	require.True(t, ok)
	require.Equal(t, conn.ID, got.ID)
}

func TestManager_AuthenticateMakesConnectionReachableByUser(t *testing.T) {
	m, server, connCh := setupTestManager(t)
	dial(t, server)
	conn := <-connCh

	userID := uuid.New()
	require.NoError(t, m.Authenticate(conn.ID, userID, nil, "web"))

	got, _ := m.Get(conn.ID)
	snap := got.snapshot()
	require.True(t, snap.Authenticated)
	require.Equal(t, userID, snap.UserID)
}

func TestManager_SendMessageDeliversProjectedMetadata(t *testing.T) {
	m, server, connCh := setupTestManager(t)
	client := dial(t, server)
	conn := <-connCh

	err := m.SendMessage(context.Background(), conn.ID,
		OutboundMessage{Type: "chat.token", Payload: map[string]any{"token": "hi"}},
		ProjectionContext{RequestID: "req-1", PipelineRunID: "run-1"})
	require.NoError(t, err)

	msg := readMessage(t, client)
	require.Equal(t, "chat.token", msg.Type)
	require.Equal(t, "req-1", msg.Metadata["request_id"])
}

func TestManager_SendMessageToUnknownConnectionIsASilentSkip(t *testing.T) {
	m := NewManager()
	err := m.SendMessage(context.Background(), "does-not-exist", OutboundMessage{Type: "chat.token"}, ProjectionContext{})
	require.NoError(t, err)
}

func TestManager_SendToUserReachesAllOfAUsersConnections(t *testing.T) {
	m, server, connCh := setupTestManager(t)
	userID := uuid.New()

	clientA := dial(t, server)
	connA := <-connCh
	require.NoError(t, m.Authenticate(connA.ID, userID, nil, "web"))

	clientB := dial(t, server)
	connB := <-connCh
	require.NoError(t, m.Authenticate(connB.ID, userID, nil, "mobile"))

	err := m.SendToUser(context.Background(), userID, OutboundMessage{Type: "status.update"}, ProjectionContext{})
	require.NoError(t, err)

	readMessage(t, clientA)
	readMessage(t, clientB)
}

func TestManager_SendToUserPlatformFiltersByPlatform(t *testing.T) {
	m, server, connCh := setupTestManager(t)
	userID := uuid.New()

	webClient := dial(t, server)
	webConn := <-connCh
	require.NoError(t, m.Authenticate(webConn.ID, userID, nil, "web"))

	mobileClient := dial(t, server)
	mobileConn := <-connCh
	require.NoError(t, m.Authenticate(mobileConn.ID, userID, nil, "mobile"))

	err := m.SendToUserPlatform(context.Background(), userID, "mobile", OutboundMessage{Type: "status.update"}, ProjectionContext{})
	require.NoError(t, err)

	msg := readMessage(t, mobileClient)
	require.Equal(t, "status.update", msg.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err = webClient.Read(ctx)
	require.Error(t, err, "web connection should not have received the mobile-only message")
}

func TestManager_DisconnectRemovesFromBothIndexes(t *testing.T) {
	m, server, connCh := setupTestManager(t)
	dial(t, server)
	conn := <-connCh

	userID := uuid.New()
	require.NoError(t, m.Authenticate(conn.ID, userID, nil, "web"))

	m.Disconnect(conn.ID)

	_, ok := m.Get(conn.ID)
	require.False(t, ok)
	require.Equal(t, int64(1), m.DisconnectCount())

	err := m.SendToUser(context.Background(), userID, OutboundMessage{Type: "status.update"}, ProjectionContext{})
	require.NoError(t, err, "sending to a user with no remaining connections is a no-op, not an error")
}

func TestManager_SetPipelineModeRejectsInvalidValue(t *testing.T) {
	m, server, connCh := setupTestManager(t)
	dial(t, server)
	conn := <-connCh

	err := m.SetPipelineMode(conn.ID, config.PipelineMode("bogus"))
	require.Error(t, err)
}

func TestManager_GetPipelineModeFallsBackToServerDefault(t *testing.T) {
	m, server, connCh := setupTestManager(t)
	dial(t, server)
	conn := <-connCh

	require.Equal(t, config.PipelineModeFast, m.GetPipelineMode(conn.ID, config.PipelineModeFast))

	require.NoError(t, m.SetPipelineMode(conn.ID, config.PipelineModeAccurate))
	require.Equal(t, config.PipelineModeAccurate, m.GetPipelineMode(conn.ID, config.PipelineModeFast))
}

func TestManager_GetModelIDResolvesOverrideThenDefault(t *testing.T) {
	m, server, connCh := setupTestManager(t)
	dial(t, server)
	conn := <-connCh

	llm := config.LLMConfig{ModelChoice: config.ModelChoiceModel1, Model1ID: "model-one", Model2ID: "model-two"}

	id, err := m.GetModelID(conn.ID, llm)
	require.NoError(t, err)
	require.Equal(t, "model-one", id)

	require.NoError(t, m.SetModelChoice(conn.ID, config.ModelChoiceModel2))
	id, err = m.GetModelID(conn.ID, llm)
	require.NoError(t, err)
	require.Equal(t, "model-two", id)
}

func TestManager_DisconnectUserClosesEveryConnection(t *testing.T) {
	m, server, connCh := setupTestManager(t)
	userID := uuid.New()

	client := dial(t, server)
	conn := <-connCh
	require.NoError(t, m.Authenticate(conn.ID, userID, nil, "web"))

	m.DisconnectUser(userID, websocket.StatusNormalClosure, "revoked")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := client.Read(ctx)
	require.Error(t, err)

	_, ok := m.Get(conn.ID)
	require.False(t, ok)
}
