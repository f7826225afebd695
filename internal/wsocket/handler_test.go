package wsocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bossdb_rag_go_backend/cmd/api/config"
	"bossdb_rag_go_backend/internal/services"
	"bossdb_rag_go_backend/internal/testutil"
	"bossdb_rag_go_backend/internal/utils/broker"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoQuerier struct{}

func (echoQuerier) Query(ctx context.Context, memory services.ConversationMemory, question string) (services.QueryResult, error) {
	return services.QueryResult{Response: "echo: " + question, Sources: []services.Source{}}, nil
}

type spaceCounter struct{}

func (spaceCounter) CountTokens(text, model string) int { return len(strings.Fields(text)) }

type wsFixture struct {
	server   *httptest.Server
	sessions *services.ChatSessionService
}

func newWSFixture(t *testing.T, limits config.LimitsConfig) wsFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	chats := services.NewChatServiceDB(db)
	tracker := services.NewUsageTracker(db, spaceCounter{}, "test-model", limits)
	factory := func() services.ConversationMemory {
		return services.NewWindowMemory(spaceCounter{}, "test-model", 0)
	}
	sessions := services.NewChatSessionService(tracker, chats, factory, time.Hour)
	b := broker.NewBroker()
	chat := services.NewRAGChatService(sessions, tracker, chats, echoQuerier{}, b)

	handler := NewHandler(chat, websocket.Upgrader{}, b)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)
	return wsFixture{server: server, sessions: sessions}
}

func (f wsFixture) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// readUntil skips interleaved usage updates until a message of msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) Message {
	t.Helper()
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestHandleWebSocket(t *testing.T) {
	ctx := context.Background()

	t.Run("Chat message gets a response and a usage update", func(t *testing.T) {
		f := newWSFixture(t, config.LimitsConfig{MaxQuestions: 10})
		session, err := f.sessions.StartSession(ctx, "127.0.0.1")
		require.NoError(t, err)
		conn := f.dial(t, session.ID)

		require.NoError(t, conn.WriteJSON(Message{Type: "message", Content: "What is BossDB?"}))

		// the usage update is published before the response is written
		seen := map[string]Message{}
		for len(seen) < 2 {
			var msg Message
			require.NoError(t, conn.ReadJSON(&msg))
			seen[msg.Type] = msg
		}

		var result services.TurnResult
		require.NoError(t, json.Unmarshal(seen["response"].Data, &result))
		assert.Equal(t, "echo: What is BossDB?", result.Response)
		assert.Equal(t, 1, result.Usage.QuestionCount)

		update := seen["usage_update"]
		var usage services.UsageSnapshot
		require.NoError(t, json.Unmarshal(update.Data, &usage))
		assert.Equal(t, 10, usage.MaxQuestions)
	})

	t.Run("Limit is reported as an error message", func(t *testing.T) {
		f := newWSFixture(t, config.LimitsConfig{MaxQuestions: 1, MaxWords: 50})
		session, err := f.sessions.StartSession(ctx, "127.0.0.1")
		require.NoError(t, err)
		conn := f.dial(t, session.ID)

		require.NoError(t, conn.WriteJSON(Message{Type: "message", Content: "first"}))
		readUntil(t, conn, "response")
		require.NoError(t, conn.WriteJSON(Message{Type: "message", Content: "second"}))

		msg := readUntil(t, conn, "error")
		assert.Equal(t, "You have reached the usage limit. Maximum 1 questions allowed.", msg.Content)
	})

	t.Run("Terminate ends the session", func(t *testing.T) {
		f := newWSFixture(t, config.LimitsConfig{})
		session, err := f.sessions.StartSession(ctx, "127.0.0.1")
		require.NoError(t, err)
		conn := f.dial(t, session.ID)

		require.NoError(t, conn.WriteJSON(Message{Type: "terminate"}))
		msg := readUntil(t, conn, "info")
		assert.Equal(t, "Chat session terminated successfully", msg.Content)

		_, err = f.sessions.Get(session.ID)
		assert.ErrorIs(t, err, services.ErrSessionNotFound)
	})

	t.Run("Unknown session is rejected before upgrade", func(t *testing.T) {
		f := newWSFixture(t, config.LimitsConfig{})
		url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?session_id=missing"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Missing session id", func(t *testing.T) {
		f := newWSFixture(t, config.LimitsConfig{})
		resp, err := http.Get(f.server.URL + "/ws")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
