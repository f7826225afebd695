package wsocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"bossdb_rag_go_backend/internal/services"
	"bossdb_rag_go_backend/internal/utils/broker"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	chat     *services.RAGChatService
	upgrader websocket.Upgrader
	broker   *broker.Broker
}

type Message struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewHandler(chat *services.RAGChatService, upgrader websocket.Upgrader, messageBroker *broker.Broker) *Handler {
	return &Handler{
		chat:     chat,
		upgrader: upgrader,
		broker:   messageBroker,
	}
}

// conn serializes writes from the reader loop and the usage pusher.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *conn) sendData(msgType, sessionID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(Message{Type: msgType, SessionID: sessionID, Data: data})
}

func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "No session_id provided", http.StatusBadRequest)
		return
	}
	session, err := h.chat.Sessions().Get(sessionID)
	if err != nil {
		http.Error(w, "Chat session not found", http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error upgrading connection")
		return
	}
	defer ws.Close()
	c := &conn{ws: ws}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	topic := broker.UsageTopic(session.UserIdentifier)
	updates := h.broker.Subscribe(topic)
	defer h.broker.Unsubscribe(topic, updates)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if err := c.sendData("usage_update", sessionID, update); err != nil {
					log.Debug().Err(err).Str("session_id", sessionID).Msg("Error sending usage update")
					return
				}
			}
		}
	}()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("Error reading message")
			}
			return
		}

		switch msg.Type {
		case "message":
			h.handleChatMessage(ctx, c, sessionID, msg.Content)
		case "terminate":
			if err := h.chat.Sessions().EndSession(ctx, sessionID, services.UserInitiated); err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("Error ending chat session")
				c.send(Message{Type: "error", Content: "Failed to end chat session", SessionID: sessionID})
				continue
			}
			c.send(Message{Type: "info", Content: "Chat session terminated successfully", SessionID: sessionID})
			return
		default:
			c.send(Message{Type: "error", Content: "Unknown message type: " + msg.Type, SessionID: sessionID})
		}
	}
}

func (h *Handler) handleChatMessage(ctx context.Context, c *conn, sessionID, content string) {
	if content == "" {
		c.send(Message{Type: "error", Content: "Message content is required", SessionID: sessionID})
		return
	}

	result, err := h.chat.SendMessage(ctx, sessionID, content)
	if err != nil {
		text := services.FailureMessage
		if errors.Is(err, services.ErrLimitExceeded) {
			text = services.RefusalMessage(err, h.chat.Limits())
		}
		c.send(Message{Type: "error", Content: text, SessionID: sessionID})
		return
	}

	if err := c.sendData("response", sessionID, result); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("Error sending response")
	}
}
