package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nstogner/chatkeep/pkg/runner"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is what the browser sends. Type is "send" (the default) or
// "cancel".
type clientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// event is pushed to the browser while a reply is generated.
type event struct {
	Type      string `json:"type"` // fragment, reasoning, done, error
	SessionID string `json:"sessionId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Error     string `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) send(e event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(e); err != nil {
		slog.Debug("WebSocket write failed", "error", err)
	}
}

func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()
	conn := &wsConn{ws: ws}

	ctx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		cancelTurn context.CancelFunc
	)

	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "error", err)
			}
			break
		}

		switch msg.Type {
		case "cancel":
			mu.Lock()
			if cancelTurn != nil {
				cancelTurn()
			}
			mu.Unlock()
			continue
		case "", "send":
		default:
			conn.send(event{Type: "error", Error: "unknown message type " + msg.Type})
			continue
		}

		turnCtx, cancel := context.WithCancel(ctx)
		mu.Lock()
		cancelTurn = cancel
		mu.Unlock()

		wg.Add(1)
		go func(content string) {
			defer wg.Done()
			defer cancel()
			s.runTurn(turnCtx, conn, content)
		}(msg.Content)
	}

	cancelAll()
	wg.Wait()
}

func (s *Server) runTurn(ctx context.Context, conn *wsConn, content string) {
	reply, err := s.runner.Send(ctx, content, func(u runner.Update) {
		conn.send(event{
			Type:      string(u.Kind),
			SessionID: u.SessionID,
			MessageID: u.MessageID,
			Delta:     u.Delta,
			Content:   u.Content,
			Reasoning: u.Reasoning,
		})
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("Chat turn failed", "error", err)
		}
		conn.send(event{
			Type:      "error",
			SessionID: reply.SessionID,
			MessageID: reply.AssistantMessageID,
			Error:     err.Error(),
		})
		return
	}
	conn.send(event{
		Type:      "done",
		SessionID: reply.SessionID,
		MessageID: reply.AssistantMessageID,
		Content:   reply.Content,
		Reasoning: reply.Reasoning,
	})
}
