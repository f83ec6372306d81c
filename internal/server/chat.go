package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/lorekeep/lorekeep/internal/chat"
)

// chatRequest is the wire form of a chat turn, shared by the blocking
// endpoint and the websocket stream.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	CampaignID     string `json:"campaign_id,omitempty"`
}

func (c chatRequest) toEngine() chat.Request {
	return chat.Request{
		Message:        c.Message,
		ConversationID: c.ConversationID,
		CampaignID:     c.CampaignID,
	}
}

// handleChat answers one turn and blocks until the reply is complete.
// Clients that want phase updates use the websocket endpoint instead.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	engine := s.chat.Load()
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "chat is not configured")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	turn, err := engine.Turn(r.Context(), req.toEngine(), nil)
	if err != nil {
		if r.Context().Err() != nil {
			// Client gone; nothing to write to.
			return
		}
		slog.Error("chat turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

// handleChatSocket streams chat turns over a websocket. Each JSON request
// frame produces a sequence of update frames ending in done or failed; the
// connection stays open for the next request.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	if s.chat.Load() == nil {
		writeError(w, http.StatusServiceUnavailable, "chat is not configured")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Client closed, or the server is shutting down.
			return
		}
		var req chatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeUpdate(ctx, conn, chat.TurnUpdate{
				Phase:  chat.PhaseFailed,
				Status: "turn failed",
				Err:    "invalid request frame",
			})
			continue
		}

		// Re-load per turn so a config reload takes effect mid-connection.
		engine := s.chat.Load()
		if engine == nil {
			s.writeUpdate(ctx, conn, chat.TurnUpdate{
				Phase:  chat.PhaseFailed,
				Status: "turn failed",
				Err:    "chat is not configured",
			})
			continue
		}

		var d chat.Dispatcher
		d.BindAll(func(u chat.TurnUpdate) {
			s.writeUpdate(ctx, conn, u)
		})
		if _, err := engine.Turn(ctx, req.toEngine(), d.Dispatch); err != nil {
			// The failed frame already went out; keep the socket open.
			slog.Warn("chat turn failed", "error", err)
		}
	}
}

// writeUpdate sends one update frame. Write failures are logged and
// otherwise ignored: the read loop notices the dead connection next pass.
func (s *Server) writeUpdate(ctx context.Context, conn *websocket.Conn, u chat.TurnUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		slog.Warn("update frame marshal failed", "error", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Warn("update frame write failed", "error", err)
	}
}
