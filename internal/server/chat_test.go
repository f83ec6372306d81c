package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lorekeep/lorekeep/internal/chat"
)

// newChatFixture wires a fixture with the chat engine enabled.
func newChatFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, nil)
	f.server.SetChatEngine(f.chatEngine(t))
	return f
}

func TestChat_Post(t *testing.T) {
	t.Parallel()
	f := newChatFixture(t)

	resp, body := f.postJSON(t, "/api/chat", map[string]string{
		"message": "Who holds the archive key?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, http.StatusOK, body)
	}

	var turn chat.Turn
	decodeJSON(t, body, &turn)
	if turn.Reply != "The party bargained with the lich Vess." {
		t.Errorf("Reply = %q, want the model reply", turn.Reply)
	}
	if turn.ConversationID == "" {
		t.Fatal("turn has no conversation id")
	}

	conv, err := f.convs.Get(turn.ConversationID)
	if err != nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Errorf("len(Messages) = %d, want 2", len(conv.Messages))
	}
}

func TestChat_PostRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newChatFixture(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty message", `{"message": "   "}`, http.StatusBadRequest},
		{"malformed body", `{oops`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, err := http.Post(f.ts.URL+"/api/chat", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: POST: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestChat_PostCompletionFailure(t *testing.T) {
	t.Parallel()
	f := newChatFixture(t)
	f.llm.CompleteErr = context.DeadlineExceeded

	resp, _ := f.postJSON(t, "/api/chat", map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(ts string) string {
	return "ws" + strings.TrimPrefix(ts, "http")
}

// dialChat opens the chat socket and closes it when the test finishes.
func dialChat(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(f.ts.URL)+"/ws/chat", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

// sendFrame marshals v and sends it as a text frame.
func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readTurn collects update frames until a terminal phase arrives.
func readTurn(t *testing.T, conn *websocket.Conn) []chat.TurnUpdate {
	t.Helper()
	var updates []chat.TurnUpdate
	for range 20 {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var u chat.TurnUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			t.Fatalf("unmarshal frame %q: %v", data, err)
		}
		updates = append(updates, u)
		if u.Phase == chat.PhaseDone || u.Phase == chat.PhaseFailed {
			return updates
		}
	}
	t.Fatal("no terminal frame after 20 reads")
	return nil
}

func TestChatSocket_StreamsUpdates(t *testing.T) {
	t.Parallel()
	f := newChatFixture(t)
	conn := dialChat(t, f)

	sendFrame(t, conn, map[string]string{"message": "Who holds the archive key?"})
	updates := readTurn(t, conn)

	if updates[0].Phase != chat.PhaseAccepted {
		t.Errorf("first phase = %q, want %q", updates[0].Phase, chat.PhaseAccepted)
	}
	last := updates[len(updates)-1]
	if last.Phase != chat.PhaseDone {
		t.Fatalf("last phase = %q, want %q: %+v", last.Phase, chat.PhaseDone, updates)
	}
	if last.Reply != "The party bargained with the lich Vess." {
		t.Errorf("Reply = %q, want the model reply", last.Reply)
	}
	if last.ConversationID == "" {
		t.Fatal("done frame has no conversation id")
	}

	// A second turn on the same socket continues the thread.
	sendFrame(t, conn, map[string]string{
		"message":         "And before that?",
		"conversation_id": last.ConversationID,
	})
	second := readTurn(t, conn)
	final := second[len(second)-1]
	if final.Phase != chat.PhaseDone {
		t.Fatalf("second turn last phase = %q, want %q", final.Phase, chat.PhaseDone)
	}
	if final.ConversationID != last.ConversationID {
		t.Errorf("second turn conversation = %q, want %q", final.ConversationID, last.ConversationID)
	}

	conv, err := f.convs.Get(last.ConversationID)
	if err != nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if len(conv.Messages) != 4 {
		t.Errorf("len(Messages) = %d, want 4", len(conv.Messages))
	}
}

func TestChatSocket_BadFrameKeepsSocketOpen(t *testing.T) {
	t.Parallel()
	f := newChatFixture(t)
	conn := dialChat(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{oops")); err != nil {
		t.Fatalf("write bad frame: %v", err)
	}

	updates := readTurn(t, conn)
	if updates[len(updates)-1].Phase != chat.PhaseFailed {
		t.Fatalf("bad frame phase = %q, want %q", updates[len(updates)-1].Phase, chat.PhaseFailed)
	}

	// The next request still gets a full turn.
	sendFrame(t, conn, map[string]string{"message": "Who holds the archive key?"})
	turn := readTurn(t, conn)
	if turn[len(turn)-1].Phase != chat.PhaseDone {
		t.Errorf("follow-up phase = %q, want %q", turn[len(turn)-1].Phase, chat.PhaseDone)
	}
}

func TestChatSocket_RejectsWhenUnconfigured(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(ctx, wsURL(f.ts.URL)+"/ws/chat", nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "unexpected")
		t.Fatal("Dial succeeded without a chat engine")
	}
	if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}
