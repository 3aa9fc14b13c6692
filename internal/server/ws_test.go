package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/saintsal/gateway/internal/auth"
	"github.com/saintsal/gateway/internal/gate"
	"github.com/saintsal/gateway/internal/monitor"
	"github.com/saintsal/gateway/internal/orchestrator"
	"github.com/saintsal/gateway/internal/provider"
	"github.com/saintsal/gateway/internal/registry"
)

func newWSServer(t *testing.T, providers ...provider.Provider) (*httptest.Server, *registry.Registry, *monitor.Monitor) {
	t.Helper()
	sel := provider.NewSelectorFrom(quiet(), providers...)
	orch := orchestrator.New(sel, nil, gate.StaticPass{}, nil, quiet())
	reg := registry.New(quiet())
	mon := monitor.New(testSecret, time.Hour, time.Minute, reg, nil, quiet())

	h := &WSHandler{
		Registry: reg,
		Monitor:  mon,
		Orch:     orch,
		Selector: sel,
		Secret:   testSecret,
		Logger:   quiet(),
	}
	e := echo.New()
	e.GET("/ws", h.Handle)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, reg, mon
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws?token=" + token
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	srv, _, _ := newWSServer(t, &scriptedProvider{model: "m1"})
	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "/ws?token=garbage"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("expected handshake failure with bad token")
	}
}

func TestWSChatRoundtrip(t *testing.T) {
	srv, reg, _ := newWSServer(t, &scriptedProvider{model: "m1", fragments: []string{"Hi", " there"}})
	tok, err := auth.Sign("user-1", "a@example.com", "user", "", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	conn := dialWS(t, srv, tok)
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readFrame(t, conn)
	if hello["type"] != "connected" || hello["userId"] != "user-1" {
		t.Fatalf("unexpected hello frame: %v", hello)
	}
	if got := reg.CountForUser("user-1"); got != 1 {
		t.Fatalf("expected 1 registered connection, got %d", got)
	}

	useRAG := false
	writeFrame(t, conn, ChatMessage{Type: "chat", Prompt: "Say hi", UseRAG: &useRAG})

	var texts []string
	for {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "start":
			if frame["model"] != "m1" {
				t.Fatalf("unexpected start frame: %v", frame)
			}
		case "chunk":
			if frame["done"] != false || frame["model"] != "m1" {
				t.Fatalf("chunk frame must carry done:false and the model: %v", frame)
			}
			texts = append(texts, frame["text"].(string))
		case "done":
			if frame["done"] != true || frame["hacpCompliant"] != true || frame["model"] != "m1" {
				t.Fatalf("unexpected done frame: %v", frame)
			}
			if strings.Join(texts, "") != "Hi there" {
				t.Fatalf("unexpected fragments: %v", texts)
			}
			return
		case "error":
			t.Fatalf("unexpected error frame: %v", frame)
		}
	}
}

func TestWSEmptyPromptRejected(t *testing.T) {
	srv, _, _ := newWSServer(t, &scriptedProvider{model: "m1", fragments: []string{"never"}})
	tok, _ := auth.Sign("user-1", "a@example.com", "user", "", testSecret, time.Hour)

	conn := dialWS(t, srv, tok)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn) // connected

	writeFrame(t, conn, ChatMessage{Type: "chat"})
	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["error"] == "" {
		t.Fatalf("empty prompt should get an error frame, got %v", frame)
	}
}

func TestWSPing(t *testing.T) {
	srv, _, _ := newWSServer(t, &scriptedProvider{model: "m1"})
	tok, _ := auth.Sign("user-1", "a@example.com", "user", "", testSecret, time.Hour)

	conn := dialWS(t, srv, tok)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn) // connected

	writeFrame(t, conn, ChatMessage{Type: "ping"})
	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Fatalf("expected pong, got %v", frame)
	}
}

func TestWSDisconnectStopsMonitor(t *testing.T) {
	srv, reg, mon := newWSServer(t, &scriptedProvider{model: "m1"})
	tok, _ := auth.Sign("user-1", "a@example.com", "user", "", testSecret, time.Hour)

	conn := dialWS(t, srv, tok)
	readFrame(t, conn) // connected

	start := time.After(2 * time.Second)
	for !mon.Watching("user-1") {
		select {
		case <-start:
			t.Fatal("monitor should watch after connect")
		case <-time.After(10 * time.Millisecond):
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.After(2 * time.Second)
	for reg.CountForUser("user-1") != 0 || mon.Watching("user-1") {
		select {
		case <-deadline:
			t.Fatalf("teardown incomplete: connections=%d watching=%v",
				reg.CountForUser("user-1"), mon.Watching("user-1"))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Closing one of a user's connections must not stop the watch while another
// connection is still open.
func TestWSWatchSurvivesUntilLastDisconnect(t *testing.T) {
	srv, reg, mon := newWSServer(t, &scriptedProvider{model: "m1"})
	tok, _ := auth.Sign("user-1", "a@example.com", "user", "", testSecret, time.Hour)

	first := dialWS(t, srv, tok)
	readFrame(t, first) // connected
	second := dialWS(t, srv, tok)
	readFrame(t, second) // connected

	deadline := time.After(2 * time.Second)
	for reg.CountForUser("user-1") != 2 || !mon.Watching("user-1") {
		select {
		case <-deadline:
			t.Fatalf("setup incomplete: connections=%d watching=%v",
				reg.CountForUser("user-1"), mon.Watching("user-1"))
		case <-time.After(10 * time.Millisecond):
		}
	}

	first.Close(websocket.StatusNormalClosure, "")
	deadline = time.After(2 * time.Second)
	for reg.CountForUser("user-1") != 1 {
		select {
		case <-deadline:
			t.Fatalf("first connection not unregistered, count=%d", reg.CountForUser("user-1"))
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !mon.Watching("user-1") {
		t.Fatal("watch must survive while a connection remains")
	}

	second.Close(websocket.StatusNormalClosure, "")
	deadline = time.After(2 * time.Second)
	for reg.CountForUser("user-1") != 0 || mon.Watching("user-1") {
		select {
		case <-deadline:
			t.Fatalf("final teardown incomplete: connections=%d watching=%v",
				reg.CountForUser("user-1"), mon.Watching("user-1"))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
