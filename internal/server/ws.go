package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/saintsal/gateway/internal/auth"
	"github.com/saintsal/gateway/internal/monitor"
	"github.com/saintsal/gateway/internal/orchestrator"
	"github.com/saintsal/gateway/internal/provider"
	"github.com/saintsal/gateway/internal/registry"
)

// WSHandler upgrades authenticated clients and serves the chat stream.
type WSHandler struct {
	Registry *registry.Registry
	Monitor  *monitor.Monitor
	Orch     *orchestrator.Orchestrator
	Selector *provider.Selector
	Secret   []byte
	Logger   *log.Logger
}

type wsSender struct{ conn *websocket.Conn }

func (s wsSender) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (h *WSHandler) Handle(c echo.Context) error {
	token := auth.ExtractToken(c)
	id, err := auth.Verify(token, h.Secret)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	entry := h.Registry.Register(id.UserID, id.Role, wsSender{conn: conn})
	metricLiveConnections.Inc()
	defer func() {
		h.Registry.Unregister(entry.Key)
		metricLiveConnections.Dec()
		// last connection gone: nothing left to alert, stop watching
		if h.Monitor != nil && h.Registry.CountForUser(id.UserID) == 0 {
			h.Monitor.Stop(id.UserID)
		}
	}()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	if err := entry.SendJSON(ctx, ConnectedFrame{Type: "connected", UserID: id.UserID}); err != nil {
		return nil
	}
	if h.Monitor != nil && !h.Monitor.Watching(id.UserID) {
		h.Monitor.Start(id.UserID, token, c.RealIP())
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil // client gone
		}
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = entry.SendJSON(ctx, StreamFrame{Type: "error", Error: "malformed message"})
			continue
		}
		switch msg.Type {
		case "ping":
			_ = entry.SendJSON(ctx, PongFrame{Type: "pong"})
		case "chat":
			if msg.Prompt == "" {
				_ = entry.SendJSON(ctx, StreamFrame{Type: "error", Error: "prompt is required"})
				continue
			}
			go h.generate(ctx, entry, id, msg)
		default:
			_ = entry.SendJSON(ctx, StreamFrame{Type: "error", Error: "unknown message type"})
		}
	}
}

// generate runs one chat turn and streams frames back through the entry.
// The entry's mutex keeps concurrent turns from interleaving partial
// writes; frame order within a turn follows fragment order.
func (h *WSHandler) generate(ctx context.Context, entry *registry.Entry, id auth.Identity, msg ChatMessage) {
	best := ""
	if p := h.Selector.Best(); p != nil {
		best = p.Model()
	}
	_ = entry.SendJSON(ctx, StreamFrame{Type: "start", Model: best})

	sink := func(f provider.Fragment) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.Done || f.Text == "" {
			return nil
		}
		metricFragments.Inc()
		return entry.SendJSON(ctx, StreamFrame{Type: "chunk", Text: f.Text, Model: f.Model})
	}

	useRAG := true
	if msg.UseRAG != nil {
		useRAG = *msg.UseRAG
	}
	res, err := h.Orch.Handle(ctx, orchestrator.ChatRequest{
		Prompt:   msg.Prompt,
		UserID:   id.UserID,
		Role:     id.Role,
		TaskType: msg.TaskType,
		UseRAG:   useRAG,
	}, sink)
	if err != nil {
		if _, rejected := err.(*orchestrator.GateRejected); rejected {
			metricGateRejections.Inc()
		}
		h.Logger.Printf("generation for user %s failed: %v", id.UserID, err)
		_ = entry.SendJSON(ctx, StreamFrame{Type: "error", Error: clientErrMessage(err)})
		return
	}
	if res.Model != best {
		metricFallbacks.Inc()
	}
	metricGenerationLatency.WithLabelValues(res.Model).Observe(res.Latency.Seconds())
	_ = entry.SendJSON(ctx, StreamFrame{Type: "done", Done: true, Model: res.Model, HACPCompliant: true})
}
