package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/saintsal/gateway/internal/auth"
	"github.com/saintsal/gateway/internal/gate"
	"github.com/saintsal/gateway/internal/orchestrator"
	"github.com/saintsal/gateway/internal/provider"
)

// ChatHandler serves generation over plain HTTP: a buffered variant and an
// NDJSON stream carrying the same frames as the websocket.
type ChatHandler struct {
	Orch     *orchestrator.Orchestrator
	Selector *provider.Selector
	Rate     gate.RateGate
	Logger   *log.Logger
}

func (h *ChatHandler) Register(g *echo.Group, secret []byte) {
	g.Use(auth.EchoMiddleware(secret))
	g.POST("", h.chat)
	g.POST("/stream", h.stream)
}

// clientErrMessage hides backend failure detail from clients: provider
// exhaustion surfaces as a generic retry-later message, everything else
// keeps its own text.
func clientErrMessage(err error) string {
	if errors.Is(err, provider.ErrNoProvider) || errors.Is(err, provider.ErrGenerationFailed) {
		return "generation service temporarily unavailable, please retry"
	}
	return err.Error()
}

func (h *ChatHandler) allow(c echo.Context, userID string) error {
	if h.Rate == nil {
		return nil
	}
	ok, err := h.Rate.Allow(c.Request().Context(), userID)
	if err != nil {
		h.Logger.Printf("rate gate for user %s: %v", userID, err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	return nil
}

func (h *ChatHandler) chat(c echo.Context) error {
	id, _ := c.Get("identity").(auth.Identity)
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	if err := h.allow(c, id.UserID); err != nil {
		return err
	}

	useRAG := true
	if req.UseRAG != nil {
		useRAG = *req.UseRAG
	}
	res, err := h.Orch.Handle(c.Request().Context(), orchestrator.ChatRequest{
		Prompt:   req.Prompt,
		UserID:   id.UserID,
		Role:     id.Role,
		TaskType: req.TaskType,
		UseRAG:   useRAG,
	}, nil)
	if err != nil {
		if _, rejected := err.(*orchestrator.GateRejected); rejected {
			metricGateRejections.Inc()
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, clientErrMessage(err))
	}
	metricGenerationLatency.WithLabelValues(res.Model).Observe(res.Latency.Seconds())
	return c.JSON(http.StatusOK, ChatResponse{Response: res.Text, Model: res.Model})
}

// stream writes newline-delimited JSON frames, flushing after each one so
// fragments reach the client as they arrive. The stream always ends with a
// done or error frame.
func (h *ChatHandler) stream(c echo.Context) error {
	id, _ := c.Get("identity").(auth.Identity)
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	if err := h.allow(c, id.UserID); err != nil {
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(resp)
	write := func(f StreamFrame) {
		if err := enc.Encode(f); err != nil {
			return
		}
		resp.Flush()
	}

	best := ""
	if p := h.Selector.Best(); p != nil {
		best = p.Model()
	}
	write(StreamFrame{Type: "start", Model: best})

	ctx := c.Request().Context()
	sink := func(f provider.Fragment) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.Done || f.Text == "" {
			return nil
		}
		metricFragments.Inc()
		write(StreamFrame{Type: "chunk", Text: f.Text, Model: f.Model})
		return nil
	}

	useRAG := true
	if req.UseRAG != nil {
		useRAG = *req.UseRAG
	}
	res, err := h.Orch.Handle(ctx, orchestrator.ChatRequest{
		Prompt:   req.Prompt,
		UserID:   id.UserID,
		Role:     id.Role,
		TaskType: req.TaskType,
		UseRAG:   useRAG,
	}, sink)
	if err != nil {
		if _, rejected := err.(*orchestrator.GateRejected); rejected {
			metricGateRejections.Inc()
		}
		h.Logger.Printf("stream for user %s failed: %v", id.UserID, err)
		write(StreamFrame{Type: "error", Error: clientErrMessage(err)})
		return nil
	}
	if res.Model != best {
		metricFallbacks.Inc()
	}
	metricGenerationLatency.WithLabelValues(res.Model).Observe(res.Latency.Seconds())
	write(StreamFrame{Type: "done", Done: true, Model: res.Model, HACPCompliant: true})
	return nil
}
