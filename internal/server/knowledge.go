package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/saintsal/gateway/internal/auth"
	"github.com/saintsal/gateway/internal/retrieval"
)

// KnowledgeHandler exposes the retrieval corpus: ingest and owner-scoped
// search.
type KnowledgeHandler struct {
	Retriever *retrieval.Retriever
}

func (h *KnowledgeHandler) Register(g *echo.Group, secret []byte) {
	g.Use(auth.EchoMiddleware(secret))
	g.POST("", h.add)
	g.GET("/search", h.search)
}

func (h *KnowledgeHandler) add(c echo.Context) error {
	id, _ := c.Get("identity").(auth.Identity)
	var req KnowledgeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	docID, err := h.Retriever.Index(c.Request().Context(), req.Title, req.Content, id.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": docID})
}

func (h *KnowledgeHandler) search(c echo.Context) error {
	id, _ := c.Get("identity").(auth.Identity)
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	topK := 5
	if v := c.QueryParam("top_k"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 50 {
			topK = n
		}
	}
	found := h.Retriever.Search(c.Request().Context(), q, id.UserID, topK)
	out := make([]KnowledgeSearchResult, 0, len(found))
	for _, s := range found {
		out = append(out, KnowledgeSearchResult{Content: s.Content, Score: s.Score, Source: s.Source})
	}
	return c.JSON(http.StatusOK, out)
}
