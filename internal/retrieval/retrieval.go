package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/saintsal/gateway/config"
	"github.com/saintsal/gateway/internal/store"
)

// Snippet is one ranked piece of retrieved context.
type Snippet struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source,omitempty"`
}

// Retriever searches the remote index first and degrades through an
// in-process bleve mirror to a direct database lookup. Retrieval is
// best-effort: every failure path ends in an empty result, never an error
// that could block generation.
type Retriever struct {
	cfg        config.RetrievalConfig
	store      *store.Store
	httpClient *http.Client
	logger     *log.Logger

	mu    sync.RWMutex
	index bleve.Index
	meta  map[string]docMeta
}

type docMeta struct {
	Owner   string
	Title   string
	Content string
}

// indexDoc is the shape indexed into the bleve mirror.
type indexDoc struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func New(cfg config.RetrievalConfig, st *store.Store, logger *log.Logger) (*Retriever, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[RAG] ", log.LstdFlags)
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Retriever{
		cfg:        cfg,
		store:      st,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		index:      idx,
		meta:       make(map[string]docMeta),
	}, nil
}

// Warm mirrors existing knowledge rows into the local index so the fallback
// path is usable from the first request. Failures are logged, not fatal.
func (r *Retriever) Warm(ctx context.Context) {
	if r.store == nil {
		return
	}
	rows, err := r.store.ListKnowledge(ctx, 0)
	if err != nil {
		r.logger.Printf("warm mirror: %v", err)
		return
	}
	for _, row := range rows {
		r.mirror(row.ID, row.Title, row.Content, row.UserID)
	}
	r.logger.Printf("warmed local mirror with %d snippets", len(rows))
}

// Search returns at most topK snippets for the query. ownerID, when given,
// scopes the fallback paths to that user's rows.
func (r *Retriever) Search(ctx context.Context, query, ownerID string, topK int) []Snippet {
	if topK <= 0 {
		topK = 5
	}
	if r.cfg.Endpoint != "" {
		hits, err := r.remoteSearch(ctx, query, ownerID, topK)
		if err == nil {
			return hits
		}
		r.logger.Printf("remote index failed, falling back: %v", err)
	}
	if hits, err := r.localSearch(query, ownerID, topK); err == nil && len(hits) > 0 {
		return hits
	}
	return r.directSearch(ctx, query, ownerID, topK)
}

// Index persists a snippet (authoritative write) and then best-effort mirrors
// it into the local and remote indexes. Mirror failures are logged only.
func (r *Retriever) Index(ctx context.Context, title, content, ownerID string) (string, error) {
	id, err := r.store.InsertKnowledge(ctx, ownerID, title, content)
	if err != nil {
		return "", err
	}
	r.mirror(id, title, content, ownerID)
	if r.cfg.Endpoint != "" {
		if err := r.remoteUpload(ctx, id, title, content, ownerID); err != nil {
			r.logger.Printf("remote upload for %s failed: %v", id, err)
		}
	}
	return id, nil
}

func (r *Retriever) mirror(id, title, content, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta[id] = docMeta{Owner: owner, Title: title, Content: content}
	if err := r.index.Index(id, indexDoc{Title: title, Content: content}); err != nil {
		r.logger.Printf("local mirror for %s failed: %v", id, err)
	}
}

func (r *Retriever) localSearch(q, ownerID string, topK int) ([]Snippet, error) {
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, topK*3, 0, false)
	res, err := r.index.Search(searchReq)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Snippet
	for _, hit := range res.Hits {
		doc, ok := r.meta[hit.ID]
		if !ok {
			continue
		}
		if ownerID != "" && doc.Owner != "" && doc.Owner != ownerID {
			continue
		}
		out = append(out, Snippet{Content: doc.Content, Score: hit.Score, Source: doc.Title})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

func (r *Retriever) directSearch(ctx context.Context, q, ownerID string, topK int) []Snippet {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.SearchKnowledge(ctx, q, ownerID, topK)
	if err != nil {
		r.logger.Printf("direct lookup failed: %v", err)
		return nil
	}
	out := make([]Snippet, 0, len(rows))
	for _, row := range rows {
		// flat score: the direct path has no ranking signal
		out = append(out, Snippet{Content: row.Content, Score: 0.8, Source: row.Title})
	}
	return out
}

type remoteSearchRequest struct {
	Search string `json:"search"`
	Top    int    `json:"top"`
	Filter string `json:"filter,omitempty"`
}

type remoteSearchResponse struct {
	Value []struct {
		Score   float64 `json:"@search.score"`
		Title   string  `json:"title"`
		Content string  `json:"content"`
	} `json:"value"`
}

func (r *Retriever) remoteSearch(ctx context.Context, q, ownerID string, topK int) ([]Snippet, error) {
	reqBody := remoteSearchRequest{Search: q, Top: topK}
	if ownerID != "" {
		reqBody.Filter = fmt.Sprintf("userId eq '%s'", ownerID)
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=2023-11-01", r.cfg.Endpoint, r.cfg.Index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", r.cfg.APIKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search index returned status %d", resp.StatusCode)
	}
	var out remoteSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	hits := make([]Snippet, 0, len(out.Value))
	for _, v := range out.Value {
		hits = append(hits, Snippet{Content: v.Content, Score: v.Score, Source: v.Title})
	}
	return hits, nil
}

func (r *Retriever) remoteUpload(ctx context.Context, id, title, content, ownerID string) error {
	doc := map[string]interface{}{
		"@search.action": "upload",
		"id":             id,
		"title":          title,
		"content":        content,
		"userId":         ownerID,
	}
	body, err := json.Marshal(map[string]interface{}{"value": []interface{}{doc}})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/indexes/%s/docs/index?api-version=2023-11-01", r.cfg.Endpoint, r.cfg.Index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", r.cfg.APIKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("index upload returned status %d", resp.StatusCode)
	}
	return nil
}
