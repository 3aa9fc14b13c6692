package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saintsal/gateway/internal/gate"
	"github.com/saintsal/gateway/internal/provider"
	"github.com/saintsal/gateway/internal/retrieval"
	"github.com/saintsal/gateway/internal/store"
)

// ChatRequest is one generation request flowing through the pipeline.
type ChatRequest struct {
	Prompt   string
	UserID   string
	Role     string
	TaskType string
	UseRAG   bool
}

// Result is the completed generation with pipeline metadata attached.
type Result struct {
	Text      string
	Model     string
	GateScore float64
	Snippets  int
	Latency   time.Duration
}

// GateRejected is returned when the compliance gate refuses a request
// before any provider is contacted.
type GateRejected struct {
	Reason string
	Score  float64
}

func (e *GateRejected) Error() string {
	if e.Reason == "" {
		return "request rejected by compliance gate"
	}
	return fmt.Sprintf("request rejected by compliance gate: %s", e.Reason)
}

// Orchestrator runs the generation pipeline: compliance gate, optional
// context retrieval, provider fallback, then detached persistence.
type Orchestrator struct {
	selector  *provider.Selector
	retriever *retrieval.Retriever
	checker   gate.Checker
	store     *store.Store
	logger    *log.Logger

	topK int
}

func New(sel *provider.Selector, ret *retrieval.Retriever, checker gate.Checker, st *store.Store, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	if checker == nil {
		checker = gate.StaticPass{}
	}
	return &Orchestrator{
		selector:  sel,
		retriever: ret,
		checker:   checker,
		store:     st,
		logger:    logger,
		topK:      3,
	}
}

// Handle runs one request through the full pipeline. When sink is non-nil
// fragments stream through it as they arrive; either way the completed
// result comes back once generation finishes. Persistence is detached and
// never delays or fails the response.
func (o *Orchestrator) Handle(ctx context.Context, req ChatRequest, sink provider.StreamSink) (Result, error) {
	started := time.Now()
	genID := uuid.NewString()[:8]

	decision, err := o.checker.Check(ctx, req.Prompt, req.Role)
	if err != nil {
		return Result{}, fmt.Errorf("compliance check: %w", err)
	}
	if !decision.Pass {
		o.logger.Printf("[%s] gate rejected request for user %s: %s", genID, req.UserID, decision.Reason)
		return Result{}, &GateRejected{Reason: decision.Reason, Score: decision.Score}
	}

	prompt := req.Prompt
	snippets := 0
	if req.UseRAG && o.retriever != nil {
		found := o.retriever.Search(ctx, req.Prompt, req.UserID, o.topK)
		if len(found) > 0 {
			snippets = len(found)
			prompt = augment(req.Prompt, found)
			o.logger.Printf("[%s] augmented prompt with %d snippets", genID, snippets)
		}
	}

	gen, err := o.selector.GenerateWithFallback(ctx, prompt, sink)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Text:      gen.Text,
		Model:     gen.Model,
		GateScore: decision.Score,
		Snippets:  snippets,
		Latency:   time.Since(started),
	}

	if o.store != nil && req.UserID != "" {
		go o.persist(genID, req, res)
	}
	return res, nil
}

func (o *Orchestrator) persist(genID string, req ChatRequest, res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec := store.ConversationRecord{
		UserID:          req.UserID,
		Prompt:          req.Prompt,
		Response:        res.Text,
		Model:           res.Model,
		ComplianceScore: res.GateScore,
		LatencyMS:       res.Latency.Milliseconds(),
	}
	if err := o.store.SaveConversation(ctx, rec); err != nil {
		o.logger.Printf("[%s] persist conversation for user %s: %v", genID, req.UserID, err)
	}
}

func augment(prompt string, snippets []retrieval.Snippet) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nRelevant Context:\n")
	for i, s := range snippets {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s.Content)
	}
	return b.String()
}
