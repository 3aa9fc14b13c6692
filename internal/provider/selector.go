package provider

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/saintsal/gateway/config"
)

var (
	// ErrNoProvider means no backend has credentials configured.
	ErrNoProvider = errors.New("no provider configured")
	// ErrGenerationFailed means every configured backend failed before
	// producing output.
	ErrGenerationFailed = errors.New("generation failed")
)

// Selector holds the configured adapters in fixed priority order and drives
// fallback between them.
type Selector struct {
	providers []Provider
	logger    *log.Logger
}

// NewSelector constructs adapters in priority order, skipping backends whose
// credentials are absent. The default order is anthropic > openai > gemini.
func NewSelector(cfg config.ProvidersConfig, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	order := cfg.Order
	if len(order) == 0 {
		order = []string{"anthropic", "openai", "gemini"}
	}
	s := &Selector{logger: logger}
	for _, name := range order {
		var (
			p   Provider
			err error
		)
		switch name {
		case "anthropic":
			p, err = NewAnthropic(cfg.Anthropic)
		case "openai":
			p, err = NewOpenAI(cfg.OpenAI)
		case "gemini":
			p, err = NewGemini(cfg.Gemini)
		default:
			logger.Printf("unknown provider %q in priority order, skipping", name)
			continue
		}
		if err != nil {
			if !errors.Is(err, ErrUnavailable) {
				logger.Printf("provider %s init failed: %v", name, err)
			}
			continue
		}
		s.providers = append(s.providers, p)
	}
	return s
}

// NewSelectorFrom wraps an explicit adapter list; used by composition roots
// and tests that inject fakes.
func NewSelectorFrom(logger *log.Logger, providers ...Provider) *Selector {
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	return &Selector{providers: providers, logger: logger}
}

// Best returns the highest-priority available adapter, or nil.
func (s *Selector) Best() Provider {
	if len(s.providers) == 0 {
		return nil
	}
	return s.providers[0]
}

// Providers returns the adapters in priority order.
func (s *Selector) Providers() []Provider { return s.providers }

// GenerateWithFallback invokes adapters in priority order. A backend that
// fails before emitting any fragment is skipped and the next one tried; once
// any fragment has reached the sink the failure is surfaced instead, so a
// caller never sees output mixed from two backends.
func (s *Selector) GenerateWithFallback(ctx context.Context, prompt string, sink StreamSink) (Result, error) {
	if len(s.providers) == 0 {
		return Result{}, ErrNoProvider
	}
	var lastErr error
	for _, p := range s.providers {
		emitted := 0
		wrapped := sink
		if sink != nil {
			wrapped = func(f Fragment) error {
				emitted++
				return sink(f)
			}
		}
		res, err := p.Generate(ctx, prompt, wrapped)
		if err == nil {
			return res, nil
		}
		if emitted > 0 {
			// partial output cannot be un-sent
			return res, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return Result{}, err
		}
		s.logger.Printf("provider %s failed before first byte, trying next: %v", p.Name(), err)
	}
	return Result{}, fmt.Errorf("%w: %v", ErrGenerationFailed, lastErr)
}
