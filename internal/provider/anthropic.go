package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/saintsal/gateway/config"
)

const anthropicAPIURL = "https://api.anthropic.com/v1/messages"

// Anthropic is the adapter for the Anthropic messages API.
type Anthropic struct {
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

func NewAnthropic(cfg config.ProviderConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, ErrUnavailable
	}
	model := cfg.Model
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Anthropic{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (a *Anthropic) Name() string  { return "anthropic" }
func (a *Anthropic) Model() string { return a.model }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (a *Anthropic) Generate(ctx context.Context, prompt string, sink StreamSink) (Result, error) {
	started := time.Now()
	body, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		Stream:    sink != nil,
	})
	if err != nil {
		return Result{}, &Error{Provider: a.Name(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Provider: a.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Result{}, &Error{Provider: a.Name(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, &Error{Provider: a.Name(), Err: fmt.Errorf("API returned status %d", resp.StatusCode)}
	}

	if sink == nil {
		var out struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int64 `json:"input_tokens"`
				OutputTokens int64 `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Result{}, &Error{Provider: a.Name(), Err: err}
		}
		var text string
		for _, c := range out.Content {
			if c.Type == "text" {
				text += c.Text
			}
		}
		return Result{
			Text:    text,
			Model:   a.model,
			Tokens:  out.Usage.InputTokens + out.Usage.OutputTokens,
			Latency: time.Since(started),
		}, nil
	}

	var full bytes.Buffer
	err = scanSSE(resp.Body, func(data string) error {
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil // skip stream bookkeeping events we don't model
		}
		if ev.Type == "content_block_delta" && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			full.WriteString(ev.Delta.Text)
			return sink(Fragment{Text: ev.Delta.Text, Model: a.model})
		}
		return nil
	})
	if err != nil {
		return Result{}, &Error{Provider: a.Name(), Err: err}
	}
	if err := sink(Fragment{Done: true, Model: a.model}); err != nil {
		return Result{}, &Error{Provider: a.Name(), Err: err}
	}
	return Result{Text: full.String(), Model: a.model, Latency: time.Since(started)}, nil
}
