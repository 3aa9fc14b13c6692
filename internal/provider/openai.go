package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/saintsal/gateway/config"
)

const openaiAPIURL = "https://api.openai.com/v1"

// OpenAI is the adapter for the chat completions API. Azure deployments are
// reached through the same adapter by pointing base_url at the deployment.
type OpenAI struct {
	apiKey      string
	model       string
	baseURL     string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func NewOpenAI(cfg config.ProviderConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, ErrUnavailable
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4-turbo-preview"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openaiAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAI{
		apiKey:      cfg.APIKey,
		model:       model,
		baseURL:     baseURL,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

func (o *OpenAI) Name() string  { return "openai" }
func (o *OpenAI) Model() string { return o.model }

type openaiChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openaiChatMessage `json:"messages"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

func (o *OpenAI) Generate(ctx context.Context, prompt string, sink StreamSink) (Result, error) {
	started := time.Now()
	body, err := json.Marshal(openaiChatRequest{
		Model:       o.model,
		Messages:    []openaiChatMessage{{Role: "user", Content: prompt}},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		Stream:      sink != nil,
	})
	if err != nil {
		return Result{}, &Error{Provider: o.Name(), Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Provider: o.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Result{}, &Error{Provider: o.Name(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, &Error{Provider: o.Name(), Err: fmt.Errorf("API returned status %d", resp.StatusCode)}
	}

	if sink == nil {
		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				TotalTokens int64 `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Result{}, &Error{Provider: o.Name(), Err: err}
		}
		if len(out.Choices) == 0 {
			return Result{}, &Error{Provider: o.Name(), Err: fmt.Errorf("no choices in response")}
		}
		return Result{
			Text:    out.Choices[0].Message.Content,
			Model:   o.model,
			Tokens:  out.Usage.TotalTokens,
			Latency: time.Since(started),
		}, nil
	}

	var full bytes.Buffer
	err = scanSSE(resp.Body, func(data string) error {
		if data == "[DONE]" {
			return io.EOF
		}
		var ev struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil
		}
		if len(ev.Choices) > 0 && ev.Choices[0].Delta.Content != "" {
			full.WriteString(ev.Choices[0].Delta.Content)
			return sink(Fragment{Text: ev.Choices[0].Delta.Content, Model: o.model})
		}
		return nil
	})
	if err != nil {
		return Result{}, &Error{Provider: o.Name(), Err: err}
	}
	if err := sink(Fragment{Done: true, Model: o.model}); err != nil {
		return Result{}, &Error{Provider: o.Name(), Err: err}
	}
	return Result{Text: full.String(), Model: o.model, Latency: time.Since(started)}, nil
}
