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

const geminiAPIURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini is the adapter for Google's generative language API.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

func NewGemini(cfg config.ProviderConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrUnavailable
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-pro"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Gemini{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (g *Gemini) Name() string  { return "gemini" }
func (g *Gemini) Model() string { return g.model }

type geminiRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (r *geminiResponse) text() string {
	var buf bytes.Buffer
	for _, c := range r.Candidates {
		for _, p := range c.Content.Parts {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

func (g *Gemini) Generate(ctx context.Context, prompt string, sink StreamSink) (Result, error) {
	started := time.Now()
	var reqBody geminiRequest
	reqBody.Contents = make([]struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}, 1)
	reqBody.Contents[0].Parts = []struct {
		Text string `json:"text"`
	}{{Text: prompt}}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, &Error{Provider: g.Name(), Err: err}
	}

	method := "generateContent"
	query := "?key=" + g.apiKey
	if sink != nil {
		method = "streamGenerateContent"
		query = "?alt=sse&key=" + g.apiKey
	}
	url := fmt.Sprintf("%s/models/%s:%s%s", g.baseURL, g.model, method, query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Provider: g.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Result{}, &Error{Provider: g.Name(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, &Error{Provider: g.Name(), Err: fmt.Errorf("API returned status %d", resp.StatusCode)}
	}

	if sink == nil {
		var out geminiResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return Result{}, &Error{Provider: g.Name(), Err: err}
		}
		return Result{Text: out.text(), Model: g.model, Latency: time.Since(started)}, nil
	}

	var full bytes.Buffer
	err = scanSSE(resp.Body, func(data string) error {
		var out geminiResponse
		if err := json.Unmarshal([]byte(data), &out); err != nil {
			return nil
		}
		if text := out.text(); text != "" {
			full.WriteString(text)
			return sink(Fragment{Text: text, Model: g.model})
		}
		return nil
	})
	if err != nil {
		return Result{}, &Error{Provider: g.Name(), Err: err}
	}
	if err := sink(Fragment{Done: true, Model: g.model}); err != nil {
		return Result{}, &Error{Provider: g.Name(), Err: err}
	}
	return Result{Text: full.String(), Model: g.model, Latency: time.Since(started)}, nil
}
