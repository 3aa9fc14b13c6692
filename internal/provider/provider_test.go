package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/saintsal/gateway/config"
)

func TestScanSSE(t *testing.T) {
	body := strings.Join([]string{
		"event: message_start",
		`data: {"a":1}`,
		"",
		"data:",
		`data: {"a":2}`,
		": comment",
		"",
	}, "\n")

	var got []string
	err := scanSSE(strings.NewReader(body), func(data string) error {
		got = append(got, data)
		return nil
	})
	if err != nil {
		t.Fatalf("scanSSE: %v", err)
	}
	if len(got) != 2 || got[0] != `{"a":1}` || got[1] != `{"a":2}` {
		t.Fatalf("unexpected payloads: %v", got)
	}
}

func TestScanSSEStopsOnEOF(t *testing.T) {
	body := "data: one\ndata: two\ndata: three\n"
	var got []string
	err := scanSSE(strings.NewReader(body), func(data string) error {
		got = append(got, data)
		if data == "two" {
			return io.EOF
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scanSSE: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("scan should stop after io.EOF, got %v", got)
	}
}

func TestAnthropicNotConfigured(t *testing.T) {
	if _, err := NewAnthropic(config.ProviderConfig{}); err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing version header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `event: message_start
data: {"type":"message_start"}

data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}

data: {"type":"content_block_delta","delta":{"type":"text_delta","text":" world"}}

data: {"type":"message_stop"}
`)
	}))
	defer srv.Close()

	p, err := NewAnthropic(config.ProviderConfig{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}

	var texts []string
	var done int
	sink := func(f Fragment) error {
		if f.Done {
			done++
			return nil
		}
		texts = append(texts, f.Text)
		return nil
	}
	res, err := p.Generate(context.Background(), "hi", sink)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Hello world" {
		t.Fatalf("unexpected accumulated text %q", res.Text)
	}
	if len(texts) != 2 || texts[0] != "Hello" || texts[1] != " world" {
		t.Fatalf("unexpected fragments: %v", texts)
	}
	if done != 1 {
		t.Fatalf("expected exactly one terminal fragment, got %d", done)
	}
}

func TestAnthropicSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"content":[{"type":"text","text":"Hello world"}],"usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer srv.Close()

	p, err := NewAnthropic(config.ProviderConfig{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}
	res, err := p.Generate(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Hello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Tokens != 5 {
		t.Fatalf("unexpected token count %d", res.Tokens)
	}
}

func TestAnthropicErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, _ := NewAnthropic(config.ProviderConfig{APIKey: "key", BaseURL: srv.URL})
	_, err := p.Generate(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("expected error on 429")
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Provider != "anthropic" {
		t.Fatalf("error should carry provider name: %v", err)
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hi"}}]}

data: {"choices":[{"delta":{"content":" there"}}]}

data: [DONE]
`)
	}))
	defer srv.Close()

	p, err := NewOpenAI(config.ProviderConfig{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	var texts []string
	res, err := p.Generate(context.Background(), "hi", func(f Fragment) error {
		if !f.Done {
			texts = append(texts, f.Text)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Hi there" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(texts) != 2 {
		t.Fatalf("unexpected fragments: %v", texts)
	}
}

func TestGeminiSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "key" {
			t.Errorf("missing key query param")
		}
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}`)
	}))
	defer srv.Close()

	p, err := NewGemini(config.ProviderConfig{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	res, err := p.Generate(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "Hello" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}
