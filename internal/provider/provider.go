package provider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Fragment is one incremental slice of generated text. Fragments for a single
// generation are produced in order; exactly one terminal fragment (Done=true,
// possibly empty text) closes a streaming generation.
type Fragment struct {
	Text  string
	Done  bool
	Model string
}

// StreamSink receives fragments as they are produced. A nil sink selects
// synchronous mode. A sink error aborts the generation.
type StreamSink func(Fragment) error

// Result is the finalized output of one generation.
type Result struct {
	Text    string
	Model   string
	Tokens  int64
	Latency time.Duration
}

// Provider is the uniform interface to a single model backend. Implementations
// must be safe for concurrent use across independent requests.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, prompt string, sink StreamSink) (Result, error)
}

// ErrUnavailable is returned by constructors when required credentials are
// absent, so the selector can skip the backend without a network call.
var ErrUnavailable = errors.New("provider not configured")

// Error wraps any failure during generation and carries the backend name.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Provider, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// scanSSE reads server-sent-event data lines from r and invokes fn with each
// non-empty payload. fn returning io.EOF stops the scan cleanly.
func scanSSE(r io.Reader, fn func(data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if err := fn(data); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return scanner.Err()
}
