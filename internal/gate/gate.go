package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/saintsal/gateway/config"
)

// Decision is the outcome of a compliance check. Pass=false vetoes the
// request before any generation is attempted.
type Decision struct {
	Pass   bool    `json:"pass"`
	Score  float64 `json:"score,omitempty"`
	Reason string  `json:"error,omitempty"`
}

// Checker is the pluggable compliance policy consulted before every
// generation. Implementations must be safe for concurrent use.
type Checker interface {
	Check(ctx context.Context, text, role string) (Decision, error)
}

// StaticPass approves everything with a fixed score; used when no external
// policy endpoint is configured.
type StaticPass struct {
	Score float64
}

func (s StaticPass) Check(ctx context.Context, text, role string) (Decision, error) {
	score := s.Score
	if score == 0 {
		score = 1.0
	}
	return Decision{Pass: true, Score: score}, nil
}

// Remote calls an external policy service over HTTP.
type Remote struct {
	endpoint   string
	httpClient *http.Client
}

func NewRemote(cfg config.GateConfig) *Remote {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Remote{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *Remote) Check(ctx context.Context, text, role string) (Decision, error) {
	body, err := json.Marshal(map[string]string{"text": text, "role": role})
	if err != nil {
		return Decision{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Decision{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("gate returned status %d", resp.StatusCode)
	}
	var d Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// FromConfig returns the configured checker: a remote client when an
// endpoint is set, otherwise the static pass gate.
func FromConfig(cfg config.GateConfig) Checker {
	if cfg.Endpoint != "" {
		return NewRemote(cfg)
	}
	return StaticPass{}
}
