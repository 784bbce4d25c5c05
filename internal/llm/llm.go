// Package llm abstracts text-generation backends behind a small client
// interface. Two client kinds exist: "command" drives a local CLI tool and
// streams its stdout, "scripted" replays canned responses for tests and
// offline use.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genline/internal/config"
)

// Options carry per-call generation parameters.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Request is one generation call.
type Request struct {
	Prompt  string
	Options Options
}

// Client is one text-generation backend. GenerateStream invokes onChunk for
// each piece of output as it arrives and returns the full concatenated text.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	GenerateStream(ctx context.Context, req Request, onChunk func(chunk string)) (string, error)
}

// ErrorKind classifies provider failures for retry decisions.
type ErrorKind string

const (
	Transient ErrorKind = "transient"
	Permanent ErrorKind = "permanent"
)

// ProviderError is a generation failure with a retryability classification.
type ProviderError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider: %s: %v", e.Msg, e.Err)
	}
	return "provider: " + e.Msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimitError signals the provider throttled the call and, when known, how
// long to back off. Always retryable.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
	}
	return "provider rate limited"
}

// IsRetryable reports whether a generation error is worth another attempt.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// RetryAfter extracts a provider cooldown hint, or 0 if none.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// New builds a client from provider config. The set of kinds is closed;
// config validation rejects anything else before this runs.
func New(cfg config.Provider) (Client, error) {
	switch cfg.Kind {
	case "command":
		return &CommandClient{Argv: cfg.Command}, nil
	case "scripted":
		return NewScripted(cfg.Responses), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

// NewClients builds the provider name to client map for an engine.
func NewClients(providers map[string]config.Provider) (map[string]Client, error) {
	clients := make(map[string]Client, len(providers))
	for name, p := range providers {
		c, err := New(p)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		clients[name] = c
	}
	return clients, nil
}
