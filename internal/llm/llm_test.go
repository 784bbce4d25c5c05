package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"genline/internal/config"
)

func TestScriptedReplaysInOrder(t *testing.T) {
	c := NewScripted([]string{"one", "two"})
	ctx := context.Background()
	for i, want := range []string{"one", "two", "two"} {
		got, err := c.Generate(ctx, Request{Prompt: "p"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("call %d = %q, want %q", i, got, want)
		}
	}
}

func TestScriptedStreamsLines(t *testing.T) {
	c := NewScripted([]string{"line1\nline2\n"})
	var chunks []string
	out, err := c.GenerateStream(context.Background(), Request{}, func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "line1\nline2\n" {
		t.Fatalf("out = %q", out)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %v", chunks)
	}
	if strings.Join(chunks, "") != out {
		t.Fatalf("chunks do not reassemble: %v", chunks)
	}
}

func TestScriptedErrorDirectives(t *testing.T) {
	c := NewScripted([]string{"!transient flaky", "!permanent bad key", "!rate_limit 30s", "ok"})
	ctx := context.Background()

	_, err := c.Generate(ctx, Request{})
	if !IsRetryable(err) {
		t.Fatalf("transient should be retryable: %v", err)
	}

	_, err = c.Generate(ctx, Request{})
	if IsRetryable(err) {
		t.Fatalf("permanent should not be retryable: %v", err)
	}

	_, err = c.Generate(ctx, Request{})
	if !IsRetryable(err) {
		t.Fatalf("rate limit should be retryable: %v", err)
	}
	if got := RetryAfter(err); got != 30*time.Second {
		t.Fatalf("RetryAfter = %v, want 30s", got)
	}

	out, err := c.Generate(ctx, Request{})
	if err != nil || out != "ok" {
		t.Fatalf("out=%q err=%v", out, err)
	}
}

func TestScriptedCancelledContext(t *testing.T) {
	c := NewScripted([]string{"never"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Generate(ctx, Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestRetryAfterOnOtherErrors(t *testing.T) {
	if got := RetryAfter(errors.New("plain")); got != 0 {
		t.Fatalf("RetryAfter = %v, want 0", got)
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain errors are not retryable")
	}
}

func TestNewClientsFactory(t *testing.T) {
	clients, err := NewClients(map[string]config.Provider{
		"canned": {Kind: "scripted", Responses: []string{"x"}},
		"local":  {Kind: "command", Command: []string{"cat"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := clients["canned"].(*ScriptedClient); !ok {
		t.Fatalf("canned = %T", clients["canned"])
	}
	if _, ok := clients["local"].(*CommandClient); !ok {
		t.Fatalf("local = %T", clients["local"])
	}
	if _, err := NewClients(map[string]config.Provider{"bad": {Kind: "nope"}}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestCommandClientEchoesStdin(t *testing.T) {
	c := &CommandClient{Argv: []string{"cat"}}
	var chunks []string
	out, err := c.GenerateStream(context.Background(), Request{Prompt: "hello\nworld\n"}, func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello\nworld\n" {
		t.Fatalf("out = %q", out)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestCommandClientMissingBinary(t *testing.T) {
	c := &CommandClient{Argv: []string{"definitely-not-a-real-binary-9f3a"}}
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != Permanent {
		t.Fatalf("err = %v", err)
	}
}

func TestCommandClientFailureIsTransient(t *testing.T) {
	c := &CommandClient{Argv: []string{"sh", "-c", "echo partial; echo oops >&2; exit 1"}}
	out, err := c.Generate(context.Background(), Request{Prompt: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != Transient {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out, "partial") {
		t.Fatalf("partial output lost: %q", out)
	}
	if !strings.Contains(pe.Msg, "oops") {
		t.Fatalf("stderr not captured: %q", pe.Msg)
	}
}

func TestCommandClientRateLimitStderr(t *testing.T) {
	c := &CommandClient{Argv: []string{"sh", "-c", "echo 'rate limit exceeded' >&2; exit 1"}}
	_, err := c.Generate(context.Background(), Request{Prompt: "x"})
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
}

func TestCommandClientContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := &CommandClient{Argv: []string{"sleep", "5"}}
	_, err := c.Generate(ctx, Request{Prompt: ""})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}
