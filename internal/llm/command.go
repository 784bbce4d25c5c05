package llm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandClient runs a local CLI tool for each generation call. The prompt is
// written to stdin and stdout is streamed back chunk by chunk. Model and
// max-token options are appended as conventional flags when set.
type CommandClient struct {
	Argv []string
}

func (c *CommandClient) Generate(ctx context.Context, req Request) (string, error) {
	return c.GenerateStream(ctx, req, nil)
}

func (c *CommandClient) GenerateStream(ctx context.Context, req Request, onChunk func(chunk string)) (string, error) {
	if len(c.Argv) == 0 {
		return "", &ProviderError{Kind: Permanent, Msg: "command provider has empty argv"}
	}
	argv := append([]string(nil), c.Argv...)
	if req.Options.Model != "" {
		argv = append(argv, "--model", req.Options.Model)
	}
	if req.Options.MaxTokens > 0 {
		argv = append(argv, "--max-tokens", fmt.Sprintf("%d", req.Options.MaxTokens))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &ProviderError{Kind: Transient, Msg: "stdout pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return "", &ProviderError{Kind: Permanent, Msg: "start " + argv[0], Err: err}
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		chunk := scanner.Text() + "\n"
		out.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return out.String(), ctx.Err()
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return out.String(), classifyExit(msg, waitErr)
	}
	if scanErr != nil {
		return out.String(), &ProviderError{Kind: Transient, Msg: "read output", Err: scanErr}
	}
	return out.String(), nil
}

// classifyExit maps a failed command to a retry class. Rate-limit wording in
// stderr becomes a RateLimitError so the caller can back off; anything else
// is treated as transient since local tool failures are usually recoverable.
func classifyExit(stderrMsg string, waitErr error) error {
	lower := strings.ToLower(stderrMsg)
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") || strings.Contains(lower, "429") {
		return &RateLimitError{}
	}
	if strings.Contains(lower, "invalid") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "authentication") {
		return &ProviderError{Kind: Permanent, Msg: stderrMsg, Err: waitErr}
	}
	return &ProviderError{Kind: Transient, Msg: stderrMsg, Err: waitErr}
}
