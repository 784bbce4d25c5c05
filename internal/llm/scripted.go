package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ScriptedClient replays canned responses in order, repeating the last one
// once the script is exhausted. Responses prefixed with error directives
// simulate failures:
//
//	!transient <msg>    transient provider error
//	!permanent <msg>    permanent provider error
//	!rate_limit <dur>   rate limit with optional retry-after, e.g. !rate_limit 30s
type ScriptedClient struct {
	mu        sync.Mutex
	responses []string
	next      int
}

func NewScripted(responses []string) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

func (c *ScriptedClient) Generate(ctx context.Context, req Request) (string, error) {
	return c.GenerateStream(ctx, req, nil)
}

func (c *ScriptedClient) GenerateStream(ctx context.Context, req Request, onChunk func(chunk string)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	if len(c.responses) == 0 {
		c.mu.Unlock()
		return "", &ProviderError{Kind: Permanent, Msg: "scripted provider has no responses"}
	}
	resp := c.responses[c.next]
	if c.next < len(c.responses)-1 {
		c.next++
	}
	c.mu.Unlock()

	if err := directiveError(resp); err != nil {
		return "", err
	}
	if onChunk != nil {
		// Stream line by line so subscribers exercise the chunk path.
		for _, line := range strings.SplitAfter(resp, "\n") {
			if line == "" {
				continue
			}
			onChunk(line)
		}
	}
	return resp, nil
}

func directiveError(resp string) error {
	switch {
	case strings.HasPrefix(resp, "!transient"):
		return &ProviderError{Kind: Transient, Msg: strings.TrimSpace(strings.TrimPrefix(resp, "!transient"))}
	case strings.HasPrefix(resp, "!permanent"):
		return &ProviderError{Kind: Permanent, Msg: strings.TrimSpace(strings.TrimPrefix(resp, "!permanent"))}
	case strings.HasPrefix(resp, "!rate_limit"):
		arg := strings.TrimSpace(strings.TrimPrefix(resp, "!rate_limit"))
		var after time.Duration
		if arg != "" {
			if d, err := time.ParseDuration(arg); err == nil {
				after = d
			}
		}
		return &RateLimitError{RetryAfter: after}
	}
	return nil
}
