package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genline/internal/artifact"
	"genline/internal/config"
	"genline/internal/domain"
	"genline/internal/llm"
	"genline/internal/ratelimit"
	"genline/internal/retry"
	"genline/internal/stream"
	"genline/internal/template"
)

// Executor runs one stage to completion or exhaustion: render the prompt,
// respect the provider's rate window, call the provider with streaming, parse
// the output, and retry per policy. It owns no run state; the scheduler
// applies the result.
type Executor struct {
	Clients      map[string]llm.Client
	Providers    map[string]config.Provider
	Renderer     template.Renderer
	Limiter      *ratelimit.Limiter
	Hub          *stream.Hub
	Policy       retry.Policy
	StageTimeout time.Duration
}

// ExecResult is the outcome of executing one stage.
type ExecResult struct {
	StageID   string
	Artifact  *domain.Artifact
	RawOutput string
	Attempts  int
	Err       error
}

// Execute runs the stage. A cancelled context aborts the in-flight attempt;
// the partial output streamed so far comes back in RawOutput.
func (x Executor) Execute(ctx context.Context, runID string, st domain.StageState, brief domain.Brief, artifacts map[string]*domain.Artifact) ExecResult {
	res := ExecResult{StageID: st.ID}

	client, ok := x.Clients[st.Provider]
	if !ok {
		res.Err = fmt.Errorf("no client for provider %q", st.Provider)
		return res
	}
	prompt, err := x.Renderer.Render(st.Template, template.Context{
		Brief:     brief,
		Artifacts: artifacts,
		Stage:     &st,
	})
	if err != nil {
		res.Err = err
		return res
	}

	provider := x.Providers[st.Provider]
	req := llm.Request{Prompt: prompt, Options: llm.Options{
		Model:       provider.Model,
		Temperature: provider.Temperature,
		MaxTokens:   provider.MaxTokens,
	}}

	policy := x.Policy
	policy.Classify = classify
	policy.Cooldown = func(err error) time.Duration {
		after := llm.RetryAfter(err)
		if after > 0 && x.Limiter != nil {
			x.Limiter.ReportRateLimited(st.Provider, after)
		}
		return after
	}

	aborted := false
	op := func(ctx context.Context, attempt int) error {
		aborted = false
		if x.Limiter != nil {
			if wait := x.Limiter.Reserve(st.Provider); wait > 0 {
				if err := sleepCtx(ctx, wait); err != nil {
					aborted = true
					return err
				}
			}
		}
		if x.Hub != nil {
			x.Hub.StartAttempt(runID, st.ID)
		}
		actx := ctx
		if x.StageTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, x.StageTimeout)
			defer cancel()
		}
		out, err := client.GenerateStream(actx, req, func(chunk string) {
			if x.Hub != nil {
				x.Hub.Publish(runID, st.ID, chunk)
			}
		})
		res.RawOutput = out
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
				aborted = true
			}
			x.finish(runID, st.ID, err)
			return err
		}
		art, err := artifact.Parse(st.Kind, out)
		if err != nil {
			x.finish(runID, st.ID, err)
			return err
		}
		res.Artifact = art
		x.finish(runID, st.ID, nil)
		return nil
	}

	res.Attempts, res.Err = policy.Do(ctx, op, nil)
	if aborted && res.Attempts > 0 {
		// The last attempt was cut off by cancellation before it could fail
		// on its own; only attempts that ran to a real outcome count.
		res.Attempts--
	}
	return res
}

func (x Executor) finish(runID, stageID string, err error) {
	if x.Hub != nil {
		x.Hub.Finish(runID, stageID, err)
	}
}

// classify maps stage errors to retry classes. Validation failures get their
// own smaller budget since the provider answered, just badly. Run
// cancellation is permanent so the attempt stops immediately; the scheduler
// distinguishes it from a real failure.
func classify(err error) retry.Class {
	var pe *artifact.ParseError
	if errors.As(err, &pe) {
		return retry.Validation
	}
	if errors.Is(err, context.Canceled) {
		return retry.Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient
	}
	if llm.IsRetryable(err) {
		return retry.Transient
	}
	return retry.Permanent
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
