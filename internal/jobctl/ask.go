package jobctl

import (
	"context"
	"strings"
	"time"

	"github.com/Iron-Ham/stagehand/internal/artifact"
	"github.com/Iron-Ham/stagehand/internal/plan"
	"github.com/Iron-Ham/stagehand/internal/worker"
)

// AskLabel names one-shot ask invocations in logs and errors.
const AskLabel = "ask"

// DefaultAskTimeout bounds an ask invocation when none is given.
const DefaultAskTimeout = 5 * time.Minute

const askRole = `You are a helpful assistant with access to the artifact store tools.
Help the user query, inspect or manage their artifacts.
Always respond in the same language as the user's prompt.`

// AskRequest is a one-shot worker call outside any pipeline.
type AskRequest struct {
	Prompt string
	// Root is the artifact root the worker is pointed at. Optional.
	Root string
	// Writable grants the write allow-list instead of the read one.
	Writable bool
	// Instructions are appended to the built-in directive.
	Instructions string
	// ContinuationHandle resumes an earlier ask session.
	ContinuationHandle string
	Timeout            time.Duration
}

func askDirective(r AskRequest) string {
	parts := []string{askRole}
	if s := strings.TrimSpace(r.Instructions); s != "" {
		parts = append(parts, s)
	}
	if r.Root != "" {
		parts = append(parts, "artifact_root: "+r.Root)
	}
	return strings.Join(parts, "\n\n")
}

// Ask runs a single worker invocation with no shared context, plan or
// progress. The result carries the continuation handle for a follow-up.
func (c *Controller) Ask(ctx context.Context, r AskRequest) (*worker.Result, error) {
	req := worker.Request{
		Prompt:             r.Prompt,
		Instructions:       askDirective(r),
		Capability:         plan.CapabilityRead,
		Timeout:            r.Timeout,
		ContinuationHandle: r.ContinuationHandle,
		Label:              AskLabel,
	}
	if r.Writable {
		req.Capability = plan.CapabilityWrite
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultAskTimeout
	}
	if r.Root != "" {
		if lr, ok := c.cfg.Store.(artifact.LocalRooter); ok {
			req.WorkDir = lr.LocalPath(r.Root)
		}
	}

	log := c.logger.WithPhase(AskLabel)
	log.Info("ask started", "root", r.Root, "writable", r.Writable, "resume", r.ContinuationHandle != "")
	res, err := c.cfg.Runner.Run(ctx, req)
	if err != nil {
		log.Warn("ask failed", "error", err.Error())
		return nil, err
	}
	log.Info("ask finished", "turns", res.TurnsUsed, "timed_out", res.TimedOut)
	return res, nil
}
