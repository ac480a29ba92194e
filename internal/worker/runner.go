package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/logging"
	"github.com/Iron-Ham/stagehand/internal/util"
)

// ProcessRunner runs the worker CLI as a subprocess per attempt.
type ProcessRunner struct {
	opts       Options
	writeGlobs []glob.Glob
	logger     *logging.Logger
}

// New creates a ProcessRunner. A nil logger discards output.
func New(opts Options, logger *logging.Logger) *ProcessRunner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	opts = opts.withDefaults()
	return &ProcessRunner{opts: opts, writeGlobs: compilePatterns(opts.WritePatterns), logger: logger}
}

// Run executes req, retrying transient failures up to MaxAttempts. A
// write-capable attempt that times out returns a partial Result and no error;
// it is never retried because its side effects may already be persisted.
func (r *ProcessRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, canceledError(req, 0)
	}
	log := r.logger.With("label", req.Label)
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		res, err := r.attempt(ctx, req, attempt, log)
		if err == nil {
			res.Attempts = attempt
			res.Duration = time.Since(start)
			log.Info("worker finished",
				"attempt", attempt,
				"turns", res.TurnsUsed,
				"cost_usd", res.CostEstimate,
				"timed_out", res.TimedOut,
				"duration", res.Duration.Round(time.Millisecond).String(),
			)
			return res, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			break
		}
		if attempt < r.opts.MaxAttempts {
			log.Warn("worker attempt failed, retrying", "attempt", attempt, "error", err.Error())
		}
	}
	return nil, lastErr
}

type readOutcome struct {
	err error
}

func (r *ProcessRunner) attempt(ctx context.Context, req Request, n int, log *logging.Logger) (*Result, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if req.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	cmd := exec.Command(r.opts.Command, r.buildArgs(req)...)
	cmd.Env = r.environ()
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = r.opts.KillGrace
	setProcessGroup(cmd)

	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.NewWorkerError("failed to create stdout pipe", err).
			WithLabel(req.Label).WithAttempt(n).WithRetryable(false)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.NewWorkerError(fmt.Sprintf("failed to start %s", r.opts.Command), err).
			WithLabel(req.Label).WithAttempt(n).WithRetryable(false)
	}
	log.Debug("worker started", "attempt", n, "pid", cmd.Process.Pid, "resume", req.ContinuationHandle != "")

	st := &stream{}
	done := make(chan readOutcome, 1)
	go func() {
		done <- readOutcome{err: r.readStream(stdout, st, log)}
	}()

	select {
	case out := <-done:
		if st.done {
			go r.reap(cmd, stdout, log)
			return r.finish(req, n, st, stderr)
		}
		waitErr := cmd.Wait()
		if attemptCtx.Err() != nil {
			// The deadline raced with the process exiting on its own.
			return r.stopped(ctx, req, n, st, stderr)
		}
		if out.err != nil {
			return nil, errors.NewWorkerError("failed to read worker output", out.err).
				WithLabel(req.Label).WithAttempt(n).WithStderr(stderr.String())
		}
		if waitErr != nil {
			return nil, errors.NewWorkerError("worker exited without a result", waitErr).
				WithLabel(req.Label).WithAttempt(n).WithExitCode(exitCode(waitErr)).WithStderr(stderr.String())
		}
		return r.finish(req, n, st, stderr)

	case <-attemptCtx.Done():
		terminate(cmd)
		select {
		case <-done:
		case <-time.After(r.opts.KillGrace):
			log.Warn("worker ignored SIGTERM, killing", "grace", r.opts.KillGrace.String())
			kill(cmd)
			<-done
		}
		_ = cmd.Wait()
		return r.stopped(ctx, req, n, st, stderr)
	}
}

// readStream consumes stdout until the result event or EOF.
func (r *ProcessRunner) readStream(stdout io.Reader, st *stream, log *logging.Logger) error {
	br := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, tooLong, err := readLine(br, r.opts.MaxLineBytes)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if tooLong {
			st.malformed++
			log.Warn("skipping oversized stream line", "limit", r.opts.MaxLineBytes)
			continue
		}
		if err := st.consume(line); err != nil {
			log.Debug("skipping malformed stream line", "error", err.Error())
			continue
		}
		if st.done {
			return nil
		}
	}
}

// reap lets a worker that already reported its result exit on its own,
// draining its output, and kills it after ReapGrace.
func (r *ProcessRunner) reap(cmd *exec.Cmd, stdout io.Reader, log *logging.Logger) {
	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, stdout)
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(r.opts.ReapGrace):
		log.Debug("worker lingered after result, killing", "grace", r.opts.ReapGrace.String())
		kill(cmd)
		<-drained
	}
	_ = cmd.Wait()
}

// finish turns a completed stream into a Result, or a transient error when
// the worker produced no text or flagged its result as an error.
func (r *ProcessRunner) finish(req Request, n int, st *stream, stderr *tailBuffer) (*Result, error) {
	text := st.output()
	if strings.TrimSpace(text) == "" {
		msg := "worker produced no output"
		if st.isError && st.subtype != "" {
			msg = fmt.Sprintf("worker produced no output (%s)", st.subtype)
		}
		return nil, errors.NewWorkerError(msg, errors.ErrEmptyResult).
			WithLabel(req.Label).WithAttempt(n).WithStderr(stderr.String())
	}
	if st.isError {
		msg := "worker reported an error result"
		if st.subtype != "" {
			msg = fmt.Sprintf("%s (%s)", msg, st.subtype)
		}
		return nil, errors.NewWorkerError(msg+": "+Summarize(util.OneLine(text)), errors.ErrWorkerFailed).
			WithLabel(req.Label).WithAttempt(n).WithStderr(stderr.String())
	}
	return &Result{
		Summary:            Summarize(text),
		FullOutput:         text,
		TurnsUsed:          st.turnsUsed(),
		CostEstimate:       st.cost,
		ContinuationHandle: st.sessionID,
	}, nil
}

// stopped classifies an attempt that was interrupted before its result.
func (r *ProcessRunner) stopped(ctx context.Context, req Request, n int, st *stream, stderr *tailBuffer) (*Result, error) {
	if ctx.Err() != nil {
		return nil, canceledError(req, n)
	}
	if r.writeCapable(req) {
		r.logger.Warn("write worker timed out, keeping partial output",
			"label", req.Label, "timeout", req.Timeout.String())
		return &Result{
			Summary:            PartialSummary,
			FullOutput:         st.lastText,
			TurnsUsed:          st.turnsUsed(),
			CostEstimate:       st.cost,
			TimedOut:           true,
			ContinuationHandle: st.sessionID,
		}, nil
	}
	return nil, errors.NewWorkerError(fmt.Sprintf("timed out after %s", req.Timeout),
		errors.NewTimeoutError(req.Label, req.Timeout)).
		WithKind(errors.KindTimeout).WithLabel(req.Label).WithAttempt(n).WithStderr(stderr.String())
}

func canceledError(req Request, n int) error {
	return errors.NewWorkerError("canceled", errors.ErrCanceled).
		WithKind(errors.KindCanceled).WithLabel(req.Label).WithAttempt(n)
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

const stderrTailBytes = 4096

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
