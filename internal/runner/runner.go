// Package runner spawns analysis scripts and relays their console output.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"finbridge/internal/config"
	"finbridge/internal/metrics"
	"finbridge/internal/model"
)

// ErrUnknownRunner is returned when no runner is configured under a name.
var ErrUnknownRunner = errors.New("unknown runner")

// utf8Env forces the interpreter's stdio to UTF-8 whatever the host locale.
var utf8Env = []string{"PYTHONIOENCODING=utf-8", "PYTHONUTF8=1"}

// waitDelay bounds how long Wait keeps draining pipes after a kill.
const waitDelay = 2 * time.Second

// Result is the outcome of a buffered run.
type Result struct {
	Output   string
	Stderr   string
	ExitCode int
}

// Runner starts one OS process per invocation.
type Runner struct {
	cfg     config.RunnerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	slots   *semaphore.Weighted // nil when unlimited
	timeout time.Duration
}

// New creates a Runner. The metrics parameter is optional.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Runner {
	r := &Runner{
		cfg:     cfg.Runner,
		logger:  logger.With("component", "runner"),
		metrics: m,
		timeout: time.Duration(cfg.Runner.TimeoutSeconds) * time.Second,
	}
	if cfg.Runner.MaxConcurrent > 0 {
		r.slots = semaphore.NewWeighted(int64(cfg.Runner.MaxConcurrent))
	}
	return r
}

// Spec returns the configured runner called name.
func (r *Runner) Spec(name string) (config.RunnerSpec, error) {
	spec, ok := r.cfg.Spec(name)
	if !ok {
		return config.RunnerSpec{}, fmt.Errorf("%w: %q", ErrUnknownRunner, name)
	}
	return spec, nil
}

// Targets turns the raw symbol parameter into script arguments.
func Targets(spec config.RunnerSpec, raw string) []string {
	if spec.Tokenize {
		return Tokenize(raw)
	}
	return []string{raw}
}

// Invocation resolves the command line for spec with the given targets.
func (r *Runner) Invocation(spec config.RunnerSpec, targets []string) (*model.ProcessInvocation, error) {
	script, err := filepath.Abs(filepath.Join(r.cfg.ScriptsDir, spec.Script))
	if err != nil {
		return nil, fmt.Errorf("resolve script %s: %w", spec.Script, err)
	}

	args := make([]string, 0, len(spec.Args)+1+len(targets))
	args = append(args, spec.Args...)
	args = append(args, script)
	args = append(args, targets...)

	return &model.ProcessInvocation{
		ID:      uuid.NewString(),
		Runner:  spec.Name,
		Program: r.cfg.Python,
		Args:    args,
		Dir:     filepath.Dir(script),
		Env:     deduplicateEnv(append(os.Environ(), utf8Env...)),
	}, nil
}

// Stream runs inv and calls emit for every non-empty output line, then once
// with the end frame carrying the exit code. emit is called from two
// goroutines and must be safe for concurrent use; frames from one source
// arrive in order. Canceling ctx kills the process group.
//
// A process that cannot be set up or started is reported through emit as a
// stderr frame followed by an end frame with code -1, and the error is
// returned.
// A non-zero exit is not an error.
func (r *Runner) Stream(ctx context.Context, inv *model.ProcessInvocation, emit func(model.EventFrame)) (int, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return -1, err
	}
	defer release()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	cmd := r.command(ctx, inv)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return r.abort(inv, start, fmt.Errorf("stdout pipe: %w", err), emit)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return r.abort(inv, start, fmt.Errorf("stderr pipe: %w", err), emit)
	}
	if err := cmd.Start(); err != nil {
		return r.abort(inv, start, fmt.Errorf("start %s: %w", inv.Runner, err), emit)
	}
	r.started(inv, cmd)

	var g errgroup.Group
	g.Go(func() error { return readLines(stdout, func(l string) { emit(model.Output(l)) }) })
	g.Go(func() error { return readLines(stderr, func(l string) { emit(model.Diagnostic(l)) }) })
	if err := g.Wait(); err != nil {
		r.logger.Debug("output read ended early", "id", inv.ID, "error", err)
	}

	code := exitCode(cmd.Wait())
	r.finish(inv, start, code, outcome(ctx, code))
	emit(model.End(code))
	return code, nil
}

// Run runs inv to completion and returns its collected output.
func (r *Runner) Run(ctx context.Context, inv *model.ProcessInvocation) (*Result, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := r.command(ctx, inv)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.finish(inv, start, -1, metrics.OutcomeError)
		return nil, fmt.Errorf("start %s: %w", inv.Runner, err)
	}
	r.started(inv, cmd)

	code := exitCode(cmd.Wait())
	r.finish(inv, start, code, outcome(ctx, code))

	return &Result{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

// abort reports a process that never ran: a stderr frame with err, then
// the end frame with code -1.
func (r *Runner) abort(inv *model.ProcessInvocation, start time.Time, err error, emit func(model.EventFrame)) (int, error) {
	r.finish(inv, start, -1, metrics.OutcomeError)
	emit(model.Diagnostic(err.Error()))
	emit(model.End(-1))
	return -1, err
}

func (r *Runner) command(ctx context.Context, inv *model.ProcessInvocation) *exec.Cmd {
	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)
	return cmd
}

// acquire blocks until a process slot is free or ctx is done.
func (r *Runner) acquire(ctx context.Context) (func(), error) {
	if r.slots == nil {
		return func() {}, nil
	}
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for runner slot: %w", err)
	}
	return func() { r.slots.Release(1) }, nil
}

func (r *Runner) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Runner) started(inv *model.ProcessInvocation, cmd *exec.Cmd) {
	r.logger.Info("process started",
		"id", inv.ID,
		"runner", inv.Runner,
		"pid", cmd.Process.Pid,
		"command", inv.String(),
	)
	if r.metrics != nil {
		r.metrics.RunsActive.WithLabelValues(inv.Runner).Inc()
	}
}

func (r *Runner) finish(inv *model.ProcessInvocation, start time.Time, code int, result string) {
	duration := time.Since(start)
	r.logger.Info("process exited",
		"id", inv.ID,
		"runner", inv.Runner,
		"code", code,
		"outcome", result,
		"duration_ms", duration.Milliseconds(),
	)
	if r.metrics == nil {
		return
	}
	if result != metrics.OutcomeError {
		r.metrics.RunsActive.WithLabelValues(inv.Runner).Dec()
		r.metrics.RunDuration.WithLabelValues(inv.Runner).Observe(duration.Seconds())
	}
	r.metrics.RunsTotal.WithLabelValues(inv.Runner, result).Inc()
}

func outcome(ctx context.Context, code int) string {
	switch {
	case ctx.Err() != nil:
		return metrics.OutcomeCanceled
	case code == 0:
		return metrics.OutcomeSuccess
	default:
		return metrics.OutcomeFailure
	}
}

// exitCode maps the result of Wait to a process exit code. Processes
// terminated by a signal report -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// readLines calls fn for every non-empty line of r. Both "\n" and "\r\n"
// terminate a line; a final unterminated line is delivered too.
func readLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			fn(line)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// deduplicateEnv keeps the last occurrence of each variable so appended
// overrides win over inherited values.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
