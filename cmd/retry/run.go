package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jzx17/goresilience/pkg/classify"
	"github.com/jzx17/goresilience/pkg/retry"
	"github.com/jzx17/goresilience/pkg/strategy"
	"github.com/jzx17/goresilience/pkg/types"
)

// stderrTail bounds how much child stderr is kept for classification
const stderrTail = 4 << 10

type runOptions struct {
	Strategy     string
	MaxRetries   int
	Delay        time.Duration
	Timeout      time.Duration
	TotalTimeout time.Duration
	Patterns     []string
	OnlyMatching bool
}

func NewRunCmd(a *app) *cobra.Command {
	var options runOptions

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a command until it exits successfully",
		Long: `Run a command, retrying it while it exits with a non-zero status.

Every failure is retried by default. With --only-matching a failure is
retried only when its stderr matches a built-in or --pattern rule.`,
		Example: `  # Retry a flaky download up to five times
  retry run --max-retries 5 --delay 500ms -- curl -fsS https://example.com

  # Retry only transient database errors
  retry run --only-matching --pattern '(?i)lock timeout' -- ./migrate up`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, options, args)
		},
	}

	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&options.Strategy, "strategy", "s", "", "retry strategy (overrides the configuration)")
	cmd.Flags().IntVarP(&options.MaxRetries, "max-retries", "n", -1, "retries after the first attempt")
	cmd.Flags().DurationVarP(&options.Delay, "delay", "d", 0, "base delay of a backoff strategy")
	cmd.Flags().DurationVar(&options.Timeout, "timeout", 0, "time limit of each attempt")
	cmd.Flags().DurationVar(&options.TotalTimeout, "total-timeout", 0, "time limit of the whole run, waits included")
	cmd.Flags().StringArrayVarP(&options.Patterns, "pattern", "p", nil, "stderr pattern that marks a failure retryable (repeatable)")
	cmd.Flags().BoolVar(&options.OnlyMatching, "only-matching", false, "retry only failures matching a pattern")

	return cmd
}

func (a *app) run(cmd *cobra.Command, options runOptions, args []string) error {
	cfg := a.config
	if cmd.Flags().Changed("strategy") {
		cfg.Strategy = strategy.Spec{Name: options.Strategy}
	}
	if cmd.Flags().Changed("delay") {
		if err := setBaseDelay(&cfg.Strategy, options.Delay); err != nil {
			return err
		}
	}
	if options.MaxRetries >= 0 {
		cfg.MaxRetries = options.MaxRetries
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout = options.Timeout
	}
	if cmd.Flags().Changed("total-timeout") {
		cfg.TotalTimeout = options.TotalTimeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	patterns, err := classify.CompilePatterns(options.Patterns)
	if err != nil {
		return fmt.Errorf("%w: --pattern: %v", types.ErrInvalidConfig, err)
	}

	ctx := cmd.Context()
	s, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := cfg.BuildStrategy(s, strategy.WithLogger(a.logger))
	if err != nil {
		return err
	}
	registry, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	executor := retry.NewExecutor(st, append(cfg.ExecutorOptions(registry),
		retry.WithLogger(a.logger),
		retry.WithEventHandler(retry.NewLogEventHandler(a.logger)),
		retry.WithProgress(func(msg string) { fmt.Fprintln(stderr, msg) }),
	)...)

	proc := &process{
		name:         args[0],
		args:         args[1:],
		stdin:        cmd.InOrStdin(),
		stdout:       cmd.OutOrStdout(),
		stderr:       stderr,
		onlyMatching: options.OnlyMatching,
	}
	result := retry.Run(ctx, executor, proc.attempt,
		retry.WithName(args[0]),
		retry.WithExtraPatterns(patterns...))

	if err := result.Err(); err != nil {
		a.logger.Debug("command failed", zap.Int("attempts", result.Attempts()), zap.Error(err))
		return err
	}
	return nil
}

// setBaseDelay sets the base delay of a backoff strategy
func setBaseDelay(spec *strategy.Spec, delay time.Duration) error {
	switch strings.ReplaceAll(strings.ToLower(spec.Name), "-", "_") {
	case "", strategy.NameExponential, strategy.NameLinear, strategy.NameFixed,
		strategy.NameFibonacci, strategy.NameDecorrelatedJitter:
	default:
		return fmt.Errorf("%w: --delay needs a backoff strategy, got %q", types.ErrInvalidConfig, spec.Name)
	}
	if spec.Name == "" {
		spec.Name = strategy.NameExponential
	}
	options := make(map[string]any, len(spec.Options)+1)
	for k, v := range spec.Options {
		options[k] = v
	}
	options["base_delay"] = delay.String()
	spec.Options = options
	return nil
}

// process runs one child command per attempt
type process struct {
	name         string
	args         []string
	stdin        io.Reader
	stdout       io.Writer
	stderr       io.Writer
	onlyMatching bool
}

// processError is a non-zero exit with the tail of the child's stderr, so
// classification can match on the child's own error messages.
type processError struct {
	err    *exec.ExitError
	stderr string
}

func (e *processError) Error() string {
	if e.stderr == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%v: %s", e.err, e.stderr)
}

func (e *processError) Unwrap() error {
	return e.err
}

func (p *process) attempt(ctx context.Context) (struct{}, error) {
	tail := &tailBuffer{limit: stderrTail}
	c := exec.CommandContext(ctx, p.name, p.args...)
	c.Stdin = p.stdin
	c.Stdout = p.stdout
	c.Stderr = io.MultiWriter(p.stderr, tail)

	err := c.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return struct{}{}, nil
	case errors.As(err, &exitErr):
		perr := &processError{err: exitErr, stderr: strings.TrimSpace(tail.String())}
		if p.onlyMatching {
			return struct{}{}, perr
		}
		return struct{}{}, types.MarkRetryable(perr)
	default:
		// the command could not be started
		return struct{}{}, types.MarkPermanent(err)
	}
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
