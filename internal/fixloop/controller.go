// Package fixloop runs the bounded execute-repair cycle: ask the oracle for
// a fix, re-run the candidate in a fresh sandbox, and stop on the first
// passing run or after the iteration budget is spent.
package fixloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"aindrocode/internal/config"
	"aindrocode/internal/monitor"
	"aindrocode/internal/oracle"
	"aindrocode/internal/runtime"
	"aindrocode/internal/sandbox"
)

const snapshotRunes = 200

var (
	ErrMissingInput      = errors.New("code and error are required")
	ErrInvalidIterations = errors.New("maxIterations out of range")
)

// Executor runs a candidate. *sandbox.Client satisfies it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
}

// Oracle proposes a replacement for failing code. *oracle.Repairer
// satisfies it.
type Oracle interface {
	RequestFix(ctx context.Context, p oracle.FixPrompt) (string, oracle.Usage, error)
}

type Options struct {
	DefaultIterations int
	MaxIterationsCap  int
	Metrics           *monitor.Metrics
	Tracer            *monitor.Tracer
}

func OptionsFromConfig(cfg config.FixLoopConfig) Options {
	return Options{DefaultIterations: cfg.DefaultIterations, MaxIterationsCap: cfg.MaxIterationsCap}
}

type Controller struct {
	executor Executor
	oracle   Oracle
	runtimes *runtime.Registry
	opts     Options
}

func NewController(executor Executor, o Oracle, runtimes *runtime.Registry, opts Options) *Controller {
	if runtimes == nil {
		runtimes = runtime.NewRegistry()
	}
	if opts.DefaultIterations < 1 {
		opts.DefaultIterations = 5
	}
	if opts.MaxIterationsCap < 1 {
		opts.MaxIterationsCap = 10
	}
	if opts.DefaultIterations > opts.MaxIterationsCap {
		opts.DefaultIterations = opts.MaxIterationsCap
	}
	return &Controller{executor: executor, oracle: o, runtimes: runtimes, opts: opts}
}

// Run drives the loop for req. A non-nil error always comes with a non-nil
// Result when the loop got past validation, so callers can show the partial
// history.
func (c *Controller) Run(ctx context.Context, req Request, observe Observer) (*Result, error) {
	maxIter, err := c.validate(req)
	if err != nil {
		return nil, err
	}

	fixID := uuid.New().String()
	logger := log.With().
		Str("fix_id", fixID).
		Str("language", req.Language).
		Int("max_iterations", maxIter).
		Logger()

	ctx, span := c.opts.Tracer.StartSpan(ctx, "fixloop.run",
		monitor.AttrFixID.String(fixID),
		monitor.AttrLanguage.String(req.Language),
	)
	defer span.End()

	start := time.Now()
	res := &Result{
		ID:            fixID,
		FixedCode:     req.Code,
		MaxIterations: maxIter,
		History:       make([]Iteration, 0, maxIter),
		Outcome:       OutcomeAborted,
	}
	defer func() {
		res.Duration = time.Since(start)
		c.opts.Metrics.RecordFixLoop(res.Outcome.String(), res.Iterations)
		span.SetAttributes(monitor.AttrIteration.Int(res.Iterations))
		logger.Info().
			Str("outcome", res.Outcome.String()).
			Int("iterations", res.Iterations).
			Dur("duration", res.Duration).
			Msg("fix loop finished")
	}()

	current := req.Code
	errText := req.Error

	for res.Iterations < maxIter {
		ordinal := res.Iterations + 1
		stepErr := c.step(ctx, req, res, ordinal, maxIter, &current, &errText, observe)
		if stepErr != nil {
			span.RecordError(stepErr)
			span.SetStatus(codes.Error, stepErr.Error())
			logger.Warn().Err(stepErr).Int("iteration", ordinal).Msg("fix loop aborted")
			return res, stepErr
		}
		if res.Outcome == OutcomeSuccess {
			return res, nil
		}
	}

	res.Outcome = OutcomeExhausted
	return res, nil
}

// step performs one iteration. On success it has appended exactly one
// history entry and advanced res.Iterations by one.
func (c *Controller) step(ctx context.Context, req Request, res *Result, ordinal, maxIter int, current, errText *string, observe Observer) error {
	ctx, span := c.opts.Tracer.StartSpan(ctx, "fixloop.iteration",
		monitor.AttrFixID.String(res.ID),
		monitor.AttrIteration.Int(ordinal),
	)
	defer span.End()

	candidate, usage, err := c.oracle.RequestFix(ctx, oracle.FixPrompt{
		Code:          *current,
		ErrorText:     *errText,
		Language:      req.Language,
		Iteration:     ordinal,
		MaxIterations: maxIter,
		Context:       req.Context,
		Model:         req.Model,
		APIKey:        req.APIKey,
	})
	res.Usage = res.Usage.Add(usage)
	if err != nil {
		return fmt.Errorf("iteration %d: %w", ordinal, err)
	}

	*current = strings.TrimSpace(candidate)
	res.FixedCode = *current
	res.History = append(res.History, Iteration{
		Ordinal:       ordinal,
		ErrorSnapshot: Snapshot(*errText),
		Applied:       true,
	})
	res.Iterations = ordinal

	exec, err := c.executor.Execute(ctx, sandbox.ExecutionRequest{
		Code:     *current,
		Language: req.Language,
		Input:    req.Input,
		Files:    req.Files,
		Path:     req.Path,
	})
	if err != nil {
		return fmt.Errorf("iteration %d: re-executing candidate: %w", ordinal, err)
	}

	res.LastExecution = exec
	res.History[ordinal-1].Passed = exec.Success
	res.History[ordinal-1].ExitCode = exec.ExitCode
	if observe != nil {
		observe(Step{Iteration: res.History[ordinal-1], Code: *current, Execution: exec})
	}

	if exec.Success {
		res.Outcome = OutcomeSuccess
		return nil
	}
	*errText = exec.ErrorText()
	return nil
}

func (c *Controller) validate(req Request) (int, error) {
	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.Error) == "" {
		return 0, ErrMissingInput
	}
	if _, err := c.runtimes.Resolve(req.Language); err != nil {
		return 0, fmt.Errorf("%w: %v", sandbox.ErrUnsupportedLang, err)
	}
	switch {
	case req.MaxIterations < 0:
		return 0, fmt.Errorf("%w: got %d", ErrInvalidIterations, req.MaxIterations)
	case req.MaxIterations == 0:
		return c.opts.DefaultIterations, nil
	case req.MaxIterations > c.opts.MaxIterationsCap:
		return 0, fmt.Errorf("%w: got %d, limit is %d", ErrInvalidIterations, req.MaxIterations, c.opts.MaxIterationsCap)
	default:
		return req.MaxIterations, nil
	}
}

// Snapshot returns the first 200 runes of s.
func Snapshot(s string) string {
	n := 0
	for i := range s {
		if n == snapshotRunes {
			return s[:i]
		}
		n++
	}
	return s
}
