package storage

import (
	"errors"
	"time"

	"aindrocode/internal/fixloop"
	"aindrocode/internal/sandbox"
)

var ErrNotFound = errors.New("not found")

// Execution kinds.
const (
	KindRun     = "run"
	KindCommand = "command"
	KindInstall = "install"
)

// Execution represents a stored execution record.
type Execution struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Language   string    `json:"language,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	CodeHash   string    `json:"codeHash,omitempty"`
	ExitCode   int       `json:"exitCode"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	PreviewURL string    `json:"previewUrl,omitempty"`
	DurationMS int64     `json:"durationMs"`
	Status     string    `json:"status"` // completed, failed, timeout
	Cached     bool      `json:"cached,omitempty"`
	RequestIP  string    `json:"-"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FixRun is one fix-loop invocation and its per-iteration history.
type FixRun struct {
	ID            string         `json:"id"`
	Language      string         `json:"language"`
	CodeHash      string         `json:"codeHash"`
	Outcome       string         `json:"outcome"`
	Iterations    int            `json:"iterations"`
	MaxIterations int            `json:"maxIterations"`
	FixedCode     string         `json:"fixedCode"`
	Error         string         `json:"error,omitempty"`
	InputTokens   int            `json:"inputTokens"`
	OutputTokens  int            `json:"outputTokens"`
	DurationMS    int64          `json:"durationMs"`
	RequestIP     string         `json:"-"`
	APIKeyHash    string         `json:"-"`
	CreatedAt     time.Time      `json:"createdAt"`
	History       []FixIteration `json:"history"`
}

type FixIteration struct {
	Ordinal       int    `json:"iteration"`
	ErrorSnapshot string `json:"error"`
	Applied       bool   `json:"applied"`
	Passed        bool   `json:"passed"`
	ExitCode      int    `json:"exitCode"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Kind     string
	Language string
	Status   string
	Since    *time.Time
	Limit    int
	Offset   int
}

// Caller identifies who made a request.
type Caller struct {
	IP         string
	APIKeyHash string
}

func status(exitCode int, timedOut bool) string {
	switch {
	case timedOut:
		return "timeout"
	case exitCode == 0:
		return "completed"
	default:
		return "failed"
	}
}

// FromExecution builds an audit record for a /execute/run result.
func FromExecution(res *sandbox.ExecutionResult, language string, cached bool, c Caller) *Execution {
	return &Execution{
		ID:         res.ID,
		Kind:       KindRun,
		Language:   language,
		Platform:   res.Platform,
		CodeHash:   res.CodeHash,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		PreviewURL: res.PreviewURL,
		DurationMS: res.Duration.Milliseconds(),
		Status:     status(res.ExitCode, res.TimedOut),
		Cached:     cached,
		RequestIP:  c.IP,
		APIKeyHash: c.APIKeyHash,
		CreatedAt:  time.Now().UTC(),
	}
}

func FromCommand(out *sandbox.CommandOutput, c Caller) *Execution {
	return &Execution{
		ID:         out.ID,
		Kind:       KindCommand,
		ExitCode:   out.ExitCode,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		DurationMS: out.Duration.Milliseconds(),
		Status:     status(out.ExitCode, out.TimedOut),
		RequestIP:  c.IP,
		APIKeyHash: c.APIKeyHash,
		CreatedAt:  time.Now().UTC(),
	}
}

func FromInstall(out *sandbox.InstallOutput, manager string, c Caller) *Execution {
	return &Execution{
		ID:         out.ID,
		Kind:       KindInstall,
		Language:   manager,
		ExitCode:   out.ExitCode,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		DurationMS: out.Duration.Milliseconds(),
		Status:     status(out.ExitCode, out.TimedOut),
		RequestIP:  c.IP,
		APIKeyHash: c.APIKeyHash,
		CreatedAt:  time.Now().UTC(),
	}
}

// FromFixResult builds an audit record for a fix loop. runErr is the error
// that aborted the loop, if any.
func FromFixResult(res *fixloop.Result, language, codeHash string, runErr error, c Caller) *FixRun {
	run := &FixRun{
		ID:            res.ID,
		Language:      language,
		CodeHash:      codeHash,
		Outcome:       res.Outcome.String(),
		Iterations:    res.Iterations,
		MaxIterations: res.MaxIterations,
		FixedCode:     res.FixedCode,
		InputTokens:   res.Usage.InputTokens,
		OutputTokens:  res.Usage.OutputTokens,
		DurationMS:    res.Duration.Milliseconds(),
		RequestIP:     c.IP,
		APIKeyHash:    c.APIKeyHash,
		CreatedAt:     time.Now().UTC(),
		History:       make([]FixIteration, 0, len(res.History)),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	for _, it := range res.History {
		run.History = append(run.History, FixIteration{
			Ordinal:       it.Ordinal,
			ErrorSnapshot: it.ErrorSnapshot,
			Applied:       it.Applied,
			Passed:        it.Passed,
			ExitCode:      it.ExitCode,
		})
	}
	return run
}
