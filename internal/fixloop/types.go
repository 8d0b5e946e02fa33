package fixloop

import (
	"time"

	"aindrocode/internal/oracle"
	"aindrocode/internal/sandbox"
)

type Request struct {
	Code     string
	Error    string
	Language string
	// MaxIterations of 0 selects the configured default; larger values are
	// clamped to the configured cap.
	MaxIterations int
	Context       string

	Input string
	Files []sandbox.File
	Path  string

	Model  string
	APIKey string
}

// Outcome is how a loop stopped.
type Outcome int

const (
	OutcomeAborted Outcome = iota
	OutcomeSuccess
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "stopped_by_success"
	case OutcomeExhausted:
		return "stopped_by_exhaustion"
	default:
		return "aborted"
	}
}

// Iteration records one applied fix.
type Iteration struct {
	Ordinal       int    `json:"iteration"`
	ErrorSnapshot string `json:"error"`
	Applied       bool   `json:"applied"`
	Passed        bool   `json:"passed"`
	ExitCode      int    `json:"exitCode"`
}

type Result struct {
	ID            string
	FixedCode     string
	Iterations    int
	MaxIterations int
	History       []Iteration
	Outcome       Outcome
	LastExecution *sandbox.ExecutionResult
	Usage         oracle.Usage
	Duration      time.Duration
}

// Succeeded reports whether the final candidate ran cleanly. An exhausted
// loop is a partial success, not a failure.
func (r *Result) Succeeded() bool {
	return r != nil && r.Outcome == OutcomeSuccess
}

// Step is handed to an Observer after each re-execution.
type Step struct {
	Iteration Iteration
	Code      string
	Execution *sandbox.ExecutionResult
}

// Observer receives progress for streaming. It runs on the loop's goroutine.
type Observer func(Step)
