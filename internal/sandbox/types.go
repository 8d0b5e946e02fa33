package sandbox

import (
	"strconv"
	"time"
)

// File is an auxiliary file uploaded before the primary source file.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type ExecutionRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input,omitempty"`
	Files    []File `json:"files,omitempty"`
	Path     string `json:"path,omitempty"`
}

type ExecutionResult struct {
	ID         string        `json:"id"`
	Success    bool          `json:"success"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	PreviewURL string        `json:"preview_url,omitempty"`
	Setup      *SetupResult  `json:"setup,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Duration   time.Duration `json:"duration"`
	CodeHash   string        `json:"code_hash"`
	Platform   string        `json:"platform"`
}

// SetupResult is the outcome of the dependency bootstrap step.
type SetupResult struct {
	Manifest string `json:"manifest"`
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// ErrorText returns the text the fix loop feeds back to the repair oracle.
func (r *ExecutionResult) ErrorText() string {
	switch {
	case r.Stderr != "":
		return r.Stderr
	case r.Stdout != "":
		return r.Stdout
	default:
		return "exit code " + strconv.Itoa(r.ExitCode)
	}
}

type CommandRequest struct {
	Command string        `json:"command"`
	Cwd     string        `json:"cwd,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

type CommandOutput struct {
	ID       string        `json:"id"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Cwd      string        `json:"cwd"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
}

type InstallRequest struct {
	PackageManager string   `json:"package_manager"`
	Packages       []string `json:"packages"`
}

type InstallOutput struct {
	ID       string        `json:"id"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Packages []string      `json:"packages"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
}
