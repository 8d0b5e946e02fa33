package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"aindrocode/internal/fixloop"
	"aindrocode/internal/oracle"
	"aindrocode/internal/sandbox"
)

const maxDurationMS = float64(math.MaxInt64) / float64(time.Millisecond)

// Duration accepts either a number of milliseconds or a Go duration string
// such as "90s". It marshals as a string.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		d.Duration = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		dur, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		d.Duration = dur
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be milliseconds or a duration string: %w", err)
	}
	if math.Abs(ms) >= maxDurationMS {
		return fmt.Errorf("duration of %g ms is out of range", ms)
	}
	d.Duration = time.Duration(ms * float64(time.Millisecond))
	return nil
}

type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func toSandboxFiles(files []File) []sandbox.File {
	if len(files) == 0 {
		return nil
	}
	out := make([]sandbox.File, len(files))
	for i, f := range files {
		out[i] = sandbox.File{Path: f.Path, Content: f.Content}
	}
	return out
}

// RunRequest is the body of POST /execute/run.
type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"` // defaults to javascript
	Input    string `json:"input,omitempty"`
	Files    []File `json:"files,omitempty"`
	Path     string `json:"path,omitempty"`
}

type SetupResponse struct {
	Manifest string `json:"manifest"`
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type RunResponse struct {
	ID         string         `json:"id"`
	Success    bool           `json:"success"`
	ExitCode   int            `json:"exitCode"`
	Stdout     string         `json:"stdout"`
	Stderr     string         `json:"stderr"`
	PreviewURL *string        `json:"previewUrl"`
	Setup      *SetupResponse `json:"setup,omitempty"`
	TimedOut   bool           `json:"timedOut,omitempty"`
	Duration   string         `json:"duration"`
	Cached     bool           `json:"cached,omitempty"`
}

func newRunResponse(res *sandbox.ExecutionResult, cached bool) RunResponse {
	resp := RunResponse{
		ID:       res.ID,
		Success:  res.Success,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		TimedOut: res.TimedOut,
		Duration: res.Duration.String(),
		Cached:   cached,
	}
	if res.PreviewURL != "" {
		u := res.PreviewURL
		resp.PreviewURL = &u
	}
	if s := res.Setup; s != nil {
		resp.Setup = &SetupResponse{
			Manifest: s.Manifest,
			Command:  s.Command,
			ExitCode: s.ExitCode,
			Stdout:   s.Stdout,
			Stderr:   s.Stderr,
		}
	}
	return resp
}

// CommandRequest is the body of POST /execute/command.
type CommandRequest struct {
	Command string   `json:"command"`
	Cwd     string   `json:"cwd,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
}

type CommandResponse struct {
	ID       string `json:"id"`
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Cwd      string `json:"cwd"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Duration string `json:"duration"`
}

// InstallRequest is the body of POST /execute/install.
type InstallRequest struct {
	PackageManager string   `json:"packageManager"`
	Packages       []string `json:"packages"`
}

type InstallResponse struct {
	ID       string   `json:"id"`
	Success  bool     `json:"success"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	Packages []string `json:"packages"`
	TimedOut bool     `json:"timedOut,omitempty"`
	Duration string   `json:"duration"`
}

// FixRequest is the body of POST /ai/fix and /ai/fix/stream.
type FixRequest struct {
	Code          string `json:"code"`
	Error         string `json:"error"`
	Language      string `json:"language,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	Context       string `json:"context,omitempty"`
	Input         string `json:"input,omitempty"`
	Files         []File `json:"files,omitempty"`
	Path          string `json:"path,omitempty"`
	Model         string `json:"model,omitempty"`
	APIKey        string `json:"apiKey,omitempty"`
}

func (r FixRequest) toLoop() fixloop.Request {
	return fixloop.Request{
		Code:          r.Code,
		Error:         r.Error,
		Language:      r.Language,
		MaxIterations: r.MaxIterations,
		Context:       r.Context,
		Input:         r.Input,
		Files:         toSandboxFiles(r.Files),
		Path:          r.Path,
		Model:         r.Model,
		APIKey:        r.APIKey,
	}
}

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func newUsage(u oracle.Usage) Usage {
	return Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

type FixResponse struct {
	ID            string              `json:"id"`
	Success       bool                `json:"success"`
	FixedCode     string              `json:"fixedCode"`
	Iterations    int                 `json:"iterations"`
	MaxIterations int                 `json:"maxIterations"`
	Fixes         []fixloop.Iteration `json:"fixes"`
	Outcome       string              `json:"outcome"`
	LastExecution *RunResponse        `json:"lastExecution,omitempty"`
	Usage         Usage               `json:"usage"`
	Duration      string              `json:"duration"`
	Error         string              `json:"error,omitempty"`
}

func newFixResponse(res *fixloop.Result, runErr error) FixResponse {
	resp := FixResponse{
		ID:            res.ID,
		Success:       res.Succeeded(),
		FixedCode:     res.FixedCode,
		Iterations:    res.Iterations,
		MaxIterations: res.MaxIterations,
		Fixes:         res.History,
		Outcome:       res.Outcome.String(),
		Usage:         newUsage(res.Usage),
		Duration:      res.Duration.String(),
	}
	if resp.Fixes == nil {
		resp.Fixes = []fixloop.Iteration{}
	}
	if res.LastExecution != nil {
		last := newRunResponse(res.LastExecution, false)
		resp.LastExecution = &last
	}
	if runErr != nil {
		resp.Error = runErr.Error()
	}
	return resp
}

// FixStepEvent is the payload of each "iteration" SSE event.
type FixStepEvent struct {
	fixloop.Iteration
	Code     string `json:"code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

// GenerateRequest is the body of POST /ai/generate.
type GenerateRequest struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
	Model   string `json:"model,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

type GenerateResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Usage   Usage  `json:"usage"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ProjectFile struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// ChatRequest is the body of POST /ai/chat.
type ChatRequest struct {
	Message string        `json:"message"`
	History []ChatMessage `json:"history,omitempty"`
	Files   []ProjectFile `json:"files,omitempty"`
	Context string        `json:"context,omitempty"`
	Model   string        `json:"model,omitempty"`
	APIKey  string        `json:"apiKey,omitempty"`
}

func (r ChatRequest) toOracle() oracle.ChatRequest {
	out := oracle.ChatRequest{
		Message: r.Message,
		Context: r.Context,
		Model:   r.Model,
		APIKey:  r.APIKey,
	}
	for _, m := range r.History {
		out.History = append(out.History, oracle.Message{Role: m.Role, Content: m.Content})
	}
	for _, f := range r.Files {
		out.Files = append(out.Files, oracle.ProjectFile{Name: f.Name, Language: f.Language, Content: f.Content})
	}
	return out
}

type ChatResponse struct {
	Success bool   `json:"success"`
	Reply   string `json:"reply"`
	Usage   Usage  `json:"usage"`
}

type LanguagesResponse struct {
	Languages       []string `json:"languages"`
	PackageManagers []string `json:"packageManagers"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string              `json:"error"`
	Code      string              `json:"code"`
	Details   string              `json:"details,omitempty"`
	Supported []string            `json:"supported,omitempty"`
	Fixes     []fixloop.Iteration `json:"fixes,omitempty"`
	FixedCode string              `json:"fixedCode,omitempty"`
	RequestID string              `json:"requestId"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string          `json:"status"`
	Platform         string          `json:"platform"`
	Checks           map[string]bool `json:"checks"`
	OracleEnabled    bool            `json:"oracleEnabled"`
	ActiveExecutions int64           `json:"activeExecutions"`
	Uptime           string          `json:"uptime"`
}
