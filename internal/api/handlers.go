package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"aindrocode/internal/fixloop"
	"aindrocode/internal/monitor"
	"aindrocode/internal/oracle"
	"aindrocode/internal/runtime"
	"aindrocode/internal/sandbox"
	"aindrocode/internal/storage"
)

const defaultLanguage = "javascript"

// Executor runs code and commands in disposable sandboxes.
// *sandbox.Client implements it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
	RunCommand(ctx context.Context, req sandbox.CommandRequest) (*sandbox.CommandOutput, error)
	Install(ctx context.Context, req sandbox.InstallRequest) (*sandbox.InstallOutput, error)
}

// Fixer runs the repair loop. *fixloop.Controller implements it.
type Fixer interface {
	Run(ctx context.Context, req fixloop.Request, observe fixloop.Observer) (*fixloop.Result, error)
}

// Assistant serves generate and chat. *oracle.Assistant implements it.
type Assistant interface {
	Generate(ctx context.Context, req oracle.GenerateRequest) (string, oracle.Usage, error)
	Chat(ctx context.Context, req oracle.ChatRequest) (string, oracle.Usage, error)
}

// ResultCache short-circuits repeated runs. *cache.ResultCache implements it.
type ResultCache interface {
	Get(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, bool, error)
	Put(ctx context.Context, req sandbox.ExecutionRequest, res *sandbox.ExecutionResult) error
}

// AuditLog queues audit records. *storage.AuditWriter implements it.
type AuditLog interface {
	Log(exec *storage.Execution)
	LogFix(run *storage.FixRun)
}

// AuditStore answers audit lookups. *storage.DB implements it.
type AuditStore interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	GetFixRun(ctx context.Context, id string) (*storage.FixRun, error)
}

// Deps are the collaborators behind the HTTP surface. Only Executor is
// required; a nil Fixer or Assistant means the oracle is disabled.
type Deps struct {
	Executor  Executor
	Fixer     Fixer
	Assistant Assistant
	Cache     ResultCache
	Audit     AuditLog
	Store     AuditStore
	Runtimes  *runtime.Registry
	Metrics   *monitor.Metrics
	// Scanner, when set, flags suspicious code, commands, and output.
	Scanner *monitor.Scanner
}

type Handlers struct {
	Deps
}

func NewHandlers(d Deps) *Handlers {
	if d.Runtimes == nil {
		d.Runtimes = runtime.NewRegistry()
	}
	return &Handlers{Deps: d}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", "PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return false
		}
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return false
	}
	return true
}

// report logs and counts findings. It never blocks a request.
func (h *Handlers) report(r *http.Request, source string, findings []monitor.Finding) {
	if len(findings) == 0 {
		return
	}
	h.Metrics.RecordFindings(source, findings)

	ev := log.Info()
	if monitor.Highest(findings) >= monitor.SeverityHigh {
		ev = log.Warn()
	}
	names := make([]string, len(findings))
	for i, f := range findings {
		names[i] = f.Pattern
	}
	ev.Str("request_id", RequestIDFromContext(r.Context())).
		Str("source", source).
		Strs("patterns", names).
		Str("remote_addr", r.RemoteAddr).
		Msg("suspicious pattern detected")
}

func (h *Handlers) scanSource(r *http.Request, source, text string) {
	if h.Scanner != nil {
		h.report(r, source, h.Scanner.ScanSource(text))
	}
}

func (h *Handlers) scanOutput(r *http.Request, stdout, stderr string) {
	if h.Scanner != nil {
		h.report(r, "output", h.Scanner.ScanOutput(stdout, stderr))
	}
}

// caller identifies the requester for the audit trail. Keys are stored
// hashed.
func caller(r *http.Request) storage.Caller {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	c := storage.Caller{IP: ip}
	if key := APIKeyFromContext(r.Context()); key != "" {
		sum := sha256.Sum256([]byte(key))
		c.APIKeyHash = hex.EncodeToString(sum[:8])
	}
	return c
}

func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Language == "" {
		req.Language = defaultLanguage
	}

	execReq := sandbox.ExecutionRequest{
		Code:     req.Code,
		Language: req.Language,
		Input:    req.Input,
		Files:    toSandboxFiles(req.Files),
		Path:     req.Path,
	}
	ctx := r.Context()
	logger := log.With().Str("request_id", RequestIDFromContext(ctx)).Str("language", req.Language).Logger()

	if h.Cache != nil && req.Code != "" {
		cached, ok, err := h.Cache.Get(ctx, execReq)
		if err != nil {
			logger.Warn().Err(err).Msg("cache lookup failed")
		}
		if ok {
			h.Metrics.RecordExecution(req.Language, "cached", 0)
			if h.Audit != nil {
				h.Audit.Log(storage.FromExecution(cached, req.Language, true, caller(r)))
			}
			writeJSON(w, http.StatusOK, newRunResponse(cached, true))
			return
		}
	}

	h.scanSource(r, "code", req.Code)
	start := time.Now()
	result, err := h.Executor.Execute(ctx, execReq)
	if err != nil {
		h.recordFailure(req.Language, err, time.Since(start))
		writeFailure(w, r, err)
		return
	}

	h.Metrics.RecordExecution(req.Language, executionStatus(result.ExitCode, result.TimedOut), result.Duration.Seconds())
	h.Metrics.ObserveSizes(len(req.Code), len(result.Stdout)+len(result.Stderr))
	h.scanOutput(r, result.Stdout, result.Stderr)

	if h.Cache != nil {
		if err := h.Cache.Put(ctx, execReq, result); err != nil {
			logger.Warn().Err(err).Msg("cache store failed")
		}
	}
	if h.Audit != nil {
		h.Audit.Log(storage.FromExecution(result, req.Language, false, caller(r)))
	}

	writeJSON(w, http.StatusOK, newRunResponse(result, false))
}

func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if !decode(w, r, &req) {
		return
	}

	h.scanSource(r, "command", req.Command)
	start := time.Now()
	out, err := h.Executor.RunCommand(r.Context(), sandbox.CommandRequest{
		Command: req.Command,
		Cwd:     req.Cwd,
		Timeout: req.Timeout.Duration,
	})
	if err != nil {
		h.recordFailure("command", err, time.Since(start))
		writeFailure(w, r, err)
		return
	}

	h.Metrics.RecordExecution("command", executionStatus(out.ExitCode, out.TimedOut), out.Duration.Seconds())
	h.scanOutput(r, out.Stdout, out.Stderr)
	if h.Audit != nil {
		h.Audit.Log(storage.FromCommand(out, caller(r)))
	}

	writeJSON(w, http.StatusOK, CommandResponse{
		ID:       out.ID,
		Success:  out.Success,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Cwd:      out.Cwd,
		TimedOut: out.TimedOut,
		Duration: out.Duration.String(),
	})
}

func (h *Handlers) HandleInstall(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !decode(w, r, &req) {
		return
	}

	start := time.Now()
	out, err := h.Executor.Install(r.Context(), sandbox.InstallRequest{
		PackageManager: req.PackageManager,
		Packages:       req.Packages,
	})
	if err != nil {
		h.recordFailure("install", err, time.Since(start))
		writeFailure(w, r, err)
		return
	}

	h.Metrics.RecordExecution("install", executionStatus(out.ExitCode, out.TimedOut), out.Duration.Seconds())
	if h.Audit != nil {
		h.Audit.Log(storage.FromInstall(out, req.PackageManager, caller(r)))
	}

	writeJSON(w, http.StatusOK, InstallResponse{
		ID:       out.ID,
		Success:  out.Success,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Packages: out.Packages,
		TimedOut: out.TimedOut,
		Duration: out.Duration.String(),
	})
}

func (h *Handlers) HandleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LanguagesResponse{
		Languages:       h.Runtimes.Languages(),
		PackageManagers: runtime.PackageManagers(),
	})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.Store.GetExecution(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Kind:     q.Get("kind"),
		Language: q.Get("language"),
		Status:   q.Get("status"),
		Limit:    100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be an RFC 3339 timestamp", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &t
	}

	execs, err := h.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution list failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) HandleGetFix(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	run, err := h.Store.GetFixRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "fix run not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("fix lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (h *Handlers) recordFailure(label string, err error, d time.Duration) {
	status := "error"
	switch {
	case sandbox.IsValidation(err):
		status = "validation"
	case errors.Is(err, sandbox.ErrPlatformUnavailable):
		status = "unavailable"
	}
	h.Metrics.RecordExecution(label, status, d.Seconds())
	h.Metrics.RecordError(status)
}

func executionStatus(exitCode int, timedOut bool) string {
	switch {
	case timedOut:
		return "timeout"
	case exitCode == 0:
		return "success"
	default:
		return "failure"
	}
}
