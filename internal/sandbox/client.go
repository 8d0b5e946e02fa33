package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"aindrocode/internal/config"
	"aindrocode/internal/monitor"
	"aindrocode/internal/runtime"
	"aindrocode/internal/shell"
)

const (
	maxCodeBytes   = 1 << 20
	maxInputBytes  = 1 << 20
	maxStdoutBytes = 1 << 20
	maxStderrBytes = 256 * 1024

	// releaseTimeout bounds teardown, which runs detached from the caller's context.
	releaseTimeout = 30 * time.Second
	// lifetimeSlack keeps an environment alive past its longest command.
	lifetimeSlack = 15 * time.Second
	// serverStartTimeout bounds the command that backgrounds the static server.
	serverStartTimeout = 10 * time.Second
)

var htmlDocument = regexp.MustCompile(`(?i)<html[\s>]`)

// Options tunes a Client. Zero durations fall back to DefaultOptions.
type Options struct {
	WorkDir            string
	EnvironmentTimeout time.Duration
	RunTimeout         time.Duration
	CommandTimeout     time.Duration
	InstallTimeout     time.Duration
	MaxTimeout         time.Duration
	MaxConcurrent      int
	PreviewPort        int
	AppPreviewPort     int

	Metrics *monitor.Metrics
	Tracer  *monitor.Tracer
}

func DefaultOptions() Options {
	return Options{
		WorkDir:            "/project",
		EnvironmentTimeout: 60 * time.Second,
		RunTimeout:         60 * time.Second,
		CommandTimeout:     60 * time.Second,
		InstallTimeout:     120 * time.Second,
		MaxTimeout:         5 * time.Minute,
		MaxConcurrent:      50,
		PreviewPort:        8000,
		AppPreviewPort:     3000,
	}
}

// OptionsFromConfig maps the sandbox config section onto client options.
func OptionsFromConfig(cfg config.SandboxConfig) Options {
	return Options{
		WorkDir:            cfg.WorkDir,
		EnvironmentTimeout: cfg.EnvironmentTimeout,
		RunTimeout:         cfg.RunTimeout,
		CommandTimeout:     cfg.CommandTimeout,
		InstallTimeout:     cfg.InstallTimeout,
		MaxTimeout:         cfg.MaxTimeout,
		MaxConcurrent:      cfg.MaxConcurrent,
		PreviewPort:        cfg.PreviewPort,
		AppPreviewPort:     cfg.AppPreviewPort,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WorkDir == "" {
		o.WorkDir = d.WorkDir
	}
	for _, pair := range []struct{ v, def *time.Duration }{
		{&o.EnvironmentTimeout, &d.EnvironmentTimeout},
		{&o.RunTimeout, &d.RunTimeout},
		{&o.CommandTimeout, &d.CommandTimeout},
		{&o.InstallTimeout, &d.InstallTimeout},
		{&o.MaxTimeout, &d.MaxTimeout},
	} {
		if *pair.v <= 0 {
			*pair.v = *pair.def
		}
	}
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.PreviewPort == 0 {
		o.PreviewPort = d.PreviewPort
	}
	return o
}

// Client runs code, commands, and package installs in disposable
// environments obtained from a Platform. Every call provisions its own
// environment and releases it exactly once before returning.
type Client struct {
	platform Platform
	runtimes *runtime.Registry
	opts     Options
	sem      chan struct{}
	active   atomic.Int64
}

// NewClient creates a client on top of platform.
func NewClient(platform Platform, runtimes *runtime.Registry, opts Options) *Client {
	opts = opts.withDefaults()
	if runtimes == nil {
		runtimes = runtime.NewRegistry()
	}
	return &Client{
		platform: platform,
		runtimes: runtimes,
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}
}

// Platform returns the name of the underlying platform.
func (c *Client) Platform() string {
	return c.platform.Name()
}

// Runtimes returns the language registry used for validation.
func (c *Client) Runtimes() *runtime.Registry {
	return c.runtimes
}

// ActiveCount returns the number of environments currently held.
func (c *Client) ActiveCount() int64 {
	return c.active.Load()
}

// Healthy reports whether the platform's backing service is reachable.
// Platforms that cannot tell are assumed healthy.
func (c *Client) Healthy(ctx context.Context) bool {
	if hc, ok := c.platform.(HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return true
}

// Close shuts down the underlying platform.
func (c *Client) Close() error {
	return c.platform.Close()
}

// Execute runs req.Code in a fresh environment.
func (c *Client) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("language", req.Language).
		Str("platform", c.platform.Name()).
		Str("code_hash", codeHash[:16]).
		Logger()

	runner, err := c.validateExecution(req)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	ctx, span := c.opts.Tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(string(runner.Language)),
		monitor.AttrPlatform.String(c.platform.Name()),
		monitor.AttrCodeHash.String(codeHash[:16]),
	)
	defer span.End()

	logger.Info().Int("files", len(req.Files)).Msg("execution requested")

	workDir := c.opts.WorkDir
	manifest, installCmd, bootstrap := c.bootstrapFor(runner, req.Files)
	isHTML := runner.ServesMarkup() && htmlDocument.MatchString(req.Code)

	lifetime := c.opts.EnvironmentTimeout
	if bootstrap {
		lifetime += c.opts.InstallTimeout
	}
	ports := []int{c.opts.AppPreviewPort}
	if isHTML {
		ports = []int{c.opts.PreviewPort}
	}

	start := time.Now()
	result := &ExecutionResult{
		ID:       execID,
		CodeHash: codeHash,
		Platform: c.platform.Name(),
	}

	err = c.withEnvironment(ctx, execID, CreateOptions{Timeout: lifetime, Ports: ports}, logger, func(env Environment) error {
		for _, f := range req.Files {
			target := runtime.ResolvePath(workDir, f.Path)
			if err := env.WriteFile(ctx, target, f.Content); err != nil {
				return &ExecutionError{ExecID: execID, Op: "write_file", Err: sandboxErr("writing "+target, err)}
			}
		}

		primary := runner.SourcePath(workDir, req.Path)
		if isHTML {
			primary = path.Join(workDir, "index.html")
		}
		if err := env.WriteFile(ctx, primary, req.Code); err != nil {
			return &ExecutionError{ExecID: execID, Op: "write_file", Err: sandboxErr("writing "+primary, err)}
		}

		if bootstrap {
			setup, err := c.runBootstrap(ctx, env, workDir, manifest, installCmd, logger)
			if err != nil {
				return &ExecutionError{ExecID: execID, Op: "bootstrap", Err: err}
			}
			result.Setup = setup
		}

		if isHTML {
			serve := shell.InDir(workDir, fmt.Sprintf("nohup python3 -m http.server %d >/dev/null 2>&1 &", c.opts.PreviewPort))
			if _, err := env.RunCommand(ctx, serve, serverStartTimeout); err != nil {
				return &ExecutionError{ExecID: execID, Op: "serve", Err: sandboxErr("starting static server", err)}
			}
			result.Success = true
			result.PreviewURL = c.previewURL(ctx, env, c.opts.PreviewPort, logger)
			return nil
		}

		cmd := runner.Command(primary)
		if req.Input != "" {
			cmd = shell.Pipe(req.Input, cmd)
		}
		out, err := env.RunCommand(ctx, shell.InDir(workDir, cmd), c.opts.RunTimeout)
		if err != nil && !errors.Is(err, ErrTimeout) {
			return &ExecutionError{ExecID: execID, Op: "run", Err: sandboxErr("running command", err)}
		}
		c.fill(out, err, c.opts.RunTimeout, &result.ExitCode, &result.Stdout, &result.Stderr, &result.TimedOut)
		result.Success = result.ExitCode == 0 && !result.TimedOut

		if c.opts.AppPreviewPort > 0 {
			result.PreviewURL = c.previewURL(ctx, env, c.opts.AppPreviewPort, logger)
		}
		return nil
	})
	result.Duration = time.Since(start)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		monitor.AttrExitCode.Int(result.ExitCode),
		monitor.AttrDurationMS.Int64(result.Duration.Milliseconds()),
	)
	logger.Info().
		Int("exit_code", result.ExitCode).
		Bool("html", isHTML).
		Bool("timed_out", result.TimedOut).
		Dur("duration", result.Duration).
		Msg("execution completed")

	return result, nil
}

// RunCommand runs an arbitrary shell command line in a fresh environment.
func (c *Client) RunCommand(ctx context.Context, req CommandRequest) (*CommandOutput, error) {
	execID := uuid.New().String()
	logger := log.With().
		Str("exec_id", execID).
		Str("platform", c.platform.Name()).
		Logger()

	if err := shell.Validate(req.Command); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: command is required", ErrMissingInput)}
	}
	timeout, err := c.commandTimeout(req.Timeout, c.opts.CommandTimeout)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	cwd := c.opts.WorkDir
	if req.Cwd != "" {
		cwd = runtime.ResolvePath(c.opts.WorkDir, req.Cwd)
	}

	ctx, span := c.opts.Tracer.StartSpan(ctx, "command", monitor.AttrExecID.String(execID))
	defer span.End()

	logger.Info().Str("program", shell.Program(req.Command)).Str("cwd", cwd).Msg("command requested")

	start := time.Now()
	out := &CommandOutput{ID: execID, Cwd: cwd}
	err = c.withEnvironment(ctx, execID, CreateOptions{Timeout: timeout + lifetimeSlack}, logger, func(env Environment) error {
		line := "mkdir -p " + shell.Quote(cwd) + " && " + shell.InDir(cwd, req.Command)
		res, err := env.RunCommand(ctx, line, timeout)
		if err != nil && !errors.Is(err, ErrTimeout) {
			return &ExecutionError{ExecID: execID, Op: "run", Err: sandboxErr("running command", err)}
		}
		c.fill(res, err, timeout, &out.ExitCode, &out.Stdout, &out.Stderr, &out.TimedOut)
		return nil
	})
	out.Duration = time.Since(start)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out.Success = out.ExitCode == 0 && !out.TimedOut

	logger.Info().Int("exit_code", out.ExitCode).Dur("duration", out.Duration).Msg("command completed")
	return out, nil
}

// Install installs packages with a supported package manager.
func (c *Client) Install(ctx context.Context, req InstallRequest) (*InstallOutput, error) {
	execID := uuid.New().String()
	logger := log.With().
		Str("exec_id", execID).
		Str("package_manager", req.PackageManager).
		Str("platform", c.platform.Name()).
		Logger()

	if len(req.Packages) == 0 {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: packages are required", ErrMissingInput)}
	}
	for _, p := range req.Packages {
		if p == "" {
			return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: empty package name", ErrInvalidRequest)}
		}
	}
	cmd, err := runtime.InstallCommand(req.PackageManager, req.Packages)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: %w", ErrUnsupportedPackageManager, err)}
	}

	ctx, span := c.opts.Tracer.StartSpan(ctx, "install", monitor.AttrExecID.String(execID))
	defer span.End()

	timeout := c.opts.InstallTimeout
	start := time.Now()
	out := &InstallOutput{ID: execID, Packages: req.Packages}
	err = c.withEnvironment(ctx, execID, CreateOptions{Timeout: timeout + lifetimeSlack}, logger, func(env Environment) error {
		res, err := env.RunCommand(ctx, cmd, timeout)
		if err != nil && !errors.Is(err, ErrTimeout) {
			return &ExecutionError{ExecID: execID, Op: "install", Err: sandboxErr("running install", err)}
		}
		c.fill(res, err, timeout, &out.ExitCode, &out.Stdout, &out.Stderr, &out.TimedOut)
		return nil
	})
	out.Duration = time.Since(start)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out.Success = out.ExitCode == 0 && !out.TimedOut

	logger.Info().Int("exit_code", out.ExitCode).Int("packages", len(req.Packages)).Msg("install completed")
	return out, nil
}

// withEnvironment acquires a concurrency slot, provisions an environment, runs
// fn, and releases the environment exactly once on every path out.
func (c *Client) withEnvironment(ctx context.Context, execID string, opts CreateOptions, logger zerolog.Logger, fn func(Environment) error) error {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	provisionCtx, span := c.opts.Tracer.StartSpan(ctx, "provision", monitor.AttrPlatform.String(c.platform.Name()))
	start := time.Now()
	env, err := c.platform.Create(provisionCtx, opts)
	c.opts.Metrics.RecordProvision(c.platform.Name(), time.Since(start).Seconds(), err)
	span.End()
	if err != nil {
		return &ExecutionError{ExecID: execID, Op: "provision", Err: sandboxErr("creating environment", err)}
	}

	c.active.Add(1)
	c.opts.Metrics.TrackActive(1)
	logger.Debug().Str("env_id", env.ID()).Msg("environment provisioned")

	var once sync.Once
	release := func() {
		once.Do(func() {
			relCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			err := env.Terminate(relCtx)
			c.opts.Metrics.RecordRelease(c.platform.Name(), err)
			c.active.Add(-1)
			c.opts.Metrics.TrackActive(-1)
			if err != nil {
				logger.Error().Err(err).Str("env_id", env.ID()).Msg("environment release failed")
				return
			}
			logger.Debug().Str("env_id", env.ID()).Msg("environment released")
		})
	}
	defer release()

	return fn(env)
}

func (c *Client) validateExecution(req ExecutionRequest) (runtime.Runner, error) {
	if req.Code == "" {
		return runtime.Runner{}, fmt.Errorf("%w: code is required", ErrMissingInput)
	}
	if len(req.Code) > maxCodeBytes {
		return runtime.Runner{}, fmt.Errorf("%w: code exceeds 1MB limit", ErrInvalidRequest)
	}
	if len(req.Input) > maxInputBytes {
		return runtime.Runner{}, fmt.Errorf("%w: input exceeds 1MB limit", ErrInvalidRequest)
	}
	for i, f := range req.Files {
		if f.Path == "" {
			return runtime.Runner{}, fmt.Errorf("%w: files[%d] has no path", ErrInvalidRequest, i)
		}
	}
	runner, err := c.runtimes.Resolve(req.Language)
	if err != nil {
		return runtime.Runner{}, fmt.Errorf("%w: %q", ErrUnsupportedLang, req.Language)
	}
	return runner, nil
}

func (c *Client) commandTimeout(requested, def time.Duration) (time.Duration, error) {
	switch {
	case requested < 0:
		return 0, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	case requested == 0:
		return def, nil
	case requested > c.opts.MaxTimeout:
		return c.opts.MaxTimeout, nil
	default:
		return requested, nil
	}
}

// bootstrapFor reports whether files contain the runner's dependency manifest.
func (c *Client) bootstrapFor(runner runtime.Runner, files []File) (manifest, install string, ok bool) {
	manifest, install, ok = runner.Manifest()
	if !ok {
		return "", "", false
	}
	for _, f := range files {
		if path.Base(f.Path) == manifest {
			return manifest, install, true
		}
	}
	return "", "", false
}

func (c *Client) runBootstrap(ctx context.Context, env Environment, workDir, manifest, install string, logger zerolog.Logger) (*SetupResult, error) {
	line := shell.InDir(workDir, install)
	res, err := env.RunCommand(ctx, line, c.opts.InstallTimeout)
	if err != nil && !errors.Is(err, ErrTimeout) {
		return nil, sandboxErr("installing dependencies", err)
	}
	setup := &SetupResult{Manifest: manifest, Command: install}
	var timedOut bool
	c.fill(res, err, c.opts.InstallTimeout, &setup.ExitCode, &setup.Stdout, &setup.Stderr, &timedOut)
	if setup.ExitCode != 0 {
		logger.Warn().Int("exit_code", setup.ExitCode).Str("manifest", manifest).Msg("dependency bootstrap failed")
	}
	return setup, nil
}

// fill copies a command outcome into the caller's result fields, applying
// output limits and marking timeouts.
func (c *Client) fill(res *CommandResult, runErr error, timeout time.Duration, exitCode *int, stdout, stderr *string, timedOut *bool) {
	if res == nil {
		res = &CommandResult{}
	}
	*exitCode = res.ExitCode
	*stdout = truncateOutput(res.Stdout, maxStdoutBytes)
	*stderr = truncateOutput(res.Stderr, maxStderrBytes)
	if errors.Is(runErr, ErrTimeout) {
		*timedOut = true
		*exitCode = -1
		if *stderr != "" {
			*stderr += "\n"
		}
		*stderr += "execution timed out after " + timeout.String()
	}
}

func (c *Client) previewURL(ctx context.Context, env Environment, port int, logger zerolog.Logger) string {
	p, ok := env.(Previewer)
	if !ok {
		return ""
	}
	url, err := p.PreviewURL(ctx, port)
	if err != nil {
		logger.Debug().Err(err).Int("port", port).Msg("no preview url")
		return ""
	}
	return url
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated at " + strconv.Itoa(maxBytes) + " bytes]"
}
