package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"aindrocode/pkg/seccomp"
)

const (
	dockerNamePrefix = "aindro-sbx-"
	dockerLabel      = "aindro.sandbox"
)

// dockerFunc runs the docker CLI. A non-zero exit is reported through
// CommandResult.ExitCode; err is reserved for failing to run at all.
type dockerFunc func(ctx context.Context, stdin io.Reader, args ...string) (*CommandResult, error)

type DockerOptions struct {
	Image           string
	Network         string
	WorkDir         string
	Limits          ResourceLimits
	CleanupInterval time.Duration
}

// DockerPlatform provisions one long-lived container per environment through
// the docker CLI. Used on hosts without containerd or a remote sandbox service.
type DockerPlatform struct {
	opts        DockerOptions
	profile     SecurityProfile
	dockerHost  string
	seccompPath string
	docker      dockerFunc

	mu            sync.Mutex
	closed        bool
	cancelCleanup context.CancelFunc
}

var _ Platform = (*DockerPlatform)(nil)

// NewDockerPlatform checks that the docker daemon is reachable, writes the
// seccomp profile, and starts the orphan cleanup loop.
func NewDockerPlatform(opts DockerOptions) (*DockerPlatform, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH: %v", ErrPlatformUnavailable, err)
	}

	d := newDockerPlatform(opts, nil)
	d.dockerHost = resolveDockerHost()
	d.docker = d.runDocker

	if res, err := d.docker(context.Background(), nil, "info", "--format", "{{.ServerVersion}}"); err != nil || res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: docker daemon not reachable", ErrPlatformUnavailable)
	}

	profileJSON, err := seccomp.DockerJSON(d.profile.Seccomp)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp("", "aindro-seccomp-*.json")
	if err != nil {
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}
	if _, err := f.Write(profileJSON); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}
	d.seccompPath = f.Name()

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d, nil
}

func newDockerPlatform(opts DockerOptions, docker dockerFunc) *DockerPlatform {
	if opts.WorkDir == "" {
		opts.WorkDir = "/project"
	}
	if opts.Network == "" {
		opts.Network = "bridge"
	}
	if opts.Limits == (ResourceLimits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}
	return &DockerPlatform{
		opts:    opts,
		profile: ToolchainSecurityProfile(),
		docker:  docker,
	}
}

func (d *DockerPlatform) Name() string { return "docker" }

func (d *DockerPlatform) Create(ctx context.Context, opts CreateOptions) (Environment, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: docker platform closed", ErrPlatformUnavailable)
	}

	name := dockerNamePrefix + uuid.New().String()[:12]
	args := d.runArgs(name, opts)

	res, err := d.docker(ctx, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("docker run: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("docker run exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	log.Debug().Str("container", name).Msg("docker sandbox started")
	return &dockerEnvironment{platform: d, name: name}, nil
}

// runArgs builds the docker run invocation. The container only sleeps; the
// sleep length is the environment's wall-clock lifetime and --rm removes it
// once that expires even if the caller never does.
func (d *DockerPlatform) runArgs(name string, opts CreateOptions) []string {
	lifetime := opts.Timeout
	if lifetime <= 0 {
		lifetime = 60 * time.Second
	}
	limits := d.opts.Limits

	args := []string{
		"run", "-d", "--rm",
		"--name", name,
		"--label", dockerLabel + "=1",
		"--hostname", "sandbox",
		"--network", d.opts.Network,
	}
	args = append(args, d.profile.DockerArgs()...)
	if d.seccompPath != "" {
		args = append(args, "--security-opt", "seccomp="+d.seccompPath)
	}
	args = append(args, limits.DockerArgs()...)
	args = append(args,
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"-w", d.opts.WorkDir,
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "SANDBOX=true",
	)
	for _, port := range opts.Ports {
		if port > 0 {
			args = append(args, "-p", fmt.Sprintf("127.0.0.1::%d", port))
		}
	}
	args = append(args, d.opts.Image, "sleep", strconv.Itoa(int(lifetime.Seconds())))
	return args
}

func (d *DockerPlatform) Healthy(ctx context.Context) bool {
	res, err := d.docker(ctx, nil, "info", "--format", "{{.ServerVersion}}")
	return err == nil && res.ExitCode == 0
}

func (d *DockerPlatform) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}
	if d.seccompPath != "" {
		_ = os.Remove(d.seccompPath)
	}
	return nil
}

// orphanCleanupLoop removes sandbox containers left behind by a previous
// process on startup, then periodically sweeps stopped ones.
func (d *DockerPlatform) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans(ctx, false)

	ticker := time.NewTicker(d.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans(ctx, true)
		case <-ctx.Done():
			return
		}
	}
}

// cleanupOrphans removes labelled containers. When exitedOnly is set, running
// containers are left alone because they belong to in-flight calls.
func (d *DockerPlatform) cleanupOrphans(ctx context.Context, exitedOnly bool) int {
	args := []string{"ps", "-a", "-q", "--filter", "label=" + dockerLabel}
	if exitedOnly {
		args = append(args, "--filter", "status=exited")
	}
	res, err := d.docker(ctx, nil, args...)
	if err != nil || res.ExitCode != 0 {
		return 0
	}

	var removed int
	for _, id := range strings.Fields(res.Stdout) {
		log.Warn().Str("container_id", id).Msg("removing orphaned sandbox container")
		if r, err := d.docker(ctx, nil, "rm", "-f", id); err == nil && r.ExitCode == 0 {
			removed++
		}
	}
	return removed
}

func (d *DockerPlatform) runDocker(ctx context.Context, stdin io.Reader, args ...string) (*CommandResult, error) {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally, user code travels as a single argv entry
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, ErrTimeout
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return nil, err
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

type dockerEnvironment struct {
	platform *DockerPlatform
	name     string
}

func (e *dockerEnvironment) ID() string { return e.name }

// WriteFile streams content over stdin; the path is passed as a positional
// argument so it never needs shell quoting.
func (e *dockerEnvironment) WriteFile(ctx context.Context, path, content string) error {
	res, err := e.platform.docker(ctx, strings.NewReader(content),
		"exec", "-i", e.name,
		"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "sh", path,
	)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("writing %s: exit %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (e *dockerEnvironment) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := e.platform.docker(runCtx, nil, "exec", "-w", e.platform.opts.WorkDir, e.name, "bash", "-c", cmd)
	if errors.Is(err, ErrTimeout) {
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return res, err
}

func (e *dockerEnvironment) PreviewURL(ctx context.Context, port int) (string, error) {
	res, err := e.platform.docker(ctx, nil, "port", e.name, fmt.Sprintf("%d/tcp", port))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("port %d not published", port)
	}
	binding := strings.TrimSpace(strings.SplitN(res.Stdout, "\n", 2)[0])
	if binding == "" {
		return "", fmt.Errorf("port %d not published", port)
	}
	return "http://" + binding, nil
}

func (e *dockerEnvironment) Terminate(ctx context.Context) error {
	res, err := e.platform.docker(ctx, nil, "rm", "-f", e.name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && !strings.Contains(res.Stderr, "No such container") {
		return fmt.Errorf("docker rm exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
