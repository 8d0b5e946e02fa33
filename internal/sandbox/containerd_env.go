package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

const containerdPrefix = "aindro-sbx-"

var sandboxEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/tmp",
	"LANG=C.UTF-8",
	"SANDBOX=true",
}

type ContainerdOptions struct {
	Socket    string
	Namespace string
	Image     string
	WorkDir   string
	Limits    ResourceLimits
}

// ContainerdPlatform runs each environment as a containerd task whose init
// process only sleeps; commands are exec'd into it. Containers get their own
// empty network namespace, so this platform has no previews.
type ContainerdPlatform struct {
	client  *containerdConn
	image   containerd.Image
	opts    ContainerdOptions
	profile SecurityProfile
}

var _ Platform = (*ContainerdPlatform)(nil)

func NewContainerdPlatform(ctx context.Context, opts ContainerdOptions) (*ContainerdPlatform, error) {
	if opts.WorkDir == "" {
		opts.WorkDir = "/project"
	}
	if opts.Limits == (ResourceLimits{}) {
		opts.Limits = DefaultLimits()
	}

	client, err := dialContainerd(ctx, opts.Socket, opts.Namespace)
	if err != nil {
		return nil, err
	}

	image, err := client.ensureImage(ctx, opts.Image)
	if err != nil {
		_ = client.close()
		return nil, fmt.Errorf("%w: %v", ErrPlatformUnavailable, err)
	}

	p := &ContainerdPlatform{
		client:  client,
		image:   image,
		opts:    opts,
		profile: DefaultSecurityProfile(),
	}

	cleaned, err := p.cleanupOrphans(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return p, nil
}

func (p *ContainerdPlatform) Name() string { return "containerd" }

func (p *ContainerdPlatform) Healthy(ctx context.Context) bool {
	return p.client.healthy(ctx)
}

func (p *ContainerdPlatform) Close() error {
	return p.client.close()
}

func (p *ContainerdPlatform) Create(ctx context.Context, opts CreateOptions) (Environment, error) {
	lifetime := opts.Timeout
	if lifetime <= 0 {
		lifetime = 60 * time.Second
	}

	id := containerdPrefix + uuid.New().String()[:12]
	nsCtx := p.client.ns(ctx)

	container, err := p.client.api.NewContainer(nsCtx, id,
		containerd.WithImage(p.image),
		containerd.WithNewSnapshot(id+"-snapshot", p.image),
		containerd.WithNewSpec(
			oci.WithImageConfig(p.image),
			oci.WithProcessArgs("sleep", strconv.Itoa(int(lifetime.Seconds()))),
			oci.WithHostname("sandbox"),
			oci.WithProcessCwd(p.opts.WorkDir),
			oci.WithEnv(sandboxEnv),
			WithSecurityProfile(p.profile),
			WithResourceLimits(p.opts.Limits, p.opts.WorkDir),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	env := &containerdEnvironment{platform: p, container: container}

	spec, err := container.Spec(nsCtx)
	if err != nil {
		_ = env.Terminate(ctx)
		return nil, fmt.Errorf("reading container spec: %w", err)
	}
	env.process = spec.Process

	task, err := container.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		_ = env.Terminate(ctx)
		return nil, fmt.Errorf("creating task: %w", err)
	}
	if err := task.Start(nsCtx); err != nil {
		_ = env.Terminate(ctx)
		return nil, fmt.Errorf("starting task: %w", err)
	}
	env.task = task

	log.Debug().Str("container_id", id).Msg("containerd sandbox started")
	return env, nil
}

// cleanupOrphans removes sandbox containers left over from previous runs.
func (p *ContainerdPlatform) cleanupOrphans(ctx context.Context) (int, error) {
	nsCtx := p.client.ns(ctx)

	list, err := p.client.api.Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range list {
		if !strings.HasPrefix(c.ID(), containerdPrefix) {
			continue
		}
		if err := p.deleteContainer(ctx, c); err != nil {
			log.Error().Err(err).Str("container_id", c.ID()).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// deleteContainer kills the container's task if it is still running and
// removes the container with its snapshot.
func (p *ContainerdPlatform) deleteContainer(ctx context.Context, container containerd.Container) error {
	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cleanupCtx = p.client.ns(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			_ = task.Kill(cleanupCtx, syscall.SIGKILL)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			if exitCh, _ := task.Wait(waitCtx); exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}
	return nil
}

type containerdEnvironment struct {
	platform  *ContainerdPlatform
	container containerd.Container
	task      containerd.Task
	process   *specs.Process
}

func (e *containerdEnvironment) ID() string { return e.container.ID() }

func (e *containerdEnvironment) WriteFile(ctx context.Context, path, content string) error {
	res, err := e.exec(ctx, strings.NewReader(content),
		"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "sh", path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("writing %s: exit %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (e *containerdEnvironment) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := e.exec(runCtx, nil, "bash", "-c", cmd)
	if errors.Is(err, ErrTimeout) && ctx.Err() == nil {
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return res, err
}

// exec runs one process inside the environment's task and collects its
// output. When ctx expires the process is killed and the partial output is
// returned with ErrTimeout.
func (e *containerdEnvironment) exec(ctx context.Context, stdin io.Reader, args ...string) (*CommandResult, error) {
	if e.task == nil {
		return nil, fmt.Errorf("environment %s has no running task", e.ID())
	}

	pspec := *e.process
	pspec.Args = args
	pspec.Terminal = false

	var stdout, stderr bytes.Buffer
	execID := "exec-" + uuid.New().String()[:8]
	nsCtx := e.platform.client.ns(ctx)
	bgCtx := e.platform.client.ns(context.Background())

	process, err := e.task.Exec(nsCtx, execID, &pspec, cio.NewCreator(cio.WithStreams(stdin, &stdout, &stderr)))
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	defer func() {
		if _, err := process.Delete(bgCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("exec_id", execID).Msg("failed to delete exec process")
		}
	}()

	exitCh, err := process.Wait(bgCtx)
	if err != nil {
		return nil, fmt.Errorf("exec wait: %w", err)
	}
	if err := process.Start(nsCtx); err != nil {
		return nil, fmt.Errorf("exec start: %w", err)
	}

	select {
	case status := <-exitCh:
		code, _, err := status.Result()
		if err != nil {
			return nil, fmt.Errorf("exec status: %w", err)
		}
		process.IO().Wait()
		return &CommandResult{ExitCode: int(code), Stdout: stdout.String(), Stderr: stderr.String()}, nil

	case <-ctx.Done():
		if err := process.Kill(bgCtx, syscall.SIGKILL); err != nil {
			log.Error().Err(err).Str("exec_id", execID).Msg("failed to kill timed out process")
		}
		<-exitCh
		process.IO().Wait()
		res := &CommandResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, ErrTimeout
		}
		return res, ctx.Err()
	}
}

func (e *containerdEnvironment) Terminate(ctx context.Context) error {
	return e.platform.deleteContainer(ctx, e.container)
}
