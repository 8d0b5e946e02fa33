package sandbox

import (
	"context"
	"fmt"

	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"aindrocode/internal/config"
)

type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb"`  // Hard memory limit
	PidsLimit int64 `json:"pids_limit"` // Max processes; compilers and npm fork heavily
	DiskMB    int64 `json:"disk_mb"`    // Tmpfs size for /tmp and the work dir
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 1024,
		MemoryMB:  512,
		PidsLimit: 128,
		DiskMB:    512,
	}
}

// LimitsFromConfig converts the configured defaults, falling back to
// DefaultLimits for unset fields.
func LimitsFromConfig(cfg config.DefaultLimits) ResourceLimits {
	l := DefaultLimits()
	if cfg.CPUShares > 0 {
		l.CPUShares = cfg.CPUShares
	}
	if cfg.MemoryMB > 0 {
		l.MemoryMB = cfg.MemoryMB
	}
	if cfg.PidsLimit > 0 {
		l.PidsLimit = cfg.PidsLimit
	}
	if cfg.DiskMB > 0 {
		l.DiskMB = cfg.DiskMB
	}
	return l
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 8192 {
		return fmt.Errorf("%w: cpu_shares must be 2-8192, got %d", ErrInvalidRequest, rl.CPUShares)
	}
	if rl.MemoryMB < 16 || rl.MemoryMB > 16384 {
		return fmt.Errorf("%w: memory_mb must be 16-16384, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 2000 {
		return fmt.Errorf("%w: pids_limit must be 5-2000, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 10240 {
		return fmt.Errorf("%w: disk_mb must be 1-10240, got %d", ErrInvalidRequest, rl.DiskMB)
	}
	return nil
}

// DockerArgs renders the limits as docker run flags.
func (rl ResourceLimits) DockerArgs() []string {
	return []string{
		"--memory", fmt.Sprintf("%dm", rl.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", rl.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", rl.PidsLimit),
		"--cpus", fmt.Sprintf("%.2f", float64(rl.CPUShares)/1024.0),
	}
}

// WithResourceLimits caps CPU with a CFS quota, memory (swap included) and
// pids, sets process rlimits, and mounts size-limited tmpfs at /tmp and
// workDir.
func WithResourceLimits(limits ResourceLimits, workDir string) oci.SpecOpts {
	const cfsPeriod = uint64(100000)
	quota := max(limits.CPUShares*int64(cfsPeriod)/1024, 1000)
	memory := limits.MemoryMB << 20
	tmpfs := limits.DiskMB << 20

	return oci.Compose(
		oci.WithCPUCFS(quota, cfsPeriod),
		oci.WithMemoryLimit(safeUint64(memory)),
		oci.WithPidsLimit(limits.PidsLimit),
		func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
			if s.Linux.Resources.Memory == nil {
				s.Linux.Resources.Memory = &specs.LinuxMemory{}
			}
			swap := memory
			s.Linux.Resources.Memory.Swap = &swap

			for _, dest := range []string{"/tmp", workDir} {
				s.Mounts = appendIfNotExists(s.Mounts, specs.Mount{
					Destination: dest,
					Type:        "tmpfs",
					Source:      "tmpfs",
					Options:     []string{"nosuid", "nodev", "mode=1777", fmt.Sprintf("size=%d", tmpfs)},
				})
			}

			if s.Process == nil {
				s.Process = &specs.Process{}
			}
			nproc, fsize := safeUint64(limits.PidsLimit), safeUint64(tmpfs)
			s.Process.Rlimits = []specs.POSIXRlimit{
				{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
				{Type: "RLIMIT_NPROC", Hard: nproc, Soft: nproc},
				{Type: "RLIMIT_FSIZE", Hard: fsize, Soft: fsize},
				{Type: "RLIMIT_CORE"},
			}
			return nil
		},
	)
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
