package sandbox

import (
	"context"
	"errors"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"aindrocode/internal/config"
	"aindrocode/pkg/seccomp"
)

func TestResourceLimits_Validate(t *testing.T) {
	tests := []struct {
		name    string
		limits  ResourceLimits
		wantErr bool
	}{
		{"defaults", DefaultLimits(), false},
		{"cpu too low", ResourceLimits{CPUShares: 1, MemoryMB: 512, PidsLimit: 128, DiskMB: 512}, true},
		{"memory too high", ResourceLimits{CPUShares: 1024, MemoryMB: 32768, PidsLimit: 128, DiskMB: 512}, true},
		{"pids too low", ResourceLimits{CPUShares: 1024, MemoryMB: 512, PidsLimit: 2, DiskMB: 512}, true},
		{"no disk", ResourceLimits{CPUShares: 1024, MemoryMB: 512, PidsLimit: 128}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error %v should wrap ErrInvalidRequest", err)
			}
		})
	}
}

func TestLimitsFromConfig(t *testing.T) {
	l := LimitsFromConfig(config.DefaultLimits{MemoryMB: 2048})
	if l.MemoryMB != 2048 {
		t.Errorf("MemoryMB = %d, want 2048", l.MemoryMB)
	}
	if l.PidsLimit != DefaultLimits().PidsLimit {
		t.Errorf("unset PidsLimit = %d, want default", l.PidsLimit)
	}
}

func TestWithResourceLimits(t *testing.T) {
	spec := &specs.Spec{}
	apply := WithResourceLimits(DefaultLimits(), "/project")
	if err := apply(context.Background(), nil, nil, spec); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := *spec.Linux.Resources.Memory.Limit; got != 512*1024*1024 {
		t.Errorf("memory limit = %d", got)
	}
	if spec.Linux.Resources.Pids.Limit != 128 {
		t.Errorf("pids limit = %d", spec.Linux.Resources.Pids.Limit)
	}
	if *spec.Linux.Resources.CPU.Quota != 100000 {
		t.Errorf("cpu quota = %d, want one full core", *spec.Linux.Resources.CPU.Quota)
	}

	mounts := map[string]string{}
	for _, m := range spec.Mounts {
		mounts[m.Destination] = m.Type
	}
	for _, dest := range []string{"/tmp", "/project"} {
		if mounts[dest] != "tmpfs" {
			t.Errorf("%s mount type = %q, want tmpfs", dest, mounts[dest])
		}
	}

	if err := apply(context.Background(), nil, nil, spec); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if len(spec.Mounts) != 2 {
		t.Errorf("re-applying added duplicate mounts: %d", len(spec.Mounts))
	}
}

func TestWithSecurityProfile(t *testing.T) {
	spec := &specs.Spec{Root: &specs.Root{Path: "rootfs"}}
	if err := WithSecurityProfile(DefaultSecurityProfile())(context.Background(), nil, nil, spec); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if !spec.Process.NoNewPrivileges {
		t.Error("NoNewPrivileges not set")
	}
	if !spec.Root.Readonly {
		t.Error("root filesystem should be read-only")
	}
	if spec.Process.User.UID != 65534 {
		t.Errorf("UID = %d, want nobody", spec.Process.User.UID)
	}
	if len(spec.Process.Capabilities.Bounding) != 0 {
		t.Errorf("capabilities = %v, want none", spec.Process.Capabilities.Bounding)
	}
	if seccomp.Allows(spec.Linux.Seccomp, "socket") {
		t.Error("default profile must not allow socket")
	}
}

func TestToolchainSecurityProfile(t *testing.T) {
	p := ToolchainSecurityProfile()
	if !seccomp.Allows(p.Seccomp, "socket") {
		t.Error("toolchain profile should allow network syscalls")
	}

	args := p.DockerArgs()
	if !hasPair(args, "--cap-drop", "ALL") {
		t.Errorf("DockerArgs = %q, missing --cap-drop ALL", args)
	}
	if !hasPair(args, "--cap-add", "CHOWN") {
		t.Errorf("DockerArgs = %q, missing --cap-add CHOWN", args)
	}
}

func TestNewPlatform(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sandbox.Platform = "remote"
	cfg.Sandbox.Remote.BaseURL = "https://sandbox.example.com"
	cfg.Sandbox.Remote.APIKey = "key"

	p, err := NewPlatform(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewPlatform(remote): %v", err)
	}
	if p.Name() != "remote" {
		t.Errorf("Name() = %q, want remote", p.Name())
	}

	cfg.Sandbox.Platform = "auto"
	if p, err = NewPlatform(context.Background(), cfg); err != nil || p.Name() != "remote" {
		t.Errorf("auto with remote credentials = %v, %v", p, err)
	}

	cfg.Sandbox.Platform = "firecracker"
	if _, err := NewPlatform(context.Background(), cfg); err == nil {
		t.Error("unknown platform should fail")
	}

	cfg.Sandbox.Platform = "remote"
	cfg.Sandbox.Remote.APIKey = ""
	if _, err := NewPlatform(context.Background(), cfg); !errors.Is(err, ErrPlatformUnavailable) {
		t.Errorf("remote without key = %v, want ErrPlatformUnavailable", err)
	}
}
