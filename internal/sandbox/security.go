package sandbox

import (
	"context"

	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"aindrocode/pkg/seccomp"
)

// SecurityProfile is the isolation applied to local sandbox containers.
type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Capabilities  []string
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
	User          specs.User
}

// packageCapabilities are the only capabilities kept. Package managers chown
// extracted files and switch to their own service users.
var packageCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FOWNER",
	"CAP_SETUID",
	"CAP_SETGID",
}

// DefaultSecurityProfile isolates the container completely, including its
// own empty network namespace, and runs as nobody.
func DefaultSecurityProfile() SecurityProfile {
	return SecurityProfile{
		Seccomp:      seccomp.DefaultProfile(),
		Capabilities: []string{},
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		},
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/timer_stats",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
			"/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/asound",
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
		User: specs.User{UID: 65534, GID: 65534},
	}
}

// ToolchainSecurityProfile allows network syscalls and the capabilities
// package managers need. Used by the docker platform, whose containers share
// a bridge network for dependency downloads and previews.
func ToolchainSecurityProfile() SecurityProfile {
	p := DefaultSecurityProfile()
	p.Seccomp = seccomp.NetworkProfile()
	p.Capabilities = packageCapabilities
	p.User = specs.User{UID: 0, GID: 0}
	return p
}

// DockerArgs renders the capability part of the profile as docker run flags.
func (p SecurityProfile) DockerArgs() []string {
	args := []string{"--cap-drop", "ALL", "--security-opt", "no-new-privileges"}
	for _, c := range p.Capabilities {
		args = append(args, "--cap-add", c[len("CAP_"):])
	}
	return args
}

// WithSecurityProfile applies the profile to a container spec: seccomp,
// capabilities, namespaces, masked and read-only proc paths, the user, no new
// privileges, and a read-only root filesystem.
func WithSecurityProfile(p SecurityProfile) oci.SpecOpts {
	return oci.Compose(
		oci.WithNoNewPrivileges,
		oci.WithRootFSReadonly(),
		oci.WithCapabilities(p.Capabilities),
		oci.WithMaskedPaths(p.MaskedPaths),
		oci.WithReadonlyPaths(p.ReadonlyPaths),
		func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
			s.Linux.Seccomp = p.Seccomp
			s.Linux.Namespaces = p.Namespaces
			s.Process.User = p.User
			s.Process.Capabilities.Inheritable = nil
			s.Process.Capabilities.Ambient = nil
			return nil
		},
	)
}
