package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultProfile_DenyByDefault(t *testing.T) {
	for name, p := range map[string]*specs.LinuxSeccomp{
		"default": DefaultProfile(),
		"network": NetworkProfile(),
	} {
		if p.DefaultAction != specs.ActErrno {
			t.Errorf("%s DefaultAction = %v, want ActErrno", name, p.DefaultAction)
		}
	}
}

func TestDefaultProfile_ToolchainSyscalls(t *testing.T) {
	p := DefaultProfile()
	for _, name := range []string{"execve", "clone3", "memfd_create", "rseq", "getrandom", "wait4"} {
		if !Allows(p, name) {
			t.Errorf("default profile should allow %q", name)
		}
	}
}

func TestDefaultProfile_NoNetworkSyscalls(t *testing.T) {
	p := DefaultProfile()
	for _, name := range Network.Syscalls {
		if Allows(p, name) {
			t.Errorf("default profile should not allow %q", name)
		}
	}
}

func TestNetworkProfile_HasSocketSyscalls(t *testing.T) {
	p := NetworkProfile()
	for _, name := range []string{"socket", "connect", "bind", "listen", "accept4"} {
		if !Allows(p, name) {
			t.Errorf("network profile missing allowed syscall %q", name)
		}
	}
}

func TestProfiles_DangerousSyscallsNotAllowed(t *testing.T) {
	p := NetworkProfile()
	for _, name := range append(append([]string{}, trapped...), denied...) {
		if Allows(p, name) {
			t.Errorf("%q must not be allowed", name)
		}
	}
}

func TestDockerJSON(t *testing.T) {
	data, err := DockerJSON(NetworkProfile())
	if err != nil {
		t.Fatalf("DockerJSON: %v", err)
	}

	var dp struct {
		DefaultAction string   `json:"defaultAction"`
		Architectures []string `json:"architectures"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Architectures) != 2 || dp.Architectures[0] != "SCMP_ARCH_X86_64" {
		t.Errorf("architectures = %v", dp.Architectures)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestBuilder(t *testing.T) {
	p := NewBuilder().Allow("read", "write").Deny().Build()

	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1 (empty rules are skipped)", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 || rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
