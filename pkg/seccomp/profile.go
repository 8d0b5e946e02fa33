// Package seccomp builds deny-by-default seccomp profiles for sandbox
// environments and renders them in the format docker accepts.
package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Builder assembles a LinuxSeccomp profile rule by rule.
type Builder struct {
	profile *specs.LinuxSeccomp
}

// NewBuilder starts a profile that denies every syscall not explicitly
// allowed, for amd64 and arm64.
func NewBuilder() *Builder {
	return &Builder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *Builder) rule(action specs.LinuxSeccompAction, names []string) *Builder {
	if len(names) == 0 {
		return b
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *Builder) Allow(names ...string) *Builder { return b.rule(specs.ActAllow, names) }

func (b *Builder) Deny(names ...string) *Builder { return b.rule(specs.ActErrno, names) }

// Trap kills the offending thread with SIGSYS instead of returning EPERM.
func (b *Builder) Trap(names ...string) *Builder { return b.rule(specs.ActTrap, names) }

// AllowGroup allows every syscall of a named group.
func (b *Builder) AllowGroup(g Group) *Builder { return b.Allow(g.Syscalls...) }

func (b *Builder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// Allows reports whether the profile explicitly allows name.
func Allows(p *specs.LinuxSeccomp, name string) bool {
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, n := range rule.Names {
			if n == name {
				return true
			}
		}
	}
	return false
}

// DockerJSON renders p for `docker run --security-opt seccomp=<file>`.
func DockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return data, nil
}
