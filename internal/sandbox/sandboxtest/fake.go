// Package sandboxtest provides an in-memory sandbox.Platform for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aindrocode/internal/sandbox"
)

// Handler decides the outcome of a command. files holds everything written to
// the environment so far.
type Handler func(cmd string, files map[string]string) (*sandbox.CommandResult, error)

// Succeed is a Handler that reports exit code 0 for every command.
func Succeed(string, map[string]string) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{ExitCode: 0}, nil
}

// Fail returns a Handler that reports exitCode with stderr for every command.
func Fail(exitCode int, stderr string) Handler {
	return func(string, map[string]string) (*sandbox.CommandResult, error) {
		return &sandbox.CommandResult{ExitCode: exitCode, Stderr: stderr}, nil
	}
}

// Platform records every environment it creates.
type Platform struct {
	Handler      Handler
	CreateErr    error
	WriteErr     error
	TerminateErr error
	// PreviewDomain, when set, makes environments implement sandbox.Previewer.
	PreviewDomain string

	mu   sync.Mutex
	envs []*Environment
	seq  int
}

var _ sandbox.Platform = (*Platform)(nil)

// New returns a fake platform that runs commands through h.
func New(h Handler) *Platform {
	return &Platform{Handler: h}
}

func (p *Platform) Name() string { return "fake" }

func (p *Platform) Create(_ context.Context, opts sandbox.CreateOptions) (sandbox.Environment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.seq++
	env := &Environment{
		id:       fmt.Sprintf("fake-%d", p.seq),
		platform: p,
		Lifetime: opts.Timeout,
		Ports:    opts.Ports,
		Files:    make(map[string]string),
	}
	p.envs = append(p.envs, env)
	if p.PreviewDomain != "" {
		return &previewEnvironment{env}, nil
	}
	return env, nil
}

func (p *Platform) Close() error { return nil }

// Created returns how many environments were provisioned.
func (p *Platform) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envs)
}

// Environments returns the provisioned environments in creation order.
func (p *Platform) Environments() []*Environment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Environment(nil), p.envs...)
}

// Last returns the most recently provisioned environment, or nil.
func (p *Platform) Last() *Environment {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.envs) == 0 {
		return nil
	}
	return p.envs[len(p.envs)-1]
}

// Environment is a fake sandbox environment.
type Environment struct {
	id       string
	platform *Platform

	mu         sync.Mutex
	Lifetime   time.Duration
	Ports      []int
	Files      map[string]string
	Writes     []string // paths in write order
	Commands   []string
	Timeouts   []time.Duration
	Terminated int
}

func (e *Environment) ID() string { return e.id }

func (e *Environment) WriteFile(_ context.Context, path, content string) error {
	if e.platform.WriteErr != nil {
		return e.platform.WriteErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Files[path] = content
	e.Writes = append(e.Writes, path)
	return nil
}

func (e *Environment) RunCommand(_ context.Context, cmd string, timeout time.Duration) (*sandbox.CommandResult, error) {
	e.mu.Lock()
	e.Commands = append(e.Commands, cmd)
	e.Timeouts = append(e.Timeouts, timeout)
	files := make(map[string]string, len(e.Files))
	for k, v := range e.Files {
		files[k] = v
	}
	e.mu.Unlock()

	h := e.platform.Handler
	if h == nil {
		h = Succeed
	}
	return h(cmd, files)
}

func (e *Environment) Terminate(context.Context) error {
	e.mu.Lock()
	e.Terminated++
	e.mu.Unlock()
	return e.platform.TerminateErr
}

// TerminateCount returns how many times Terminate was called.
func (e *Environment) TerminateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Terminated
}

// CommandLog returns the commands run so far.
func (e *Environment) CommandLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Commands...)
}

type previewEnvironment struct {
	*Environment
}

func (e *previewEnvironment) PreviewURL(_ context.Context, port int) (string, error) {
	return fmt.Sprintf("https://%d-%s.%s", port, e.id, e.platform.PreviewDomain), nil
}
