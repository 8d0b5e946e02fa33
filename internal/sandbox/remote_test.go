package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeService struct {
	mu       sync.Mutex
	files    map[string]string
	commands []runCommandRequest
	deleted  []string
	reply    runCommandResponse
	status   int
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req createSandboxRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode create: %v", err)
		}
		if req.TimeoutMs != 60000 {
			t.Errorf("timeoutMs = %d, want 60000", req.TimeoutMs)
		}
		json.NewEncoder(w).Encode(createSandboxResponse{SandboxID: "sbx1", Domain: "sandbox.example.dev"})
	})
	mux.HandleFunc("PUT /sandboxes/{id}/files", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.files[r.URL.Query().Get("path")] = string(body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /sandboxes/{id}/commands", func(w http.ResponseWriter, r *http.Request) {
		var req runCommandRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.commands = append(f.commands, req)
		status := f.status
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(f.reply)
	})
	mux.HandleFunc("DELETE /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = append(f.deleted, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func startRemote(t *testing.T, f *fakeService) *RemotePlatform {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	p, err := NewRemotePlatform(RemoteOptions{BaseURL: srv.URL + "/", APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewRemotePlatform: %v", err)
	}
	return p
}

func TestNewRemotePlatform_RequiresConfig(t *testing.T) {
	if _, err := NewRemotePlatform(RemoteOptions{APIKey: "k"}); !errors.Is(err, ErrPlatformUnavailable) {
		t.Errorf("missing base URL: err = %v", err)
	}
	if _, err := NewRemotePlatform(RemoteOptions{BaseURL: "http://x"}); !errors.Is(err, ErrPlatformUnavailable) {
		t.Errorf("missing API key: err = %v", err)
	}
}

func TestRemotePlatform_Lifecycle(t *testing.T) {
	f := &fakeService{files: map[string]string{}, reply: runCommandResponse{ExitCode: 0, Stdout: "hi\n"}}
	p := startRemote(t, f)
	ctx := context.Background()

	env, err := p.Create(ctx, CreateOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if env.ID() != "sbx1" {
		t.Errorf("ID() = %q, want sbx1", env.ID())
	}

	if err := env.WriteFile(ctx, "/project/main.py", "print('hi')"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f.mu.Lock()
	got := f.files["/project/main.py"]
	f.mu.Unlock()
	if got != "print('hi')" {
		t.Errorf("uploaded content = %q", got)
	}

	res, err := env.RunCommand(ctx, "python3 main.py", 5*time.Second)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.Stdout != "hi\n" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
	f.mu.Lock()
	commands := append([]runCommandRequest(nil), f.commands...)
	f.mu.Unlock()
	if len(commands) != 1 || commands[0].TimeoutMs != 5000 || commands[0].Cmd != "python3 main.py" {
		t.Errorf("commands = %+v", commands)
	}

	url, err := env.(Previewer).PreviewURL(ctx, 8000)
	if err != nil {
		t.Fatalf("PreviewURL: %v", err)
	}
	if url != "https://8000-sbx1.sandbox.example.dev/" {
		t.Errorf("PreviewURL = %q", url)
	}

	if err := env.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deleted) != 1 || f.deleted[0] != "sbx1" {
		t.Errorf("deleted = %v", f.deleted)
	}
}

func TestRemotePlatform_CommandTimeout(t *testing.T) {
	tests := []struct {
		name string
		svc  *fakeService
	}{
		{"timedOut flag", &fakeService{files: map[string]string{}, reply: runCommandResponse{Stdout: "partial", TimedOut: true}}},
		{"408 status", &fakeService{files: map[string]string{}, status: http.StatusRequestTimeout}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := startRemote(t, tt.svc)
			env, err := p.Create(context.Background(), CreateOptions{Timeout: time.Minute})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			res, err := env.RunCommand(context.Background(), "sleep 100", time.Second)
			if !errors.Is(err, ErrTimeout) {
				t.Fatalf("err = %v, want ErrTimeout", err)
			}
			if res == nil || res.ExitCode != -1 {
				t.Errorf("result = %+v, want exit -1", res)
			}
		})
	}
}

func TestRemotePlatform_ServerError(t *testing.T) {
	f := &fakeService{files: map[string]string{}, status: http.StatusInternalServerError}
	p := startRemote(t, f)
	env, err := p.Create(context.Background(), CreateOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = env.RunCommand(context.Background(), "true", time.Second)
	if err == nil || !strings.Contains(err.Error(), "HTTP 500") {
		t.Errorf("err = %v, want HTTP 500", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("server error must not be reported as a timeout")
	}
}

func TestRemotePlatform_Unauthorized(t *testing.T) {
	srv := httptest.NewServer((&fakeService{files: map[string]string{}}).handler(t))
	defer srv.Close()

	p, _ := NewRemotePlatform(RemoteOptions{BaseURL: srv.URL, APIKey: "wrong"})
	if _, err := p.Create(context.Background(), CreateOptions{Timeout: time.Minute}); err == nil {
		t.Error("Create with bad key should fail")
	}
}
