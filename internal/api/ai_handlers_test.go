package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"

	"aindrocode/internal/fixloop"
	"aindrocode/internal/oracle"
	"aindrocode/internal/sandbox"
	"aindrocode/internal/sandbox/sandboxtest"
)

// stubCompleter replies from a script. Once the script runs out it repeats
// the last reply, or fails with err if set.
type stubCompleter struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []oracle.CompletionRequest
}

func (s *stubCompleter) Provider() string { return "stub" }

func (s *stubCompleter) Complete(_ context.Context, req oracle.CompletionRequest) (*oracle.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.replies) {
		if s.err != nil {
			return nil, s.err
		}
		i = len(s.replies) - 1
	}
	return &oracle.Completion{Text: s.replies[i], Usage: oracle.Usage{InputTokens: 50, OutputTokens: 5}}, nil
}

// definesX passes when main.js declares x.
func definesX(_ string, files map[string]string) (*sandbox.CommandResult, error) {
	if strings.Contains(files["/project/main.js"], "let x") {
		return &sandbox.CommandResult{ExitCode: 0, Stdout: "1\n"}, nil
	}
	return &sandbox.CommandResult{ExitCode: 1, Stderr: "ReferenceError: x is not defined"}, nil
}

func newAIHandlers(p *sandboxtest.Platform, c oracle.Completer) (*Handlers, *recordingAudit) {
	h, audit := newTestHandlers(p)
	client := sandbox.NewClient(p, nil, sandbox.DefaultOptions())
	h.Fixer = fixloop.NewController(client, oracle.NewRepairer(c, oracle.Settings{}), nil,
		fixloop.Options{DefaultIterations: 3, MaxIterationsCap: 5})
	h.Assistant = oracle.NewAssistant(c, oracle.Settings{})
	return h, audit
}

var brokenJS = FixRequest{Code: "console.log(x)", Error: "ReferenceError: x is not defined"}

func TestHandleFix_Success(t *testing.T) {
	p := sandboxtest.New(definesX)
	h, audit := newAIHandlers(p, &stubCompleter{replies: []string{"```js\nlet x = 1;\nconsole.log(x);\n```"}})

	rec := postJSON(t, h.HandleFix, "/ai/fix", brokenJS)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decodeBody[FixResponse](t, rec)
	if !resp.Success || resp.Iterations != 1 || resp.Outcome != "stopped_by_success" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.FixedCode != "let x = 1;\nconsole.log(x);" {
		t.Errorf("fixedCode = %q", resp.FixedCode)
	}
	if len(resp.Fixes) != 1 || !resp.Fixes[0].Passed || resp.Fixes[0].ErrorSnapshot != brokenJS.Error {
		t.Errorf("fixes = %+v", resp.Fixes)
	}
	if resp.LastExecution == nil || resp.LastExecution.Stdout != "1\n" {
		t.Errorf("lastExecution = %+v", resp.LastExecution)
	}
	if resp.Usage.InputTokens != 50 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(audit.fixes) != 1 || audit.fixes[0].Outcome != "stopped_by_success" {
		t.Errorf("audit = %+v", audit.fixes)
	}
}

func TestHandleFix_Exhausted(t *testing.T) {
	p := sandboxtest.New(definesX)
	h, _ := newAIHandlers(p, &stubCompleter{replies: []string{"console.log(y)"}})

	req := brokenJS
	req.MaxIterations = 2
	rec := postJSON(t, h.HandleFix, "/ai/fix", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decodeBody[FixResponse](t, rec)
	if resp.Success || resp.Iterations != 2 || resp.Outcome != "stopped_by_exhaustion" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Fixes) != 2 || resp.Fixes[1].ErrorSnapshot != "ReferenceError: x is not defined" {
		t.Errorf("fixes = %+v", resp.Fixes)
	}
}

func TestHandleFix_OracleFailureKeepsHistory(t *testing.T) {
	p := sandboxtest.New(definesX)
	c := &stubCompleter{
		replies: []string{"console.log(y)"},
		err:     &oracle.Error{Provider: "stub", StatusCode: 529, Message: "overloaded"},
	}
	h, audit := newAIHandlers(p, c)

	rec := postJSON(t, h.HandleFix, "/ai/fix", brokenJS)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decodeBody[ErrorResponse](t, rec)
	if resp.Code != "ORACLE_FAILED" || !strings.Contains(resp.Details, "overloaded") {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Fixes) != 1 || resp.FixedCode != "console.log(y)" {
		t.Errorf("partial history = %+v, fixedCode = %q", resp.Fixes, resp.FixedCode)
	}
	if len(audit.fixes) != 1 || audit.fixes[0].Outcome != "aborted" {
		t.Errorf("audit = %+v", audit.fixes)
	}
}

func TestHandleFix_Validation(t *testing.T) {
	p := sandboxtest.New(definesX)
	h, _ := newAIHandlers(p, &stubCompleter{replies: []string{"let x"}})

	tests := []struct {
		name string
		body FixRequest
		code string
	}{
		{"missing error", FixRequest{Code: "x"}, "INVALID_REQUEST"},
		{"negative iterations", FixRequest{Code: "x", Error: "e", MaxIterations: -1}, "INVALID_REQUEST"},
		{"iterations over cap", FixRequest{Code: "x", Error: "e", MaxIterations: 20}, "INVALID_REQUEST"},
		{"unsupported language", FixRequest{Code: "x", Error: "e", Language: "cobol"}, "UNSUPPORTED_LANGUAGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.HandleFix, "/ai/fix", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := decodeBody[ErrorResponse](t, rec).Code; got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
	if p.Created() != 0 {
		t.Error("validation failures must not provision")
	}
}

func TestAIRoutes_Disabled(t *testing.T) {
	h, _ := newTestHandlers(sandboxtest.New(sandboxtest.Succeed))

	routes := []struct {
		path    string
		handler http.HandlerFunc
		body    any
	}{
		{"/ai/fix", h.HandleFix, brokenJS},
		{"/ai/fix/stream", h.HandleFixStream, brokenJS},
		{"/ai/generate", h.HandleGenerate, GenerateRequest{Prompt: "hello world"}},
		{"/ai/chat", h.HandleChat, ChatRequest{Message: "hi"}},
	}
	for _, rt := range routes {
		rec := postJSON(t, rt.handler, rt.path, rt.body)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("%s: status = %d, want 500", rt.path, rec.Code)
			continue
		}
		resp := decodeBody[ErrorResponse](t, rec)
		if resp.Code != "ORACLE_DISABLED" || resp.Details == "" {
			t.Errorf("%s: resp = %+v", rt.path, resp)
		}
	}
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if cur.data != "" {
				cur.data += "\n"
			}
			cur.data += strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	return events
}

func TestHandleFixStream(t *testing.T) {
	p := sandboxtest.New(definesX)
	h, _ := newAIHandlers(p, &stubCompleter{replies: []string{"console.log(y)", "let x = 1;\nconsole.log(x)"}})

	rec := postJSON(t, h.HandleFixStream, "/ai/fix/stream", brokenJS)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := readEvents(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	for i, want := range []string{"iteration", "iteration", "done"} {
		if events[i].name != want {
			t.Errorf("event %d = %q, want %q", i, events[i].name, want)
		}
	}

	var first FixStepEvent
	if err := json.Unmarshal([]byte(events[0].data), &first); err != nil {
		t.Fatal(err)
	}
	if first.Ordinal != 1 || first.Passed || first.Code != "console.log(y)" || first.Stderr == "" {
		t.Errorf("first step = %+v", first)
	}

	var done FixResponse
	if err := json.Unmarshal([]byte(events[2].data), &done); err != nil {
		t.Fatal(err)
	}
	if !done.Success || done.Iterations != 2 {
		t.Errorf("done = %+v", done)
	}
}

func TestHandleFixStream_ValidationIsPlainJSON(t *testing.T) {
	p := sandboxtest.New(definesX)
	h, _ := newAIHandlers(p, &stubCompleter{replies: []string{"let x"}})

	rec := postJSON(t, h.HandleFixStream, "/ai/fix/stream", FixRequest{Code: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestHandleFixStream_ErrorEvent(t *testing.T) {
	p := sandboxtest.New(definesX)
	c := &stubCompleter{replies: []string{"console.log(y)"}, err: &oracle.Error{Provider: "stub", Message: "boom"}}
	h, _ := newAIHandlers(p, c)

	rec := postJSON(t, h.HandleFixStream, "/ai/fix/stream", brokenJS)
	events := readEvents(t, rec.Body.String())
	if len(events) != 2 || events[0].name != "iteration" || events[1].name != "error" {
		t.Fatalf("events = %+v", events)
	}
	var body ErrorResponse
	if err := json.Unmarshal([]byte(events[1].data), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != "ORACLE_FAILED" || len(body.Fixes) != 1 {
		t.Errorf("error event = %+v", body)
	}
}

func TestHandleGenerate(t *testing.T) {
	c := &stubCompleter{replies: []string{"print('hi')"}}
	h, _ := newAIHandlers(sandboxtest.New(sandboxtest.Succeed), c)

	rec := postJSON(t, h.HandleGenerate, "/ai/generate", GenerateRequest{Prompt: "say hi", Context: "python project"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decodeBody[GenerateResponse](t, rec)
	if !resp.Success || resp.Code != "print('hi')" || resp.Usage.OutputTokens != 5 {
		t.Errorf("resp = %+v", resp)
	}
	if !strings.Contains(c.requests[0].System, "python project") {
		t.Error("context missing from system prompt")
	}

	rec = postJSON(t, h.HandleGenerate, "/ai/generate", GenerateRequest{Prompt: "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty prompt: status = %d, want 400", rec.Code)
	}
}

func TestHandleChat(t *testing.T) {
	c := &stubCompleter{replies: []string{"Sure."}}
	h, _ := newAIHandlers(sandboxtest.New(sandboxtest.Succeed), c)

	rec := postJSON(t, h.HandleChat, "/ai/chat", ChatRequest{
		Message: "what does main do?",
		History: []ChatMessage{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		Files:   []ProjectFile{{Name: "main.go", Language: "go", Content: "package main"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if resp := decodeBody[ChatResponse](t, rec); resp.Reply != "Sure." {
		t.Errorf("reply = %q", resp.Reply)
	}

	got := c.requests[0]
	if len(got.Messages) != 3 || got.Messages[2].Content != "what does main do?" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if !strings.Contains(got.System, "main.go") {
		t.Error("project files missing from system prompt")
	}
}
