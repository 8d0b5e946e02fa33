package api

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"aindrocode/internal/fixloop"
	"aindrocode/internal/sandbox"
)

func TestDuration_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Duration{Duration: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"10s"` {
		t.Errorf("Marshal = %s, want \"10s\"", b)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`" 500ms "`, 500 * time.Millisecond, false},
		{`1500`, 1500 * time.Millisecond, false},
		{`0.5`, 500 * time.Microsecond, false},
		{`null`, 0, false},
		{`"not-a-duration"`, 0, true},
		{`true`, 0, true},
		{`1e13`, 0, true},
		{`-1e13`, 0, true},
		{`9e12`, 9e12 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("Unmarshal(%s) = %v, want %v", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestCommandRequest_TimeoutForms(t *testing.T) {
	var a, b CommandRequest
	if err := json.Unmarshal([]byte(`{"command":"ls","timeout":30000}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"command":"ls","timeout":"30s"}`), &b); err != nil {
		t.Fatal(err)
	}
	if a.Timeout.Duration != 30*time.Second || a.Timeout != b.Timeout {
		t.Errorf("timeouts = %v, %v", a.Timeout, b.Timeout)
	}
}

func TestNewRunResponse(t *testing.T) {
	res := &sandbox.ExecutionResult{
		ID:         "e1",
		Success:    true,
		PreviewURL: "https://8000-abc.preview.test",
		Duration:   1500 * time.Millisecond,
		Setup:      &sandbox.SetupResult{Manifest: "package.json", Command: "npm install", ExitCode: 0},
	}
	resp := newRunResponse(res, true)
	if resp.PreviewURL == nil || *resp.PreviewURL != res.PreviewURL {
		t.Errorf("previewUrl = %v", resp.PreviewURL)
	}
	if resp.Setup == nil || resp.Setup.Manifest != "package.json" {
		t.Errorf("setup = %+v", resp.Setup)
	}
	if !resp.Cached || resp.Duration != "1.5s" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestNewFixResponse(t *testing.T) {
	res := &fixloop.Result{ID: "f1", Outcome: fixloop.OutcomeExhausted, MaxIterations: 3}
	resp := newFixResponse(res, errors.New("stopped"))

	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"fixes":[]`) {
		t.Errorf("fixes should encode as an empty array: %s", b)
	}
	if resp.Success || resp.Outcome != "stopped_by_exhaustion" || resp.Error != "stopped" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestChatRequest_ToOracle(t *testing.T) {
	req := ChatRequest{
		Message: "hi",
		History: []ChatMessage{{Role: "assistant", Content: "hello"}},
		Files:   []ProjectFile{{Name: "a.py", Language: "python", Content: "pass"}},
	}
	out := req.toOracle()
	if len(out.History) != 1 || out.History[0].Role != "assistant" {
		t.Errorf("history = %+v", out.History)
	}
	if len(out.Files) != 1 || out.Files[0].Name != "a.py" {
		t.Errorf("files = %+v", out.Files)
	}
}
