package oracle

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const repairSystemPrompt = `You are an expert debugging AI agent. Analyze errors and fix code automatically.

%sReturn ONLY the corrected code without explanations, markdown formatting, or code blocks.
Make targeted fixes to resolve the specific error while preserving existing functionality.`

const repairUserPrompt = `Iteration %d/%d

Language: %s

Current Code:
%s

Error Output:
%s

Fix this error and return the corrected code. Be precise and avoid introducing new issues.`

// FixPrompt is one repair request.
type FixPrompt struct {
	Code          string
	ErrorText     string
	Language      string
	Iteration     int // 1-based
	MaxIterations int
	Context       string
	Model         string
	APIKey        string
}

// Repairer asks a Completer for corrected code. It never retries; each call
// is exactly one completion.
type Repairer struct {
	completer Completer
	settings  Settings
}

func NewRepairer(c Completer, s Settings) *Repairer {
	return &Repairer{completer: c, settings: s}
}

// Provider names the backing completion API.
func (r *Repairer) Provider() string { return r.completer.Provider() }

// RequestFix returns the candidate replacement for p.Code, trimmed and with
// a surrounding markdown fence removed.
func (r *Repairer) RequestFix(ctx context.Context, p FixPrompt) (string, Usage, error) {
	req := CompletionRequest{
		System:   RepairSystemPrompt(p.Context),
		Messages: []Message{{Role: RoleUser, Content: RepairUserPrompt(p)}},
		Model:    p.Model,
		APIKey:   p.APIKey,
	}
	r.settings.apply(&req)

	out, err := r.completer.Complete(ctx, req)
	if err != nil {
		return "", Usage{}, err
	}

	code := UnwrapFence(out.Text)
	if code == "" {
		return "", out.Usage, newError(r.completer.Provider(), 0, "", ErrEmptyResponse)
	}
	return code, out.Usage, nil
}

func RepairSystemPrompt(projectContext string) string {
	ctx := ""
	if strings.TrimSpace(projectContext) != "" {
		ctx = "Project Context:\n" + projectContext + "\n\n"
	}
	return fmt.Sprintf(repairSystemPrompt, ctx)
}

func RepairUserPrompt(p FixPrompt) string {
	return fmt.Sprintf(repairUserPrompt, p.Iteration, p.MaxIterations, p.Language, p.Code, p.ErrorText)
}

var fence = regexp.MustCompile("(?s)^```[A-Za-z0-9_+#.-]*[ \t]*\r?\n(.*?)\r?\n?```$")

// UnwrapFence trims s and, if the whole of it is a single fenced code block,
// returns the block's body.
func UnwrapFence(s string) string {
	s = strings.TrimSpace(s)
	m := fence.FindStringSubmatch(s)
	if m == nil || strings.Contains(m[1], "\n```") {
		return s
	}
	return strings.TrimSpace(m[1])
}
