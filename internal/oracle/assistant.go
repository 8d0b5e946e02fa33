package oracle

import (
	"context"
	"fmt"
	"strings"
)

const agentSystemPrompt = `You are an expert AI coding agent for AIndroCode, a mobile-first web IDE.
Write complete, runnable code, never partial snippets. When asked to build something, plan it,
write it, and explain any caveats briefly. Support JavaScript, TypeScript, Python, C, C++, Java,
Go, Rust, PHP, Ruby and shell scripts, and follow each language's usual conventions.`

// ProjectFile is an editor file handed to the assistant as context.
type ProjectFile struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

type GenerateRequest struct {
	Prompt  string
	Context string
	Model   string
	APIKey  string
}

type ChatRequest struct {
	Message string
	History []Message
	Files   []ProjectFile
	Context string
	Model   string
	APIKey  string
}

// Assistant serves free-form code generation and chat.
type Assistant struct {
	completer Completer
	settings  Settings
}

func NewAssistant(c Completer, s Settings) *Assistant {
	return &Assistant{completer: c, settings: s}
}

// Generate returns generated code for req.Prompt.
func (a *Assistant) Generate(ctx context.Context, req GenerateRequest) (string, Usage, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", Usage{}, ErrMissingPrompt
	}
	creq := CompletionRequest{
		System:   AgentSystemPrompt(req.Context),
		Messages: []Message{{Role: RoleUser, Content: req.Prompt}},
		Model:    req.Model,
		APIKey:   req.APIKey,
	}
	a.settings.apply(&creq)

	out, err := a.completer.Complete(ctx, creq)
	if err != nil {
		return "", Usage{}, err
	}
	return out.Text, out.Usage, nil
}

// Chat continues a conversation. Project files are rendered into the system
// prompt rather than the message history.
func (a *Assistant) Chat(ctx context.Context, req ChatRequest) (string, Usage, error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", Usage{}, fmt.Errorf("%w: message is empty", ErrMissingPrompt)
	}

	messages := make([]Message, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		role := RoleUser
		if m.Role == RoleAssistant {
			role = RoleAssistant
		}
		messages = append(messages, Message{Role: role, Content: m.Content})
	}
	messages = append(messages, Message{Role: RoleUser, Content: req.Message})

	creq := CompletionRequest{
		System:   AgentSystemPrompt(req.Context + RenderFiles(req.Files)),
		Messages: messages,
		Model:    req.Model,
		APIKey:   req.APIKey,
	}
	a.settings.apply(&creq)

	out, err := a.completer.Complete(ctx, creq)
	if err != nil {
		return "", Usage{}, err
	}
	return out.Text, out.Usage, nil
}

func AgentSystemPrompt(projectContext string) string {
	if strings.TrimSpace(projectContext) == "" {
		return agentSystemPrompt
	}
	return agentSystemPrompt + "\n\n## Current Project Context\n\n" + projectContext
}

// RenderFiles formats files as fenced markdown sections.
func RenderFiles(files []ProjectFile) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n## Project Files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "\n### %s (%s)\n```%s\n%s\n```\n", f.Name, f.Language, f.Language, f.Content)
	}
	return b.String()
}
