// Package oracle talks to hosted LLM completion APIs and builds the
// code-repair, generate, and chat requests on top of them.
package oracle

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"aindrocode/internal/config"
	"aindrocode/internal/monitor"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	System    string
	Messages  []Message
	Model     string
	MaxTokens int
	// APIKey overrides the configured key for this request only.
	APIKey string
}

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

type Completion struct {
	Text  string
	Usage Usage
}

// Completer is one LLM completion API. Implementations normalize the
// provider's response shape to plain text.
type Completer interface {
	Provider() string
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Settings are the request defaults shared by Repairer and Assistant.
type Settings struct {
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func SettingsFromConfig(cfg config.OracleConfig) Settings {
	return Settings{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Timeout: cfg.Timeout}
}

func (s Settings) apply(req *CompletionRequest) {
	if req.Model == "" {
		req.Model = s.Model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = s.MaxTokens
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 8192
	}
}

// New builds the completer named by cfg.Provider. A disabled oracle returns
// ErrDisabled so the AI routes can report it instead of failing at startup.
func New(cfg config.OracleConfig, metrics *monitor.Metrics, tracer *monitor.Tracer) (Completer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	var c Completer
	switch cfg.Provider {
	case "", "anthropic":
		c = NewAnthropicClient(cfg.Anthropic.BaseURL, cfg.Anthropic.APIKey, cfg.Timeout)
	case "openai":
		c = NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
	return Instrument(c, metrics, tracer), nil
}

type instrumented struct {
	next    Completer
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
}

// Instrument records metrics and a span for every completion.
func Instrument(c Completer, metrics *monitor.Metrics, tracer *monitor.Tracer) Completer {
	return &instrumented{next: c, metrics: metrics, tracer: tracer}
}

func (i *instrumented) Provider() string { return i.next.Provider() }

func (i *instrumented) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	ctx, span := i.tracer.StartSpan(ctx, "oracle.complete",
		monitor.AttrProvider.String(i.next.Provider()),
	)
	defer span.End()

	start := time.Now()
	out, err := i.next.Complete(ctx, req)

	var usage Usage
	if out != nil {
		usage = out.Usage
	}
	i.metrics.RecordOracleCall(i.next.Provider(), time.Since(start).Seconds(), usage.InputTokens, usage.OutputTokens, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}
