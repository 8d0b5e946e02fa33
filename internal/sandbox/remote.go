package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteOptions points at a hosted disposable-sandbox service.
type RemoteOptions struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// RemotePlatform provisions environments from a hosted sandbox service over
// its REST API. Environments live on the service; this process only holds
// their IDs.
type RemotePlatform struct {
	baseURL        string
	apiKey         string
	requestTimeout time.Duration
	httpClient     *http.Client
}

var _ Platform = (*RemotePlatform)(nil)

func NewRemotePlatform(opts RemoteOptions) (*RemotePlatform, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: remote base URL not configured", ErrPlatformUnavailable)
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: remote sandbox API key not configured", ErrPlatformUnavailable)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &RemotePlatform{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		apiKey:         opts.APIKey,
		requestTimeout: opts.RequestTimeout,
		httpClient:     &http.Client{},
	}, nil
}

func (p *RemotePlatform) Name() string { return "remote" }

func (p *RemotePlatform) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *RemotePlatform) Healthy(ctx context.Context) bool {
	err := p.do(ctx, http.MethodGet, "/health", "", nil, nil)
	return err == nil
}

type createSandboxRequest struct {
	TimeoutMs int64 `json:"timeoutMs"`
	Ports     []int `json:"ports,omitempty"`
}

type createSandboxResponse struct {
	SandboxID string `json:"sandboxId"`
	Domain    string `json:"domain"`
}

type runCommandRequest struct {
	Cmd       string `json:"cmd"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type runCommandResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timedOut"`
}

func (p *RemotePlatform) Create(ctx context.Context, opts CreateOptions) (Environment, error) {
	var out createSandboxResponse
	req := createSandboxRequest{TimeoutMs: opts.Timeout.Milliseconds(), Ports: opts.Ports}
	if err := p.do(ctx, http.MethodPost, "/sandboxes", "", req, &out); err != nil {
		return nil, err
	}
	if out.SandboxID == "" {
		return nil, errors.New("remote sandbox response missing sandboxId")
	}
	return &remoteEnvironment{platform: p, id: out.SandboxID, domain: out.Domain}, nil
}

// do sends one API call. body is JSON-encoded unless it is an io.Reader;
// out, when non-nil, receives the decoded JSON response.
func (p *RemotePlatform) do(ctx context.Context, method, path, query string, body, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	var reader io.Reader
	contentType := "application/json"
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
		contentType = "application/octet-stream"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := p.baseURL + path
	if query != "" {
		target += "?" + query
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("X-API-Key", p.apiKey)
	if reader != nil {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: sandbox service reported timeout", ErrTimeout)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("sandbox at capacity (HTTP 429)")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("sandbox returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type remoteEnvironment struct {
	platform *RemotePlatform
	id       string
	domain   string
}

func (e *remoteEnvironment) ID() string { return e.id }

func (e *remoteEnvironment) WriteFile(ctx context.Context, path, content string) error {
	q := url.Values{"path": {path}}.Encode()
	return e.platform.do(ctx, http.MethodPut, "/sandboxes/"+url.PathEscape(e.id)+"/files", q, strings.NewReader(content), nil)
}

func (e *remoteEnvironment) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	// The service enforces timeout itself; the extra slack lets its answer
	// arrive before our own deadline fires.
	reqCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var out runCommandResponse
	req := runCommandRequest{Cmd: cmd, TimeoutMs: timeout.Milliseconds()}
	err := e.platform.do(reqCtx, http.MethodPost, "/sandboxes/"+url.PathEscape(e.id)+"/commands", "", req, &out)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return &CommandResult{ExitCode: -1}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, err
	}

	res := &CommandResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr}
	if out.TimedOut {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return res, nil
}

// PreviewURL returns the public https host the service routes to port.
func (e *remoteEnvironment) PreviewURL(_ context.Context, port int) (string, error) {
	if e.domain == "" {
		return "", errors.New("sandbox has no public domain")
	}
	return fmt.Sprintf("https://%d-%s.%s/", port, e.id, e.domain), nil
}

func (e *remoteEnvironment) Terminate(ctx context.Context) error {
	err := e.platform.do(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(e.id), "", nil, nil)
	if err != nil && strings.Contains(err.Error(), "HTTP 404") {
		return nil
	}
	return err
}
