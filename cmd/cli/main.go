package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"aindrocode/internal/runtime"
)

var (
	serverURL     string
	apiKey        string
	language      string
	input         string
	cwd           string
	timeout       string
	errorText     string
	maxIterations int
	stream        bool
	listLimit     int
	listLanguage  string
)

func main() {
	root := &cobra.Command{
		Use:          "aindro",
		Short:        "CLI client for the aindrocode execution service",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("AINDRO_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("AINDRO_API_KEY"), "API key")

	runCmd := &cobra.Command{
		Use:   "run [code]",
		Short: "Run code in a sandbox (reads stdin when no code is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCode,
	}
	runCmd.Flags().StringVarP(&language, "language", "l", "javascript", "Language")
	runCmd.Flags().StringVar(&input, "input", "", "Text piped to the program's stdin")
	root.AddCommand(runCmd)

	runFileCmd := &cobra.Command{
		Use:   "run-file [file]",
		Short: "Run a source file (language detected from its extension)",
		Args:  cobra.ExactArgs(1),
		RunE:  runFile,
	}
	runFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	runFileCmd.Flags().StringVar(&input, "input", "", "Text piped to the program's stdin")
	root.AddCommand(runFileCmd)

	commandCmd := &cobra.Command{
		Use:   "command [command line]",
		Short: "Run a shell command in a sandbox",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCommand,
	}
	commandCmd.Flags().StringVar(&cwd, "cwd", "", "Working directory relative to the project root")
	commandCmd.Flags().StringVar(&timeout, "timeout", "", "Command timeout, e.g. 30s")
	root.AddCommand(commandCmd)

	root.AddCommand(&cobra.Command{
		Use:   "install [manager] [packages...]",
		Short: "Install packages with a supported package manager",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runInstall,
	})

	fixCmd := &cobra.Command{
		Use:   "fix [file]",
		Short: "Repair a failing source file with the code repair loop",
		Args:  cobra.ExactArgs(1),
		RunE:  runFix,
	}
	fixCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	fixCmd.Flags().StringVarP(&errorText, "error", "e", "", "Error output of the failing run (required)")
	fixCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Repair attempts (0 uses the server default)")
	fixCmd.Flags().BoolVar(&stream, "stream", false, "Print each iteration as it completes")
	_ = fixCmd.MarkFlagRequired("error")
	root.AddCommand(fixCmd)

	root.AddCommand(&cobra.Command{
		Use:   "languages",
		Short: "List supported languages and package managers",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getAndPrint("/languages")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getAndPrint("/health")
		},
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent executions",
		RunE:  runList,
	}
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of executions")
	listCmd.Flags().StringVarP(&listLanguage, "language", "l", "", "Only executions in this language")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [execution id]",
		Short: "Show one audited execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getAndPrint("/executions/" + url.PathEscape(args[0]))
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runCode(_ *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return execute(code, language, "")
}

func runFile(_ *cobra.Command, args []string) error {
	code, lang, err := readSource(args[0])
	if err != nil {
		return err
	}
	return execute(code, lang, args[0])
}

// readSource reads path and resolves the language from --language or the
// file extension.
func readSource(path string) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading file: %w", err)
	}
	lang := language
	if lang == "" {
		detected, ok := runtime.DetectFromFilename(path)
		if !ok {
			return "", "", fmt.Errorf("cannot detect language for %q, use --language", path)
		}
		lang = string(detected)
	}
	return string(data), lang, nil
}

func execute(code, lang, path string) error {
	payload := map[string]any{
		"code":     code,
		"language": lang,
	}
	if input != "" {
		payload["input"] = input
	}
	if path != "" {
		payload["path"] = filepath.Base(path)
	}

	var result struct {
		ExitCode   int     `json:"exitCode"`
		Stdout     string  `json:"stdout"`
		Stderr     string  `json:"stderr"`
		PreviewURL *string `json:"previewUrl"`
		TimedOut   bool    `json:"timedOut"`
	}
	if _, err := post("/execute/run", payload, &result); err != nil {
		return err
	}

	fmt.Print(result.Stdout)
	fmt.Fprint(os.Stderr, result.Stderr)
	if result.PreviewURL != nil {
		fmt.Fprintln(os.Stderr, "preview:", *result.PreviewURL)
	}
	if result.TimedOut {
		fmt.Fprintln(os.Stderr, "execution timed out")
	}
	if result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	return nil
}

func runCommand(_ *cobra.Command, args []string) error {
	payload := map[string]any{"command": strings.Join(args, " ")}
	if cwd != "" {
		payload["cwd"] = cwd
	}
	if timeout != "" {
		if _, err := time.ParseDuration(timeout); err != nil {
			return fmt.Errorf("invalid --timeout: %w", err)
		}
		payload["timeout"] = timeout
	}
	return postAndPrint("/execute/command", payload)
}

func runInstall(_ *cobra.Command, args []string) error {
	return postAndPrint("/execute/install", map[string]any{
		"packageManager": args[0],
		"packages":       args[1:],
	})
}

func runFix(_ *cobra.Command, args []string) error {
	code, lang, err := readSource(args[0])
	if err != nil {
		return err
	}
	payload := map[string]any{
		"code":     code,
		"error":    errorText,
		"language": lang,
	}
	if maxIterations > 0 {
		payload["maxIterations"] = maxIterations
	}

	if !stream {
		return postAndPrint("/ai/fix", payload)
	}

	resp, err := do(http.MethodPost, "/ai/fix/stream", payload, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	event := ""
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := printEvent(event, strings.TrimPrefix(line, "data: ")); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

func printEvent(event, data string) error {
	switch event {
	case "iteration":
		var step struct {
			Iteration int    `json:"iteration"`
			Passed    bool   `json:"passed"`
			ExitCode  int    `json:"exitCode"`
			Stderr    string `json:"stderr"`
		}
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return fmt.Errorf("decoding iteration event: %w", err)
		}
		status := "failed"
		if step.Passed {
			status = "passed"
		}
		fmt.Fprintf(os.Stderr, "iteration %d: %s (exit %d)\n", step.Iteration, status, step.ExitCode)
	case "done", "error":
		return printJSON([]byte(data))
	}
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(listLimit))
	if listLanguage != "" {
		q.Set("language", listLanguage)
	}
	return getAndPrint("/executions?" + q.Encode())
}

func do(method, path string, payload any, clientTimeout time.Duration) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func readError(resp *http.Response) error {
	var e struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Details string `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if e.Details != "" {
		return fmt.Errorf("%s (%s): %s", e.Error, e.Code, e.Details)
	}
	return fmt.Errorf("%s (%s)", e.Error, e.Code)
}

// post sends payload and decodes a 200 response into out.
func post(path string, payload, out any) ([]byte, error) {
	resp, err := do(http.MethodPost, path, payload, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return raw, nil
}

func postAndPrint(path string, payload any) error {
	var v json.RawMessage
	raw, err := post(path, payload, &v)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func getAndPrint(path string) error {
	resp, err := do(http.MethodGet, path, nil, 30*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	degraded := path == "/health" && resp.StatusCode == http.StatusServiceUnavailable
	if resp.StatusCode != http.StatusOK && !degraded {
		return readError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	return printJSON(raw)
}

func printJSON(raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}
	fmt.Println(buf.String())
	return nil
}
