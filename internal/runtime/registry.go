package runtime

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// ErrUnknownLanguage is returned when a language id is not in the registry.
var ErrUnknownLanguage = errors.New("unknown language")

// Language identifies a supported source language.
type Language string

const (
	Python     Language = "python"
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	Bash       Language = "bash"
	Shell      Language = "shell"
	C          Language = "c"
	CPP        Language = "cpp"
	Go         Language = "go"
	Rust       Language = "rust"
	Java       Language = "java"
	PHP        Language = "php"
	Ruby       Language = "ruby"
)

// Shape describes how a runner turns a source file into a running process.
type Shape int

const (
	// Interpreted runs the file directly with the language interpreter.
	Interpreted Shape = iota
	// CompileThenRun compiles to a fixed binary and runs it in one shell step,
	// so compiler diagnostics surface exactly like runtime errors.
	CompileThenRun
	// FixedEntryPoint requires the source at a canonical file name and is
	// invoked by a fixed class or module name.
	FixedEntryPoint
)

func (s Shape) String() string {
	switch s {
	case Interpreted:
		return "interpreted"
	case CompileThenRun:
		return "compile-then-run"
	case FixedEntryPoint:
		return "fixed-entry-point"
	default:
		return "unknown"
	}
}

// compiledBinary is where compile-then-run languages write their output.
const compiledBinary = "/tmp/app_out"

// Runner is the per-language recipe for executing uploaded code.
type Runner struct {
	Language  Language
	Extension string // without the leading dot
	Shape     Shape
	EntryFile string // FixedEntryPoint only

	command  func(path string) string
	manifest *manifest
	markup   bool
}

type manifest struct {
	file    string
	install string
}

// Command returns the shell line that executes the source file at p.
func (r Runner) Command(p string) string {
	return r.command(p)
}

// SourcePath returns where the primary source file must be written. Fixed
// entry point runners ignore the requested path.
func (r Runner) SourcePath(workDir, requested string) string {
	if r.Shape == FixedEntryPoint {
		return path.Join(workDir, r.EntryFile)
	}
	if requested == "" {
		return path.Join(workDir, "main."+r.Extension)
	}
	return ResolvePath(workDir, requested)
}

// Manifest reports the dependency manifest file name for the language family
// and the command that installs from it.
func (r Runner) Manifest() (file, install string, ok bool) {
	if r.manifest == nil {
		return "", "", false
	}
	return r.manifest.file, r.manifest.install, true
}

// ServesMarkup reports whether HTML documents submitted under this language
// are served as a static preview instead of being executed.
func (r Runner) ServesMarkup() bool {
	return r.markup
}

// ResolvePath joins relative paths onto workDir and keeps absolute ones.
func ResolvePath(workDir, p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(workDir, p)
}

// Registry maps language ids to their runners. It is built once and never
// mutated afterwards.
type Registry struct {
	runners map[Language]Runner
}

var (
	nodeManifest   = &manifest{file: "package.json", install: "npm install"}
	pythonManifest = &manifest{file: "requirements.txt", install: "pip install -r requirements.txt"}
)

// NewRegistry creates a registry with all supported languages.
func NewRegistry() *Registry {
	r := &Registry{runners: make(map[Language]Runner)}

	r.add(interpreted(Python, "py", "python3"), pythonManifest, false)
	r.add(interpreted(JavaScript, "js", "node"), nodeManifest, true)
	r.add(interpreted(TypeScript, "ts", "npx tsx"), nodeManifest, false)
	r.add(interpreted(Bash, "sh", "bash"), nil, false)
	r.add(interpreted(Shell, "sh", "bash"), nil, false)
	r.add(interpreted(Go, "go", "go run"), nil, false)
	r.add(interpreted(PHP, "php", "php"), nil, false)
	r.add(interpreted(Ruby, "rb", "ruby"), nil, false)
	r.add(compiled(C, "c", "gcc"), nil, false)
	r.add(compiled(CPP, "cpp", "g++"), nil, false)
	r.add(compiled(Rust, "rs", "rustc"), nil, false)
	r.add(javaRunner(), nil, false)

	return r
}

func (r *Registry) add(rn Runner, m *manifest, markup bool) {
	rn.manifest = m
	rn.markup = markup
	r.runners[rn.Language] = rn
}

// Resolve returns the runner for a language id. Lookup ignores case and
// surrounding whitespace.
func (r *Registry) Resolve(id string) (Runner, error) {
	lang := Language(strings.ToLower(strings.TrimSpace(id)))
	rn, ok := r.runners[lang]
	if !ok {
		return Runner{}, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownLanguage, id, strings.Join(r.Languages(), ", "))
	}
	return rn, nil
}

// Languages returns all registered language ids, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runners))
	for name := range r.runners {
		langs = append(langs, string(name))
	}
	sort.Strings(langs)
	return langs
}
