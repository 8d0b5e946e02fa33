package runtime

import (
	"path"
	"strings"

	"aindrocode/internal/shell"
)

func interpreted(lang Language, ext, interpreter string) Runner {
	return Runner{
		Language:  lang,
		Extension: ext,
		Shape:     Interpreted,
		command: func(p string) string {
			return interpreter + " " + shell.Quote(p)
		},
	}
}

// compiled builds a runner that compiles to compiledBinary and runs it. Both
// steps share one shell line so a compile failure short-circuits the run.
func compiled(lang Language, ext, compiler string) Runner {
	return Runner{
		Language:  lang,
		Extension: ext,
		Shape:     CompileThenRun,
		command: func(p string) string {
			return compiler + " " + shell.Quote(p) + " -o " + compiledBinary + " && " + compiledBinary
		},
	}
}

func javaRunner() Runner {
	return Runner{
		Language:  Java,
		Extension: "java",
		Shape:     FixedEntryPoint,
		EntryFile: "Main.java",
		command: func(p string) string {
			dir := shell.Quote(path.Dir(p))
			return "javac " + shell.Quote(p) + " && java -cp " + dir + " Main"
		},
	}
}

var extensions = map[string]Language{
	"py":   Python,
	"js":   JavaScript,
	"jsx":  JavaScript,
	"mjs":  JavaScript,
	"ts":   TypeScript,
	"tsx":  TypeScript,
	"sh":   Bash,
	"c":    C,
	"cpp":  CPP,
	"cc":   CPP,
	"cxx":  CPP,
	"go":   Go,
	"rs":   Rust,
	"java": Java,
	"php":  PHP,
	"rb":   Ruby,
}

// DetectFromFilename guesses the language of a file from its extension.
func DetectFromFilename(name string) (Language, bool) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return "", false
	}
	lang, ok := extensions[ext]
	return lang, ok
}
