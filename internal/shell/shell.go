// Package shell builds the shell lines sent to sandbox environments.
package shell

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// ErrEmptyCommand is returned by Validate for blank command lines.
var ErrEmptyCommand = errors.New("empty command")

// Quote wraps s in single quotes so a POSIX shell treats it as one literal word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes every argument and joins them with spaces.
func Join(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Pipe feeds input to cmd on stdin. The input is passed through printf as a
// single quoted word and cmd runs in its own bash so compound commands
// (compile && run) all see the same stdin.
func Pipe(input, cmd string) string {
	return fmt.Sprintf("printf '%%s' %s | bash -c %s", Quote(input), Quote(cmd))
}

// InDir prefixes cmd with a cd into dir.
func InDir(dir, cmd string) string {
	return "cd " + Quote(dir) + " && " + cmd
}

// Validate rejects blank command lines. Everything else is left to the
// shell, which reports its own syntax errors.
func Validate(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return ErrEmptyCommand
	}
	return nil
}

// Program returns the first word of cmd for logging. Lines shlex cannot
// split, such as bash $'...' quoting, fall back to whitespace splitting.
func Program(cmd string) string {
	words, err := shlex.Split(cmd)
	if err != nil || len(words) == 0 {
		words = strings.Fields(cmd)
	}
	if len(words) == 0 {
		return ""
	}
	return words[0]
}
