package monitor

import (
	"regexp"
	"strings"
)

// Severity ranks a Finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding is one suspicious match.
type Finding struct {
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"-"`
	Line     int      `json:"line,omitempty"`
}

type sourceRule struct {
	name     string
	re       *regexp.Regexp
	severity Severity
}

type outputRule struct {
	name     string
	marker   string
	severity Severity
}

// Scanner flags source and output that look like attempts to leave the
// sandbox. It only observes; the sandbox's own isolation is what blocks.
type Scanner struct {
	source []sourceRule
	output []outputRule
}

func NewScanner() *Scanner {
	return &Scanner{
		source: []sourceRule{
			{"proc_self_access", regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|mem)`), SeverityHigh},
			{"cgroup_escape", regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`), SeverityCritical},
			{"runtime_socket", regexp.MustCompile(`/var/run/(docker|containerd)|/run/containerd`), SeverityCritical},
			{"kernel_exploit", regexp.MustCompile(`(?i)dirty.?(cow|pipe)|userfaultfd`), SeverityCritical},
			{"metadata_service", regexp.MustCompile(`169\.254\.169\.254|metadata\.google\.internal`), SeverityHigh},
			{"reverse_shell", regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\b.*\s-[elp]|/dev/tcp/|bash\s+-i\s+>&`), SeverityCritical},
			{"capability_tools", regexp.MustCompile(`\b(setcap|capsh|nsenter|unshare)\b`), SeverityHigh},
			{"ptrace", regexp.MustCompile(`(?i)\bptrace\b|process_vm_(readv|writev)`), SeverityCritical},
			{"crypto_miner", regexp.MustCompile(`(?i)stratum\+tcp|xmrig|minerd`), SeverityMedium},
		},
		output: []outputRule{
			{"passwd_dump", "root:x:0:0", SeverityMedium},
			{"shadow_dump", "root:$", SeverityCritical},
			{"runtime_socket", "docker.sock", SeverityHigh},
			{"kernel_banner", "Linux version", SeverityLow},
		},
	}
}

// ScanSource checks code or a command line, reporting 1-based line numbers.
func (s *Scanner) ScanSource(src string) []Finding {
	var out []Finding
	for i, line := range strings.Split(src, "\n") {
		for _, r := range s.source {
			if r.re.MatchString(line) {
				out = append(out, Finding{Pattern: r.name, Severity: r.severity, Line: i + 1})
			}
		}
	}
	return out
}

// ScanOutput checks what a run printed.
func (s *Scanner) ScanOutput(stdout, stderr string) []Finding {
	var out []Finding
	for _, r := range s.output {
		if strings.Contains(stdout, r.marker) || strings.Contains(stderr, r.marker) {
			out = append(out, Finding{Pattern: r.name, Severity: r.severity})
		}
	}
	return out
}

// Highest returns the most severe finding's severity, or -1 for none.
func Highest(findings []Finding) Severity {
	top := Severity(-1)
	for _, f := range findings {
		if f.Severity > top {
			top = f.Severity
		}
	}
	return top
}
