// Package safety is the single gate a proposal or changeset must pass
// before anything is committed or published. Checks are lexical over raw
// text: regular expressions and substring scans, not semantic analysis.
// That can flag matches inside string literals and miss obfuscated
// equivalents; the trade-off is accepted.
package safety

import (
	"fmt"
	"go/parser"
	"go/token"
	"path"
	"regexp"
	"strings"

	"autoforge/internal/cycle"
)

// ViolationKind categorizes why an entry failed the gate.
type ViolationKind int

const (
	ViolationProtectedFile ViolationKind = iota
	ViolationProtectedPattern
	ViolationDangerousOperation
	ViolationPathEscape
	ViolationSyntaxError
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationProtectedFile:
		return "protected_file"
	case ViolationProtectedPattern:
		return "protected_pattern"
	case ViolationDangerousOperation:
		return "dangerous_operation"
	case ViolationPathEscape:
		return "path_escape"
	case ViolationSyntaxError:
		return "syntax_error"
	default:
		return "unknown"
	}
}

// Violation is a single reason a proposal or changeset fails the gate.
type Violation struct {
	Kind   ViolationKind `json:"-"`
	Detail string        `json:"detail"`
}

// KindName is the stable string form used in ledger payloads and fix-loop
// feedback.
func (v Violation) KindName() string { return v.Kind.String() }

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// Verdict is the full result of a gate check. OK holds exactly when
// Violations is empty.
type Verdict struct {
	OK         bool
	Violations []Violation
}

func verdictFor(violations []Violation) Verdict {
	return Verdict{OK: len(violations) == 0, Violations: violations}
}

// Config lists the protected assets and denylists the checker enforces.
type Config struct {
	// AllowedRoot confines changeset paths; entries resolving outside it
	// are path_escape violations. Empty means the repository root.
	AllowedRoot string `yaml:"allowed_root"`
	// ProtectedFiles can never be modified, not even AI-maintained ones.
	ProtectedFiles []string `yaml:"protected_files"`
	// AIMaintainedFiles are exempt from the dangerous-operation scan only.
	AIMaintainedFiles []string `yaml:"ai_maintained_files"`
	// ProtectedPatterns are regular expressions over content whose match
	// is always a violation. Matched case-insensitively.
	ProtectedPatterns []string `yaml:"protected_patterns"`
	// DangerousPatterns are regular expressions for denylisted operations
	// (process execution, recursive delete, dynamic evaluation, unsafe
	// deserialization, raw file writes, interpolated shell strings).
	DangerousPatterns []string `yaml:"dangerous_patterns"`
}

// DefaultConfig returns the stock gate configuration.
func DefaultConfig() Config {
	return Config{
		ProtectedFiles: []string{
			"internal/safety/checker.go",
			"internal/ratelimit/ratelimit.go",
			"internal/ledger/ledger.go",
			"internal/config/config.go",
		},
		AIMaintainedFiles: []string{
			"README_ai.md",
		},
		ProtectedPatterns: []string{
			`type\s+Checker\s+struct`,
			`type\s+Limiter\s+struct`,
			`func\s+\(c\s+\*Checker\)\s+ValidateChangeSet`,
			`func\s+\(l\s+\*Limiter\)\s+TryReserve`,
		},
		DangerousPatterns: []string{
			// Process execution
			`os\.system\s*\(`,
			`\bsubprocess\b`,
			`exec\.Command\s*\(`,
			`syscall\.Exec\s*\(`,
			// Dynamic evaluation
			`\beval\s*\(`,
			`\bexec\s*\(`,
			// Unsafe deserialization
			`pickle\.loads\s*\(`,
			`yaml\.load\s*\(`,
			// Destructive filesystem operations
			`shutil\.rmtree\s*\(`,
			`os\.remove\s*\(`,
			`os\.rename\s*\(`,
			`os\.RemoveAll\s*\(`,
			`rm\s+-rf`,
			// Direct file-write primitives
			`os\.WriteFile\s*\(`,
			`ioutil\.WriteFile\s*\(`,
			`open\s*\([^)]*['"]w['"]`,
			// Interpolated shell strings suggest command injection
			`(?:system|popen|Command)\s*\([^)]*(?:%s|%v|\{.*\}|\+\s*\w)`,
		},
	}
}

// Checker validates proposals and changesets against the configured gate.
// Pure function of (input, config): no I/O beyond the Go parser, same input
// always yields the same verdict.
type Checker struct {
	cfg               Config
	protectedPatterns []*regexp.Regexp
	dangerousPatterns []*regexp.Regexp
	aiMaintained      map[string]struct{}
}

// NewChecker compiles the configured pattern lists. Invalid patterns are an
// error at construction, never at validation time.
func NewChecker(cfg Config) (*Checker, error) {
	c := &Checker{
		cfg:          cfg,
		aiMaintained: make(map[string]struct{}, len(cfg.AIMaintainedFiles)),
	}
	for _, p := range cfg.ProtectedPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("protected pattern %q: %w", p, err)
		}
		c.protectedPatterns = append(c.protectedPatterns, re)
	}
	for _, p := range cfg.DangerousPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("dangerous pattern %q: %w", p, err)
		}
		c.dangerousPatterns = append(c.dangerousPatterns, re)
	}
	for _, f := range cfg.AIMaintainedFiles {
		c.aiMaintained[path.Clean(f)] = struct{}{}
	}
	return c, nil
}

// ValidateProposal scans free-text plan content for protected file names
// and protected patterns. It cannot inspect file contents: the plan has not
// produced any yet.
func (c *Checker) ValidateProposal(text string) Verdict {
	var violations []Violation
	for _, file := range c.cfg.ProtectedFiles {
		if strings.Contains(text, file) {
			violations = append(violations, Violation{
				Kind:   ViolationProtectedFile,
				Detail: fmt.Sprintf("plan references protected file: %s", file),
			})
		}
	}
	for i, re := range c.protectedPatterns {
		if re.MatchString(text) {
			violations = append(violations, Violation{
				Kind:   ViolationProtectedPattern,
				Detail: fmt.Sprintf("plan matches protected pattern: %s", c.cfg.ProtectedPatterns[i]),
			})
		}
	}
	return verdictFor(violations)
}

// ValidateChangeSet runs every gate check over every entry and accumulates
// all violations. No short-circuiting: the fix-loop needs the complete
// issue report.
func (c *Checker) ValidateChangeSet(cs *cycle.ChangeSet) Verdict {
	var violations []Violation
	for _, entry := range cs.Entries() {
		violations = append(violations, c.checkEntry(entry)...)
	}
	return verdictFor(violations)
}

func (c *Checker) checkEntry(entry cycle.Change) []Violation {
	var violations []Violation

	cleaned, escaped := confinePath(entry.Path, c.cfg.AllowedRoot)
	if escaped {
		violations = append(violations, Violation{
			Kind:   ViolationPathEscape,
			Detail: fmt.Sprintf("path escapes the allowed root: %s", entry.Path),
		})
		// The path is untrusted; content checks still run so the report
		// is complete, keyed by the raw path.
		cleaned = entry.Path
	}

	for _, file := range c.cfg.ProtectedFiles {
		if cleaned == path.Clean(file) {
			violations = append(violations, Violation{
				Kind:   ViolationProtectedFile,
				Detail: fmt.Sprintf("modification of protected file: %s", file),
			})
		}
	}

	for i, re := range c.protectedPatterns {
		if re.MatchString(entry.Content) {
			violations = append(violations, Violation{
				Kind:   ViolationProtectedPattern,
				Detail: fmt.Sprintf("%s matches protected pattern: %s", cleaned, c.cfg.ProtectedPatterns[i]),
			})
		}
	}

	if _, exempt := c.aiMaintained[cleaned]; !exempt {
		for i, re := range c.dangerousPatterns {
			if re.MatchString(entry.Content) {
				violations = append(violations, Violation{
					Kind:   ViolationDangerousOperation,
					Detail: fmt.Sprintf("%s contains dangerous operation: %s", cleaned, c.cfg.DangerousPatterns[i]),
				})
			}
		}
	}

	if entry.Op != cycle.OpDelete {
		violations = append(violations, c.checkSyntax(cleaned, entry.Content)...)
	}

	return violations
}

// checkSyntax parses Go source entries. Other file types pass unchecked.
func (c *Checker) checkSyntax(filePath, content string) []Violation {
	if !strings.HasSuffix(filePath, ".go") {
		return nil
	}
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, filePath, content, parser.AllErrors); err != nil {
		return []Violation{{
			Kind:   ViolationSyntaxError,
			Detail: fmt.Sprintf("syntax error in %s: %v", filePath, err),
		}}
	}
	return nil
}

// confinePath cleans a repository-relative path and reports whether it
// resolves outside the allowed root.
func confinePath(p, allowedRoot string) (string, bool) {
	if strings.HasPrefix(p, "/") {
		return p, true
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return cleaned, true
	}
	if allowedRoot != "" && allowedRoot != "." {
		root := path.Clean(allowedRoot)
		if cleaned != root && !strings.HasPrefix(cleaned, root+"/") {
			return cleaned, true
		}
	}
	return cleaned, false
}
