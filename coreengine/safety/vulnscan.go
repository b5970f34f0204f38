package safety

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// =============================================================================
// Vulnerability Scanner
// =============================================================================

// Pattern is one security rule applied over artifact text. Patterns may be
// loaded from a YAML rule file or taken from the built-in set.
type Pattern struct {
	Name     string `yaml:"name"`
	Regex    string `yaml:"regex"`
	Severity string `yaml:"severity"`
	Message  string `yaml:"message"`

	compiled *regexp.Regexp
}

// patternFile is the YAML rule-file schema.
type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// DefaultPatterns returns the built-in rule set. Severity grading follows
// the pipeline policy: high denies, medium requires approval, low is
// logged and passed through.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:     "hardcoded_secret",
			Regex:    `(?i)(password|passwd|secret|api_key|apikey|auth_token)\s*=\s*["'][^"']{4,}["']`,
			Severity: "high",
			Message:  "hardcoded credential in source",
		},
		{
			Name:     "shell_injection",
			Regex:    `shell\s*=\s*True`,
			Severity: "high",
			Message:  "subprocess invoked with shell=True",
		},
		{
			Name:     "unsafe_yaml_load",
			Regex:    `yaml\.load\s*\((?:[^)]*)?\)`,
			Severity: "medium",
			Message:  "yaml.load without an explicit safe loader",
		},
		{
			Name:     "unsafe_deserialization",
			Regex:    `(pickle|marshal)\.loads?\s*\(`,
			Severity: "high",
			Message:  "deserialization of untrusted data",
		},
		{
			Name:     "sql_string_formatting",
			Regex:    `(?i)(select|insert|update|delete)\s.*(%s|%v|\+\s*\w|\{\w+\}|f["'])`,
			Severity: "medium",
			Message:  "SQL statement built with string formatting",
		},
		{
			Name:     "weak_hash",
			Regex:    `(?i)(md5|sha1)\s*\(`,
			Severity: "low",
			Message:  "weak hash algorithm",
		},
		{
			Name:     "insecure_tempfile",
			Regex:    `(tempfile\.mktemp|os\.tempnam)\s*\(`,
			Severity: "low",
			Message:  "race-prone temporary file creation",
		},
		{
			Name:     "tls_verification_disabled",
			Regex:    `(verify\s*=\s*False|InsecureSkipVerify\s*:\s*true)`,
			Severity: "medium",
			Message:  "TLS certificate verification disabled",
		},
	}
}

// LoadPatterns reads a YAML rule file and compiles its patterns.
func LoadPatterns(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safety: read pattern file: %w", err)
	}
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("safety: parse pattern file %s: %w", path, err)
	}
	return compilePatterns(file.Patterns)
}

func compilePatterns(patterns []Pattern) ([]Pattern, error) {
	out := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("safety: pattern %q: %w", p.Name, err)
		}
		if _, err := task.SeverityFromString(p.Severity); err != nil {
			return nil, fmt.Errorf("safety: pattern %q: %w", p.Name, err)
		}
		p.compiled = re
		out = append(out, p)
	}
	return out, nil
}

// VulnScanner runs compiled security patterns over artifact text and
// yields graded findings with line references. Safe for concurrent use:
// the pattern set is immutable after construction.
type VulnScanner struct {
	patterns []Pattern
	logger   Logger
}

// NewVulnScanner creates a VulnScanner. An empty patternFile path selects
// the built-in rule set.
func NewVulnScanner(patternPath string, logger Logger) (*VulnScanner, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	var patterns []Pattern
	var err error
	if patternPath == "" {
		patterns, err = compilePatterns(DefaultPatterns())
	} else {
		patterns, err = LoadPatterns(patternPath)
	}
	if err != nil {
		return nil, err
	}
	return &VulnScanner{patterns: patterns, logger: logger}, nil
}

// Scan applies every pattern to the artifact's source and tests,
// line by line, so findings carry a usable line reference.
func (v *VulnScanner) Scan(artifact *task.Artifact) []task.Finding {
	var findings []task.Finding
	findings = append(findings, v.scanText(artifact.Source)...)
	if artifact.Tests != "" {
		findings = append(findings, v.scanText(artifact.Tests)...)
	}

	v.logger.Info("vulnerability_scan_completed",
		"pattern_count", len(v.patterns),
		"finding_count", len(findings),
	)
	return findings
}

func (v *VulnScanner) scanText(text string) []task.Finding {
	var findings []task.Finding
	for i, line := range strings.Split(text, "\n") {
		for _, p := range v.patterns {
			if !p.compiled.MatchString(line) {
				continue
			}
			severity, _ := task.SeverityFromString(p.Severity)
			findings = append(findings, task.Finding{
				Source:   task.FindingSourceVulnScanner,
				Severity: severity,
				Rule:     p.Name,
				Message:  p.Message,
				Line:     i + 1,
			})
		}
	}
	return findings
}
