package sandbox

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Rule is a single risk signature checked by Validate.
type Rule struct {
	Label   string
	Pattern *regexp.Regexp
}

// rules are evaluated in order against every source line. Matching is
// textual and case-sensitive on the bare names, so aliasing a function or
// mentioning it in a comment or string still counts.
var rules = []Rule{
	{"os command execution", member("os", "execute")},
	{"subprocess spawn", member("io", "popen")},
	{"process exit", member("os", "exit")},
	{"file system mutation", member("os", "remove|rename|tmpname")},
	{"file access", member("io", "open|lines|input|output")},
	{"dynamic code evaluation", regexp.MustCompile(`\b(?:loadstring|loadfile|dofile|load)\b`)},
	{"dynamic import", regexp.MustCompile(`\brequire\b`)},
	{"native library loading", member("package", "loadlib|loaders|searchers|path|cpath")},
	{"debug library", regexp.MustCompile(`\bdebug\s*(?:\.\s*[A-Za-z_]+|\[)`)},
	{"environment tampering", regexp.MustCompile(`\b(?:setfenv|getfenv|rawset)\b`)},
}

// member matches lib.name as well as the lib["name"] index form.
func member(lib, names string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + lib + `\s*(?:\.\s*(?:` + names + `)\b|\[\s*["'](?:` + names + `)["']\s*\])`)
}

// Rules returns a copy of the risk signatures Validate applies.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Finding is one risk signature match.
type Finding struct {
	Label   string `json:"label"`
	Pattern string `json:"pattern"`
	Match   string `json:"match"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Context string `json:"context"`
}

func (f Finding) String() string {
	return fmt.Sprintf("line %d:%d: %s (%s)", f.Line, f.Column, f.Label, f.Match)
}

// Report lists the findings for one source text. It is advisory only.
type Report struct {
	Findings []Finding `json:"findings"`
}

// Empty reports whether no risk signature matched.
func (r Report) Empty() bool {
	return len(r.Findings) == 0
}

// Warnings renders the findings as human-readable lines.
func (r Report) Warnings() []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, f.String())
	}
	return out
}

// Validate scans source for risk signatures. The result never blocks
// execution; callers surface it as warnings.
func Validate(source string) Report {
	report := Report{Findings: []Finding{}}
	if source == "" {
		return report
	}

	lines := strings.Split(source, "\n")
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		for _, rule := range rules {
			for _, loc := range rule.Pattern.FindAllStringIndex(line, -1) {
				match := line[loc[0]:loc[1]]
				report.Findings = append(report.Findings, Finding{
					Label:   rule.Label,
					Pattern: rule.Pattern.String(),
					Match:   match,
					Line:    i + 1,
					Column:  utf8.RuneCountInString(line[:loc[0]]) + 1,
					Context: strings.TrimSpace(line),
				})
			}
		}
	}
	return report
}
