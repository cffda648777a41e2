package security

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"
)

// Pattern is a named regular expression rule.
type Pattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// Rules is the raw rule set as it appears in a rules file.
type Rules struct {
	Blacklist  []string  `yaml:"blacklist"`
	Heuristics []Pattern `yaml:"heuristics"`
}

// DefaultBlacklist lists case-sensitive substrings that must not appear in
// materialized content.
var DefaultBlacklist = []string{
	"child_process",
	"exec",
	"spawn",
	"fork",
	"rmSync",
	"rmdirSync",
	"unlinkSync",
	"deleteFile",
	"deleteAll",
	"formatDrive",
	"eval(",
	"Function(",
	"process.exit",
	"process.kill",
	"chmod",
	"chown",
	"localStorage.clear",
	"document.cookie",
	"fetch(",
	"XMLHttpRequest",
}

// DefaultHeuristics are the pattern rules applied after the blacklist.
var DefaultHeuristics = []Pattern{
	{Name: "recursive delete of root (shell)", Pattern: `rm\s+-rf\s+/`},
	{Name: "recursive delete of root (node)", Pattern: `rmSync\s*\(\s*['"]/['"]`},
	{Name: "fork bomb", Pattern: `:\(\)\{\s*:\s*\|\s*:\s*&\s*\};:`},
	{Name: "obfuscation or encoding call", Pattern: `base64_decode|atob|btoa`},
	{Name: "unauthorized shell invocation", Pattern: `(?i)powershell|cmd\.exe`},
}

// DefaultRules returns a copy of the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		Blacklist:  append([]string(nil), DefaultBlacklist...),
		Heuristics: append([]Pattern(nil), DefaultHeuristics...),
	}
}

// LoadRules reads extra rules from a YAML file and appends them to the
// defaults. An empty path or a missing file yields the defaults alone.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return Rules{}, err
	}

	var extra Rules
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return Rules{}, fmt.Errorf("parse rules %s: %w", path, err)
	}

	rules.Blacklist = append(rules.Blacklist, extra.Blacklist...)
	rules.Heuristics = append(rules.Heuristics, extra.Heuristics...)
	return rules, nil
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

func (r Rules) compile() ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(r.Heuristics))
	for _, h := range r.Heuristics {
		re, err := regexp.Compile(h.Pattern)
		if err != nil {
			return nil, fmt.Errorf("heuristic %q: %w", h.Name, err)
		}
		out = append(out, compiledPattern{name: h.Name, re: re})
	}
	return out, nil
}
