package normalize

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// UncategorizedPrefix marks categories synthesised for rules missing from the table.
const UncategorizedPrefix = "uncategorized:"

// CategoryRule maps tool rule identifiers onto a canonical category. Match is
// a glob (path.Match syntax) compared case-insensitively against the rule id.
// An empty or "*" Tool matches any scanner.
type CategoryRule struct {
	Tool     string `yaml:"tool"`
	Match    string `yaml:"match"`
	Category string `yaml:"category"`
}

// CategoryTable resolves rule identifiers to categories. The first matching
// rule wins.
type CategoryTable struct {
	rules []CategoryRule
}

type categoryFile struct {
	// ReplaceDefaults drops the built-in rules instead of layering on top of them.
	ReplaceDefaults bool           `yaml:"replace_defaults"`
	Rules           []CategoryRule `yaml:"rules"`
}

// DefaultCategoryTable covers the rules of the built-in adapters.
func DefaultCategoryTable() *CategoryTable {
	return &CategoryTable{rules: append([]CategoryRule(nil), defaultRules...)}
}

// NewCategoryTable builds a table from explicit rules.
func NewCategoryTable(rules []CategoryRule) (*CategoryTable, error) {
	for i, r := range rules {
		if r.Match == "" || r.Category == "" {
			return nil, fmt.Errorf("category rule %d: match and category are required", i)
		}
		if _, err := path.Match(strings.ToLower(r.Match), ""); err != nil {
			return nil, fmt.Errorf("category rule %d: bad pattern %q: %w", i, r.Match, err)
		}
	}
	return &CategoryTable{rules: rules}, nil
}

// LoadCategoryTable reads a YAML rule file. File rules take precedence over
// the defaults unless replace_defaults is set. An empty path yields the defaults.
func LoadCategoryTable(file string) (*CategoryTable, error) {
	if file == "" {
		return DefaultCategoryTable(), nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read category map: %w", err)
	}
	var cf categoryFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse category map %s: %w", file, err)
	}
	rules := cf.Rules
	if !cf.ReplaceDefaults {
		rules = append(append([]CategoryRule(nil), cf.Rules...), defaultRules...)
	}
	return NewCategoryTable(rules)
}

// Lookup returns the category for a tool's rule id. Unmapped rules are kept
// under a synthetic category keyed by the raw rule id.
func (t *CategoryTable) Lookup(tool, ruleID string) string {
	id := strings.ToLower(ruleID)
	for _, r := range t.rules {
		if r.Tool != "" && r.Tool != "*" && !strings.EqualFold(r.Tool, tool) {
			continue
		}
		if ok, _ := path.Match(strings.ToLower(r.Match), id); ok {
			return r.Category
		}
	}
	return UncategorizedPrefix + ruleID
}

var defaultRules = []CategoryRule{
	// bandit
	{Tool: "bandit", Match: "b105", Category: "hardcoded-secret"},
	{Tool: "bandit", Match: "b106", Category: "hardcoded-secret"},
	{Tool: "bandit", Match: "b107", Category: "hardcoded-secret"},
	{Tool: "bandit", Match: "b608", Category: "sql-injection"},
	{Tool: "bandit", Match: "b60[2-9]", Category: "command-injection"},
	{Tool: "bandit", Match: "b102", Category: "code-injection"},
	{Tool: "bandit", Match: "b307", Category: "code-injection"},
	{Tool: "bandit", Match: "b301", Category: "insecure-deserialization"},
	{Tool: "bandit", Match: "b403", Category: "insecure-deserialization"},
	{Tool: "bandit", Match: "b506", Category: "insecure-deserialization"},
	{Tool: "bandit", Match: "b303", Category: "weak-crypto"},
	{Tool: "bandit", Match: "b324", Category: "weak-crypto"},
	{Tool: "bandit", Match: "b50[1-5]", Category: "insecure-transport"},
	{Tool: "bandit", Match: "b108", Category: "insecure-temp-file"},
	{Tool: "bandit", Match: "b201", Category: "debug-enabled"},
	{Tool: "bandit", Match: "b70[13]", Category: "xss"},

	// gitleaks only reports secrets
	{Tool: "gitleaks", Match: "*", Category: "hardcoded-secret"},

	// gosec via SARIF
	{Tool: "gosec", Match: "g101", Category: "hardcoded-secret"},
	{Tool: "gosec", Match: "g20[12]", Category: "sql-injection"},
	{Tool: "gosec", Match: "g204", Category: "command-injection"},
	{Tool: "gosec", Match: "g304", Category: "path-traversal"},
	{Tool: "gosec", Match: "g40[1-5]", Category: "weak-crypto"},
	{Tool: "gosec", Match: "g50[1-5]", Category: "weak-crypto"},

	// semgrep and anything else with descriptive ids
	{Match: "*sql*", Category: "sql-injection"},
	{Match: "*hardcoded*", Category: "hardcoded-secret"},
	{Match: "*secret*", Category: "hardcoded-secret"},
	{Match: "*password*", Category: "hardcoded-secret"},
	{Match: "*api-key*", Category: "hardcoded-secret"},
	{Match: "*command-injection*", Category: "command-injection"},
	{Match: "*subprocess*", Category: "command-injection"},
	{Match: "*os-system*", Category: "command-injection"},
	{Match: "*pickle*", Category: "insecure-deserialization"},
	{Match: "*deserializ*", Category: "insecure-deserialization"},
	{Match: "*yaml-load*", Category: "insecure-deserialization"},
	{Match: "*eval*", Category: "code-injection"},
	{Match: "*md5*", Category: "weak-crypto"},
	{Match: "*sha1*", Category: "weak-crypto"},
	{Match: "*insecure-hash*", Category: "weak-crypto"},
	{Match: "*xss*", Category: "xss"},
	{Match: "*path-traversal*", Category: "path-traversal"},
	{Match: "*ssrf*", Category: "ssrf"},
}
