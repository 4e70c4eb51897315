package waf

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/pricesentry/pricesentry/internal/models"
)

// Action is what a matched rule demands.
type Action string

const (
	ActionLog   Action = "log"
	ActionBlock Action = "block"
)

// Rule is one firewall pattern. Rules are plain data loaded once at startup
// and evaluated by a single generic interpreter; exactly one pattern and one
// action per rule.
type Rule struct {
	ID          string
	Description string
	Category    string
	Pattern     *regexp.Regexp
	Severity    models.Severity
	Action      Action
}

type ruleFile struct {
	Rules []struct {
		ID          string `yaml:"id"`
		Description string `yaml:"description"`
		Category    string `yaml:"category"`
		Pattern     string `yaml:"pattern"`
		Severity    string `yaml:"severity"`
		Action      string `yaml:"action"`
	} `yaml:"rules"`
}

// LoadRules reads a YAML rule table, replacing the built-in set.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}

	rules := make([]Rule, 0, len(rf.Rules))
	for _, r := range rf.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile pattern: %w", r.ID, err)
		}
		rules = append(rules, Rule{
			ID:          r.ID,
			Description: r.Description,
			Category:    r.Category,
			Pattern:     re,
			Severity:    models.Severity(r.Severity),
			Action:      Action(r.Action),
		})
	}
	return rules, nil
}

// DefaultRules is the built-in table covering the OWASP injection classes.
func DefaultRules() []Rule {
	return []Rule{
		// SQL injection
		{ID: "sqli-union", Description: "SQL UNION SELECT", Category: "sqli", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)\bunion\b\s+(all\s+)?select\b`)},
		{ID: "sqli-or-true", Description: "SQL boolean tautology", Category: "sqli", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)(\bor\b\s+[\d'"]+\s*=\s*[\d'"]+|'\s*or\s*'[^']*'\s*=\s*'[^']*')`)},
		{ID: "sqli-comment", Description: "SQL comment with DDL/DML", Category: "sqli", Severity: models.SeverityMedium, Action: ActionLog,
			Pattern: regexp.MustCompile(`(?i)(--|#|/\*.*?\*/)\s*(drop|alter|delete|update|insert|create|exec)?\b`)},
		{ID: "sqli-stacked", Description: "Stacked SQL statement", Category: "sqli", Severity: models.SeverityCritical, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i);\s*(drop|alter|truncate|delete\s+from|update\s+\w+\s+set|insert\s+into)\b`)},
		{ID: "sqli-timing", Description: "SQL timing probe", Category: "sqli", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)(sleep\s*\(\s*\d+\s*\)|benchmark\s*\(\s*\d+|waitfor\s+delay\s+')`)},
		{ID: "sqli-schema", Description: "Schema catalog access", Category: "sqli", Severity: models.SeverityCritical, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)(information_schema|sysobjects|syscolumns|pg_catalog)`)},

		// XSS
		{ID: "xss-script-tag", Description: "Inline script tag", Category: "xss", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)<\s*script[^>]*>`)},
		{ID: "xss-event-handler", Description: "HTML event handler attribute", Category: "xss", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|blur|submit|change)\s*=`)},
		{ID: "xss-js-uri", Description: "javascript: URI", Category: "xss", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`)},
		{ID: "xss-dom", Description: "DOM manipulation payload", Category: "xss", Severity: models.SeverityMedium, Action: ActionLog,
			Pattern: regexp.MustCompile(`(?i)(document\.(cookie|write|location)|\.innerHTML\s*=|eval\s*\()`)},

		// Path traversal
		{ID: "path-dotdot", Description: "Directory traversal sequence", Category: "path", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)(\.\.[\\/]|%2e%2e[\\/]|\.\.%2f|%2e%2e%2f)`)},
		{ID: "path-sensitive", Description: "Sensitive file access", Category: "path", Severity: models.SeverityCritical, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)(/etc/(passwd|shadow|hosts)|/proc/self/|web\.config|\.env\b|\.git/config)`)},
		{ID: "path-null-byte", Description: "Null byte injection", Category: "path", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(%00|\\x00)`)},

		// Command injection
		{ID: "cmdi-chain", Description: "Shell command chaining", Category: "cmdi", Severity: models.SeverityCritical, Action: ActionBlock,
			Pattern: regexp.MustCompile("(\\||&&|;|`)\\s*(cat|ls|whoami|id|uname|wget|curl|nc|bash|sh|powershell)\\b")},
		{ID: "cmdi-subshell", Description: "Subshell expansion", Category: "cmdi", Severity: models.SeverityCritical, Action: ActionBlock,
			Pattern: regexp.MustCompile(`\$\((cat|ls|whoami|id|uname|wget|curl|nc|bash|sh)\b`)},
		{ID: "cmdi-revshell", Description: "Reverse shell invocation", Category: "cmdi", Severity: models.SeverityCritical, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)(bash\s+-i\s+>&|nc\s+-[elp]|/dev/(tcp|udp)/)`)},

		// LDAP injection
		{ID: "ldapi-filter", Description: "LDAP filter metacharacters", Category: "ldapi", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)(\*\)\(&|\)\(\||\(\||\(&)\s*\(?(uid|cn|mail|objectclass)\s*=`)},

		// XXE
		{ID: "xxe-entity", Description: "External entity declaration", Category: "xxe", Severity: models.SeverityCritical, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)<!ENTITY\s+\S+\s+(SYSTEM|PUBLIC)\b`)},
		{ID: "xxe-doctype", Description: "DOCTYPE with entity body", Category: "xxe", Severity: models.SeverityHigh, Action: ActionLog,
			Pattern: regexp.MustCompile(`(?i)<!DOCTYPE\s+\w+\s*\[`)},

		// SSRF
		{ID: "ssrf-metadata", Description: "Cloud metadata endpoint", Category: "ssrf", Severity: models.SeverityCritical, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)(169\.254\.169\.254|metadata\.google\.internal)`)},
		{ID: "ssrf-scheme", Description: "Non-HTTP URL scheme", Category: "ssrf", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)(file|gopher|dict|tftp)://`)},

		// NoSQL injection
		{ID: "nosql-operator", Description: "Mongo operator in input", Category: "nosql", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)\{\s*['"]\$(gt|lt|gte|lte|ne|nin|in|regex|where|exists)['"]\s*:`)},
		{ID: "nosql-where-js", Description: "Mongo $where with javascript", Category: "nosql", Severity: models.SeverityCritical, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(?i)\$where\s*:\s*['"]?function`)},

		// Header injection
		{ID: "header-crlf", Description: "CRLF sequence in value", Category: "header", Severity: models.SeverityHigh, Action: ActionBlock,
			Pattern: regexp.MustCompile(`(%0d%0a|%0D%0A|\r\n)`)},

		// Malicious upload
		{ID: "upload-executable", Description: "Executable file extension", Category: "upload", Severity: models.SeverityHigh, Action: ActionLog,
			Pattern: regexp.MustCompile(`(?i)filename=["'][^"']*\.(php\d?|jsp|asp|aspx|cgi|exe|sh|bat)["']`)},
	}
}
