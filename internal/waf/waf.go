package waf

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/logger"
	"github.com/pricesentry/pricesentry/internal/metrics"
	"github.com/pricesentry/pricesentry/internal/models"
)

const bodySnapshotLimit = 1000

// Blocker requests an IP block from the intrusion layer after a critical
// rule match.
type Blocker interface {
	BlockIP(ip, reason string, duration time.Duration) error
}

// Service evaluates every request surface against the rule table and keeps
// the violation audit trail.
type Service struct {
	db      *gorm.DB
	rules   []Rule
	blocker Blocker

	// publicPaths bypass evaluation entirely: health checks, metrics and the
	// public search/analytics/auth endpoints that receive arbitrary user
	// input by design.
	publicPaths []string
	// safeParams are known product query parameters excluded from scanning
	// so legitimate search/sort/paging values do not trip rules.
	safeParams map[string]struct{}
}

// NewService builds a firewall over the given rule table.
func NewService(db *gorm.DB, rules []Rule, blocker Blocker) *Service {
	return &Service{
		db:      db,
		rules:   rules,
		blocker: blocker,
		publicPaths: []string{
			"/api/v1/health",
			"/metrics",
			"/api/v1/search/suggest",
			"/api/v1/analytics/public",
			"/api/v1/auth/password-reset",
		},
		safeParams: map[string]struct{}{
			"q": {}, "page": {}, "limit": {}, "sort": {}, "order": {},
			"category": {}, "min_price": {}, "max_price": {}, "currency": {},
		},
	}
}

// Match is one rule hit on one request surface.
type Match struct {
	Rule    Rule
	Surface string // path, query, body, headers, cookies
	Value   string
}

// IsPublicPath reports whether the path bypasses rule evaluation.
func (s *Service) IsPublicPath(path string) bool {
	for _, p := range s.publicPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Evaluate checks the request path, non-safe query parameters, the body and
// the serialized headers and cookies against every rule. It returns all
// matches; the caller decides the verdict from the strongest action.
func (s *Service) Evaluate(r *http.Request, body string) []Match {
	if s.IsPublicPath(r.URL.Path) {
		return nil
	}

	surfaces := []struct {
		name  string
		value string
	}{
		{"path", r.URL.Path},
		{"query", s.filteredQuery(r)},
		{"body", body},
		{"headers", serializeHeaders(r.Header)},
		{"cookies", serializeCookies(r.Cookies())},
	}

	var matches []Match
	for _, rule := range s.rules {
		for _, sf := range surfaces {
			if sf.value == "" {
				continue
			}
			if rule.Pattern.MatchString(sf.value) {
				matches = append(matches, Match{Rule: rule, Surface: sf.name, Value: sf.value})
				break // one violation per rule per request
			}
		}
	}
	return matches
}

// ShouldBlock reports whether any match demands a block verdict.
func ShouldBlock(matches []Match) bool {
	for _, m := range matches {
		if m.Rule.Action == ActionBlock {
			return true
		}
	}
	return false
}

// Record persists every match as a Violation and requests an IP block when a
// critical rule fired. Persistence failures are logged, never propagated:
// the audit trail must not take down request handling.
func (s *Service) Record(ip string, r *http.Request, body string, matches []Match) {
	critical := false
	for _, m := range matches {
		metrics.IncWAFViolation(string(m.Rule.Severity))
		if m.Rule.Severity == models.SeverityCritical {
			critical = true
		}

		v := models.Violation{
			UUID:        uuid.NewString(),
			IP:          ip,
			RuleID:      m.Rule.ID,
			Description: m.Rule.Description,
			Severity:    m.Rule.Severity,
			Method:      r.Method,
			Path:        r.URL.Path,
			Headers:     serializeHeaders(r.Header),
			Body:        truncate(body, bodySnapshotLimit),
		}
		if err := s.db.Create(&v).Error; err != nil {
			logger.WithComponent("waf").WithField("rule", m.Rule.ID).
				WithError(err).Warn("failed to persist violation")
		}
	}

	if critical && s.blocker != nil {
		if err := s.blocker.BlockIP(ip, "critical WAF violation", time.Hour); err != nil {
			logger.WithComponent("waf").WithField("ip", ip).
				WithError(err).Warn("failed to block IP after critical violation")
		}
	}
}

// RuleStat is one row of the rolling-window statistics.
type RuleStat struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// TopRules returns the most-triggered rule IDs inside the window.
func (s *Service) TopRules(window time.Duration, limit int) ([]RuleStat, error) {
	return s.topBy("rule_id", window, limit)
}

// TopIPs returns the most frequent offending IPs inside the window.
func (s *Service) TopIPs(window time.Duration, limit int) ([]RuleStat, error) {
	return s.topBy("ip", window, limit)
}

func (s *Service) topBy(column string, window time.Duration, limit int) ([]RuleStat, error) {
	var stats []RuleStat
	err := s.db.Model(&models.Violation{}).
		Select(fmt.Sprintf("%s as key, count(*) as count", column)).
		Where("created_at > ?", time.Now().Add(-window)).
		Group(column).
		Order("count desc").
		Limit(limit).
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Service) filteredQuery(r *http.Request) string {
	var parts []string
	for name, vals := range r.URL.Query() {
		if _, safe := s.safeParams[name]; safe {
			continue
		}
		for _, v := range vals {
			parts = append(parts, name+"="+v)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

func serializeHeaders(h http.Header) string {
	var parts []string
	for name, vals := range h {
		parts = append(parts, name+": "+strings.Join(vals, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, "\n")
}

func serializeCookies(cookies []*http.Cookie) string {
	var parts []string
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
