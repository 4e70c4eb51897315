package intrusion

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/kvstore"
	"github.com/pricesentry/pricesentry/internal/logger"
	"github.com/pricesentry/pricesentry/internal/models"
)

// ErrNotBlocked is returned when unblocking an IP that has no record.
var ErrNotBlocked = errors.New("ip is not blocked")

// Service maintains per-IP block records and computes threat scores. Blocks
// are durable in the database and mirrored into the kvstore with a TTL for
// the per-request fast path.
type Service struct {
	db  *gorm.DB
	kv  kvstore.Store
	cfg config.ThreatConfig
}

// NewService wires the intrusion layer.
func NewService(db *gorm.DB, kv kvstore.Store, cfg config.ThreatConfig) *Service {
	return &Service{db: db, kv: kv, cfg: cfg}
}

// BlockIP blocks an IP for the given duration. A non-positive duration means
// a permanent block. Blocking an already-blocked IP replaces the existing
// record; the table never holds two rows for one IP.
func (s *Service) BlockIP(ip, reason string, duration time.Duration) error {
	now := time.Now()
	record := models.IPBlockRecord{
		UUID:      uuid.NewString(),
		IP:        ip,
		Reason:    reason,
		Permanent: duration <= 0,
	}
	if duration > 0 {
		until := now.Add(duration)
		record.BlockedUntil = &until
	}

	var existing models.IPBlockRecord
	err := s.db.Where("ip = ?", ip).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.Create(&record).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		existing.Reason = record.Reason
		existing.Permanent = record.Permanent
		existing.BlockedUntil = record.BlockedUntil
		if err := s.db.Save(&existing).Error; err != nil {
			return err
		}
	}

	ttl := duration
	if record.Permanent {
		ttl = 0 // no expiry
	}
	if err := s.kv.Set(context.Background(), blockKey(ip), reason, ttl); err != nil {
		// The durable record exists; the mirror will repopulate on next check.
		logger.WithComponent("intrusion").WithField("ip", ip).
			WithError(err).Warn("failed to mirror block into kvstore")
	}

	logger.WithComponent("intrusion").WithFields(map[string]interface{}{
		"ip": ip, "reason": reason, "permanent": record.Permanent,
	}).Warn("IP blocked")
	return nil
}

// UnblockIP removes a block, both durable and mirrored.
func (s *Service) UnblockIP(ip string) error {
	res := s.db.Where("ip = ?", ip).Delete(&models.IPBlockRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotBlocked
	}
	return s.kv.Delete(context.Background(), blockKey(ip))
}

// IsBlocked reports whether an active block exists for the IP. Store errors
// fail open: an unreachable kvstore must not deny all traffic.
func (s *Service) IsBlocked(ip string) bool {
	ok, err := s.kv.Exists(context.Background(), blockKey(ip))
	if err == nil && ok {
		return true
	}
	if err != nil {
		logger.WithComponent("intrusion").WithError(err).Debug("kvstore block check failed")
	}

	// Mirror miss: consult the durable record (covers process restarts and
	// kvstore flushes) and repopulate.
	var record models.IPBlockRecord
	if err := s.db.Where("ip = ?", ip).First(&record).Error; err != nil {
		return false
	}
	now := time.Now()
	if !record.Active(now) {
		return false
	}
	ttl := time.Duration(0)
	if record.BlockedUntil != nil {
		ttl = record.BlockedUntil.Sub(now)
	}
	_ = s.kv.Set(context.Background(), blockKey(ip), record.Reason, ttl)
	return true
}

// Score is the result of threat aggregation for one IP.
type Score struct {
	IP      string `json:"ip"`
	Score   int    `json:"score"`
	Blocked bool   `json:"blocked"`
}

// ThreatScore aggregates recent violations with linear time decay: a hit at
// the start of the window contributes nothing, a hit just now contributes
// its full severity weight. An active block adds a flat bonus. The result is
// capped at 100 and banded at the configured threshold.
func (s *Service) ThreatScore(ip string) Score {
	now := time.Now()
	windowStart := now.Add(-s.cfg.Window)

	var violations []models.Violation
	if err := s.db.Where("ip = ? AND created_at > ?", ip, windowStart).
		Find(&violations).Error; err != nil {
		// Fail open: scoring errors must not deny traffic.
		logger.WithComponent("intrusion").WithError(err).Warn("threat score query failed")
		return Score{IP: ip}
	}

	total := 0.0
	for _, v := range violations {
		age := now.Sub(v.CreatedAt)
		freshness := 1.0 - age.Seconds()/s.cfg.Window.Seconds()
		if freshness < 0 {
			freshness = 0
		}
		total += float64(s.severityWeight(v.Severity)) * freshness
	}

	var record models.IPBlockRecord
	if err := s.db.Where("ip = ?", ip).First(&record).Error; err == nil && record.Active(now) {
		total += float64(s.cfg.ActiveBlockBonus)
	}

	score := int(total)
	if score > 100 {
		score = 100
	}
	return Score{IP: ip, Score: score, Blocked: score >= s.cfg.BlockedThreshold}
}

func (s *Service) severityWeight(sev models.Severity) int {
	switch sev {
	case models.SeverityCritical:
		return s.cfg.WeightCritical
	case models.SeverityHigh:
		return s.cfg.WeightHigh
	case models.SeverityMedium:
		return s.cfg.WeightMedium
	default:
		return s.cfg.WeightLow
	}
}

// ActiveBlockCount returns the number of currently active blocks.
func (s *Service) ActiveBlockCount() (int64, error) {
	var n int64
	err := s.db.Model(&models.IPBlockRecord{}).
		Where("permanent = ? OR blocked_until > ?", true, time.Now()).
		Count(&n).Error
	return n, err
}

// ListBlocked returns the active block records.
func (s *Service) ListBlocked() ([]models.IPBlockRecord, error) {
	var records []models.IPBlockRecord
	err := s.db.Where("permanent = ? OR blocked_until > ?", true, time.Now()).
		Order("updated_at desc").
		Find(&records).Error
	return records, err
}

// CriticalViolationCount counts critical violations inside the window.
func (s *Service) CriticalViolationCount(window time.Duration) (int64, error) {
	var n int64
	err := s.db.Model(&models.Violation{}).
		Where("severity = ? AND created_at > ?", models.SeverityCritical, time.Now().Add(-window)).
		Count(&n).Error
	return n, err
}

func blockKey(ip string) string {
	return "block:" + ip
}

// Stateless detectors, independent of the WAF rule table. Two layers that
// tune separately: the WAF table is operator-editable, these are fixed.
var (
	sqlPattern = regexp.MustCompile(`(?i)('\s*or\s*'?\d|\bunion\b\s+select\b|;\s*(drop|delete|truncate|update|insert)\b|\bor\b\s+\d+\s*=\s*\d+|--\s*$|\bexec\s*\()`)
	xssPattern = regexp.MustCompile(`(?i)(<\s*script|\bon\w+\s*=|javascript\s*:|<\s*(iframe|img|svg)\b[^>]*(src|onerror))`)
	pathPattern = regexp.MustCompile(`(?i)(\.\.[\\/]|%2e%2e|/etc/passwd|/proc/self|%00)`)
	cmdPattern  = regexp.MustCompile("(?i)([;|&`$]\\s*(cat|ls|whoami|id|wget|curl|nc|bash|sh)\\b|\\$\\(|`)")
	ldapPattern = regexp.MustCompile(`(?i)(\*\)\(|\)\(\||\(\||\(&)`)
)

// DetectSQLInjection reports whether input looks like SQL injection and, on
// a hit, records a violation for the IP with a snapshot of the request.
func (s *Service) DetectSQLInjection(r *http.Request, input, ip string) bool {
	return s.detect(sqlPattern, "det-sqli", "SQL injection detector", r, input, ip)
}

// DetectXSS reports whether input carries a cross-site-scripting payload.
func (s *Service) DetectXSS(r *http.Request, input, ip string) bool {
	return s.detect(xssPattern, "det-xss", "XSS detector", r, input, ip)
}

// DetectPathTraversal reports whether input attempts directory traversal.
func (s *Service) DetectPathTraversal(r *http.Request, input, ip string) bool {
	return s.detect(pathPattern, "det-path", "path traversal detector", r, input, ip)
}

// DetectCommandInjection reports whether input attempts shell injection.
func (s *Service) DetectCommandInjection(r *http.Request, input, ip string) bool {
	return s.detect(cmdPattern, "det-cmdi", "command injection detector", r, input, ip)
}

// DetectLDAPInjection reports whether input carries LDAP filter injection.
func (s *Service) DetectLDAPInjection(r *http.Request, input, ip string) bool {
	return s.detect(ldapPattern, "det-ldapi", "LDAP injection detector", r, input, ip)
}

func (s *Service) detect(re *regexp.Regexp, ruleID, desc string, r *http.Request, input, ip string) bool {
	if input == "" || !re.MatchString(input) {
		return false
	}
	v := models.Violation{
		UUID:        uuid.NewString(),
		IP:          ip,
		RuleID:      ruleID,
		Description: desc,
		Severity:    models.SeverityHigh,
		Body:        truncate(input, 1000),
	}
	if r != nil {
		v.Method = r.Method
		v.Path = r.URL.Path
		v.Headers = serializeHeaders(r.Header)
	}
	if err := s.db.Create(&v).Error; err != nil {
		logger.WithComponent("intrusion").WithError(err).Warn("failed to persist detector violation")
	}
	return true
}

func serializeHeaders(h http.Header) string {
	var parts []string
	for name, vals := range h {
		parts = append(parts, name+": "+strings.Join(vals, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
