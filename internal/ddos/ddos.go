package ddos

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/intrusion"
	"github.com/pricesentry/pricesentry/internal/kvstore"
	"github.com/pricesentry/pricesentry/internal/logger"
	"github.com/pricesentry/pricesentry/internal/metrics"
)

const (
	keyGlobal    = "ddos:global"
	keyEmergency = "ddos:emergency"
	keyTight     = "ddos:tight"
	keyActiveIPs = "ddos:active_ips"
)

// Blocker issues IP blocks when volumetric thresholds are exceeded.
type Blocker interface {
	BlockIP(ip, reason string, duration time.Duration) error
}

// ThreatScorer provides the aggregate score driving challenges and adaptive
// limits.
type ThreatScorer interface {
	ThreatScore(ip string) intrusion.Score
}

// Service implements volumetric protection: fixed-window counters per IP and
// globally, burst and slow-pattern heuristics, system-wide emergency mode and
// the challenge-response step for suspicious clients.
type Service struct {
	kv      kvstore.Store
	blocker Blocker
	scorer  ThreatScorer
	cfg     config.DDoSConfig

	// criticalPaths stay reachable during emergency mode.
	criticalPaths []string
}

// NewService wires the DDoS layer.
func NewService(kv kvstore.Store, blocker Blocker, scorer ThreatScorer, cfg config.DDoSConfig) *Service {
	return &Service{
		kv:      kv,
		blocker: blocker,
		scorer:  scorer,
		cfg:     cfg,
		criticalPaths: []string{
			"/api/v1/health",
			"/api/v1/auth/login",
			"/metrics",
		},
	}
}

// Result is the volumetric verdict for one request.
type Result struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	// Limit/Remaining feed the informational rate headers on admitted
	// requests.
	Limit     int64
	Remaining int64
}

// RegisterRequest counts the request in every window and applies the
// volumetric rules. Counter-store errors fail open: the protection layer must
// never become the outage. Once a threshold verdict is reached it is
// enforced deterministically.
func (s *Service) RegisterRequest(ctx context.Context, ip, path string) Result {
	allowed := Result{Allowed: true, Limit: s.cfg.IPThreshold}

	ipCount, err := s.kv.Increment(ctx, ipKey(ip), s.cfg.Window)
	if err != nil {
		logger.WithComponent("ddos").WithError(err).Warn("per-IP counter unavailable")
		return allowed
	}
	globalCount, err := s.kv.Increment(ctx, keyGlobal, s.cfg.Window)
	if err != nil {
		logger.WithComponent("ddos").WithError(err).Warn("global counter unavailable")
		return allowed
	}
	_ = s.kv.AddToSet(ctx, keyActiveIPs, ip, s.cfg.Window)

	// Per-IP-per-endpoint burst, the short flood window.
	burst, _ := s.kv.Increment(ctx, burstKey(ip, path), s.cfg.BurstWindow)

	if ipCount > s.cfg.IPThreshold {
		_, blockFor := s.AdaptiveLimit(ip)
		if err := s.blocker.BlockIP(ip, "request rate exceeded", blockFor); err != nil {
			logger.WithComponent("ddos").WithField("ip", ip).WithError(err).Warn("auto block failed")
		}
		return Result{Reason: "per-IP rate exceeded", RetryAfter: s.cfg.Window, Limit: s.cfg.IPThreshold}
	}

	if burst > s.cfg.BurstThreshold {
		return Result{Reason: "endpoint flood", RetryAfter: s.cfg.BurstWindow, Limit: s.cfg.IPThreshold}
	}

	if globalCount > s.cfg.GlobalThreshold {
		s.enterEmergencyMode(ctx, "global rate exceeded")
		return Result{Reason: "global rate exceeded", RetryAfter: s.cfg.Window, Limit: s.cfg.IPThreshold}
	}

	// Distributed attack: huge active-IP set while global traffic nears the
	// threshold.
	if active, err := s.kv.SetSize(ctx, keyActiveIPs); err == nil {
		if active > s.cfg.DistributedIPs && globalCount > s.cfg.GlobalThreshold*8/10 {
			s.enterEmergencyMode(ctx, "distributed attack pattern")
		}
	}

	allowed.Remaining = s.cfg.IPThreshold - ipCount
	if allowed.Remaining < 0 {
		allowed.Remaining = 0
	}
	return allowed
}

// RecordSlowRequest marks one long-lived connection for the slow-pattern
// heuristic. Called when a request holds its connection past the handler
// deadline.
func (s *Service) RecordSlowRequest(ctx context.Context, ip string) {
	n, err := s.kv.Increment(ctx, slowKey(ip), s.cfg.Window)
	if err != nil {
		return
	}
	if n > s.cfg.SlowConnections {
		_, blockFor := s.AdaptiveLimit(ip)
		if err := s.blocker.BlockIP(ip, "slow connection pattern", blockFor); err != nil {
			logger.WithComponent("ddos").WithField("ip", ip).WithError(err).Warn("slow-pattern block failed")
		}
	}
}

// EmergencyActive reports whether the system-wide degraded-admission state is
// on. Store errors fail open.
func (s *Service) EmergencyActive(ctx context.Context) bool {
	ok, err := s.kv.Exists(ctx, keyEmergency)
	if err != nil {
		logger.WithComponent("ddos").WithError(err).Debug("emergency flag check failed")
		return false
	}
	return ok
}

// IsCriticalPath reports whether the path stays reachable in emergency mode.
func (s *Service) IsCriticalPath(path string) bool {
	for _, p := range s.criticalPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (s *Service) enterEmergencyMode(ctx context.Context, reason string) {
	if err := s.kv.Set(ctx, keyEmergency, reason, s.cfg.EmergencyTTL); err != nil {
		logger.WithComponent("ddos").WithError(err).Warn("failed to raise emergency mode")
		return
	}
	metrics.SetEmergencyMode(true)
	logger.WithComponent("ddos").WithField("reason", reason).Error("emergency mode raised")
}

// RequireChallenge reports whether the client must present a challenge token
// before admission.
func (s *Service) RequireChallenge(ip string) bool {
	return s.scorer.ThreatScore(ip).Score > s.cfg.ChallengeScore
}

// IssueChallenge creates a random single-use token for the IP, valid for the
// configured TTL.
func (s *Service) IssueChallenge(ctx context.Context, ip string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := s.kv.Set(ctx, challengeKey(ip), token, s.cfg.ChallengeTTL); err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	return token, nil
}

// VerifyChallenge consumes the stored token and compares it exactly. The
// token is single use: a second verification with the same token fails.
func (s *Service) VerifyChallenge(ctx context.Context, ip, token string) bool {
	if token == "" {
		return false
	}
	stored, ok, err := s.kv.Take(ctx, challengeKey(ip))
	if err != nil || !ok {
		return false
	}
	return stored == token
}

// AdaptiveLimit returns the tightened per-window request budget and block
// duration for the IP's current threat score.
func (s *Service) AdaptiveLimit(ip string) (maxRequests int64, blockDuration time.Duration) {
	score := s.scorer.ThreatScore(ip).Score
	switch {
	case score >= 70:
		return 5, time.Hour
	case score >= 30:
		return 20, 30 * time.Minute
	default:
		return 100, 5 * time.Minute
	}
}

// Snapshot is the aggregate view consumed by the monitoring loop.
type Snapshot struct {
	GlobalCount int64 `json:"global_count"`
	ActiveIPs   int64 `json:"active_ips"`
	Emergency   bool  `json:"emergency"`
	TightLimits bool  `json:"tight_limits"`
}

// Metrics returns the current volumetric aggregates.
func (s *Service) Metrics(ctx context.Context) Snapshot {
	snap := Snapshot{}
	snap.GlobalCount, _ = s.kv.GetCount(ctx, keyGlobal)
	snap.ActiveIPs, _ = s.kv.SetSize(ctx, keyActiveIPs)
	snap.Emergency = s.EmergencyActive(ctx)
	snap.TightLimits, _ = s.kv.Exists(ctx, keyTight)
	return snap
}

// AutoScale reconciles emergency mode and the tight-limits flag with the
// aggregate metrics. Run on the monitoring cadence; idempotent.
func (s *Service) AutoScale(ctx context.Context) {
	snap := s.Metrics(ctx)

	switch {
	case snap.GlobalCount > s.cfg.GlobalThreshold:
		s.enterEmergencyMode(ctx, "sustained global overload")
	case snap.GlobalCount > s.cfg.GlobalThreshold*8/10:
		if err := s.kv.Set(ctx, keyTight, "1", s.cfg.Window); err == nil {
			logger.WithComponent("ddos").Warn("tight limits raised")
		}
	default:
		if snap.Emergency && snap.GlobalCount < s.cfg.GlobalThreshold/2 {
			_ = s.kv.Delete(ctx, keyEmergency)
			metrics.SetEmergencyMode(false)
			logger.WithComponent("ddos").Info("emergency mode lowered")
		}
		_ = s.kv.Delete(ctx, keyTight)
	}
}

func ipKey(ip string) string          { return "ddos:ip:" + ip }
func burstKey(ip, path string) string { return "ddos:ep:" + ip + ":" + path }
func slowKey(ip string) string        { return "ddos:slow:" + ip }
func challengeKey(ip string) string   { return "challenge:" + ip }
