package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/kvstore"
	"github.com/pricesentry/pricesentry/internal/logger"
	"github.com/pricesentry/pricesentry/internal/models"
)

// ErrUserNotFound is returned when detection targets an unknown user.
var ErrUserNotFound = errors.New("user not found")

// Blocker issues IP blocks for credential-stuffing sources.
type Blocker interface {
	BlockIP(ip, reason string, duration time.Duration) error
}

// Service profiles authenticated users and scores deviations from their
// baseline. Unauthenticated traffic is out of its scope by design.
type Service struct {
	db      *gorm.DB
	kv      kvstore.Store
	blocker Blocker
	cfg     config.AnomalyConfig

	botAgents []string
	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewService wires the behavioral layer.
func NewService(db *gorm.DB, kv kvstore.Store, blocker Blocker, cfg config.AnomalyConfig) *Service {
	return &Service{
		db:      db,
		kv:      kv,
		blocker: blocker,
		cfg:     cfg,
		botAgents: []string{
			"bot", "crawler", "spider", "curl", "wget", "python-requests",
			"scrapy", "headlesschrome", "phantomjs", "go-http-client",
		},
		now: time.Now,
	}
}

// SetClock replaces the service's time source. Test helper.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

const hourKeyLayout = "2006010215"

// CountRequest records one authenticated request into the hourly activity
// counters and the rolling distinct-IP set. Store errors are ignored: the
// counters are heuristics, not verdicts.
func (s *Service) CountRequest(ctx context.Context, userID uint, ip, endpoint string) {
	hour := s.now().UTC().Format(hourKeyLayout)
	_, _ = s.kv.Increment(ctx, reqKey(userID, hour), s.cfg.ProfileWindow)
	_ = s.kv.AddToSet(ctx, ipSetKey(userID), ip, time.Hour)

	for _, sensitive := range s.cfg.SensitiveEndpoints {
		if strings.HasPrefix(endpoint, sensitive) {
			_, _ = s.kv.Increment(ctx, sensKey(userID), time.Hour)
			break
		}
	}
}

// BuildProfile recomputes a user's behavioral baseline from the trailing
// window of sessions and successful logins, and replaces any previous
// profile wholesale.
func (s *Service) BuildProfile(userID uint) (*models.UserBehaviorProfile, error) {
	since := s.now().Add(-s.cfg.ProfileWindow)

	var sessions []models.Session
	if err := s.db.Where("user_id = ? AND created_at > ?", userID, since).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	var logins []models.LoginAttempt
	if err := s.db.Where("user_id = ? AND success = ? AND created_at > ?", userID, true, since).
		Find(&logins).Error; err != nil {
		return nil, err
	}

	ipFreq := map[string]int{}
	uaFreq := map[string]int{}
	hourSet := map[int]struct{}{}
	for _, sess := range sessions {
		ipFreq[sess.IP]++
		uaFreq[sess.UserAgent]++
	}
	for _, la := range logins {
		ipFreq[la.IP]++
		uaFreq[la.UserAgent]++
		hourSet[la.CreatedAt.UTC().Hour()] = struct{}{}
	}

	avg := s.averageRequestsPerHour(userID)

	profile := models.UserBehaviorProfile{
		UserID:             userID,
		AvgRequestsPerHour: avg,
		TopIPs:             marshalTop(ipFreq, 5),
		TopUserAgents:      marshalTop(uaFreq, 3),
		TypicalLoginHours:  marshalHours(hourSet),
	}

	var existing models.UserBehaviorProfile
	err := s.db.Where("user_id = ?", userID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = s.db.Create(&profile).Error
	case err != nil:
	default:
		profile.ID = existing.ID
		profile.CreatedAt = existing.CreatedAt
		err = s.db.Save(&profile).Error
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// averageRequestsPerHour walks the hourly counters across the window and
// averages over the hours that saw any activity.
func (s *Service) averageRequestsPerHour(userID uint) float64 {
	ctx := context.Background()
	hours := int(s.cfg.ProfileWindow / time.Hour)
	cursor := s.now().UTC()

	total, active := int64(0), 0
	for i := 0; i < hours; i++ {
		key := reqKey(userID, cursor.Add(-time.Duration(i)*time.Hour).Format(hourKeyLayout))
		n, err := s.kv.GetCount(ctx, key)
		if err != nil {
			continue
		}
		if n > 0 {
			total += n
			active++
		}
	}
	if active == 0 {
		return 0
	}
	return float64(total) / float64(active)
}

// Detection is the result of one behavioral evaluation.
type Detection struct {
	Score       int         `json:"score"`
	Reasons     []string    `json:"reasons"`
	Risk        models.Risk `json:"risk"`
	ShouldBlock bool        `json:"should_block"`
}

// Detect scores the current request of an authenticated user against their
// profile. A critical result locks the account and terminates its sessions;
// that lock is not reversed automatically.
func (s *Service) Detect(ctx context.Context, userID uint, ip, userAgent, endpoint string) (*Detection, error) {
	profile, err := s.loadOrBuildProfile(userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	det := &Detection{}

	if !containsString(unmarshalList(profile.TopIPs), ip) {
		det.add(20, "unknown source IP")
	}
	if !containsString(unmarshalList(profile.TopUserAgents), userAgent) {
		det.add(15, "unfamiliar user agent")
	}
	if hours := unmarshalHours(profile.TypicalLoginHours); len(hours) > 0 {
		if _, typical := hours[now.UTC().Hour()]; !typical {
			det.add(10, "activity outside typical hours")
		}
	}
	if profile.AvgRequestsPerHour > 0 {
		hour := now.UTC().Format(hourKeyLayout)
		if n, err := s.kv.GetCount(ctx, reqKey(userID, hour)); err == nil {
			if float64(n) > 3*profile.AvgRequestsPerHour {
				det.add(25, "request rate above 3x baseline")
			}
		}
	}
	var failed int64
	if err := s.db.Model(&models.LoginAttempt{}).
		Where("user_id = ? AND success = ? AND created_at > ?", userID, false, now.Add(-30*time.Minute)).
		Count(&failed).Error; err == nil && failed > 3 {
		det.add(30, "repeated failed logins")
	}
	if distinct, err := s.kv.SetSize(ctx, ipSetKey(userID)); err == nil && distinct > 3 {
		det.add(20, "multiple source IPs within the hour")
	}
	if n, err := s.kv.GetCount(ctx, sensKey(userID)); err == nil && n > 5 {
		det.add(15, "heavy sensitive endpoint access")
	}

	det.Risk = bandRisk(det.Score)
	det.ShouldBlock = det.Score >= s.cfg.BlockScore

	s.record(userID, ip, det)

	if det.ShouldBlock {
		s.lockAccount(userID, ip, det)
	}
	return det, nil
}

func (d *Detection) add(points int, reason string) {
	d.Score += points
	if d.Score > 100 {
		d.Score = 100
	}
	d.Reasons = append(d.Reasons, reason)
}

func bandRisk(score int) models.Risk {
	switch {
	case score >= 70:
		return models.RiskCritical
	case score >= 50:
		return models.RiskHigh
	case score >= 30:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// record appends the detection; failures are logged, never propagated.
func (s *Service) record(userID uint, ip string, det *Detection) {
	reasons, _ := json.Marshal(det.Reasons)
	row := models.AnomalyDetection{
		UUID:    uuid.NewString(),
		UserID:  userID,
		IP:      ip,
		Score:   det.Score,
		Reasons: string(reasons),
		Risk:    det.Risk,
	}
	if err := s.db.Create(&row).Error; err != nil {
		logger.WithComponent("anomaly").WithError(err).Warn("failed to persist detection")
	}
}

// lockAccount is the irreversible side effect of a critical detection. The
// lock and the session purge are recorded as audit entries; unlocking
// requires the explicit operator path.
func (s *Service) lockAccount(userID uint, ip string, det *Detection) {
	now := s.now()
	updates := map[string]interface{}{
		"locked": true, "locked_at": now, "lock_reason": "critical anomaly score",
	}
	if err := s.db.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
		logger.WithComponent("anomaly").WithError(err).Error("failed to lock account")
		return
	}
	if err := s.db.Model(&models.Session{}).
		Where("user_id = ? AND active = ?", userID, true).
		Update("active", false).Error; err != nil {
		logger.WithComponent("anomaly").WithError(err).Error("failed to terminate sessions")
	}

	details, _ := json.Marshal(map[string]interface{}{"score": det.Score, "reasons": det.Reasons})
	audit := models.SecurityAudit{
		UUID:    uuid.NewString(),
		Actor:   "system",
		Action:  "account_lock",
		IP:      ip,
		Details: string(details),
	}
	if err := s.db.Create(&audit).Error; err != nil {
		logger.WithComponent("anomaly").WithError(err).Warn("failed to write lock audit")
	}
	logger.WithComponent("anomaly").WithFields(map[string]interface{}{
		"user_id": userID, "score": det.Score,
	}).Error("account locked after critical anomaly")
}

// UnlockAccount is the operator path reversing a critical lock.
func (s *Service) UnlockAccount(userID uint, actor string) error {
	res := s.db.Model(&models.User{}).Where("id = ? AND locked = ?", userID, true).
		Updates(map[string]interface{}{"locked": false, "lock_reason": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	audit := models.SecurityAudit{
		UUID:   uuid.NewString(),
		Actor:  actor,
		Action: "account_unlock",
	}
	return s.db.Create(&audit).Error
}

// CheckCredentialStuffing tracks distinct emails attempted from one IP. Once
// the count inside the window exceeds the configured limit, the IP is
// blocked for an hour and every further attempt is rejected.
func (s *Service) CheckCredentialStuffing(ctx context.Context, ip, email string) bool {
	if err := s.kv.AddToSet(ctx, stuffingKey(ip), strings.ToLower(email), s.cfg.StuffingWindow); err != nil {
		logger.WithComponent("anomaly").WithError(err).Debug("stuffing set unavailable")
		return false
	}
	n, err := s.kv.SetSize(ctx, stuffingKey(ip))
	if err != nil {
		return false
	}
	if n > s.cfg.StuffingEmails {
		if err := s.blocker.BlockIP(ip, "credential stuffing", s.cfg.StuffingBlock); err != nil {
			logger.WithComponent("anomaly").WithField("ip", ip).WithError(err).Warn("stuffing block failed")
		}
		return true
	}
	return false
}

// TakeoverCheck compares a fresh login with the immediately preceding
// session of the same user.
type TakeoverCheck struct {
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
	Deny    bool     `json:"deny"`
}

// Takeover signal weights. Calibrated so that a simultaneous IP and
// user-agent switch reaches the deny threshold on its own; either signal
// alone, or a quick same-device re-login, stays below it.
const (
	takeoverIPWeight    = 40
	takeoverUAWeight    = 30
	takeoverRapidWeight = 50
)

// CheckAccountTakeover scores IP change, user-agent change and implausibly
// quick succession against the user's previous session. A score at or above
// the threshold forces re-authentication.
func (s *Service) CheckAccountTakeover(userID uint, ip, userAgent string) TakeoverCheck {
	var prev models.Session
	err := s.db.Where("user_id = ?", userID).Order("created_at desc").First(&prev).Error
	if err != nil {
		// First session ever: nothing to compare against.
		return TakeoverCheck{}
	}

	check := TakeoverCheck{}
	if prev.IP != ip {
		check.Score += takeoverIPWeight
		check.Reasons = append(check.Reasons, "IP changed since previous session")
	}
	if prev.UserAgent != userAgent {
		check.Score += takeoverUAWeight
		check.Reasons = append(check.Reasons, "user agent changed since previous session")
	}
	if s.now().Sub(prev.CreatedAt) < time.Minute {
		check.Score += takeoverRapidWeight
		check.Reasons = append(check.Reasons, "session started under a minute after the previous one")
	}
	check.Deny = check.Score >= s.cfg.TakeoverScore
	return check
}

// DetectBot flags automation by user-agent fingerprint or sub-100ms request
// spacing from one IP.
func (s *Service) DetectBot(ctx context.Context, ip, userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, marker := range s.botAgents {
		if strings.Contains(ua, marker) {
			return true
		}
	}

	now := s.now()
	last, ok, err := s.kv.Get(ctx, botKey(ip))
	_ = s.kv.Set(ctx, botKey(ip), now.Format(time.RFC3339Nano), time.Minute)
	if err != nil || !ok {
		return false
	}
	prev, err := time.Parse(time.RFC3339Nano, last)
	if err != nil {
		return false
	}
	return now.Sub(prev) < s.cfg.BotMinInterval
}

// CriticalDetectionCount counts critical anomalies inside the window.
func (s *Service) CriticalDetectionCount(window time.Duration) (int64, error) {
	var n int64
	err := s.db.Model(&models.AnomalyDetection{}).
		Where("risk = ? AND created_at > ?", models.RiskCritical, s.now().Add(-window)).
		Count(&n).Error
	return n, err
}

func (s *Service) loadOrBuildProfile(userID uint) (*models.UserBehaviorProfile, error) {
	var profile models.UserBehaviorProfile
	err := s.db.Where("user_id = ?", userID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.BuildProfile(userID)
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func marshalTop(freq map[string]int, limit int) string {
	type kv struct {
		key   string
		count int
	}
	sorted := make([]kv, 0, len(freq))
	for k, n := range freq {
		if k == "" {
			continue
		}
		sorted = append(sorted, kv{k, n})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].key < sorted[j].key
	})
	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]string, len(sorted))
	for i, e := range sorted {
		out[i] = e.key
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

func marshalHours(set map[int]struct{}) string {
	hours := make([]int, 0, len(set))
	for h := range set {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	raw, _ := json.Marshal(hours)
	return string(raw)
}

func unmarshalList(raw string) []string {
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func unmarshalHours(raw string) map[int]struct{} {
	var hours []int
	_ = json.Unmarshal([]byte(raw), &hours)
	set := make(map[int]struct{}, len(hours))
	for _, h := range hours {
		set[h] = struct{}{}
	}
	return set
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func reqKey(userID uint, hour string) string { return "user:reqs:" + uitoa(userID) + ":" + hour }
func ipSetKey(userID uint) string            { return "user:ips:" + uitoa(userID) }
func sensKey(userID uint) string             { return "user:sens:" + uitoa(userID) }
func stuffingKey(ip string) string           { return "stuffing:" + ip }
func botKey(ip string) string                { return "bot:last:" + ip }

func uitoa(n uint) string { return strconv.FormatUint(uint64(n), 10) }
