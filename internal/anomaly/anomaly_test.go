package anomaly

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/kvstore"
	"github.com/pricesentry/pricesentry/internal/models"
)

type fakeBlocker struct {
	blocked map[string]string
}

func (f *fakeBlocker) BlockIP(ip, reason string, d time.Duration) error {
	if f.blocked == nil {
		f.blocked = make(map[string]string)
	}
	f.blocked[ip] = reason
	return nil
}

func testAnomalyConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		ProfileWindow:      7 * 24 * time.Hour,
		BlockScore:         70,
		StuffingEmails:     10,
		StuffingWindow:     5 * time.Minute,
		StuffingBlock:      time.Hour,
		TakeoverScore:      70,
		BotMinInterval:     100 * time.Millisecond,
		SensitiveEndpoints: []string{"/api/v1/admin", "/api/v1/keys"},
	}
}

func setupAnomaly(t *testing.T) (*Service, *gorm.DB, *fakeBlocker, *kvstore.MemoryStore) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Session{}, &models.LoginAttempt{},
		&models.UserBehaviorProfile{}, &models.AnomalyDetection{}, &models.SecurityAudit{},
	))
	kv := kvstore.NewMemoryStore()
	fb := &fakeBlocker{}
	return NewService(db, kv, fb, testAnomalyConfig()), db, fb, kv
}

func seedUser(t *testing.T, db *gorm.DB, email string) *models.User {
	u := &models.User{UUID: uuid.NewString(), Email: email, Enabled: true}
	require.NoError(t, db.Create(u).Error)
	return u
}

func seedSession(t *testing.T, db *gorm.DB, userID uint, ip, ua string, at time.Time) {
	require.NoError(t, db.Create(&models.Session{
		UUID: uuid.NewString(), UserID: userID, IP: ip, UserAgent: ua,
		Active: true, CreatedAt: at,
	}).Error)
}

func TestBuildProfile_ReplacesPreviousProfile(t *testing.T) {
	svc, db, _, _ := setupAnomaly(t)
	u := seedUser(t, db, "ana@example.com")

	now := time.Now()
	for i := 0; i < 4; i++ {
		seedSession(t, db, u.ID, "10.0.0.1", "Firefox", now.Add(-time.Duration(i)*time.Hour))
	}
	seedSession(t, db, u.ID, "10.0.0.2", "Safari", now.Add(-time.Hour))

	p1, err := svc.BuildProfile(u.ID)
	require.NoError(t, err)
	assert.Contains(t, p1.TopIPs, "10.0.0.1")
	assert.Contains(t, p1.TopUserAgents, "Firefox")

	// Rebuild after the dominant IP changes; the profile is replaced, and
	// only one row exists.
	for i := 0; i < 10; i++ {
		seedSession(t, db, u.ID, "172.16.0.9", "Edge", now)
	}
	p2, err := svc.BuildProfile(u.ID)
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)

	var count int64
	require.NoError(t, db.Model(&models.UserBehaviorProfile{}).Where("user_id = ?", u.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestBuildProfile_TopFiveIPsOnly(t *testing.T) {
	svc, db, _, _ := setupAnomaly(t)
	u := seedUser(t, db, "many@example.com")

	now := time.Now()
	for i := 0; i < 8; i++ {
		seedSession(t, db, u.ID, fmt.Sprintf("10.0.0.%d", i), "Firefox", now)
	}
	p, err := svc.BuildProfile(u.ID)
	require.NoError(t, err)
	assert.Len(t, unmarshalList(p.TopIPs), 5)
}

func TestDetect_KnownBaselineScoresLow(t *testing.T) {
	svc, db, _, _ := setupAnomaly(t)
	u := seedUser(t, db, "calm@example.com")

	now := time.Now()
	loginHour := now.UTC().Hour()
	for i := 0; i < 5; i++ {
		seedSession(t, db, u.ID, "10.0.0.1", "Firefox", now.Add(-time.Duration(i)*24*time.Hour))
		require.NoError(t, db.Create(&models.LoginAttempt{
			Email: u.Email, UserID: &u.ID, IP: "10.0.0.1", UserAgent: "Firefox",
			Success: true, CreatedAt: now.Add(-time.Duration(i) * 24 * time.Hour),
		}).Error)
	}
	_ = loginHour

	det, err := svc.Detect(context.Background(), u.ID, "10.0.0.1", "Firefox", "/api/v1/favorites")
	require.NoError(t, err)
	assert.Equal(t, models.RiskLow, det.Risk)
	assert.False(t, det.ShouldBlock)
}

func TestDetect_ScoreSixtyNineDoesNotLock_SeventyLocks(t *testing.T) {
	// Unknown IP (+20) + unfamiliar UA (+15) + >3 failed logins (+30) = 65,
	// below the threshold; adding >3 distinct IPs (+20) crosses it.
	svc, db, _, kv := setupAnomaly(t)
	u := seedUser(t, db, "victim@example.com")
	ctx := context.Background()

	now := time.Now()
	seedSession(t, db, u.ID, "10.0.0.1", "Firefox", now.Add(-24*time.Hour))
	for i := 0; i < 4; i++ {
		require.NoError(t, db.Create(&models.LoginAttempt{
			Email: u.Email, UserID: &u.ID, IP: "66.0.0.1", UserAgent: "Evil",
			Success: false, CreatedAt: now.Add(-time.Minute),
		}).Error)
	}

	det, err := svc.Detect(ctx, u.ID, "66.0.0.1", "Evil", "/api/v1/favorites")
	require.NoError(t, err)
	assert.Equal(t, 65, det.Score)
	assert.False(t, det.ShouldBlock)

	var user models.User
	require.NoError(t, db.First(&user, u.ID).Error)
	assert.False(t, user.Locked)

	// Four distinct IPs within the hour pushes the score to 85.
	for i := 0; i < 4; i++ {
		require.NoError(t, kv.AddToSet(ctx, "user:ips:"+uitoa(u.ID), fmt.Sprintf("66.0.0.%d", i), time.Hour))
	}

	det, err = svc.Detect(ctx, u.ID, "66.0.0.1", "Evil", "/api/v1/favorites")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, det.Score, 70)
	assert.Equal(t, models.RiskCritical, det.Risk)
	assert.True(t, det.ShouldBlock)

	// Account locked, sessions terminated, audit written.
	require.NoError(t, db.First(&user, u.ID).Error)
	assert.True(t, user.Locked)

	var active int64
	require.NoError(t, db.Model(&models.Session{}).
		Where("user_id = ? AND active = ?", u.ID, true).Count(&active).Error)
	assert.Zero(t, active)

	var audits []models.SecurityAudit
	require.NoError(t, db.Where("action = ?", "account_lock").Find(&audits).Error)
	assert.NotEmpty(t, audits)
}

func TestDetect_RecordsAppendOnly(t *testing.T) {
	svc, db, _, _ := setupAnomaly(t)
	u := seedUser(t, db, "rows@example.com")
	seedSession(t, db, u.ID, "10.0.0.1", "Firefox", time.Now())

	ctx := context.Background()
	_, err := svc.Detect(ctx, u.ID, "10.0.0.1", "Firefox", "/x")
	require.NoError(t, err)
	_, err = svc.Detect(ctx, u.ID, "99.0.0.1", "Other", "/x")
	require.NoError(t, err)

	var rows int64
	require.NoError(t, db.Model(&models.AnomalyDetection{}).Where("user_id = ?", u.ID).Count(&rows).Error)
	assert.Equal(t, int64(2), rows)
}

func TestUnlockAccount(t *testing.T) {
	svc, db, _, _ := setupAnomaly(t)
	u := seedUser(t, db, "locked@example.com")
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", u.ID).Update("locked", true).Error)

	require.NoError(t, svc.UnlockAccount(u.ID, "admin@example.com"))

	var user models.User
	require.NoError(t, db.First(&user, u.ID).Error)
	assert.False(t, user.Locked)

	assert.ErrorIs(t, svc.UnlockAccount(9999, "admin@example.com"), ErrUserNotFound)
}

func TestCheckCredentialStuffing_ElevenEmailsBlocks(t *testing.T) {
	svc, _, fb, _ := setupAnomaly(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		flagged := svc.CheckCredentialStuffing(ctx, "6.6.6.6", fmt.Sprintf("user%d@example.com", i))
		assert.False(t, flagged, "attempt %d should not flag", i)
	}
	assert.Empty(t, fb.blocked)

	flagged := svc.CheckCredentialStuffing(ctx, "6.6.6.6", "user11@example.com")
	assert.True(t, flagged)
	assert.Equal(t, "credential stuffing", fb.blocked["6.6.6.6"])
}

func TestCheckCredentialStuffing_RepeatedEmailDoesNotCount(t *testing.T) {
	svc, _, fb, _ := setupAnomaly(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		assert.False(t, svc.CheckCredentialStuffing(ctx, "7.7.7.7", "same@example.com"))
	}
	assert.Empty(t, fb.blocked)
}

func TestCheckAccountTakeover(t *testing.T) {
	svc, db, _, _ := setupAnomaly(t)
	u := seedUser(t, db, "ato@example.com")

	// No prior session: nothing to compare.
	check := svc.CheckAccountTakeover(u.ID, "1.1.1.1", "Firefox")
	assert.Zero(t, check.Score)
	assert.False(t, check.Deny)

	// Previous session nine minutes ago from a different IP and UA:
	// 40 + 30 reaches the threshold, the login is denied.
	seedSession(t, db, u.ID, "1.1.1.1", "Firefox", time.Now().Add(-9*time.Minute))

	check = svc.CheckAccountTakeover(u.ID, "2.2.2.2", "Chrome")
	assert.Equal(t, 70, check.Score)
	assert.True(t, check.Deny)

	// Same switch within a minute of the previous session adds the
	// quick-succession weight on top.
	seedSession(t, db, u.ID, "1.1.1.1", "Firefox", time.Now().Add(-10*time.Second))
	check = svc.CheckAccountTakeover(u.ID, "2.2.2.2", "Chrome")
	assert.Equal(t, 120, check.Score)
	assert.True(t, check.Deny)
}

func TestCheckAccountTakeover_SingleSignalAllowed(t *testing.T) {
	svc, db, _, _ := setupAnomaly(t)
	u := seedUser(t, db, "roam@example.com")
	seedSession(t, db, u.ID, "1.1.1.1", "Firefox", time.Now().Add(-9*time.Minute))

	// New IP from the same browser: roaming, not a takeover.
	check := svc.CheckAccountTakeover(u.ID, "2.2.2.2", "Firefox")
	assert.Equal(t, 40, check.Score)
	assert.False(t, check.Deny)

	// Same IP, updated browser string.
	check = svc.CheckAccountTakeover(u.ID, "1.1.1.1", "Chrome")
	assert.Equal(t, 30, check.Score)
	assert.False(t, check.Deny)
}

func TestDetectBot_UserAgentMarkers(t *testing.T) {
	svc, _, _, _ := setupAnomaly(t)
	ctx := context.Background()

	assert.True(t, svc.DetectBot(ctx, "1.1.1.1", "python-requests/2.31"))
	assert.True(t, svc.DetectBot(ctx, "1.1.1.2", "Mozilla/5.0 (compatible; Googlebot/2.1)"))
	assert.False(t, svc.DetectBot(ctx, "1.1.1.3", "Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0"))
}

func TestDetectBot_RapidRequests(t *testing.T) {
	svc, _, _, _ := setupAnomaly(t)
	ctx := context.Background()
	now := time.Now()
	svc.SetClock(func() time.Time { return now })

	ua := "Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0"
	assert.False(t, svc.DetectBot(ctx, "5.5.5.5", ua))

	now = now.Add(50 * time.Millisecond)
	assert.True(t, svc.DetectBot(ctx, "5.5.5.5", ua))

	now = now.Add(2 * time.Second)
	assert.False(t, svc.DetectBot(ctx, "5.5.5.5", ua))
}
