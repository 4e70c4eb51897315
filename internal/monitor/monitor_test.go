package monitor

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

	"github.com/pricesentry/pricesentry/internal/anomaly"
	"github.com/pricesentry/pricesentry/internal/config"
	"github.com/pricesentry/pricesentry/internal/ddos"
	"github.com/pricesentry/pricesentry/internal/intrusion"
	"github.com/pricesentry/pricesentry/internal/kvstore"
	"github.com/pricesentry/pricesentry/internal/models"
	"github.com/pricesentry/pricesentry/internal/waf"
)

type monitorFixture struct {
	svc      *Service
	db       *gorm.DB
	kv       *kvstore.MemoryStore
	ddos     *ddos.Service
	notified []string
}

func setupMonitor(t *testing.T) *monitorFixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Violation{}, &models.IPBlockRecord{},
		&models.SecurityAlert{}, &models.SecurityIncident{},
		&models.AnomalyDetection{}, &models.UserBehaviorProfile{},
		&models.User{}, &models.Session{}, &models.LoginAttempt{},
		&models.SecurityAudit{},
	))

	kv := kvstore.NewMemoryStore()
	intrSvc := intrusion.NewService(db, kv, config.ThreatConfig{
		Window:           time.Hour,
		WeightLow:        5,
		WeightMedium:     10,
		WeightHigh:       20,
		WeightCritical:   40,
		ActiveBlockBonus: 30,
		BlockedThreshold: 70,
		DefaultBlock:     time.Hour,
	})
	ddosSvc := ddos.NewService(kv, intrSvc, intrSvc, config.DDoSConfig{
		Window:          time.Minute,
		IPThreshold:     1000,
		GlobalThreshold: 100,
		BurstWindow:     10 * time.Second,
		BurstThreshold:  50,
		EmergencyTTL:    time.Hour,
		ChallengeTTL:    5 * time.Minute,
		ChallengeScore:  70,
		DistributedIPs:  1000,
		SlowConnections: 20,
	})
	anomalySvc := anomaly.NewService(db, kv, intrSvc, config.AnomalyConfig{
		ProfileWindow:  7 * 24 * time.Hour,
		BlockScore:     70,
		StuffingEmails: 10,
		StuffingWindow: 5 * time.Minute,
		StuffingBlock:  time.Hour,
		TakeoverScore:  70,
		BotMinInterval: 100 * time.Millisecond,
	})
	wafSvc := waf.NewService(db, waf.DefaultRules(), intrSvc)

	f := &monitorFixture{db: db, kv: kv, ddos: ddosSvc}
	f.svc = NewService(db, ddosSvc, intrSvc, anomalySvc, wafSvc, config.MonitorConfig{
		Interval:         time.Minute,
		AlertDedupWindow: time.Hour,
		CriticalPerHour:  10,
		MaxBlockedIPs:    100,
		Retention:        30 * 24 * time.Hour,
	}, nil)
	f.svc.notify = func(message string) { f.notified = append(f.notified, message) }
	return f
}

func seedCriticalViolations(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, db.Create(&models.Violation{
			UUID:     uuid.NewString(),
			IP:       "203.0.113.7",
			RuleID:   "sqli-001",
			Severity: models.SeverityCritical,
		}).Error)
	}
}

func TestRunCheck_RaisesCriticalIntrusionAlert(t *testing.T) {
	f := setupMonitor(t)
	seedCriticalViolations(t, f.db, 11)

	f.svc.RunCheck(context.Background())

	alerts, err := f.svc.Alerts("", 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertTypeCriticalIntrusions, alerts[0].Type)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, models.AlertStatusNew, alerts[0].Status)
	assert.Len(t, f.notified, 1)
}

func TestRunCheck_BelowThresholdStaysQuiet(t *testing.T) {
	f := setupMonitor(t)
	seedCriticalViolations(t, f.db, 5)

	f.svc.RunCheck(context.Background())

	alerts, err := f.svc.Alerts("", 0)
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Empty(t, f.notified)
}

func TestRaiseAlert_DeduplicatesByTypeWithinWindow(t *testing.T) {
	f := setupMonitor(t)

	first := f.svc.RaiseAlert(AlertTypeMassBlocking, models.SeverityHigh, "150 IPs blocked")
	require.NotNil(t, first)
	assert.Nil(t, f.svc.RaiseAlert(AlertTypeMassBlocking, models.SeverityHigh, "160 IPs blocked"))

	// A different type is not suppressed.
	require.NotNil(t, f.svc.RaiseAlert(AlertTypeEmergencyMode, models.SeverityCritical, "emergency"))

	// Outside the rolling window the same type fires again.
	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, f.db.Model(&models.SecurityAlert{}).
		Where("uuid = ?", first.UUID).
		Update("created_at", stale).Error)
	assert.NotNil(t, f.svc.RaiseAlert(AlertTypeMassBlocking, models.SeverityHigh, "again"))
}

func TestRunCheck_EmergencyModeAlert(t *testing.T) {
	f := setupMonitor(t)

	// Push the global counter past its threshold to trip emergency mode.
	// Spread across endpoints so the burst heuristic stays quiet.
	for i := 0; i < 101; i++ {
		f.ddos.RegisterRequest(context.Background(), "198.51.100.9", fmt.Sprintf("/api/v1/products/%d", i))
	}
	f.svc.RunCheck(context.Background())

	alerts, err := f.svc.Alerts("", 0)
	require.NoError(t, err)
	types := make([]string, 0, len(alerts))
	for _, a := range alerts {
		types = append(types, a.Type)
	}
	assert.Contains(t, types, AlertTypeEmergencyMode)
}

func TestAlertLifecycle(t *testing.T) {
	f := setupMonitor(t)

	alert := f.svc.RaiseAlert(AlertTypeCriticalAnomalies, models.SeverityHigh, "3 critical anomalies")
	require.NotNil(t, alert)

	require.NoError(t, f.svc.AcknowledgeAlert(alert.UUID))
	acked, err := f.svc.Alerts(models.AlertStatusAcknowledged, 0)
	require.NoError(t, err)
	assert.Len(t, acked, 1)

	require.NoError(t, f.svc.ResolveAlert(alert.UUID))
	resolved, err := f.svc.Alerts(models.AlertStatusResolved, 0)
	require.NoError(t, err)
	assert.Len(t, resolved, 1)

	assert.ErrorIs(t, f.svc.AcknowledgeAlert("no-such-uuid"), ErrAlertNotFound)
}

func TestIncidentTransitions(t *testing.T) {
	f := setupMonitor(t)

	incident, err := f.svc.OpenIncident("Credential stuffing wave", models.SeverityHigh, "details")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusOpen, incident.Status)

	require.NoError(t, f.svc.UpdateIncidentStatus(incident.UUID, models.IncidentStatusInvestigating))
	require.NoError(t, f.svc.UpdateIncidentStatus(incident.UUID, models.IncidentStatusResolved))

	// Resolved is terminal.
	err = f.svc.UpdateIncidentStatus(incident.UUID, models.IncidentStatusOpen)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = f.svc.UpdateIncidentStatus(uuid.NewString(), models.IncidentStatusResolved)
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestIncidentTransitions_SkipInvestigating(t *testing.T) {
	f := setupMonitor(t)

	incident, err := f.svc.OpenIncident("False alarm", models.SeverityLow, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.UpdateIncidentStatus(incident.UUID, models.IncidentStatusFalsePositive))

	err = f.svc.UpdateIncidentStatus(incident.UUID, models.IncidentStatusInvestigating)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBuildDashboard(t *testing.T) {
	f := setupMonitor(t)

	require.NotNil(t, f.svc.RaiseAlert(AlertTypeMassBlocking, models.SeverityHigh, "mass blocking"))
	_, err := f.svc.OpenIncident("Incident A", models.SeverityMedium, "")
	require.NoError(t, err)
	seedCriticalViolations(t, f.db, 3)

	d, err := f.svc.BuildDashboard(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 1, d.AlertsBySeverity[string(models.SeverityHigh)])
	assert.Len(t, d.RecentIncidents, 1)
	require.NotEmpty(t, d.TopThreatIPs)
	assert.Equal(t, "203.0.113.7", d.TopThreatIPs[0].Key)
	require.NotEmpty(t, d.TopRules)
	assert.Equal(t, "sqli-001", d.TopRules[0].Key)
}

func TestRecommendations(t *testing.T) {
	f := setupMonitor(t)

	// Empty violation table reads as a stale scan.
	recs := f.svc.recommendations()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0], "24 hours")

	// One of two enabled users without 2FA trips the coverage heuristic
	// only when below half.
	require.NoError(t, f.db.Create(&models.User{UUID: uuid.NewString(), Email: "a@example.com", Enabled: true}).Error)
	require.NoError(t, f.db.Create(&models.User{UUID: uuid.NewString(), Email: "b@example.com", Enabled: true, TOTPEnabled: true}).Error)
	recs = f.svc.recommendations()
	assert.Len(t, recs, 1, "exactly half covered is acceptable")

	require.NoError(t, f.db.Create(&models.User{UUID: uuid.NewString(), Email: "c@example.com", Enabled: true}).Error)
	recs = f.svc.recommendations()
	require.Len(t, recs, 2)
	assert.Contains(t, recs[1], "Two-factor")

	// A week-old active session trips the stale-session heuristic.
	old := time.Now().Add(-8 * 24 * time.Hour)
	session := models.Session{UUID: uuid.NewString(), UserID: 1, Active: true}
	require.NoError(t, f.db.Create(&session).Error)
	require.NoError(t, f.db.Model(&session).Update("created_at", old).Error)
	recs = f.svc.recommendations()
	assert.Len(t, recs, 3)
}

func TestBuildReport(t *testing.T) {
	f := setupMonitor(t)
	seedCriticalViolations(t, f.db, 2)
	require.NotNil(t, f.svc.RaiseAlert(AlertTypeMassBlocking, models.SeverityHigh, "x"))
	_, err := f.svc.OpenIncident("I", models.SeverityLow, "")
	require.NoError(t, err)

	report, err := f.svc.BuildReport(time.Now().Add(-24*time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.ViolationsBySeverity[string(models.SeverityCritical)])
	assert.EqualValues(t, 1, report.AlertCount)
	assert.EqualValues(t, 1, report.IncidentCount)

	empty, err := f.svc.BuildReport(time.Now().Add(-72*time.Hour), time.Now().Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.AlertCount)
	assert.Empty(t, empty.ViolationsBySeverity)
}

func TestCleanupStale(t *testing.T) {
	f := setupMonitor(t)
	seedCriticalViolations(t, f.db, 1)
	cutoff := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, f.db.Model(&models.Violation{}).
		Where("1 = 1").Update("created_at", cutoff).Error)

	alert := f.svc.RaiseAlert(AlertTypeMassBlocking, models.SeverityHigh, "old")
	require.NotNil(t, alert)
	require.NoError(t, f.db.Model(&models.SecurityAlert{}).
		Where("uuid = ?", alert.UUID).Update("created_at", cutoff).Error)

	// Open alerts survive retention; resolved ones age out.
	require.NoError(t, f.svc.CleanupStale())
	var violations, alerts int64
	require.NoError(t, f.db.Model(&models.Violation{}).Count(&violations).Error)
	require.NoError(t, f.db.Model(&models.SecurityAlert{}).Count(&alerts).Error)
	assert.Zero(t, violations)
	assert.EqualValues(t, 1, alerts)

	require.NoError(t, f.svc.ResolveAlert(alert.UUID))
	require.NoError(t, f.db.Model(&models.SecurityAlert{}).
		Where("uuid = ?", alert.UUID).Update("created_at", cutoff).Error)
	require.NoError(t, f.svc.CleanupStale())
	require.NoError(t, f.db.Model(&models.SecurityAlert{}).Count(&alerts).Error)
	assert.Zero(t, alerts)
}
