package intrusion

import (
	"context"
	"net/http"
	"net/http/httptest"
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

func testThreatConfig() config.ThreatConfig {
	return config.ThreatConfig{
		Window:           time.Hour,
		WeightLow:        5,
		WeightMedium:     10,
		WeightHigh:       20,
		WeightCritical:   40,
		ActiveBlockBonus: 30,
		BlockedThreshold: 70,
		DefaultBlock:     time.Hour,
	}
}

func setupIntrusion(t *testing.T) (*Service, *gorm.DB, *kvstore.MemoryStore) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Violation{}, &models.IPBlockRecord{}))
	kv := kvstore.NewMemoryStore()
	return NewService(db, kv, testThreatConfig()), db, kv
}

func TestBlockIP_IsIdempotentPerIP(t *testing.T) {
	svc, db, _ := setupIntrusion(t)

	require.NoError(t, svc.BlockIP("1.2.3.4", "first", time.Hour))
	require.NoError(t, svc.BlockIP("1.2.3.4", "second", 2*time.Hour))

	var records []models.IPBlockRecord
	require.NoError(t, db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, "second", records[0].Reason)
	assert.True(t, svc.IsBlocked("1.2.3.4"))
}

func TestBlockIP_PermanentBlock(t *testing.T) {
	svc, _, _ := setupIntrusion(t)

	require.NoError(t, svc.BlockIP("5.5.5.5", "abuse", 0))
	assert.True(t, svc.IsBlocked("5.5.5.5"))
}

func TestUnblockIP(t *testing.T) {
	svc, _, _ := setupIntrusion(t)

	require.NoError(t, svc.BlockIP("1.2.3.4", "test", time.Hour))
	require.NoError(t, svc.UnblockIP("1.2.3.4"))
	assert.False(t, svc.IsBlocked("1.2.3.4"))

	assert.ErrorIs(t, svc.UnblockIP("1.2.3.4"), ErrNotBlocked)
}

func TestIsBlocked_ExpiredBlockInactive(t *testing.T) {
	svc, db, kv := setupIntrusion(t)

	until := time.Now().Add(-time.Minute)
	require.NoError(t, db.Create(&models.IPBlockRecord{
		UUID: uuid.NewString(), IP: "2.2.2.2", Reason: "old", BlockedUntil: &until,
	}).Error)
	_ = kv // expired record never mirrored

	assert.False(t, svc.IsBlocked("2.2.2.2"))
}

func TestIsBlocked_RepopulatesMirrorFromDatabase(t *testing.T) {
	svc, db, kv := setupIntrusion(t)

	until := time.Now().Add(time.Hour)
	require.NoError(t, db.Create(&models.IPBlockRecord{
		UUID: uuid.NewString(), IP: "3.3.3.3", Reason: "durable", BlockedUntil: &until,
	}).Error)

	// kv has no mirror entry; the durable record must still deny.
	assert.True(t, svc.IsBlocked("3.3.3.3"))

	ok, err := kv.Exists(context.Background(), "block:3.3.3.3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestThreatScore_AccumulatesAndBands(t *testing.T) {
	svc, db, _ := setupIntrusion(t)

	assert.Equal(t, 0, svc.ThreatScore("7.7.7.7").Score)

	// Two fresh critical violations put the score at ~80.
	for i := 0; i < 2; i++ {
		require.NoError(t, db.Create(&models.Violation{
			UUID: uuid.NewString(), IP: "7.7.7.7", RuleID: "sqli-stacked",
			Severity: models.SeverityCritical, CreatedAt: time.Now(),
		}).Error)
	}

	score := svc.ThreatScore("7.7.7.7")
	assert.GreaterOrEqual(t, score.Score, 70)
	assert.True(t, score.Blocked)
}

func TestThreatScore_OldViolationsDecay(t *testing.T) {
	svc, db, _ := setupIntrusion(t)

	// A critical violation from 59 minutes ago has decayed almost entirely.
	require.NoError(t, db.Create(&models.Violation{
		UUID: uuid.NewString(), IP: "8.8.8.8", RuleID: "sqli-stacked",
		Severity: models.SeverityCritical, CreatedAt: time.Now().Add(-59 * time.Minute),
	}).Error)

	score := svc.ThreatScore("8.8.8.8")
	assert.Less(t, score.Score, 5)
	assert.False(t, score.Blocked)
}

func TestThreatScore_ActiveBlockBonus(t *testing.T) {
	svc, _, _ := setupIntrusion(t)

	require.NoError(t, svc.BlockIP("9.9.9.9", "test", time.Hour))
	score := svc.ThreatScore("9.9.9.9")
	assert.Equal(t, 30, score.Score)
}

func TestDetectors(t *testing.T) {
	svc, db, _ := setupIntrusion(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/search?q=x", nil)
	req.Header.Set("User-Agent", "curl/8.9.0")

	cases := []struct {
		name  string
		fn    func(*http.Request, string, string) bool
		hit   string
		clean string
	}{
		{"sqli", svc.DetectSQLInjection, "' OR 1=1 --", "ergonomic chair"},
		{"xss", svc.DetectXSS, "<script>alert(1)</script>", "great <3 product"},
		{"path", svc.DetectPathTraversal, "../../etc/passwd", "folder/file.txt"},
		{"cmdi", svc.DetectCommandInjection, "; cat /etc/passwd", "price: $12"},
		{"ldapi", svc.DetectLDAPInjection, "*)(uid=*", "john (sales)"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.fn(req, tc.hit, "4.4.4.4"), "expected detection for %q", tc.hit)
			assert.False(t, tc.fn(req, tc.clean, "4.4.4.4"), "unexpected detection for %q", tc.clean)
		})
	}

	// Each hit left a violation behind, carrying the request snapshot
	// that forensics reads alongside the payload.
	var violations []models.Violation
	require.NoError(t, db.Where("ip = ?", "4.4.4.4").Find(&violations).Error)
	require.Len(t, violations, len(cases))
	for _, v := range violations {
		assert.Equal(t, http.MethodGet, v.Method)
		assert.Equal(t, "/api/v1/search", v.Path)
		assert.Contains(t, v.Headers, "User-Agent: curl/8.9.0")
	}
}

func TestDetectorsWithoutRequestContext(t *testing.T) {
	svc, db, _ := setupIntrusion(t)

	assert.True(t, svc.DetectSQLInjection(nil, "' OR 1=1 --", "5.5.5.5"))

	var v models.Violation
	require.NoError(t, db.Where("ip = ?", "5.5.5.5").First(&v).Error)
	assert.Empty(t, v.Method)
	assert.Empty(t, v.Path)
}

func TestActiveBlockCount(t *testing.T) {
	svc, db, _ := setupIntrusion(t)

	require.NoError(t, svc.BlockIP("1.1.1.1", "a", time.Hour))
	require.NoError(t, svc.BlockIP("2.2.2.2", "b", 0))
	until := time.Now().Add(-time.Minute)
	require.NoError(t, db.Create(&models.IPBlockRecord{
		UUID: uuid.NewString(), IP: "3.3.3.3", BlockedUntil: &until,
	}).Error)

	n, err := svc.ActiveBlockCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
