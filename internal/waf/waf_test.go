package waf

import (
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/pricesentry/pricesentry/internal/models"
)

func setupWAFTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Violation{}))
	return db
}

type fakeBlocker struct {
	blocked []string
}

func (f *fakeBlocker) BlockIP(ip, reason string, d time.Duration) error {
	f.blocked = append(f.blocked, ip)
	return nil
}

func TestEvaluate_SQLInjectionInBody(t *testing.T) {
	svc := NewService(setupWAFTestDB(t), DefaultRules(), nil)

	req := httptest.NewRequest("POST", "/api/v1/favorites", nil)
	matches := svc.Evaluate(req, `{"name": "' OR 1=1 --"}`)

	assert.NotEmpty(t, matches)
	assert.True(t, ShouldBlock(matches))

	var ids []string
	for _, m := range matches {
		ids = append(ids, m.Rule.ID)
	}
	assert.Contains(t, ids, "sqli-or-true")
}

func TestEvaluate_PublicPathBypassesRules(t *testing.T) {
	svc := NewService(setupWAFTestDB(t), DefaultRules(), nil)

	// Payload would match several rules but the path is allow-listed.
	req := httptest.NewRequest("GET", "/api/v1/health?x=<script>alert(1)</script>", nil)
	matches := svc.Evaluate(req, "' OR 1=1 --")
	assert.Empty(t, matches)
}

func TestEvaluate_SafeQueryParamsNotScanned(t *testing.T) {
	svc := NewService(setupWAFTestDB(t), DefaultRules(), nil)

	// "q" is a known search parameter; SQL-looking search text is fine.
	req := httptest.NewRequest("GET", "/api/v1/products?q=union+select+monitor", nil)
	matches := svc.Evaluate(req, "")
	assert.Empty(t, matches)

	// The same payload in an unknown parameter is scanned.
	req = httptest.NewRequest("GET", "/api/v1/products?filter=union+select+1", nil)
	matches = svc.Evaluate(req, "")
	assert.NotEmpty(t, matches)
}

func TestEvaluate_XSSInQuery(t *testing.T) {
	svc := NewService(setupWAFTestDB(t), DefaultRules(), nil)

	req := httptest.NewRequest("GET", "/api/v1/products?name=%3Cscript%3Ealert(1)%3C/script%3E", nil)
	matches := svc.Evaluate(req, "")
	assert.NotEmpty(t, matches)
	assert.True(t, ShouldBlock(matches))
}

func TestRecord_PersistsViolationWithRuleID(t *testing.T) {
	db := setupWAFTestDB(t)
	svc := NewService(db, DefaultRules(), nil)

	req := httptest.NewRequest("POST", "/api/v1/favorites", nil)
	body := `{"note": "../../etc/passwd"}`
	matches := svc.Evaluate(req, body)
	require.NotEmpty(t, matches)

	svc.Record("9.9.9.9", req, body, matches)

	var violations []models.Violation
	require.NoError(t, db.Find(&violations).Error)
	require.NotEmpty(t, violations)
	assert.Equal(t, "9.9.9.9", violations[0].IP)
	assert.NotEmpty(t, violations[0].RuleID)
	assert.LessOrEqual(t, len(violations[0].Body), 1000)
}

func TestRecord_CriticalMatchRequestsIPBlock(t *testing.T) {
	db := setupWAFTestDB(t)
	fb := &fakeBlocker{}
	svc := NewService(db, DefaultRules(), fb)

	req := httptest.NewRequest("POST", "/api/v1/favorites", nil)
	body := `; DROP TABLE users`
	matches := svc.Evaluate(req, body)
	require.True(t, ShouldBlock(matches))

	svc.Record("6.6.6.6", req, body, matches)
	assert.Contains(t, fb.blocked, "6.6.6.6")
}

func TestTopRulesAndTopIPs(t *testing.T) {
	db := setupWAFTestDB(t)
	svc := NewService(db, DefaultRules(), nil)

	req := httptest.NewRequest("POST", "/api/v1/favorites", nil)
	for i := 0; i < 3; i++ {
		matches := svc.Evaluate(req, `' OR 1=1 --`)
		svc.Record("1.2.3.4", req, `' OR 1=1 --`, matches)
	}
	matches := svc.Evaluate(req, `<script>x</script>`)
	svc.Record("5.6.7.8", req, `<script>x</script>`, matches)

	rules, err := svc.TopRules(24*time.Hour, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, rules)

	ips, err := svc.TopIPs(24*time.Hour, 5)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", ips[0].Key)
}

func TestLoadRules_InvalidPatternFails(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/rules.yaml"
	content := "rules:\n  - id: bad\n    pattern: '('\n    severity: low\n    action: log\n"
	require.NoError(t, writeFile(path, content))

	_, err := LoadRules(path)
	assert.Error(t, err)
}

func TestLoadRules_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/rules.yaml"
	content := `rules:
  - id: custom-1
    description: custom marker
    category: custom
    pattern: "evil-payload"
    severity: high
    action: block
`
	require.NoError(t, writeFile(path, content))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "custom-1", rules[0].ID)
	assert.Equal(t, ActionBlock, rules[0].Action)
	assert.True(t, rules[0].Pattern.MatchString("evil-payload"))
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
