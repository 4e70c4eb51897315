package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string

	// RedisAddr selects the shared TTL key-value store. Empty means the
	// in-process store, which is only suitable for single-node deployments.
	RedisAddr     string
	RedisPassword string

	// JWTSecret verifies bearer tokens issued by the identity layer.
	JWTSecret string

	// MasterKeyHex is the 32-byte hex-encoded key for at-rest encryption.
	MasterKeyHex string

	// AlertURLs are shoutrrr destinations for new security alerts.
	AlertURLs []string

	// WAFRulesPath optionally overrides the built-in rule table.
	WAFRulesPath string

	DDoS    DDoSConfig
	Threat  ThreatConfig
	Anomaly AnomalyConfig
	Monitor MonitorConfig
	Secrets SecretsConfig
}

// DDoSConfig tunes the volumetric protection layer.
type DDoSConfig struct {
	Window          time.Duration
	IPThreshold     int64
	GlobalThreshold int64
	BurstWindow     time.Duration
	BurstThreshold  int64
	EmergencyTTL    time.Duration
	ChallengeTTL    time.Duration
	ChallengeScore  int
	DistributedIPs  int64
	SlowConnections int64
}

// ThreatConfig tunes intrusion scoring. The weights are a starting policy,
// not a calibrated model; operators are expected to adjust them.
type ThreatConfig struct {
	Window           time.Duration
	WeightLow        int
	WeightMedium     int
	WeightHigh       int
	WeightCritical   int
	ActiveBlockBonus int
	BlockedThreshold int
	DefaultBlock     time.Duration
}

// AnomalyConfig tunes behavioral detection.
type AnomalyConfig struct {
	ProfileWindow      time.Duration
	BlockScore         int
	StuffingEmails     int64
	StuffingWindow     time.Duration
	StuffingBlock      time.Duration
	TakeoverScore      int
	BotMinInterval     time.Duration
	SensitiveEndpoints []string
}

// MonitorConfig tunes the alerting loop.
type MonitorConfig struct {
	Interval         time.Duration
	AlertDedupWindow time.Duration
	CriticalPerHour  int64
	MaxBlockedIPs    int64
	Retention        time.Duration
}

// SecretsConfig tunes rotation policy.
type SecretsConfig struct {
	RotationInterval time.Duration
}

// Load reads env vars and falls back to defaults so the server can boot with
// zero configuration.
func Load() (Config, error) {
	cfg := Config{
		Environment:   getEnv("PS_ENV", "development"),
		HTTPPort:      getEnv("PS_HTTP_PORT", "8080"),
		DatabasePath:  getEnv("PS_DB_PATH", filepath.Join("data", "pricesentry.db")),
		RedisAddr:     getEnv("PS_REDIS_ADDR", ""),
		RedisPassword: getEnv("PS_REDIS_PASSWORD", ""),
		JWTSecret:     getEnv("PS_JWT_SECRET", ""),
		MasterKeyHex:  getEnv("PS_MASTER_KEY", ""),
		WAFRulesPath:  getEnv("PS_WAF_RULES", ""),
		DDoS: DDoSConfig{
			Window:          getDuration("PS_DDOS_WINDOW", time.Minute),
			IPThreshold:     getInt64("PS_DDOS_IP_THRESHOLD", 1000),
			GlobalThreshold: getInt64("PS_DDOS_GLOBAL_THRESHOLD", 50000),
			BurstWindow:     getDuration("PS_DDOS_BURST_WINDOW", 10*time.Second),
			BurstThreshold:  getInt64("PS_DDOS_BURST_THRESHOLD", 50),
			EmergencyTTL:    getDuration("PS_DDOS_EMERGENCY_TTL", time.Hour),
			ChallengeTTL:    getDuration("PS_DDOS_CHALLENGE_TTL", 5*time.Minute),
			ChallengeScore:  getInt("PS_DDOS_CHALLENGE_SCORE", 70),
			DistributedIPs:  getInt64("PS_DDOS_DISTRIBUTED_IPS", 1000),
			SlowConnections: getInt64("PS_DDOS_SLOW_CONNECTIONS", 20),
		},
		Threat: ThreatConfig{
			Window:           getDuration("PS_THREAT_WINDOW", time.Hour),
			WeightLow:        getInt("PS_THREAT_WEIGHT_LOW", 5),
			WeightMedium:     getInt("PS_THREAT_WEIGHT_MEDIUM", 10),
			WeightHigh:       getInt("PS_THREAT_WEIGHT_HIGH", 20),
			WeightCritical:   getInt("PS_THREAT_WEIGHT_CRITICAL", 40),
			ActiveBlockBonus: getInt("PS_THREAT_BLOCK_BONUS", 30),
			BlockedThreshold: getInt("PS_THREAT_BLOCKED_THRESHOLD", 70),
			DefaultBlock:     getDuration("PS_THREAT_DEFAULT_BLOCK", time.Hour),
		},
		Anomaly: AnomalyConfig{
			ProfileWindow:  getDuration("PS_ANOMALY_PROFILE_WINDOW", 7*24*time.Hour),
			BlockScore:     getInt("PS_ANOMALY_BLOCK_SCORE", 70),
			StuffingEmails: getInt64("PS_ANOMALY_STUFFING_EMAILS", 10),
			StuffingWindow: getDuration("PS_ANOMALY_STUFFING_WINDOW", 5*time.Minute),
			StuffingBlock:  getDuration("PS_ANOMALY_STUFFING_BLOCK", time.Hour),
			TakeoverScore:  getInt("PS_ANOMALY_TAKEOVER_SCORE", 70),
			BotMinInterval: getDuration("PS_ANOMALY_BOT_INTERVAL", 100*time.Millisecond),
			SensitiveEndpoints: []string{
				"/api/v1/admin", "/api/v1/keys", "/api/v1/sessions", "/api/v1/audit",
			},
		},
		Monitor: MonitorConfig{
			Interval:         getDuration("PS_MONITOR_INTERVAL", time.Minute),
			AlertDedupWindow: getDuration("PS_MONITOR_DEDUP_WINDOW", time.Hour),
			CriticalPerHour:  getInt64("PS_MONITOR_CRITICAL_PER_HOUR", 10),
			MaxBlockedIPs:    getInt64("PS_MONITOR_MAX_BLOCKED_IPS", 100),
			Retention:        getDuration("PS_MONITOR_RETENTION", 30*24*time.Hour),
		},
		Secrets: SecretsConfig{
			RotationInterval: getDuration("PS_SECRET_ROTATION_INTERVAL", 90*24*time.Hour),
		},
	}

	if urls := getEnv("PS_ALERT_URLS", ""); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.AlertURLs = append(cfg.AlertURLs, u)
			}
		}
	}

	// Scores cap at 100, so a threshold above that can never fire and
	// silently disables the stage it gates.
	for name, score := range map[string]int{
		"PS_THREAT_BLOCKED_THRESHOLD": cfg.Threat.BlockedThreshold,
		"PS_DDOS_CHALLENGE_SCORE":     cfg.DDoS.ChallengeScore,
		"PS_ANOMALY_BLOCK_SCORE":      cfg.Anomaly.BlockScore,
		"PS_ANOMALY_TAKEOVER_SCORE":   cfg.Anomaly.TakeoverScore,
	} {
		if score < 0 || score > 100 {
			return Config{}, fmt.Errorf("%s must be between 0 and 100, got %d", name, score)
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
