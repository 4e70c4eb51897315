package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegister(t *testing.T) {
	registry := prometheus.NewRegistry()
	Register(registry)

	families, err := registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestSetBlockedIPs(t *testing.T) {
	SetBlockedIPs(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(blockedIPsGauge))

	SetBlockedIPs(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(blockedIPsGauge))
}

func TestSetEmergencyMode(t *testing.T) {
	SetEmergencyMode(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(emergencyModeGauge))

	SetEmergencyMode(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(emergencyModeGauge))
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("notifications", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(breakerStateGauge.WithLabelValues("notifications")))
}
