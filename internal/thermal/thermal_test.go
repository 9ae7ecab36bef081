package thermal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	return New(Config{
		ZoneRoot: t.TempDir(), // no zones discovered; state driven directly via updateState
		Warn:     75.0,
		Critical: 85.0,
		Cooldown: 70.0,
	})
}

func TestHysteresisFromCooldown(t *testing.T) {
	m := newTestMonitor(t)
	m.mu.Lock()
	m.state = Cooldown
	m.mu.Unlock()

	m.updateState(69.0, map[string]float64{"cpu": 69.0})
	assert.Equal(t, Normal, m.State())
}

func TestHysteresisWarnBoundary(t *testing.T) {
	m := newTestMonitor(t)

	m.updateState(74.999, map[string]float64{"cpu": 74.999})
	require.Equal(t, Normal, m.State())

	m.updateState(75.0, map[string]float64{"cpu": 75.0})
	assert.Equal(t, Warning, m.State())
}

func TestHysteresisCriticalIsStickyUntilCooldown(t *testing.T) {
	m := newTestMonitor(t)

	m.updateState(85.0, map[string]float64{"cpu": 85.0})
	require.Equal(t, Critical, m.State())

	// A reading back in the Normal range must NOT exit Critical on its own.
	m.updateState(50.0, map[string]float64{"cpu": 50.0})
	require.Equal(t, Critical, m.State())

	m.TriggerCooldown()
	require.Equal(t, Cooldown, m.State())

	m.updateState(69.0, map[string]float64{"cpu": 69.0})
	assert.Equal(t, Normal, m.State())
}

func TestShouldThrottle(t *testing.T) {
	m := newTestMonitor(t)
	assert.False(t, m.ShouldThrottle())

	m.updateState(90.0, map[string]float64{"cpu": 90.0})
	assert.True(t, m.ShouldThrottle())
}

func TestCallbacksFireOnTransitionOnly(t *testing.T) {
	m := newTestMonitor(t)
	fired := 0
	m.RegisterCallback(Critical, func(State, map[string]float64) { fired++ })

	m.updateState(90.0, map[string]float64{"cpu": 90.0})
	m.updateState(91.0, map[string]float64{"cpu": 91.0}) // still Critical, no new transition

	assert.Equal(t, 1, fired)
}

func TestCallbackPanicDoesNotCrashMonitor(t *testing.T) {
	m := newTestMonitor(t)
	m.RegisterCallback(Warning, func(State, map[string]float64) { panic("boom") })

	assert.NotPanics(t, func() {
		m.updateState(76.0, map[string]float64{"cpu": 76.0})
	})
	assert.Equal(t, Warning, m.State())
}

func TestStartIdempotent(t *testing.T) {
	m := newTestMonitor(t)
	m.cfg.PollInterval = 0
	m.Start()
	defer m.Stop()
	assert.True(t, m.Running())

	m.Start() // no-op, logs a warning
	assert.True(t, m.Running())
}
