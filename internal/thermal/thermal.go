// Package thermal samples platform temperature zones on a background clock
// and runs a hysteretic state machine that the pipeline coordinator consults
// before dispatching a request.
package thermal

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RentaProfessor/blackbox-core/internal/metrics"
)

// State is one of the four thermal states the monitor can occupy.
type State string

const (
	Normal   State = "normal"
	Warning  State = "warning"
	Critical State = "critical"
	Cooldown State = "cooldown"
)

// Reading is a single temperature sample from one zone.
type Reading struct {
	Zone      string
	Celsius   float64
	Timestamp time.Time
}

const maxHistory = 100

// Callback is invoked when the monitor transitions into a state, with a
// snapshot of the temperatures observed at that moment.
type Callback func(state State, temps map[string]float64)

// Config holds the thresholds and cadence for the state machine. Warn,
// Critical and Cooldown must satisfy Cooldown < Warn < Critical; Monitor
// does not validate this itself (see internal/config for the enforced
// invariant at startup).
type Config struct {
	ZoneRoot     string // e.g. /sys/class/thermal; overridable for tests
	Warn         float64
	Critical     float64
	Cooldown     float64
	PollInterval time.Duration
}

// Monitor samples thermal zones on a background goroutine and exposes the
// current state, the most recent temperatures, and a throttle signal.
type Monitor struct {
	cfg   Config
	zones map[string]string // label -> temp file path

	mu        sync.Mutex
	state     State
	readings  []Reading
	callbacks map[State][]Callback

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New discovers thermal zones under cfg.ZoneRoot and returns a Monitor in
// the Normal state. Discovery failures are non-fatal: a monitor with no
// zones still runs, but GetStatus always reports a nil max temperature.
func New(cfg Config) *Monitor {
	return &Monitor{
		cfg:       cfg,
		zones:     discoverZones(cfg.ZoneRoot),
		state:     Normal,
		callbacks: make(map[State][]Callback),
	}
}

func discoverZones(root string) map[string]string {
	zones := make(map[string]string)
	if root == "" {
		root = "/sys/class/thermal"
	}
	if _, err := os.Stat(root); err != nil {
		slog.Warn("thermal zone root not found", "root", root)
		return zones
	}
	for i := 0; i < 10; i++ {
		zoneDir := filepath.Join(root, "thermal_zone"+strconv.Itoa(i))
		tempPath := filepath.Join(zoneDir, "temp")
		typePath := filepath.Join(zoneDir, "type")
		data, err := os.ReadFile(typePath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(tempPath); err != nil {
			continue
		}
		label := strings.TrimSpace(string(data))
		zones[label] = tempPath
	}
	return zones
}

func readTemp(path string) (float64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	millideg, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return float64(millideg) / 1000.0, true
}

// CurrentTemperatures reads every discovered zone and returns a label->°C map.
func (m *Monitor) CurrentTemperatures() map[string]float64 {
	temps := make(map[string]float64, len(m.zones))
	for label, path := range m.zones {
		if c, ok := readTemp(path); ok {
			temps[label] = c
		}
	}
	return temps
}

func maxOf(temps map[string]float64) (float64, bool) {
	first := true
	var max float64
	for _, v := range temps {
		if first || v > max {
			max = v
			first = false
		}
	}
	return max, !first
}

// RegisterCallback registers a callback to fire whenever the monitor
// transitions into state.
func (m *Monitor) RegisterCallback(state State, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[state] = append(m.callbacks[state], cb)
}

// Start launches the background sampler. Calling Start on an already
// running monitor is a no-op with a warning log.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		slog.Warn("thermal monitor already running")
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop()
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	temps := m.CurrentTemperatures()
	maxTemp, ok := maxOf(temps)
	if !ok {
		slog.Warn("no thermal readings available")
		return
	}

	zone := ""
	for label, c := range temps {
		if c == maxTemp {
			zone = label
			break
		}
	}

	m.mu.Lock()
	m.readings = append(m.readings, Reading{Zone: zone, Celsius: maxTemp, Timestamp: time.Now()})
	if len(m.readings) > maxHistory {
		m.readings = m.readings[len(m.readings)-maxHistory:]
	}
	m.mu.Unlock()

	metrics.ThermalMaxCelsius.Set(maxTemp)
	m.updateState(maxTemp, temps)
}

// updateState runs the hysteretic state machine and fires callbacks if the
// state changed. It never transitions out of Critical except through
// TriggerCooldown; exiting Cooldown requires max < cfg.Cooldown.
func (m *Monitor) updateState(maxTemp float64, temps map[string]float64) {
	m.mu.Lock()
	old := m.state

	switch m.state {
	case Cooldown:
		if maxTemp < m.cfg.Cooldown {
			m.state = Normal
		}
	case Critical:
		// sticky
	default:
		switch {
		case maxTemp >= m.cfg.Critical:
			m.state = Critical
		case maxTemp >= m.cfg.Warn:
			m.state = Warning
		default:
			m.state = Normal
		}
	}

	changed := old != m.state
	newState := m.state
	cbs := append([]Callback(nil), m.callbacks[newState]...)
	m.mu.Unlock()

	metrics.ThermalState.Set(stateValue(newState))

	if changed {
		slog.Warn("thermal state changed", "from", old, "to", newState, "max_celsius", maxTemp)
		triggerCallbacks(cbs, newState, temps)
	}
}

// stateValue maps a State to the gauge encoding documented on
// metrics.ThermalState: 0=normal 1=warning 2=critical 3=cooldown.
func stateValue(s State) float64 {
	switch s {
	case Warning:
		return 1
	case Critical:
		return 2
	case Cooldown:
		return 3
	default:
		return 0
	}
}

func triggerCallbacks(cbs []Callback, state State, temps map[string]float64) {
	for _, cb := range cbs {
		safeInvoke(cb, state, temps)
	}
}

func safeInvoke(cb Callback, state State, temps map[string]float64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("thermal callback panicked", "panic", r)
		}
	}()
	cb(state, temps)
}

// TriggerCooldown forces the monitor into Cooldown regardless of current
// temperature. This is the only way to exit Critical.
func (m *Monitor) TriggerCooldown() {
	m.mu.Lock()
	old := m.state
	m.state = Cooldown
	cbs := append([]Callback(nil), m.callbacks[Cooldown]...)
	m.mu.Unlock()

	metrics.ThermalState.Set(stateValue(Cooldown))
	slog.Warn("manual cooldown triggered", "was", old)
	triggerCallbacks(cbs, Cooldown, m.CurrentTemperatures())
}

// State returns the current thermal state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ShouldThrottle reports whether the coordinator should record throttled
// behavior for the current request. It never rejects a request by itself.
func (m *Monitor) ShouldThrottle() bool {
	s := m.State()
	return s == Critical || s == Cooldown
}

// Status is a snapshot of the monitor suitable for health/metrics endpoints.
type Status struct {
	State          State
	Temperatures   map[string]float64
	MaxTemperature *float64
	Warn           float64
	Critical       float64
	Cooldown       float64
	IsThrottling   bool
	Running        bool
}

// GetStatus returns a consistent snapshot of the monitor's state.
func (m *Monitor) GetStatus() Status {
	temps := m.CurrentTemperatures()
	var maxTemp *float64
	if v, ok := maxOf(temps); ok {
		maxTemp = &v
	}

	m.mu.Lock()
	state := m.state
	running := m.running
	m.mu.Unlock()

	return Status{
		State:          state,
		Temperatures:   temps,
		MaxTemperature: maxTemp,
		Warn:           m.cfg.Warn,
		Critical:       m.cfg.Critical,
		Cooldown:       m.cfg.Cooldown,
		IsThrottling:   state == Critical || state == Cooldown,
		Running:        running,
	}
}

// History returns a copy of the ring buffer of recent readings, oldest first.
func (m *Monitor) History() []Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reading, len(m.readings))
	copy(out, m.readings)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Stop requests the sampler goroutine to terminate and waits up to 5s.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("thermal monitor stop timed out")
	}
}

// Running reports whether the sampler goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
