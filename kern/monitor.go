package kern

import "flywheel/lib/murmur"

// Anomaly identifies one class of runtime integrity violation. The
// declaration order is the detection priority: when several checks
// fire on the same scan, only the highest-priority one is recorded.
type Anomaly int

const (
	MemoryCorruption Anomaly = iota
	AddressSpaceViolation
	UnauthorizedAccess
	TimestampMismatch
)

func (a Anomaly) String() string {
	switch a {
	case MemoryCorruption:
		return "memory corruption"
	case AddressSpaceViolation:
		return "address space violation"
	case UnauthorizedAccess:
		return "unauthorized access"
	case TimestampMismatch:
		return "timestamp mismatch"
	}
	return "unknown anomaly"
}

// Health is the monitor's position in its escalation ladder.
type Health int

const (
	Nominal Health = iota
	Degraded
	HaltedState
)

func (h Health) String() string {
	switch h {
	case Nominal:
		return "nominal"
	case Degraded:
		return "degraded"
	case HaltedState:
		return "halted"
	}
	return "unknown"
}

// anomalyLimit is the count the monitor tolerates; the first anomaly
// beyond it freezes the system.
const anomalyLimit = 5

// Check pairs an anomaly class with its predicate. Predicates must be
// cheap; they run on every scan.
type Check struct {
	Anomaly Anomaly
	Fn      func() bool
}

// Monitor watches a fixed set of integrity checks and escalates:
// every detected anomaly moves it from Nominal to Degraded, and the
// anomaly that pushes the count past the limit halts the system for
// good. Halting is one way; no check result un-freezes a machine.
type Monitor struct {
	state  *State
	log    *murmur.Logger
	halt   func()
	checks []Check

	health  Health
	history []Anomaly
}

// NewMonitor builds a monitor over the given kernel state. halt is
// invoked exactly once, when the anomaly count crosses the limit.
func NewMonitor(state *State, log *murmur.Logger, halt func(), checks []Check) *Monitor {
	return &Monitor{
		state:  state,
		log:    log,
		halt:   halt,
		checks: checks,
		health: Nominal,
	}
}

// Scan evaluates the checks in priority order and records at most one
// anomaly. It reports whether one was detected. After the monitor has
// halted the system, scans are inert.
func (m *Monitor) Scan() bool {
	if m.health == HaltedState {
		return false
	}
	for _, c := range m.checks {
		if !c.Fn() {
			continue
		}
		m.record(c.Anomaly)
		return true
	}
	return false
}

func (m *Monitor) record(a Anomaly) {
	m.state.AnomalyCount++
	m.history = append(m.history, a)
	if m.state.AnomalyCount > anomalyLimit {
		m.health = HaltedState
		m.state.SystemFrozen = true
		m.log.Fatalf("anomaly %v, count %d: freezing system", a, m.state.AnomalyCount)
		if m.halt != nil {
			m.halt()
		}
		return
	}
	m.health = Degraded
	m.log.Warnf("anomaly %v, count %d of %d tolerated", a, m.state.AnomalyCount, anomalyLimit)
}

// Health reports the current escalation state.
func (m *Monitor) Health() Health { return m.health }

// History returns the anomalies recorded so far, oldest first.
func (m *Monitor) History() []Anomaly {
	out := make([]Anomaly, len(m.history))
	copy(out, m.history)
	return out
}
