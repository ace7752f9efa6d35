package kern

import (
	"bytes"
	"strings"
	"testing"

	"flywheel/lib/murmur"
)

func flag(v *bool) func() bool {
	return func() bool { return *v }
}

func newTestMonitor(state *State, halted *bool, fire ...*bool) (*Monitor, *bytes.Buffer) {
	var out bytes.Buffer
	anomalies := []Anomaly{MemoryCorruption, AddressSpaceViolation, UnauthorizedAccess, TimestampMismatch}
	var checks []Check
	for i, f := range fire {
		checks = append(checks, Check{Anomaly: anomalies[i], Fn: flag(f)})
	}
	m := NewMonitor(state, murmur.New(&out), func() { *halted = true }, checks)
	return m, &out
}

func TestMonitorStaysNominalWhenQuiet(t *testing.T) {
	var state State
	var halted, fire bool
	m, _ := newTestMonitor(&state, &halted, &fire)

	for i := 0; i < 10; i++ {
		if m.Scan() {
			t.Fatal("scan detected an anomaly with no check firing")
		}
	}
	if m.Health() != Nominal {
		t.Errorf("health %v, want nominal", m.Health())
	}
	if state.AnomalyCount != 0 || state.SystemFrozen {
		t.Errorf("state mutated: %+v", state)
	}
}

func TestMonitorRecordsOnlyHighestPriority(t *testing.T) {
	var state State
	var halted bool
	corrupt, violation := true, true
	m, _ := newTestMonitor(&state, &halted, &corrupt, &violation)

	if !m.Scan() {
		t.Fatal("scan missed firing checks")
	}
	if state.AnomalyCount != 1 {
		t.Errorf("count %d after one scan, want 1", state.AnomalyCount)
	}
	got := m.History()
	if len(got) != 1 || got[0] != MemoryCorruption {
		t.Errorf("history %v, want only the memory corruption", got)
	}
}

func TestMonitorHaltsOnSixthAnomaly(t *testing.T) {
	var state State
	var halted, fire bool
	fire = true
	m, out := newTestMonitor(&state, &halted, &fire)

	for i := 1; i <= 5; i++ {
		m.Scan()
		if halted {
			t.Fatalf("halted after %d anomalies", i)
		}
		if m.Health() != Degraded {
			t.Fatalf("health %v after %d anomalies, want degraded", m.Health(), i)
		}
		if state.SystemFrozen {
			t.Fatalf("frozen after %d anomalies", i)
		}
	}

	m.Scan()
	if !halted {
		t.Error("sixth anomaly did not halt")
	}
	if m.Health() != HaltedState {
		t.Errorf("health %v, want halted", m.Health())
	}
	if !state.SystemFrozen {
		t.Error("state not frozen")
	}
	if state.AnomalyCount != 6 {
		t.Errorf("count %d, want 6", state.AnomalyCount)
	}
	if !strings.Contains(out.String(), "FATAL:") {
		t.Errorf("no fatal diagnostic, log was %q", out.String())
	}

	// Once halted the monitor is inert.
	if m.Scan() {
		t.Error("scan after halt still records")
	}
	if state.AnomalyCount != 6 {
		t.Errorf("count moved to %d after halt", state.AnomalyCount)
	}
}

func TestMonitorAnomalyNames(t *testing.T) {
	names := map[Anomaly]string{
		MemoryCorruption:      "memory corruption",
		AddressSpaceViolation: "address space violation",
		UnauthorizedAccess:    "unauthorized access",
		TimestampMismatch:     "timestamp mismatch",
	}
	for a, want := range names {
		if a.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(a), a.String(), want)
		}
	}
}
