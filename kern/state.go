package kern

// State is the kernel's own record of how the boot went and how the
// run is going. The monitor owns AnomalyCount and SystemFrozen once
// bring-up completes.
type State struct {
	// BootTime is the tick-counter reading captured at bring-up.
	BootTime uint64

	// AnomalyCount is the number of anomalies recorded so far.
	AnomalyCount uint32

	// SystemFrozen is set when the monitor halts the system; nothing
	// clears it.
	SystemFrozen bool

	// HeapRegion is the heap range bring-up initialized.
	HeapRegion Region
}

// Region is a half-open address range.
type Region struct {
	Start uint64
	Size  uint64
}
