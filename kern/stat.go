package kern

import "sync/atomic"

// Stats is the kernel's running counters. Increments come from
// interrupt context in principle, so everything here is atomic.
type Stats struct {
	timerTicks uint64
	keyPresses uint64
	heapAllocs uint64
	cellAllocs uint64
}

// Metrics is a point-in-time copy of the counters.
type Metrics struct {
	TimerTicks uint64
	KeyPresses uint64
	HeapAllocs uint64
	CellAllocs uint64
}

func (s *Stats) TimerTick() { atomic.AddUint64(&s.timerTicks, 1) }
func (s *Stats) KeyPress()  { atomic.AddUint64(&s.keyPresses, 1) }
func (s *Stats) HeapAlloc() { atomic.AddUint64(&s.heapAllocs, 1) }
func (s *Stats) CellAlloc() { atomic.AddUint64(&s.cellAllocs, 1) }

// Snapshot reads every counter once.
func (s *Stats) Snapshot() Metrics {
	return Metrics{
		TimerTicks: atomic.LoadUint64(&s.timerTicks),
		KeyPresses: atomic.LoadUint64(&s.keyPresses),
		HeapAllocs: atomic.LoadUint64(&s.heapAllocs),
		CellAllocs: atomic.LoadUint64(&s.cellAllocs),
	}
}
