package vm

import "flywheel/hw/x86"

// pic models one 8259A interrupt controller far enough to observe the
// remap-and-mask sequence the first stage performs: the ICW1..ICW4
// initialization handshake on the command port and mask writes on the
// data port.
type pic struct {
	initStep   int // 0 = not initializing; 1..3 = awaiting ICW2..ICW4
	needsICW4  bool
	vectorBase uint8
	mask       uint8
	ready      bool
}

func newPIC() *pic {
	// Power-on state: nothing masked, no vectors programmed.
	return &pic{}
}

func (p *pic) writeCommand(v uint8) {
	if v&x86.ICW1Init != 0 {
		p.initStep = 1
		p.needsICW4 = v&x86.ICW1NeedsICW4 != 0
		p.ready = false
		return
	}
	// EOI and other OCW2/OCW3 traffic is accepted and ignored.
}

func (p *pic) writeData(v uint8) {
	switch p.initStep {
	case 1: // ICW2: vector base
		p.vectorBase = v
		p.initStep = 2
	case 2: // ICW3: cascade wiring
		if p.needsICW4 {
			p.initStep = 3
		} else {
			p.initStep = 0
			p.ready = true
		}
	case 3: // ICW4: mode
		p.initStep = 0
		p.ready = true
	default: // OCW1: interrupt mask
		p.mask = v
	}
}

func (p *pic) readData() uint8 { return p.mask }
