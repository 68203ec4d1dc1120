package xfer

import "sync/atomic"

// XferPort is a typed transfer endpoint (spec.md §3): a flat base
// pointer, an address list cursor walking the ranges assigned to it, a
// running byte total, its backing memory, and the GPU it lives on when
// device-resident.
type XferPort struct {
	BasePtr    uintptr
	HasBasePtr bool
	Cursor     *AddressListCursor
	Mem        MemoryCapability
	GPU        *GPU

	localBytesTotal uint64
}

// NewXferPort resolves mem's flat base pointer up front (spec.md §6's
// get_direct_ptr(0, 0) idiom, mirrored from hip_internal.cc) and wraps it
// with cursor.
func NewXferPort(mem MemoryCapability, cursor *AddressListCursor) *XferPort {
	p := &XferPort{Mem: mem, Cursor: cursor}
	if mem != nil {
		if ptr, ok := mem.DirectPtr(0, 0); ok {
			p.BasePtr, p.HasBasePtr = ptr, true
		}
		if mem.Kind() == MemGPUFB {
			p.GPU = mem.GPU()
		}
	}
	return p
}

// LocalBytesTotal returns the port's monotonically non-decreasing
// byte-progress counter (spec.md §3 invariant).
func (p *XferPort) LocalBytesTotal() uint64 {
	return atomic.LoadUint64(&p.localBytesTotal)
}

func (p *XferPort) addBytes(n uintptr) {
	atomic.AddUint64(&p.localBytesTotal, uint64(n))
}

// portControlBlock tracks which port in a side's list is currently
// active, advancing past any whose cursor has been fully consumed
// (spec.md §3, "input/output control blocks: current port index,
// remaining count, eos flag").
type portControlBlock struct {
	ports []*XferPort
	idx   int
}

// current returns the active port, or nil once every port on this side
// has reached end-of-stream.
func (b *portControlBlock) current() *XferPort {
	for b.idx < len(b.ports) {
		p := b.ports[b.idx]
		if !p.Cursor.Done() {
			return p
		}
		b.idx++
	}
	return nil
}

func (b *portControlBlock) currentIndex() int {
	if b.idx >= len(b.ports) {
		return -1
	}
	return b.idx
}
