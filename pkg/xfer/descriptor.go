package xfer

import (
	"sync"
	"sync/atomic"
)

// XferDesKind tags which variant a descriptor is, replacing the virtual
// dispatch hierarchy of the source per spec.md §9: the channel decides at
// creation which variant to build, and both variants share the same
// progress contract.
type XferDesKind int

const (
	XferDesKindCopy XferDesKind = iota
	XferDesKindFill
)

func (k XferDesKind) String() string {
	if k == XferDesKindFill {
		return "fill"
	}
	return "copy"
}

// RedopInfo names a reduction operator to apply during a transfer.
// Reduction is out of scope for this engine (spec.md §1 Non-goals); the
// only legal value at CreateXferDes is the identity, ID == 0.
type RedopInfo struct {
	ID int
}

// XferDes is a transfer descriptor: input/output ports, a priority, and
// -- for fill descriptors -- a fill payload and its reduced size. It
// holds one logical reference plus one extra reference per outstanding
// completion fence, and is torn down only when that count reaches zero
// (spec.md §3 invariant).
type XferDes struct {
	Kind XferDesKind

	inCtrl  portControlBlock
	outCtrl portControlBlock

	Priority int

	FillData        []byte
	ReducedFillSize int

	refCount            atomic.Int32
	iterationCompleted  atomic.Bool

	readSeq  *SequenceCache
	writeSeq *SequenceCache

	batchSource AddressBatchSource
	channel     *Channel

	holeOffset atomic.Uintptr

	// dispatchMu is held for the duration of one Progress call when the
	// owning channel runs in ordered mode, keeping a descriptor
	// single-threaded at any instant (spec.md §5).
	dispatchMu sync.Mutex
}

func newXferDes(kind XferDesKind, inputs, outputs []*XferPort, priority int, fillData []byte, reducedFillSize int, batchSource AddressBatchSource, ch *Channel) *XferDes {
	d := &XferDes{
		Kind:            kind,
		inCtrl:          portControlBlock{ports: inputs},
		outCtrl:         portControlBlock{ports: outputs},
		Priority:        priority,
		FillData:        fillData,
		ReducedFillSize: reducedFillSize,
		batchSource:     batchSource,
		channel:         ch,
	}
	d.refCount.Store(1)
	d.readSeq = NewSequenceCache(func(start, length uintptr) {
		logXD.Debugf("read span start=%d length=%d", start, length)
	})
	d.writeSeq = NewSequenceCache(func(start, length uintptr) {
		logXD.Debugf("write span start=%d length=%d", start, length)
	})
	return d
}

// AddReference acquires an extra reference, used by an in-flight
// completion fence to keep the descriptor alive until it retires
// (spec.md §6, "Exposed... reference operations").
func (d *XferDes) AddReference() {
	d.refCount.Add(1)
}

// RemoveReference releases a reference and tears the descriptor down
// once the count reaches zero.
func (d *XferDes) RemoveReference() {
	if d.refCount.Add(-1) == 0 {
		d.onDestroy()
	}
}

func (d *XferDes) onDestroy() {
	logXD.Debugf("descriptor destroyed kind=%s", d.Kind)
}

// RefCount reports the current reference count, for tests.
func (d *XferDes) RefCount() int32 {
	return d.refCount.Load()
}

// Done reports whether the descriptor's iteration has completed. Ports
// may still have outstanding completion fences even after Done returns
// true; RefCount reaching zero is the actual teardown signal.
func (d *XferDes) Done() bool {
	return d.iterationCompleted.Load()
}

// Progress advances the descriptor as far as it can before workUntil
// expires, dispatching to the copy or fill engine per its kind.
func (d *XferDes) Progress(workUntil Deadline) (bool, error) {
	if d.channel != nil && d.channel.Config.OrderedMode {
		d.dispatchMu.Lock()
		defer d.dispatchMu.Unlock()
	}
	switch d.Kind {
	case XferDesKindFill:
		return d.progressFill(workUntil)
	default:
		return d.progressCopy(workUntil)
	}
}
