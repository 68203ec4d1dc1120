package xferrt

import (
	"sync/atomic"

	"github.com/neurogrid/gpuxfer/pkg/xfer"
)

// BatchSource is a mock AddressBatchSource that governs a single
// descriptor's overall transfer size: each call to GetAddresses hands
// out up to minXferSize more bytes of the remaining budget, and
// RecordAddressConsumption reports done once the whole budget has been
// consumed. It has no direct teacher analog -- it's a stand-in for
// Realm's TransferIterator/DmaRequest coupling, kept deliberately
// minimal since spec.md places it out of scope.
type BatchSource struct {
	totalBytes uintptr
	consumed   atomic.Uintptr
}

var _ xfer.AddressBatchSource = (*BatchSource)(nil)

// NewBatchSource builds a source that will exhaust after totalBytes.
func NewBatchSource(totalBytes uintptr) *BatchSource {
	return &BatchSource{totalBytes: totalBytes}
}

// GetAddresses returns up to minXferSize bytes of whatever budget
// remains, or 0 once exhausted.
func (b *BatchSource) GetAddresses(minXferSize uintptr, rseq *xfer.SequenceCache) uintptr {
	if rseq != nil {
		rseq.Flush()
	}
	remaining := b.totalBytes - b.consumed.Load()
	if remaining == 0 {
		return 0
	}
	if remaining < minXferSize {
		return remaining
	}
	return minXferSize
}

// RecordAddressConsumption tracks the larger of the two sides consumed
// this call (for a pure copy they're equal; for a fill only the write
// side is meaningful) against the overall budget.
func (b *BatchSource) RecordAddressConsumption(inBytes, outBytes uintptr) bool {
	n := inBytes
	if outBytes > n {
		n = outBytes
	}
	total := b.consumed.Add(n)
	return total >= b.totalBytes
}

// UpdateBytesRead and UpdateBytesWrite are no-ops in the mock; tests that
// need to observe fence coverage read XferPort.LocalBytesTotal directly.
func (b *BatchSource) UpdateBytesRead(port *xfer.XferPort, offset, size uintptr)  {}
func (b *BatchSource) UpdateBytesWrite(port *xfer.XferPort, offset, size uintptr) {}

// Consumed reports the running total, for tests.
func (b *BatchSource) Consumed() uintptr {
	return b.consumed.Load()
}
