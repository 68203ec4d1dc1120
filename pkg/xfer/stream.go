package xfer

import "sync/atomic"

// StreamHandle wraps a driver-level async command queue with the
// rate-limit admission check spec.md §4.3 requires: a stream refuses new
// work once its in-flight byte count would exceed a configured ceiling,
// and callers must break out of their progress loop rather than block.
type StreamHandle struct {
	driver Driver
	gpu    *GPU
	id     StreamID

	maxInFlightBytes uintptr
	inFlightBytes    int64

	// onSubmit, when set, is called for every driver call this stream
	// issues -- the hook pkg/xfer/trace attaches to record a replayable
	// trace without this package depending on the trace format.
	onSubmit func(kind string, bytes, lines, planes uintptr)

	// onFence, when set, is called every time a fence posted on this
	// stream retires, with the byte span the fence covers -- the
	// counterpart to onSubmit that lets a trace consumer check fence
	// coverage.
	onFence func(fenceBytes uintptr)
}

// SetTraceHook installs (or clears, with nil) a callback invoked on
// every submitted driver call.
func (s *StreamHandle) SetTraceHook(hook func(kind string, bytes, lines, planes uintptr)) {
	s.onSubmit = hook
}

// SetFenceHook installs (or clears, with nil) a callback invoked every
// time a fence posted on this stream retires, just before the fence's
// own callback runs.
func (s *StreamHandle) SetFenceHook(hook func(fenceBytes uintptr)) {
	s.onFence = hook
}

func (s *StreamHandle) trace(kind string, bytes, lines, planes uintptr) {
	if s.onSubmit != nil {
		s.onSubmit(kind, bytes, lines, planes)
	}
}

func (s *StreamHandle) traceFence(fenceBytes uintptr) {
	if s.onFence != nil {
		s.onFence(fenceBytes)
	}
}

func newStreamHandle(driver Driver, gpu *GPU, maxInFlightBytes uintptr) (*StreamHandle, error) {
	id, err := driver.NewStream(gpu)
	if err != nil {
		return nil, wrapDriverErr("NewStream", err)
	}
	return &StreamHandle{driver: driver, gpu: gpu, id: id, maxInFlightBytes: maxInFlightBytes}, nil
}

// GPU returns the stream's owning device.
func (s *StreamHandle) GPU() *GPU { return s.gpu }

// Admit implements the rate-limit check: it returns false, admitting
// nothing, if accepting bytes more in flight would exceed the
// configured ceiling. A zero ceiling means unlimited.
func (s *StreamHandle) Admit(bytes uintptr, xd *XferDes) bool {
	if s.maxInFlightBytes == 0 {
		return true
	}
	for {
		cur := atomic.LoadInt64(&s.inFlightBytes)
		next := cur + int64(bytes)
		if uintptr(next) > s.maxInFlightBytes {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.inFlightBytes, cur, next) {
			return true
		}
	}
}

func (s *StreamHandle) retire(bytes uintptr) {
	atomic.AddInt64(&s.inFlightBytes, -int64(bytes))
}

func (s *StreamHandle) SubmitCopy1D(dst, src, bytes uintptr, kind CopyKind) error {
	logGPUDMA.Debugf("memcpy dst=%#x src=%#x bytes=%d stream=%v", dst, src, bytes, s.id)
	s.trace("copy1d", bytes, 0, 0)
	return wrapDriverErr("MemcpyAsync1D", s.driver.MemcpyAsync1D(dst, src, bytes, kind, s.id))
}

func (s *StreamHandle) SubmitCopy2D(dst, dpitch, src, spitch, width, height uintptr, kind CopyKind) error {
	logGPUDMA.Debugf("memcpy2d dst=%#x+%d src=%#x+%d bytes=%d lines=%d stream=%v", dst, dpitch, src, spitch, width, height, s.id)
	s.trace("copy2d", width, height, 0)
	return wrapDriverErr("MemcpyAsync2D", s.driver.MemcpyAsync2D(dst, dpitch, src, spitch, width, height, kind, s.id))
}

func (s *StreamHandle) SubmitCopy3D(p PitchedCopy3D) error {
	logGPUDMA.Debugf("memcpy3d dst=%#x src=%#x extent=%dx%dx%d stream=%v", p.Dst, p.Src, p.Width, p.Height, p.Depth, s.id)
	s.trace("copy3d", p.Width, p.Height, p.Depth)
	return wrapDriverErr("MemcpyAsync3D", s.driver.MemcpyAsync3D(p, s.id))
}

func (s *StreamHandle) SubmitMemset8(ptr uintptr, value uint8, count uintptr) error {
	s.trace("memset8", count, 0, 0)
	return wrapDriverErr("MemsetAsync8", s.driver.MemsetAsync8(ptr, value, count, s.id))
}

func (s *StreamHandle) SubmitMemset16(ptr uintptr, value uint16, count uintptr) error {
	s.trace("memset16", count*2, 0, 0)
	return wrapDriverErr("MemsetAsync16", s.driver.MemsetAsync16(ptr, value, count, s.id))
}

func (s *StreamHandle) SubmitMemset32(ptr uintptr, value uint32, count uintptr) error {
	s.trace("memset32", count*4, 0, 0)
	return wrapDriverErr("MemsetAsync32", s.driver.MemsetAsync32(ptr, value, count, s.id))
}

func (s *StreamHandle) SubmitMemset2D8(ptr, pitch uintptr, value uint8, width, height uintptr) error {
	s.trace("memset2d8", width, height, 0)
	return wrapDriverErr("Memset2DAsync8", s.driver.Memset2DAsync8(ptr, pitch, value, width, height, s.id))
}

func (s *StreamHandle) SubmitMemset2D16(ptr, pitch uintptr, value uint16, width, height uintptr) error {
	s.trace("memset2d16", width*2, height, 0)
	return wrapDriverErr("Memset2DAsync16", s.driver.Memset2DAsync16(ptr, pitch, value, width, height, s.id))
}

func (s *StreamHandle) SubmitMemset2D32(ptr, pitch uintptr, value uint32, width, height uintptr) error {
	s.trace("memset2d32", width*4, height, 0)
	return wrapDriverErr("Memset2DAsync32", s.driver.Memset2DAsync32(ptr, pitch, value, width, height, s.id))
}

// AddNotification enqueues cb to fire once every submission made on this
// stream prior to this call has retired, and releases the stream's
// admitted-bytes accounting for the covered span at the same time. Only
// the copy engine calls this, since it's the only caller that consults
// Admit.
func (s *StreamHandle) AddNotification(bytesCovered uintptr, cb func()) error {
	wrapped := func() {
		s.retire(bytesCovered)
		s.traceFence(bytesCovered)
		cb()
	}
	return wrapDriverErr("AddNotification", s.driver.AddNotification(s.id, wrapped))
}

// AddFence enqueues cb without any admitted-bytes bookkeeping, for
// callers (the fill engine) that never call Admit in the first place.
// bytesCovered is the descriptor's total for this batch, recorded to the
// fence trace when the fence fires.
func (s *StreamHandle) AddFence(bytesCovered uintptr, cb func()) error {
	wrapped := func() {
		s.traceFence(bytesCovered)
		cb()
	}
	return wrapDriverErr("AddNotification", s.driver.AddNotification(s.id, wrapped))
}

// selectStream implements the stream selection rules of spec.md §4.3.
// Missing peer links are a programming error per spec.md §7 and abort
// rather than returning an error.
func selectStream(inGPU, outGPU *GPU) (*StreamHandle, CopyKind) {
	switch {
	case inGPU != nil && outGPU != nil && inGPU == outGPU:
		return inGPU.nextD2DStream(), CopyDeviceToDevice
	case inGPU != nil && outGPU == nil:
		return inGPU.DeviceToHostStream, CopyDeviceToHost
	case inGPU == nil && outGPU != nil:
		return outGPU.HostToDeviceStream, CopyHostToDevice
	case inGPU != nil && outGPU != nil:
		s, ok := inGPU.PeerStream(outGPU.DeviceIndex)
		if !ok {
			fatalf("no peer-to-peer stream from GPU %d to GPU %d", inGPU.DeviceIndex, outGPU.DeviceIndex)
		}
		return s, CopyDefault
	default:
		fatalf("selectStream: both endpoints are host-resident")
		return nil, 0
	}
}
