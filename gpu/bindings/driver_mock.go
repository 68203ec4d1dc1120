//go:build !hip

// Package bindings supplies the GPU driver capability xfer.Driver
// describes: a real binding against the HIP runtime behind the hip
// build tag, and -- by default, so the engine is fully testable without
// a GPU -- an in-process mock that performs the same byte-level effects
// against plain host memory.
package bindings

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/neurogrid/gpuxfer/pkg/xfer"
)

type mockStream struct {
	mu      sync.Mutex
	pending []func()
}

// MockDriver is a deterministic, in-process stand-in for a HIP device:
// every async call executes synchronously against real host memory
// (obtained from a MemoryCapability's DirectPtr), and completion fences
// queue until Drain is called, matching the "completion callbacks run
// later, from a GPU poller" control flow of spec.md §2.
type MockDriver struct {
	mu      sync.Mutex
	streams map[xfer.StreamID]*mockStream
	nextID  uint64
}

var _ xfer.Driver = (*MockDriver)(nil)

// NewMockDriver builds an empty mock driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{streams: make(map[xfer.StreamID]*mockStream)}
}

func (m *MockDriver) PushContext(gpu *xfer.GPU) (func(), error) {
	return func() {}, nil
}

func (m *MockDriver) NewStream(gpu *xfer.GPU) (xfer.StreamID, error) {
	id := xfer.StreamID(atomic.AddUint64(&m.nextID, 1))
	m.mu.Lock()
	m.streams[id] = &mockStream{}
	m.mu.Unlock()
	return id, nil
}

func (m *MockDriver) DestroyStream(s xfer.StreamID) error {
	m.mu.Lock()
	delete(m.streams, s)
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) stream(s xfer.StreamID) *mockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[s]
}

func (m *MockDriver) MemcpyAsync1D(dst, src uintptr, bytes uintptr, kind xfer.CopyKind, s xfer.StreamID) error {
	if m.stream(s) == nil {
		return errUnknownStream
	}
	copyBytes(dst, src, bytes)
	return nil
}

func (m *MockDriver) MemcpyAsync2D(dst, dpitch, src, spitch uintptr, width, height uintptr, kind xfer.CopyKind, s xfer.StreamID) error {
	if m.stream(s) == nil {
		return errUnknownStream
	}
	for row := uintptr(0); row < height; row++ {
		copyBytes(dst+row*dpitch, src+row*spitch, width)
	}
	return nil
}

func (m *MockDriver) MemcpyAsync3D(p xfer.PitchedCopy3D, s xfer.StreamID) error {
	if m.stream(s) == nil {
		return errUnknownStream
	}
	for plane := uintptr(0); plane < p.Depth; plane++ {
		for row := uintptr(0); row < p.Height; row++ {
			dst := p.Dst + plane*p.DstPitch*p.Height + row*p.DstPitch
			src := p.Src + plane*p.SrcPitch*p.Height + row*p.SrcPitch
			copyBytes(dst, src, p.Width)
		}
	}
	return nil
}

func (m *MockDriver) MemsetAsync8(ptr uintptr, value uint8, count uintptr, s xfer.StreamID) error {
	if m.stream(s) == nil {
		return errUnknownStream
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), count)
	for i := range b {
		b[i] = value
	}
	return nil
}

func (m *MockDriver) MemsetAsync16(ptr uintptr, value uint16, count uintptr, s xfer.StreamID) error {
	if m.stream(s) == nil {
		return errUnknownStream
	}
	b := unsafe.Slice((*uint16)(unsafe.Pointer(ptr)), count)
	for i := range b {
		b[i] = value
	}
	return nil
}

func (m *MockDriver) MemsetAsync32(ptr uintptr, value uint32, count uintptr, s xfer.StreamID) error {
	if m.stream(s) == nil {
		return errUnknownStream
	}
	b := unsafe.Slice((*uint32)(unsafe.Pointer(ptr)), count)
	for i := range b {
		b[i] = value
	}
	return nil
}

func (m *MockDriver) Memset2DAsync8(ptr, pitch uintptr, value uint8, width, height uintptr, s xfer.StreamID) error {
	if m.stream(s) == nil {
		return errUnknownStream
	}
	for row := uintptr(0); row < height; row++ {
		b := unsafe.Slice((*byte)(unsafe.Pointer(ptr+row*pitch)), width)
		for i := range b {
			b[i] = value
		}
	}
	return nil
}

func (m *MockDriver) Memset2DAsync16(ptr, pitch uintptr, value uint16, width, height uintptr, s xfer.StreamID) error {
	if m.stream(s) == nil {
		return errUnknownStream
	}
	for row := uintptr(0); row < height; row++ {
		b := unsafe.Slice((*uint16)(unsafe.Pointer(ptr+row*pitch)), width)
		for i := range b {
			b[i] = value
		}
	}
	return nil
}

func (m *MockDriver) Memset2DAsync32(ptr, pitch uintptr, value uint32, width, height uintptr, s xfer.StreamID) error {
	if m.stream(s) == nil {
		return errUnknownStream
	}
	for row := uintptr(0); row < height; row++ {
		b := unsafe.Slice((*uint32)(unsafe.Pointer(ptr+row*pitch)), width)
		for i := range b {
			b[i] = value
		}
	}
	return nil
}

func (m *MockDriver) AddNotification(s xfer.StreamID, cb func()) error {
	st := m.stream(s)
	if st == nil {
		return errUnknownStream
	}
	st.mu.Lock()
	st.pending = append(st.pending, cb)
	st.mu.Unlock()
	return nil
}

// Drain fires every pending fence on every stream, FIFO per stream,
// standing in for the GPU completion poller spec.md §2 places outside
// this engine's scope. Tests and the bench CLI call this after each
// round of Progress calls.
func (m *MockDriver) Drain() {
	m.mu.Lock()
	streams := make([]*mockStream, 0, len(m.streams))
	for _, st := range m.streams {
		streams = append(streams, st)
	}
	m.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		cbs := st.pending
		st.pending = nil
		st.mu.Unlock()
		for _, cb := range cbs {
			cb()
		}
	}
}

func copyBytes(dst, src, n uintptr) {
	if n == 0 {
		return
	}
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(d, s)
}
