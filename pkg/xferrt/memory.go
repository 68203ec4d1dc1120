// Package xferrt supplies mock implementations of the collaborators
// pkg/xfer treats as external (spec.md §6): a memory-type registry that
// hands out flat pointers, an address-batch source that governs how much
// of a transfer a single progress call may attempt, and a minimal
// cooperative scheduler standing in for the surrounding dataflow
// runtime.
package xferrt

import (
	"fmt"
	"unsafe"

	"github.com/neurogrid/gpuxfer/pkg/xfer"
)

// HostMemory is a plain byte-slice-backed MemoryCapability representing
// pinned host memory.
type HostMemory struct {
	buf []byte
}

// NewHostMemory allocates a size-byte host buffer.
func NewHostMemory(size int) *HostMemory {
	return &HostMemory{buf: make([]byte, size)}
}

func (m *HostMemory) DirectPtr(offset, size uintptr) (uintptr, bool) {
	if offset+size > uintptr(len(m.buf)) {
		return 0, false
	}
	if len(m.buf) == 0 {
		return 0, true
	}
	return uintptr(unsafe.Pointer(&m.buf[0])), true
}

func (m *HostMemory) Kind() xfer.MemoryKind { return xfer.MemHost }
func (m *HostMemory) GPU() *xfer.GPU        { return nil }

// Bytes exposes the backing slice for tests to inspect or seed.
func (m *HostMemory) Bytes() []byte { return m.buf }

// GPUMemory is a plain byte-slice-backed MemoryCapability representing a
// GPU framebuffer allocation. Since gpu/bindings' mock driver operates
// on ordinary process memory, this is enough to exercise the full copy
// and fill decomposition against real bytes without any actual GPU.
type GPUMemory struct {
	buf []byte
	gpu *xfer.GPU
}

// NewGPUMemory allocates a size-byte buffer owned by gpu.
func NewGPUMemory(gpu *xfer.GPU, size int) *GPUMemory {
	if gpu == nil {
		panic(fmt.Sprintf("xferrt: NewGPUMemory requires a non-nil GPU"))
	}
	return &GPUMemory{buf: make([]byte, size), gpu: gpu}
}

func (m *GPUMemory) DirectPtr(offset, size uintptr) (uintptr, bool) {
	if offset+size > uintptr(len(m.buf)) {
		return 0, false
	}
	if len(m.buf) == 0 {
		return 0, true
	}
	return uintptr(unsafe.Pointer(&m.buf[0])), true
}

func (m *GPUMemory) Kind() xfer.MemoryKind { return xfer.MemGPUFB }
func (m *GPUMemory) GPU() *xfer.GPU        { return m.gpu }

// Bytes exposes the backing slice for tests to inspect or seed.
func (m *GPUMemory) Bytes() []byte { return m.buf }
