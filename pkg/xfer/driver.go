package xfer

// This file defines the driver capability described in spec.md §6: the
// set of GPU driver primitives the engine consumes. Implementations live
// outside this package (see gpu/bindings) -- one built against the real
// HIP runtime behind a build tag, one an in-process mock used by default
// so this package is fully testable without a GPU.

// CopyKind mirrors the hipMemcpyKind family: which direction a copy
// crosses the host/device boundary, or Default when the driver must
// infer it (cross-device without an explicit peer path).
type CopyKind int

const (
	CopyDeviceToDevice CopyKind = iota
	CopyDeviceToHost
	CopyHostToDevice
	CopyDefault
)

// StreamID identifies a driver-side async command queue. The zero value
// is never valid.
type StreamID uint64

// PitchedCopy3D describes a hipMemcpy3DAsync-style pitched-pointer copy:
// a rectangular volume of `Width` contiguous bytes by `Height` rows by
// `Depth` planes, with row pitch `SrcPitch`/`DstPitch` and plane pitch
// implied by the caller (the driver multiplies pitch by height itself,
// matching hipMemcpy3DParms semantics).
type PitchedCopy3D struct {
	Dst, Src           uintptr
	DstPitch, SrcPitch uintptr
	Width, Height, Depth uintptr
	Kind               CopyKind
}

// MemoryKind distinguishes the two memory residencies a port can name.
type MemoryKind int

const (
	MemHost MemoryKind = iota
	MemGPUFB
)

// MemoryCapability is the memory-type registry collaborator from
// spec.md §6: given a byte range, produce a flat pointer, or report that
// none exists (the range isn't directly addressable, e.g. it lives behind
// a network transport out of this engine's scope).
type MemoryCapability interface {
	DirectPtr(offset, size uintptr) (uintptr, bool)
	Kind() MemoryKind
	// GPU returns the owning GPU when Kind() == MemGPUFB; nil otherwise.
	GPU() *GPU
}

// AddressBatchSource is the surrounding dataflow runtime's iterator over
// a DMA operation's address ranges (spec.md §6, "Address batch source").
// It hands the engine a byte budget per call and later learns how much of
// that budget was actually consumed, plus byte-progress callbacks per
// port once a completion fence retires.
type AddressBatchSource interface {
	// GetAddresses refills both ports' cursors (however it manages that
	// internally) and returns the number of bytes now available across
	// them, at least minXferSize when more remains, or 0 when exhausted.
	// It may flush rseq as part of refilling.
	GetAddresses(minXferSize uintptr, rseq *SequenceCache) uintptr

	// RecordAddressConsumption reports how many bytes were consumed on
	// each side since the last call and returns whether the descriptor's
	// iteration is now complete.
	RecordAddressConsumption(inBytes, outBytes uintptr) (done bool)

	// UpdateBytesRead/UpdateBytesWrite are invoked from a completion
	// fence callback once its span has retired.
	UpdateBytesRead(port *XferPort, offset, size uintptr)
	UpdateBytesWrite(port *XferPort, offset, size uintptr)
}

// Driver is the GPU driver capability consumed by streams and by the
// copy/fill engines. Every method that submits work is asynchronous with
// respect to the GPU; ordering is only guaranteed within one stream.
type Driver interface {
	// PushContext makes gpu's driver context current on the calling
	// goroutine's OS thread for the duration of the returned pop
	// function; pop must be called on every exit path (spec.md §4.2).
	PushContext(gpu *GPU) (pop func(), err error)

	// NewStream creates a new async stream bound to gpu.
	NewStream(gpu *GPU) (StreamID, error)

	// DestroyStream releases a stream created by NewStream.
	DestroyStream(s StreamID) error

	MemcpyAsync1D(dst, src uintptr, bytes uintptr, kind CopyKind, s StreamID) error
	MemcpyAsync2D(dst, dpitch, src, spitch uintptr, width, height uintptr, kind CopyKind, s StreamID) error
	MemcpyAsync3D(p PitchedCopy3D, s StreamID) error

	MemsetAsync8(ptr uintptr, value uint8, count uintptr, s StreamID) error
	MemsetAsync16(ptr uintptr, value uint16, count uintptr, s StreamID) error
	MemsetAsync32(ptr uintptr, value uint32, count uintptr, s StreamID) error

	Memset2DAsync8(ptr, pitch uintptr, value uint8, width, height uintptr, s StreamID) error
	Memset2DAsync16(ptr, pitch uintptr, value uint16, width, height uintptr, s StreamID) error
	Memset2DAsync32(ptr, pitch uintptr, value uint32, width, height uintptr, s StreamID) error

	// AddNotification enqueues cb to run once every submission made on
	// s prior to this call has retired. Fences are FIFO per stream.
	AddNotification(s StreamID, cb func()) error
}
