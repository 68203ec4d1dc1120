package xfer

import (
	"sync"
	"sync/atomic"
)

// GPU carries the per-device identity spec.md §3 describes: a device
// index, a framebuffer, a pool of intra-device D2D streams, direction-
// specific host<->device streams, and a peer-to-peer stream map keyed by
// the remote GPU's index (non-null iff a peer link exists).
type GPU struct {
	Driver      Driver
	DeviceIndex int
	FBBase      uintptr
	FBSize      uintptr

	ctxMu    sync.Mutex
	ctxDepth int
	ctxPop   func()

	d2dStreams []*StreamHandle
	d2dNext    uint32

	HostToDeviceStream *StreamHandle
	DeviceToHostStream *StreamHandle

	peerMu            sync.RWMutex
	peerToPeerStreams map[int]*StreamHandle

	PinnedHostMemories []MemoryCapability
	PeerFramebuffers   []*GPU
}

// GPUConfig configures how many intra-device streams a GPU is built with
// and the per-stream rate limit; mirrors the teacher's Default*Config
// pattern (pkg/cache/manager.go's ManagerConfig).
type GPUConfig struct {
	D2DStreamCount   int
	MaxInFlightBytes uintptr
}

// DefaultGPUConfig returns reasonable defaults for a single-node
// benchmark or test harness.
func DefaultGPUConfig() GPUConfig {
	return GPUConfig{
		D2DStreamCount:   4,
		MaxInFlightBytes: 256 << 20,
	}
}

// NewGPU constructs a GPU identity, creating its D2D pool and the two
// direction-specific streams up front. Peer streams are wired in by the
// caller via SetPeerStream, since peer topology is discovered externally.
func NewGPU(driver Driver, deviceIndex int, fbBase, fbSize uintptr, cfg GPUConfig) (*GPU, error) {
	g := &GPU{
		Driver:            driver,
		DeviceIndex:       deviceIndex,
		FBBase:            fbBase,
		FBSize:            fbSize,
		peerToPeerStreams: make(map[int]*StreamHandle),
	}

	n := cfg.D2DStreamCount
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		s, err := newStreamHandle(driver, g, cfg.MaxInFlightBytes)
		if err != nil {
			return nil, err
		}
		g.d2dStreams = append(g.d2dStreams, s)
	}

	h2d, err := newStreamHandle(driver, g, cfg.MaxInFlightBytes)
	if err != nil {
		return nil, err
	}
	g.HostToDeviceStream = h2d

	d2h, err := newStreamHandle(driver, g, cfg.MaxInFlightBytes)
	if err != nil {
		return nil, err
	}
	g.DeviceToHostStream = d2h

	return g, nil
}

// nextD2DStream round-robins across the intra-device stream pool using a
// per-GPU atomic counter, per spec.md §5 and §9's "Stream pool
// round-robin" re-architecture note.
func (g *GPU) nextD2DStream() *StreamHandle {
	n := atomic.AddUint32(&g.d2dNext, 1) - 1
	return g.d2dStreams[int(n)%len(g.d2dStreams)]
}

// Streams returns every stream this GPU owns: its D2D pool, its two
// direction-specific streams, and any registered peer streams. Callers
// use this to install a trace hook on every stream at once rather than
// reaching into the pool directly.
func (g *GPU) Streams() []*StreamHandle {
	out := append([]*StreamHandle(nil), g.d2dStreams...)
	out = append(out, g.HostToDeviceStream, g.DeviceToHostStream)
	g.peerMu.RLock()
	for _, s := range g.peerToPeerStreams {
		out = append(out, s)
	}
	g.peerMu.RUnlock()
	return out
}

// PeerStream returns the stream to use for a peer-to-peer copy to the
// GPU at peerIndex, and whether one has been configured.
func (g *GPU) PeerStream(peerIndex int) (*StreamHandle, bool) {
	g.peerMu.RLock()
	defer g.peerMu.RUnlock()
	s, ok := g.peerToPeerStreams[peerIndex]
	return s, ok
}

// SetPeerStream registers the stream this GPU uses to push data directly
// to the GPU at peerIndex. Absence at copy time is a fatal precondition
// (spec.md §4.3, §7).
func (g *GPU) SetPeerStream(peerIndex int, s *StreamHandle) {
	g.peerMu.Lock()
	defer g.peerMu.Unlock()
	g.peerToPeerStreams[peerIndex] = s
}

// AddPeerFramebuffer records that this GPU can address peer's framebuffer
// directly, used by the memory-capability mocks in pkg/xferrt.
func (g *GPU) AddPeerFramebuffer(peer *GPU) {
	g.PeerFramebuffers = append(g.PeerFramebuffers, peer)
}

// AddPinnedHostMemory records a pinned host allocation this GPU can DMA
// against without staging.
func (g *GPU) AddPinnedHostMemory(m MemoryCapability) {
	g.PinnedHostMemories = append(g.PinnedHostMemories, m)
}

// gpuContextGuard is the scoped acquisition of spec.md §4.2: construction
// pushes the driver context (only on the first, outermost acquisition),
// Release pops it (only on the last). Nesting on the same GPU from the
// same goroutine is idempotent, matching "Scoped driver context" in
// spec.md §9.
type gpuContextGuard struct {
	gpu *GPU
}

// pushGPUContext acquires gpu's driver context for the caller. Release
// must be called on every exit path, including error, per spec.md §4.2.
func pushGPUContext(gpu *GPU) (*gpuContextGuard, error) {
	gpu.ctxMu.Lock()
	defer gpu.ctxMu.Unlock()
	if gpu.ctxDepth == 0 {
		pop, err := gpu.Driver.PushContext(gpu)
		if err != nil {
			return nil, wrapDriverErr("PushContext", err)
		}
		gpu.ctxPop = pop
	}
	gpu.ctxDepth++
	return &gpuContextGuard{gpu: gpu}, nil
}

// Release pops the context once the outermost guard on this GPU is
// released.
func (c *gpuContextGuard) Release() {
	g := c.gpu
	g.ctxMu.Lock()
	defer g.ctxMu.Unlock()
	g.ctxDepth--
	if g.ctxDepth == 0 && g.ctxPop != nil {
		g.ctxPop()
		g.ctxPop = nil
	}
}
