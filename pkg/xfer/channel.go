package xfer

import "sync"

// ChannelKind is one of the five path kinds spec.md §3 names.
type ChannelKind int

const (
	ChannelToFB ChannelKind = iota
	ChannelFromFB
	ChannelInFB
	ChannelPeerFB
	ChannelFill
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelToFB:
		return "TO_FB"
	case ChannelFromFB:
		return "FROM_FB"
	case ChannelInFB:
		return "IN_FB"
	case ChannelPeerFB:
		return "PEER_FB"
	case ChannelFill:
		return "FILL"
	default:
		return "UNKNOWN"
	}
}

// Path is one admitted (src, dst) route in a channel's capability
// matrix, published for the external planner (spec.md §3, §4.6).
type Path struct {
	SrcKind       MemoryKind
	DstKind       MemoryKind
	BandwidthKBps float64
	LatencyNS     float64
	FragOverheadNS float64
	MaxDim        int
}

// pathHints carries the per-kind bandwidth/latency/frag_overhead
// estimates ported verbatim from hip_internal.cc's GPUChannel/
// GPUfillChannel constructors (spec.md doesn't give concrete numbers,
// only that the capability matrix carries these fields -- see
// SPEC_FULL.md §11).
var pathHints = map[ChannelKind]Path{
	ChannelToFB:   {SrcKind: MemHost, DstKind: MemGPUFB, BandwidthKBps: 10_000_000, LatencyNS: 1000, FragOverheadNS: 2000, MaxDim: 2},
	ChannelFromFB: {SrcKind: MemGPUFB, DstKind: MemHost, BandwidthKBps: 10_000_000, LatencyNS: 1000, FragOverheadNS: 2000, MaxDim: 2},
	ChannelInFB:   {SrcKind: MemGPUFB, DstKind: MemGPUFB, BandwidthKBps: 200_000_000, LatencyNS: 250, FragOverheadNS: 2000, MaxDim: 3},
	ChannelPeerFB: {SrcKind: MemGPUFB, DstKind: MemGPUFB, BandwidthKBps: 50_000_000, LatencyNS: 1000, FragOverheadNS: 2000, MaxDim: 3},
	ChannelFill:   {SrcKind: MemGPUFB, DstKind: MemGPUFB, BandwidthKBps: 300_000_000, LatencyNS: 250, FragOverheadNS: 2000, MaxDim: 3},
}

// ChannelConfig configures channel-wide behavior, matching the teacher's
// Config-struct-with-defaults pattern (pkg/cache/manager.go's
// ManagerConfig/DefaultConfig).
type ChannelConfig struct {
	// OrderedMode serializes Progress calls on each descriptor dispatched
	// by this channel, matching SingleXDQChannel's default. Disabled
	// when MultiThreaded is set, per spec.md §4.6 and the
	// cfg_multithread_dma toggle in hip_internal.cc.
	OrderedMode   bool
	MultiThreaded bool

	// MinBatchBytes is the minimum batch size requested from the
	// address batch source per outer-loop iteration of the copy engine.
	MinBatchBytes uintptr
	// HostDeviceCapBytes bounds any single sub-copy that crosses the
	// host/device boundary.
	HostDeviceCapBytes uintptr
	// MinXferSizeForDeadline is the "at least this many bytes before
	// honoring an expired deadline" floor used by both engines.
	MinXferSizeForDeadline uintptr
}

// DefaultChannelConfig returns the constants named in spec.md §4.4/§4.5:
// a 4 MiB minimum batch and host<->device cap, ordered dispatch on.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		OrderedMode:            true,
		MultiThreaded:          false,
		MinBatchBytes:          4 << 20,
		HostDeviceCapBytes:     4 << 20,
		MinXferSizeForDeadline: 4 << 20,
	}
}

// DefaultFillChannelConfig mirrors DefaultChannelConfig but with the
// fill engine's smaller min_xfer_size (spec.md §4.5).
func DefaultFillChannelConfig() ChannelConfig {
	cfg := DefaultChannelConfig()
	cfg.MinXferSizeForDeadline = 4096
	return cfg
}

// Channel owns a descriptor queue and the capability matrix for one kind
// of path, bound to a specific GPU (spec.md §3, §4.6).
type Channel struct {
	Kind   ChannelKind
	GPU    *GPU
	Config ChannelConfig

	paths []Path

	mu    sync.Mutex
	queue []*XferDes
}

// NewChannel builds a channel of kind for gpu and registers its default
// path per the hints in pathHints, mirroring GPUChannel's constructor
// registering exactly one add_path call per kind.
func NewChannel(kind ChannelKind, gpu *GPU, cfg ChannelConfig) *Channel {
	c := &Channel{Kind: kind, GPU: gpu, Config: cfg}
	if cfg.MultiThreaded {
		c.Config.OrderedMode = false
	}
	if hint, ok := pathHints[kind]; ok {
		c.paths = append(c.paths, hint)
	}
	return c
}

// CapabilityMatrix returns the channel's admitted paths, exposed to the
// external planner per spec.md §6.
func (c *Channel) CapabilityMatrix() []Path {
	return append([]Path(nil), c.paths...)
}

// CreateXferDes builds a descriptor of the kind this channel produces and
// enqueues it for dispatch, enforcing the preconditions of spec.md §6:
// redop must be identity for both copy and fill channels, and fill_size
// must be zero on a copy channel.
func (c *Channel) CreateXferDes(inputs, outputs []*XferPort, priority int, redop RedopInfo, fillData []byte, fillSize int, batchSource AddressBatchSource) *XferDes {
	if redop.ID != 0 {
		fatalf("create_xfer_des: non-identity redop_info on %s channel", c.Kind)
	}

	kind := XferDesKindCopy
	reducedFillSize := 0
	if c.Kind == ChannelFill {
		kind = XferDesKindFill
		reducedFillSize = reduceFillSize(fillData, fillSize)
	} else if fillSize != 0 {
		fatalf("create_xfer_des: fill_size given on non-fill %s channel", c.Kind)
	}

	d := newXferDes(kind, inputs, outputs, priority, fillData, reducedFillSize, batchSource, c)

	c.mu.Lock()
	c.queue = append(c.queue, d)
	c.mu.Unlock()
	return d
}

func (c *Channel) dequeue() *XferDes {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	d := c.queue[0]
	c.queue = c.queue[1:]
	return d
}

func (c *Channel) enqueue(d *XferDes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, d)
}

// Dispatch pops the next ready descriptor and advances it once, per the
// "external scheduler polls a channel" control flow of spec.md §2. It
// requeues the descriptor if its iteration hasn't completed.
func (c *Channel) Dispatch(workUntil Deadline) (bool, error) {
	d := c.dequeue()
	if d == nil {
		return false, nil
	}
	did, err := d.Progress(workUntil)
	if !d.Done() {
		c.enqueue(d)
	}
	return did, err
}

// QueueLen reports the number of descriptors currently queued, for tests
// and for the bench CLI's stats output.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
