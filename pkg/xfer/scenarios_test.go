package xfer_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/neurogrid/gpuxfer/gpu/bindings"
	"github.com/neurogrid/gpuxfer/pkg/xfer"
	"github.com/neurogrid/gpuxfer/pkg/xfer/trace"
	"github.com/neurogrid/gpuxfer/pkg/xferrt"
)

// traceOf hooks every stream on gpu to a Recorder writing into an
// in-memory buffer, drives sched to idle, and decodes the recorded
// events -- letting tests assert on exactly what a channel submitted and
// fenced without reaching into unexported fields.
func traceOf(t *testing.T, gpu *xfer.GPU, driver *bindings.MockDriver, sched *xferrt.Scheduler) []trace.Event {
	t.Helper()
	var buf bytes.Buffer
	rec := trace.NewRecorder(&buf, time.Unix(0, 0))
	for i, s := range gpu.Streams() {
		streamID := uint64(i)
		s.SetTraceHook(rec.Hook(streamID))
		s.SetFenceHook(rec.FenceHook(streamID))
	}
	if err := sched.RunUntilIdle(driver); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("recorder close: %v", err)
	}
	events, err := trace.ReadAll(&buf)
	if err != nil {
		t.Fatalf("trace.ReadAll: %v", err)
	}
	return events
}

func countKind(events []trace.Event, kind string) int {
	n := 0
	for _, ev := range events {
		if ev.Event == trace.EventSubmit && ev.Kind == kind {
			n++
		}
	}
	return n
}

func countFences(events []trace.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Event == trace.EventFence {
			n++
		}
	}
	return n
}

func newSingleGPU(driver *bindings.MockDriver, fbSize int) *xfer.GPU {
	cfg := xfer.DefaultGPUConfig()
	cfg.D2DStreamCount = 1 // deterministic single D2D stream for trace assertions
	gpu, err := xfer.NewGPU(driver, 0, 0, uintptr(fbSize), cfg)
	if err != nil {
		panic(err)
	}
	return gpu
}

// TestScenario1_H2D1MiB: a 1 MiB host buffer of 0x5A copied host-pinned to
// framebuffer memory should submit exactly one 1D memcpy, post exactly
// one fence, and drive the destination buffer bit-for-bit identical to
// the source.
func TestScenario1_H2D1MiB(t *testing.T) {
	const size = 1 << 20
	driver := bindings.NewMockDriver()
	gpu := newSingleGPU(driver, size)

	host := xferrt.NewHostMemory(size)
	for i := range host.Bytes() {
		host.Bytes()[i] = 0x5A
	}
	dev := xferrt.NewGPUMemory(gpu, size)

	inPort := xfer.NewXferPort(host, xfer.NewAddressListCursor(size, nil))
	outPort := xfer.NewXferPort(dev, xfer.NewAddressListCursor(size, nil))

	cfg := xfer.DefaultChannelConfig()
	cfg.MinBatchBytes = size
	ch := xfer.NewChannel(xfer.ChannelToFB, gpu, cfg)
	batch := xferrt.NewBatchSource(size)
	ch.CreateXferDes([]*xfer.XferPort{inPort}, []*xfer.XferPort{outPort}, 0, xfer.RedopInfo{}, nil, 0, batch)

	sched := xferrt.NewScheduler(time.Second)
	sched.Register(ch)
	events := traceOf(t, gpu, driver, sched)

	if n := countKind(events, "copy1d"); n != 1 {
		t.Fatalf("copy1d submissions = %d, want 1", n)
	}
	if n := countFences(events); n != 1 {
		t.Fatalf("fences = %d, want 1", n)
	}
	if outPort.LocalBytesTotal() != size {
		t.Fatalf("out LocalBytesTotal = %d, want %d", outPort.LocalBytesTotal(), size)
	}
	for i, b := range dev.Bytes() {
		if b != 0x5A {
			t.Fatalf("dev.Bytes()[%d] = %#x, want 0x5a", i, b)
		}
	}
}

// TestScenario2_D2D64x64: a 64x64-element (8-byte element) same-GPU
// device-to-device copy should collapse to a single 2D memcpy of
// contig=512, lines=64 on that GPU's D2D stream.
func TestScenario2_D2D64x64(t *testing.T) {
	const (
		elemsPerLine = 64
		elemSize     = 8
		lines        = 64
		lineWidth    = elemsPerLine * elemSize // 512
		pitch        = 1024
		fbSize       = pitch * lines
	)
	driver := bindings.NewMockDriver()
	gpu := newSingleGPU(driver, fbSize)

	src := xferrt.NewGPUMemory(gpu, fbSize)
	dst := xferrt.NewGPUMemory(gpu, fbSize)
	for i := range src.Bytes() {
		src.Bytes()[i] = byte(i)
	}

	dims := []xfer.DimExtent{{Count: lines, Stride: pitch}}
	inPort := xfer.NewXferPort(src, xfer.NewAddressListCursor(lineWidth, dims))
	outPort := xfer.NewXferPort(dst, xfer.NewAddressListCursor(lineWidth, dims))

	cfg := xfer.DefaultChannelConfig()
	cfg.MinBatchBytes = lineWidth * lines
	ch := xfer.NewChannel(xfer.ChannelInFB, gpu, cfg)
	batch := xferrt.NewBatchSource(lineWidth * lines)
	ch.CreateXferDes([]*xfer.XferPort{inPort}, []*xfer.XferPort{outPort}, 0, xfer.RedopInfo{}, nil, 0, batch)

	sched := xferrt.NewScheduler(time.Second)
	sched.Register(ch)
	events := traceOf(t, gpu, driver, sched)

	var copy2Ds []trace.Event
	for _, ev := range events {
		if ev.Event == trace.EventSubmit && ev.Kind == "copy2d" {
			copy2Ds = append(copy2Ds, ev)
		}
	}
	if len(copy2Ds) != 1 {
		t.Fatalf("copy2d submissions = %d, want 1", len(copy2Ds))
	}
	if copy2Ds[0].Bytes != lineWidth || copy2Ds[0].Lines != lines {
		t.Fatalf("copy2d(bytes=%d, lines=%d), want (bytes=%d, lines=%d)", copy2Ds[0].Bytes, copy2Ds[0].Lines, lineWidth, lines)
	}
}

// TestScenario3_PeerMissingLinkFatal: a peer-to-peer copy between two
// GPUs with no configured peer stream must abort as a programming error,
// submitting nothing.
func TestScenario3_PeerMissingLinkFatal(t *testing.T) {
	const size = 4096
	driver := bindings.NewMockDriver()
	gpuA := newSingleGPU(driver, size)
	gpuC := newSingleGPU(driver, size)
	// Deliberately no gpuA.SetPeerStream(gpuC.DeviceIndex, ...).

	memA := xferrt.NewGPUMemory(gpuA, size)
	memC := xferrt.NewGPUMemory(gpuC, size)
	inPort := xfer.NewXferPort(memA, xfer.NewAddressListCursor(size, nil))
	outPort := xfer.NewXferPort(memC, xfer.NewAddressListCursor(size, nil))

	cfg := xfer.DefaultChannelConfig()
	cfg.MinBatchBytes = size
	ch := xfer.NewChannel(xfer.ChannelPeerFB, gpuA, cfg)
	batch := xferrt.NewBatchSource(size)
	ch.CreateXferDes([]*xfer.XferPort{inPort}, []*xfer.XferPort{outPort}, 0, xfer.RedopInfo{}, nil, 0, batch)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected a fatal panic for a missing peer stream, got none")
		}
	}()
	ch.Dispatch(xfer.NewDeadline(time.Second))
	t.Fatalf("Dispatch returned without panicking")
}

// TestScenario4_HostDeviceCap: a 32 MiB host-to-device batch must be
// capped to the channel's HostDeviceCapBytes (4 MiB) per sub-copy.
func TestScenario4_HostDeviceCap(t *testing.T) {
	const total = 32 << 20
	const cap4M = 4 << 20
	driver := bindings.NewMockDriver()
	gpu := newSingleGPU(driver, total)

	host := xferrt.NewHostMemory(total)
	dev := xferrt.NewGPUMemory(gpu, total)
	inPort := xfer.NewXferPort(host, xfer.NewAddressListCursor(total, nil))
	outPort := xfer.NewXferPort(dev, xfer.NewAddressListCursor(total, nil))

	cfg := xfer.DefaultChannelConfig()
	cfg.MinBatchBytes = total // request the whole thing in one GetAddresses call
	cfg.HostDeviceCapBytes = cap4M
	ch := xfer.NewChannel(xfer.ChannelToFB, gpu, cfg)
	batch := xferrt.NewBatchSource(total)
	ch.CreateXferDes([]*xfer.XferPort{inPort}, []*xfer.XferPort{outPort}, 0, xfer.RedopInfo{}, nil, 0, batch)

	sched := xferrt.NewScheduler(time.Second)
	sched.Register(ch)
	events := traceOf(t, gpu, driver, sched)

	var submits []trace.Event
	for _, ev := range events {
		if ev.Event == trace.EventSubmit && ev.Kind == "copy1d" {
			submits = append(submits, ev)
		}
	}
	if len(submits) == 0 {
		t.Fatalf("expected at least one copy1d submission")
	}
	for _, ev := range submits {
		if ev.Bytes > cap4M {
			t.Fatalf("sub-copy of %d bytes exceeds the %d-byte host<->device cap", ev.Bytes, cap4M)
		}
	}
	if submits[0].Bytes != cap4M {
		t.Fatalf("first sub-copy = %d bytes, want exactly the %d-byte cap", submits[0].Bytes, cap4M)
	}
	var sum uintptr
	for _, ev := range submits {
		sum += ev.Bytes
	}
	if sum != total {
		t.Fatalf("sum of sub-copies = %d, want %d", sum, total)
	}
}

// TestScenario5_FillPeriodicPattern: a 4-byte 0xAA pattern (period 1)
// filling a 1024x1024-byte 2D region should reduce to R=1 and submit a
// single striped 2D memset8, with a single fence.
func TestScenario5_FillPeriodicPattern(t *testing.T) {
	const (
		lineWidth = 1024
		lines     = 1024
		pitch     = 8192
		fbSize    = pitch * lines
	)
	driver := bindings.NewMockDriver()
	gpu := newSingleGPU(driver, fbSize)
	dev := xferrt.NewGPUMemory(gpu, fbSize)

	dims := []xfer.DimExtent{{Count: lines, Stride: pitch}}
	outPort := xfer.NewXferPort(dev, xfer.NewAddressListCursor(lineWidth, dims))

	cfg := xfer.DefaultFillChannelConfig()
	cfg.MinBatchBytes = lineWidth * lines
	ch := xfer.NewChannel(xfer.ChannelFill, gpu, cfg)
	batch := xferrt.NewBatchSource(lineWidth * lines)
	fillData := []byte{0xAA, 0xAA, 0xAA, 0xAA}
	ch.CreateXferDes(nil, []*xfer.XferPort{outPort}, 0, xfer.RedopInfo{}, fillData, len(fillData), batch)

	sched := xferrt.NewScheduler(time.Second)
	sched.Register(ch)
	events := traceOf(t, gpu, driver, sched)

	var memsets []trace.Event
	for _, ev := range events {
		if ev.Event == trace.EventSubmit && ev.Kind == "memset2d8" {
			memsets = append(memsets, ev)
		}
	}
	if len(memsets) != 1 {
		t.Fatalf("memset2d8 submissions = %d, want 1", len(memsets))
	}
	if memsets[0].Bytes != lineWidth || memsets[0].Lines != lines {
		t.Fatalf("memset2d8(bytes=%d, lines=%d), want (bytes=%d, lines=%d)", memsets[0].Bytes, memsets[0].Lines, lineWidth, lines)
	}
	if n := countFences(events); n != 1 {
		t.Fatalf("fences = %d, want 1", n)
	}
	buf := dev.Bytes()
	for l := 0; l < lines; l++ {
		for i := 0; i < lineWidth; i++ {
			if b := buf[l*pitch+i]; b != 0xAA {
				t.Fatalf("line %d byte %d = %#x, want 0xaa after the fill", l, i, b)
			}
		}
	}
}

// TestScenario6_FillNonPeriodic3D: a 16-byte non-periodic pattern filling
// a 256x64x8 region with pstride divisible by lstride should seed the
// first line with 16 byte-granular 2D memsets, extend to 64 lines with 6
// log-doubled 2D D2D copies, and extend to 8 planes with 3 log-doubled 3D
// copies.
func TestScenario6_FillNonPeriodic3D(t *testing.T) {
	const (
		lineWidth = 256
		lines     = 64
		lstride   = 1024
		planes    = 8
		pstride   = lstride * lines // divisible by lstride
		fbSize    = pstride * planes
	)
	driver := bindings.NewMockDriver()
	gpu := newSingleGPU(driver, fbSize)
	dev := xferrt.NewGPUMemory(gpu, fbSize)

	dims := []xfer.DimExtent{{Count: lines, Stride: lstride}, {Count: planes, Stride: pstride}}
	outPort := xfer.NewXferPort(dev, xfer.NewAddressListCursor(lineWidth, dims))

	cfg := xfer.DefaultFillChannelConfig()
	cfg.MinBatchBytes = lineWidth * lines * planes
	ch := xfer.NewChannel(xfer.ChannelFill, gpu, cfg)
	batch := xferrt.NewBatchSource(lineWidth * lines * planes)

	// Non-periodic: no period of 1, 2, or 4 bytes reproduces this.
	fillData := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	ch.CreateXferDes(nil, []*xfer.XferPort{outPort}, 0, xfer.RedopInfo{}, fillData, len(fillData), batch)

	sched := xferrt.NewScheduler(time.Second)
	sched.Register(ch)
	events := traceOf(t, gpu, driver, sched)

	if n := countKind(events, "memset2d8"); n != len(fillData) {
		t.Fatalf("memset2d8 submissions = %d, want %d (one per pattern byte)", n, len(fillData))
	}
	if n := countKind(events, "copy2d"); n != 6 {
		t.Fatalf("copy2d submissions (line extension) = %d, want 6", n)
	}
	if n := countKind(events, "copy3d"); n != 3 {
		t.Fatalf("copy3d submissions (plane extension) = %d, want 3", n)
	}
	if n := countFences(events); n != 1 {
		t.Fatalf("fences = %d, want 1", n)
	}

	// Every line of every plane must be a byte-exact tiling of the
	// 16-byte pattern (reduced-fill idempotence, spec §8).
	buf := dev.Bytes()
	for p := 0; p < planes; p++ {
		for l := 0; l < lines; l++ {
			base := p*pstride + l*lstride
			for i := 0; i < lineWidth; i++ {
				want := fillData[i%len(fillData)]
				if got := buf[base+i]; got != want {
					t.Fatalf("plane %d line %d byte %d = %d, want %d", p, l, i, got, want)
				}
			}
		}
	}
}
