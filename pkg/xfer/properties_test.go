package xfer_test

import (
	"testing"
	"time"

	"github.com/neurogrid/gpuxfer/gpu/bindings"
	"github.com/neurogrid/gpuxfer/pkg/xfer"
	"github.com/neurogrid/gpuxfer/pkg/xferrt"
)

// TestByteConservation checks spec.md §8's "byte conservation" property:
// total bytes reported to the write side after a completed copy equals
// the full extent of the address ranges involved.
func TestByteConservation(t *testing.T) {
	const size = 256 * 1024
	driver := bindings.NewMockDriver()
	gpu := newSingleGPU(driver, size)

	host := xferrt.NewHostMemory(size)
	dev := xferrt.NewGPUMemory(gpu, size)
	inPort := xfer.NewXferPort(host, xfer.NewAddressListCursor(size, nil))
	outPort := xfer.NewXferPort(dev, xfer.NewAddressListCursor(size, nil))

	cfg := xfer.DefaultChannelConfig()
	cfg.MinBatchBytes = 16 * 1024 // force several batches
	ch := xfer.NewChannel(xfer.ChannelToFB, gpu, cfg)
	batch := xferrt.NewBatchSource(size)
	ch.CreateXferDes([]*xfer.XferPort{inPort}, []*xfer.XferPort{outPort}, 0, xfer.RedopInfo{}, nil, 0, batch)

	sched := xferrt.NewScheduler(time.Second)
	sched.Register(ch)
	if err := sched.RunUntilIdle(driver); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}

	if inPort.LocalBytesTotal() != size {
		t.Fatalf("in LocalBytesTotal = %d, want %d", inPort.LocalBytesTotal(), size)
	}
	if outPort.LocalBytesTotal() != size {
		t.Fatalf("out LocalBytesTotal = %d, want %d", outPort.LocalBytesTotal(), size)
	}
	if inPort.LocalBytesTotal() != outPort.LocalBytesTotal() {
		t.Fatalf("in/out totals diverge: %d vs %d", inPort.LocalBytesTotal(), outPort.LocalBytesTotal())
	}
}

// TestMonotoneProgress checks that a port's LocalBytesTotal never
// decreases across successive dispatch rounds.
func TestMonotoneProgress(t *testing.T) {
	const size = 256 * 1024
	driver := bindings.NewMockDriver()
	gpu := newSingleGPU(driver, size)

	host := xferrt.NewHostMemory(size)
	dev := xferrt.NewGPUMemory(gpu, size)
	inPort := xfer.NewXferPort(host, xfer.NewAddressListCursor(size, nil))
	outPort := xfer.NewXferPort(dev, xfer.NewAddressListCursor(size, nil))

	cfg := xfer.DefaultChannelConfig()
	cfg.MinBatchBytes = 8 * 1024
	ch := xfer.NewChannel(xfer.ChannelToFB, gpu, cfg)
	batch := xferrt.NewBatchSource(size)
	ch.CreateXferDes([]*xfer.XferPort{inPort}, []*xfer.XferPort{outPort}, 0, xfer.RedopInfo{}, nil, 0, batch)

	var prev uint64
	for i := 0; i < 64; i++ {
		did, err := ch.Dispatch(xfer.NewDeadline(time.Millisecond))
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		driver.Drain()
		cur := outPort.LocalBytesTotal()
		if cur < prev {
			t.Fatalf("round %d: LocalBytesTotal decreased from %d to %d", i, prev, cur)
		}
		prev = cur
		if !did && ch.QueueLen() == 0 {
			break
		}
	}
	if prev != size {
		t.Fatalf("final LocalBytesTotal = %d, want %d", prev, size)
	}
}

// TestReferenceSafety checks that a posted fence holds an extra reference
// on the descriptor until it retires, and releases it once it does.
func TestReferenceSafety(t *testing.T) {
	const size = 4096
	driver := bindings.NewMockDriver()
	gpu := newSingleGPU(driver, size)

	host := xferrt.NewHostMemory(size)
	dev := xferrt.NewGPUMemory(gpu, size)
	inPort := xfer.NewXferPort(host, xfer.NewAddressListCursor(size, nil))
	outPort := xfer.NewXferPort(dev, xfer.NewAddressListCursor(size, nil))

	cfg := xfer.DefaultChannelConfig()
	cfg.MinBatchBytes = size
	ch := xfer.NewChannel(xfer.ChannelToFB, gpu, cfg)
	batch := xferrt.NewBatchSource(size)
	d := ch.CreateXferDes([]*xfer.XferPort{inPort}, []*xfer.XferPort{outPort}, 0, xfer.RedopInfo{}, nil, 0, batch)

	if d.RefCount() != 1 {
		t.Fatalf("RefCount() before dispatch = %d, want 1", d.RefCount())
	}

	if _, err := ch.Dispatch(xfer.NewDeadline(time.Second)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// The posted fence hasn't retired yet: the descriptor must still be
	// referenced by it.
	if d.RefCount() != 2 {
		t.Fatalf("RefCount() before drain = %d, want 2 (one logical + one fence)", d.RefCount())
	}

	driver.Drain()
	if d.RefCount() != 1 {
		t.Fatalf("RefCount() after drain = %d, want 1 (fence retired)", d.RefCount())
	}
	if !d.Done() {
		t.Fatalf("expected descriptor iteration to be complete")
	}
}

// TestStreamSelectionSoundness checks that a host-to-device copy selects
// the host-to-device stream of the destination GPU and never a stream of
// another GPU.
func TestStreamSelectionSoundness(t *testing.T) {
	driver := bindings.NewMockDriver()
	gpuA := newSingleGPU(driver, 4096)
	gpuB := newSingleGPU(driver, 4096)

	host := xferrt.NewHostMemory(4096)
	devA := xferrt.NewGPUMemory(gpuA, 4096)

	// Host -> device A: must use gpuA's H2D stream, not gpuB's.
	inPort := xfer.NewXferPort(host, xfer.NewAddressListCursor(4096, nil))
	outPort := xfer.NewXferPort(devA, xfer.NewAddressListCursor(4096, nil))
	cfg := xfer.DefaultChannelConfig()
	cfg.MinBatchBytes = 4096
	ch := xfer.NewChannel(xfer.ChannelToFB, gpuA, cfg)
	batch := xferrt.NewBatchSource(4096)
	ch.CreateXferDes([]*xfer.XferPort{inPort}, []*xfer.XferPort{outPort}, 0, xfer.RedopInfo{}, nil, 0, batch)

	var traced uint64
	gpuA.HostToDeviceStream.SetTraceHook(func(kind string, bytes, lines, planes uintptr) { traced++ })
	gpuB.HostToDeviceStream.SetTraceHook(func(kind string, bytes, lines, planes uintptr) {
		t.Fatalf("host-to-device-A copy submitted on gpuB's stream")
	})

	if _, err := ch.Dispatch(xfer.NewDeadline(time.Second)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if traced == 0 {
		t.Fatalf("expected the copy to be traced on gpuA's host-to-device stream")
	}
}
