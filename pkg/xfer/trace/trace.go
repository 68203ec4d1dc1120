// Package trace records every driver call a StreamHandle submits, plus
// every fence firing, as a compact msgpack-encoded, lz4-framed log. It
// exists to make "fence coverage" (spec.md §8: every byte a batch source
// reports consumed must eventually be covered by a completion callback)
// mechanically checkable instead of eyeballed, and to give the bench CLI
// a `-trace` artifact for post-hoc inspection.
//
// The package deliberately knows nothing about pkg/xfer's types: a
// Recorder exposes a plain function matching StreamHandle.SetTraceHook's
// signature, so pkg/xfer never has to import trace.
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// EventKind distinguishes a submitted driver call from a fence firing.
type EventKind uint8

const (
	EventSubmit EventKind = iota
	EventFence
)

// Event is one recorded occurrence: either a submission (Kind, Bytes,
// Lines, Planes all meaningful) or a fence firing (only Stream and
// FenceBytes meaningful). Times are nanoseconds since the recorder's
// epoch, not wall-clock, so traces are diffable across runs.
type Event struct {
	NanosSinceStart int64     `msgpack:"t"`
	Event           EventKind `msgpack:"e"`
	Stream          uint64    `msgpack:"s"`
	Kind            string    `msgpack:"k,omitempty"`
	Bytes           uintptr   `msgpack:"b,omitempty"`
	Lines           uintptr   `msgpack:"l,omitempty"`
	Planes          uintptr   `msgpack:"p,omitempty"`
	FenceBytes      uintptr   `msgpack:"fb,omitempty"`
}

// Recorder accumulates Events from one or more streams and flushes them,
// lz4-compressed and msgpack-encoded one record at a time, to an
// io.Writer. Safe for concurrent use by multiple stream hooks.
type Recorder struct {
	mu      sync.Mutex
	w       *lz4.Writer
	epoch   time.Time
	nowFunc func() time.Time
	err     error
}

// NewRecorder wraps dst in an lz4 frame writer and sets the recorder's
// clock to start. The clock does not advance on its own: every event is
// stamped 0 until SetClock installs another time source (so traces stay
// reproducible in tests rather than depending on wall-clock).
func NewRecorder(dst io.Writer, start time.Time) *Recorder {
	zw := lz4.NewWriter(dst)
	return &Recorder{w: zw, epoch: start, nowFunc: func() time.Time { return start }}
}

// SetClock overrides the function used to timestamp events; tests use
// this to advance a fake clock deterministically between submissions.
func (r *Recorder) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFunc = now
}

func (r *Recorder) writeEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	ev.NanosSinceStart = r.nowFunc().Sub(r.epoch).Nanoseconds()
	buf, err := msgpack.Marshal(&ev)
	if err != nil {
		r.err = fmt.Errorf("trace: encode event: %w", err)
		return
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(buf)))
	if _, err := r.w.Write(lenPrefix[:]); err != nil {
		r.err = fmt.Errorf("trace: write length prefix: %w", err)
		return
	}
	if _, err := r.w.Write(buf); err != nil {
		r.err = fmt.Errorf("trace: write event: %w", err)
		return
	}
}

// Hook returns a callback matching StreamHandle.SetTraceHook's function
// signature, tagged with streamID so events from multiple streams sharing
// one Recorder can be told apart on replay.
func (r *Recorder) Hook(streamID uint64) func(kind string, bytes, lines, planes uintptr) {
	return func(kind string, bytes, lines, planes uintptr) {
		r.writeEvent(Event{Event: EventSubmit, Stream: streamID, Kind: kind, Bytes: bytes, Lines: lines, Planes: planes})
	}
}

// FenceHook returns a callback matching StreamHandle.SetFenceHook's
// function signature, tagged with streamID the same way Hook is.
func (r *Recorder) FenceHook(streamID uint64) func(fenceBytes uintptr) {
	return func(fenceBytes uintptr) {
		r.writeEvent(Event{Event: EventFence, Stream: streamID, FenceBytes: fenceBytes})
	}
}

// Close flushes and closes the underlying lz4 frame, returning any error
// accumulated during recording.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Close(); err != nil && r.err == nil {
		r.err = err
	}
	return r.err
}

// Reader replays a trace previously written by a Recorder.
type Reader struct {
	zr *lz4.Reader
}

// NewReader wraps src in an lz4 frame reader.
func NewReader(src io.Reader) *Reader {
	return &Reader{zr: lz4.NewReader(src)}
}

// Next decodes the next Event, returning io.EOF once the trace is
// exhausted.
func (r *Reader) Next() (Event, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r.zr, lenPrefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return Event{}, err
	}
	n := binary.LittleEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.zr, buf); err != nil {
		return Event{}, fmt.Errorf("trace: read event: %w", err)
	}
	var ev Event
	if err := msgpack.Unmarshal(buf, &ev); err != nil {
		return Event{}, fmt.Errorf("trace: decode event: %w", err)
	}
	return ev, nil
}

// ReadAll drains the reader, returning every event in order.
func ReadAll(src io.Reader) ([]Event, error) {
	r := NewReader(src)
	var events []Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// SubmittedBytes sums Bytes across every EventSubmit in events, for
// byte-conservation checks against a batch source's recorded total.
func SubmittedBytes(events []Event) uintptr {
	var total uintptr
	for _, ev := range events {
		if ev.Event == EventSubmit {
			total += ev.Bytes
		}
	}
	return total
}

// FencedBytes sums FenceBytes across every EventFence in events, for
// fence-coverage checks: every submitted byte must eventually appear
// here too.
func FencedBytes(events []Event) uintptr {
	var total uintptr
	for _, ev := range events {
		if ev.Event == EventFence {
			total += ev.FenceBytes
		}
	}
	return total
}
