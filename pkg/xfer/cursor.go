package xfer

import "fmt"

// DimExtent describes one outer dimension (dim >= 1) of a rectangular
// address range: a count of elements and the byte stride between
// consecutive elements.
type DimExtent struct {
	Count  uintptr
	Stride uintptr
}

// AddressListCursor iterates a rectangular, up-to-K-dimensional address
// range. Dim 0 is always the innermost, contiguous-byte run; dims 1..K-1
// are rows/planes/etc with a count and a byte stride.
//
// After every Advance/SkipBytes call a fully consumed line is popped
// at once, so dim 0 is either fresh (dim0Consumed == 0), partway through a
// line, or the cursor is done. Partial consumption lowers Dim(): a
// partial line reports 1, and a partly consumed row/plane at dim d
// (below the outermost) reports d+1 -- this is what lets the copy/fill
// engines detect a ragged split.
type AddressListCursor struct {
	lineWidth uintptr
	counts    []uintptr // index 1..ndims-1 used; index 0 is a placeholder
	strides   []uintptr

	ndims        int
	idx          []uintptr
	dim0Consumed uintptr
	offset       uintptr
	done         bool
}

// NewAddressListCursor builds a cursor over a rectangular range whose
// innermost run is lineWidth contiguous bytes, and whose outer dims are
// given from innermost (dims[0]) to outermost.
func NewAddressListCursor(lineWidth uintptr, dims []DimExtent) *AddressListCursor {
	c := &AddressListCursor{
		lineWidth: lineWidth,
		ndims:     1 + len(dims),
		counts:    make([]uintptr, 1+len(dims)),
		strides:   make([]uintptr, 1+len(dims)),
		idx:       make([]uintptr, 1+len(dims)),
	}
	for i, d := range dims {
		c.counts[i+1] = d.Count
		c.strides[i+1] = d.Stride
	}
	if lineWidth == 0 {
		c.done = true
	}
	for _, d := range dims {
		if d.Count == 0 {
			c.done = true
		}
	}
	return c
}

// Offset returns the current byte offset from the cursor's base.
func (c *AddressListCursor) Offset() uintptr {
	return c.offset
}

// Dim returns the current effective dimensionality: 1 whenever dim 0 is
// mid-line (a ragged split left a partial line), d+1 when the lowest
// partly consumed dim below the outermost is d, else the cursor's full
// configured depth. Returns 0 once the cursor is exhausted.
func (c *AddressListCursor) Dim() int {
	if c.done {
		return 0
	}
	if c.dim0Consumed != 0 {
		return 1
	}
	for d := 1; d < c.ndims-1; d++ {
		if c.idx[d] != 0 {
			return d + 1
		}
	}
	return c.ndims
}

// Remaining returns, for dim 0, the contiguous bytes left in the current
// line; for dim d >= 1, the count of rows/planes/etc left at that level.
func (c *AddressListCursor) Remaining(d int) uintptr {
	if c.done {
		return 0
	}
	if d == 0 {
		return c.lineWidth - c.dim0Consumed
	}
	if d >= c.ndims {
		return 0
	}
	return c.counts[d] - c.idx[d]
}

// Stride returns the byte stride between successive indices at dim d.
// Dim 0 has no real stride; by convention it returns the line width.
func (c *AddressListCursor) Stride(d int) uintptr {
	if d == 0 {
		return c.lineWidth
	}
	if d >= c.ndims {
		return 0
	}
	return c.strides[d]
}

// Advance consumes n units at dim d: bytes if d == 0, element counts
// otherwise. It collapses fully-drained dims into the next dim up,
// re-deriving Offset from scratch so cascading pops never drift.
func (c *AddressListCursor) Advance(d int, n uintptr) {
	if c.done {
		if n == 0 {
			return
		}
		panic("xfer: advance on exhausted address list cursor")
	}
	if d == 0 {
		if n > c.Remaining(0) {
			panic(fmt.Sprintf("xfer: advance(0, %d) exceeds remaining %d", n, c.Remaining(0)))
		}
		c.dim0Consumed += n
		if c.dim0Consumed == c.lineWidth {
			c.popLine()
		}
	} else {
		if d >= c.ndims {
			panic(fmt.Sprintf("xfer: advance at dim %d exceeds configured depth %d", d, c.ndims))
		}
		if n > c.Remaining(d) {
			panic(fmt.Sprintf("xfer: advance(%d, %d) exceeds remaining %d", d, n, c.Remaining(d)))
		}
		c.idx[d] += n
		c.cascade(d)
	}
	c.recomputeOffset()
}

// popLine resets dim 0 to fresh and bumps the next outer dim by one,
// cascading upward through any dims that are now fully drained.
func (c *AddressListCursor) popLine() {
	c.dim0Consumed = 0
	if c.ndims == 1 {
		c.done = true
		return
	}
	c.idx[1]++
	c.cascade(1)
}

// cascade rolls a fully-drained dim d into dim d+1, recursing upward.
// If the outermost dim drains, the cursor is exhausted.
func (c *AddressListCursor) cascade(d int) {
	for c.idx[d] == c.counts[d] {
		if d+1 >= c.ndims {
			c.done = true
			return
		}
		c.idx[d] = 0
		d++
		c.idx[d]++
	}
}

func (c *AddressListCursor) recomputeOffset() {
	if c.done {
		return
	}
	off := c.dim0Consumed
	for d := 1; d < c.ndims; d++ {
		off += c.idx[d] * c.strides[d]
	}
	c.offset = off
}

// SkipBytes discards n bytes without any driver call, crossing as many
// lines/planes as necessary.
func (c *AddressListCursor) SkipBytes(n uintptr) {
	for n > 0 {
		if c.done {
			panic("xfer: skip_bytes exceeds address list cursor extent")
		}
		r0 := c.Remaining(0)
		if n < r0 {
			c.dim0Consumed += n
			c.recomputeOffset()
			return
		}
		n -= r0
		c.dim0Consumed = c.lineWidth // the rest of this line is skipped
		c.popLine()
		c.recomputeOffset()
	}
}

// Done reports whether every dim of the cursor has been fully consumed.
func (c *AddressListCursor) Done() bool {
	return c.done
}

// TotalBytes returns the full byte extent the cursor was constructed
// over (used by tests and by conservation checks).
func (c *AddressListCursor) TotalBytes() uintptr {
	total := c.lineWidth
	for d := 1; d < c.ndims; d++ {
		total *= c.counts[d]
	}
	return total
}
