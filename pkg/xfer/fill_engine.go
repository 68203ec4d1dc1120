package xfer

import "encoding/binary"

// reduceFillSize implements spec.md §4.5's initial reduction: the
// smallest power-of-two period (1, 2, or 4) whose repetition reproduces
// the whole pattern, or the full pattern length if no such period
// exists.
func reduceFillSize(fillData []byte, fillSize int) int {
	if fillSize <= 0 {
		fillSize = len(fillData)
	}
	if fillSize == 0 {
		return 0
	}
	for _, s := range []int{1, 2, 4} {
		if s > fillSize {
			break
		}
		if isPeriodic(fillData[:fillSize], s) {
			return s
		}
	}
	return fillSize
}

func isPeriodic(pattern []byte, period int) bool {
	if len(pattern)%period != 0 {
		return false
	}
	for i := period; i < len(pattern); i++ {
		if pattern[i] != pattern[i%period] {
			return false
		}
	}
	return true
}

// progressFill implements spec.md §4.5: the outer batch loop is the same
// shape as the copy engine's, but there is only ever an output side, no
// admission control, and exactly one aggregate fence per batch (a call
// that pulls several batches posts one fence for each).
func (d *XferDes) progressFill(workUntil Deadline) (bool, error) {
	didWork := false

	for {
		maxBytes := d.batchSource.GetAddresses(d.channel.Config.MinBatchBytes, d.readSeq)
		if maxBytes == 0 {
			break
		}

		outPort := d.outCtrl.current()
		if outPort == nil {
			break
		}

		gpu := d.channel.GPU
		guard, err := pushGPUContext(gpu)
		if err != nil {
			return didWork, err
		}
		stream := gpu.nextD2DStream()

		outSpanStart := outPort.LocalBytesTotal()
		var total uintptr

		for total < maxBytes {
			alc := outPort.Cursor
			offset := alc.Offset()
			outDim := alc.Dim()
			base := outPort.BasePtr

			var bytes uintptr
			switch d.ReducedFillSize {
			case 1:
				bytes, err = d.fillNative(stream, base, alc, offset, outDim, 1)
			case 2:
				bytes, err = d.fillNative(stream, base, alc, offset, outDim, 2)
			case 4:
				bytes, err = d.fillNative(stream, base, alc, offset, outDim, 4)
			default:
				bytes, err = d.fillGeneral(stream, base, alc, offset, outDim)
			}
			if err != nil {
				guard.Release()
				return didWork, err
			}
			total += bytes

			if total >= d.channel.Config.MinXferSizeForDeadline && workUntil.Expired() {
				break
			}
		}
		guard.Release()

		if total > 0 {
			comp := newTransferCompletion(d, nil, 0, 0, outPort, uintptr(outSpanStart), total)
			if err := stream.AddFence(total, comp.Complete); err != nil {
				return didWork, err
			}
		}

		didWork = true
		done := d.batchSource.RecordAddressConsumption(total, total)
		if done {
			d.iterationCompleted.Store(true)
		}
		if done || workUntil.Expired() {
			break
		}
	}

	d.readSeq.Flush()
	d.writeSeq.Flush()
	return didWork, nil
}

// fillNative handles reduced_fill_size in {1, 2, 4}: a single native
// memset for a 1D range, or one 2D striped memset for a 2D+ range. The
// R-width primitive is used throughout (spec.md §9's Open Question
// resolution: the source's 8-bit-pattern-only 2D memset is treated as an
// oversight, not required behavior).
func (d *XferDes) fillNative(stream *StreamHandle, base uintptr, alc *AddressListCursor, offset uintptr, outDim int, r int) (uintptr, error) {
	if outDim == 1 {
		bytes := alc.Remaining(0)
		if err := submitNativeMemset(stream, base+offset, d.FillData, bytes/uintptr(r), r); err != nil {
			return 0, err
		}
		alc.Advance(0, bytes)
		return bytes, nil
	}

	bytes := alc.Remaining(0)
	lines := alc.Remaining(1)
	if err := submitNativeMemset2D(stream, base+offset, alc.Stride(1), d.FillData, bytes/uintptr(r), lines, r); err != nil {
		return 0, err
	}
	alc.Advance(1, lines)
	return bytes * lines, nil
}

func submitNativeMemset(stream *StreamHandle, ptr uintptr, pattern []byte, count uintptr, r int) error {
	switch r {
	case 1:
		return stream.SubmitMemset8(ptr, pattern[0], count)
	case 2:
		return stream.SubmitMemset16(ptr, binary.LittleEndian.Uint16(pattern), count)
	default:
		return stream.SubmitMemset32(ptr, binary.LittleEndian.Uint32(pattern), count)
	}
}

func submitNativeMemset2D(stream *StreamHandle, ptr, pitch uintptr, pattern []byte, width, height uintptr, r int) error {
	switch r {
	case 1:
		return stream.SubmitMemset2D8(ptr, pitch, pattern[0], width, height)
	case 2:
		return stream.SubmitMemset2D16(ptr, pitch, binary.LittleEndian.Uint16(pattern), width, height)
	default:
		return stream.SubmitMemset2D32(ptr, pitch, binary.LittleEndian.Uint32(pattern), width, height)
	}
}

// fillGeneral handles a fill pattern with no short period: it seeds the
// first line byte-by-byte with R striped 2D memsets, then extends to
// further lines and planes by logarithmic doubling -- copying the
// already-valid prefix onto the following region so the number of D2D
// copies is O(log N) rather than O(N) (spec.md §4.5, §9).
func (d *XferDes) fillGeneral(stream *StreamHandle, base uintptr, alc *AddressListCursor, offset uintptr, outDim int) (uintptr, error) {
	r := uintptr(d.ReducedFillSize)
	bytes := alc.Remaining(0)
	elems := bytes / r

	for partial := uintptr(0); partial < r; partial++ {
		if err := stream.SubmitMemset2D8(base+offset+partial, r, d.FillData[partial], 1, elems); err != nil {
			return 0, err
		}
	}

	if outDim == 1 {
		alc.Advance(0, bytes)
		return bytes, nil
	}

	lines := alc.Remaining(1)
	lstride := alc.Stride(1)
	src := base + offset

	linesDone := uintptr(1)
	for linesDone < lines {
		todo := minUintptr(linesDone, lines-linesDone)
		dst := base + offset + linesDone*lstride
		if err := stream.SubmitCopy2D(dst, lstride, src, lstride, bytes, todo, CopyDeviceToDevice); err != nil {
			return 0, err
		}
		linesDone += todo
	}

	if outDim == 2 {
		alc.Advance(1, lines)
		return bytes * lines, nil
	}

	planes := alc.Remaining(2)
	pstride := alc.Stride(2)

	if pstride%lstride == 0 {
		planesDone := uintptr(1)
		for planesDone < planes {
			todo := minUintptr(planesDone, planes-planesDone)
			dst := base + offset + planesDone*pstride
			cp := PitchedCopy3D{
				Dst: dst, Src: src,
				DstPitch: lstride, SrcPitch: lstride,
				Width: bytes, Height: lines, Depth: todo,
				Kind: CopyDeviceToDevice,
			}
			if err := stream.SubmitCopy3D(cp); err != nil {
				return 0, err
			}
			planesDone += todo
		}
	} else {
		// pstride isn't a multiple of lstride: fall back to per-plane 2D
		// copies, always from the first plane.
		for p := uintptr(1); p < planes; p++ {
			dst := base + offset + p*pstride
			if err := stream.SubmitCopy2D(dst, lstride, src, lstride, bytes, lines, CopyDeviceToDevice); err != nil {
				return 0, err
			}
		}
	}

	alc.Advance(2, planes)
	return bytes * lines * planes, nil
}
