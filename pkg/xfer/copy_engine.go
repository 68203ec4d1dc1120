package xfer

// progressCopy implements spec.md §4.4: the outer loop pulls address
// batches from the batch source, dispatches on which side(s) are
// present, and for the both-present case decomposes each batch into
// 1D/2D/3D driver copies, following hip_internal.cc's GPUXferDes::
// progress_xd control flow exactly (tie-break-input-first, admit/deadline
// break conditions, single aggregate fence per batch).
func (d *XferDes) progressCopy(workUntil Deadline) (bool, error) {
	didWork := false

	for {
		maxBytes := d.batchSource.GetAddresses(d.channel.Config.MinBatchBytes, d.readSeq)
		if maxBytes == 0 {
			break
		}

		inPort := d.inCtrl.current()
		outPort := d.outCtrl.current()

		var total uintptr
		var err error

		switch {
		case inPort != nil && outPort != nil:
			total, err = d.copyBothPresent(inPort, outPort, maxBytes, workUntil)
		case inPort != nil:
			before := inPort.Cursor.Offset()
			inPort.Cursor.SkipBytes(maxBytes)
			d.readSeq.Add(before, maxBytes)
			total = maxBytes
		case outPort != nil:
			outPort.Cursor.SkipBytes(maxBytes)
			total = maxBytes
		default:
			before := d.holeOffset.Add(maxBytes) - maxBytes
			d.writeSeq.Add(before, maxBytes)
			total = maxBytes
		}
		if err != nil {
			return didWork, err
		}

		if total == 0 {
			break
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

// copyBothPresent decomposes one max_bytes batch into 1D/2D/3D copies on
// the stream chosen for (inPort.GPU, outPort.GPU), returning the number
// of bytes actually submitted before an admit refusal, a tiled batch
// boundary, or a deadline stopped it.
func (d *XferDes) copyBothPresent(inPort, outPort *XferPort, maxBytes uintptr, workUntil Deadline) (uintptr, error) {
	inGPU, outGPU := inPort.GPU, outPort.GPU
	stream, copyKind := selectStream(inGPU, outGPU)

	guard, err := pushGPUContext(stream.GPU())
	if err != nil {
		return 0, err
	}
	defer guard.Release()

	hostDevice := inGPU == nil || outGPU == nil

	var total uintptr
	var bytesToFence uintptr
	inSpanStart := inPort.LocalBytesTotal()
	outSpanStart := outPort.LocalBytesTotal()

copyLoop:
	for total < maxBytes {
		inAlc, outAlc := inPort.Cursor, outPort.Cursor
		inOffset, outOffset := inAlc.Offset(), outAlc.Offset()
		inDim, outDim := inAlc.Dim(), outAlc.Dim()

		bytesLeft := maxBytes - total
		if hostDevice && bytesLeft > d.channel.Config.HostDeviceCapBytes {
			bytesLeft = d.channel.Config.HostDeviceCapBytes
		}

		icount := inAlc.Remaining(0)
		ocount := outAlc.Remaining(0)
		contig := minUintptr(icount, ocount, bytesLeft)

		var bytes uintptr

		switch {
		case contig == bytesLeft || (contig == icount && inDim == 1) || (contig == ocount && outDim == 1):
			// 1D fast path.
			if !stream.Admit(contig, d) {
				break copyLoop
			}
			bytes = contig
			dst := outPort.BasePtr + outOffset
			src := inPort.BasePtr + inOffset
			if err := stream.SubmitCopy1D(dst, src, bytes, copyKind); err != nil {
				return total, err
			}
			inAlc.Advance(0, bytes)
			outAlc.Advance(0, bytes)

		default:
			// Grow to a 2D copy. The input side is always split or
			// promoted first (spec.md §4.4 tie-break rule).
			id, iscale, inLstride, ilcount := splitOrPromote(inAlc, 0, contig, icount, &inDim)
			od, oscale, outLstride, olcount := splitOrPromote(outAlc, 0, contig, ocount, &outDim)
			icount, ocount = ilcount, olcount

			lines := minUintptr(icount, ocount, bytesLeft/contig)

			if (contig*lines == bytesLeft) || (lines == icount && id == inDim-1) || (lines == ocount && od == outDim-1) {
				// Stop at 2D.
				bytes = contig * lines
				if !stream.Admit(bytes, d) {
					break copyLoop
				}
				dst := outPort.BasePtr + outOffset
				src := inPort.BasePtr + inOffset
				if err := stream.SubmitCopy2D(dst, outLstride, src, inLstride, contig, lines, copyKind); err != nil {
					return total, err
				}
				inAlc.Advance(id, lines*iscale)
				outAlc.Advance(od, lines*oscale)
			} else {
				// Grow to 3D: split/promote a second time, then unroll
				// into per-plane 2D copies so admit/deadline can stop
				// early, mirroring hip_internal.cc's manual unrolling.
				var inPstride, outPstride uintptr
				if lines < icount {
					inPstride = inLstride * lines
					iplanes := icount / lines
					icount = iplanes
					iscale *= lines
				} else {
					id++
					inPstride = inAlc.Stride(id)
					icount = inAlc.Remaining(id)
					iscale = 1
				}
				if lines < ocount {
					outPstride = outLstride * lines
					oplanes := ocount / lines
					ocount = oplanes
					oscale *= lines
				} else {
					od++
					outPstride = outAlc.Stride(od)
					ocount = outAlc.Remaining(od)
					oscale = 1
				}

				planes := minUintptr(icount, ocount, bytesLeft/(contig*lines))

				var actPlanes uintptr
				for actPlanes < planes {
					if !stream.Admit(contig*lines, d) {
						break
					}
					src := inPort.BasePtr + inOffset + actPlanes*inPstride
					dst := outPort.BasePtr + outOffset + actPlanes*outPstride
					if err := stream.SubmitCopy2D(dst, outLstride, src, inLstride, contig, lines, copyKind); err != nil {
						return total, err
					}
					actPlanes++
					if workUntil.Expired() {
						break
					}
				}
				if actPlanes == 0 {
					break copyLoop
				}
				bytes = contig * lines * actPlanes
				inAlc.Advance(id, actPlanes*iscale)
				outAlc.Advance(od, actPlanes*oscale)
			}
		}

		total += bytes
		bytesToFence += bytes

		if total >= d.channel.Config.MinXferSizeForDeadline && workUntil.Expired() {
			break
		}
	}

	if bytesToFence > 0 {
		comp := newTransferCompletion(d, inPort, uintptr(inSpanStart), bytesToFence, outPort, uintptr(outSpanStart), bytesToFence)
		if err := stream.AddNotification(bytesToFence, comp.Complete); err != nil {
			return total, err
		}
	}

	return total, nil
}

// splitOrPromote implements the "grow to 2D/3D" side-independent rule
// used twice per hip_internal.cc's progress_xd: if contig doesn't
// consume the side's whole dim-0 run, synthesize a line dimension out of
// dim 0 (splitting); otherwise promote the side's existing next real dim.
// dim is updated in place to 1 when a split doesn't tile the outer count
// exactly, since no further dim can be trusted beyond that leftover.
func splitOrPromote(alc *AddressListCursor, atDim int, contig, count uintptr, dim *int) (chosenDim int, scale, lstride, newCount uintptr) {
	if contig < count {
		lstride = contig
		lines := count / contig
		if lines*contig != count {
			*dim = 1
		}
		return 0, contig, lstride, lines
	}
	d := atDim + 1
	return d, 1, alc.Stride(d), alc.Remaining(d)
}

func minUintptr(vals ...uintptr) uintptr {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
