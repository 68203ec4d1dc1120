package xfer

// TransferCompletion is the reference-counted fence callback of spec.md
// §4.7: created alongside a stream notification, it applies byte-progress
// updates for whichever side(s) it covers and then releases the extra
// reference acquired when the fence was posted. A nil port stands in for
// the source's port_idx == -1: "no update for that side" (used by fill,
// which has no input port).
type TransferCompletion struct {
	desc *XferDes

	readPort           *XferPort
	readOffset, readSize uintptr

	writePort            *XferPort
	writeOffset, writeSize uintptr
}

// newTransferCompletion acquires the descriptor reference that keeps it
// alive until this fence retires; the caller must post it on exactly one
// stream via StreamHandle.AddNotification or StreamHandle.AddFence.
func newTransferCompletion(desc *XferDes, readPort *XferPort, readOffset, readSize uintptr, writePort *XferPort, writeOffset, writeSize uintptr) *TransferCompletion {
	desc.AddReference()
	return &TransferCompletion{
		desc:        desc,
		readPort:    readPort,
		readOffset:  readOffset,
		readSize:    readSize,
		writePort:   writePort,
		writeOffset: writeOffset,
		writeSize:   writeSize,
	}
}

// Complete runs when the covering stream fence retires: it updates
// per-port byte totals and the batch source's view of progress, then
// releases the descriptor reference.
func (t *TransferCompletion) Complete() {
	if t.readPort != nil {
		t.readPort.addBytes(t.readSize)
		if t.desc.batchSource != nil {
			t.desc.batchSource.UpdateBytesRead(t.readPort, t.readOffset, t.readSize)
		}
	}
	if t.writePort != nil {
		t.writePort.addBytes(t.writeSize)
		if t.desc.batchSource != nil {
			t.desc.batchSource.UpdateBytesWrite(t.writePort, t.writeOffset, t.writeSize)
		}
	}
	t.desc.RemoveReference()
}
