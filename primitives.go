package tcmu

import (
	"encoding/binary"

	"github.com/ceph/tcmu-runner/scsi"
)

// This file implements the C5 Primitive Ops: read, write, flush, and
// passthrough, each a thin wrapper around the C4 Dispatcher (AsyncCall).

// Read issues a primitive READ of len(cmd's iovec) bytes at lba*BlockSize.
func (d *Device) Read(cmd *SCSICmd) Outcome {
	d.commandStart()
	offset := int64(cmd.LBA()) * d.BlockSize()
	stub := &CallStub{
		Op:         OpRead,
		IOV:        cmd.vecs,
		Offset:     offset,
		CDBCmd:     cmd,
		Completion: d.finishPrimitive,
	}
	outcome := d.AsyncCall(cmd, stub)
	if !outcome.IsPending() {
		d.commandFinish(cmd, outcome.Status(), false)
	}
	return outcome
}

// Write issues a primitive WRITE of len(cmd's iovec) bytes at lba*BlockSize.
func (d *Device) Write(cmd *SCSICmd) Outcome {
	d.commandStart()
	offset := int64(cmd.LBA()) * d.BlockSize()
	stub := &CallStub{
		Op:         OpWrite,
		IOV:        cmd.vecs,
		Offset:     offset,
		CDBCmd:     cmd,
		Completion: d.finishPrimitive,
	}
	outcome := d.AsyncCall(cmd, stub)
	if !outcome.IsPending() {
		d.commandFinish(cmd, outcome.Status(), false)
	}
	return outcome
}

// Flush issues a SYNCHRONIZE_CACHE.
func (d *Device) Flush(cmd *SCSICmd) Outcome {
	d.commandStart()
	stub := &CallStub{
		Op:         OpFlush,
		CDBCmd:     cmd,
		Completion: d.finishPrimitive,
	}
	outcome := d.AsyncCall(cmd, stub)
	if !outcome.IsPending() {
		d.commandFinish(cmd, outcome.Status(), false)
	}
	return outcome
}

// Passthrough offers the backend's HandleCmd a chance to claim an opcode
// the core has no generic primitive for. Because it also runs through
// AsyncCall, the NOT_HANDLED signal can surface either synchronously
// (Done(notHandledStatus)) or from inside the completion callback; callers
// of Passthrough must check both (see opcode dispatch in cmd_handler.go).
func (d *Device) Passthrough(cmd *SCSICmd) Outcome {
	d.commandStart()
	stub := &CallStub{
		Op:         OpPassthrough,
		CDBCmd:     cmd,
		Completion: d.finishPassthrough,
	}
	outcome := d.AsyncCall(cmd, stub)
	if !outcome.IsPending() {
		if outcome.Status() != notHandledStatus {
			d.commandFinish(cmd, outcome.Status(), false)
		} else {
			// Synchronous NOT_HANDLED: no tracker bump to undo from a
			// completion hook, undo it here instead.
			d.Tracker.TrackFinish()
		}
	}
	return outcome
}

// WriteSame implements the optional WRITE_SAME(10/16) capability (spec.md
// §6's opcode table, supplemented per SPEC_FULL.md §9): a backend that
// implements WriteSameCapable gets the command's single pattern block
// repeated NumBlocks times starting at the command's LBA. cmd.XferLen()
// doubles as WRITE_SAME's NUMBER OF LOGICAL BLOCKS field; it lands at the
// identical CDB offset as the generic transfer-length field XferLen()
// already decodes for 10- and 16-byte CDBs. A backend without the
// capability declines exactly like an unimplemented passthrough opcode.
func (d *Device) WriteSame(cmd *SCSICmd) Outcome {
	if _, ok := d.Backend.(WriteSameCapable); !ok {
		status := EncodeSense(cmd.sensePtr(), scsi.SenseIllegalRequest, scsi.AscInvalidCommandOperationCode, -1)
		return Done(status)
	}

	d.commandStart()
	offset := int64(cmd.LBA()) * d.BlockSize()
	stub := &CallStub{
		Op:         OpWriteSame,
		IOV:        cmd.vecs,
		Offset:     offset,
		NumBlocks:  cmd.XferLen(),
		CDBCmd:     cmd,
		Completion: d.finishPrimitive,
	}
	outcome := d.AsyncCall(cmd, stub)
	if !outcome.IsPending() {
		d.commandFinish(cmd, outcome.Status(), false)
	}
	return outcome
}

// unmapDescriptorSize is the fixed length (SBC-3 4.4) of one UNMAP block
// descriptor: an 8-byte LBA, a 4-byte block count, and 4 reserved bytes.
const unmapDescriptorSize = 16

// Discard implements the optional UNMAP capability. Only the first block
// descriptor in the parameter list is honored, enough to give the
// capability a concrete, exercised Go expression without taking on the
// full multi-range UNMAP parameter list spec.md's distillation never asked
// for. A backend without DiscardCapable declines like an unimplemented
// WriteSame.
func (d *Device) Discard(cmd *SCSICmd) Outcome {
	if _, ok := d.Backend.(DiscardCapable); !ok {
		status := EncodeSense(cmd.sensePtr(), scsi.SenseIllegalRequest, scsi.AscInvalidCommandOperationCode, -1)
		return Done(status)
	}

	paramLen := int(cmd.XferLen())
	if paramLen < 8+unmapDescriptorSize {
		return Done(scsi.SamStatGood)
	}
	param := make([]byte, paramLen)
	if _, err := cmd.Read(param); err != nil {
		status := EncodeSense(cmd.sensePtr(), scsi.SenseIllegalRequest, scsi.AscParameterListLengthError, -1)
		return Done(status)
	}
	desc := param[8 : 8+unmapDescriptorSize]
	lba := binary.BigEndian.Uint64(desc[0:8])
	numBlocks := binary.BigEndian.Uint32(desc[8:12])

	d.commandStart()
	stub := &CallStub{
		Op:         OpDiscard,
		Offset:     int64(lba) * d.BlockSize(),
		Length:     int64(numBlocks) * d.BlockSize(),
		CDBCmd:     cmd,
		Completion: d.finishPrimitive,
	}
	outcome := d.AsyncCall(cmd, stub)
	if !outcome.IsPending() {
		d.commandFinish(cmd, outcome.Status(), false)
	}
	return outcome
}

// finishPrimitive is the tail completion callback spec.md §4.5 describes:
// track_finish, then notify the transport, then processing_complete if the
// device just went idle.
func (d *Device) finishPrimitive(cmd *SCSICmd, status byte) {
	d.commandFinish(cmd, status, true)
}

// finishPassthrough is finishPrimitive's passthrough-aware counterpart: a
// NOT_HANDLED surfaced from inside the completion callback must fall back
// to the generic primitive for cmd's opcode rather than being delivered to
// the transport.
func (d *Device) finishPassthrough(cmd *SCSICmd, status byte) {
	if status == notHandledStatus {
		d.Tracker.TrackFinish() // undo this attempt's bump; the fallback below issues its own command_start
		outcome := dispatchGenericPrimitive(d, cmd)
		if !outcome.IsPending() {
			// The primitive already called command_finish(..., notify=false)
			// on its own synchronous Done, since it has no way to know it's
			// running from a completion callback rather than HandleCommand's
			// stack frame. Deliver the response ourselves here.
			d.complete(cmd, outcome.Status())
		}
		return
	}
	d.commandFinish(cmd, status, true)
}
