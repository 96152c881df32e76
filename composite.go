package tcmu

import (
	"github.com/ceph/tcmu-runner/scsi"
)

// This file implements the C6 Composite Ops (spec.md §4.6): COMPARE-AND-WRITE
// and WRITE-VERIFY, each built by chaining primitive read/write CallStubs
// through the same Dispatcher the C5 primitives use, rather than by calling
// a backend directly. A composite op's cmd.state carries the sub-op
// bookkeeping across arbitrary async hops; Go's GC owns the backing memory
// newScratchIovec allocates, but the iovec.go scratchSem budget it draws
// from is not GC-managed, so each shadow/read-back buffer's
// releaseScratchIovec call is paired explicitly at the point it's consumed,
// matching spec.md's "freed on every exit edge" memory discipline.
//
// Both composites report a miscompare on cmp_offset != -1: the source's CAW
// logic instead treated cmp_offset == -1 ("no mismatch") as the failure
// branch, which spec.md §9 calls out as a bug. This implementation uses the
// corrected, consistent condition in both CAW and WV.

type compareAndWriteState struct {
	requested int
	offset    int64
	shadow    [][]byte
}

// CompareAndWrite implements the CAW state machine: read the pre-image at
// the command's LBA, compare it against the first half of the command's
// I/O vector, and if (and only if) they match, write the second half in
// its place.
func (d *Device) CompareAndWrite(cmd *SCSICmd) Outcome {
	total := iovecLen(cmd.vecs)
	requested := total / 2
	if requested == 0 {
		// Edge case 8: nothing to compare or write.
		return Done(scsi.SamStatGood)
	}

	st := &compareAndWriteState{
		requested: requested,
		offset:    int64(cmd.LBA()) * d.BlockSize(),
		shadow:    newScratchIovec(requested),
	}
	cmd.state = st

	d.commandStart()
	stub := &CallStub{
		Op:         OpRead,
		IOV:        st.shadow,
		Offset:     st.offset,
		CDBCmd:     cmd,
		Completion: d.cawReadDone,
	}
	outcome := d.AsyncCall(cmd, stub)
	if !outcome.IsPending() {
		releaseScratchIovec(st.requested) // the read never ran; cawReadDone won't release it
		d.commandFinish(cmd, outcome.Status(), false)
	}
	return outcome
}

// cawReadDone is the AWAIT_READ state: on GOOD status it byte-compares the
// shadow pre-image against the command's first half and either finishes
// with MISCOMPARE or advances to ISSUE_WRITE.
func (d *Device) cawReadDone(cmd *SCSICmd, status byte) {
	st := cmd.state.(*compareAndWriteState)
	releaseScratchIovec(st.requested) // shadow is consumed below regardless of status
	if status != scsi.SamStatGood {
		d.commandFinish(cmd, status, true)
		return
	}

	off := compareIovec(st.shadow, cmd.vecs, st.requested)
	if off != -1 {
		mstatus := EncodeMiscompare(cmd.sensePtr(), int64(off))
		d.commandFinish(cmd, mstatus, true)
		return
	}

	writeVecs := seekIovec(cmd.vecs, st.requested)
	stub := &CallStub{
		Op:         OpWrite,
		IOV:        writeVecs,
		Offset:     st.offset,
		CDBCmd:     cmd,
		Completion: d.cawWriteDone,
	}
	outcome := d.AsyncCall(cmd, stub)
	if !outcome.IsPending() {
		d.commandFinish(cmd, outcome.Status(), true)
	}
}

// cawWriteDone is the terminal ISSUE_WRITE/AWAIT_WRITE -> DONE transition:
// whatever status the write produced is the composite's final status.
func (d *Device) cawWriteDone(cmd *SCSICmd, status byte) {
	d.commandFinish(cmd, status, true)
}

type writeVerifyState struct {
	remaining int
	requested int
	offset    int64
	writeVecs [][]byte
	readBuf   [][]byte
}

// WriteVerify implements the WV state machine: write the full I/O vector,
// read it back, and byte-compare; on a match with bytes still remaining
// (only possible if a future chunking implementer shrinks requested below
// remaining), re-enter ISSUE_WRITE for the next batch.
func (d *Device) WriteVerify(cmd *SCSICmd) Outcome {
	st := &writeVerifyState{
		remaining: iovecLen(cmd.vecs),
		offset:    int64(cmd.LBA()) * d.BlockSize(),
		writeVecs: cmd.vecs,
	}
	cmd.state = st

	d.commandStart()
	outcome := d.wvIssueWrite(cmd, st)
	if !outcome.IsPending() {
		d.commandFinish(cmd, outcome.Status(), false)
	}
	return outcome
}

// wvIssueWrite builds and submits the write sub-op for the current batch.
// Single-batch per spec.md §4.6.2: requested always covers all of
// remaining, so the NEXT_BATCH edge in wvReadDone below never actually
// loops, but is kept intact for a future chunked implementation.
func (d *Device) wvIssueWrite(cmd *SCSICmd, st *writeVerifyState) Outcome {
	st.requested = st.remaining
	stub := &CallStub{
		Op:         OpWrite,
		IOV:        st.writeVecs,
		Offset:     st.offset,
		CDBCmd:     cmd,
		Completion: d.wvWriteDone,
	}
	return d.AsyncCall(cmd, stub)
}

// wvWriteDone is AWAIT_WRITE: on success it issues the read-back.
func (d *Device) wvWriteDone(cmd *SCSICmd, status byte) {
	st := cmd.state.(*writeVerifyState)
	if status != scsi.SamStatGood {
		d.commandFinish(cmd, status, true)
		return
	}

	st.readBuf = newScratchIovec(st.requested)
	stub := &CallStub{
		Op:         OpRead,
		IOV:        st.readBuf,
		Offset:     st.offset,
		CDBCmd:     cmd,
		Completion: d.wvReadDone,
	}
	outcome := d.AsyncCall(cmd, stub)
	if !outcome.IsPending() {
		releaseScratchIovec(st.requested) // the read-back never ran; wvReadDone won't release it
		d.commandFinish(cmd, outcome.Status(), true)
	}
}

// wvReadDone is VERIFY: byte-compares the read-back buffer against what was
// written, and either reports MISCOMPARE, finishes GOOD, or (chunked case)
// advances to the next batch.
func (d *Device) wvReadDone(cmd *SCSICmd, status byte) {
	st := cmd.state.(*writeVerifyState)
	releaseScratchIovec(st.requested) // read-back buffer is consumed below regardless of status
	if status != scsi.SamStatGood {
		d.commandFinish(cmd, status, true)
		return
	}

	off := compareIovec(st.readBuf, st.writeVecs, st.requested)
	if off != -1 {
		mstatus := EncodeMiscompare(cmd.sensePtr(), int64(off))
		d.commandFinish(cmd, mstatus, true)
		return
	}

	st.remaining -= st.requested
	if st.remaining == 0 {
		d.commandFinish(cmd, scsi.SamStatGood, true)
		return
	}

	st.offset += int64(st.requested)
	st.writeVecs = seekIovec(st.writeVecs, st.requested)
	outcome := d.wvIssueWrite(cmd, st)
	if !outcome.IsPending() {
		d.commandFinish(cmd, outcome.Status(), true)
	}
}
