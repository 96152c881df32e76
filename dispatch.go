package tcmu

import (
	"github.com/ceph/tcmu-runner/scsi"
	"github.com/prometheus/common/log"
)

// StubOp tags the kind of backend operation a CallStub describes.
type StubOp int

const (
	OpRead StubOp = iota
	OpWrite
	OpFlush
	OpPassthrough
	OpWriteSame
	OpDiscard
)

// CompletionFunc is invoked exactly once per CallStub that AsyncCall
// reported Pending, on whichever goroutine finishes it: a worker-pool
// goroutine, or an arbitrary goroutine owned by an aio-capable backend.
// Composite ops attach one to each sub-op stub, so one command can pass
// through several.
type CompletionFunc func(cmd *SCSICmd, status byte)

// IOCompletion is the callback a BackendAdapter invokes when one Read,
// Write, or Flush finishes. n is the number of bytes moved (ignored for
// Flush); a short n (less than the stub's requested length) is treated the
// same as an error by the Dispatcher.
type IOCompletion func(n int, err error)

// CallStub is an immutable description of one backend operation plus the
// completion it must eventually reach. Exactly one of IOV's total length
// (for Read/Write), NumBlocks (WriteSame), or Length (Discard) is
// meaningful depending on Op; Flush and Passthrough use none of them.
type CallStub struct {
	Op         StubOp
	IOV        [][]byte
	Offset     int64
	NumBlocks  uint32 // WRITE_SAME's repeat count
	Length     int64  // UNMAP's byte range
	CDBCmd     *SCSICmd // the command this stub belongs to
	Completion CompletionFunc
}

func (s *CallStub) length() int {
	n := 0
	for _, v := range s.IOV {
		n += len(v)
	}
	return n
}

// Outcome is the sum type the design notes (spec.md §9) call for in place
// of overloading a single return value with both "pending" and a concrete
// SCSI status.
type Outcome struct {
	pending bool
	status  byte
}

// Pending reports that the operation was handed off and will complete
// later via the stub's CompletionFunc.
func Pending() Outcome { return Outcome{pending: true} }

// Done reports an immediate, synchronous result: the completion callback
// was NOT invoked, and the caller is responsible for finishing the command.
func Done(status byte) Outcome { return Outcome{status: status} }

func (o Outcome) IsPending() bool { return o.pending }
func (o Outcome) Status() byte    { return o.status }

// AsyncCall is the C4 Dispatcher's single entry point. It records the
// stub's completion on the command, then either invokes the backend
// directly (aio_supported backend) or enqueues the stub onto the device's
// WorkerPool (synchronous backend).
//
// Ordering: Enqueue only appends under a mutex and signals, but a worker
// that is already waiting can pop the stub and run it, completion included,
// before AsyncCall has returned to its caller; AsyncCall does not hold the
// completion back until it returns. The callers in this package publish all
// per-command state (cmd.state, the tracker bump) before calling AsyncCall.
// Nothing here stops an aio-capable backend from calling back before its
// Read/Write/Flush/HandleCmd returns either.
func (d *Device) AsyncCall(cmd *SCSICmd, stub *CallStub) Outcome {
	cmd.completion = stub.Completion

	if status, blocked := d.lockGateStatus(cmd); blocked {
		return Done(status)
	}

	if d.Backend.AIOSupported() {
		return d.dispatchAsync(stub)
	}
	if d.Pool == nil {
		log.Errorf("tcmu: device %s has no worker pool but backend is not aio_supported", d.scsi.VolumeName)
		return Done(scsi.SamStatTaskSetFull)
	}
	d.Pool.Enqueue(stub)
	return Pending()
}

// lockGateStatus implements spec.md §4.8/S5: once NotifyLockLost or
// NotifyConnLost has fired for this device, every subsequent I/O
// short-circuits with the same status, without ever reaching the backend,
// until a later TryLock moves the device back to lockOwned.
func (d *Device) lockGateStatus(cmd *SCSICmd) (byte, bool) {
	switch d.lockStateGet() {
	case lockLost:
		return EncodeSense(cmd.sensePtr(), scsi.SenseNotReady, scsi.AscLunNotAccessibleAsymmetricAccessStateTransition, -1), true
	case lockNotConn:
		return scsi.SamStatBusy, true
	default:
		return 0, false
	}
}

// dispatchAsync invokes the backend's non-blocking entry point directly.
// Any synchronous failure becomes an immediate status WITHOUT ever having
// called the stub's completion.
func (d *Device) dispatchAsync(stub *CallStub) Outcome {
	complete := d.ioCompletionFor(stub)

	var err error
	switch stub.Op {
	case OpRead:
		err = d.Backend.Read(d, stub.IOV, stub.Offset, complete)
	case OpWrite:
		err = d.Backend.Write(d, stub.IOV, stub.Offset, complete)
	case OpFlush:
		err = d.Backend.Flush(d, complete)
	case OpWriteSame:
		// The caller (primitives.go's WriteSame) already confirmed the
		// backend implements WriteSameCapable before building this stub.
		err = d.Backend.(WriteSameCapable).WriteSame(d, stub.IOV, stub.Offset, stub.NumBlocks, complete)
	case OpDiscard:
		err = d.Backend.(DiscardCapable).Discard(d, stub.Offset, stub.Length, complete)
	case OpPassthrough:
		handled, herr := d.Backend.HandleCmd(d, stub.CDBCmd, complete)
		if !handled {
			return Done(notHandledStatus)
		}
		err = herr
	}
	if err != nil {
		return Done(d.classifySubmitError(stub, err))
	}
	return Pending()
}

// runSync executes one stub synchronously on the calling (worker) goroutine
// and returns the SCSI status to report. It is the StubRunner bound into
// every device's WorkerPool in NewDevice.
func (d *Device) runSync(stub *CallStub) byte {
	var status byte
	complete := func(n int, err error) {
		status = d.statusFromResult(stub, n, err)
	}

	var err error
	switch stub.Op {
	case OpRead:
		err = d.Backend.Read(d, stub.IOV, stub.Offset, complete)
	case OpWrite:
		err = d.Backend.Write(d, stub.IOV, stub.Offset, complete)
	case OpFlush:
		err = d.Backend.Flush(d, complete)
	case OpWriteSame:
		err = d.Backend.(WriteSameCapable).WriteSame(d, stub.IOV, stub.Offset, stub.NumBlocks, complete)
	case OpDiscard:
		err = d.Backend.(DiscardCapable).Discard(d, stub.Offset, stub.Length, complete)
	case OpPassthrough:
		handled, herr := d.Backend.HandleCmd(d, stub.CDBCmd, complete)
		if !handled {
			return notHandledStatus
		}
		err = herr
	}
	if err != nil {
		return d.classifySubmitError(stub, err)
	}
	return status
}

// ioCompletionFor builds the IOCompletion an aio backend calls back with,
// translating the raw (n, err) result into a SCSI status and delivering it
// through the stub's CompletionFunc exactly once.
func (d *Device) ioCompletionFor(stub *CallStub) IOCompletion {
	return func(n int, err error) {
		status := d.statusFromResult(stub, n, err)
		stub.Completion(stub.CDBCmd, status)
	}
}

func (d *Device) statusFromResult(stub *CallStub, n int, err error) byte {
	if err != nil {
		d.handleBackendError(err)
		buf := stub.CDBCmd.sensePtr()
		isWrite := stub.Op == OpWrite
		return ClassifyErrno(buf, err, isWrite)
	}
	if stub.Op == OpRead || stub.Op == OpWrite {
		if n < stub.length() {
			buf := stub.CDBCmd.sensePtr()
			isWrite := stub.Op == OpWrite
			asc := uint16(scsi.AscReadError)
			if isWrite {
				asc = scsi.AscWriteError
			}
			return EncodeSense(buf, scsi.SenseMediumError, asc, -1)
		}
	}
	return scsi.SamStatGood
}

// classifySubmitError handles the §4.4/§4.7 mandatory path: a non-zero
// synchronous return from Read/Write/Flush/HandleCmd before the completion
// callback was ever invoked. It must classify into stub's own command's
// sense buffer (not a throwaway one, or the initiator sees CHECK_CONDITION
// with sense key NO_SENSE) and report the real op direction (a synchronous
// WRITE submission failure uses the WRITE ASC, not the READ one).
func (d *Device) classifySubmitError(stub *CallStub, err error) byte {
	d.handleBackendError(err)
	buf := stub.CDBCmd.sensePtr()
	isWrite := stub.Op == OpWrite
	return ClassifyErrno(buf, err, isWrite)
}

// notHandledStatus is an internal sentinel never delivered to the
// transport; callers that receive it from a passthrough path MUST fall
// back to the generic primitive for the opcode instead of reporting it.
const notHandledStatus = 0xff
