package tcmu

import (
	"encoding/binary"

	"github.com/ceph/tcmu-runner/scsi"
	"golang.org/x/sys/unix"
)

// senseInformationOffset is the offset of the 4-byte INFORMATION field in a
// fixed-format sense buffer (SPC-4 4.5.3). MISCOMPARE uses it to carry the
// byte offset of the first differing byte.
const senseInformationOffset = 3

// EncodeSense writes fixed-format SCSI sense data into buf and returns the
// SAM status the caller should report alongside it. key/asc follow the same
// convention as SCSICmd.CheckCondition; when descriptor is non-negative its
// value is written big-endian into the INFORMATION field, which is how a
// MISCOMPARE byte offset is surfaced to the initiator.
func EncodeSense(buf []byte, key byte, asc uint16, descriptor int64) byte {
	if len(buf) < tcmuSenseBufferSize {
		panic("sense buffer too small")
	}
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = 0x70 /* fixed, current */
	buf[2] = key
	buf[7] = 0xa
	buf[12] = byte((asc >> 8) & 0xff)
	buf[13] = byte(asc & 0xff)
	if descriptor >= 0 {
		binary.BigEndian.PutUint32(buf[senseInformationOffset:senseInformationOffset+4], uint32(descriptor))
	}
	return scsi.SamStatCheckCondition
}

// EncodeMiscompare is the CAW/WRITE-VERIFY specific helper: it always
// reports CHECK_CONDITION/MISCOMPARE/MISCOMPARE_DURING_VERIFY, with the
// first-mismatch byte offset in the INFORMATION field.
func EncodeMiscompare(buf []byte, offset int64) byte {
	return EncodeSense(buf, scsi.SenseMiscompare, scsi.AscMiscompareDuringVerifyOperation, offset)
}

// ClassifyErrno maps an OS/backend errno (as surfaced by a BackendAdapter,
// per spec.md §4.1/§4.7) onto a SCSI status and, where relevant, sense data.
// It does not itself mutate device lock state; callers that need the
// notify_lock_lost/notify_conn_lost side effects of ESHUTDOWN/ETIMEDOUT
// drive the Exclusive-Lock Coordinator separately (see lock.go).
func ClassifyErrno(buf []byte, err error, isWrite bool) byte {
	errno := errnoOf(err)
	switch errno {
	case unix.ENOMEM:
		return scsi.SamStatTaskSetFull
	case unix.EIO:
		asc := uint16(scsi.AscReadError)
		if isWrite {
			asc = scsi.AscWriteError
		}
		return EncodeSense(buf, scsi.SenseMediumError, asc, -1)
	case unix.ETIMEDOUT:
		return scsi.SamStatBusy
	case unix.ESHUTDOWN:
		return EncodeSense(buf, scsi.SenseNotReady, scsi.AscLunNotAccessibleAsymmetricAccessStateTransition, -1)
	default:
		asc := uint16(scsi.AscReadError)
		if isWrite {
			asc = scsi.AscWriteError
		}
		return EncodeSense(buf, scsi.SenseMediumError, asc, -1)
	}
}

// errnoOf unwraps a (possibly github.com/pkg/errors-wrapped) error down to
// the underlying syscall.Errno, matching the teacher's practice of treating
// backend errors as plain negative-errno returns.
func errnoOf(err error) unix.Errno {
	type causer interface{ Cause() error }
	for err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno
		}
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return 0
}
