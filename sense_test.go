package tcmu

import (
	"fmt"
	"testing"

	"github.com/ceph/tcmu-runner/scsi"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func TestEncodeSense(t *testing.T) {
	buf := make([]byte, tcmuSenseBufferSize)
	status := EncodeSense(buf, scsi.SenseIllegalRequest, scsi.AscInvalidFieldInCdb, -1)
	if status != scsi.SamStatCheckCondition {
		t.Fatalf("status = %#x, want CHECK_CONDITION", status)
	}
	if buf[2] != scsi.SenseIllegalRequest {
		t.Fatalf("sense key = %#x, want %#x", buf[2], scsi.SenseIllegalRequest)
	}
	if buf[12] != 0x24 || buf[13] != 0x00 {
		t.Fatalf("asc/ascq = %02x/%02x, want 24/00", buf[12], buf[13])
	}
}

func TestEncodeMiscompare(t *testing.T) {
	buf := make([]byte, tcmuSenseBufferSize)
	status := EncodeMiscompare(buf, 17)
	if status != scsi.SamStatCheckCondition {
		t.Fatalf("status = %#x, want CHECK_CONDITION", status)
	}
	if buf[2] != scsi.SenseMiscompare {
		t.Fatalf("sense key = %#x, want MISCOMPARE", buf[2])
	}
	got := uint32(buf[3])<<24 | uint32(buf[4])<<16 | uint32(buf[5])<<8 | uint32(buf[6])
	if got != 17 {
		t.Fatalf("information field = %d, want 17", got)
	}
}

func TestClassifyErrno(t *testing.T) {
	tests := []struct {
		err      error
		isWrite  bool
		wantStat byte
		wantKey  byte
	}{
		{unix.ENOMEM, false, scsi.SamStatTaskSetFull, 0},
		{unix.EIO, false, scsi.SamStatCheckCondition, scsi.SenseMediumError},
		{unix.EIO, true, scsi.SamStatCheckCondition, scsi.SenseMediumError},
		{unix.ETIMEDOUT, false, scsi.SamStatBusy, 0},
		{unix.ESHUTDOWN, false, scsi.SamStatCheckCondition, scsi.SenseNotReady},
		{errors.Wrap(unix.EIO, "backend failed"), false, scsi.SamStatCheckCondition, scsi.SenseMediumError},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			buf := make([]byte, tcmuSenseBufferSize)
			status := ClassifyErrno(buf, tt.err, tt.isWrite)
			if status != tt.wantStat {
				t.Fatalf("status = %#x, want %#x", status, tt.wantStat)
			}
			if tt.wantKey != 0 && buf[2] != tt.wantKey {
				t.Fatalf("sense key = %#x, want %#x", buf[2], tt.wantKey)
			}
		})
	}
}

func TestClassifyErrnoWriteUsesWriteAsc(t *testing.T) {
	buf := make([]byte, tcmuSenseBufferSize)
	ClassifyErrno(buf, unix.EIO, true)
	asc := uint16(buf[12])<<8 | uint16(buf[13])
	if asc != scsi.AscWriteError {
		t.Fatalf("asc = %#x, want AscWriteError %#x", asc, scsi.AscWriteError)
	}
}
