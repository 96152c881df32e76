package tcmu

import (
	"bytes"
	"testing"

	"github.com/ceph/tcmu-runner/scsi"
	"github.com/stretchr/testify/require"
)

// S1: CAW success. Block size 512, LBA 10, iovec 1024 bytes (first half
// 0xAA, second half 0xBB), backend pre-image at byte 5120 already 0xAA.
func TestCompareAndWriteSuccess(t *testing.T) {
	backend := newFakeBackend(8192)
	preimage := bytes.Repeat([]byte{0xAA}, 512)
	copy(backend.store[5120:5632], preimage)
	d := testDevice(backend, 512, 16, 1)
	defer d.Pool.Close()

	iov := append(bytes.Repeat([]byte{0xAA}, 512), bytes.Repeat([]byte{0xBB}, 512)...)
	cmd := newTestCmd(1, []byte{scsi.CompareAndWrite, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 1, 0, 0, 0, 0}, [][]byte{iov})
	cmd.device = d

	outcome := d.CompareAndWrite(cmd)
	require.True(t, outcome.IsPending())

	resp := drainResponse(t, d)
	require.Equal(t, byte(scsi.SamStatGood), resp.status)
	require.Equal(t, bytes.Repeat([]byte{0xBB}, 512), backend.store[5120:5632])
}

// S2: CAW miscompare. Same as S1 but byte 17 of the pre-image differs from
// the command's compare half. No WRITE may be issued; status must be
// MISCOMPARE with the sense descriptor set to big-endian 17.
func TestCompareAndWriteMiscompareAtByte17(t *testing.T) {
	backend := newFakeBackend(8192)
	preimage := bytes.Repeat([]byte{0xAA}, 512)
	preimage[17] = 0x00
	copy(backend.store[5120:5632], preimage)
	original := append([]byte(nil), backend.store...)
	d := testDevice(backend, 512, 16, 1)
	defer d.Pool.Close()

	iov := append(bytes.Repeat([]byte{0xAA}, 512), bytes.Repeat([]byte{0xBB}, 512)...)
	cmd := newTestCmd(1, []byte{scsi.CompareAndWrite, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 1, 0, 0, 0, 0}, [][]byte{iov})
	cmd.device = d

	d.CompareAndWrite(cmd)
	resp := drainResponse(t, d)

	require.Equal(t, byte(scsi.SamStatCheckCondition), resp.status)
	require.Equal(t, byte(scsi.SenseMiscompare), resp.senseBuffer[2])
	info := uint32(resp.senseBuffer[3])<<24 | uint32(resp.senseBuffer[4])<<16 | uint32(resp.senseBuffer[5])<<8 | uint32(resp.senseBuffer[6])
	require.EqualValues(t, 17, info)
	require.Equal(t, original, backend.store, "a miscompare must not issue the write half")
}

// S3: WV success at LBA 0, length 4096, block size 512.
func TestWriteVerifySuccess(t *testing.T) {
	backend := newFakeBackend(8192)
	d := testDevice(backend, 512, 16, 1)
	defer d.Pool.Close()

	payload := bytes.Repeat([]byte{0x5A}, 4096)
	cmd := newTestCmd(1, []byte{scsi.WriteVerify, 0, 0, 0, 0, 0, 0, 0, 0, 0}, [][]byte{payload})
	cmd.device = d

	outcome := d.WriteVerify(cmd)
	require.True(t, outcome.IsPending())

	resp := drainResponse(t, d)
	require.Equal(t, byte(scsi.SamStatGood), resp.status)
	require.Equal(t, payload, backend.store[:4096])
}

// S4: WV miscompare injected at byte 2049 of the read-back buffer.
func TestWriteVerifyMiscompareAtByte2049(t *testing.T) {
	backend := newFakeBackend(8192)
	d := testDevice(backend, 512, 16, 1)
	defer d.Pool.Close()

	payload := bytes.Repeat([]byte{0x5A}, 4096)
	// Pre-seed stale data at byte 2049; corruptingBackend's Write skips
	// that one byte so the read-back observes it instead of the payload.
	backend.store[2049] = payload[2049] ^ 0xFF
	corruptOnce := true
	d.Backend = &corruptingBackend{fakeBackend: backend, corruptOffset: 2049, once: &corruptOnce}

	cmd := newTestCmd(1, []byte{scsi.WriteVerify, 0, 0, 0, 0, 0, 0, 0, 0, 0}, [][]byte{payload})
	cmd.device = d

	d.WriteVerify(cmd)
	resp := drainResponse(t, d)

	require.Equal(t, byte(scsi.SamStatCheckCondition), resp.status)
	require.Equal(t, byte(scsi.SenseMiscompare), resp.senseBuffer[2])
	info := uint32(resp.senseBuffer[3])<<24 | uint32(resp.senseBuffer[4])<<16 | uint32(resp.senseBuffer[5])<<8 | uint32(resp.senseBuffer[6])
	require.EqualValues(t, 2049, info)
}

// corruptingBackend wraps fakeBackend so the WRITE sub-op silently skips one
// byte, letting the subsequent READ-back observe stale data there - the way
// S4 exercises the VERIFY mismatch branch without needing real media.
type corruptingBackend struct {
	*fakeBackend
	corruptOffset int
	once          *bool
}

func (b *corruptingBackend) Write(dev *Device, iov [][]byte, offset int64, complete IOCompletion) error {
	if *b.once {
		*b.once = false
		skip := b.corruptOffset
		n := 0
		off := offset
		b.mu.Lock()
		for _, v := range iov {
			for i, byteVal := range v {
				pos := int(off) + i
				if pos == skip {
					continue
				}
				b.store[pos] = byteVal
			}
			n += len(v)
			off += int64(len(v))
		}
		b.mu.Unlock()
		complete(n, nil)
		return nil
	}
	return b.fakeBackend.Write(dev, iov, offset, complete)
}

// Invariant 8: a CAW whose iovec carries nothing to compare or write
// reports GOOD immediately and never calls the backend at all.
func TestCompareAndWriteZeroLengthIovecIsNoop(t *testing.T) {
	backend := newFakeBackend(4096)
	d := testDevice(backend, 512, 8, 1)
	defer d.Pool.Close()

	cmd := newTestCmd(1, []byte{scsi.CompareAndWrite, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, [][]byte{})
	cmd.device = d

	outcome := d.CompareAndWrite(cmd)
	require.False(t, outcome.IsPending())
	require.Equal(t, byte(scsi.SamStatGood), outcome.Status())
	require.EqualValues(t, 0, d.Tracker.InFlight())
}

// scratchSem (iovec.go) bounds process-wide CAW/WV scratch bytes; a
// completed composite op must give its acquired weight back, or repeated
// commands would eventually exhaust the budget and wedge forever.
func requireScratchBudgetFullyReleased(t *testing.T) {
	t.Helper()
	require.True(t, scratchSem.TryAcquire(scratchBudgetBytes), "scratch budget leaked: a prior op never released its weight")
	scratchSem.Release(scratchBudgetBytes)
}

func TestCompareAndWriteReleasesScratchBudgetOnSuccess(t *testing.T) {
	backend := newFakeBackend(8192)
	preimage := bytes.Repeat([]byte{0xAA}, 512)
	copy(backend.store[5120:5632], preimage)
	d := testDevice(backend, 512, 16, 1)
	defer d.Pool.Close()

	iov := append(bytes.Repeat([]byte{0xAA}, 512), bytes.Repeat([]byte{0xBB}, 512)...)
	cmd := newTestCmd(1, []byte{scsi.CompareAndWrite, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 1, 0, 0, 0, 0}, [][]byte{iov})
	cmd.device = d

	d.CompareAndWrite(cmd)
	drainResponse(t, d)
	requireScratchBudgetFullyReleased(t)
}

// Same check on the miscompare path: the shadow buffer must still be
// released even though CAW never reaches cawWriteDone.
func TestCompareAndWriteReleasesScratchBudgetOnMiscompare(t *testing.T) {
	backend := newFakeBackend(8192)
	// Backend pre-image left zeroed, so it won't match the 0xAA compare half.
	d := testDevice(backend, 512, 16, 1)
	defer d.Pool.Close()

	iov := append(bytes.Repeat([]byte{0xAA}, 512), bytes.Repeat([]byte{0xBB}, 512)...)
	cmd := newTestCmd(1, []byte{scsi.CompareAndWrite, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 1, 0, 0, 0, 0}, [][]byte{iov})
	cmd.device = d

	d.CompareAndWrite(cmd)
	drainResponse(t, d)
	requireScratchBudgetFullyReleased(t)
}
