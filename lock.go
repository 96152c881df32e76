package tcmu

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// lockState mirrors spec.md §3's Lock State: {none | owned | lost | notconn}.
type lockState int32

const (
	lockNone lockState = iota
	lockOwned
	lockLost
	lockNotConn
)

const (
	lockMaxAttempts = 5
	lockRetryPause  = 1 * time.Second
)

// lockStateGet reads the device's current lock state.
func (d *Device) lockStateGet() lockState {
	return lockState(atomic.LoadInt32(&d.lockState))
}

func (d *Device) lockStateSet(s lockState) {
	atomic.StoreInt32(&d.lockState, int32(s))
}

// TryLock runs the acquire/break protocol of spec.md §4.8. A backend that
// does not implement ExclusiveLockBackend (e.g. a local, non-clustered
// store) has nothing to coordinate and always succeeds.
func (d *Device) TryLock() LockResult {
	lb, ok := d.Backend.(ExclusiveLockBackend)
	if !ok {
		d.lockStateSet(lockOwned)
		return LockSuccess
	}

	var origOwner string
	for attempt := 0; attempt < lockMaxAttempts; attempt++ {
		has, err := lb.HasLock(d)
		if err != nil {
			logrus.Errorf("tcmu: has_lock failed: %v", err)
			return LockFailed
		}
		if has {
			d.lockStateSet(lockOwned)
			return LockSuccess
		}

		result, retry := d.breakLock(lb, &origOwner)
		if result != LockSuccess && !retry {
			return result
		}
		if result == LockSuccess {
			if err := lb.AcquireExclusive(d); err != nil {
				if errnoIs(err, unix.ETIMEDOUT) {
					d.lockStateSet(lockNotConn)
					return LockNotConn
				}
				logrus.Errorf("tcmu: acquire_exclusive failed: %v", err)
				return LockFailed
			}
			d.lockStateSet(lockOwned)
			return LockSuccess
		}
		time.Sleep(lockRetryPause)
	}
	return LockFailed
}

// breakLock implements step 2 of try_lock: query owners, validate the lock
// mode, detect a racing client, and attempt to break the current holder.
// It returns (LockSuccess, false) when the lock is now free for this client
// to acquire, or a terminal result with retry=false, or (anything, true)
// to signal "pause and retry the outer loop".
func (d *Device) breakLock(lb ExclusiveLockBackend, origOwner *string) (LockResult, bool) {
	owners, err := lb.QueryOwners(d)
	if err != nil {
		logrus.Errorf("tcmu: query_owners failed: %v", err)
		return LockFailed, false
	}
	if len(owners) == 0 {
		// No owner at all: treat as free, nothing to break.
		return LockSuccess, false
	}

	mode, err := lb.LockMode(d)
	if err != nil {
		logrus.Errorf("tcmu: lock_mode failed: %v", err)
		return LockFailed, false
	}
	if mode != "exclusive" {
		logrus.Errorf("tcmu: lock held in unexpected mode %q", mode)
		return LockFailed, false
	}

	current := owners[0]
	if *origOwner != "" && *origOwner != current {
		logrus.Errorf("tcmu: another client raced in while breaking the lock (was %q, now %q)", *origOwner, current)
		return LockFailed, false
	}

	err = lb.BreakLock(d, current)
	if err == nil {
		return LockSuccess, false
	}
	if errnoIs(err, unix.ETIMEDOUT) {
		d.lockStateSet(lockNotConn)
		return LockNotConn, false
	}
	if errnoIs(err, unix.EAGAIN) {
		*origOwner = current
		return LockFailed, true
	}
	logrus.Errorf("tcmu: break_lock failed: %v", err)
	return LockFailed, false
}

// NotifyLockLost marks the device lost: subsequent host I/O responses
// report NOT_READY/STATE_TRANSITION so the initiator fails over.
func (d *Device) NotifyLockLost() {
	if d.lockStateGet() != lockLost {
		logrus.Warnf("tcmu: device %s lost its exclusive lock", d.scsi.VolumeName)
	}
	d.lockStateSet(lockLost)
}

// NotifyConnLost marks the device connection-lost: in-flight and new I/O
// respond BUSY until the connection, and then the lock, is re-established.
func (d *Device) NotifyConnLost() {
	if d.lockStateGet() != lockNotConn {
		logrus.Warnf("tcmu: device %s lost its cluster connection", d.scsi.VolumeName)
	}
	d.lockStateSet(lockNotConn)
}

// handleBackendError inspects a completed I/O's error for the two
// lock-affecting errno values spec.md §4.8 calls out, driving the
// coordinator's state transitions from the completion path.
func (d *Device) handleBackendError(err error) {
	switch {
	case errnoIs(err, unix.ESHUTDOWN):
		d.NotifyLockLost()
	case errnoIs(err, unix.ETIMEDOUT):
		d.NotifyConnLost()
	}
}

// errnoIs checks an error (possibly github.com/pkg/errors-wrapped) against
// a specific syscall errno.
func errnoIs(err error, target unix.Errno) bool {
	return errors.Is(err, target) || errnoOf(err) == target
}
