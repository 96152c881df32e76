package tcmu

import (
	"fmt"
	"strings"
)

// LockResult is the tri-state result of an exclusive-lock attempt exposed
// to the transport (spec.md §4.8).
type LockResult int

const (
	LockSuccess LockResult = iota
	LockFailed
	LockNotConn
)

// BackendAdapter is the contract the core consumes from a storage backend
// (spec.md §4.7). A single implementation serves both the asynchronous and
// synchronous calling convention: when AIOSupported is false the Dispatcher
// runs Read/Write/Flush/HandleCmd on a WorkerPool goroutine instead of the
// caller's, and a synchronous backend is free to block inside them and
// invoke the IOCompletion before returning.
type BackendAdapter interface {
	// AIOSupported reports whether Read/Write/Flush/HandleCmd return
	// promptly and complete asynchronously from an arbitrary goroutine.
	// When false, those calls may block and the core shunts them to a
	// per-device WorkerPool.
	AIOSupported() bool

	Open(dev *Device) error
	Close(dev *Device) error

	Read(dev *Device, iov [][]byte, offset int64, complete IOCompletion) error
	Write(dev *Device, iov [][]byte, offset int64, complete IOCompletion) error
	Flush(dev *Device, complete IOCompletion) error

	// HandleCmd is the opcode-specific fast path. handled=false means the
	// core must fall back to the generic primitive for cmd's opcode; err
	// is only meaningful when handled is true.
	HandleCmd(dev *Device, cmd *SCSICmd, complete IOCompletion) (handled bool, err error)
}

// ExclusiveLockBackend is the optional contract a clustered backend (RBD)
// implements so the core's Exclusive-Lock Coordinator (spec.md §4.8) can
// drive the acquire/break protocol. A non-clustered backend (a local file)
// has no analog and need not implement it; TryLock on such a device always
// succeeds trivially (see lock.go).
type ExclusiveLockBackend interface {
	// HasLock reports whether this client currently holds the lock.
	HasLock(dev *Device) (bool, error)
	// LockMode returns the current lock mode string reported by the
	// cluster ("exclusive" is the only mode this core tolerates).
	LockMode(dev *Device) (string, error)
	// QueryOwners returns the client identifiers currently holding (or
	// having held) the lock; empty means free.
	QueryOwners(dev *Device) ([]string, error)
	// BreakLock attempts to evict owner. A transient failure must be
	// returned as an error satisfying errors.Is(err, unix.EAGAIN); a
	// terminal connection loss as unix.ETIMEDOUT.
	BreakLock(dev *Device, owner string) error
	// AcquireExclusive takes the now-free lock. unix.ETIMEDOUT is terminal.
	AcquireExclusive(dev *Device) error
}

// WriteSameCapable is an optional capability a BackendAdapter may implement
// to claim WRITE_SAME(_16), checked by Device.WriteSame (primitives.go) once
// HandleCmd has declined the opcode; absent it, WRITE_SAME reports
// ILLEGAL_REQUEST, per spec.md §6's opcode table, the same capability-flag
// idiom the teacher uses for its opcode switch in cmd_handler.go.
type WriteSameCapable interface {
	WriteSame(dev *Device, iov [][]byte, offset int64, numBlocks uint32, complete IOCompletion) error
}

// DiscardCapable is the analogous optional capability for UNMAP, checked by
// Device.Discard.
type DiscardCapable interface {
	Discard(dev *Device, offset, length int64, complete IOCompletion) error
}

// BackendConfig is the parsed form of the `/`-delimited config string a
// transport hands to backend Open (spec.md §6):
// "backend-subtype/backend-specific-path[/opt=value[,opt=value]*]".
type BackendConfig struct {
	Subtype string
	Path    string
	Opts    map[string]string
}

// ParseBackendConfig parses the config string. Only the first two `/`
// segments are positional; everything after the second `/` is an
// optional, comma-separated set of `key=value` pairs.
func ParseBackendConfig(s string) (BackendConfig, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) < 2 {
		return BackendConfig{}, fmt.Errorf("tcmu: invalid backend config %q: need at least subtype/path", s)
	}
	cfg := BackendConfig{
		Subtype: parts[0],
		Path:    parts[1],
		Opts:    map[string]string{},
	}
	if len(parts) == 3 && parts[2] != "" {
		for _, kv := range strings.Split(parts[2], ",") {
			eq := strings.IndexByte(kv, '=')
			if eq < 0 {
				return BackendConfig{}, fmt.Errorf("tcmu: invalid backend option %q in config %q", kv, s)
			}
			cfg.Opts[kv[:eq]] = kv[eq+1:]
		}
	}
	return cfg, nil
}
