package tcmu

import (
	"sync"
)

// fakeBackend is a minimal in-memory BackendAdapter double shared by
// dispatch_test.go, primitives_test.go, and composite_test.go. When async is
// true, Read/Write/Flush (and writeSameDiscardBackend's WriteSame/Discard)
// defer their IOCompletion to a goroutine (simulating a real aio-capable
// backend's "completes later" contract); otherwise they call back before
// returning, matching backend/file's style. HandleCmd calls the test's
// handleCmd hook inline either way.
type fakeBackend struct {
	mu    sync.Mutex
	store []byte
	async bool

	handleCmd func(dev *Device, cmd *SCSICmd, complete IOCompletion) (bool, error)

	readErr  error
	writeErr error
	flushErr error

	// submitErr, when set, is returned directly by Read/Write without ever
	// invoking complete — the §4.4/§4.7 synchronous-submission-failure path,
	// as opposed to readErr/writeErr which fail via the completion callback.
	submitErr error
}

func newFakeBackend(size int) *fakeBackend {
	return &fakeBackend{store: make([]byte, size)}
}

func (b *fakeBackend) AIOSupported() bool      { return b.async }
func (b *fakeBackend) Open(dev *Device) error  { return nil }
func (b *fakeBackend) Close(dev *Device) error { return nil }

func (b *fakeBackend) Read(dev *Device, iov [][]byte, offset int64, complete IOCompletion) error {
	if b.submitErr != nil {
		return b.submitErr
	}
	b.run(func() {
		if b.readErr != nil {
			complete(0, b.readErr)
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		n := 0
		off := offset
		for _, v := range iov {
			if off >= int64(len(b.store)) {
				break
			}
			copied := copy(v, b.store[off:])
			n += copied
			off += int64(copied)
			if copied < len(v) {
				break
			}
		}
		complete(n, nil)
	})
	return nil
}

func (b *fakeBackend) Write(dev *Device, iov [][]byte, offset int64, complete IOCompletion) error {
	if b.submitErr != nil {
		return b.submitErr
	}
	b.run(func() {
		if b.writeErr != nil {
			complete(0, b.writeErr)
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		n := 0
		off := offset
		for _, v := range iov {
			if off >= int64(len(b.store)) {
				break
			}
			copied := copy(b.store[off:], v)
			n += copied
			off += int64(copied)
			if copied < len(v) {
				break
			}
		}
		complete(n, nil)
	})
	return nil
}

func (b *fakeBackend) Flush(dev *Device, complete IOCompletion) error {
	b.run(func() {
		complete(0, b.flushErr)
	})
	return nil
}

func (b *fakeBackend) HandleCmd(dev *Device, cmd *SCSICmd, complete IOCompletion) (bool, error) {
	if b.handleCmd != nil {
		return b.handleCmd(dev, cmd, complete)
	}
	return false, nil
}

func (b *fakeBackend) run(f func()) {
	if b.async {
		go f()
		return
	}
	f()
}

// writeSameDiscardBackend wraps a *fakeBackend to additionally implement
// WriteSameCapable and DiscardCapable, following backend.go's optional
// interface pattern: embedding gets every fakeBackend method for free, and
// only the two capability methods need their own bodies.
type writeSameDiscardBackend struct {
	*fakeBackend

	writeSameErr error
	discardErr   error

	lastWriteSameOffset int64
	lastWriteSameBlocks uint32
	lastDiscardOffset   int64
	lastDiscardLength   int64
}

func newWriteSameDiscardBackend(size int) *writeSameDiscardBackend {
	return &writeSameDiscardBackend{fakeBackend: newFakeBackend(size)}
}

var _ WriteSameCapable = (*writeSameDiscardBackend)(nil)
var _ DiscardCapable = (*writeSameDiscardBackend)(nil)

func (b *writeSameDiscardBackend) WriteSame(dev *Device, iov [][]byte, offset int64, numBlocks uint32, complete IOCompletion) error {
	if b.writeSameErr != nil {
		return b.writeSameErr
	}
	b.lastWriteSameOffset = offset
	b.lastWriteSameBlocks = numBlocks
	b.run(func() { complete(0, nil) })
	return nil
}

func (b *writeSameDiscardBackend) Discard(dev *Device, offset, length int64, complete IOCompletion) error {
	if b.discardErr != nil {
		return b.discardErr
	}
	b.lastDiscardOffset = offset
	b.lastDiscardLength = length
	b.run(func() { complete(0, nil) })
	return nil
}

// testDevice builds a Device wired to backend, bypassing the uio transport
// entirely (NewDevice + a buffered respChan, no kernel ring). blockSize and
// nlbas size DataSizes; workers sizes the Worker Pool when backend is sync.
func testDevice(backend BackendAdapter, blockSize, nlbas int64, workers int) *Device {
	scsiHandler := &SCSIHandler{
		VolumeName: "test",
		DataSizes: DataSizes{
			VolumeSize: blockSize * nlbas,
			BlockSize:  blockSize,
		},
	}
	d := NewDevice(scsiHandler, DeviceConfig{Backend: backend, Workers: workers})
	d.respChan = make(chan SCSIResponse, 16)
	return d
}

func newTestCmd(id uint16, cdb []byte, vecs [][]byte) *SCSICmd {
	return &SCSICmd{
		id:   id,
		cdb:  cdb,
		vecs: vecs,
	}
}

// rw6CDB builds a READ(6)/WRITE(6) CDB for the given LBA and block count.
func rw6CDB(op byte, lba uint8, blocks uint8) []byte {
	return []byte{op, 0, 0, lba, blocks, 0}
}
