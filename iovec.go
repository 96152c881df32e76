package tcmu

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// seekIovec advances past n bytes of a scatter/gather list, returning a new
// list representing what remains — the "seek in iovec" operation spec.md
// §3 calls for so a composite op can hand the second half of a command's
// buffer to its next sub-op without mutating the original slices in place.
// It follows the same vecs/vecoffset walking idiom SCSICmd.Read/Write use
// in scsi_handler.go, just applied to a plain [][]byte instead of *SCSICmd.
func seekIovec(vecs [][]byte, n int) [][]byte {
	for n > 0 && len(vecs) > 0 {
		if n < len(vecs[0]) {
			out := make([][]byte, len(vecs))
			out[0] = vecs[0][n:]
			copy(out[1:], vecs[1:])
			return out
		}
		n -= len(vecs[0])
		vecs = vecs[1:]
	}
	return vecs
}

// iovecLen sums the length of a scatter/gather list.
func iovecLen(vecs [][]byte) int {
	n := 0
	for _, v := range vecs {
		n += len(v)
	}
	return n
}

// compareIovec byte-compares two scatter/gather lists up to n bytes total
// and returns the offset of the first mismatch, or -1 if they're equal
// across n bytes. Reads past the shorter list's total length count as a
// mismatch at that offset — composite ops never call this with a length
// greater than the shorter side's own buffer, so that edge case is purely
// defensive.
func compareIovec(a, b [][]byte, n int) int {
	ai, bi := 0, 0
	aoff, boff := 0, 0
	for i := 0; i < n; i++ {
		for ai < len(a) && aoff == len(a[ai]) {
			ai++
			aoff = 0
		}
		for bi < len(b) && boff == len(b[bi]) {
			bi++
			boff = 0
		}
		if ai >= len(a) || bi >= len(b) {
			return i
		}
		if a[ai][aoff] != b[bi][boff] {
			return i
		}
		aoff++
		boff++
	}
	return -1
}

// scratchBudgetBytes bounds, process-wide (scratchSem is one package-level
// semaphore shared by every Device), how many scratch-buffer bytes all
// in-flight CAW/WRITE-VERIFY sub-ops may hold at once (spec.md's memory
// discipline note that every scratch allocation must be freed on every exit
// edge, and the §9 boundary case that a WV command whose remaining length
// exceeds max_xfer_len × block_size may need to chunk). Sized well above a
// single command's largest expected transfer so ordinary traffic never
// blocks on it; it only engages under a burst of oversized commands.
const scratchBudgetBytes = 64 << 20 // 64MiB

var scratchSem = semaphore.NewWeighted(scratchBudgetBytes)

// newScratchIovec allocates a single contiguous scratch buffer of n bytes,
// returning it as a single-element iovec. Used to build the CAW/
// WRITE-VERIFY shadow read buffers. Blocks on scratchSem until n bytes of
// budget are free; releaseScratchIovec(n) must be called exactly once per
// call, on every exit edge of the sub-op that owns the buffer.
func newScratchIovec(n int) [][]byte {
	if n > 0 {
		scratchSem.Acquire(context.Background(), int64(n))
	}
	return [][]byte{make([]byte, n)}
}

// releaseScratchIovec returns n bytes of budget a matching newScratchIovec
// call acquired.
func releaseScratchIovec(n int) {
	if n > 0 {
		scratchSem.Release(int64(n))
	}
}
