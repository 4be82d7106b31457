package overlaymap

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// Number of slots per bucket. Eight control bytes pack into one uint64 so
// the finder below can probe a whole bucket with plain register arithmetic
// (SWAR). No assembly required, works the same everywhere.
const bucketSize = 8

type tophashprobe uint64

// makeHashProbe broadcasts the control byte into all eight lanes.
func makeHashProbe(tophash8 tophash) tophashprobe {
	return tophashprobe((math.MaxUint64 / 255) * uint64(tophash8))
}

type bucketfinder struct {
	tophashes8le uint64
}

func (b *bucketmeta) Finder() bucketfinder {
	return bucketfinder{
		tophashes8le: binary.LittleEndian.Uint64(b.tophash8[:]),
	}
}

func (b *bucketfinder) ProbeHashMatches(tophashProbe tophashprobe) matchiter {
	hashMatches := findZeros64(b.tophashes8le ^ uint64(tophashProbe))
	return matchiter{hashMatches: hashMatches}
}

func (b *bucketfinder) EmptySlots() matchiter {
	return matchiter{hashMatches: findZeros64(b.tophashes8le)}
}

func (b *bucketfinder) PresentSlots() matchiter {
	hashMatches := findPresentTophash64(b.tophashes8le)
	return matchiter{hashMatches: hashMatches}
}

func (b *bucketfinder) MakeTombstonesIntoEmpties(m *bucketmeta) {
	const tombies = (math.MaxUint64 / 255) * uint64(tophashTombstone)
	iter := matchiter{hashMatches: findZeros64(b.tophashes8le ^ tombies)}

	for ; iter.HasCurrent(); iter.Advance() {
		slotInBucket := iter.Current()
		m.tophash8[slotInBucket] = tophashEmpty
	}
}

type matchiter struct {
	hashMatches uint64
}

func (m *matchiter) HasCurrent() bool {
	return m.hashMatches != 0
}

func (m *matchiter) Current() uint8 {
	bit := bits.TrailingZeros64(m.hashMatches)
	idx := bit / 8
	return uint8(idx)
}

func (m *matchiter) Advance() {
	// unset the lowest set bit
	m.hashMatches = m.hashMatches & (m.hashMatches - 1)
}

func (m *matchiter) Count() uint8 {
	return uint8(bits.OnesCount64(m.hashMatches))
}

// findZeros64 marks the top bit of every all-zero byte.
func findZeros64(v uint64) uint64 {
	const c1 = (math.MaxUint64 / 255) * 0b0111_1111
	const topbit = (math.MaxUint64 / 255) * 0b1000_0000
	return ^((v&c1 + c1) | v) & topbit
}

func findPresentTophash64(v uint64) uint64 {
	const c1 = (math.MaxUint64 / 255) * 0b0111_1111
	const topbit = (math.MaxUint64 / 255) * 0b1000_0000
	// with the current values of tophashEmpty and tophashTombstone
	// the '(... + c1)' will only set the top bit to 1 if the
	// hash is neither of those special values
	return ((v & c1) + c1) & topbit
}
