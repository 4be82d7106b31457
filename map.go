package overlaymap

import (
	"iter"
	"math/rand/v2"
)

type tophash = uint8

const (
	tophashEmpty     tophash = 0b0000_0000
	tophashTombstone tophash = 0b1000_0000
)

// fixTophash adjusts the hash so that it's never the marker for empty or
// tombstone
func fixTophash(hash uint8) tophash {
	// For current values of empty and tombstone the lower 7 bits are all zeros
	// and both "empty" and "tombstone" are the only two possible values with
	// that property.
	var add uint8
	if (hash & 0b0111_1111) == 0 {
		add = 1
	}
	return hash + add
}

func isMarkerTophash(hash tophash) bool {
	return hash&0b0111_1111 == 0
}

// holds the control byte for each slot in the bucket
type bucketmeta struct {
	// top 8-bits of the hash adjusted with fixTophash()
	tophash8 [bucketSize]tophash
}

type bucket[K comparable, V any] struct {
	keys  [bucketSize]K
	cells [bucketSize]Cell[V]
}

// A Map is a two-layered map. Every key owns a current value, the
// foreground, and optionally the value it most recently replaced, the
// background. Updating a key keeps exactly one step of history without ever
// copying or relocating the retained value; see Cell for how.
//
// Keys present in the map always have a foreground value. An entry whose
// last value is pulled is removed from the table, never left behind empty.
//
// A Map is not safe for concurrent mutation; the caller serializes writers.
// Read-only calls (Foreground, Background, Len, IsEmpty, All, Backgrounds)
// may run concurrently from multiple goroutines, but only while no mutation
// is in flight and only if V itself tolerates being read from several
// goroutines.
type Map[K comparable, V any] struct {
	hasher  Hasher[K]
	metas   []bucketmeta
	buckets []bucket[K, V]
	seed    uint64
	len     int
	tombs   int
}

// Make makes an empty Map hashing keys with the runtime's hash for
// comparable types. Allocation of the table is deferred to the first push.
func Make[K comparable, V any]() *Map[K, V] {
	return MakeWithHasher[K, V](comparableHasher[K]())
}

// MakeWithSize makes an empty Map presized to hold size entries without
// growing.
func MakeWithSize[K comparable, V any](size int) *Map[K, V] {
	return MakeWithSizeAndHasher[K, V](size, comparableHasher[K]())
}

// MakeWithHasher makes an empty Map that hashes keys with the given hasher.
// Pass in a good one; the table degrades to linear scanning when fed a hash
// function that can't tell keys apart.
func MakeWithHasher[K comparable, V any](hasher Hasher[K]) *Map[K, V] {
	m := new(Map[K, V])
	m.hasher = hasher
	m.seed = rand.Uint64()
	return m
}

// MakeWithSizeAndHasher makes an empty Map with both a size hint and a
// caller-picked hasher.
func MakeWithSizeAndHasher[K comparable, V any](size int, hasher Hasher[K]) *Map[K, V] {
	m := MakeWithHasher[K, V](hasher)
	if size > 0 {
		m.rebuild(numBucketsForSize(size))
	}
	return m
}

// maxLoadFor is the entry count at which a table of numBuckets buckets wants
// rebuilding.
func maxLoadFor(numBuckets int) int {
	if numBuckets <= 2 {
		// Small maps just fill up completely. Probing through one or two
		// buckets is nothing and we get to defer the grow.
		return numBuckets * bucketSize
	}
	return numBuckets * bucketSize * 9 / 10
}

func numBucketsForSize(size int) int {
	numBuckets := 1
	for maxLoadFor(numBuckets) < size {
		numBuckets *= 2
	}
	return numBuckets
}

// Len returns the number of keys in the map.
func (m *Map[K, V]) Len() int {
	return m.len
}

// IsEmpty reports whether the map holds no keys.
func (m *Map[K, V]) IsEmpty() bool {
	return m.len == 0
}

// slotref addresses one occupied slot of the table.
type slotref[K comparable, V any] struct {
	meta *bucketmeta
	b    *bucket[K, V]
	slot uint8
}

func (r slotref[K, V]) cell() *Cell[V] {
	return &r.b.cells[r.slot]
}

// locate finds the slot holding k. One probe, no insertion.
func (m *Map[K, V]) locate(k K) (slotref[K, V], bool) {
	if len(m.buckets) == 0 {
		return slotref[K, V]{}, false
	}

	hash := m.hasher(k, m.seed)
	tophash8 := fixTophash(uint8(hash >> 56))
	probe := makeHashProbe(tophash8)

	mask := uint(len(m.metas) - 1)
	bucketIndex := uint(hash) & mask
	max := bucketIndex + uint(len(m.metas)) // loop around once

	for {
		meta := &m.metas[bucketIndex&mask]
		finder := meta.Finder()

		hashMatches := finder.ProbeHashMatches(probe)
		for ; hashMatches.HasCurrent(); hashMatches.Advance() {
			idx := hashMatches.Current()

			b := &m.buckets[bucketIndex&mask]
			if b.keys[idx] == k {
				return slotref[K, V]{meta: meta, b: b, slot: idx}, true
			}
		}

		empties := finder.EmptySlots()
		if empties.HasCurrent() {
			// No need to look further - the probing during inserting would
			// have placed the key into this slot.
			return slotref[K, V]{}, false
		}

		bucketIndex++
		if bucketIndex == max {
			return slotref[K, V]{}, false
		}
	}
}

// entry finds the cell for k or claims a fresh slot for it, in one probe.
// The claimed cell is empty and already counted; the caller must fill it.
func (m *Map[K, V]) entry(k K) (*Cell[V], bool) {
	hash := m.hasher(k, m.seed)
	tophash8 := fixTophash(uint8(hash >> 56))
	probe := makeHashProbe(tophash8)

	if len(m.buckets) == 0 {
		// fused alloc for the first insert
		arrs := new(struct {
			metas   [1]bucketmeta
			buckets [1]bucket[K, V]
		})
		m.metas = arrs.metas[:]
		m.buckets = arrs.buckets[:]
	}

top:
	metas := m.metas
	mask := uint(len(metas) - 1)
	bucketIndex := uint(hash) & mask
	max := bucketIndex + uint(len(metas)) // loop around once

	for {
		meta := &metas[bucketIndex&mask]
		finder := meta.Finder()

		hashMatches := finder.ProbeHashMatches(probe)
		for ; hashMatches.HasCurrent(); hashMatches.Advance() {
			idx := hashMatches.Current()

			b := &m.buckets[bucketIndex&mask]
			if b.keys[idx] == k {
				return &b.cells[idx], true
			}
		}

		// If we see an empty slot then we can take it. An earlier insert of
		// the same key would have already been found as part of the probing,
		// so we know that the key doesn't exist in the map yet.
		empties := finder.EmptySlots()
		if empties.HasCurrent() {
			if m.len+m.tombs >= maxLoadFor(len(metas)) {
				// Rebuild before claiming so that the cell pointer we hand
				// out stays valid. Rebuilding also clears tombstones.
				m.makeSpace()
				goto top
			}

			idx := empties.Current()

			b := &m.buckets[bucketIndex&mask]
			b.keys[idx] = k
			meta.tophash8[idx] = tophash8
			m.len++
			return &b.cells[idx], false
		}

		bucketIndex++
		if bucketIndex == max {
			// probed through the whole table without room, grow and retry
			m.makeSpace()
			goto top
		}
	}
}

// removeSlot clears an occupied slot whose cell has just become empty.
func (m *Map[K, V]) removeSlot(r slotref[K, V]) {
	// Snapshot the control bytes before we touch them.
	finder := r.meta.Finder()

	var zerok K
	r.b.keys[r.slot] = zerok
	r.b.cells[r.slot] = Cell[V]{}

	// If this bucket has empty slots then we know that no-one has inserted
	// past this bucket (any interested party would have inserted into one of
	// the empty slots). Which means we don't need to leave a tombstone to
	// force probes to go onwards to the following buckets.
	empties := finder.EmptySlots()
	if empties.HasCurrent() {
		r.meta.tophash8[r.slot] = tophashEmpty
	} else {
		r.meta.tophash8[r.slot] = tophashTombstone
		m.tombs++
	}
	m.len--

	if m.len == 0 {
		// When empty, release the buckets.
		m.metas = nil
		m.buckets = nil
		m.tombs = 0
	}
}

func (m *Map[K, V]) makeSpace() {
	// Tombstones rehash away for free, so double only when the table is
	// genuinely full of live entries.
	numBuckets := len(m.buckets)
	if m.tombs < numBuckets*bucketSize/4 {
		numBuckets *= 2
	}
	m.rebuild(numBuckets)
}

// rebuild reinserts every live entry into a fresh table of numBuckets
// buckets. Entries land in their preferred bucket or as close after it as
// free slots allow, which is exactly the order probing expects.
func (m *Map[K, V]) rebuild(numBuckets int) {
	oldMetas := m.metas
	oldBuckets := m.buckets

	m.metas = make([]bucketmeta, numBuckets)
	m.buckets = make([]bucket[K, V], numBuckets)
	m.tombs = 0

	mask := uint(numBuckets - 1)
	inserter := make(bucketInserter, numBuckets)
	for i := range oldMetas {
		finder := oldMetas[i].Finder()
		matches := finder.PresentSlots()
		for ; matches.HasCurrent(); matches.Advance() {
			slotInBucket := matches.Current()

			src := &oldBuckets[i]
			hash := m.hasher(src.keys[slotInBucket], m.seed)
			bucketIdx, nextFree := inserter.findSlot(uint(hash)&mask, numBuckets)

			m.metas[bucketIdx].tophash8[nextFree] = oldMetas[i].tophash8[slotInBucket]
			m.buckets[bucketIdx].keys[nextFree] = src.keys[slotInBucket]
			m.buckets[bucketIdx].cells[nextFree] = src.cells[slotInBucket]

			// NOTE: No need to clear the old slot, the whole old table is
			// dropped when we return.
		}
	}
}

// bucketInserter tracks the next free slot of every bucket during a rebuild.
// A bucket is skipped only once it is completely full, which preserves the
// wrap-once probing invariant for every key placed after it.
type bucketInserter []uint8

func (freeSlots bucketInserter) findSlot(preferredBucketIdx uint, numBuckets int) (uint, uint8) {
	idxMask := uint(numBuckets - 1)
	bucketIdx := preferredBucketIdx & idxMask
	for {
		nextFreeInBucket := freeSlots[bucketIdx]
		if nextFreeInBucket >= bucketSize {
			bucketIdx = (bucketIdx + 1) & idxMask
			continue
		}
		freeSlots[bucketIdx]++
		return bucketIdx, nextFreeInBucket
	}
}

// Foreground returns the current value for key.
func (m *Map[K, V]) Foreground(key K) (V, bool) {
	r, ok := m.locate(key)
	if !ok {
		var zero V
		return zero, false
	}
	// Entries always hold a foreground.
	return r.cell().ForegroundUnchecked(), true
}

// Background returns the previous value for key, if one is retained.
func (m *Map[K, V]) Background(key K) (V, bool) {
	r, ok := m.locate(key)
	if !ok {
		var zero V
		return zero, false
	}
	return r.cell().Background()
}

// Push installs value as the new foreground for key. The old foreground, if
// any, is demoted to the background, and whatever was in the background is
// dropped. Reports whether a foreground already existed, in which case a
// background now definitely exists.
func (m *Map[K, V]) Push(key K, value V) bool {
	cell, existed := m.entry(key)
	if existed {
		cell.Push(value)
		return true
	}
	*cell = MakeCell(value)
	return false
}

// PushIf offers the current foreground of key to pred and pushes the value
// pred returns when its second result is true. Reports whether a push
// happened. An absent key or a declining pred leaves the map untouched.
func (m *Map[K, V]) PushIf(key K, pred func(V) (V, bool)) bool {
	r, ok := m.locate(key)
	if !ok {
		return false
	}
	cell := r.cell()
	if next, ok := pred(cell.ForegroundUnchecked()); ok {
		cell.Push(next)
		return true
	}
	return false
}

// Pull removes and returns the foreground of key, promoting the background
// to foreground if one is retained. A key left with no values at all is
// removed from the map entirely.
func (m *Map[K, V]) Pull(key K) (V, bool) {
	r, ok := m.locate(key)
	if !ok {
		var zero V
		return zero, false
	}
	cell := r.cell()
	v := cell.PullUnchecked()
	if cell.IsEmpty() {
		m.removeSlot(r)
	}
	return v, true
}

// PullIf pulls the foreground of key only when pred approves of it.
// Otherwise the map is untouched and the second result is false.
func (m *Map[K, V]) PullIf(key K, pred func(V) bool) (V, bool) {
	r, ok := m.locate(key)
	if !ok {
		var zero V
		return zero, false
	}
	cell := r.cell()
	if !pred(cell.ForegroundUnchecked()) {
		var zero V
		return zero, false
	}
	v := cell.PullUnchecked()
	if cell.IsEmpty() {
		m.removeSlot(r)
	}
	return v, true
}

// Swap installs value as the new foreground for key and returns the evicted
// background, if there was one. The old foreground becomes the new
// background without its storage being touched. Mind that the returned value
// is the pre-call background, not the pre-call foreground; those are two
// different previous values. For an absent key this inserts like Push and
// evicts nothing.
func (m *Map[K, V]) Swap(key K, value V) (V, bool) {
	cell, existed := m.entry(key)
	if !existed {
		*cell = MakeCell(value)
		var zero V
		return zero, false
	}
	return cell.Swap(value)
}

// SwapIf offers the current foreground of key to pred and swaps in the value
// pred returns when its second result is true, returning the evicted
// background if there was one. An absent key or a declining pred leaves the
// map untouched.
func (m *Map[K, V]) SwapIf(key K, pred func(V) (V, bool)) (V, bool) {
	r, ok := m.locate(key)
	if !ok {
		var zero V
		return zero, false
	}
	cell := r.cell()
	next, ok := pred(cell.ForegroundUnchecked())
	if !ok {
		var zero V
		return zero, false
	}
	return cell.Swap(next)
}

// Overlay pushes every pair of the sequence in order and returns the number
// of pushes that demoted an existing foreground. Duplicate keys within the
// sequence behave exactly like repeated Push calls.
func (m *Map[K, V]) Overlay(pairs iter.Seq2[K, V]) int {
	replaced := 0
	for k, v := range pairs {
		if m.Push(k, v) {
			replaced++
		}
	}
	return replaced
}

// All iterates over the keys and their foreground values. Mutating the map
// during iteration is not supported.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := range m.metas {
			finder := m.metas[i].Finder()
			matches := finder.PresentSlots()
			for ; matches.HasCurrent(); matches.Advance() {
				idx := matches.Current()

				b := &m.buckets[i]
				if !yield(b.keys[idx], b.cells[idx].ForegroundUnchecked()) {
					return
				}
			}
		}
	}
}

// Backgrounds iterates over the keys that retain a background value. Same
// caveats as All.
func (m *Map[K, V]) Backgrounds() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := range m.metas {
			finder := m.metas[i].Finder()
			matches := finder.PresentSlots()
			for ; matches.HasCurrent(); matches.Advance() {
				idx := matches.Current()

				b := &m.buckets[i]
				if bg, ok := b.cells[idx].Background(); ok {
					if !yield(b.keys[idx], bg) {
						return
					}
				}
			}
		}
	}
}

// load reports occupied slots vs total slots, for tests and benchmarks.
func (m *Map[K, V]) load() (occupied, totalSlots int) {
	for i := range m.metas {
		finder := m.metas[i].Finder()
		present := finder.PresentSlots()
		occupied += int(present.Count())
		totalSlots += bucketSize
	}
	return occupied, totalSlots
}

func (m *Map[K, V]) loadFactor() float64 {
	occupied, totalSlots := m.load()
	if totalSlots == 0 {
		return 0
	}
	return float64(occupied) / float64(totalSlots)
}
