package overlaymap

// Bit layout of Cell.bits. One presence bit per physical slot plus the
// polarity bit that selects which slot currently plays the foreground role.
// The other slot, when present, is the background.
const (
	slot0Present uint8 = 1 << 0
	slot1Present uint8 = 1 << 1
	fgSlot       uint8 = 1 << 2

	presentMask = slot0Present | slot1Present
)

// A Cell holds up to two values of type T: the current foreground value and
// the value it most recently replaced, the background. A background can only
// be present while a foreground is.
//
// The interesting property is that no operation ever relocates a stored
// value. Demoting the foreground on Push and promoting the background on Pull
// both just toggle the polarity bit; the slot storage is untouched. The only
// writes into the slots are the incoming value and the zeroing of a vacated
// slot.
//
// The zero value is an empty Cell, ready to use. Map never surfaces an empty
// Cell, but standalone a Cell is a perfectly fine two-layer register for any
// "current and previous" state.
type Cell[T any] struct {
	bits  uint8
	slots [2]T
}

// MakeCell makes a Cell holding just a foreground value.
func MakeCell[T any](fg T) Cell[T] {
	return Cell[T]{bits: slot0Present, slots: [2]T{0: fg}}
}

// MakeCellWithBackground makes a Cell holding both values.
func MakeCellWithBackground[T any](fg, bg T) Cell[T] {
	return Cell[T]{bits: slot0Present | slot1Present, slots: [2]T{fg, bg}}
}

func (c *Cell[T]) fgIndex() int {
	return int(c.bits&fgSlot) >> 2
}

func (c *Cell[T]) bgIndex() int {
	return c.fgIndex() ^ 1
}

func (c *Cell[T]) present(idx int) bool {
	return c.bits&(1<<idx) != 0
}

// flip swaps the logical roles of the two slots. This is the whole trick.
func (c *Cell[T]) flip() {
	c.bits ^= fgSlot
}

// IsEmpty reports whether neither slot holds a value.
func (c *Cell[T]) IsEmpty() bool {
	return c.bits&presentMask == 0
}

// Foreground returns the current foreground value, if present.
func (c *Cell[T]) Foreground() (T, bool) {
	idx := c.fgIndex()
	if !c.present(idx) {
		var zero T
		return zero, false
	}
	return c.slots[idx], true
}

// ForegroundUnchecked returns the foreground value without checking that one
// is present. The caller must have already established presence, for example
// right after a check or on a Cell known to be non-empty; otherwise the
// result is an unspecified stale or zero value.
func (c *Cell[T]) ForegroundUnchecked() T {
	return c.slots[c.fgIndex()]
}

// Background returns the previous value, if one is retained.
func (c *Cell[T]) Background() (T, bool) {
	idx := c.bgIndex()
	if !c.present(idx) {
		var zero T
		return zero, false
	}
	return c.slots[idx], true
}

// BackgroundUnchecked returns the background value without checking that one
// is present. Same contract as ForegroundUnchecked.
func (c *Cell[T]) BackgroundUnchecked() T {
	return c.slots[c.bgIndex()]
}

// Push installs v as the new foreground. The old foreground, if any, becomes
// the background by a polarity flip; its storage is not touched. The old
// background, if any, is dropped by being overwritten with v.
func (c *Cell[T]) Push(v T) {
	c.flip() // old foreground, if any, now plays the background role
	idx := c.fgIndex()
	c.slots[idx] = v
	c.bits |= 1 << idx
}

// Pull removes and returns the foreground. The background, if present, is
// promoted to foreground by a polarity flip. Returns false and leaves the
// Cell unchanged when there is no foreground.
func (c *Cell[T]) Pull() (T, bool) {
	idx := c.fgIndex()
	if !c.present(idx) {
		var zero T
		return zero, false
	}
	return c.pullSlot(idx), true
}

// PullUnchecked is Pull without the presence check. The caller must have
// already established that a foreground is present.
func (c *Cell[T]) PullUnchecked() T {
	return c.pullSlot(c.fgIndex())
}

func (c *Cell[T]) pullSlot(idx int) T {
	v := c.slots[idx]
	var zero T
	c.slots[idx] = zero // don't keep pulled values alive
	c.bits &^= 1 << idx
	c.flip()
	return v
}

// Swap installs v as the new foreground and returns the evicted background,
// if there was one. The old foreground stays in place and becomes the new
// background; v lands in the slot the evicted value vacated. Note that the
// returned value and the new background are two different previous values.
//
// With no background present this is exactly Push.
func (c *Cell[T]) Swap(v T) (T, bool) {
	idx := c.bgIndex()
	if !c.present(idx) {
		c.Push(v)
		var zero T
		return zero, false
	}
	evicted := c.slots[idx]
	c.slots[idx] = v
	c.flip()
	return evicted, true
}
