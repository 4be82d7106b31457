package overlaymap

import "testing"

func TestFindHashes(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := uint8(i)
		if isMarkerTophash(b) {
			continue
		}

		meta := new(bucketmeta)
		for j := range meta.tophash8 {
			meta.tophash8[j] = b
		}

		probe := makeHashProbe(b)

		finder := meta.Finder()
		matches := finder.ProbeHashMatches(probe)
		if matches.Count() != uint8(len(meta.tophash8)) {
			t.Fatalf("did not get matches for %v", b)
		}

		// and a probe for anything else matches nothing
		other := fixTophash(b + 1)
		matches = finder.ProbeHashMatches(makeHashProbe(other))
		if matches.HasCurrent() {
			t.Fatalf("got matches for %v when probing %v", b, other)
		}
	}
}

func TestFindHashesPicksRightSlots(t *testing.T) {
	meta := new(bucketmeta)
	meta.tophash8 = [bucketSize]tophash{1, 2, 1, tophashTombstone, 1, 2, tophashEmpty, 1}

	finder := meta.Finder()
	var got []uint8
	matches := finder.ProbeHashMatches(makeHashProbe(1))
	for ; matches.HasCurrent(); matches.Advance() {
		got = append(got, matches.Current())
	}

	want := []uint8{0, 2, 4, 7}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestEmpty(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := uint8(i)

		meta := new(bucketmeta)
		for j := range meta.tophash8 {
			meta.tophash8[j] = b
		}

		finder := meta.Finder()
		empties := finder.EmptySlots()
		if empties.Count() == uint8(len(meta.tophash8)) {
			if b != 0 {
				t.Fatalf("got empties for %v", b)
			}
		} else {
			if b == 0 {
				t.Fatalf("did not get empties for %v", b)
			}
		}
	}
}

func TestPresent(t *testing.T) {
	for i := 0; i < 256; i++ {
		b := uint8(i)

		meta := new(bucketmeta)
		for j := range meta.tophash8 {
			meta.tophash8[j] = b
		}

		finder := meta.Finder()
		present := finder.PresentSlots()
		if present.Count() == uint8(len(meta.tophash8)) {
			if isMarkerTophash(b) {
				t.Fatalf("got present for %v", b)
			}
		} else {
			if !isMarkerTophash(b) {
				t.Fatalf("did not get present for %v", b)
			}
		}
	}
}

func TestMakeTombstonesIntoEmpties(t *testing.T) {
	meta := new(bucketmeta)
	meta.tophash8 = [bucketSize]tophash{1, tophashTombstone, 2, tophashEmpty, tophashTombstone, 3, 4, tophashTombstone}

	finder := meta.Finder()
	finder.MakeTombstonesIntoEmpties(meta)

	want := [bucketSize]tophash{1, tophashEmpty, 2, tophashEmpty, tophashEmpty, 3, 4, tophashEmpty}
	if meta.tophash8 != want {
		t.Fatalf("got %v want %v", meta.tophash8, want)
	}
}

func TestFixTophash(t *testing.T) {
	for i := 0; i < 256; i++ {
		fixed := fixTophash(uint8(i))
		if isMarkerTophash(fixed) {
			t.Fatalf("fixTophash(%v) = %v is a marker", i, fixed)
		}
	}
}
