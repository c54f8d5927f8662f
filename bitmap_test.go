package isoalloc

import "testing"

func newTestZone(t *testing.T, chunkSize, userSize uint64) *Zone {
	t.Helper()
	rng := newPRNG()
	cfg := defaultRootConfig()
	cfg.canaryCountDiv = 0 // keep the fixture deterministic: no random canary chunks
	z, err := newZone(0, chunkSize, userSize, rng, &cfg)
	if err != nil {
		t.Fatalf("newZone failed: %v", err)
	}
	t.Cleanup(z.destroy)
	return z
}

func TestBitmapSizeForRoundsUpToWord(t *testing.T) {
	if got := bitmapSizeFor(1); got != 8 {
		t.Errorf("bitmapSizeFor(1) = %d, want 8", got)
	}
	if got := bitmapSizeFor(1000); got != 250 {
		t.Errorf("bitmapSizeFor(1000) = %d, want 250", got)
	}
}

func TestStateTransitionsRoundTrip(t *testing.T) {
	z := newTestZone(t, 64, 64*1024)
	slot := bitSlot(10 << 1)

	if got := z.stateAt(slot); got != stateNeverUsed {
		t.Fatalf("fresh chunk state = %v, want stateNeverUsed", got)
	}

	wi, bit := wordIndexAndBit(slot)
	w := z.readWord(wi)
	w = setBit(w, bit)
	z.writeWord(wi, w)
	if got := z.stateAt(slot); got != stateAllocated {
		t.Fatalf("after setting low bit, state = %v, want stateAllocated", got)
	}

	w = z.readWord(wi)
	w = unsetBit(w, bit)
	w = setBit(w, bit+1)
	z.writeWord(wi, w)
	if got := z.stateAt(slot); got != stateFree {
		t.Fatalf("after flipping to free, state = %v, want stateFree", got)
	}
}

func TestFillFreeBitSlotCachePopulatesOnlyFreeChunks(t *testing.T) {
	z := newTestZone(t, 64, 64*1024)
	rng := newPRNG()

	// Mark a handful of chunks allocated before refilling, and make
	// sure none of them end up in the cache.
	allocated := map[bitSlot]struct{}{}
	for i := bitSlot(0); i < 5; i++ {
		slot := i << 1
		wi, bit := wordIndexAndBit(slot)
		w := z.readWord(wi)
		z.writeWord(wi, setBit(w, bit))
		allocated[slot] = struct{}{}
	}

	z.fillFreeBitSlotCache(rng)
	for i := z.freeBitSlotCacheUsable; i < z.freeBitSlotCacheIndex; i++ {
		slot := z.freeBitSlotCache[i]
		if _, isAllocated := allocated[slot]; isAllocated {
			t.Fatalf("cache contains allocated slot %d", slot)
		}
	}
}

func TestDequeueEnqueueRoundTrip(t *testing.T) {
	z := newTestZone(t, 64, 64*1024)
	rng := newPRNG()
	z.fillFreeBitSlotCache(rng)

	slot := z.dequeueFreeBitSlot()
	if slot == badBitSlot {
		t.Fatal("expected a free slot from a fresh zone")
	}
	z.enqueueFreeBitSlot(slot)
	if z.cacheEmpty() {
		t.Fatal("cache should not be empty after re-enqueue")
	}
}

func TestScanFreeSlotFastFindsEmptyWord(t *testing.T) {
	z := newTestZone(t, 64, 64*1024)
	slot := z.scanFreeSlotFast()
	if slot == badBitSlot {
		t.Fatal("expected scanFreeSlotFast to find a free slot in a fresh zone")
	}
	if z.stateAt(slot) != stateNeverUsed {
		t.Fatalf("scanFreeSlotFast returned non-fresh slot state %v", z.stateAt(slot))
	}
}

func TestPointerAndBitSlotRoundTrip(t *testing.T) {
	z := newTestZone(t, 64, 64*1024)
	for _, chunkNumber := range []uint64{0, 1, 42, 100} {
		slot := bitSlot(chunkNumber << 1)
		p := z.pointerFromBitSlot(slot)
		got := z.bitSlotFromPointer(p)
		if got != slot {
			t.Errorf("round trip for chunk %d: got slot %d, want %d", chunkNumber, got, slot)
		}
	}
}
