package isoalloc

import (
	"time"
	"unsafe"
)

// Alloc returns a zero-filled slice of exactly size bytes backed by a
// freshly allocated chunk, taking the slow (unbound-thread) path: it
// acquires the root lock directly rather than consulting a
// ThreadCache (spec.md §4.5).
func (r *Root) Alloc(size uint64) ([]byte, error) {
	return r.allocWith(nil, size)
}

// AllocWith is Alloc's fast-path sibling: tc must have been obtained
// from BindCurrentThread by the calling goroutine.
func (r *Root) AllocWith(tc *ThreadCache, size uint64) ([]byte, error) {
	return r.allocWith(tc, size)
}

// Calloc is Alloc with an explicit element count, mirroring the C
// calloc(nmemb, size) signature; it rejects a multiplication overflow
// instead of silently wrapping (spec.md §4.5 "Calloc").
func (r *Root) Calloc(count, size uint64) ([]byte, error) {
	if count != 0 && size > (1<<63)/count {
		return nil, ErrSizeTooLarge
	}
	return r.Alloc(count * size)
}

func (r *Root) allocWith(tc *ThreadCache, size uint64) ([]byte, error) {
	start := time.Now()
	defer func() { r.latency.record(time.Since(start)) }()

	r.checkOpen()
	if tc != nil && tc.isReleased() {
		return nil, ErrNotBound
	}

	if size == 0 {
		return r.allocZero()
	}
	if size > BigSzMax {
		r.abortf(kindCapability, "requested size %d exceeds BigSzMax", size)
	}
	if size > SmallSzMax {
		return r.allocBig(size)
	}

	r.rootMu.Lock()
	defer r.rootMu.Unlock()

	z, err := r.pickZoneLocked(tc, size)
	if err != nil {
		return r.nullOrError(err)
	}

	slot, err := r.ensureFreeSlotLocked(z)
	if err != nil {
		return r.nullOrError(err)
	}

	return r.commitAllocLocked(z, slot, size), nil
}

// nullOrError implements spec.md §7's "transient null" vs.
// "abort on null" choice: by default a failed allocation returns err
// to the caller, but WithAbortOnNull makes every such path fatal
// instead, matching callers that would rather crash loudly than ever
// observe a nil/short allocation.
func (r *Root) nullOrError(err error) ([]byte, error) {
	if r.cfg.abortOnNull {
		r.abortf(kindCapability, "allocation failed and WithAbortOnNull is set: %v", err)
	}
	return nil, err
}

func (r *Root) allocZero() ([]byte, error) {
	if !r.cfg.noZeroAllocations {
		chunk, err := r.Alloc(SmallestChunkSz)
		if err != nil {
			return nil, err
		}
		return chunk[:0], nil
	}
	// A dedicated, always-empty slice backed by no live chunk: any
	// read or write through it (beyond the zero-length slice itself)
	// is a programmer error Go's own bounds checks will catch.
	return []byte{}, nil
}

// pickZoneLocked resolves size to a zone: first the thread cache (if
// any), then the exact-size lookup table, then a linear fit scan over
// every zone, creating a new on-demand zone as a last resort (spec.md
// §4.5 "Zone selection").
func (r *Root) pickZoneLocked(tc *ThreadCache, size uint64) (*Zone, error) {
	if tc != nil {
		if z := tc.zoneFor(size); z != nil && !z.retired.Load() {
			return z, nil
		}
	}

	if idx := r.lookup.zoneForSize(size); idx != noZoneIndex {
		if z := r.zoneByIndex(idx); z != nil {
			if tc != nil {
				tc.remember(size, z)
			}
			return z, nil
		}
	}

	var best *Zone
	for _, z := range r.zones {
		if z == nil || z.retired.Load() || z.isPrivate {
			continue
		}
		if z.fits(size, r.cfg.wastedSzMultiplierShift) {
			if best == nil || z.chunkSize < best.chunkSize {
				best = z
			}
		}
	}
	if best != nil {
		if tc != nil {
			tc.remember(size, best)
		}
		return best, nil
	}

	z, err := r.createZoneLocked(size, false, false)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		tc.remember(size, z)
	}
	return z, nil
}

// ensureFreeSlotLocked returns a usable bit-slot in z, refilling the
// free-slot cache and falling back to a fast then slow bitmap scan
// before declaring the zone exhausted (spec.md §4.6).
func (r *Root) ensureFreeSlotLocked(z *Zone) (bitSlot, error) {
	if slot := z.dequeueFreeBitSlot(); slot != badBitSlot {
		return slot, nil
	}

	z.fillFreeBitSlotCache(r.rng)
	if slot := z.dequeueFreeBitSlot(); slot != badBitSlot {
		return slot, nil
	}

	if slot := z.scanFreeSlotFast(); slot != badBitSlot {
		return slot, nil
	}
	if slot := z.scanFreeSlotSlow(); slot != badBitSlot {
		return slot, nil
	}

	return badBitSlot, ErrZoneExhausted
}

// commitAllocLocked flips slot's bitmap state to allocated, verifies
// and clears any leftover canary bytes, zero-fills the requested
// region, and returns the user-visible slice (spec.md §4.7).
func (r *Root) commitAllocLocked(z *Zone, slot bitSlot, size uint64) []byte {
	wi, bit := wordIndexAndBit(slot)
	w := z.readWord(wi)

	p := z.pointerFromBitSlot(slot)
	off := uint64(p) - uint64(z.unmaskedUserBase())
	chunk := z.userMapping.data[off : off+z.chunkSize]

	if getBit(w, bit+1) == 1 {
		// This slot previously carried a canary (a free chunk, per
		// §4.7 step 5). Verify both ends before reclaiming it.
		if !verifyCanary(chunk, z.canarySecret, p) {
			r.abortf(kindCorruption, "canary mismatch reclaiming freed chunk, heap corruption or overflow")
		}
	}

	w = setBit(w, bit)
	w = unsetBit(w, bit+1)
	z.writeWord(wi, w)

	for i := range chunk {
		chunk[i] = 0
	}

	z.allocCount++
	z.lifetimeAllocCount++

	return chunk[:size:z.chunkSize]
}

// allocBig services a request above SmallSzMax, first walking the
// big-zone list for a freed entry large enough to reuse and only
// falling back to a fresh guarded mapping when none fits (spec.md
// §4.12 step 1).
func (r *Root) allocBig(size uint64) ([]byte, error) {
	r.bigMu.Lock()
	defer r.bigMu.Unlock()

	for b := r.bigZoneHead; b != nil; b = bigZoneNext(b) {
		if b.free.Load() && b.userSize >= size {
			b.reuse(size, r.bigZoneCanarySecret)
			return b.user.data[:size:len(b.user.data)], nil
		}
	}

	if r.mapBreaker.isOpen() {
		return r.nullOrError(ErrOutOfMemory)
	}

	b, err := newBigZone(size, &r.cfg, r.bigZoneCanarySecret)
	if err != nil {
		r.mapBreaker.recordFailure()
		return r.nullOrError(err)
	}
	r.mapBreaker.recordSuccess()
	setBigZoneNext(b, r.bigZoneHead, r.bigZoneNextMask)
	r.bigZoneHead = b

	return b.user.data[:size:len(b.user.data)], nil
}

// AllocFromZone services size directly from the caller-owned private
// zone z, bypassing thread-cache resolution and the generic linear
// scan entirely (spec.md §6 "alloc(zone_or_null, size)").
func (r *Root) AllocFromZone(z *Zone, size uint64) ([]byte, error) {
	start := time.Now()
	defer func() { r.latency.record(time.Since(start)) }()

	r.checkOpen()
	if size == 0 {
		return r.allocZero()
	}
	if z == nil || z.chunkSize < size {
		return nil, ErrSizeTooLarge
	}

	r.rootMu.Lock()
	defer r.rootMu.Unlock()

	if z.retired.Load() {
		return nil, ErrInvalidReference
	}

	slot, err := r.ensureFreeSlotLocked(z)
	if err != nil {
		return r.nullOrError(err)
	}

	return r.commitAllocLocked(z, slot, size), nil
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
