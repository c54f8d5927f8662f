package isoalloc

// Free returns chunk to its owning zone, taking the slow
// (unbound-thread) path (spec.md §4.8).
func (r *Root) Free(chunk []byte) error {
	return r.freeWith(nil, chunk, false)
}

// FreeWith is Free's fast-path sibling, routing chunk through tc's
// deferred-free quarantine instead of returning it to its zone
// immediately.
func (r *Root) FreeWith(tc *ThreadCache, chunk []byte) error {
	return r.freeWith(tc, chunk, false)
}

// FreePermanently returns chunk to its owning zone and marks it so it
// is never handed out again: a small chunk's bitmap state becomes
// indistinguishable from a permanent canary chunk, and a big
// allocation's region is unlinked, PROT_NONE'd, and unmapped instead
// of kept around for reuse (spec.md §4.8 step 7, §4.9, §4.12). The
// quarantine is bypassed entirely, matching free(pointer,
// permanent=true) (spec.md §6).
func (r *Root) FreePermanently(chunk []byte) error {
	return r.freeWith(nil, chunk, true)
}

// FreePermanentlyWith is FreePermanently's fast-path sibling.
func (r *Root) FreePermanentlyWith(tc *ThreadCache, chunk []byte) error {
	return r.freeWith(tc, chunk, true)
}

func (r *Root) freeWith(tc *ThreadCache, chunk []byte, permanent bool) error {
	r.checkOpen()
	if tc != nil && tc.isReleased() {
		return ErrNotBound
	}

	if len(chunk) == 0 {
		return nil
	}
	addr := addrOf(chunk)

	if b := r.findBigZone(addr); b != nil {
		if permanent {
			return r.freeBigPermanent(b)
		}
		return r.freeBig(b)
	}

	r.rootMu.Lock()
	idx := r.lookup.zoneIndexForPointer(addr)
	if idx == noZoneIndex {
		r.rootMu.Unlock()
		r.abortf(kindMisuse, "free of pointer not owned by any zone")
		return ErrInvalidReference
	}
	z := r.zoneByIndex(idx)
	r.rootMu.Unlock()

	if (uint64(addr)-uint64(z.unmaskedUserBase()))%z.chunkSize != 0 {
		r.abortf(kindMisuse, "free of unaligned interior pointer")
	}
	slot := z.bitSlotFromPointer(addr)

	if permanent {
		r.rootMu.Lock()
		defer r.rootMu.Unlock()
		return r.retireFreeLocked(z, slot, true)
	}

	if tc != nil {
		if evicted := tc.deferFree(z, slot); evicted != nil {
			r.rootMu.Lock()
			r.retireFreeLocked(evicted.zone, evicted.slot, false)
			r.rootMu.Unlock()
		}
		return nil
	}

	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	return r.retireFreeLocked(z, slot, false)
}

// FreeSize returns chunk to its owning zone after checking that the
// zone's chunk size can actually hold size bytes, aborting on
// mismatch instead of silently freeing a too-small chunk (spec.md §6
// "free_size(pointer, size)").
func (r *Root) FreeSize(chunk []byte, size uint64) error {
	r.checkOpen()
	if len(chunk) == 0 {
		return nil
	}
	addr := addrOf(chunk)

	if b := r.findBigZone(addr); b != nil {
		if b.userSize < size {
			r.abortf(kindMisuse, "free_size: big allocation too small for requested size")
		}
		return r.freeBig(b)
	}

	r.rootMu.Lock()
	idx := r.lookup.zoneIndexForPointer(addr)
	if idx == noZoneIndex {
		r.rootMu.Unlock()
		r.abortf(kindMisuse, "free of pointer not owned by any zone")
		return ErrInvalidReference
	}
	z := r.zoneByIndex(idx)
	r.rootMu.Unlock()

	if z.chunkSize < size {
		r.abortf(kindMisuse, "free_size: zone chunk_size smaller than requested size")
	}

	slot := z.bitSlotFromPointer(addr)
	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	return r.retireFreeLocked(z, slot, false)
}

// retireFreeLocked validates slot's current state, detects double
// frees, writes the chunk's canary, and flips its bitmap state to
// free (permanent==false, state 01, cached for reuse) or to a
// permanent canary (permanent==true, state 11, never handed out
// again), sanitizing the bytes if configured. A non-permanent free
// also checks the owning zone for retirement eligibility (spec.md
// §4.8 steps 5-7, §4.11).
func (r *Root) retireFreeLocked(z *Zone, slot bitSlot, permanent bool) error {
	switch z.stateAt(slot) {
	case stateAllocated:
		// expected path
	case stateFree, stateCanary:
		r.abortf(kindCorruption, "double free detected in zone chunk_size=%d", z.chunkSize)
		return nil
	case stateNeverUsed:
		r.abortf(kindMisuse, "free of a chunk that was never allocated")
		return nil
	}

	p := z.pointerFromBitSlot(slot)
	off := uint64(p) - uint64(z.unmaskedUserBase())
	region := z.userMapping.data[off : off+z.chunkSize]

	if r.cfg.sanitizeOnFree {
		for i := range region {
			region[i] = PoisonByte
		}
	}
	writeCanary(region, canaryValueFor(z.canarySecret, p))

	wi, bit := wordIndexAndBit(slot)
	w := z.readWord(wi)
	w = setBit(w, bit+1)
	if !permanent {
		w = unsetBit(w, bit)
	}
	z.writeWord(wi, w)

	if permanent {
		z.canarySlots[slot] = struct{}{}
		z.freeCount++
		return nil
	}

	z.freeCount++
	z.enqueueFreeBitSlot(slot)

	if z.isDefault && !r.cfg.neverReuseZones && z.eligibleForRetirement(r.cfg.zoneAllocRetire) {
		if _, err := r.retireAndReplaceLocked(z); err != nil {
			return err
		}
	}

	return nil
}

// findBigZone walks the big-zone list looking for the entry whose
// user mapping starts at addr. A permanently-freed entry is unlinked
// immediately, so only a non-permanently-freed or live entry can ever
// be found here.
func (r *Root) findBigZone(addr uintptr) *bigZone {
	r.bigMu.Lock()
	defer r.bigMu.Unlock()
	for b := r.bigZoneHead; b != nil; b = bigZoneNext(b) {
		if b.user.base == addr {
			return b
		}
	}
	return nil
}

// freeBig marks b free and keeps it linked for allocBig to reuse,
// poisoning the payload and advising the kernel the pages aren't
// needed for now without actually unmapping them (spec.md §4.12
// step 1, non-permanent free(pointer, permanent=false)).
func (r *Root) freeBig(b *bigZone) error {
	r.bigMu.Lock()
	defer r.bigMu.Unlock()

	if !b.verifyCanaries(r.bigZoneCanarySecret) {
		r.abortf(kindCorruption, "big allocation canary mismatch on free")
		return nil
	}
	if !b.free.CompareAndSwap(false, true) {
		r.abortf(kindCorruption, "double free of big allocation detected")
		return nil
	}

	if r.cfg.sanitizeOnFree {
		for i := range b.user.data {
			b.user.data[i] = PoisonByte
		}
	}
	_ = madviseDontNeed(b.user)
	return nil
}

// freeBigPermanent unlinks b from the big-zone list, drops its
// mapping's protection to PROT_NONE, wipes it, and unmaps it, so the
// region can never be reused or read through a dangling reference
// (spec.md §4.8 step 7, §4.9, §4.12 "permanent free").
func (r *Root) freeBigPermanent(b *bigZone) error {
	r.bigMu.Lock()
	defer r.bigMu.Unlock()

	if !b.verifyCanaries(r.bigZoneCanarySecret) {
		r.abortf(kindCorruption, "big allocation canary mismatch on free")
		return nil
	}
	if b.free.Load() {
		r.abortf(kindCorruption, "permanent free of an already-freed big allocation")
		return nil
	}

	r.unlinkBigZoneLocked(b)
	for i := range b.user.data {
		b.user.data[i] = 0
	}
	_ = mprotectPages(b.user, protoNone())
	b.destroy()
	return nil
}

// unlinkBigZoneLocked splices b out of the big-zone list. Callers
// must hold bigMu.
func (r *Root) unlinkBigZoneLocked(b *bigZone) {
	if r.bigZoneHead == b {
		r.bigZoneHead = bigZoneNext(b)
		return
	}
	for prev := r.bigZoneHead; prev != nil; prev = bigZoneNext(prev) {
		if bigZoneNext(prev) == b {
			setBigZoneNext(prev, bigZoneNext(b), r.bigZoneNextMask)
			return
		}
	}
}

// ChunkSize returns the usable capacity of the chunk backing a live
// allocation: the zone's chunk size for small allocations, or the
// mmap-rounded region size for a big allocation (spec.md §4.9).
func (r *Root) ChunkSize(chunk []byte) (uint64, error) {
	addr := addrOf(chunk)

	if b := r.findBigZone(addr); b != nil {
		return b.userSize, nil
	}

	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	idx := r.lookup.zoneIndexForPointer(addr)
	if idx == noZoneIndex {
		return 0, ErrInvalidReference
	}
	z := r.zoneByIndex(idx)
	return z.chunkSize, nil
}

// FlushCaches drains every live ThreadCache's deferred-free
// quarantine back into its owning zones. Useful before a full-heap
// VerifyAll so quarantined chunks' canaries are already restored
// (spec.md §7 "Supplemented features").
func (r *Root) FlushCaches() {
	for _, tc := range r.threads.snapshot() {
		pending := tc.flushQuarantine()
		if len(pending) == 0 {
			continue
		}
		r.rootMu.Lock()
		for _, e := range pending {
			_ = r.retireFreeLocked(e.zone, e.slot, false)
		}
		r.rootMu.Unlock()
	}
}
