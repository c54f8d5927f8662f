package isoalloc

// VerifyZone walks every chunk in z and checks that every chunk
// carrying a canary (state free or state canary) still holds the
// value its address and the zone's secret predict. It returns the
// first corruption found (spec.md §4.13 "Full-heap canary audit").
func (r *Root) VerifyZone(z *Zone) error {
	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	return r.verifyZoneLocked(z)
}

func (r *Root) verifyZoneLocked(z *Zone) error {
	count := z.chunkCount()
	base := z.unmaskedUserBase()

	for chunkNumber := uint64(0); chunkNumber < count; chunkNumber++ {
		slot := bitSlot(chunkNumber << 1)
		state := z.stateAt(slot)
		if state != stateFree && state != stateCanary {
			continue
		}

		off := chunkNumber * z.chunkSize
		p := base + uintptr(off)
		region := z.userMapping.data[off : off+z.chunkSize]
		if !verifyCanary(region, z.canarySecret, p) {
			return &CorruptionError{
				Kind:    kindCorruption,
				Message: "canary mismatch in zone chunk, heap corruption or overflow",
			}
		}
	}
	return nil
}

// VerifyAll audits every zone and every live big allocation. It does
// not drain thread-cache quarantines first; call FlushCaches before
// VerifyAll for a strict audit that also covers chunks sitting in a
// deferred-free queue.
func (r *Root) VerifyAll() error {
	r.rootMu.Lock()
	for _, z := range r.zones {
		if z == nil {
			continue
		}
		if err := r.verifyZoneLocked(z); err != nil {
			r.rootMu.Unlock()
			return err
		}
	}
	r.rootMu.Unlock()

	r.bigMu.Lock()
	defer r.bigMu.Unlock()
	for b := r.bigZoneHead; b != nil; b = bigZoneNext(b) {
		if !b.verifyCanaries(r.bigZoneCanarySecret) {
			return &CorruptionError{
				Kind:    kindCorruption,
				Message: "canary mismatch on big allocation",
			}
		}
	}
	return nil
}

// ProtectRoot marks every zone's bitmap region read-only, so a stray
// write through a dangling pointer into bitmap memory faults instead
// of silently corrupting allocator state (spec.md §4.1 "guard pages",
// generalized to the bitmap region itself).
func (r *Root) ProtectRoot() error {
	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	for _, z := range r.zones {
		if z == nil {
			continue
		}
		if err := mprotectPages(z.bitmapMapping, protoRead()); err != nil {
			return err
		}
	}
	return nil
}

// UnprotectRoot reverses ProtectRoot, restoring write access to every
// zone's bitmap region.
func (r *Root) UnprotectRoot() error {
	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	for _, z := range r.zones {
		if z == nil {
			continue
		}
		if err := mprotectPages(z.bitmapMapping, protoReadWrite()); err != nil {
			return err
		}
	}
	return nil
}
