package isoalloc

// NewZone creates a private zone for chunkSize (rounded up to a power
// of two). The zone is served only through AllocFromZone: the generic
// Alloc/AllocWith path never picks a private zone, and the automatic
// retirement policy never touches it (spec.md §4.0 "On-demand zone
// creation").
func (r *Root) NewZone(chunkSize uint64) (*Zone, error) {
	r.checkOpen()
	if chunkSize == 0 || chunkSize > SmallSzMax {
		return nil, ErrSizeTooLarge
	}

	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	return r.createZoneLocked(chunkSize, false, true)
}

// DestroyZone unmaps z. z must be empty; destroying a zone that still
// has live allocations is a misuse error, not a corruption one, since
// no invariant has actually been violated yet.
func (r *Root) DestroyZone(z *Zone) error {
	r.checkOpen()

	r.rootMu.Lock()
	defer r.rootMu.Unlock()

	if z.used() != 0 {
		return ErrInvalidReference
	}
	for _, tc := range r.threads.snapshot() {
		tc.forget(z)
	}
	r.destroyZoneLocked(z)
	return nil
}

// SetName attaches a diagnostic label to z, readable back through Name
// (spec.md §7 "Supplemented features": isoalloc's
// iso_alloc_name_zone). The label is not included in Stats() or in log
// lines.
func (r *Root) SetName(z *Zone, name string) {
	r.rootMu.Lock()
	z.name = name
	r.rootMu.Unlock()
}

// Name returns z's diagnostic label, or "" if none was set.
func (r *Root) Name(z *Zone) string {
	r.rootMu.Lock()
	defer r.rootMu.Unlock()
	return z.name
}

// MemUsage returns the total bytes currently mapped for user data
// across every zone and every live big allocation — guard pages,
// bitmaps, and lookup tables are excluded, matching isoalloc's
// iso_alloc_mem_usage (spec.md §7).
func (r *Root) MemUsage() uint64 {
	r.rootMu.Lock()
	var total uint64
	for _, z := range r.zones {
		if z != nil {
			total += z.userSize
		}
	}
	r.rootMu.Unlock()

	r.bigMu.Lock()
	for b := r.bigZoneHead; b != nil; b = bigZoneNext(b) {
		if !b.free.Load() {
			total += b.userSize
		}
	}
	r.bigMu.Unlock()
	return total
}

// LeakCount returns the number of chunks currently allocated and not
// yet freed, across every zone and every live big allocation
// (isoalloc's iso_alloc_detect_leaks, spec.md §7).
func (r *Root) LeakCount() uint64 {
	r.rootMu.Lock()
	var count uint64
	for _, z := range r.zones {
		if z != nil {
			count += z.used()
		}
	}
	r.rootMu.Unlock()

	r.bigMu.Lock()
	for b := r.bigZoneHead; b != nil; b = bigZoneNext(b) {
		if !b.free.Load() {
			count++
		}
	}
	r.bigMu.Unlock()
	return count
}
