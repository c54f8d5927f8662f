package isoalloc

import (
	"sync/atomic"
)

// Zone is a fixed-chunk-size arena: one guarded user-page region, one
// guarded bitmap region, and the bookkeeping isoalloc's iso_alloc_zone_t
// carries (spec.md §3 "Zone"). Every field that mirrors one of
// isoalloc's at-rest pointers is stored XOR-masked against pointerMask
// and must be unmasked through unmaskedUserBase/unmaskedBitmapBase
// before use; callers are expected to hold the owning Root's lock.
type Zone struct {
	index     int32
	chunkSize uint64
	userSize  uint64
	name      string

	userRegion    *guardedRegion
	userMapping   *pageMapping
	bitmapRegion  *guardedRegion
	bitmapMapping *pageMapping
	bitmapSize    uint64

	// userPagesStart and bitmapStart mirror userMapping.base and
	// bitmapMapping.base, XOR-masked against pointerMask (spec.md §4.2).
	userPagesStart uintptr
	bitmapStart    uintptr
	pointerMask    uint64

	canarySecret uint64
	canarySlots  map[bitSlot]struct{}

	freeBitSlotCache        [BitSlotCacheSz]bitSlot
	freeBitSlotCacheUsable  int
	freeBitSlotCacheIndex   int

	allocCount         uint64
	freeCount          uint64
	lifetimeAllocCount uint64
	isDefault          bool
	isPrivate          bool
	retired            atomic.Bool
}

// normalizeChunkSize rounds sz up to the next power of two and clamps
// it to at least SmallestChunkSz, the zone-creation rule in spec.md
// §4.2 ("Size is rounded up to a power of two, clamped to
// >= SMALLEST_CHUNK_SZ").
func normalizeChunkSize(sz uint64) uint64 {
	sz = nextPow2(sz)
	if sz < SmallestChunkSz {
		sz = SmallestChunkSz
	}
	return sz
}

func (z *Zone) unmaskedUserBase() uintptr {
	return unmaskPointer(z.userPagesStart, z.pointerMask)
}

func (z *Zone) unmaskedBitmapBase() uintptr {
	return unmaskPointer(z.bitmapStart, z.pointerMask)
}

// newZone allocates a fresh zone: a guarded user region, a guarded
// bitmap region, a canary secret, and the permanent canary-chunk
// population (spec.md §4.0 "Zone creation"). It does not register the
// zone with the root; callers do that under the root lock.
func newZone(index int32, chunkSize, userSize uint64, rng *prng, cfg *rootConfig) (*Zone, error) {
	chunkCount := userSize / chunkSize
	bitmapSize := bitmapSizeFor(chunkCount)

	userRegion, err := mapGuardedRegion(userSize, protoReadWrite(), cfg.prePopulate)
	if err != nil {
		return nil, err
	}
	bitmapRegion, err := mapGuardedRegion(bitmapSize, protoReadWrite(), false)
	if err != nil {
		userRegion.destroy()
		return nil, err
	}

	userMapping := userRegion.data
	bitmapMapping := bitmapRegion.data
	_ = madviseWillNeed(bitmapMapping)

	if cfg.prePopulate && mapPopulateFlag() == 0 {
		touchPages(userMapping)
	}

	mask := rng.next()
	secret := rng.next()

	z := &Zone{
		index:        index,
		chunkSize:    chunkSize,
		userSize:     userSize,
		userRegion:   userRegion,
		userMapping:  userMapping,
		bitmapRegion: bitmapRegion,
		bitmapMapping: bitmapMapping,
		bitmapSize:    bitmapSize,
		pointerMask:   mask,
		canarySecret:  secret,
		canarySlots:   make(map[bitSlot]struct{}),
	}
	z.userPagesStart = maskPointer(userMapping.base, mask)
	z.bitmapStart = maskPointer(bitmapMapping.base, mask)

	z.createCanaryChunks(chunkCount, cfg.canaryCountDiv, rng)
	z.fillFreeBitSlotCache(rng)

	return z, nil
}

// touchPages manually faults in every page of m, the non-Linux
// fallback for MAP_POPULATE (see ospage_other.go).
func touchPages(m *pageMapping) {
	ps := int(pageSize())
	for off := 0; off < len(m.data); off += ps {
		m.data[off] = m.data[off]
	}
}

// createCanaryChunks permanently marks roughly 1/canaryCountDiv of the
// zone's chunks as canaries (state 11): their bit-slot is flipped and
// they are never handed out by the allocator (spec.md §4.0, §4.3).
func (z *Zone) createCanaryChunks(chunkCount, canaryCountDiv uint64, rng *prng) {
	if canaryCountDiv == 0 || z.chunkSize > MaxDefaultZoneSz {
		return
	}
	n := chunkCount / canaryCountDiv
	for i := uint64(0); i < n; i++ {
		chunkNumber := rng.uint64n(chunkCount)
		slot := bitSlot(chunkNumber << 1)
		if z.stateAt(slot) != stateNeverUsed {
			continue
		}
		z.markCanarySlot(slot)
	}
}

func (z *Zone) markCanarySlot(slot bitSlot) {
	wi, bit := wordIndexAndBit(slot)
	w := z.readWord(wi)
	w = setBit(w, bit)
	w = setBit(w, bit+1)
	z.writeWord(wi, w)
	z.canarySlots[slot] = struct{}{}

	p := z.pointerFromBitSlot(slot)
	value := canaryValueFor(z.canarySecret, p)
	off := uint64(p) - uint64(z.unmaskedUserBase())
	writeCanary(z.userMapping.data[off:off+z.chunkSize], value)
}

// fits implements the fit predicate from spec.md §4.5: a zone is a
// candidate for a request of sz bytes when its chunk size is large
// enough, the request isn't tiny relative to the chunk size
// (size-separation policy: a chunk_size >= 1024 zone never services a
// request <= 128 bytes, keeping small and large allocations out of
// the same arena), and the chunk size isn't so large that it would
// waste more than 1<<wastedShift times the request (the latter check
// only applies once sz passes 1024 bytes, matching isoalloc's own
// threshold).
func (z *Zone) fits(sz uint64, wastedShift uint) bool {
	if z.chunkSize < sz {
		return false
	}
	if z.chunkSize >= 1024 && sz <= 128 {
		return false
	}
	if sz <= 1024 {
		return true
	}
	return z.chunkSize < (sz << wastedShift)
}

// used returns the number of chunks the zone has handed out and not
// yet recovered.
func (z *Zone) used() uint64 {
	return atomic.LoadUint64(&z.allocCount) - atomic.LoadUint64(&z.freeCount)
}

// eligibleForRetirement reports whether a default zone has serviced
// enough lifetime allocations, and is currently empty, to be retired
// and replaced with a fresh zone at the same size class (spec.md
// §4.11).
func (z *Zone) eligibleForRetirement(retireMultiplier uint64) bool {
	if z.retired.Load() || z.chunkSize >= MaxDefaultZoneSz*2 {
		return false
	}
	chunkCount := z.userSize / z.chunkSize
	threshold := chunkCount * retireMultiplier
	return z.used() == 0 && atomic.LoadUint64(&z.lifetimeAllocCount) >= threshold
}

// destroy releases every mapping the zone owns. Callers must already
// have unregistered it from the root's lookup tables.
func (z *Zone) destroy() {
	z.userRegion.destroy()
	z.bitmapRegion.destroy()
}
