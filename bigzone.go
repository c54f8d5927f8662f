package isoalloc

import "sync/atomic"

// bigZone services a single oversized allocation (bigger than any
// default zone's chunk size) with its own guarded mapping. Big zones
// form a singly-linked list off the root, threaded through a
// pointer-masked next field and protected by two matching canaries
// (spec.md §4.12 "Big allocations").
type bigZone struct {
	nextReal *bigZone // actual link, used for traversal
	next     uintptr  // masked mirror of addr(nextReal): addr(*bigZone) XOR root.bigZoneNextMask
	size     uint64   // requested size, as given to Alloc
	userSize uint64   // mmap-rounded size actually backing the region

	region *guardedRegion
	user   *pageMapping

	canaryA uint64
	canaryB uint64

	// free marks a non-permanently-freed entry as available for reuse
	// by a later big allocation of equal or smaller size (spec.md
	// §4.12 step 1). A permanently-freed entry is unlinked and
	// destroyed instead of ever sitting with free == true.
	free atomic.Bool
}

// bigZoneAddr returns a stable identity for b usable in the canary
// formula and the masked-next chain. Go gives us no portable way to
// take "the address of a heap object" outside unsafe.Pointer, so we
// derive identity from the user mapping's base instead — it is unique
// per big zone for its entire lifetime and never reused while the
// zone is live.
func bigZoneAddr(b *bigZone) uintptr {
	return b.user.base
}

// newBigZone maps a guarded region sized to fit sz bytes and stamps
// its dual canary (spec.md §4.12).
func newBigZone(sz uint64, cfg *rootConfig, secret uint64) (*bigZone, error) {
	userSize := roundUp(sz, pageSize())

	region, err := mapGuardedRegion(userSize, protoReadWrite(), cfg.prePopulate)
	if err != nil {
		return nil, err
	}

	b := &bigZone{
		size:     sz,
		userSize: userSize,
		region:   region,
		user:     region.data,
	}
	b.stampCanaries(secret)
	return b, nil
}

// reuse repurposes a freed big zone for a new request of sz bytes,
// unpoisoning and zero-filling its payload and re-stamping its
// canaries under the new request size (spec.md §4.12 step 1).
func (b *bigZone) reuse(sz uint64, secret uint64) {
	b.size = sz
	for i := range b.user.data {
		b.user.data[i] = 0
	}
	b.stampCanaries(secret)
	b.free.Store(false)
}

func (b *bigZone) stampCanaries(secret uint64) {
	v := bigZoneCanaryValue(bigZoneAddr(b), b.user.base, secret)
	b.canaryA = v
	b.canaryB = v
}

// verifyCanaries reports whether both of b's canaries still match the
// value expected for its own address and secret (spec.md §4.13).
func (b *bigZone) verifyCanaries(secret uint64) bool {
	want := bigZoneCanaryValue(bigZoneAddr(b), b.user.base, secret)
	return b.canaryA == want && b.canaryB == want
}

// bigZoneNext returns b's real successor. The masked next field is
// kept in sync purely so the struct's at-rest representation mirrors
// isoalloc's obfuscated big_zone->next (spec.md §4.2); traversal never
// depends on unmasking it, since Go's memory model has no portable way
// to reconstruct a live pointer from a plain integer address.
func bigZoneNext(b *bigZone) *bigZone {
	return b.nextReal
}

// setBigZoneNext links b to next and updates the masked mirror field.
func setBigZoneNext(b *bigZone, next *bigZone, mask uint64) {
	b.nextReal = next
	if next == nil {
		b.next = 0
		return
	}
	b.next = maskPointer(bigZoneAddr(next), mask)
}

func (b *bigZone) destroy() {
	b.region.destroy()
}
