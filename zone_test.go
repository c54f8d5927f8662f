package isoalloc

import "testing"

func TestZoneFitsPredicate(t *testing.T) {
	z := newTestZone(t, 256, 64*1024)

	if !z.fits(100, 2) {
		t.Error("a 256-byte zone should fit a 100-byte request")
	}
	if z.fits(300, 2) {
		t.Error("a 256-byte zone should not fit a 300-byte request")
	}
	if !z.fits(2048, 2) {
		t.Error("a 256-byte chunk zone should not even be considered for a 2048-byte request")
	}
}

func TestZoneWastePredicateRejectsOversizedChunks(t *testing.T) {
	z := newTestZone(t, 8192, 256*1024)

	// 8192 >= 2000<<2 (8000), so it should be rejected as too wasteful
	// once the request crosses the 1024-byte threshold.
	if z.fits(2000, 2) {
		t.Error("an 8192-byte zone should be rejected for a 2000-byte request under shift=2")
	}
	if !z.fits(2049, 2) {
		t.Error("an 8192-byte zone should fit a 2049-byte request under shift=2")
	}
}

func TestZoneFitsRejectsTinyRequestsInLargeChunkZone(t *testing.T) {
	z := newTestZone(t, 2048, 256*1024)

	if z.fits(64, 2) {
		t.Error("a 2048-byte chunk zone should reject a 64-byte request (size-separation policy)")
	}
	if !z.fits(129, 2) {
		t.Error("a 2048-byte chunk zone should still accept a 129-byte request")
	}
}

func TestZoneRetirementEligibility(t *testing.T) {
	z := newTestZone(t, 64, 64*1024)
	z.isDefault = true

	if z.eligibleForRetirement(32) {
		t.Fatal("a fresh zone should not be retirement-eligible")
	}

	chunkCount := z.userSize / z.chunkSize
	z.lifetimeAllocCount = chunkCount * 32

	if !z.eligibleForRetirement(32) {
		t.Fatal("an empty zone past its retirement threshold should be eligible")
	}

	z.allocCount = 1
	if z.eligibleForRetirement(32) {
		t.Fatal("a zone with live allocations should never be retirement-eligible")
	}
}

func TestCreateCanaryChunksMarksPermanentState(t *testing.T) {
	rng := newPRNG()
	cfg := defaultRootConfig()
	z, err := newZone(0, 64, 64*1024, rng, &cfg)
	if err != nil {
		t.Fatalf("newZone failed: %v", err)
	}
	defer z.destroy()

	if len(z.canarySlots) == 0 {
		t.Fatal("expected at least one canary chunk with the default canaryCountDiv")
	}
	for slot := range z.canarySlots {
		if z.stateAt(slot) != stateCanary {
			t.Errorf("canary slot %d has state %v, want stateCanary", slot, z.stateAt(slot))
		}
	}
}
