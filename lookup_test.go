package isoalloc

import "testing"

func TestSizeClassLookupRoundTrip(t *testing.T) {
	lt, err := newLookupTables()
	if err != nil {
		t.Fatalf("newLookupTables failed: %v", err)
	}
	defer lt.close()

	lt.setSizeClassZone(64, 3)
	if got := lt.zoneForSize(64); got != 3 {
		t.Errorf("zoneForSize(64) = %d, want 3", got)
	}
	if got := lt.zoneForSize(65); got != noZoneIndex {
		t.Errorf("zoneForSize(65) = %d, want noZoneIndex (no exact class registered)", got)
	}
}

func TestRangeLookupFindsContainingZone(t *testing.T) {
	lt, err := newLookupTables()
	if err != nil {
		t.Fatalf("newLookupTables failed: %v", err)
	}
	defer lt.close()

	lt.addRange(0x1000, 0x2000, 1)
	lt.addRange(0x5000, 0x6000, 2)

	if got := lt.zoneIndexForPointer(0x1500); got != 1 {
		t.Errorf("zoneIndexForPointer(0x1500) = %d, want 1", got)
	}
	if got := lt.zoneIndexForPointer(0x5500); got != 2 {
		t.Errorf("zoneIndexForPointer(0x5500) = %d, want 2", got)
	}
	if got := lt.zoneIndexForPointer(0x3000); got != noZoneIndex {
		t.Errorf("zoneIndexForPointer(0x3000) = %d, want noZoneIndex", got)
	}

	lt.removeRange(1)
	if got := lt.zoneIndexForPointer(0x1500); got != noZoneIndex {
		t.Errorf("zoneIndexForPointer(0x1500) after removeRange(1) = %d, want noZoneIndex", got)
	}
}
