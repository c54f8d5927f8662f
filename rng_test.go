package isoalloc

import "testing"

func TestPRNGProducesDistinctValues(t *testing.T) {
	rng := newPRNG()
	seen := make(map[uint64]struct{})
	for i := 0; i < 1000; i++ {
		v := rng.next()
		if _, ok := seen[v]; ok {
			t.Fatalf("PRNG repeated value %d after %d draws", v, i)
		}
		seen[v] = struct{}{}
	}
}

func TestUint64nBounds(t *testing.T) {
	rng := newPRNG()
	for i := 0; i < 10000; i++ {
		v := rng.uint64n(17)
		if v >= 17 {
			t.Fatalf("uint64n(17) returned %d, want < 17", v)
		}
	}
}

func TestNextPow2(t *testing.T) {
	cases := map[uint64]uint64{
		0:  1,
		1:  1,
		2:  2,
		3:  4,
		17: 32,
		64: 64,
	}
	for in, want := range cases {
		if got := nextPow2(in); got != want {
			t.Errorf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestRoundUpDown(t *testing.T) {
	if got := roundUp(17, 16); got != 32 {
		t.Errorf("roundUp(17,16) = %d, want 32", got)
	}
	if got := roundUp(16, 16); got != 16 {
		t.Errorf("roundUp(16,16) = %d, want 16", got)
	}
	if got := roundDown(17, 16); got != 16 {
		t.Errorf("roundDown(17,16) = %d, want 16", got)
	}
}

func TestSetGetUnsetBit(t *testing.T) {
	var w uint64
	w = setBit(w, 3)
	if getBit(w, 3) != 1 {
		t.Fatal("expected bit 3 set")
	}
	w = unsetBit(w, 3)
	if getBit(w, 3) != 0 {
		t.Fatal("expected bit 3 clear")
	}
}
