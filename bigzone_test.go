package isoalloc

import "testing"

func TestBigZoneCanaryStampAndVerify(t *testing.T) {
	cfg := defaultRootConfig()
	b, err := newBigZone(4096, &cfg, 0xabadcafe)
	if err != nil {
		t.Fatalf("newBigZone failed: %v", err)
	}
	defer b.destroy()

	if !b.verifyCanaries(0xabadcafe) {
		t.Fatal("freshly stamped big zone should verify")
	}
	b.canaryA ^= 1
	if b.verifyCanaries(0xabadcafe) {
		t.Fatal("corrupted canaryA should fail verification")
	}
}

func TestBigZoneLinkedListTraversal(t *testing.T) {
	cfg := defaultRootConfig()
	mask := uint64(0x55aa55aa55aa55aa)

	a, err := newBigZone(4096, &cfg, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer a.destroy()
	b, err := newBigZone(8192, &cfg, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer b.destroy()

	var head *bigZone
	setBigZoneNext(b, head, mask)
	head = b
	setBigZoneNext(a, head, mask)
	head = a

	if bigZoneNext(head) != b {
		t.Fatal("expected head's next to be b")
	}
	if bigZoneNext(bigZoneNext(head)) != nil {
		t.Fatal("expected b's next to be nil")
	}
}
