package isoalloc

import "testing"

func TestCanaryWriteVerifyRoundTrip(t *testing.T) {
	chunk := make([]byte, 64)
	secret := uint64(0xdeadbeefcafef00d)
	var p uintptr = 0x1000

	v := canaryValueFor(secret, p)
	writeCanary(chunk, v)

	if !verifyCanary(chunk, secret, p) {
		t.Fatal("expected canary to verify against matching secret and address")
	}
	if verifyCanary(chunk, secret, p+16) {
		t.Fatal("canary should not verify against a different address")
	}
	if verifyCanary(chunk, secret^1, p) {
		t.Fatal("canary should not verify against a different secret")
	}
}

func TestCanaryValueMasksTopByte(t *testing.T) {
	v := canaryValueFor(^uint64(0), 0)
	if v&0xFF00000000000000 != 0 {
		t.Fatalf("canary value %#x leaks its top byte", v)
	}
}

func TestMaskUnmaskPointerIsSelfInverse(t *testing.T) {
	var p uintptr = 0xcafebabe
	mask := uint64(0x1122334455667788)
	masked := maskPointer(p, mask)
	if unmaskPointer(masked, mask) != p {
		t.Fatal("unmaskPointer did not invert maskPointer")
	}
	if masked == p {
		t.Fatal("masked pointer should differ from the real address")
	}
}

func TestBigZoneCanaryValueChangesWithEitherInput(t *testing.T) {
	base := bigZoneCanaryValue(0x1000, 0x2000, 0x3000)
	if bigZoneCanaryValue(0x1001, 0x2000, 0x3000) == base {
		t.Fatal("changing the big-zone address should change the canary")
	}
	if bigZoneCanaryValue(0x1000, 0x2001, 0x3000) == base {
		t.Fatal("changing user_pages_start should change the canary")
	}
	if bigZoneCanaryValue(0x1000, 0x2000, 0x3001) == base {
		t.Fatal("changing the secret should change the canary")
	}
}
