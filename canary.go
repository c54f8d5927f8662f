package isoalloc

import "encoding/binary"

// canaryValueFor computes the per-chunk canary for a chunk at address
// p inside a zone whose secret is secret. The top byte is masked off
// so that a canary read through an unbounded string-style read can
// never recover the full secret (spec.md §4.3, §7 "Corruption").
func canaryValueFor(secret uint64, p uintptr) uint64 {
	return (secret ^ uint64(p)) & CanaryValidateMask
}

// writeCanary stamps an 8-byte canary at both the leading and the
// trailing 8 bytes of chunk, which callers pass as the whole
// chunk_size region (spec.md §4.3: "a zone-specific canary at both the
// first and last 8 bytes of the chunk"). The leading copy catches the
// common linear overflow written forward from the preceding chunk; the
// trailing copy catches an underflow written backward from the
// following chunk.
func writeCanary(chunk []byte, value uint64) {
	binary.LittleEndian.PutUint64(chunk[:8], value)
	binary.LittleEndian.PutUint64(chunk[len(chunk)-8:], value)
}

// verifyCanary reports whether chunk's stored canaries, at both ends,
// match the value expected for a zone with the given secret at
// address p.
func verifyCanary(chunk []byte, secret uint64, p uintptr) bool {
	want := canaryValueFor(secret, p)
	lead := binary.LittleEndian.Uint64(chunk[:8])
	trail := binary.LittleEndian.Uint64(chunk[len(chunk)-8:])
	return lead == want && trail == want
}

// maskPointer XORs a raw address against mask, used to keep
// user_pages_start, bitmap_start, and big-zone next pointers
// obfuscated while at rest in their owning structs (spec.md §4.2
// "Pointer masking").
func maskPointer(p uintptr, mask uint64) uintptr {
	return uintptr(uint64(p) ^ mask)
}

// unmaskPointer is maskPointer's own inverse (XOR is self-inverse);
// kept as a distinct name so call sites read as "entering" vs
// "leaving" the masked representation.
func unmaskPointer(p uintptr, mask uint64) uintptr {
	return maskPointer(p, mask)
}

// bigZoneCanaryValue computes the dual canary big zones share between
// their header's two canary fields: addr(big) XOR bswap(user_pages_start)
// XOR secret (spec.md §4.12).
func bigZoneCanaryValue(bigAddr, userPagesStart uintptr, secret uint64) uint64 {
	return uint64(bigAddr) ^ bits64Swap(uint64(userPagesStart)) ^ secret
}

func bits64Swap(v uint64) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return binary.LittleEndian.Uint64(b[:])
}
