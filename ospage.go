package isoalloc

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageMapping is a single anonymous, private virtual-memory range
// acquired through golang.org/x/sys/unix, the same library
// joshuapare-hivekit's hive/mmap_safety.go and hive/dirty/flush_unix.go
// use for mmap/msync. It is the unsafe-isolated leaf that every other
// component builds its guarded regions out of.
type pageMapping struct {
	data []byte
	base uintptr
}

func pageSize() uint64 {
	return uint64(os.Getpagesize())
}

// mmapAnon maps size bytes (rounded up to a page) of anonymous,
// private memory with the given protection. hint mirrors the address
// argument of isoalloc's mmap_pages()/get_random_mmap_addr() but is
// ignored, and every caller passes 0: Go's mmap wrapper has no
// portable way to pass an address hint without MAP_FIXED (which would
// risk clobbering existing mappings), so no pseudo-random hint is
// drawn and the kernel's own ASLR supplies the placement randomness.
// populate requests MAP_POPULATE on
// platforms that support it (spec.md §2.1).
func mmapAnon(size uint64, prot int, hint uintptr, populate bool) (*pageMapping, error) {
	_ = hint
	size = roundUp(size, pageSize())
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if populate {
		flags |= mapPopulateFlag()
	}

	data, err := unix.Mmap(-1, 0, int(size), prot, flags)
	if err != nil {
		return nil, fmt.Errorf("isoalloc: mmap %d bytes failed: %w", size, err)
	}

	base := uintptr(unsafe.Pointer(&data[0]))
	return &pageMapping{data: data, base: base}, nil
}

// mprotectPages changes the protection of an already-mapped region.
func mprotectPages(m *pageMapping, prot int) error {
	if err := unix.Mprotect(m.data, prot); err != nil {
		return fmt.Errorf("isoalloc: mprotect @0x%x failed: %w", m.base, err)
	}
	return nil
}

// madviseDontNeed advises the kernel the region's contents are no
// longer needed, allowing it to reclaim the backing pages without
// unmapping the range (spec.md §4.12, free of a big zone).
func madviseDontNeed(m *pageMapping) error {
	return unix.Madvise(m.data, unix.MADV_DONTNEED)
}

// madviseWillNeed advises the kernel a region will be accessed soon
// (spec.md §4.2, bitmap regions; §4.1 zone user pages).
func madviseWillNeed(m *pageMapping) error {
	return unix.Madvise(m.data, unix.MADV_WILLNEED)
}

// munmapPages releases the mapping entirely.
func munmapPages(m *pageMapping) error {
	if m == nil || m.data == nil {
		return nil
	}
	return unix.Munmap(m.data)
}

// mlockPages pins a region, used for the shared lookup tables
// (spec.md §3 "Lookup tables (shared, mlock'd)").
func mlockPages(m *pageMapping) error {
	return unix.Mlock(m.data)
}

func munlockPages(m *pageMapping) error {
	return unix.Munlock(m.data)
}

// createGuardPage maps a single PROT_NONE page; any touch faults.
func createGuardPage() (*pageMapping, error) {
	return mmapAnon(pageSize(), unix.PROT_NONE, 0, false)
}

// guardedRegion is one page-guard/data/page-guard sandwich mapped as a
// single contiguous region, so the guard pages are guaranteed to sit
// immediately before and after the data — two independent mmap calls
// give no such guarantee, since the kernel is free to place them
// anywhere (spec.md §4.1 "guard pages").
type guardedRegion struct {
	whole *pageMapping
	data  *pageMapping
}

// mapGuardedRegion maps one page, then size bytes (rounded up to a
// page) with the given protection, then one more page, as a single
// mmap call, and mprotects the two bracketing pages to PROT_NONE.
func mapGuardedRegion(size uint64, prot int, populate bool) (*guardedRegion, error) {
	ps := pageSize()
	dataSize := roundUp(size, ps)
	total := ps + dataSize + ps

	whole, err := mmapAnon(total, prot, 0, populate)
	if err != nil {
		return nil, err
	}

	loGuard := &pageMapping{data: whole.data[:ps], base: whole.base}
	hiGuard := &pageMapping{data: whole.data[ps+dataSize:], base: whole.base + uintptr(ps+dataSize)}
	if err := mprotectPages(loGuard, unix.PROT_NONE); err != nil {
		_ = munmapPages(whole)
		return nil, err
	}
	if err := mprotectPages(hiGuard, unix.PROT_NONE); err != nil {
		_ = munmapPages(whole)
		return nil, err
	}

	data := &pageMapping{data: whole.data[ps : ps+dataSize], base: whole.base + uintptr(ps)}
	return &guardedRegion{whole: whole, data: data}, nil
}

func (g *guardedRegion) destroy() {
	_ = munmapPages(g.whole)
}

// protoReadWrite is the protection mask for ordinary readable and
// writable regions (zone user pages, bitmaps, lookup tables).
func protoReadWrite() int {
	return unix.PROT_READ | unix.PROT_WRITE
}

// protoRead is the protection mask ProtectRoot applies to bitmap
// regions while the root is considered "protected".
func protoRead() int {
	return unix.PROT_READ
}

// protoNone is the protection mask applied to a permanently freed big
// allocation's mapping before it is unmapped, so a dangling read or
// write through a stale reference faults instead of touching memory
// the kernel may already be handing to someone else.
func protoNone() int {
	return unix.PROT_NONE
}
