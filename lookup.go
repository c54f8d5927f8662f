package isoalloc

import (
	"encoding/binary"
	"sort"
	"sync"
)

// noZoneIndex marks a lookup-table slot that has no zone assigned.
const noZoneIndex int32 = -1

// zoneRange records the address span a zone's user region covers, for
// pointer-to-zone lookup during Free/ChunkSize when the caller has not
// gone through the thread cache (spec.md §3 "Lookup tables (shared)").
type zoneRange struct {
	base, limit uintptr
	zoneIndex   int32
}

// lookupTables holds the root's two shared lookup structures: a
// size-class table (every chunk size that maps to a default zone) and
// a sorted range table (every zone's address span, for reverse
// lookup). The size-class table's backing bytes are mlocked so they
// cannot be paged out from under a hot allocation path, mirroring
// isoalloc's chunk_lookup_table/zone_lookup_table treatment (spec.md
// §3). The range table is plain Go metadata: it holds no secrets and
// mlocking it would only pin GC-managed memory for no security gain.
type lookupTables struct {
	mu sync.RWMutex

	sizeTable    *pageMapping // int32 per SmallestChunkSz-aligned size class
	sizeTableLen int

	ranges []zoneRange // sorted by base
}

func newLookupTables() (*lookupTables, error) {
	classes := int(MaxDefaultZoneSz/SmallestChunkSz) + 1
	m, err := mmapAnon(uint64(classes*4), protoReadWrite(), 0, false)
	if err != nil {
		return nil, err
	}
	if err := mlockPages(m); err != nil {
		// Not fatal: mlock commonly fails without CAP_IPC_LOCK or under
		// a restrictive RLIMIT_MEMLOCK. The table still works, just
		// without the swap-pinning guarantee.
		_ = err
	}

	lt := &lookupTables{sizeTable: m, sizeTableLen: classes}
	for i := 0; i < classes; i++ {
		lt.putClass(i, noZoneIndex)
	}
	return lt, nil
}

func (lt *lookupTables) close() {
	if lt.sizeTable == nil {
		return
	}
	_ = munlockPages(lt.sizeTable)
	_ = munmapPages(lt.sizeTable)
	lt.sizeTable = nil
}

func (lt *lookupTables) putClass(class int, zoneIndex int32) {
	binary.LittleEndian.PutUint32(lt.sizeTable.data[class*4:class*4+4], uint32(zoneIndex))
}

func (lt *lookupTables) getClass(class int) int32 {
	return int32(binary.LittleEndian.Uint32(lt.sizeTable.data[class*4 : class*4+4]))
}

func sizeClassIndex(sz uint64) (int, bool) {
	if sz == 0 || sz > MaxDefaultZoneSz {
		return 0, false
	}
	return int(roundUp(sz, SmallestChunkSz) / SmallestChunkSz), true
}

// setSizeClassZone records that requests in sz's size class are best
// served by the zone at zoneIndex. Called for each default zone when it
// is created (at root construction or as a retirement replacement),
// and with noZoneIndex when a default zone is destroyed (spec.md §4.0).
func (lt *lookupTables) setSizeClassZone(sz uint64, zoneIndex int32) {
	class, ok := sizeClassIndex(sz)
	if !ok {
		return
	}
	lt.mu.Lock()
	lt.putClass(class, zoneIndex)
	lt.mu.Unlock()
}

// zoneForSize returns the default zone index registered for sz, or
// noZoneIndex if none was registered at this exact size class.
func (lt *lookupTables) zoneForSize(sz uint64) int32 {
	class, ok := sizeClassIndex(sz)
	if !ok {
		return noZoneIndex
	}
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.getClass(class)
}

// addRange registers a zone's address span for reverse pointer lookup.
func (lt *lookupTables) addRange(base, limit uintptr, zoneIndex int32) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	r := zoneRange{base: base, limit: limit, zoneIndex: zoneIndex}
	i := sort.Search(len(lt.ranges), func(i int) bool { return lt.ranges[i].base >= base })
	lt.ranges = append(lt.ranges, zoneRange{})
	copy(lt.ranges[i+1:], lt.ranges[i:])
	lt.ranges[i] = r
}

// removeRange drops zoneIndex's span, called when a zone is destroyed
// or retired (spec.md §4.11).
func (lt *lookupTables) removeRange(zoneIndex int32) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for i, r := range lt.ranges {
		if r.zoneIndex == zoneIndex {
			lt.ranges = append(lt.ranges[:i], lt.ranges[i+1:]...)
			return
		}
	}
}

// zoneIndexForPointer returns the zone whose user region contains p,
// or noZoneIndex if p falls in no known zone (spec.md §4.9 "reject
// unknown pointers").
func (lt *lookupTables) zoneIndexForPointer(p uintptr) int32 {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	i := sort.Search(len(lt.ranges), func(i int) bool { return lt.ranges[i].base > p }) - 1
	if i < 0 || i >= len(lt.ranges) {
		return noZoneIndex
	}
	r := lt.ranges[i]
	if p >= r.base && p < r.limit {
		return r.zoneIndex
	}
	return noZoneIndex
}
