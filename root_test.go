package isoalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	r, err := NewRoot(WithDefaultZoneSizes(16, 64, 256), WithZoneUserSize(256*1024))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAllocFreeRoundTrip(t *testing.T) {
	r := newTestRoot(t)

	chunk, err := r.Alloc(40)
	require.NoError(t, err)
	require.Len(t, chunk, 40)

	for i := range chunk {
		chunk[i] = byte(i)
	}

	require.NoError(t, r.Free(chunk))
}

func TestAllocZeroFillsMemory(t *testing.T) {
	r := newTestRoot(t)

	first, err := r.Alloc(64)
	require.NoError(t, err)
	for i := range first {
		first[i] = 0xff
	}
	require.NoError(t, r.Free(first))

	second, err := r.Alloc(64)
	require.NoError(t, err)
	for i, b := range second {
		require.Equalf(t, byte(0), b, "byte %d not zeroed on reuse", i)
	}
}

func TestDoubleFreeAborts(t *testing.T) {
	r := newTestRoot(t)

	chunk, err := r.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, r.Free(chunk))

	defer func() {
		rec := recover()
		require.NotNil(t, rec, "expected double free to panic")
		ce, ok := rec.(*CorruptionError)
		require.True(t, ok, "expected panic value to be *CorruptionError, got %T", rec)
		require.Equal(t, kindCorruption, ce.Kind)
	}()
	_ = r.Free(chunk)
}

func TestFreeOfUnknownPointerAborts(t *testing.T) {
	r := newTestRoot(t)

	defer func() {
		rec := recover()
		require.NotNil(t, rec, "expected free of an unowned pointer to panic")
	}()
	_ = r.Free(make([]byte, 16))
}

func TestThreadCacheQuarantineDelaysReuse(t *testing.T) {
	r := newTestRoot(t)
	tc := r.BindCurrentThread()
	defer tc.Release()

	chunk, err := r.AllocWith(tc, 16)
	require.NoError(t, err)
	require.NoError(t, r.FreeWith(tc, chunk))

	// The chunk should still read as allocated internally (quarantined,
	// not yet returned to the zone) until the quarantine fills or is
	// flushed.
	addr := addrOf(chunk)
	idx := r.lookup.zoneIndexForPointer(addr)
	require.NotEqual(t, noZoneIndex, idx)
	z := r.zoneByIndex(idx)
	slot := z.bitSlotFromPointer(addr)
	require.Equal(t, stateAllocated, z.stateAt(slot))
}

func TestFlushCachesDrainsQuarantine(t *testing.T) {
	r := newTestRoot(t)
	tc := r.BindCurrentThread()

	chunk, err := r.AllocWith(tc, 16)
	require.NoError(t, err)
	require.NoError(t, r.FreeWith(tc, chunk))

	r.FlushCaches()

	addr := addrOf(chunk)
	idx := r.lookup.zoneIndexForPointer(addr)
	z := r.zoneByIndex(idx)
	slot := z.bitSlotFromPointer(addr)
	require.Equal(t, stateFree, z.stateAt(slot))

	tc.Release()
}

func TestBigAllocationRoundTrip(t *testing.T) {
	r := newTestRoot(t)

	big, err := r.Alloc(SmallSzMax + 1024)
	require.NoError(t, err)
	require.Len(t, big, SmallSzMax+1024)

	sz, err := r.ChunkSize(big)
	require.NoError(t, err)
	require.GreaterOrEqual(t, sz, uint64(SmallSzMax+1024))

	require.NoError(t, r.Free(big))
}

func TestVerifyAllDetectsCorruption(t *testing.T) {
	r := newTestRoot(t)

	chunk, err := r.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, r.Free(chunk))

	require.NoError(t, r.VerifyAll())

	// Corrupt the canary directly to simulate an overflow into a freed
	// neighbor.
	chunk[0] ^= 0xff
	require.Error(t, r.VerifyAll())
}

func TestNewZoneAndDestroyZone(t *testing.T) {
	r := newTestRoot(t)

	z, err := r.NewZone(512)
	require.NoError(t, err)
	r.SetName(z, "widgets")
	require.Equal(t, "widgets", r.Name(z))

	require.NoError(t, r.DestroyZone(z))
}

func TestDestroyZoneRejectsNonEmptyZone(t *testing.T) {
	r := newTestRoot(t)

	z, err := r.NewZone(512)
	require.NoError(t, err)

	_, err = r.AllocFromZone(z, 400)
	require.NoError(t, err)

	require.Error(t, r.DestroyZone(z))
}

func TestPrivateZoneExcludedFromGenericAllocation(t *testing.T) {
	r := newTestRoot(t)

	z, err := r.NewZone(512)
	require.NoError(t, err)

	chunk, err := r.AllocWith(nil, 400)
	require.NoError(t, err)

	addr := addrOf(chunk)
	idx := r.lookup.zoneIndexForPointer(addr)
	require.NotEqual(t, noZoneIndex, idx)
	require.NotEqual(t, z.index, idx, "a private zone must never be chosen by the generic allocation path")
}

func TestAllocFromZoneRejectsOversizedRequest(t *testing.T) {
	r := newTestRoot(t)

	z, err := r.NewZone(64)
	require.NoError(t, err)

	_, err = r.AllocFromZone(z, 128)
	require.Error(t, err)
}

func TestLeakCountAndMemUsage(t *testing.T) {
	r := newTestRoot(t)

	before := r.LeakCount()
	chunk, err := r.Alloc(32)
	require.NoError(t, err)
	require.Equal(t, before+1, r.LeakCount())
	require.Greater(t, r.MemUsage(), uint64(0))

	require.NoError(t, r.Free(chunk))
	require.Equal(t, before, r.LeakCount())
}

func TestFreePermanentlyNeverReusesSlot(t *testing.T) {
	r := newTestRoot(t)

	chunk, err := r.Alloc(16)
	require.NoError(t, err)
	addr := addrOf(chunk)
	idx := r.lookup.zoneIndexForPointer(addr)
	z := r.zoneByIndex(idx)
	slot := z.bitSlotFromPointer(addr)

	require.NoError(t, r.FreePermanently(chunk))
	require.Equal(t, stateCanary, z.stateAt(slot))

	defer func() {
		rec := recover()
		require.NotNil(t, rec, "expected a second permanent free to panic as a double free")
	}()
	_ = r.FreePermanently(chunk)
}

func TestFreeSizeAbortsOnMismatchedSize(t *testing.T) {
	r := newTestRoot(t)

	chunk, err := r.Alloc(16)
	require.NoError(t, err)

	defer func() {
		rec := recover()
		require.NotNil(t, rec, "expected free_size to abort when size exceeds the chunk's zone capacity")
	}()
	_ = r.FreeSize(chunk, 4096)
}

func TestFreeSizeSucceedsWhenSizeFits(t *testing.T) {
	r := newTestRoot(t)

	chunk, err := r.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, r.FreeSize(chunk, 16))
}

func TestBigAllocationReusesFreedEntry(t *testing.T) {
	r := newTestRoot(t)

	size := uint64(SmallSzMax + 5*1024*1024)
	p, err := r.Alloc(size)
	require.NoError(t, err)
	pAddr := addrOf(p)

	require.NoError(t, r.Free(p))

	q, err := r.Alloc(size)
	require.NoError(t, err)
	require.Equal(t, pAddr, addrOf(q), "a big allocation of the same size should reuse the freed entry")
}

func TestHealthCheckReportsHealthyRoot(t *testing.T) {
	r := newTestRoot(t)
	report := r.HealthCheck()
	require.True(t, report.Healthy)
	require.Empty(t, report.Error)
}
