package isoalloc

import (
	"runtime"
	"sync"
)

// quarantineEntry is one deferred free sitting in a thread cache,
// waiting for ChunkQuarantineSz entries to accumulate before the
// chunk is actually returned to its zone (spec.md §4.8 "Deferred
// free quarantine" — the delay law: a use-after-free of a chunk still
// in quarantine still sees the chunk's old bytes, since sanitizing and
// canary stamping happen only when the entry leaves quarantine, but it
// does not corrupt the bitmap the way a double-free past quarantine
// would).
type quarantineEntry struct {
	zone *Zone
	slot bitSlot
}

// ThreadCache is a goroutine-affine handle obtained from
// Root.BindCurrentThread. It caches the last few zones each chunk
// size hashed to, and holds a small deferred-free quarantine, both
// sized by ZoneCacheSz/ChunkQuarantineSz. isoalloc keeps this state in
// a real thread-local; Go exposes no portable per-OS-thread storage to
// user code, so binding is explicit: the caller pins its goroutine to
// its OS thread for the handle's lifetime and passes the handle to
// every fast-path call (spec.md §9 Open Questions).
type ThreadCache struct {
	root *Root

	mu          sync.Mutex
	cacheSizes  [ZoneCacheSz]uint64
	cacheZones  [ZoneCacheSz]*Zone
	cacheCursor int

	quarantine []quarantineEntry
	released   bool
}

// threadRegistry tracks every live ThreadCache so FlushCaches and
// Stats can reach goroutines that are still bound.
type threadRegistry struct {
	mu     sync.Mutex
	caches map[*ThreadCache]struct{}
}

func newThreadRegistry() *threadRegistry {
	return &threadRegistry{caches: make(map[*ThreadCache]struct{})}
}

func (tr *threadRegistry) add(tc *ThreadCache) {
	tr.mu.Lock()
	tr.caches[tc] = struct{}{}
	tr.mu.Unlock()
}

func (tr *threadRegistry) remove(tc *ThreadCache) {
	tr.mu.Lock()
	delete(tr.caches, tc)
	tr.mu.Unlock()
}

func (tr *threadRegistry) snapshot() []*ThreadCache {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]*ThreadCache, 0, len(tr.caches))
	for tc := range tr.caches {
		out = append(out, tc)
	}
	return out
}

// BindCurrentThread pins the calling goroutine to its current OS
// thread and returns a ThreadCache for it to use on every subsequent
// fast-path Alloc/Free call. The caller must call Release when the
// goroutine is done using the allocator's fast path.
func (r *Root) BindCurrentThread() *ThreadCache {
	runtime.LockOSThread()
	tc := &ThreadCache{root: r}
	r.threads.add(tc)
	return tc
}

// Release unpins the goroutine and drains the cache's quarantine back
// into its zones. A ThreadCache must not be used after Release.
func (tc *ThreadCache) Release() {
	tc.mu.Lock()
	if tc.released {
		tc.mu.Unlock()
		return
	}
	tc.released = true
	tc.mu.Unlock()

	r := tc.root
	if pending := tc.flushQuarantine(); len(pending) > 0 && !r.closed.Load() {
		r.rootMu.Lock()
		for _, e := range pending {
			_ = r.retireFreeLocked(e.zone, e.slot, false)
		}
		r.rootMu.Unlock()
	}
	r.threads.remove(tc)
	runtime.UnlockOSThread()
}

// isReleased reports whether Release has already been called on tc,
// so a stale handle kept alive past its goroutine's binding can be
// rejected instead of silently operating on released state.
func (tc *ThreadCache) isReleased() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.released
}

// zoneFor returns the cached zone for chunkSize, or nil on a cache
// miss (spec.md §4.5 "Thread-local zone cache").
func (tc *ThreadCache) zoneFor(chunkSize uint64) *Zone {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for i, sz := range tc.cacheSizes {
		if sz == chunkSize && tc.cacheZones[i] != nil {
			return tc.cacheZones[i]
		}
	}
	return nil
}

// remember records that chunkSize currently resolves to z, evicting
// the least-recently-set slot round-robin.
func (tc *ThreadCache) remember(chunkSize uint64, z *Zone) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.cacheSizes[tc.cacheCursor] = chunkSize
	tc.cacheZones[tc.cacheCursor] = z
	tc.cacheCursor = (tc.cacheCursor + 1) % ZoneCacheSz
}

// forget drops every cached reference to z, called when z is destroyed
// through DestroyZone so the cache never hands back a stale zone
// pointer. A retired zone is not forgotten here; pickZoneLocked skips
// it through its retired flag instead.
func (tc *ThreadCache) forget(z *Zone) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for i, cz := range tc.cacheZones {
		if cz == z {
			tc.cacheZones[i] = nil
		}
	}
}

// deferFree enqueues a freed slot in the quarantine. When the
// quarantine is full, its oldest entry is evicted and actually
// returned to its zone (spec.md §4.8).
func (tc *ThreadCache) deferFree(z *Zone, slot bitSlot) *quarantineEntry {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.quarantine = append(tc.quarantine, quarantineEntry{zone: z, slot: slot})
	if len(tc.quarantine) <= ChunkQuarantineSz {
		return nil
	}
	evicted := tc.quarantine[0]
	tc.quarantine = tc.quarantine[1:]
	return &evicted
}

// flushQuarantine empties the quarantine and returns the entries it
// held; the caller returns each chunk to its zone under the root lock.
// Called from Release and from FlushCaches.
func (tc *ThreadCache) flushQuarantine() []quarantineEntry {
	tc.mu.Lock()
	pending := tc.quarantine
	tc.quarantine = nil
	tc.mu.Unlock()
	return pending
}
