package isoalloc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Root is the top-level allocator handle, grounded on the teacher's
// allocator struct (xDarkicex-slabby) generalized to isoalloc's
// iso_alloc_root: a zone table, a big-zone list, two independent
// locks, and the shared lookup tables (spec.md §3 "Root").
//
// Two locks guard disjoint state, matching isoalloc's root->lock and
// root->big_zone_lock: rootMu covers the zone table and lookup
// tables, bigMu covers the big-zone list. Only Close holds both at
// once, taking bigMu inside rootMu while it tears everything down.
type Root struct {
	cfg rootConfig
	rng *prng

	rootMu     sync.Mutex
	zones      []*Zone
	freeSlots  []int32
	lookup     *lookupTables

	bigMu             sync.Mutex
	bigZoneHead       *bigZone
	bigZoneCanarySecret uint64
	bigZoneNextMask     uint64

	threads *threadRegistry
	mapBreaker *circuitBreaker
	latency    latencySampler

	closed   atomic.Bool
	closeMu  sync.Once

	stats rootStats
}

// NewRoot constructs a Root and eagerly creates one default zone per
// configured zone size (spec.md §4.0). Options follow the teacher's
// functional-options pattern (AllocatorOption -> With...).
func NewRoot(opts ...RootOption) (*Root, error) {
	cfg := defaultRootConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	cfg.zoneUserSize = roundDown(cfg.zoneUserSize, pageSize())
	if !isPow2(cfg.zoneUserSize) {
		return nil, fmt.Errorf("isoalloc: zone user size %d must be a page-aligned power of two", cfg.zoneUserSize)
	}

	lookup, err := newLookupTables()
	if err != nil {
		return nil, fmt.Errorf("isoalloc: failed to set up lookup tables: %w", err)
	}

	rng := newPRNG()
	r := &Root{
		cfg:                 cfg,
		rng:                 rng,
		lookup:               lookup,
		bigZoneCanarySecret: rng.next(),
		bigZoneNextMask:     rng.next(),
		threads:             newThreadRegistry(),
	}
	r.freeSlots = make([]int32, 0, cfg.maxZones)
	r.stats.startedAt = time.Now()
	r.mapBreaker = newCircuitBreaker(
		CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: 2 * time.Second},
		r.logWarn, r.logInfo,
	)

	for _, sz := range cfg.defaultZoneSize {
		if _, err := r.createZoneLocked(sz, true, false); err != nil {
			r.teardownLocked()
			return nil, err
		}
	}

	r.logInfo("root initialized", "zones", len(r.zones), "max_zones", cfg.maxZones)
	return r, nil
}

func (r *Root) logger() *slog.Logger {
	if r.cfg.logger != nil {
		return r.cfg.logger
	}
	return slog.Default()
}

func (r *Root) logInfo(msg string, args ...any) {
	r.logger().Info(msg, args...)
}

func (r *Root) logWarn(msg string, args ...any) {
	r.logger().Warn(msg, args...)
}

func (r *Root) abortf(kind corruptionKind, format string, args ...any) {
	abort(r.logger(), kind, format, args...)
}

// createZoneLocked allocates a new zone, registers it in the zone
// table and lookup tables, and returns it. Callers must hold rootMu.
func (r *Root) createZoneLocked(chunkSize uint64, isDefault, private bool) (*Zone, error) {
	chunkSize = normalizeChunkSize(chunkSize)
	if chunkSize > SmallSzMax {
		return nil, ErrSizeTooLarge
	}
	if len(r.zones)-len(r.freeSlots) >= r.cfg.maxZones {
		return nil, ErrOutOfMemory
	}
	if r.mapBreaker.isOpen() {
		return nil, ErrOutOfMemory
	}

	var index int32
	if n := len(r.freeSlots); n > 0 {
		index = r.freeSlots[n-1]
		r.freeSlots = r.freeSlots[:n-1]
	} else {
		index = int32(len(r.zones))
	}

	z, err := newZone(index, chunkSize, r.cfg.zoneUserSize, r.rng, &r.cfg)
	if err != nil {
		r.mapBreaker.recordFailure()
		return nil, err
	}
	r.mapBreaker.recordSuccess()
	z.isDefault = isDefault
	z.isPrivate = private

	if int(index) == len(r.zones) {
		r.zones = append(r.zones, z)
	} else {
		r.zones[index] = z
	}

	if isDefault {
		r.lookup.setSizeClassZone(chunkSize, index)
	}
	r.lookup.addRange(z.unmaskedUserBase(), z.unmaskedUserBase()+uintptr(z.userSize), index)

	return z, nil
}

// destroyZoneLocked unregisters and unmaps a zone. Callers must hold
// rootMu.
func (r *Root) destroyZoneLocked(z *Zone) {
	r.lookup.removeRange(z.index)
	if z.isDefault {
		r.lookup.setSizeClassZone(z.chunkSize, noZoneIndex)
	}
	z.destroy()
	r.zones[z.index] = nil
	r.freeSlots = append(r.freeSlots, z.index)
}

// retireAndReplaceLocked destroys an empty, over-allocated default
// zone and immediately creates a fresh one at the same chunk size, so
// the zone table never shrinks below its startup shape (spec.md
// §4.11).
func (r *Root) retireAndReplaceLocked(z *Zone) (*Zone, error) {
	if r.cfg.neverReuseZones {
		return z, nil
	}
	chunkSize := z.chunkSize
	z.retired.Store(true)
	r.destroyZoneLocked(z)
	fresh, err := r.createZoneLocked(chunkSize, true, false)
	if err != nil {
		return nil, err
	}
	r.logInfo("zone retired and replaced", "chunk_size", chunkSize)
	return fresh, nil
}

func (r *Root) zoneByIndex(idx int32) *Zone {
	if idx < 0 || int(idx) >= len(r.zones) {
		return nil
	}
	return r.zones[idx]
}

// teardownLocked unmaps everything the root owns. Safe to call
// without rootMu held only during failed construction, before any
// other goroutine can see r.
func (r *Root) teardownLocked() {
	for _, z := range r.zones {
		if z != nil {
			z.destroy()
		}
	}
	r.zones = nil

	r.bigMu.Lock()
	for b := r.bigZoneHead; b != nil; {
		next := bigZoneNext(b)
		b.destroy()
		b = next
	}
	r.bigZoneHead = nil
	r.bigMu.Unlock()

	if r.lookup != nil {
		r.lookup.close()
	}
}

// Close releases every mapping the root owns. It is safe to call more
// than once; only the first call does anything (spec.md §4.14).
func (r *Root) Close() error {
	r.closeMu.Do(func() {
		r.closed.Store(true)
		r.rootMu.Lock()
		r.teardownLocked()
		r.rootMu.Unlock()
		r.logInfo("root closed")
	})
	return nil
}

func (r *Root) checkOpen() {
	if r.closed.Load() {
		r.abortf(kindMisuse, "operation on a closed Root")
	}
}
