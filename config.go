package isoalloc

import (
	"log/slog"
	"time"
)

// Build-time-flavored constants. isoalloc (the C original) makes these
// compile-time knobs; we keep the same values as sane defaults and
// expose the ones that are safe to vary at runtime through
// RootOption, matching spec.md §6 "Configuration (build-time)".
const (
	// BitsPerChunk is the width of a chunk's state in the bitmap.
	BitsPerChunk = 2
	// BitsPerQword is the number of state bits in one bitmap word.
	BitsPerQword = 64
	// ChunksPerQword is how many chunk states fit in one bitmap word.
	ChunksPerQword = BitsPerQword / BitsPerChunk

	// Alignment is the minimum pointer alignment isoalloc guarantees
	// and enforces on free.
	Alignment = 16

	// SmallestChunkSz is the smallest chunk size any zone may hold.
	SmallestChunkSz = 16
	// MaxDefaultZoneSz bounds the default (startup) zone sizes and the
	// canary-chunk / retirement policies that key off it.
	MaxDefaultZoneSz = 8192
	// SmallSzMax is the largest request the small-allocation path will
	// service; requests above this size must use the big-allocation
	// path. isoalloc's own default configurations set this well above
	// MaxDefaultZoneSz so a handful of larger-than-default zone sizes
	// can still be created on demand via NewZone.
	SmallSzMax = 131072

	// BigSzMax bounds the big-allocation path. Requests above this are
	// rejected outright (spec.md §4.12, §7 "Out of capability").
	BigSzMax = 1 << 32

	// ZoneUserSize is the fixed size of a zone's user region.
	ZoneUserSize = 4 * 1024 * 1024

	// MaxZones bounds the root's zone table.
	MaxZones = 8192

	// BitSlotCacheSz is the capacity of a zone's free-slot cache.
	BitSlotCacheSz = 255

	// ZoneCacheSz is the number of entries in a thread's zone cache.
	ZoneCacheSz = 8

	// ChunkQuarantineSz is the capacity of a thread's deferred-free
	// quarantine.
	ChunkQuarantineSz = 64

	// CanaryCountDiv controls canary density: roughly 1/CanaryCountDiv
	// of a zone's chunks become permanent canary chunks.
	CanaryCountDiv = 100

	// ZoneAllocRetire is the lifetime-allocation multiplier that makes
	// an empty zone eligible for retirement (spec.md §4.11).
	ZoneAllocRetire = 32

	// WastedSzMultiplierShift controls the waste-rejection policy in
	// the fit predicate (spec.md §4.5, §9 Open Questions: "its bound is
	// configuration-dependent" — we default to 2, i.e. reject an
	// internal zone whose chunk_size is >= 4x the requested size, for
	// requests over 1024 bytes).
	WastedSzMultiplierShift = 2

	// CanaryValidateMask zeroes the top byte of a canary value so an
	// unbounded string read can never leak the full secret.
	CanaryValidateMask = 0x00FFFFFFFFFFFFFF

	// PoisonByte overwrites freed/retired user bytes when sanitize-on-
	// free is enabled.
	PoisonByte = 0xDE

	// BadBitSlot is the sentinel for "no slot".
	BadBitSlot = -1

	// allocatedBitSlots is a whole-word quick-reject value: a word
	// equal to this holds only chunks in the "allocated, no history"
	// state (low bit 1, high bit 0, repeated). Any word strictly less
	// than it is guaranteed to contain at least one chunk whose low
	// bit is 0 (spec.md §4.6 step 3).
	allocatedBitSlots uint64 = 0x5555555555555555
)

// defaultZoneSizes mirrors isoalloc's non-SMALL_MEM_STARTUP default
// zone table (conf.h).
var defaultZoneSizes = []uint64{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

// rootConfig holds the knobs RootOption mutates, in the teacher's
// functional-options shape (allocatorConfig / AllocatorOption).
type rootConfig struct {
	logger *slog.Logger

	maxZones        int
	zoneUserSize    uint64
	defaultZoneSize []uint64

	noZeroAllocations bool
	abortOnNull       bool
	sanitizeOnFree    bool
	neverReuseZones   bool
	prePopulate       bool

	wastedSzMultiplierShift uint
	zoneAllocRetire         uint64
	canaryCountDiv          uint64

	healthInterval time.Duration
}

func defaultRootConfig() rootConfig {
	return rootConfig{
		logger:                  nil,
		maxZones:                MaxZones,
		zoneUserSize:            ZoneUserSize,
		defaultZoneSize:         append([]uint64(nil), defaultZoneSizes...),
		noZeroAllocations:       false,
		abortOnNull:             false,
		sanitizeOnFree:          false,
		neverReuseZones:         false,
		prePopulate:             false,
		wastedSzMultiplierShift: WastedSzMultiplierShift,
		zoneAllocRetire:         ZoneAllocRetire,
		canaryCountDiv:          CanaryCountDiv,
		healthInterval:          30 * time.Second,
	}
}

// RootOption configures a Root at construction time, in the same
// functional-options shape the teacher uses for AllocatorOption.
type RootOption func(*rootConfig)

// WithLogger attaches a structured logger for fatal diagnostics,
// zone-lifecycle events, and health-style warnings.
func WithLogger(logger *slog.Logger) RootOption {
	return func(c *rootConfig) { c.logger = logger }
}

// WithMaxZones overrides the compile-time MaxZones cap.
func WithMaxZones(n int) RootOption {
	return func(c *rootConfig) { c.maxZones = n }
}

// WithZoneUserSize overrides the fixed per-zone user region size.
// Must be a power of two and a multiple of the system page size.
func WithZoneUserSize(sz uint64) RootOption {
	return func(c *rootConfig) { c.zoneUserSize = sz }
}

// WithDefaultZoneSizes overrides the set of chunk sizes the root
// creates eagerly at startup.
func WithDefaultZoneSizes(sizes ...uint64) RootOption {
	return func(c *rootConfig) { c.defaultZoneSize = sizes }
}

// WithNoZeroAllocations makes a zero-byte Alloc return an empty slice
// backed by no chunk at all, instead of a zero-length slice of a
// freshly allocated SmallestChunkSz chunk. No PROT_NONE sentinel page
// is mapped for it.
func WithNoZeroAllocations() RootOption {
	return func(c *rootConfig) { c.noZeroAllocations = true }
}

// WithAbortOnNull makes every null-returning path abort instead of
// returning ErrOutOfMemory (spec.md §7 "Transient null").
func WithAbortOnNull() RootOption {
	return func(c *rootConfig) { c.abortOnNull = true }
}

// WithSanitizeOnFree overwrites freed user bytes with PoisonByte.
func WithSanitizeOnFree() RootOption {
	return func(c *rootConfig) { c.sanitizeOnFree = true }
}

// WithNeverReuseZones disables zone retirement: once a default zone
// is created it is never destroyed and replaced.
func WithNeverReuseZones() RootOption {
	return func(c *rootConfig) { c.neverReuseZones = true }
}

// WithPrePopulate requests MAP_POPULATE-style eager page population
// for new zone user regions.
func WithPrePopulate() RootOption {
	return func(c *rootConfig) { c.prePopulate = true }
}

// WithWastedSizeMultiplierShift overrides the fit predicate's waste
// policy bound (spec.md §9 Open Questions).
func WithWastedSizeMultiplierShift(shift uint) RootOption {
	return func(c *rootConfig) { c.wastedSzMultiplierShift = shift }
}

// WithZoneAllocRetire overrides the retirement multiplier.
func WithZoneAllocRetire(n uint64) RootOption {
	return func(c *rootConfig) { c.zoneAllocRetire = n }
}
