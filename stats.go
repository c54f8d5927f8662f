package isoalloc

import (
	"math"
	"sort"
	"sync/atomic"
	"time"
)

// latencySampler keeps a small ring buffer of sampled allocation
// latencies, adapted from the teacher's per-CPU latencyBuffer/
// SamplingRate scheme, collapsed to one shared buffer since Root has
// no per-CPU sharding of its own.
type latencySampler struct {
	buffer  [256]int64
	idx     uint32
	counter uint64
}

const latencySamplingRate = 16

func (s *latencySampler) record(d time.Duration) {
	n := atomic.AddUint64(&s.counter, 1)
	if n%latencySamplingRate != 0 {
		return
	}
	i := atomic.AddUint32(&s.idx, 1) % uint32(len(s.buffer))
	atomic.StoreInt64(&s.buffer[i], int64(d))
}

// percentile returns the p-th percentile (0..100) of the sampled
// latencies currently held in the buffer.
func (s *latencySampler) percentile(p float64) time.Duration {
	vals := make([]int64, 0, len(s.buffer))
	for i := range s.buffer {
		if v := atomic.LoadInt64(&s.buffer[i]); v > 0 {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	idx := int(math.Ceil(p/100*float64(len(vals)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return time.Duration(vals[idx])
}

// rootStats holds the root's own lifetime counters, separate from the
// per-zone counters zone.go tracks directly.
type rootStats struct {
	startedAt time.Time
}

// ZoneStats is a point-in-time snapshot of one zone, in the same
// shape as the teacher's per-shard Stats() snapshots.
type ZoneStats struct {
	Index              int32
	ChunkSize          uint64
	Capacity           uint64
	Used               uint64
	LifetimeAllocCount uint64
	CanaryChunks       int
	IsDefault          bool
	Retired            bool
}

// RootStats is the allocator-wide snapshot returned by Stats(),
// grounded on the teacher's AllocatorStats aggregation pattern.
type RootStats struct {
	Zones        []ZoneStats
	TotalUsed    uint64
	TotalCapacity uint64
	BigZoneCount int
	BigZoneBytes uint64
	Uptime       time.Duration
	AllocP50     time.Duration
	AllocP99     time.Duration
}

// Stats returns a snapshot of every zone and every live big
// allocation. It takes both locks briefly; callers on a hot path
// should not poll this at high frequency.
func (r *Root) Stats() RootStats {
	r.rootMu.Lock()
	zones := make([]ZoneStats, 0, len(r.zones))
	var used, capacity uint64
	for _, z := range r.zones {
		if z == nil {
			continue
		}
		zs := ZoneStats{
			Index:              z.index,
			ChunkSize:          z.chunkSize,
			Capacity:           z.userSize / z.chunkSize,
			Used:               z.used(),
			LifetimeAllocCount: z.lifetimeAllocCount,
			CanaryChunks:       len(z.canarySlots),
			IsDefault:          z.isDefault,
			Retired:            z.retired.Load(),
		}
		zones = append(zones, zs)
		used += zs.Used
		capacity += zs.Capacity
	}
	r.rootMu.Unlock()

	r.bigMu.Lock()
	var bigCount int
	var bigBytes uint64
	for b := r.bigZoneHead; b != nil; b = bigZoneNext(b) {
		if !b.free.Load() {
			bigCount++
			bigBytes += b.userSize
		}
	}
	r.bigMu.Unlock()

	return RootStats{
		Zones:         zones,
		TotalUsed:     used,
		TotalCapacity: capacity,
		BigZoneCount:  bigCount,
		BigZoneBytes:  bigBytes,
		Uptime:        time.Since(r.stats.startedAt),
		AllocP50:      r.latency.percentile(50),
		AllocP99:      r.latency.percentile(99),
	}
}

// HealthCheck runs VerifyAll and folds the result into a short
// report, in the teacher's HealthCheck() idiom: a cheap call safe to
// expose on a liveness endpoint.
type HealthReport struct {
	Healthy bool
	Error   string
	Stats   RootStats
}

func (r *Root) HealthCheck() HealthReport {
	report := HealthReport{Stats: r.Stats()}
	if err := r.VerifyAll(); err != nil {
		report.Healthy = false
		report.Error = err.Error()
		return report
	}
	report.Healthy = true
	return report
}
