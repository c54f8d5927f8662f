// Package isoalloc implements the core of a hardened general-purpose
// memory allocator. It makes common memory-corruption primitives
// (linear overflows, use-after-free, double-free, heap metadata
// attacks, and type confusion between differently sized allocations)
// statistically expensive or deterministically detectable, while
// keeping small-allocation throughput competitive with conventional
// size-class allocators.
//
// The allocator is organized around zones: fixed-chunk-size arenas
// bracketed by guard pages, tracked with a two-bit-per-chunk bitmap
// and periodically salted with canary chunks. Allocations larger than
// the small-size maximum are serviced by a separate big-zone list of
// individually mapped regions.
//
// Basic usage:
//
//	root, err := isoalloc.NewRoot()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer root.Close()
//
//	p, err := root.Alloc(64)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer root.Free(p)
//
// Advanced usage with options:
//
//	root, err := isoalloc.NewRoot(
//		isoalloc.WithSanitizeOnFree(),
//		isoalloc.WithAbortOnNull(),
//		isoalloc.WithLogger(slog.Default()),
//	)
package isoalloc

import (
	"fmt"
	"log/slog"
)

const Version = "1.0.0-core"

// abort raises a CorruptionError as a panic. Every fatal path in this
// package (§7: corruption, capability exhaustion, misuse) funnels
// through here so there is exactly one place that decides how a fatal
// condition is announced before the process unwinds.
func abort(logger *slog.Logger, kind corruptionKind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if logger != nil {
		logger.Error("isoalloc: fatal", slog.String("kind", kind.String()), slog.String("reason", msg))
	} else {
		slog.Default().Error("isoalloc: fatal", slog.String("kind", kind.String()), slog.String("reason", msg))
	}
	panic(&CorruptionError{Kind: kind, Message: msg})
}
