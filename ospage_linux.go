//go:build linux

package isoalloc

import "golang.org/x/sys/unix"

// mapPopulateFlag returns MAP_POPULATE on platforms that support
// pre-faulting pages at mmap time. Linux-only; other Unixes fall back
// to a manual touch-through (see ospage_other.go).
func mapPopulateFlag() int {
	return unix.MAP_POPULATE
}
