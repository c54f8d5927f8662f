//go:build !linux

package isoalloc

// mapPopulateFlag is a no-op outside Linux: MAP_POPULATE has no
// portable equivalent, so prePopulate falls back to touching every
// page manually after mmap (see zone.go's populate step).
func mapPopulateFlag() int {
	return 0
}
