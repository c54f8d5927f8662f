package isoalloc

import "errors"

// Sentinel errors returned by the transient-null path (see §7 of the
// design: this is the only category of failure that does not abort).
var (
	ErrOutOfMemory      = errors.New("isoalloc: out of memory")
	ErrInvalidReference = errors.New("isoalloc: invalid pointer or zone reference")
	ErrZoneExhausted    = errors.New("isoalloc: zone has no free chunks")
	ErrSizeTooLarge     = errors.New("isoalloc: size exceeds zone chunk size")
	ErrNotBound         = errors.New("isoalloc: calling goroutine has no thread binding")
)

// corruptionKind tags the taxonomy of a fatal abort so log lines and
// tests can distinguish "this is adversarial" from "this is a caller
// bug" without ever recovering from either.
type corruptionKind int

const (
	kindCorruption corruptionKind = iota
	kindCapability
	kindMisuse
)

func (k corruptionKind) String() string {
	switch k {
	case kindCorruption:
		return "corruption"
	case kindCapability:
		return "capability"
	case kindMisuse:
		return "misuse"
	default:
		return "unknown"
	}
}

// CorruptionError is the payload of a panic raised by abort(). isoalloc's
// threat model treats any detected anomaly as adversarial: there is no
// recovery path, only a diagnostic and an immediate stop, mirroring the
// original C allocator's LOG_AND_ABORT.
type CorruptionError struct {
	Kind    corruptionKind
	Message string
}

func (e *CorruptionError) Error() string {
	return "isoalloc: [" + e.Kind.String() + "] " + e.Message
}
