package ublk

// Backend is the storage contract every ublk target must satisfy. It maps
// directly onto the per-request operations the queue engine fetches off
// the kernel's IoDesc slab: READ becomes ReadAt, WRITE becomes WriteAt,
// FLUSH becomes Flush.
type Backend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// DiscardBackend is an optional interface for TRIM/DISCARD support. A
// backend that does not implement it causes discard requests to fail with
// EOPNOTSUPP rather than silently succeeding.
type DiscardBackend interface {
	Backend
	Discard(offset, length int64) error
}

// WriteZeroesBackend is an optional interface for the WRITE_ZEROES opcode,
// kept distinct from Discard because some backends can zero without
// releasing the underlying storage.
type WriteZeroesBackend interface {
	Backend
	WriteZeroes(offset, length int64) error
}

// SyncBackend is an optional interface for FLUSH with a byte range, beyond
// the whole-device Flush every Backend already provides.
type SyncBackend interface {
	Backend
	Sync() error
	SyncRange(offset, length int64) error
}

// StatBackend is an optional interface exposing backend-specific counters,
// surfaced verbatim through Device.Info()-adjacent tooling.
type StatBackend interface {
	Backend
	Stats() map[string]interface{}
}

// ResizeBackend is an optional interface for online device resize. Nothing
// in this library currently re-negotiates DevSectors after SET_PARAMS; a
// caller wanting live resize must also reissue SET_PARAMS via Ctrl.
type ResizeBackend interface {
	Backend
	Resize(newSize int64) error
}

// Logger is the simple Printf-style logger accepted via Options, for
// callers that want a one-line hook into device lifecycle events without
// adopting the structured internal/logging logger the control and queue
// engines use internally.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}
