package core

// Data stream indices within a backend entry. Stream 0 holds the fixed
// entry info record (see EntryInfo), stream 1 the payload, stream 2 the
// opaque metadata blob written by WriteMetadata.
const (
	DataInfo     = 0
	DataBody     = 1
	DataMetadata = 2
)

// BackendFactory produces a Backend, possibly asynchronously. A factory is
// owned by the engine until its first construction completes; after that
// it is discarded, whether or not the construction succeeded.
type BackendFactory interface {
	// Create fills *backend and returns OK, or returns ErrIOPending and
	// later invokes cb exactly once with the final status (filling
	// *backend before cb runs on success). The callback must be invoked
	// on the engine's loop.
	Create(backend *Backend, cb CompletionFunc) Status
}

// Backend is the persistence layer. Implementations may do their work on
// other goroutines but must marshal every completion callback back onto
// the engine's loop before invoking it. The engine never issues parallel
// operations against a single BackendEntry.
type Backend interface {
	// OpenEntry opens an existing entry, filling *entry on success.
	// Returns OK, ErrIOPending (cb fires later), or an error such as
	// ErrCacheMiss.
	OpenEntry(key string, entry *BackendEntry, cb CompletionFunc) Status
	// CreateEntry creates a new entry, filling *entry on success.
	CreateEntry(key string, entry *BackendEntry, cb CompletionFunc) Status
	// DoomEntry dooms the entry stored under key.
	DoomEntry(key string, cb CompletionFunc) Status
	// Close releases the backend. In-flight completions may still fire
	// afterwards and must be harmless.
	Close()
}

// BackendEntry is a handle to one stored entry. The engine closes every
// handle it owns exactly once.
type BackendEntry interface {
	// Key returns the key the entry was stored under. A degraded entry may
	// return the empty string.
	Key() string
	// Doom marks the entry for removal once the last handle is closed and
	// hides it from subsequent opens.
	Doom()
	// Close releases the handle.
	Close()
	// ReadData reads from the given stream at offset. The returned status
	// is the byte count on synchronous success, ErrIOPending when cb will
	// fire later with the count, or an error.
	ReadData(index, offset int, buf []byte, cb CompletionFunc) Status
	// WriteData writes buf to the given stream at offset, truncating the
	// stream after the write when truncate is set. Status semantics match
	// ReadData.
	WriteData(index, offset int, buf []byte, truncate bool, cb CompletionFunc) Status
}
