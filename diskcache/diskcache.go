// Package diskcache provides the default core.Backend implementations: a
// SQLite-backed persistent store and an in-memory store. Both keep three
// data streams per entry (info, body, metadata) and support dooming, which
// hides an entry from lookups while existing handles keep working.
package diskcache

import (
	"time"

	"github.com/ericselin/cache-gate/core"
	"github.com/ericselin/cache-gate/runloop"
)

// CacheType selects the physical store behind a Factory.
type CacheType int

const (
	// DiskCache stores entries in a SQLite database at Path.
	DiskCache CacheType = iota
	// MemoryCache stores entries in process memory.
	MemoryCache
)

// Factory builds a backend on demand. It implements core.BackendFactory;
// construction happens off-loop and completes through Loop.
type Factory struct {
	Type     CacheType
	Path     string
	MaxBytes int64
	// Loop is the engine loop completions are marshaled onto. Required.
	Loop *runloop.Loop
	// StartupDelay artificially delays construction. Test hook.
	StartupDelay time.Duration
}

// InMemory returns a factory for a memory-only backend.
func InMemory(maxBytes int64, loop *runloop.Loop) *Factory {
	return &Factory{Type: MemoryCache, MaxBytes: maxBytes, Loop: loop}
}

// Create implements core.BackendFactory.
func (f *Factory) Create(backend *core.Backend, cb core.CompletionFunc) core.Status {
	go func() {
		if f.StartupDelay > 0 {
			time.Sleep(f.StartupDelay)
		}

		var built core.Backend
		status := core.OK
		switch f.Type {
		case MemoryCache:
			built = NewMemory(f.MaxBytes)
		default:
			sb, err := NewSQLite(f.Path, f.Loop)
			if err != nil {
				status = core.ErrFailed
			} else {
				built = sb
			}
		}

		f.Loop.Post(func() {
			if status == core.OK {
				*backend = built
			}
			cb(status)
		})
	}()
	return core.ErrIOPending
}

var _ core.BackendFactory = (*Factory)(nil)
