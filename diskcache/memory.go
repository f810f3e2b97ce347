package diskcache

import (
	"github.com/ericselin/cache-gate/core"
)

// MemoryBackend keeps entries in process memory and completes every
// operation synchronously. It exists for tests, tooling and the
// MemoryCache factory type, and doubles as the exercise path for the
// engine's synchronous completions.
type MemoryBackend struct {
	live     map[string]*memEntry
	maxBytes int64
	used     int64
}

// NewMemory returns an empty in-memory backend. maxBytes of zero means
// unbounded.
func NewMemory(maxBytes int64) *MemoryBackend {
	return &MemoryBackend{
		live:     make(map[string]*memEntry),
		maxBytes: maxBytes,
	}
}

type memEntry struct {
	backend *MemoryBackend
	key     string
	streams [3][]byte
	doomed  bool
}

// OpenEntry implements core.Backend.
func (b *MemoryBackend) OpenEntry(key string, entry *core.BackendEntry, cb core.CompletionFunc) core.Status {
	e, ok := b.live[key]
	if !ok {
		return core.ErrCacheMiss
	}
	*entry = e
	return core.OK
}

// CreateEntry implements core.Backend.
func (b *MemoryBackend) CreateEntry(key string, entry *core.BackendEntry, cb core.CompletionFunc) core.Status {
	if _, ok := b.live[key]; ok {
		return core.ErrCacheCreateFailure
	}
	e := &memEntry{backend: b, key: key}
	b.live[key] = e
	*entry = e
	return core.OK
}

// DoomEntry implements core.Backend.
func (b *MemoryBackend) DoomEntry(key string, cb core.CompletionFunc) core.Status {
	e, ok := b.live[key]
	if !ok {
		return core.ErrCacheMiss
	}
	e.doom()
	return core.OK
}

// Close implements core.Backend.
func (b *MemoryBackend) Close() {
	b.live = make(map[string]*memEntry)
	b.used = 0
}

var _ core.Backend = (*MemoryBackend)(nil)

func (e *memEntry) Key() string { return e.key }

func (e *memEntry) Doom() { e.doom() }

func (e *memEntry) doom() {
	if e.doomed {
		return
	}
	e.doomed = true
	if e.backend.live[e.key] == e {
		delete(e.backend.live, e.key)
	}
}

func (e *memEntry) Close() {
	if e.doomed {
		for i := range e.streams {
			e.backend.used -= int64(len(e.streams[i]))
			e.streams[i] = nil
		}
	}
}

func (e *memEntry) ReadData(index, offset int, buf []byte, cb core.CompletionFunc) core.Status {
	data := e.streams[index]
	if offset >= len(data) {
		return core.Status(0)
	}
	return core.Status(copy(buf, data[offset:]))
}

func (e *memEntry) WriteData(index, offset int, buf []byte, truncate bool, cb core.CompletionFunc) core.Status {
	merged := spliceStream(e.streams[index], offset, buf, truncate)

	delta := int64(len(merged) - len(e.streams[index]))
	if e.backend.maxBytes > 0 && e.backend.used+delta > e.backend.maxBytes {
		return core.ErrFailed
	}
	e.backend.used += delta
	e.streams[index] = merged
	return core.Status(len(buf))
}

var _ core.BackendEntry = (*memEntry)(nil)
