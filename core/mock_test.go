package core

import (
	"net/url"
	"testing"

	"github.com/ericselin/cache-gate/runloop"
)

func testRequest(rawurl string) *Request {
	u, err := url.Parse(rawurl)
	if err != nil {
		panic(err)
	}
	return &Request{Method: "GET", URL: u}
}

// How a fake completes its operations: inline, on the next loop tick, or
// only when the test releases it.
type completionMode int

const (
	completeSync completionMode = iota
	completeAsync
	completeManual
)

type fakeBackend struct {
	loop    *runloop.Loop
	mode    completionMode
	entries map[string]*fakeEntry
	pending []func()
	closed  bool

	// forced results per key; checked before the real lookup
	openErr   map[string]Status
	createErr map[string]Status

	lastCreated *fakeEntry
}

func newFakeBackend(loop *runloop.Loop, mode completionMode) *fakeBackend {
	return &fakeBackend{
		loop:      loop,
		mode:      mode,
		entries:   make(map[string]*fakeEntry),
		openErr:   make(map[string]Status),
		createErr: make(map[string]Status),
	}
}

func (b *fakeBackend) finish(do func() Status, cb CompletionFunc) Status {
	switch b.mode {
	case completeSync:
		return do()
	case completeAsync:
		b.loop.Post(func() { cb(do()) })
		return ErrIOPending
	default:
		b.pending = append(b.pending, func() { cb(do()) })
		return ErrIOPending
	}
}

// release lets the queued completions run, in order.
func (b *fakeBackend) release() {
	pending := b.pending
	b.pending = nil
	for _, complete := range pending {
		b.loop.Post(complete)
	}
}

func (b *fakeBackend) OpenEntry(key string, entry *BackendEntry, cb CompletionFunc) Status {
	return b.finish(func() Status {
		if st, ok := b.openErr[key]; ok {
			return st
		}
		e, ok := b.entries[key]
		if !ok {
			return ErrCacheMiss
		}
		*entry = e
		return OK
	}, cb)
}

func (b *fakeBackend) CreateEntry(key string, entry *BackendEntry, cb CompletionFunc) Status {
	return b.finish(func() Status {
		if st, ok := b.createErr[key]; ok {
			return st
		}
		if _, ok := b.entries[key]; ok {
			return ErrCacheCreateFailure
		}
		e := &fakeEntry{backend: b, key: key}
		b.entries[key] = e
		b.lastCreated = e
		*entry = e
		return OK
	}, cb)
}

func (b *fakeBackend) DoomEntry(key string, cb CompletionFunc) Status {
	return b.finish(func() Status {
		e, ok := b.entries[key]
		if !ok {
			return ErrCacheMiss
		}
		e.doomed = true
		delete(b.entries, key)
		return OK
	}, cb)
}

func (b *fakeBackend) Close() { b.closed = true }

// seed stores an entry with empty streams, bypassing the engine.
func (b *fakeBackend) seed(key string) *fakeEntry {
	e := &fakeEntry{backend: b, key: key}
	b.entries[key] = e
	return e
}

var _ Backend = (*fakeBackend)(nil)

type fakeEntry struct {
	backend *fakeBackend
	key     string
	streams [3][]byte
	doomed  bool
	dooms   int
	closes  int
	// emptyKey simulates a degraded entry that forgot its key
	emptyKey bool
}

func (e *fakeEntry) Key() string {
	if e.emptyKey {
		return ""
	}
	return e.key
}

func (e *fakeEntry) Doom() {
	e.dooms++
	e.doomed = true
	if e.backend.entries[e.key] == e {
		delete(e.backend.entries, e.key)
	}
}

func (e *fakeEntry) Close() { e.closes++ }

func (e *fakeEntry) ReadData(index, offset int, buf []byte, cb CompletionFunc) Status {
	data := e.streams[index]
	if offset >= len(data) {
		return Status(0)
	}
	return Status(copy(buf, data[offset:]))
}

func (e *fakeEntry) WriteData(index, offset int, buf []byte, truncate bool, cb CompletionFunc) Status {
	stream := e.streams[index]
	end := offset + len(buf)
	size := len(stream)
	if end > size || truncate {
		size = end
	}
	merged := make([]byte, size)
	copy(merged, stream)
	copy(merged[offset:], buf)
	e.streams[index] = merged
	return Status(len(buf))
}

var _ BackendEntry = (*fakeEntry)(nil)

type fakeFactory struct {
	loop    *runloop.Loop
	mode    completionMode
	status  Status
	backend Backend
	calls   int
	pending []func()
}

func (f *fakeFactory) Create(backend *Backend, cb CompletionFunc) Status {
	f.calls++
	do := func() {
		if f.status == OK {
			*backend = f.backend
		}
		cb(f.status)
	}
	switch f.mode {
	case completeSync:
		if f.status == OK {
			*backend = f.backend
		}
		return f.status
	case completeAsync:
		f.loop.Post(do)
		return ErrIOPending
	default:
		f.pending = append(f.pending, do)
		return ErrIOPending
	}
}

func (f *fakeFactory) release() {
	pending := f.pending
	f.pending = nil
	for _, complete := range pending {
		f.loop.Post(complete)
	}
}

var _ BackendFactory = (*fakeFactory)(nil)

type fakeTransaction struct {
	key        string
	mode       Mode
	results    []Status
	onIO       func(Status)
	truncateOK bool
	truncated  bool
}

func (t *fakeTransaction) Key() string { return t.key }
func (t *fakeTransaction) Mode() Mode  { return t.mode }

func (t *fakeTransaction) IOCallback() CompletionFunc {
	return func(result Status) {
		t.results = append(t.results, result)
		if t.onIO != nil {
			t.onIO(result)
		}
	}
}

func (t *fakeTransaction) AddTruncatedFlag() bool {
	t.truncated = true
	return t.truncateOK
}

func (t *fakeTransaction) WriterLoadState() LoadState { return LoadStateIdle }

var _ Transaction = (*fakeTransaction)(nil)

// newTestCache builds an engine on a fresh loop with the given backend
// already installed, skipping construction.
func newTestCache(t *testing.T, mode completionMode) (*Cache, *fakeBackend) {
	t.Helper()
	loop := runloop.New()
	t.Cleanup(loop.Stop)

	backend := newFakeBackend(loop, mode)
	cache := NewCache(Config{Loop: loop})
	loop.Sync(func() { cache.backend = backend })
	t.Cleanup(cache.Shutdown)
	return cache, backend
}

// sync runs f on the engine loop and waits.
func sync(c *Cache, f func()) { c.loop.Sync(f) }

// drain runs enough empty loop turns for chained posted work to settle.
func drain(c *Cache) {
	for i := 0; i < 16; i++ {
		c.loop.Sync(func() {})
	}
}
