package diskcache

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/ericselin/cache-gate/core"
	"github.com/ericselin/cache-gate/runloop"
)

func newSQLiteForTest(t *testing.T) (*SQLiteBackend, *runloop.Loop) {
	t.Helper()
	loop := runloop.New()
	t.Cleanup(loop.Stop)

	b, err := NewSQLite(filepath.Join(t.TempDir(), "cache.db"), loop)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)
	return b, loop
}

// wait drives one asynchronous backend call to completion.
func wait(t *testing.T, loop *runloop.Loop, op func(cb core.CompletionFunc) core.Status) core.Status {
	t.Helper()
	done := make(chan core.Status, 1)
	loop.Sync(func() {
		rv := op(func(s core.Status) { done <- s })
		if rv != core.ErrIOPending {
			done <- rv
		}
	})
	select {
	case rv := <-done:
		return rv
	case <-time.After(5 * time.Second):
		t.Fatal("backend operation timed out")
		return core.ErrFailed
	}
}

func TestSQLiteOpenCreate(t *testing.T) {
	b, loop := newSQLiteForTest(t)

	var entry core.BackendEntry
	rv := wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return b.OpenEntry("k", &entry, cb)
	})
	if rv != core.ErrCacheMiss {
		t.Fatalf("open of nothing returned %v", rv)
	}

	rv = wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return b.CreateEntry("k", &entry, cb)
	})
	if rv != core.OK || entry == nil {
		t.Fatalf("create returned %v", rv)
	}
	if entry.Key() != "k" {
		t.Fatalf("entry key is %q", entry.Key())
	}

	rv = wait(t, loop, func(cb core.CompletionFunc) core.Status {
		var dup core.BackendEntry
		return b.CreateEntry("k", &dup, cb)
	})
	if rv != core.ErrCacheCreateFailure {
		t.Fatalf("duplicate create returned %v", rv)
	}

	var reopened core.BackendEntry
	rv = wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return b.OpenEntry("k", &reopened, cb)
	})
	if rv != core.OK || reopened == nil {
		t.Fatalf("reopen returned %v", rv)
	}
}

func TestSQLiteStreams(t *testing.T) {
	b, loop := newSQLiteForTest(t)

	var entry core.BackendEntry
	wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return b.CreateEntry("k", &entry, cb)
	})

	rv := wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return entry.WriteData(core.DataBody, 0, []byte("hello world"), true, cb)
	})
	if rv != core.Status(11) {
		t.Fatalf("write returned %v", rv)
	}

	rv = wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return entry.WriteData(core.DataBody, 6, []byte("there"), true, cb)
	})
	if rv != core.Status(5) {
		t.Fatalf("overwrite returned %v", rv)
	}

	buf := make([]byte, 32)
	rv = wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return entry.ReadData(core.DataBody, 0, buf, cb)
	})
	if rv != core.Status(11) || !bytes.Equal(buf[:11], []byte("hello there")) {
		t.Fatalf("read returned %v, %q", rv, buf[:rv])
	}

	// reads past the end report zero bytes
	rv = wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return entry.ReadData(core.DataMetadata, 0, buf, cb)
	})
	if rv != core.Status(0) {
		t.Fatalf("read of empty stream returned %v", rv)
	}
}

func TestSQLiteDoom(t *testing.T) {
	b, loop := newSQLiteForTest(t)

	var entry core.BackendEntry
	wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return b.CreateEntry("k", &entry, cb)
	})
	wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return entry.WriteData(core.DataBody, 0, []byte("data"), true, cb)
	})

	rv := wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return b.DoomEntry("k", cb)
	})
	if rv != core.OK {
		t.Fatalf("doom returned %v", rv)
	}

	// doomed entries are hidden from opens
	var second core.BackendEntry
	rv = wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return b.OpenEntry("k", &second, cb)
	})
	if rv != core.ErrCacheMiss {
		t.Fatalf("open of doomed entry returned %v", rv)
	}

	// but the key is immediately reusable
	rv = wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return b.CreateEntry("k", &second, cb)
	})
	if rv != core.OK {
		t.Fatalf("create over doomed entry returned %v", rv)
	}

	// the old handle still reads its own data
	buf := make([]byte, 8)
	rv = wait(t, loop, func(cb core.CompletionFunc) core.Status {
		return entry.ReadData(core.DataBody, 0, buf, cb)
	})
	if rv != core.Status(4) || !bytes.Equal(buf[:4], []byte("data")) {
		t.Fatalf("read from doomed handle returned %v, %q", rv, buf[:4])
	}

	loop.Sync(func() { entry.Close() })
}

func TestSQLiteFactory(t *testing.T) {
	loop := runloop.New()
	t.Cleanup(loop.Stop)

	f := &Factory{
		Type: DiskCache,
		Path: filepath.Join(t.TempDir(), "cache.db"),
		Loop: loop,
	}

	done := make(chan core.Status, 1)
	var backend core.Backend
	loop.Sync(func() {
		rv := f.Create(&backend, func(s core.Status) { done <- s })
		if rv != core.ErrIOPending {
			done <- rv
		}
	})
	select {
	case rv := <-done:
		if rv != core.OK || backend == nil {
			t.Fatalf("factory returned %v", rv)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("factory timed out")
	}
	backend.Close()
}
