package diskcache

import (
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/ericselin/cache-gate/core"
	"github.com/ericselin/cache-gate/runloop"
)

// SQLiteBackend persists entries in a SQLite database. Every operation
// runs on a single worker goroutine and completes on the engine loop, so
// the backend never blocks the engine and never runs two operations on
// the same entry at once.
type SQLiteBackend struct {
	db   *sql.DB
	loop *runloop.Loop

	jobs      chan func()
	closeOnce sync.Once
	done      chan struct{}
}

// NewSQLite opens (or creates) the database at path and prepares the
// schema. Use the special path "file::memory:" for a throwaway database.
func NewSQLite(path string, loop *runloop.Loop) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			doomed INTEGER NOT NULL DEFAULT 0)`,
		"CREATE UNIQUE INDEX IF NOT EXISTS live_key_idx ON entries (key) WHERE doomed = 0",
		`CREATE TABLE IF NOT EXISTS streams (
			entry_id INTEGER NOT NULL,
			stream INTEGER NOT NULL,
			bytes BLOB NOT NULL,
			PRIMARY KEY (entry_id, stream))`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}

	b := &SQLiteBackend{
		db:   db,
		loop: loop,
		jobs: make(chan func(), 32),
		done: make(chan struct{}),
	}
	go b.worker()
	return b, nil
}

func (b *SQLiteBackend) worker() {
	defer close(b.done)
	for job := range b.jobs {
		job()
	}
	b.db.Close()
}

// submit queues a blocking job. A job submitted after Close is dropped;
// its completion never fires, which only happens after engine shutdown.
func (b *SQLiteBackend) submit(job func()) {
	defer func() { recover() }() // jobs channel may be closed
	b.jobs <- job
}

// complete marshals a completion status back onto the engine loop.
func (b *SQLiteBackend) complete(cb core.CompletionFunc, status core.Status) {
	b.loop.Post(func() { cb(status) })
}

// OpenEntry implements core.Backend.
func (b *SQLiteBackend) OpenEntry(key string, entry *core.BackendEntry, cb core.CompletionFunc) core.Status {
	b.submit(func() {
		var id int64
		err := b.db.QueryRow(
			"SELECT id FROM entries WHERE key = ? AND doomed = 0", key).Scan(&id)
		if err == sql.ErrNoRows {
			b.complete(cb, core.ErrCacheMiss)
			return
		}
		if err != nil {
			b.complete(cb, core.ErrFailed)
			return
		}
		b.loop.Post(func() {
			*entry = &sqliteEntry{backend: b, id: id, key: key}
			cb(core.OK)
		})
	})
	return core.ErrIOPending
}

// CreateEntry implements core.Backend.
func (b *SQLiteBackend) CreateEntry(key string, entry *core.BackendEntry, cb core.CompletionFunc) core.Status {
	b.submit(func() {
		res, err := b.db.Exec("INSERT INTO entries (key) VALUES (?)", key)
		if err != nil {
			// The partial unique index rejects a second live entry for
			// the same key.
			b.complete(cb, core.ErrCacheCreateFailure)
			return
		}
		id, err := res.LastInsertId()
		if err != nil {
			b.complete(cb, core.ErrFailed)
			return
		}
		b.loop.Post(func() {
			*entry = &sqliteEntry{backend: b, id: id, key: key}
			cb(core.OK)
		})
	})
	return core.ErrIOPending
}

// DoomEntry implements core.Backend.
func (b *SQLiteBackend) DoomEntry(key string, cb core.CompletionFunc) core.Status {
	b.submit(func() {
		res, err := b.db.Exec(
			"UPDATE entries SET doomed = 1 WHERE key = ? AND doomed = 0", key)
		if err != nil {
			b.complete(cb, core.ErrCacheDoomFailure)
			return
		}
		if n, _ := res.RowsAffected(); n == 0 {
			b.complete(cb, core.ErrCacheMiss)
			return
		}
		b.complete(cb, core.OK)
	})
	return core.ErrIOPending
}

// Close implements core.Backend. Queued jobs still drain; their
// completions fire afterwards and must be tolerated by the caller.
func (b *SQLiteBackend) Close() {
	b.closeOnce.Do(func() { close(b.jobs) })
}

var _ core.Backend = (*SQLiteBackend)(nil)

// sqliteEntry is one open handle. The engine holds at most one handle per
// stored entry, so the handle can clean up doomed rows on close without
// reference counting.
type sqliteEntry struct {
	backend *SQLiteBackend
	id      int64
	key     string
	doomed  bool
	closed  bool
}

func (e *sqliteEntry) Key() string { return e.key }

func (e *sqliteEntry) Doom() {
	if e.doomed {
		return
	}
	e.doomed = true
	id := e.id
	e.backend.submit(func() {
		e.backend.db.Exec("UPDATE entries SET doomed = 1 WHERE id = ?", id)
	})
}

func (e *sqliteEntry) Close() {
	if e.closed {
		return
	}
	e.closed = true
	id := e.id
	doomed := e.doomed
	e.backend.submit(func() {
		var flag int
		if !doomed {
			e.backend.db.QueryRow(
				"SELECT doomed FROM entries WHERE id = ?", id).Scan(&flag)
		}
		if doomed || flag != 0 {
			e.backend.db.Exec("DELETE FROM streams WHERE entry_id = ?", id)
			e.backend.db.Exec("DELETE FROM entries WHERE id = ?", id)
		}
	})
}

func (e *sqliteEntry) ReadData(index, offset int, buf []byte, cb core.CompletionFunc) core.Status {
	id := e.id
	e.backend.submit(func() {
		var data []byte
		err := e.backend.db.QueryRow(
			"SELECT bytes FROM streams WHERE entry_id = ? AND stream = ?",
			id, index).Scan(&data)
		if err != nil && err != sql.ErrNoRows {
			e.backend.complete(cb, core.ErrFailed)
			return
		}
		if offset >= len(data) {
			e.backend.complete(cb, core.Status(0))
			return
		}
		n := copy(buf, data[offset:])
		e.backend.complete(cb, core.Status(n))
	})
	return core.ErrIOPending
}

func (e *sqliteEntry) WriteData(index, offset int, buf []byte, truncate bool, cb core.CompletionFunc) core.Status {
	id := e.id
	data := append([]byte(nil), buf...)
	e.backend.submit(func() {
		var existing []byte
		err := e.backend.db.QueryRow(
			"SELECT bytes FROM streams WHERE entry_id = ? AND stream = ?",
			id, index).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			e.backend.complete(cb, core.ErrFailed)
			return
		}

		merged := spliceStream(existing, offset, data, truncate)
		_, err = e.backend.db.Exec(
			`INSERT INTO streams (entry_id, stream, bytes) VALUES (?, ?, ?)
			 ON CONFLICT (entry_id, stream) DO UPDATE SET bytes = excluded.bytes`,
			id, index, merged)
		if err != nil {
			e.backend.complete(cb, core.ErrFailed)
			return
		}
		e.backend.complete(cb, core.Status(len(data)))
	})
	return core.ErrIOPending
}

var _ core.BackendEntry = (*sqliteEntry)(nil)

// spliceStream writes data into existing at offset, zero-padding a gap and
// cutting the tail when truncate is set.
func spliceStream(existing []byte, offset int, data []byte, truncate bool) []byte {
	end := offset + len(data)
	size := len(existing)
	if end > size {
		size = end
	}
	if truncate {
		size = end
	}
	merged := make([]byte, size)
	copy(merged, existing)
	copy(merged[offset:], data)
	return merged
}
