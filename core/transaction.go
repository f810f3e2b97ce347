package core

import (
	"errors"

	"github.com/google/uuid"
)

var errInvalidMode = errors.New("core: transaction mode needs Read or Write")

// Transaction is the engine's view of an HTTP transaction. The
// surrounding transaction state machine implements it; EntryTransaction
// is the minimal built-in implementation.
type Transaction interface {
	// Key returns the cache key, stable for the transaction's life.
	Key() string
	// Mode returns the access mode bits.
	Mode() Mode
	// IOCallback returns the completion sink for queued admissions and
	// pending backend operations.
	IOCallback() CompletionFunc
	// AddTruncatedFlag records that the entry contents are incomplete.
	// Returns whether the entry is worth keeping anyway.
	AddTruncatedFlag() bool
	// WriterLoadState reports what the transaction is doing, for waiters
	// queued behind it.
	WriterLoadState() LoadState
}

// EntryTransaction drives the open/create/admission cycle against the
// engine for a single key. It implements Transaction; richer HTTP
// transaction machines can use it as the cache-facing half.
type EntryTransaction struct {
	id           string
	cache        *Cache
	mode         Mode
	rangeSupport bool

	key      string
	newEntry *ActiveEntry // filled by the pending pipeline
	entry    *ActiveEntry // set once admitted

	state  txnState
	userCB CompletionFunc
	info   EntryInfo
}

type txnState int

const (
	txnIdle txnState = iota
	txnGetBackend
	txnGetBackendDone
	txnOpenEntry
	txnOpenEntryDone
	txnCreateEntry
	txnCreateEntryDone
	txnAddToEntry
	txnAddToEntryDone
)

func newEntryTransaction(c *Cache, mode Mode, rangeSupport bool) *EntryTransaction {
	return &EntryTransaction{
		id:           uuid.NewString(),
		cache:        c,
		mode:         mode,
		rangeSupport: rangeSupport,
	}
}

// ID returns the transaction's identifier, used in log correlation.
func (t *EntryTransaction) ID() string { return t.id }

func (t *EntryTransaction) Key() string { return t.key }

func (t *EntryTransaction) Mode() Mode { return t.mode }

// RangeSupport reports whether byte-range handling was enabled on the
// engine when the transaction was created.
func (t *EntryTransaction) RangeSupport() bool { return t.rangeSupport }

func (t *EntryTransaction) IOCallback() CompletionFunc {
	return t.onIOComplete
}

func (t *EntryTransaction) WriterLoadState() LoadState {
	if t.state != txnIdle {
		return LoadStateWaitingForCache
	}
	return LoadStateIdle
}

// Entry returns the entry the transaction is admitted to, or nil.
func (t *EntryTransaction) Entry() *ActiveEntry { return t.entry }

// Start resolves the key for req and runs the open/create/admission cycle
// until the transaction is attached to an entry. Returns OK or an error
// synchronously, or ErrIOPending with cb invoked once on completion. A
// read-only transaction finishes with ErrCacheMiss when nothing is
// stored; a race loser restarts the cycle internally.
func (t *EntryTransaction) Start(req *Request, cb CompletionFunc) Status {
	t.cache.loop.AssertCurrent()
	if t.state != txnIdle || t.entry != nil {
		panic("core: transaction started twice")
	}
	if t.cache.mode == ModeDisable {
		return ErrFailed
	}

	t.userCB = cb
	t.key = t.cache.GenerateCacheKey(req)
	t.state = txnGetBackend
	return t.doLoop(OK)
}

// onIOComplete resumes the state machine after an asynchronous step and
// reports the final result to the user callback.
func (t *EntryTransaction) onIOComplete(result Status) {
	rv := t.doLoop(result)
	if rv != ErrIOPending && t.userCB != nil {
		cb := t.userCB
		t.userCB = nil
		cb(rv)
	}
}

func (t *EntryTransaction) doLoop(result Status) Status {
	rv := result
	for {
		switch t.state {
		case txnGetBackend:
			t.state = txnGetBackendDone
			rv = t.cache.getBackendForTransaction(t)
		case txnGetBackendDone:
			if rv != OK {
				t.state = txnIdle
				return ErrFailed
			}
			t.state = txnOpenEntry
		case txnOpenEntry:
			t.state = txnOpenEntryDone
			rv = t.cache.OpenEntry(t.key, &t.newEntry, t)
		case txnOpenEntryDone:
			switch {
			case rv == OK:
				t.state = txnAddToEntry
			case rv == ErrCacheRace:
				t.restart()
			case t.mode&Write != 0:
				t.state = txnCreateEntry
			default:
				t.state = txnIdle
				return ErrCacheMiss
			}
			rv = OK
		case txnCreateEntry:
			t.state = txnCreateEntryDone
			rv = t.cache.CreateEntry(t.key, &t.newEntry, t)
		case txnCreateEntryDone:
			switch rv {
			case OK:
				t.state = txnAddToEntry
			case ErrCacheRace:
				t.restart()
			case ErrCacheCreateFailure:
				// Someone else created it first; open their entry.
				t.state = txnOpenEntry
			default:
				t.state = txnIdle
				return rv
			}
			rv = OK
		case txnAddToEntry:
			t.state = txnAddToEntryDone
			rv = t.cache.AddTransactionToEntry(t.newEntry, t)
		case txnAddToEntryDone:
			if rv == ErrCacheRace {
				t.restart()
				rv = OK
				continue
			}
			if rv != OK {
				t.state = txnIdle
				return rv
			}
			t.entry = t.newEntry
			t.newEntry = nil
			t.state = txnIdle
			t.cache.log.Trace().Str("txn", t.id).Str("key", t.key).Msg("transaction attached")
			return OK
		default:
			panic("core: transaction loop in idle state")
		}
		if rv == ErrIOPending {
			return rv
		}
	}
}

// restart sends the whole cycle back to the open step after a race.
func (t *EntryTransaction) restart() {
	t.cache.log.Trace().Str("txn", t.id).Str("key", t.key).Msg("restarting after race")
	t.newEntry = nil
	t.state = txnOpenEntry
}

// Done reports orderly completion. A writer that did not succeed gets its
// entry doomed and its waiters restarted; a reader simply detaches. A
// transaction still queued somewhere is withdrawn.
func (t *EntryTransaction) Done(success bool) {
	t.cache.loop.AssertCurrent()

	if t.entry != nil {
		entry := t.entry
		t.entry = nil
		if entry.writer == t {
			t.cache.DoneWritingToEntry(entry, success)
		} else {
			t.cache.DoneReadingFromEntry(entry, t)
		}
		return
	}
	t.removeFromQueues()
}

// Cancel abandons the transaction mid-flight. A cancelling writer keeps
// the entry only if the truncation could be recorded for the next reader.
func (t *EntryTransaction) Cancel() {
	t.cache.loop.AssertCurrent()

	if t.entry != nil {
		// DoneWithEntry calls back into AddTruncatedFlag, which needs the
		// entry; detach only afterwards.
		entry := t.entry
		t.cache.DoneWithEntry(entry, t, true)
		t.entry = nil
		return
	}
	t.removeFromQueues()
}

func (t *EntryTransaction) removeFromQueues() {
	if t.state != txnIdle {
		t.cache.RemovePendingTransaction(t)
		t.state = txnIdle
		t.userCB = nil
	}
}

// ConvertToReader downgrades the transaction from writer to reader once
// its writes are complete.
func (t *EntryTransaction) ConvertToReader() {
	if t.entry == nil || t.entry.writer != t {
		panic("core: downgrade of a transaction that is not the writer")
	}
	t.cache.ConvertWriterToReader(t.entry)
}

// WriteInfo stores info as the entry's stream-0 record.
func (t *EntryTransaction) WriteInfo(info EntryInfo, cb CompletionFunc) Status {
	if t.entry == nil {
		return ErrFailed
	}
	t.info = info
	return t.entry.BackendEntry.WriteData(DataInfo, 0, EncodeEntryInfo(info), true, cb)
}

// ReadInfo loads the entry's stream-0 record.
func (t *EntryTransaction) ReadInfo(cb func(EntryInfo, Status)) Status {
	if t.entry == nil {
		return ErrFailed
	}
	buf := make([]byte, EntryInfoSize)
	finish := func(result Status) (EntryInfo, Status) {
		if result < 0 {
			return EntryInfo{}, result
		}
		info, err := DecodeEntryInfo(buf[:result])
		if err != nil {
			return EntryInfo{}, ErrFailed
		}
		t.info = info
		return info, OK
	}
	rv := t.entry.BackendEntry.ReadData(DataInfo, 0, buf, func(result Status) {
		cb(finish(result))
	})
	if rv == ErrIOPending {
		return rv
	}
	info, st := finish(rv)
	cb(info, st)
	return st
}

// WriteMetadata replaces the entry's metadata stream.
func (t *EntryTransaction) WriteMetadata(buf []byte, cb CompletionFunc) Status {
	if t.entry == nil {
		return ErrFailed
	}
	return t.entry.BackendEntry.WriteData(DataMetadata, 0, buf, true, cb)
}

// AddTruncatedFlag rewrites the info record with the truncated bit set.
// The write is fire-and-forget; the entry stays usable for followers that
// know how to resume a truncated body.
func (t *EntryTransaction) AddTruncatedFlag() bool {
	if t.entry == nil || t.entry.BackendEntry == nil {
		return false
	}
	t.info.Truncated = true
	rv := t.entry.BackendEntry.WriteData(DataInfo, 0, EncodeEntryInfo(t.info), true, func(Status) {})
	return rv >= 0 || rv == ErrIOPending
}

var _ Transaction = (*EntryTransaction)(nil)
