package core

// backendKey is the pseudo-key reserved for the backend-construction
// operation. GenerateCacheKey can never produce it, so it cannot collide
// with an entry operation.
const backendKey = ""

// workItemOp tags the kind of backend request a work item represents.
type workItemOp int

const (
	opCreateBackend workItemOp = iota
	opOpenEntry
	opCreateEntry
	opDoomEntry
)

func (op workItemOp) String() string {
	switch op {
	case opCreateBackend:
		return "create-backend"
	case opOpenEntry:
		return "open-entry"
	case opCreateEntry:
		return "create-entry"
	case opDoomEntry:
		return "doom-entry"
	}
	return "unknown"
}

// workItem is a single request to the backend together with its result
// sinks. A sink that has been cancelled is nil; an item with no sinks left
// is a no-op that still occupies (and drains from) its queue slot.
type workItem struct {
	op         workItemOp
	trans      Transaction
	entryOut   **ActiveEntry
	callback   CompletionFunc // user callback, backend creation only
	backendOut *Backend
}

// notifyTransaction delivers the result of an entry operation, filling the
// entry sink before running the transaction's I/O callback.
func (i *workItem) notifyTransaction(result Status, entry *ActiveEntry) {
	if entry != nil && entry.BackendEntry == nil {
		panic("core: notifying with a closed entry")
	}
	if i.entryOut != nil {
		*i.entryOut = entry
	}
	if i.trans != nil {
		i.trans.IOCallback()(result)
	}
}

// doCallback delivers a backend-creation result to the user callback.
// Returns false if the item had no callback to run.
func (i *workItem) doCallback(result Status, backend Backend) bool {
	if i.backendOut != nil {
		*i.backendOut = backend
	}
	if i.callback != nil {
		i.callback(result)
		return true
	}
	return false
}

func (i *workItem) matches(trans Transaction) bool { return trans == i.trans }

func (i *workItem) isValid() bool {
	return i.trans != nil || i.entryOut != nil || i.callback != nil
}

func (i *workItem) clearTransaction() { i.trans = nil }
func (i *workItem) clearEntry()       { i.entryOut = nil }
func (i *workItem) clearCallback()    { i.callback = nil }

// pendingOp serializes the in-flight backend calls for one key. The writer
// item is the request currently on the wire; everything else waits on the
// queue and is serviced from the completion dispatcher, never concurrently.
type pendingOp struct {
	backendEntry BackendEntry // filled by the backend call on success
	backend      Backend      // backend-creation op only
	writer       *workItem
	callback     *backendCallback // set while a call is in flight
	queue        []*workItem
}

// backendCallback routes a backend completion into the engine. Cancelling
// it (engine teardown) makes a late completion clean up after itself
// instead: close whatever the backend produced and drop the pending op.
type backendCallback struct {
	cache *Cache // nil once cancelled
	op    *pendingOp
}

func (cb *backendCallback) Run(result Status) {
	if cb.cache != nil {
		cb.cache.onIOComplete(result, cb.op)
		return
	}
	if cb.op.backendEntry != nil {
		cb.op.backendEntry.Close()
		cb.op.backendEntry = nil
	}
	if cb.op.backend != nil {
		cb.op.backend.Close()
		cb.op.backend = nil
	}
	cb.op.queue = nil
}

func (cb *backendCallback) cancel() { cb.cache = nil }

// getPendingOp returns the pending op for key, creating one on first use.
// An active entry and a pending op for the same key never coexist.
func (c *Cache) getPendingOp(key string) *pendingOp {
	if c.findActiveEntry(key) != nil {
		panic("core: pending op requested for an active key")
	}
	if op, ok := c.pendingOps[key]; ok {
		return op
	}
	op := &pendingOp{}
	c.pendingOps[key] = op
	c.stats.PendingOps(len(c.pendingOps))
	return op
}

func (c *Cache) deletePendingOp(op *pendingOp) {
	var key string
	if op.backendEntry != nil {
		key = op.backendEntry.Key()
	}

	if key != "" {
		if c.pendingOps[key] != op {
			panic("core: pending op map out of sync")
		}
		delete(c.pendingOps, key)
	} else {
		for k, v := range c.pendingOps {
			if v == op {
				delete(c.pendingOps, k)
				break
			}
		}
	}
	if len(op.queue) != 0 {
		panic("core: deleting a pending op with queued work")
	}
	c.stats.PendingOps(len(c.pendingOps))
}

// OpenEntry opens the entry for key on behalf of trans. The active set is
// consulted first; on miss the open is funneled through the pending
// pipeline. On success *entry is filled (synchronously for OK, before the
// transaction's I/O callback otherwise).
func (c *Cache) OpenEntry(key string, entry **ActiveEntry, trans Transaction) Status {
	c.loop.AssertCurrent()

	if active := c.findActiveEntry(key); active != nil {
		*entry = active
		c.stats.Hit()
		return OK
	}

	item := &workItem{op: opOpenEntry, trans: trans, entryOut: entry}
	op := c.getPendingOp(key)
	if op.writer != nil {
		op.queue = append(op.queue, item)
		return ErrIOPending
	}

	op.writer = item
	cb := &backendCallback{cache: c, op: op}
	op.callback = cb

	rv := c.backend.OpenEntry(key, &op.backendEntry, cb.Run)
	if rv != ErrIOPending {
		item.clearTransaction()
		cb.Run(rv)
	}
	return rv
}

// CreateEntry creates a backend entry for key on behalf of trans. The key
// must not be active; a doomed predecessor may still be alive.
func (c *Cache) CreateEntry(key string, entry **ActiveEntry, trans Transaction) Status {
	c.loop.AssertCurrent()

	if c.findActiveEntry(key) != nil {
		panic("core: creating an entry for an active key")
	}

	item := &workItem{op: opCreateEntry, trans: trans, entryOut: entry}
	op := c.getPendingOp(key)
	if op.writer != nil {
		op.queue = append(op.queue, item)
		return ErrIOPending
	}

	op.writer = item
	cb := &backendCallback{cache: c, op: op}
	op.callback = cb

	rv := c.backend.CreateEntry(key, &op.backendEntry, cb.Run)
	if rv != ErrIOPending {
		item.clearTransaction()
		cb.Run(rv)
	}
	return rv
}

// asyncDoomEntry dooms a non-active entry through the pending pipeline.
func (c *Cache) asyncDoomEntry(key string, trans Transaction) Status {
	if trans == nil {
		panic("core: async doom needs a transaction")
	}
	item := &workItem{op: opDoomEntry, trans: trans}
	op := c.getPendingOp(key)
	if op.writer != nil {
		op.queue = append(op.queue, item)
		return ErrIOPending
	}

	op.writer = item
	cb := &backendCallback{cache: c, op: op}
	op.callback = cb

	rv := c.backend.DoomEntry(key, cb.Run)
	if rv != ErrIOPending {
		item.clearTransaction()
		cb.Run(rv)
	}
	return rv
}

// createBackend starts or joins the lazy backend construction. Concurrent
// callers coalesce onto a single factory invocation; each caller with a
// callback is queued and notified exactly once.
func (c *Cache) createBackend(backend *Backend, cb CompletionFunc) Status {
	if c.factory == nil {
		return ErrFailed
	}

	c.buildingBackend = true

	item := &workItem{op: opCreateBackend, callback: cb, backendOut: backend}
	op := c.getPendingOp(backendKey)
	if op.writer != nil {
		if cb != nil {
			op.queue = append(op.queue, item)
		}
		return ErrIOPending
	}

	if len(op.queue) != 0 {
		panic("core: backend construction queue without a writer")
	}

	op.writer = item
	mycb := &backendCallback{cache: c, op: op}
	op.callback = mycb

	rv := c.factory.Create(&op.backend, mycb.Run)
	if rv != ErrIOPending {
		op.writer.clearCallback()
		mycb.Run(rv)
	}
	return rv
}

// getBackendForTransaction parks trans until the backend exists. Only
// valid while construction is in progress or already finished.
func (c *Cache) getBackendForTransaction(trans Transaction) Status {
	if c.backend != nil {
		return OK
	}
	if !c.buildingBackend {
		return ErrFailed
	}

	item := &workItem{op: opCreateBackend, trans: trans}
	op := c.getPendingOp(backendKey)
	if op.writer == nil {
		panic("core: building backend without an in-flight item")
	}
	op.queue = append(op.queue, item)
	return ErrIOPending
}
