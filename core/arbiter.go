package core

// AddTransactionToEntry admits trans to entry or parks it on the entry's
// pending queue.
//
// The entry carries a basic reader/writer lock: a transaction with the
// Write bit needs exclusive access, pure readers share. Whenever a writer
// is attached, or a pending drain is scheduled, newcomers queue behind it
// so that admission stays FIFO.
func (c *Cache) AddTransactionToEntry(entry *ActiveEntry, trans Transaction) Status {
	c.loop.AssertCurrent()
	if entry == nil || entry.BackendEntry == nil {
		panic("core: admission to a closed entry")
	}

	if entry.writer != nil || entry.willProcessPending {
		entry.pending = append(entry.pending, trans)
		return ErrIOPending
	}

	if trans.Mode()&Write != 0 {
		if len(entry.readers) != 0 {
			entry.pending = append(entry.pending, trans)
			return ErrIOPending
		}
		entry.writer = trans
	} else {
		entry.readers = append(entry.readers, trans)
	}

	// Scheduling the drain before the caller learns it was admitted forces
	// any further AddTransactionToEntry calls onto the pending queue,
	// which keeps admission FIFO.
	if entry.writer == nil && len(entry.pending) != 0 {
		c.processPendingQueue(entry)
	}

	return OK
}

// DoneWithEntry detaches trans from entry when it finishes or cancels. A
// cancelling writer keeps the entry if the truncation flag could be
// recorded; otherwise the entry is treated as a failed write.
func (c *Cache) DoneWithEntry(entry *ActiveEntry, trans Transaction, cancel bool) {
	c.loop.AssertCurrent()

	// A drain is already on its way to destroy the entry; nothing to do
	// for the writer that scheduled it.
	if entry.willProcessPending && len(entry.readers) == 0 {
		return
	}

	if entry.writer != nil {
		if trans != entry.writer {
			panic("core: done called by a transaction that is not the writer")
		}
		success := false
		if cancel {
			// Keeping the entry is fine as long as the truncation is
			// recorded for the next reader.
			success = trans.AddTruncatedFlag()
		}
		c.DoneWritingToEntry(entry, success)
	} else {
		c.DoneReadingFromEntry(entry, trans)
	}
}

// DoneWritingToEntry releases the writer. On failure the entry is doomed
// and destroyed, and every queued transaction is told to restart the whole
// open/create cycle.
func (c *Cache) DoneWritingToEntry(entry *ActiveEntry, success bool) {
	c.loop.AssertCurrent()
	if len(entry.readers) != 0 {
		panic("core: writer finishing while readers are attached")
	}

	entry.writer = nil

	if success {
		c.processPendingQueue(entry)
		return
	}

	if entry.willProcessPending {
		panic("core: failed writer with a scheduled drain")
	}

	// The entry contents cannot be trusted anymore. Snapshot the waiters
	// first: destroying the entry must not touch the queue they are in.
	pending := entry.pending
	entry.pending = nil

	entry.BackendEntry.Doom()
	c.destroyEntry(entry)

	for _, waiter := range pending {
		c.stats.Race()
		waiter.IOCallback()(ErrCacheRace)
	}
}

// DoneReadingFromEntry releases one reader and lets the queue advance.
func (c *Cache) DoneReadingFromEntry(entry *ActiveEntry, trans Transaction) {
	c.loop.AssertCurrent()
	if entry.writer != nil {
		panic("core: reader finishing while a writer is attached")
	}

	found := false
	for i, reader := range entry.readers {
		if reader == trans {
			entry.readers = append(entry.readers[:i], entry.readers[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		panic("core: finishing reader is not attached")
	}

	c.processPendingQueue(entry)
}

// ConvertWriterToReader downgrades the writer once its writes are
// complete, freeing the entry for the queued transactions.
func (c *Cache) ConvertWriterToReader(entry *ActiveEntry) {
	c.loop.AssertCurrent()
	if entry.writer == nil || entry.writer.Mode() != ReadWrite {
		panic("core: only a read-write writer can downgrade")
	}
	if len(entry.readers) != 0 {
		panic("core: downgrade with readers attached")
	}

	trans := entry.writer
	entry.writer = nil
	entry.readers = append(entry.readers, trans)

	c.processPendingQueue(entry)
}

// RemovePendingTransaction withdraws a queued transaction before it was
// admitted anywhere. The transaction is found in exactly one place: the
// active entry's queue for its key, the backend-construction queue, the
// pending op for its key, or a doomed entry's queue.
func (c *Cache) RemovePendingTransaction(trans Transaction) {
	c.loop.AssertCurrent()

	if entry, ok := c.activeEntries[trans.Key()]; ok {
		if c.removePendingTransactionFromEntry(entry, trans) {
			return
		}
	}

	if c.buildingBackend {
		if op, ok := c.pendingOps[backendKey]; ok {
			if c.removePendingTransactionFromPendingOp(op, trans) {
				return
			}
		}
	}

	if op, ok := c.pendingOps[trans.Key()]; ok {
		if c.removePendingTransactionFromPendingOp(op, trans) {
			return
		}
	}

	for entry := range c.doomedEntries {
		if c.removePendingTransactionFromEntry(entry, trans) {
			return
		}
	}

	panic("core: pending transaction not found")
}

func (c *Cache) removePendingTransactionFromEntry(entry *ActiveEntry, trans Transaction) bool {
	for i, pending := range entry.pending {
		if pending == trans {
			entry.pending = append(entry.pending[:i], entry.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Cache) removePendingTransactionFromPendingOp(op *pendingOp, trans Transaction) bool {
	if op.writer != nil && op.writer.matches(trans) {
		// The backend call completes harmlessly without its sinks.
		op.writer.clearTransaction()
		op.writer.clearEntry()
		return true
	}
	for i, item := range op.queue {
		if item.matches(trans) {
			op.queue = append(op.queue[:i], op.queue[i+1:]...)
			return true
		}
	}
	return false
}

// processPendingQueue schedules one asynchronous drain of the entry's
// pending queue. Multiple readers may finish at once; the
// willProcessPending flag batches their calls into a single drain and
// keeps the entry alive until it runs.
func (c *Cache) processPendingQueue(entry *ActiveEntry) {
	if entry.willProcessPending {
		return
	}
	entry.willProcessPending = true

	c.loop.Post(func() { c.onProcessPendingQueue(entry) })
}

func (c *Cache) onProcessPendingQueue(entry *ActiveEntry) {
	if c.shut {
		return
	}
	entry.willProcessPending = false
	if entry.writer != nil {
		panic("core: pending drain with a writer attached")
	}

	// No interest left in the entry means it can go away.
	if len(entry.pending) == 0 {
		if len(entry.readers) == 0 {
			c.destroyEntry(entry)
		}
		return
	}

	next := entry.pending[0]
	if next.Mode()&Write != 0 && len(entry.readers) != 0 {
		// The head wants exclusive access; the readers' completions will
		// get back here.
		return
	}

	entry.pending = entry.pending[1:]

	rv := c.AddTransactionToEntry(entry, next)
	if rv != ErrIOPending {
		next.IOCallback()(rv)
	}
}
