package core

// onIOComplete is invoked for every backend completion. It activates or
// destroys the produced entry, notifies the in-flight work item, and then
// drains the queued followers, remapping each one onto the now-known
// outcome.
func (c *Cache) onIOComplete(result Status, op *pendingOp) {
	c.loop.AssertCurrent()

	kind := op.writer.op
	if kind == opCreateBackend {
		c.onBackendCreated(result, op)
		return
	}

	item := op.writer
	op.writer = nil
	op.callback = nil

	failRequests := false
	var entry *ActiveEntry
	var key string

	if result == OK {
		switch {
		case kind == opDoomEntry:
			// Anything queued behind a doom has to be restarted.
			failRequests = true
		case item.isValid():
			key = op.backendEntry.Key()
			entry = c.activateEntry(key, op.backendEntry)
			if kind == opOpenEntry {
				c.stats.Hit()
			}
			c.log.Trace().Str("key", key).Str("op", kind.String()).Msg("entry activated")
		default:
			// The requesting transaction is gone. A created entry would be
			// an orphan; get rid of it.
			if kind == opCreateEntry {
				op.backendEntry.Doom()
			}
			op.backendEntry.Close()
			op.backendEntry = nil
			failRequests = true
		}
	} else if kind == opOpenEntry && result == ErrCacheMiss {
		c.stats.Miss()
	}

	// The notifications below may synchronously enqueue further operations
	// for this key, and those must land in a fresh pending op behind
	// nothing. Snapshot the queue and remove the op from the map first.
	queued := op.queue
	op.queue = nil
	c.deletePendingOp(op)

	item.notifyTransaction(result, entry)

	for _, item := range queued {
		if item.op == opDoomEntry {
			// A queued doom is always a race.
			failRequests = true
		} else if result == OK {
			// The primary result produced an entry, but a notified
			// transaction may have doomed it again already.
			entry = c.findActiveEntry(key)
			if entry == nil {
				failRequests = true
			}
		}

		if failRequests {
			c.stats.Race()
			item.notifyTransaction(ErrCacheRace, nil)
			continue
		}

		if item.op == opCreateEntry {
			if result == OK {
				// A second create behind a successful one is a
				// duplicate-key collision.
				item.notifyTransaction(ErrCacheCreateFailure, nil)
			} else if kind != opCreateEntry {
				// A create queued behind a failed open is ambiguous; make
				// it start over.
				c.stats.Race()
				item.notifyTransaction(ErrCacheRace, nil)
				failRequests = true
			} else {
				item.notifyTransaction(result, entry)
			}
		} else {
			if kind == opCreateEntry && result != OK {
				// An open queued behind a failed create cannot succeed on
				// anything this pass produced.
				c.stats.Race()
				item.notifyTransaction(ErrCacheRace, nil)
				failRequests = true
			} else {
				item.notifyTransaction(result, entry)
			}
		}
	}
}

// onBackendCreated finishes one backend-construction work item. The first
// completion installs the backend and releases the factory; queued items
// are re-dispatched one per loop tick, because any callback may tear the
// engine down under us.
func (c *Cache) onBackendCreated(result Status, op *pendingOp) {
	item := op.writer
	if item.op != opCreateBackend {
		panic("core: backend completion for a non-backend item")
	}

	op.callback = nil
	backend := op.backend

	if c.factory != nil {
		c.factory = nil
		if result == OK {
			c.backend = backend
			c.log.Debug().Msg("backend created")
		} else {
			c.log.Error().Str("status", result.String()).Msg("backend creation failed")
		}
	}

	if len(op.queue) != 0 {
		next := op.queue[0]
		op.queue = op.queue[1:]
		if next.op != opCreateBackend {
			panic("core: non-backend item queued on the backend op")
		}
		op.writer = next

		c.loop.Post(func() {
			if c.shut {
				return
			}
			c.onBackendCreated(result, op)
		})
	} else {
		c.buildingBackend = false
		op.writer = nil
		c.deletePendingOp(op)
	}

	if !item.doCallback(result, backend) {
		item.notifyTransaction(result, nil)
	}
}
