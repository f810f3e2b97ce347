package core

// ActiveEntry is the in-memory handle to a cache entry currently in use.
// At most one writer may be attached at a time; readers share the entry.
// Transactions that cannot be admitted yet wait on the pending queue in
// FIFO order.
type ActiveEntry struct {
	// BackendEntry is the open backend handle. It is non-nil for the
	// entry's whole lifetime and closed exactly once, when the entry is
	// destroyed.
	BackendEntry BackendEntry

	writer             Transaction
	readers            []Transaction
	pending            []Transaction
	willProcessPending bool
	doomed             bool
}

// Writer returns the transaction currently holding exclusive access, or
// nil.
func (e *ActiveEntry) Writer() Transaction { return e.writer }

// Doomed reports whether the entry has been removed from the lookup map
// and is only kept alive for its current holders.
func (e *ActiveEntry) Doomed() bool { return e.doomed }

func (e *ActiveEntry) close() {
	if e.BackendEntry != nil {
		e.BackendEntry.Close()
		e.BackendEntry = nil
	}
}

func (c *Cache) findActiveEntry(key string) *ActiveEntry {
	return c.activeEntries[key]
}

func (c *Cache) activateEntry(key string, be BackendEntry) *ActiveEntry {
	if c.findActiveEntry(key) != nil {
		panic("core: activating an already active key")
	}
	entry := &ActiveEntry{BackendEntry: be}
	c.activeEntries[key] = entry
	c.stats.ActiveEntries(len(c.activeEntries))
	return entry
}

func (c *Cache) deactivateEntry(entry *ActiveEntry) {
	if entry.willProcessPending || entry.doomed || entry.writer != nil ||
		len(entry.readers) != 0 || len(entry.pending) != 0 {
		panic("core: deactivating a busy entry")
	}
	if entry.BackendEntry == nil {
		panic("core: deactivating an entry without a backend handle")
	}

	key := entry.BackendEntry.Key()
	if key == "" {
		c.slowDeactivateEntry(entry)
		return
	}

	if c.activeEntries[key] != entry {
		panic("core: active entry map out of sync")
	}
	delete(c.activeEntries, key)
	c.stats.ActiveEntries(len(c.activeEntries))
	entry.close()
}

// slowDeactivateEntry handles the degraded case of a backend entry that no
// longer knows its own key: find it by identity instead.
func (c *Cache) slowDeactivateEntry(entry *ActiveEntry) {
	c.log.Warn().Msg("deactivating entry with empty backend key")
	for key, e := range c.activeEntries {
		if e == entry {
			delete(c.activeEntries, key)
			c.stats.ActiveEntries(len(c.activeEntries))
			entry.close()
			return
		}
	}
}

// destroyEntry routes a finished entry to the right teardown path.
func (c *Cache) destroyEntry(entry *ActiveEntry) {
	if entry.doomed {
		c.finalizeDoomedEntry(entry)
	} else {
		c.deactivateEntry(entry)
	}
}

func (c *Cache) finalizeDoomedEntry(entry *ActiveEntry) {
	if !entry.doomed || entry.writer != nil || len(entry.readers) != 0 || len(entry.pending) != 0 {
		panic("core: finalizing a doomed entry still in use")
	}
	if _, ok := c.doomedEntries[entry]; !ok {
		panic("core: finalizing an unknown doomed entry")
	}
	delete(c.doomedEntries, entry)
	entry.close()
}

// DoomEntry abandons the active entry for key. Transactions attached to
// the entry are not impacted: the entry is simply no longer discoverable
// and will be destroyed once the last holder lets go. Without an active
// entry the doom is forwarded to the backend through the pending pipeline.
func (c *Cache) DoomEntry(key string, trans Transaction) Status {
	c.loop.AssertCurrent()

	entry := c.findActiveEntry(key)
	if entry == nil {
		return c.asyncDoomEntry(key, trans)
	}

	delete(c.activeEntries, key)
	c.stats.ActiveEntries(len(c.activeEntries))
	c.doomedEntries[entry] = struct{}{}

	entry.BackendEntry.Doom()
	entry.doomed = true
	c.stats.Doom()
	c.log.Trace().Str("key", key).Msg("doomed active entry")

	if entry.writer == nil && len(entry.readers) == 0 {
		panic("core: doomed an idle entry; it should have been deactivated")
	}
	return OK
}
