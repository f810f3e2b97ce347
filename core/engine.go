package core

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/ericselin/cache-gate/runloop"
)

// Config configures a Cache.
type Config struct {
	// Factory builds the backend lazily on first use. Required unless a
	// backend is installed through other means before any operation.
	Factory BackendFactory
	// Mode selects the caching behavior. Defaults to ModeNormal.
	Mode CacheMode
	// RangeSupport is forwarded to new transactions.
	RangeSupport bool
	// WebsocketOverSpdy is forwarded to the transport layer by callers
	// that multiplex websockets; the engine only stores it.
	WebsocketOverSpdy bool
	// CloseConnectionsFunc, when set, is invoked by
	// CloseCurrentConnections. The engine itself holds no sockets.
	CloseConnectionsFunc func()
	// Stats receives engine counters. Defaults to NoopStats.
	Stats Stats
	// Logger for engine diagnostics. Defaults to a disabled logger.
	Logger *zerolog.Logger
	// Loop to confine the engine to. When nil the engine creates and owns
	// one; Shutdown then stops it.
	Loop *runloop.Loop
}

// Cache multiplexes concurrent transactions against a shared backend. For
// every key there is at most one writer and any number of readers at any
// instant; transactions that cannot be served immediately queue in FIFO
// order. All methods must run on the engine's loop.
type Cache struct {
	loop     *runloop.Loop
	ownsLoop bool
	log      zerolog.Logger
	stats    Stats

	factory         BackendFactory
	backend         Backend
	buildingBackend bool

	mode              CacheMode
	rangeSupport      bool
	websocketOverSpdy bool
	closeConnections  func()

	activeEntries map[string]*ActiveEntry
	doomedEntries map[*ActiveEntry]struct{}
	pendingOps    map[string]*pendingOp
	playback      map[string]int // lazy, playback/record only

	shut bool
}

// NewCache creates an engine. The backend is not built until the first
// transaction or GetBackend call needs it.
func NewCache(cfg Config) *Cache {
	loop := cfg.Loop
	owns := false
	if loop == nil {
		loop = runloop.New()
		owns = true
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NoopStats{}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Cache{
		loop:              loop,
		ownsLoop:          owns,
		log:               logger,
		stats:             stats,
		factory:           cfg.Factory,
		mode:              cfg.Mode,
		rangeSupport:      cfg.RangeSupport,
		websocketOverSpdy: cfg.WebsocketOverSpdy,
		closeConnections:  cfg.CloseConnectionsFunc,
		activeEntries:     make(map[string]*ActiveEntry),
		doomedEntries:     make(map[*ActiveEntry]struct{}),
		pendingOps:        make(map[string]*pendingOp),
	}
}

// Loop returns the loop the engine is confined to.
func (c *Cache) Loop() *runloop.Loop { return c.loop }

// Mode returns the configured caching mode.
func (c *Cache) Mode() CacheMode { return c.mode }

// WebsocketOverSpdy reports the stored transport option.
func (c *Cache) WebsocketOverSpdy() bool { return c.websocketOverSpdy }

// Backend returns the current backend, or nil before construction.
func (c *Cache) Backend() Backend {
	c.loop.AssertCurrent()
	return c.backend
}

// GetBackend fills *backend and returns OK when the backend already
// exists. Otherwise it starts or joins construction, returns ErrIOPending
// and invokes cb exactly once when done. Concurrent callers coalesce onto
// one factory invocation.
func (c *Cache) GetBackend(backend *Backend, cb CompletionFunc) Status {
	c.loop.AssertCurrent()
	if cb == nil {
		panic("core: GetBackend needs a callback")
	}

	if c.backend != nil {
		*backend = c.backend
		return OK
	}
	return c.createBackend(backend, cb)
}

// CreateTransaction returns a new transaction bound to this engine,
// kicking off lazy backend construction if needed. A mode with neither
// Read nor Write is rejected outright rather than silently admitted as a
// reader.
func (c *Cache) CreateTransaction(mode Mode) (*EntryTransaction, error) {
	c.loop.AssertCurrent()

	if mode&ReadWrite == 0 {
		return nil, errInvalidMode
	}

	if c.backend == nil {
		// Result intentionally discarded; the transaction will wait for
		// construction when it needs the backend.
		c.createBackend(nil, nil)
	}
	return newEntryTransaction(c, mode, c.rangeSupport), nil
}

// WriteMetadata enqueues a detached write of an opaque metadata blob to
// the entry cached for url. The write only happens if the stored response
// time equals expected exactly; failures at any step are silent.
func (c *Cache) WriteMetadata(rawurl string, expected time.Time, buf []byte) {
	c.loop.AssertCurrent()
	if len(buf) == 0 {
		return
	}

	if c.backend == nil {
		c.createBackend(nil, nil)
	}

	trans := newEntryTransaction(c, Read, c.rangeSupport)
	w := &metadataWriter{trans: trans}
	// The writer lets go of itself when done.
	w.write(rawurl, expected, buf)
}

// CloseCurrentConnections delegates to the configured network-layer hook.
func (c *Cache) CloseCurrentConnections() {
	if c.closeConnections != nil {
		c.closeConnections()
	}
}

// LoadStateForPendingTransaction reports what a queued transaction is
// waiting on: the active writer's state if there is one, otherwise the
// cache itself.
func (c *Cache) LoadStateForPendingTransaction(trans Transaction) LoadState {
	c.loop.AssertCurrent()

	entry, ok := c.activeEntries[trans.Key()]
	if !ok {
		// Not attached to an active entry means we are creating the
		// backend or the entry itself.
		return LoadStateWaitingForCache
	}
	if entry.writer == nil {
		return LoadStateWaitingForCache
	}
	return entry.writer.WriterLoadState()
}

// Shutdown tears the engine down. Active and doomed entries are dropped
// without notifying their transactions (those are presumed gone already);
// backend handles are closed. Pending backend callbacks are cancelled so
// a completion that fires later cleans up after itself and never reaches
// a user sink. Safe to call from any goroutine; runs on the loop.
func (c *Cache) Shutdown() {
	c.loop.Sync(c.shutdown)
	if c.ownsLoop {
		c.loop.Stop()
	}
}

func (c *Cache) shutdown() {
	if c.shut {
		return
	}
	c.shut = true

	// Pending drains scheduled against these entries will not run with any
	// effect, so the flags can simply be dropped along with the holders.
	for _, entry := range c.activeEntries {
		entry.willProcessPending = false
		entry.pending = nil
		entry.readers = nil
		entry.writer = nil
		c.deactivateEntry(entry)
	}
	for entry := range c.doomedEntries {
		entry.pending = nil
		entry.readers = nil
		entry.writer = nil
		delete(c.doomedEntries, entry)
		entry.close()
	}

	for key, op := range c.pendingOps {
		op.writer = nil
		op.queue = nil
		if op.callback != nil {
			// A completion still in flight finds the engine gone and
			// closes whatever the backend produced.
			op.callback.cancel()
		}
		delete(c.pendingOps, key)
	}
	c.stats.PendingOps(0)

	if c.backend != nil {
		c.backend.Close()
		c.backend = nil
	}
	c.factory = nil
	c.log.Debug().Msg("engine shut down")
}
