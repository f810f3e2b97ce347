// Package core multiplexes concurrent HTTP transactions against a shared,
// pluggable cache backend.
//
// For every cache key there is at most one writer and any number of
// readers at any instant. Transactions that cannot be admitted right away
// queue in FIFO order on the entry they want; backend operations for a
// key that is not yet active queue in FIFO order on a per-key pending
// operation, and only the first enqueuer actually talks to the backend.
// The completion dispatcher fans the backend's answer out to everyone
// queued behind it, mapping races onto ErrCacheRace and
// ErrCacheCreateFailure so losers know to start over.
//
// The engine is single-threaded: everything runs on a runloop.Loop.
// Backends may work on other goroutines but marshal their completions
// back onto the loop.
//
// The engine does not parse HTTP, decide cache validity or touch the
// network; those live in the layers around it.
package core
