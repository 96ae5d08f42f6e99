package secretsd

import "sync"

// InterleaveGuard serializes structural operations (create/delete
// collection, set/remove a collection's lock code) against a single
// collection name, so that a create racing a delete on the same name
// cannot leave the bookkeeping database and a plugin's own storage
// disagreeing about whether the collection exists (§4.4).
//
// It is not a general mutex: it only ever guards one collection name at
// a time, and it is released explicitly by the continuation that
// finishes the structural operation, not by a defer at the call site,
// because the operation spans an asynchronous plugin round trip.
//
// Grounded on §9's "map from collection name to a single-owner token"
// design note. A guard keyed by name is a two-line map+mutex; no example
// repo in the pack carries a dedicated named-lock library for this.
type InterleaveGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewInterleaveGuard returns an empty guard.
func NewInterleaveGuard() *InterleaveGuard {
	return &InterleaveGuard{held: make(map[string]struct{})}
}

// TryAcquire claims exclusive access to collection for a structural
// operation. It reports false if the collection is already held by
// another in-flight structural operation, in which case the caller
// should fail the request with CollectionIsLocked-style contention
// rather than block the single-threaded event loop.
func (g *InterleaveGuard) TryAcquire(collection string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[collection]; busy {
		return false
	}
	g.held[collection] = struct{}{}
	return true
}

// Release frees a collection previously claimed with TryAcquire. Safe to
// call on a collection that isn't held.
func (g *InterleaveGuard) Release(collection string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, collection)
}

// Held reports whether collection is currently claimed.
func (g *InterleaveGuard) Held(collection string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.held[collection]
	return busy
}
