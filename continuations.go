package secretsd

import (
	"sync"

	"github.com/google/uuid"
)

// PendingKind tags what a suspended request is waiting on (§4.9): a
// worker-pool job (plugin call, KDF), or a user interaction dispatched
// through the Interaction Broker.
type PendingKind int

const (
	PendingWorkerResult PendingKind = iota
	PendingUserInteraction
)

// Continuation is the resume half of a suspended request: given the
// outcome of whatever it was waiting on, it produces the request's final
// Result (or re-suspends it on a different wait, for multi-step
// operations such as unlock-then-read).
type Continuation func(outcome interface{}, err error) *Result

// PendingRequest is one entry of the Pending-Request Table (§4.9): a
// request that returned Pending to its caller and is now suspended
// awaiting either a worker-pool completion or a user interaction
// response, identified by RequestID so the eventual completion can be
// correlated back to it.
type PendingRequest struct {
	RequestID uuid.UUID
	Kind      PendingKind
	Resume    Continuation

	// Reply delivers the eventual terminal Result to the original
	// caller. Buffered by one so the event loop never blocks sending it.
	Reply chan *Result
}

// PendingTable is the Pending-Request Table (§4.9): requests suspended
// mid-flight, keyed by request id, resumed from the daemon's single
// event-loop goroutine as their wait completes.
//
// Grounded on §9's tagged-variant design note and on
// DanielKrawisz-bmagent/powmgr/powmanager.go's completion-channel
// pattern: a request suspends, a channel later delivers its outcome, a
// dispatch step resumes the matching suspended continuation.
type PendingTable struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*PendingRequest
}

// NewPendingTable returns an empty Pending-Request Table.
func NewPendingTable() *PendingTable {
	return &PendingTable{pending: make(map[uuid.UUID]*PendingRequest)}
}

// Suspend registers a request as pending and returns its reply channel.
// The caller of the top-level request receives Pending immediately and
// should block on (or select over) the returned channel for the eventual
// terminal Result.
func (t *PendingTable) Suspend(kind PendingKind, resume Continuation) (uuid.UUID, chan *Result) {
	id := uuid.New()
	reply := make(chan *Result, 1)

	t.mu.Lock()
	t.pending[id] = &PendingRequest{
		RequestID: id,
		Kind:      kind,
		Resume:    resume,
		Reply:     reply,
	}
	t.mu.Unlock()

	return id, reply
}

// Resume looks up the pending request for id, removes it from the table,
// and runs its continuation with outcome/err, delivering the terminal
// Result on its reply channel. It reports false if id names no pending
// request (already resumed, or unknown), which the event loop treats as
// a stale/duplicate completion and logs rather than panics on.
func (t *PendingTable) Resume(id uuid.UUID, outcome interface{}, err error) bool {
	t.mu.Lock()
	req, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	result := req.Resume(outcome, err)
	if result.Code == Pending {
		// The continuation re-suspended the request on a further wait;
		// it is responsible for registering a new pending entry itself
		// and must not signal this reply channel until that resolves.
		return true
	}
	req.Reply <- result
	close(req.Reply)
	return true
}

// Cancel removes a pending request without resuming it, delivering
// SecretsDaemonLocked-style abandonment to its caller. Used when the
// daemon shuts down with requests still in flight.
func (t *PendingTable) Cancel(id uuid.UUID, result *Result) bool {
	t.mu.Lock()
	req, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	req.Reply <- result
	close(req.Reply)
	return true
}

// Await returns the reply channel for an already-suspended request, so
// a caller that received a Pending Result can block on (or select over)
// the eventual terminal Result by its RequestID.
func (t *PendingTable) Await(id uuid.UUID) (<-chan *Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	return req.Reply, true
}

// Len reports the number of requests currently suspended, used by tests
// and by the daemon's shutdown path to know when draining is complete.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// IDs returns the request ids currently pending, for cancellation during
// shutdown.
func (t *PendingTable) IDs() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	return ids
}
