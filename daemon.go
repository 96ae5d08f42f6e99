package secretsd

import (
	"context"
	"strings"
	"sync"

	"github.com/DanielKrawisz/runner"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keystonevault/secretsd/audit"
	"github.com/keystonevault/secretsd/bookkeeping"
	"github.com/keystonevault/secretsd/broker"
	"github.com/keystonevault/secretsd/internal/debug"
	"github.com/keystonevault/secretsd/registry"
	"github.com/keystonevault/secretsd/worker"
)

// Daemon owns every piece of shared state described by §5's concurrency
// model. The Pending-Request Table is only ever mutated from the single
// event-loop goroutine started by Start, which resumes suspended
// requests as their worker-pool or broker completions arrive. Plugin I/O
// and key derivation are dispatched to the Worker Pool from whichever
// goroutine is handling a given request; markDirty and DirtyRows can
// therefore run concurrently from several request goroutines and guard
// the dirty set with their own mutex rather than relying on the event
// loop for exclusion.
//
// Grounded on DanielKrawisz-bmagent/powmgr/powmanager.go's PowManager:
// a runner.Runnable select loop over a small number of channels owning
// otherwise-unsynchronized state, generalized from one job kind (proof
// of work) to arbitrary plugin/KDF jobs plus user-interaction
// completions.
type Daemon struct {
	config   Config
	registry *registry.Registry
	worker   *worker.Pool
	broker   *broker.Broker

	bookkeeping *bookkeeping.Gateway
	pool        *bookkeeping.Pool

	keyCache  *KeyCache
	interlock *InterleaveGuard
	pending   *PendingTable

	lockState LockState

	audit  audit.Logger
	logger *zap.Logger

	run *runner.Runner

	completions chan worker.Completion

	// dirty holds bookkeeping keys ("collection:"+name or
	// "secret:"+collection+"/"+hashedName) whose row is known to be out
	// of sync with plugin state after a failed cleanup, per §7 and §9's
	// design-note resolution: an operator-visible flag, not an
	// automatic retry. Guarded by dirtyMu since it is written from
	// whichever request goroutine hits the failed compensation.
	dirtyMu sync.Mutex
	dirty   map[string]struct{}
}

// New constructs a Daemon. Call Start before submitting requests.
func New(cfg Config, reg *registry.Registry, pool *bookkeeping.Pool, auditLogger audit.Logger, logger *zap.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Daemon{
		config:      cfg,
		registry:    reg,
		worker:      worker.New(cfg.WorkerPoolSize),
		broker:      broker.New(),
		bookkeeping: bookkeeping.NewGateway(pool),
		pool:        pool,
		keyCache:    NewKeyCache(),
		interlock:   NewInterleaveGuard(),
		pending:     NewPendingTable(),
		lockState:   Uninitialised,
		audit:       auditLogger,
		logger:      logger,
		completions: make(chan worker.Completion, 64),
		dirty:       make(map[string]struct{}),
	}

	d.run = runner.New([]runner.Runnable{d.eventLoop}, nil, nil)
	return d, nil
}

// Start launches the worker pool and the event-loop goroutine.
func (d *Daemon) Start() {
	d.worker.Start()
	d.run.Start()
}

// Stop drains outstanding requests and shuts the daemon down. Requests
// still suspended in the Pending-Request Table are cancelled with
// SecretsDaemonLocked, mirroring "the process is going away" rather than
// any specific request failure.
func (d *Daemon) Stop() {
	for _, id := range d.pending.IDs() {
		d.pending.Cancel(id, fail(SecretsDaemonLocked, "daemon shutting down"))
	}
	d.run.Stop()
	d.worker.Stop()
}

// submitJob schedules fn on the worker pool for the pending request
// named by id and arranges for its completion to be delivered back onto
// the event loop, mirroring §5's "blocking work is offloaded to a worker
// pool and returns as a completion delivered back on the event-loop
// thread."
func (d *Daemon) submitJob(id uuid.UUID, fn func() (interface{}, error)) {
	debug.Print("submitting job %s to worker pool\n", id)
	d.worker.Submit(worker.Job{ID: id.String(), Run: fn, Done: d.completions})
}

// eventLoop is the daemon's single-threaded owner of shared state. New
// top-level requests run synchronously (on the caller's goroutine) up to
// their first suspension point; only resumption of already-suspended
// requests happens here, as their worker-pool completions arrive.
func (d *Daemon) eventLoop(quit <-chan struct{}) error {
	for {
		select {
		case <-quit:
			return nil
		case c := <-d.completions:
			id, err := uuid.Parse(c.ID)
			if err != nil {
				d.logger.Error("completion with unparseable request id", zap.String("id", c.ID))
				continue
			}
			if !d.pending.Resume(id, c.Result, c.Err) {
				d.logger.Warn("completion for unknown or already-resumed request", zap.String("id", c.ID))
			}
			debug.Print("resumed request %s\n", c.ID)
		}
	}
}

// markDirty records that a bookkeeping row may disagree with plugin
// state after a failed compensation, per §7. DirtyRows reports the
// current set for operator inspection; nothing clears an entry
// automatically.
func (d *Daemon) markDirty(key string) {
	d.dirtyMu.Lock()
	d.dirty[key] = struct{}{}
	d.dirtyMu.Unlock()
	d.logger.Warn("bookkeeping row marked dirty", zap.String("key", key))
}

// DirtyRows returns the bookkeeping keys currently flagged dirty.
func (d *Daemon) DirtyRows() []string {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()
	keys := make([]string, 0, len(d.dirty))
	for k := range d.dirty {
		keys = append(keys, k)
	}
	return keys
}

// Await returns the reply channel for a Pending Result's RequestID, so
// a caller can block on (or select over) the eventual terminal Result.
// It reports false if requestID names no currently-suspended request.
func (d *Daemon) Await(requestID string) (<-chan *Result, bool) {
	id, err := uuid.Parse(requestID)
	if err != nil {
		return nil, false
	}
	return d.pending.Await(id)
}

// CollectionNames returns every collection name, per §4.7 / §6's
// collectionNames getter.
func (d *Daemon) CollectionNames(ctx context.Context) ([]string, error) {
	return d.bookkeeping.CollectionNames(ctx)
}

// GetPluginInfo lists every registered plugin per kind, per §6's
// getPluginInfo getter, collectionNames's sibling.
func (d *Daemon) GetPluginInfo() []registry.PluginDescriptor {
	return d.registry.PluginInfo()
}

// operationKind buckets a Request Processor action into the coarse
// category audit.Event.OperationKind records, so a query can filter
// "every collection operation" or "every lock-code operation" without
// enumerating each action name. Derived from the action's own naming
// convention rather than a lookup table, since every action name here
// already encodes its category as a prefix.
func operationKind(action string) string {
	switch {
	case strings.HasPrefix(action, "modifyLockCode"), strings.HasPrefix(action, "provideLockCode"), strings.HasPrefix(action, "forgetLockCode"):
		return "lockCode"
	case strings.HasPrefix(action, "createCollection"), strings.HasPrefix(action, "deleteCollection") && !strings.Contains(action, "Secret"):
		return "collection"
	case strings.HasPrefix(action, "setStandalone"), strings.HasPrefix(action, "getStandalone"), strings.HasPrefix(action, "deleteStandalone"):
		return "standaloneSecret"
	case strings.Contains(action, "SecretMetadata"):
		return "secretMetadata"
	case strings.Contains(action, "Secret"):
		return "collectionSecret"
	default:
		return "other"
	}
}

// logAudit records one audit event through the configured audit.Logger.
// A failure to write the audit log is only ever warned about: audit
// logging must never turn an otherwise-successful request into a
// failed one. operationKind is derived from action and added to a copy
// of metadata so callers never have to compute it themselves.
func (d *Daemon) logAudit(action string, success bool, metadata map[string]interface{}) {
	m := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		m[k] = v
	}
	m["operationKind"] = operationKind(action)
	if err := d.audit.Log(action, success, m); err != nil {
		d.logger.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}

// logResult logs action's outcome from a Result produced by a Request
// Processor operation, per SPEC_FULL's initiated/outcome audit pair.
// Pending is not a terminal outcome — the continuation that eventually
// produces the real Result logs it instead — so logResult is a no-op
// for it. Returns r unchanged so a call can wrap a return statement or
// run from a defer against a named return value.
func (d *Daemon) logResult(action string, metadata map[string]interface{}, r *Result) *Result {
	if r == nil || r.Code == Pending {
		return r
	}
	m := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		m[k] = v
	}
	if !r.Ok() {
		m["error"] = r.Error()
	}
	d.logAudit(action, r.Ok(), m)
	return r
}

// Broker returns the daemon's Interaction Broker, so an authentication
// plugin registered against this daemon (e.g. plugins/termauth) can
// deliver its own prompt answers without the daemon exposing broker
// internals through its request-processing API.
func (d *Daemon) Broker() *broker.Broker {
	return d.broker
}
