package secretsd

import (
	"context"

	"github.com/google/uuid"

	"github.com/keystonevault/secretsd/broker"
	"github.com/keystonevault/secretsd/registry"
	"github.com/keystonevault/secretsd/worker"
)

// runSync submits fn to the worker pool and blocks the calling goroutine
// for its result. Used by request paths that have no earlier suspension
// point and so can afford to block their caller's goroutine (never the
// event-loop goroutine itself) until the plugin call returns.
func (d *Daemon) runSync(fn func() (interface{}, error)) (interface{}, error) {
	done := make(chan worker.Completion, 1)
	d.worker.Submit(worker.Job{Run: fn, Done: done})
	c := <-done
	return c.Result, c.Err
}

// deriveKeyOnPlugin runs an encryption plugin's key derivation
// off-thread, used by every custom-lock continuation that has just
// received an authentication code from the Interaction Broker.
func deriveKeyOnPlugin(ctx context.Context, strategy registry.StrategyHandle, authCode []byte) ([]byte, error) {
	if strategy.IsEncrypted() {
		// Encrypted-storage strategy plugins derive and hold keys
		// internally; the core never sees one. Callers on this path
		// should not have reached here, but return the code itself so
		// a caller that mistakenly treats it as a key still fails
		// loudly at the plugin boundary rather than silently.
		return authCode, nil
	}
	return strategy.Encryption.DeriveKey(ctx, authCode, nil)
}

// promptOutcome is the payload delivered to a PendingRequest continuation
// registered against a broker prompt: the user's response, wrapped so
// PendingTable.Resume's generic outcome parameter can carry it.
type promptOutcome struct {
	response broker.Response
}

// bridgePromptReply waits for a broker prompt's reply and forwards it
// onto the daemon's completion channel so the pending request it belongs
// to is always resumed from the event-loop goroutine, exactly like a
// worker-pool completion (§5). id is the PendingRequest's request id
// returned by PendingTable.Suspend.
func (d *Daemon) bridgePromptReply(id uuid.UUID, replyCh <-chan broker.Response) {
	resp := <-replyCh
	d.completions <- worker.Completion{ID: id.String(), Result: promptOutcome{response: resp}}
}

// brokerResponseFor adapts a plain user-supplied value (or a
// cancellation) into a broker.Response, used by the userInput
// passthrough (§6) which delivers data rather than an authentication
// code.
func brokerResponseFor(value []byte, canceled bool) broker.Response {
	if canceled {
		return broker.Response{Canceled: true}
	}
	return broker.Response{AuthCode: value}
}

// promptFor builds the AuthenticationPrompt for a given operation.
func promptFor(collection, secretName, callerAppID string, op InteractionOperation) registry.AuthenticationPrompt {
	return registry.AuthenticationPrompt{
		CallerAppID:   callerAppID,
		Collection:    collection,
		SecretName:    secretName,
		OperationKind: int(op),
	}
}
