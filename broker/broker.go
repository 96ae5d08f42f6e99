// Package broker implements the Interaction Broker (§4.5): dispatch of
// user-prompt requests to an authentication plugin and correlation of
// its eventual response back to the request that triggered it.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/keystonevault/secretsd/registry"
)

// Response is what an authentication plugin reports back once the user
// has answered (or the plugin gives up) for a prompt it started via
// AuthenticationPlugin.BeginAuthentication.
type Response struct {
	AuthCode []byte
	Canceled bool
	Err      error
}

// waiter is one in-flight prompt: the plugin-issued interaction id,
// and the channel its Response is delivered on.
type waiter struct {
	reply chan Response
	timer *time.Timer
}

// Broker correlates AuthenticationPlugin prompts by the plugin's own
// interaction id, since a single plugin instance may have several
// prompts outstanding for different requests at once.
//
// Grounded on the Pending-Request correlation pattern used for
// worker-pool completions (continuations.go): the same request-id keyed
// map idea, applied here to prompt dispatch rather than plugin-call
// dispatch. Kept as a separate package because §2 lists the Interaction
// Broker and the Pending-Request Table as separately owned components.
type Broker struct {
	mu      sync.Mutex
	waiting map[string]*waiter
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{waiting: make(map[string]*waiter)}
}

// Prompt starts an interactive authentication request against plugin
// and returns a channel that receives exactly one Response: either the
// user's answer, a cancellation, or a timeout once plugin's own
// InteractionTimeout elapses.
func (b *Broker) Prompt(ctx context.Context, plugin registry.AuthenticationPlugin, prompt registry.AuthenticationPrompt) (<-chan Response, error) {
	interactionID, err := plugin.BeginAuthentication(ctx, prompt)
	if err != nil {
		return nil, err
	}

	reply := make(chan Response, 1)
	w := &waiter{reply: reply}

	b.mu.Lock()
	b.waiting[interactionID] = w
	b.mu.Unlock()

	if timeout := plugin.InteractionTimeout(); timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			b.deliver(interactionID, Response{Canceled: true})
		})
	}

	return reply, nil
}

// Deliver reports a plugin's answer to a previously started prompt. It
// is the entry point authentication plugins call (directly, or through
// whatever transport fronts them) once the user has responded.
func (b *Broker) Deliver(interactionID string, resp Response) {
	b.deliver(interactionID, resp)
}

func (b *Broker) deliver(interactionID string, resp Response) {
	b.mu.Lock()
	w, ok := b.waiting[interactionID]
	if ok {
		delete(b.waiting, interactionID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.reply <- resp
	close(w.reply)
}

// Cancel abandons a prompt without a response, used when the request it
// belongs to is being torn down (daemon shutdown, or the collection was
// concurrently deleted out from under the pending interaction).
func (b *Broker) Cancel(interactionID string) {
	b.deliver(interactionID, Response{Canceled: true})
}

// Outstanding reports how many prompts are currently awaiting a
// response, used by shutdown draining and by tests.
func (b *Broker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiting)
}
