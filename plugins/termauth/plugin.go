// Package termauth implements an AuthenticationPlugin (§6) that prompts
// for a lock code on the controlling terminal, for daemons run directly
// under a human operator rather than fronted by a platform UI.
//
// The actual terminal read happens on its own goroutine and reports
// back through the same Broker.Deliver entry point a UI-fronted plugin
// would use, so BeginAuthentication can return immediately as the
// Interaction Broker's async contract requires.
package termauth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/keystonevault/secretsd/broker"
	"github.com/keystonevault/secretsd/registry"
)

// Plugin reads lock codes as non-echoed terminal input. It reports
// answers back to the Interaction Broker it was constructed with, so
// wiring a Plugin requires the Broker be created first.
type Plugin struct {
	name    string
	broker  *broker.Broker
	timeout time.Duration

	mu      sync.Mutex
	prompts map[string]registry.AuthenticationPrompt
}

// New returns a Plugin registered under name, reporting answers to b.
// timeout bounds how long a prompt waits for terminal input before the
// broker treats it as cancelled; zero disables the bound.
func New(name string, b *broker.Broker, timeout time.Duration) *Plugin {
	return &Plugin{name: name, broker: b, timeout: timeout, prompts: make(map[string]registry.AuthenticationPrompt)}
}

func (p *Plugin) Name() string { return p.name }

func (p *Plugin) InteractionTimeout() time.Duration { return p.timeout }

// BeginAuthentication issues an interaction id immediately and starts a
// goroutine that blocks on terminal input; it never blocks the caller,
// matching the Broker's expectation that BeginAuthentication returns
// promptly (§4.5).
func (p *Plugin) BeginAuthentication(ctx context.Context, prompt registry.AuthenticationPrompt) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("termauth: stdin is not a terminal")
	}

	id := uuid.NewString()
	p.mu.Lock()
	p.prompts[id] = prompt
	p.mu.Unlock()

	go p.readCode(ctx, id, prompt)
	return id, nil
}

func (p *Plugin) readCode(ctx context.Context, interactionID string, prompt registry.AuthenticationPrompt) {
	defer func() {
		p.mu.Lock()
		delete(p.prompts, interactionID)
		p.mu.Unlock()
	}()

	fmt.Fprint(os.Stderr, promptText(prompt))
	code, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		p.broker.Deliver(interactionID, broker.Response{Err: err, Canceled: true})
		return
	}
	if ctx.Err() != nil {
		p.broker.Deliver(interactionID, broker.Response{Canceled: true})
		return
	}
	p.broker.Deliver(interactionID, broker.Response{AuthCode: code})
}

func promptText(prompt registry.AuthenticationPrompt) string {
	if prompt.Collection != "" {
		return fmt.Sprintf("lock code for collection %q: ", prompt.Collection)
	}
	if prompt.SecretName != "" {
		return fmt.Sprintf("lock code for secret %q: ", prompt.SecretName)
	}
	return "lock code: "
}
