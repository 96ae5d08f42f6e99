package secretsd

import "github.com/keystonevault/secretsd/registry"

// applicationInteractionPlugin is implemented by an authentication plugin
// whose prompts must be rendered inside the calling application rather
// than by the daemon's own interaction surface (§4.5). A plugin that
// doesn't implement it never requires application interaction.
type applicationInteractionPlugin interface {
	RequiresApplicationInteraction() bool
}

// checkApplicationInteraction enforces §4.5's application-specific
// interaction rule: when authenticator requires it, the caller must have
// passed ApplicationInteraction and a non-empty interaction service
// address, or the request fails with OperationRequiresApplicationUserInteraction
// rather than falling through to the daemon's own prompt flow.
func checkApplicationInteraction(authenticator registry.AuthenticationPlugin, mode UserInteractionMode, interactionServiceAddress string) *Result {
	capable, ok := authenticator.(applicationInteractionPlugin)
	if !ok || !capable.RequiresApplicationInteraction() {
		return nil
	}
	if mode != ApplicationInteraction || interactionServiceAddress == "" {
		return fail(OperationRequiresApplicationUserInteraction, "authentication plugin %q requires application-specific user interaction", authenticator.Name())
	}
	return nil
}
