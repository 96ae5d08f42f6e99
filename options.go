package secretsd

import (
	"fmt"
	"time"
)

// Config configures a Daemon: a small validated struct whose
// security-relevant fields are never serialized.
type Config struct {
	// PlatformApplicationID is the application id assigned to callers
	// classified as platform applications (§4.6).
	PlatformApplicationID string

	// DefaultAuthenticationPlugin is used when a request or collection
	// does not name one explicitly.
	DefaultAuthenticationPlugin string

	// Autotest, when true, appends AutotestPluginSuffix to every
	// authentication plugin name resolved by the registry, so tests
	// never reach a real interactive prompt plugin (§6).
	Autotest bool

	// EnableMemoryLock requests a best-effort mlockall of the daemon's
	// address space, keeping derived keys out of swap.
	EnableMemoryLock bool

	// WorkerPoolSize bounds concurrent off-thread plugin/KDF calls.
	WorkerPoolSize int

	// RelockGracePeriod is the minimum custom-lock timeout accepted by
	// createCustomLockCollection; zero disables the floor.
	RelockGracePeriod time.Duration
}

// Validate checks Config for internal consistency before a Daemon is
// constructed from it.
func (c Config) Validate() error {
	if c.PlatformApplicationID == "" {
		return fmt.Errorf("secretsd: PlatformApplicationID must be set")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("secretsd: WorkerPoolSize must be positive")
	}
	return nil
}
