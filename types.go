package secretsd

import "time"

// LockKind is how a collection or standalone secret is protected.
type LockKind int

const (
	DeviceLock LockKind = iota
	CustomLock
)

func (k LockKind) String() string {
	if k == DeviceLock {
		return "DeviceLock"
	}
	return "CustomLock"
}

// UnlockSemantic controls when a derived key is evicted from the Key
// Cache once a collection has been unlocked.
type UnlockSemantic int

const (
	KeepUnlocked UnlockSemantic = iota
	RelockOnDeviceLock
	RelockAfterTimeout
)

// AccessControlMode restricts which caller application id may operate
// on a collection or secret.
type AccessControlMode int

const (
	OwnerOnly AccessControlMode = iota
	System
)

// UserInteractionMode governs whether a request may trigger a user
// prompt when one is required.
type UserInteractionMode int

const (
	AllowInteraction UserInteractionMode = iota
	PreventInteraction
	ApplicationInteraction
)

// InteractionOperation identifies why the Interaction Broker is
// prompting, so the authentication plugin can render an appropriate UI.
type InteractionOperation int

const (
	OpCreateCollection InteractionOperation = iota
	OpStoreSecret
	OpReadSecret
	OpDeleteSecret
	OpUnlockCollection
	OpModifyLockPlugin
	OpModifyLockDatabase
	OpUnlockPlugin
	OpUnlockDatabase
	OpRequestUserData
)

// Collection is the metadata record for a named container of secrets
// (§3). Metadata never mutates after creation except during a lock-code
// re-key.
type Collection struct {
	Name              string
	ApplicationID     string
	StoragePlugin     string
	EncryptionPlugin  string
	AuthPlugin        string
	LockKind          LockKind
	UnlockSemantic    UnlockSemantic
	CustomLockTimeout time.Duration
	AccessControl     AccessControlMode
}

// Strategy reports whether this collection uses the encrypted-storage
// plugin kind or the split storage/encryption kind (§9).
func (c Collection) Strategy() Strategy {
	if c.StoragePlugin == c.EncryptionPlugin {
		return Strategy{Kind: StrategyEncrypted, Plugin: c.StoragePlugin}
	}
	return Strategy{Kind: StrategySplit, Storage: c.StoragePlugin, Encryption: c.EncryptionPlugin}
}

// Secret is the metadata record for a (collection, name) pair (§3). The
// core never stores ciphertext or cleartext, only this bookkeeping row
// plus a hash of (collection, name) used to address plugin storage.
type Secret struct {
	Collection        string
	HashedName        string
	ApplicationID     string
	LockKind          LockKind
	StoragePlugin     string
	EncryptionPlugin  string
	AuthPlugin        string
	UnlockSemantic    UnlockSemantic
	CustomLockTimeout time.Duration
	AccessControl     AccessControlMode
}

// LockState is process-wide lock-code state (§3, §4.10).
type LockState int

const (
	Uninitialised LockState = iota
	Locked
	Unlocked
)

// LockCodeTargetKind selects what a Lock-Code Controller operation
// applies to (§4.10).
type LockCodeTargetKind int

const (
	TargetDatabase LockCodeTargetKind = iota
	TargetPlugin
	TargetCollection
	TargetStandaloneSecret
)

func (k LockCodeTargetKind) String() string {
	switch k {
	case TargetDatabase:
		return "Database"
	case TargetPlugin:
		return "Plugin"
	case TargetCollection:
		return "Collection"
	case TargetStandaloneSecret:
		return "StandaloneSecret"
	default:
		return "Unknown"
	}
}

// FilterOperator is how a secret filter's key/value entries combine
// (§4.8, findCollectionSecrets).
type FilterOperator int

const (
	FilterAll FilterOperator = iota // all-of
	FilterAny                       // any-of
)

// SecretFilter is a set of key/value predicates a storage plugin
// evaluates against its own secret filter metadata.
type SecretFilter struct {
	Entries  map[string]string
	Operator FilterOperator
}

// SecretIdentifier names a stored secret returned by findCollectionSecrets.
type SecretIdentifier struct {
	Collection string
	Name       string
}
