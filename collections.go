package secretsd

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/keystonevault/secretsd/bookkeeping"
	"github.com/keystonevault/secretsd/registry"
)

// CreateDeviceLockCollection implements §4.7's device-lock create path.
// After common validation of plugin names it guards the collection name
// with the Interleave Guard, inserts bookkeeping metadata, then
// dispatches the plugin's createCollection call on the worker pool. If
// the plugin call fails, the bookkeeping row is removed again
// (cleanupInsertCollection); on success, for the split strategy the
// device lock key is also placed in the Key Cache.
func (d *Daemon) CreateDeviceLockCollection(ctx context.Context, name, callerAppID, storagePlugin, encryptionPlugin, authPlugin string, semantic UnlockSemantic, access AccessControlMode, deviceLockKey []byte) (result *Result) {
	meta := map[string]interface{}{"op": "createDeviceLockCollection", "collection": name}
	d.logAudit("createCollection_initiated", true, meta)
	defer func() { d.logResult("createCollection", meta, result) }()

	if isReservedOrEmpty(name) {
		return fail(InvalidCollection, "collection name %q is reserved or empty", name)
	}

	strategy, err := d.registry.ResolveStrategy(storagePlugin, encryptionPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "cannot resolve plugins for %q", name)
	}

	if !d.interlock.TryAcquire(name) {
		return fail(Failed, "collection %q has a structural operation already in flight", name)
	}
	defer d.interlock.Release(name)

	exists, err := d.bookkeeping.CollectionExists(ctx, name)
	if err != nil {
		return failWrap(Failed, err, "checking existence of %q", name)
	}
	if exists {
		return fail(CollectionAlreadyExists, "collection %q already exists", name)
	}

	row := bookkeeping.CollectionRow{
		Name:             name,
		ApplicationID:    callerAppID,
		StoragePlugin:    storagePlugin,
		EncryptionPlugin: encryptionPlugin,
		AuthPlugin:       authPlugin,
		LockKind:         int(DeviceLock),
		UnlockSemantic:   int(semantic),
		AccessControl:    int(access),
	}
	if err := d.bookkeeping.InsertCollection(ctx, row); err != nil {
		return failWrap(Failed, err, "inserting collection %q", name)
	}

	if err := d.createCollectionOnPlugin(ctx, strategy, name, deviceLockKey); err != nil {
		if cerr := d.bookkeeping.CleanupInsertCollection(ctx, name); cerr != nil {
			return failWrap(Failed, &compositeError{primary: err, secondary: cerr}, "creating collection %q", name)
		}
		return failWrap(Failed, err, "plugin failed to create collection %q", name)
	}

	d.keyCache.Put(name, "", deviceLockKey, semantic, 0, nil)

	return succeeded()
}

// createCollectionOnPlugin runs the plugin half of collection creation
// synchronously on the calling goroutine's behalf via the worker pool,
// blocking the caller until the completion arrives. Higher-level request
// paths that must not block (custom-lock creation, which suspends on a
// passphrase prompt first) instead call submitJob directly and register
// a continuation.
func (d *Daemon) createCollectionOnPlugin(ctx context.Context, strategy registry.StrategyHandle, name string, key []byte) error {
	_, err := d.runSync(func() (interface{}, error) {
		if strategy.IsEncrypted() {
			return nil, strategy.Encrypted.CreateCollection(ctx, name, key)
		}
		return nil, strategy.Storage.CreateCollection(ctx, name)
	})
	return err
}

// CreateCustomLockCollectionPrompt begins §4.7's custom-lock create
// path: common validation, then a passphrase prompt is dispatched and a
// PendingRequest recorded. The prompt's completion routes to
// resumeCreateCustomLockCollection.
func (d *Daemon) CreateCustomLockCollectionPrompt(ctx context.Context, name, callerAppID, storagePlugin, encryptionPlugin, authPlugin string, semantic UnlockSemantic, timeout time.Duration, access AccessControlMode, mode UserInteractionMode, interactionServiceAddress string) (result *Result) {
	meta := map[string]interface{}{"op": "createCustomLockCollection", "collection": name}
	d.logAudit("createCollection_initiated", true, meta)
	defer func() { d.logResult("createCollection", meta, result) }()

	if isReservedOrEmpty(name) {
		return fail(InvalidCollection, "collection name %q is reserved or empty", name)
	}
	if mode == PreventInteraction {
		return fail(OperationRequiresUserInteraction, "creating a custom-lock collection requires user interaction")
	}

	strategy, err := d.registry.ResolveStrategy(storagePlugin, encryptionPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "cannot resolve plugins for %q", name)
	}

	authenticator, err := d.registry.Authentication(authPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "cannot resolve auth plugin %q", authPlugin)
	}
	if verr := checkApplicationInteraction(authenticator, mode, interactionServiceAddress); verr != nil {
		return verr
	}

	replyCh, err := d.broker.Prompt(ctx, authenticator, promptFor(name, "", callerAppID, OpCreateCollection))
	if err != nil {
		return failWrap(Failed, err, "starting passphrase prompt for %q", name)
	}

	var id uuid.UUID
	id, _ = d.pending.Suspend(PendingUserInteraction, func(outcome interface{}, _ error) (result *Result) {
		meta["requestID"] = id.String()
		defer func() { d.logResult("createCollection", meta, result) }()

		resp := outcome.(promptOutcome).response
		if resp.Canceled {
			return fail(InteractionViewUserCanceled, "user cancelled custom-lock collection creation")
		}
		return d.resumeCreateCustomLockCollection(ctx, name, callerAppID, storagePlugin, encryptionPlugin, authPlugin, semantic, timeout, access, strategy, resp.AuthCode)
	})
	go d.bridgePromptReply(id, replyCh)

	return pending(id.String())
}

// resumeCreateCustomLockCollection is the create-custom-lock-with-code
// continuation of §4.9. It re-checks existence (another request may have
// created the collection while the prompt was outstanding), inserts
// metadata, derives the key on the worker pool, then falls through to
// the same tail as the device-lock path.
func (d *Daemon) resumeCreateCustomLockCollection(ctx context.Context, name, callerAppID, storagePlugin, encryptionPlugin, authPlugin string, semantic UnlockSemantic, timeout time.Duration, access AccessControlMode, strategy registry.StrategyHandle, authCode []byte) *Result {
	if !d.interlock.TryAcquire(name) {
		return fail(Failed, "collection %q has a structural operation already in flight", name)
	}
	defer d.interlock.Release(name)

	exists, err := d.bookkeeping.CollectionExists(ctx, name)
	if err != nil {
		return failWrap(Failed, err, "checking existence of %q", name)
	}
	if exists {
		return fail(CollectionAlreadyExists, "collection %q already exists", name)
	}

	row := bookkeeping.CollectionRow{
		Name:              name,
		ApplicationID:     callerAppID,
		StoragePlugin:     storagePlugin,
		EncryptionPlugin:  encryptionPlugin,
		AuthPlugin:        authPlugin,
		LockKind:          int(CustomLock),
		UnlockSemantic:    int(semantic),
		CustomLockTimeout: int64(timeout),
		AccessControl:     int(access),
	}
	if err := d.bookkeeping.InsertCollection(ctx, row); err != nil {
		return failWrap(Failed, err, "inserting collection %q", name)
	}

	key, err := deriveKeyOnPlugin(ctx, strategy, authCode)
	if err != nil {
		if cerr := d.bookkeeping.CleanupInsertCollection(ctx, name); cerr != nil {
			return failWrap(Failed, &compositeError{primary: err, secondary: cerr}, "deriving key for %q", name)
		}
		return failWrap(Failed, err, "deriving key for %q", name)
	}

	if err := d.createCollectionOnPlugin(ctx, strategy, name, key); err != nil {
		if cerr := d.bookkeeping.CleanupInsertCollection(ctx, name); cerr != nil {
			return failWrap(Failed, &compositeError{primary: err, secondary: cerr}, "creating collection %q", name)
		}
		return failWrap(Failed, err, "plugin failed to create collection %q", name)
	}

	d.keyCache.Put(name, "", key, semantic, timeout, func() {
		d.keyCache.Evict(name, "")
	})

	return succeeded()
}

// DeleteCollection implements §4.7's delete path: after common
// validation (including a plugin-resolution check that also catches
// stale metadata), it guards the name, asks the plugin to destroy
// storage, then — only on plugin success — evicts the Key Cache entry
// and deletes the metadata row. A metadata-deletion failure at that
// point is reported as a composite error and the row is marked dirty,
// per §4.7/§7: the plugin is authoritative, so a lagging bookkeeping row
// is the recoverable side.
func (d *Daemon) DeleteCollection(ctx context.Context, name, callerAppID string) (result *Result) {
	meta := map[string]interface{}{"op": "deleteCollection", "collection": name}
	d.logAudit("deleteCollection_initiated", true, meta)
	defer func() { d.logResult("deleteCollection", meta, result) }()

	rc, verr := d.validateCollectionRequest(ctx, name, callerAppID, false)
	if verr != nil {
		return verr
	}

	if !d.interlock.TryAcquire(name) {
		return fail(Failed, "collection %q has a structural operation already in flight", name)
	}
	defer d.interlock.Release(name)

	if err := d.deleteCollectionOnPlugin(ctx, rc.strategy, name); err != nil {
		return failWrap(Failed, err, "plugin failed to delete collection %q", name)
	}

	d.keyCache.Evict(name, "")

	if err := d.bookkeeping.CleanupDeleteCollection(ctx, name); err != nil {
		d.markDirty("collection:" + name)
		return failWrap(Failed, err, "collection %q deleted from plugin but bookkeeping row remains", name)
	}

	return succeeded()
}

// deleteCollectionOnPlugin passes the collection's cached authentication
// material to an encrypted-storage plugin's DeleteCollection, matching
// every other ES plugin call: the plugin never holds key material of
// its own to fall back on (§4.3), so a locked collection with nothing
// cached has no key to offer and the plugin call runs with a nil one,
// same as the daemon has always done for a locked collection's other
// operations.
func (d *Daemon) deleteCollectionOnPlugin(ctx context.Context, strategy registry.StrategyHandle, name string) error {
	var key []byte
	if strategy.IsEncrypted() {
		if buf := d.keyCache.Get(name, ""); buf != nil {
			defer buf.Destroy()
			key = append([]byte(nil), buf.Bytes()...)
		}
	}
	_, err := d.runSync(func() (interface{}, error) {
		if strategy.IsEncrypted() {
			return nil, strategy.Encrypted.DeleteCollection(ctx, name, key)
		}
		return nil, strategy.Storage.DeleteCollection(ctx, name)
	})
	return err
}
