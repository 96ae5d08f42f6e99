package secretsd

import (
	"context"

	"github.com/google/uuid"

	"github.com/keystonevault/secretsd/bookkeeping"
	"github.com/keystonevault/secretsd/internal/misc"
	"github.com/keystonevault/secretsd/registry"
)

// standaloneRow loads a standalone secret's bookkeeping row, using the
// reserved collection name internally (§3, §4.8).
func (d *Daemon) standaloneRow(ctx context.Context, name string) (bookkeeping.SecretRow, bool, error) {
	hashed := hashSecretName(misc.ReservedStandaloneCollectionName, name)
	row, err := d.bookkeeping.GetSecret(ctx, misc.ReservedStandaloneCollectionName, hashed)
	if err == bookkeeping.ErrNotFound {
		return bookkeeping.SecretRow{}, false, nil
	}
	if err != nil {
		return bookkeeping.SecretRow{}, false, err
	}
	return row, true, nil
}

// SetStandaloneDeviceLockSecret implements §4.8/§6's device-lock
// standalone secret path.
//
// Lock-kind immutability (§9's resolved open question, grounded on
// original_source/daemon/SecretsImpl/secretsrequestprocessor.cpp around
// line 1495): a standalone secret's lock kind and storage plugin are
// fixed at first write. setStandaloneDeviceLockSecret therefore fails
// OperationNotSupported when an existing secret under this name is
// custom-locked, symmetric with setStandaloneCustomLockSecret failing
// when an existing one is device-locked.
func (d *Daemon) SetStandaloneDeviceLockSecret(ctx context.Context, name, callerAppID, storagePlugin, encryptionPlugin string, data []byte, filter map[string]string, deviceLockKey []byte) (result *Result) {
	meta := map[string]interface{}{"op": "setStandaloneDeviceLockSecret", "name": name}
	d.logAudit("setStandaloneSecret_initiated", true, meta)
	defer func() { d.logResult("setStandaloneSecret", meta, result) }()

	existing, found, err := d.standaloneRow(ctx, name)
	if err != nil {
		return failWrap(Failed, err, "checking standalone secret %q", name)
	}
	if found {
		if LockKind(existing.LockKind) != DeviceLock || existing.StoragePlugin != storagePlugin {
			return fail(OperationNotSupported, "standalone secret %q's lock kind and storage plugin are immutable once set", name)
		}
	}

	strategy, err := d.registry.ResolveStrategy(storagePlugin, encryptionPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "resolving plugins for standalone secret %q", name)
	}

	return d.storeStandaloneSecret(ctx, strategy, name, callerAppID, storagePlugin, encryptionPlugin, DeviceLock, deviceLockKey, data, filter)
}

// SetStandaloneCustomLockSecret implements §6's custom-lock standalone
// secret path. When a passphrase has not yet been derived it dispatches
// a prompt and suspends; resumeSetStandaloneCustomLockSecret runs once
// the code arrives.
func (d *Daemon) SetStandaloneCustomLockSecret(ctx context.Context, name, callerAppID, storagePlugin, encryptionPlugin, authPlugin string, data []byte, filter map[string]string, mode UserInteractionMode, interactionServiceAddress string) (result *Result) {
	meta := map[string]interface{}{"op": "setStandaloneCustomLockSecret", "name": name}
	d.logAudit("setStandaloneSecret_initiated", true, meta)
	defer func() { d.logResult("setStandaloneSecret", meta, result) }()

	existing, found, err := d.standaloneRow(ctx, name)
	if err != nil {
		return failWrap(Failed, err, "checking standalone secret %q", name)
	}
	if found {
		if LockKind(existing.LockKind) != CustomLock || existing.StoragePlugin != storagePlugin {
			return fail(OperationNotSupported, "standalone secret %q's lock kind and storage plugin are immutable once set", name)
		}
	}
	if mode == PreventInteraction {
		return fail(OperationRequiresUserInteraction, "setting a custom-lock standalone secret requires user interaction")
	}

	strategy, err := d.registry.ResolveStrategy(storagePlugin, encryptionPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "resolving plugins for standalone secret %q", name)
	}
	authenticator, err := d.registry.Authentication(authPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "resolving auth plugin %q", authPlugin)
	}
	if verr := checkApplicationInteraction(authenticator, mode, interactionServiceAddress); verr != nil {
		return verr
	}

	replyCh, err := d.broker.Prompt(ctx, authenticator, promptFor("", name, callerAppID, OpStoreSecret))
	if err != nil {
		return failWrap(Failed, err, "starting passphrase prompt for standalone secret %q", name)
	}

	var id uuid.UUID
	id, _ = d.pending.Suspend(PendingUserInteraction, func(outcome interface{}, _ error) (result *Result) {
		meta["requestID"] = id.String()
		defer func() { d.logResult("setStandaloneSecret", meta, result) }()

		resp := outcome.(promptOutcome).response
		if resp.Canceled {
			return fail(InteractionViewUserCanceled, "user cancelled setting standalone secret %q", name)
		}
		key, err := deriveKeyOnPlugin(ctx, strategy, resp.AuthCode)
		if err != nil {
			return failWrap(IncorrectAuthenticationCode, err, "deriving key for standalone secret %q", name)
		}
		return d.storeStandaloneSecret(ctx, strategy, name, callerAppID, storagePlugin, encryptionPlugin, CustomLock, key, data, filter)
	})
	go d.bridgePromptReply(id, replyCh)

	return pending(id.String())
}

func (d *Daemon) storeStandaloneSecret(ctx context.Context, strategy registry.StrategyHandle, name, callerAppID, storagePlugin, encryptionPlugin string, kind LockKind, key, data []byte, filter map[string]string) *Result {
	hashed := hashSecretName(misc.ReservedStandaloneCollectionName, name)

	exists, err := d.bookkeeping.SecretExists(ctx, misc.ReservedStandaloneCollectionName, hashed)
	if err != nil {
		return failWrap(Failed, err, "checking standalone secret %q", name)
	}
	isNew := !exists
	if isNew {
		row := bookkeeping.SecretRow{
			CollectionName:   misc.ReservedStandaloneCollectionName,
			HashedName:       hashed,
			ApplicationID:    callerAppID,
			LockKind:         int(kind),
			StoragePlugin:    storagePlugin,
			EncryptionPlugin: encryptionPlugin,
		}
		if err := d.bookkeeping.InsertSecret(ctx, row); err != nil {
			return failWrap(Failed, err, "recording standalone secret %q", name)
		}
	}

	_, err = d.runSync(func() (interface{}, error) {
		if strategy.IsEncrypted() {
			return nil, strategy.Encrypted.SetSecret(ctx, misc.ReservedStandaloneCollectionName, key, registry.SecretRecord{
				Key: hashed, Data: data, Filter: filter, Identity: callerAppID,
			})
		}
		ciphertext, err := strategy.Encryption.Encrypt(ctx, key, data)
		if err != nil {
			return nil, err
		}
		return nil, strategy.Storage.SetSecret(ctx, misc.ReservedStandaloneCollectionName, registry.SecretRecord{
			Key: hashed, Data: ciphertext, Filter: filter, Identity: callerAppID,
		})
	})
	if err != nil {
		if isNew {
			if cerr := d.bookkeeping.DeleteSecret(ctx, misc.ReservedStandaloneCollectionName, hashed); cerr != nil {
				return failWrap(Failed, &compositeError{primary: err, secondary: cerr}, "storing standalone secret %q", name)
			}
		}
		return failWrap(Failed, err, "plugin failed to store standalone secret %q", name)
	}

	return succeeded()
}

// GetStandaloneSecret implements §6's standalone secret read path.
func (d *Daemon) GetStandaloneSecret(ctx context.Context, name, callerAppID string, mode UserInteractionMode, interactionServiceAddress string) (result *Result) {
	meta := map[string]interface{}{"op": "getStandaloneSecret", "name": name}
	d.logAudit("getStandaloneSecret_initiated", true, meta)
	defer func() { d.logResult("getStandaloneSecret", meta, result) }()

	row, found, err := d.standaloneRow(ctx, name)
	if err != nil {
		return failWrap(Failed, err, "checking standalone secret %q", name)
	}
	if !found {
		return fail(InvalidSecret, "standalone secret %q not found", name)
	}

	strategy, err := d.registry.ResolveStrategy(row.StoragePlugin, row.EncryptionPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "resolving plugins for standalone secret %q", name)
	}

	if !strategy.IsEncrypted() {
		if buf := d.keyCache.Get("", name); buf != nil {
			defer buf.Destroy()
			key := append([]byte(nil), buf.Bytes()...)
			return d.readStandaloneSecret(ctx, strategy, name, key)
		}
		if LockKind(row.LockKind) == DeviceLock {
			return fail(CollectionIsLocked, "standalone secret %q is device-locked", name)
		}
	}

	if mode == PreventInteraction {
		return fail(OperationRequiresUserInteraction, "unlocking standalone secret %q requires user interaction", name)
	}

	authenticator, err := d.registry.Authentication(row.AuthPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "resolving auth plugin for standalone secret %q", name)
	}
	if verr := checkApplicationInteraction(authenticator, mode, interactionServiceAddress); verr != nil {
		return verr
	}
	replyCh, err := d.broker.Prompt(ctx, authenticator, promptFor("", name, callerAppID, OpReadSecret))
	if err != nil {
		return failWrap(Failed, err, "starting passphrase prompt for standalone secret %q", name)
	}

	var id uuid.UUID
	id, _ = d.pending.Suspend(PendingUserInteraction, func(outcome interface{}, _ error) (result *Result) {
		meta["requestID"] = id.String()
		defer func() { d.logResult("getStandaloneSecret", meta, result) }()

		resp := outcome.(promptOutcome).response
		if resp.Canceled {
			return fail(InteractionViewUserCanceled, "user cancelled reading standalone secret %q", name)
		}
		key, err := deriveKeyOnPlugin(ctx, strategy, resp.AuthCode)
		if err != nil {
			return failWrap(IncorrectAuthenticationCode, err, "deriving key for standalone secret %q", name)
		}
		return d.readStandaloneSecret(ctx, strategy, name, key)
	})
	go d.bridgePromptReply(id, replyCh)

	return pending(id.String())
}

func (d *Daemon) readStandaloneSecret(ctx context.Context, strategy registry.StrategyHandle, name string, key []byte) *Result {
	hashed := hashSecretName(misc.ReservedStandaloneCollectionName, name)

	result, err := d.runSync(func() (interface{}, error) {
		if strategy.IsEncrypted() {
			rec, err := strategy.Encrypted.GetSecret(ctx, misc.ReservedStandaloneCollectionName, key, hashed)
			return rec.Data, err
		}
		rec, err := strategy.Storage.GetSecret(ctx, misc.ReservedStandaloneCollectionName, hashed)
		if err != nil {
			return nil, err
		}
		return strategy.Encryption.Decrypt(ctx, key, rec.Data)
	})
	if err != nil {
		return failWrap(Failed, err, "plugin failed to read standalone secret %q", name)
	}
	r := succeeded()
	if data, ok := result.([]byte); ok {
		r.Data = data
	}
	return r
}

// DeleteStandaloneSecret implements §6's standalone secret delete path.
func (d *Daemon) DeleteStandaloneSecret(ctx context.Context, name, callerAppID string) (result *Result) {
	meta := map[string]interface{}{"op": "deleteStandaloneSecret", "name": name}
	d.logAudit("deleteStandaloneSecret_initiated", true, meta)
	defer func() { d.logResult("deleteStandaloneSecret", meta, result) }()

	row, found, err := d.standaloneRow(ctx, name)
	if err != nil {
		return failWrap(Failed, err, "checking standalone secret %q", name)
	}
	if !found {
		return fail(InvalidSecret, "standalone secret %q not found", name)
	}

	strategy, err := d.registry.ResolveStrategy(row.StoragePlugin, row.EncryptionPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "resolving plugins for standalone secret %q", name)
	}

	hashed := hashSecretName(misc.ReservedStandaloneCollectionName, name)
	var key []byte
	if !strategy.IsEncrypted() {
		if buf := d.keyCache.Get("", name); buf != nil {
			defer buf.Destroy()
			key = append([]byte(nil), buf.Bytes()...)
		}
	}

	_, err = d.runSync(func() (interface{}, error) {
		if strategy.IsEncrypted() {
			return nil, strategy.Encrypted.DeleteSecret(ctx, misc.ReservedStandaloneCollectionName, key, hashed)
		}
		return nil, strategy.Storage.DeleteSecret(ctx, misc.ReservedStandaloneCollectionName, hashed)
	})
	if err != nil {
		return failWrap(Failed, err, "plugin failed to delete standalone secret %q", name)
	}

	d.keyCache.Evict("", name)

	if err := d.bookkeeping.DeleteSecret(ctx, misc.ReservedStandaloneCollectionName, hashed); err != nil {
		d.markDirty("secret:standalone/" + hashed)
		return failWrap(Failed, err, "standalone secret %q deleted from plugin but bookkeeping row remains", name)
	}

	return succeeded()
}
