package secretsd

import (
	"context"

	"github.com/google/uuid"

	"github.com/keystonevault/secretsd/bookkeeping"
	"github.com/keystonevault/secretsd/internal/crypto"
	"github.com/keystonevault/secretsd/registry"
)

// hashSecretName addresses plugin storage by a hash of (collection,
// name) rather than the cleartext name, per §3/§4.8, so a storage
// plugin's own key space never leaks a collection's cleartext secret
// names.
func hashSecretName(collection, name string) string {
	return crypto.CalculateChecksum([]byte(collection + "\x00" + name))
}

// unlockLadder is the outcome of §4.8's steps 3-4: either an
// encryption key ready to use (split strategy), or nothing further
// needed because the strategy is encrypted-storage and the plugin
// tracks its own lock state.
type unlockLadder struct {
	key    []byte
	locked bool
}

// probeUnlocked implements §4.8 step 3: for the encrypted-storage
// strategy the plugin is asked whether the collection even exists
// (§4.3's "plugin tracks its own lock state" oracle), but the
// authentication material itself — what the plugin actually derives its
// key from on every call — lives only in the daemon's Key Cache, since
// the plugin never holds it between calls. A plugin that reports the
// collection unlocked with nothing cached has no material to unlock it
// with, so that's treated as locked rather than substituting a nil key.
// The split strategy is a plain Key Cache lookup, no plugin call needed.
func (d *Daemon) probeUnlocked(ctx context.Context, strategy registry.StrategyHandle, collection string) (unlockLadder, error) {
	if strategy.IsEncrypted() {
		result, err := d.runSync(func() (interface{}, error) {
			locked, err := isCollectionLockedOnPlugin(ctx, strategy)
			return locked, err
		})
		if err != nil {
			return unlockLadder{}, err
		}
		if result.(bool) {
			return unlockLadder{locked: true}, nil
		}
		if buf := d.keyCache.Get(collection, ""); buf != nil {
			defer buf.Destroy()
			key := append([]byte(nil), buf.Bytes()...)
			return unlockLadder{key: key}, nil
		}
		return unlockLadder{locked: true}, nil
	}

	if buf := d.keyCache.Get(collection, ""); buf != nil {
		defer buf.Destroy()
		key := append([]byte(nil), buf.Bytes()...)
		return unlockLadder{key: key}, nil
	}
	return unlockLadder{locked: true}, nil
}

// isCollectionLockedOnPlugin is a placeholder call boundary for
// encrypted-storage plugins that track their own lock state
// internally; a concrete plugin implementation supplies the real
// probe. Kept separate so the worker-pool submission path is uniform
// with the rest of this file's plugin calls.
func isCollectionLockedOnPlugin(ctx context.Context, strategy registry.StrategyHandle) (bool, error) {
	type lockedProbe interface {
		IsCollectionLocked(ctx context.Context, collection string) (bool, error)
	}
	if probe, ok := strategy.Encrypted.(lockedProbe); ok {
		return probe.IsCollectionLocked(ctx, "")
	}
	return false, nil
}

// SetCollectionSecret implements §4.8's set-secret path up through the
// unlock ladder; a locked custom-lock collection returns Pending and
// resumes through resumeSetCollectionSecretWithCode once the
// Interaction Broker delivers a passphrase.
func (d *Daemon) SetCollectionSecret(ctx context.Context, collection, name, callerAppID string, data []byte, filter map[string]string, mode UserInteractionMode, interactionServiceAddress string) (result *Result) {
	meta := map[string]interface{}{"op": "setCollectionSecret", "collection": collection, "name": name}
	d.logAudit("setCollectionSecret_initiated", true, meta)
	defer func() { d.logResult("setCollectionSecret", meta, result) }()

	rc, verr := d.validateCollectionRequest(ctx, collection, callerAppID, false)
	if verr != nil {
		return verr
	}

	ladder, err := d.probeUnlocked(ctx, rc.strategy, collection)
	if err != nil {
		return failWrap(Failed, err, "probing lock state of %q", collection)
	}

	if ladder.locked {
		if LockKind(rc.row.LockKind) == DeviceLock {
			return fail(CollectionIsLocked, "collection %q is device-locked", collection)
		}
		return d.promptForCollectionSecretCode(ctx, collection, name, callerAppID, data, filter, true, mode, interactionServiceAddress, rc, setSecretOp)
	}

	return d.storeCollectionSecret(ctx, rc, collection, name, callerAppID, ladder.key, data, filter)
}

// SetCollectionSecretWithUserData implements §4.8 step 2 / §4.9's
// set-collection-secret-with-user-data continuation: when the caller
// asks the core to obtain the secret payload itself rather than
// supplying it directly, the core dispatches an OpRequestUserData
// prompt through the collection's own authentication plugin, then
// stores whatever the plugin returns exactly as setCollectionSecret
// would have stored caller-supplied data.
func (d *Daemon) SetCollectionSecretWithUserData(ctx context.Context, collection, name, callerAppID string, filter map[string]string, mode UserInteractionMode, interactionServiceAddress string) (result *Result) {
	meta := map[string]interface{}{"op": "setCollectionSecretWithUserData", "collection": collection, "name": name}
	d.logAudit("setCollectionSecretWithUserData_initiated", true, meta)
	defer func() { d.logResult("setCollectionSecretWithUserData", meta, result) }()

	rc, verr := d.validateCollectionRequest(ctx, collection, callerAppID, false)
	if verr != nil {
		return verr
	}
	if mode == PreventInteraction {
		return fail(OperationRequiresUserInteraction, "requesting user data for %q requires user interaction", collection)
	}

	authenticator, err := d.registry.Authentication(rc.row.AuthPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "resolving auth plugin for %q", collection)
	}
	if verr := checkApplicationInteraction(authenticator, mode, interactionServiceAddress); verr != nil {
		return verr
	}

	replyCh, err := d.broker.Prompt(ctx, authenticator, promptFor(collection, name, callerAppID, OpRequestUserData))
	if err != nil {
		return failWrap(Failed, err, "starting user-data prompt for %q", collection)
	}

	var id uuid.UUID
	id, _ = d.pending.Suspend(PendingUserInteraction, func(outcome interface{}, _ error) (result *Result) {
		meta["requestID"] = id.String()
		defer func() { d.logResult("setCollectionSecretWithUserData", meta, result) }()

		resp := outcome.(promptOutcome).response
		if resp.Canceled {
			return fail(InteractionViewUserCanceled, "user cancelled providing user data for %q", collection)
		}
		return d.resumeSetCollectionSecretWithUserData(ctx, rc, collection, name, callerAppID, resp.AuthCode, filter, mode, interactionServiceAddress)
	})
	go d.bridgePromptReply(id, replyCh)

	return pending(id.String())
}

// resumeSetCollectionSecretWithUserData re-probes lock state — a
// concurrent request may have unlocked or re-locked the collection
// while the user-data prompt was outstanding — and either stores the
// obtained data directly or, for a still-locked custom-lock
// collection, falls through to the ordinary passphrase-prompt ladder
// with the obtained data as its payload.
func (d *Daemon) resumeSetCollectionSecretWithUserData(ctx context.Context, rc requestContext, collection, name, callerAppID string, data []byte, filter map[string]string, mode UserInteractionMode, interactionServiceAddress string) *Result {
	ladder, err := d.probeUnlocked(ctx, rc.strategy, collection)
	if err != nil {
		return failWrap(Failed, err, "probing lock state of %q", collection)
	}
	if ladder.locked {
		if LockKind(rc.row.LockKind) == DeviceLock {
			return fail(CollectionIsLocked, "collection %q is device-locked", collection)
		}
		return d.promptForCollectionSecretCode(ctx, collection, name, callerAppID, data, filter, true, mode, interactionServiceAddress, rc, setSecretOp)
	}
	return d.storeCollectionSecret(ctx, rc, collection, name, callerAppID, ladder.key, data, filter)
}

type collectionSecretOp int

const (
	setSecretOp collectionSecretOp = iota
	getSecretOp
	findSecretOp
	deleteSecretOp
)

func (op collectionSecretOp) String() string {
	switch op {
	case setSecretOp:
		return "setCollectionSecret"
	case getSecretOp:
		return "getCollectionSecret"
	case findSecretOp:
		return "findCollectionSecrets"
	case deleteSecretOp:
		return "deleteCollectionSecret"
	default:
		return "unknown"
	}
}

// promptForCollectionSecretCode dispatches a passphrase prompt and
// suspends the request, dispatching the appropriate continuation for op
// once the code arrives (§4.9 lists these as distinct continuation
// kinds; they share this one dispatcher because the ladder up to this
// point is identical).
func (d *Daemon) promptForCollectionSecretCode(ctx context.Context, collection, name, callerAppID string, data []byte, filter map[string]string, matchAll bool, mode UserInteractionMode, interactionServiceAddress string, rc requestContext, op collectionSecretOp) *Result {
	if mode == PreventInteraction {
		return fail(OperationRequiresUserInteraction, "unlocking %q requires user interaction", collection)
	}

	authenticator, err := d.registry.Authentication(rc.row.AuthPlugin)
	if err != nil {
		return failWrap(InvalidExtensionPlugin, err, "resolving auth plugin for %q", collection)
	}
	if verr := checkApplicationInteraction(authenticator, mode, interactionServiceAddress); verr != nil {
		return verr
	}

	replyCh, err := d.broker.Prompt(ctx, authenticator, promptFor(collection, name, callerAppID, interactionOpFor(op)))
	if err != nil {
		return failWrap(Failed, err, "starting passphrase prompt for %q", collection)
	}

	var id uuid.UUID
	id, _ = d.pending.Suspend(PendingUserInteraction, func(outcome interface{}, _ error) (result *Result) {
		meta := map[string]interface{}{"op": op.String(), "collection": collection, "name": name, "requestID": id.String()}
		defer func() { d.logResult(op.String(), meta, result) }()

		resp := outcome.(promptOutcome).response
		if resp.Canceled {
			return fail(InteractionViewUserCanceled, "user cancelled unlocking %q", collection)
		}
		key, err := deriveKeyOnPlugin(ctx, rc.strategy, resp.AuthCode)
		if err != nil {
			return failWrap(IncorrectAuthenticationCode, err, "deriving key for %q", collection)
		}
		switch op {
		case setSecretOp:
			return d.storeCollectionSecret(ctx, rc, collection, name, callerAppID, key, data, filter)
		case getSecretOp:
			return d.readCollectionSecret(ctx, rc, collection, name, key)
		case findSecretOp:
			return d.findCollectionSecretsWithKey(ctx, rc, collection, filter, matchAll, key)
		case deleteSecretOp:
			return d.removeCollectionSecret(ctx, rc, collection, name, key)
		default:
			return fail(Unknown, "unrecognised collection secret continuation")
		}
	})
	go d.bridgePromptReply(id, replyCh)

	return pending(id.String())
}

func interactionOpFor(op collectionSecretOp) InteractionOperation {
	switch op {
	case getSecretOp:
		return OpReadSecret
	case findSecretOp:
		return OpReadSecret
	case deleteSecretOp:
		return OpDeleteSecret
	default:
		return OpStoreSecret
	}
}

// storeCollectionSecret is §4.8 step 5 for setCollectionSecret: check or
// insert the bookkeeping row, then schedule the plugin storage call. On
// plugin failure the bookkeeping row is only rolled back if this was a
// brand-new secret, not an overwrite.
func (d *Daemon) storeCollectionSecret(ctx context.Context, rc requestContext, collection, name, callerAppID string, key, data []byte, filter map[string]string) *Result {
	hashed := hashSecretName(collection, name)

	isNew, err := d.upsertSecretRow(ctx, rc, collection, hashed, callerAppID)
	if err != nil {
		return failWrap(Failed, err, "recording secret %q in %q", name, collection)
	}

	_, err = d.runSync(func() (interface{}, error) {
		if rc.strategy.IsEncrypted() {
			return nil, rc.strategy.Encrypted.SetSecret(ctx, collection, key, registry.SecretRecord{
				Key: hashed, Data: data, Filter: filter, Identity: callerAppID,
			})
		}
		ciphertext, err := rc.strategy.Encryption.Encrypt(ctx, key, data)
		if err != nil {
			return nil, err
		}
		return nil, rc.strategy.Storage.SetSecret(ctx, collection, registry.SecretRecord{
			Key: hashed, Data: ciphertext, Filter: filter, Identity: callerAppID,
		})
	})
	if err != nil {
		if isNew {
			if cerr := d.bookkeeping.DeleteSecret(ctx, collection, hashed); cerr != nil {
				return failWrap(Failed, &compositeError{primary: err, secondary: cerr}, "storing secret %q in %q", name, collection)
			}
		}
		return failWrap(Failed, err, "plugin failed to store secret %q in %q", name, collection)
	}

	return succeeded()
}

// upsertSecretRow reports whether the row is new (true) or an overwrite
// of an existing secret (false).
func (d *Daemon) upsertSecretRow(ctx context.Context, rc requestContext, collection, hashed, callerAppID string) (bool, error) {
	exists, err := d.bookkeeping.SecretExists(ctx, collection, hashed)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	row := bookkeeping.SecretRow{
		CollectionName:   collection,
		HashedName:       hashed,
		ApplicationID:    callerAppID,
		LockKind:         rc.row.LockKind,
		StoragePlugin:    rc.row.StoragePlugin,
		EncryptionPlugin: rc.row.EncryptionPlugin,
		AuthPlugin:       rc.row.AuthPlugin,
		UnlockSemantic:   rc.row.UnlockSemantic,
	}
	if err := d.bookkeeping.InsertSecret(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

// GetCollectionSecret implements §4.8's get-secret path.
func (d *Daemon) GetCollectionSecret(ctx context.Context, collection, name, callerAppID string, mode UserInteractionMode, interactionServiceAddress string) (result *Result) {
	meta := map[string]interface{}{"op": "getCollectionSecret", "collection": collection, "name": name}
	d.logAudit("getCollectionSecret_initiated", true, meta)
	defer func() { d.logResult("getCollectionSecret", meta, result) }()

	rc, verr := d.validateCollectionRequest(ctx, collection, callerAppID, false)
	if verr != nil {
		return verr
	}

	ladder, err := d.probeUnlocked(ctx, rc.strategy, collection)
	if err != nil {
		return failWrap(Failed, err, "probing lock state of %q", collection)
	}
	if ladder.locked {
		if LockKind(rc.row.LockKind) == DeviceLock {
			return fail(CollectionIsLocked, "collection %q is device-locked", collection)
		}
		return d.promptForCollectionSecretCode(ctx, collection, name, callerAppID, nil, nil, true, mode, interactionServiceAddress, rc, getSecretOp)
	}

	return d.readCollectionSecret(ctx, rc, collection, name, ladder.key)
}

func (d *Daemon) readCollectionSecret(ctx context.Context, rc requestContext, collection, name string, key []byte) *Result {
	hashed := hashSecretName(collection, name)

	if exists, err := d.bookkeeping.SecretExists(ctx, collection, hashed); err != nil {
		return failWrap(Failed, err, "checking secret %q in %q", name, collection)
	} else if !exists {
		return fail(InvalidSecret, "secret %q not found in %q", name, collection)
	}

	result, err := d.runSync(func() (interface{}, error) {
		if rc.strategy.IsEncrypted() {
			rec, err := rc.strategy.Encrypted.GetSecret(ctx, collection, key, hashed)
			return rec.Data, err
		}
		rec, err := rc.strategy.Storage.GetSecret(ctx, collection, hashed)
		if err != nil {
			return nil, err
		}
		return rc.strategy.Encryption.Decrypt(ctx, key, rec.Data)
	})
	if err != nil {
		return failWrap(Failed, err, "plugin failed to read secret %q from %q", name, collection)
	}

	r := succeeded()
	if data, ok := result.([]byte); ok {
		r.Data = data
	}
	return r
}

// FindCollectionSecrets implements §4.8's filter search path.
func (d *Daemon) FindCollectionSecrets(ctx context.Context, collection, callerAppID string, filter SecretFilter, mode UserInteractionMode, interactionServiceAddress string) (result *Result) {
	meta := map[string]interface{}{"op": "findCollectionSecrets", "collection": collection}
	d.logAudit("findCollectionSecrets_initiated", true, meta)
	defer func() { d.logResult("findCollectionSecrets", meta, result) }()

	rc, verr := d.validateCollectionRequest(ctx, collection, callerAppID, false)
	if verr != nil {
		return verr
	}

	ladder, err := d.probeUnlocked(ctx, rc.strategy, collection)
	if err != nil {
		return failWrap(Failed, err, "probing lock state of %q", collection)
	}
	if ladder.locked {
		if LockKind(rc.row.LockKind) == DeviceLock {
			return fail(CollectionIsLocked, "collection %q is device-locked", collection)
		}
		return d.promptForCollectionSecretCode(ctx, collection, "", callerAppID, nil, filter.Entries, filter.Operator == FilterAll, mode, interactionServiceAddress, rc, findSecretOp)
	}

	return d.findCollectionSecretsWithKey(ctx, rc, collection, filter.Entries, filter.Operator == FilterAll, ladder.key)
}

func (d *Daemon) findCollectionSecretsWithKey(ctx context.Context, rc requestContext, collection string, filter map[string]string, matchAll bool, key []byte) *Result {
	result, err := d.runSync(func() (interface{}, error) {
		if rc.strategy.IsEncrypted() {
			return rc.strategy.Encrypted.FindSecrets(ctx, collection, key, filter, matchAll)
		}
		return rc.strategy.Storage.FindSecrets(ctx, collection, filter, matchAll)
	})
	if err != nil {
		return failWrap(Failed, err, "plugin failed to find secrets in %q", collection)
	}

	r := succeeded()
	if keys, ok := result.([]string); ok {
		for _, k := range keys {
			r.Identifiers = append(r.Identifiers, SecretIdentifier{Collection: collection, Name: k})
		}
	}
	return r
}

// DeleteCollectionSecret implements §4.8's delete-secret path.
func (d *Daemon) DeleteCollectionSecret(ctx context.Context, collection, name, callerAppID string, mode UserInteractionMode, interactionServiceAddress string) (result *Result) {
	meta := map[string]interface{}{"op": "deleteCollectionSecret", "collection": collection, "name": name}
	d.logAudit("deleteCollectionSecret_initiated", true, meta)
	defer func() { d.logResult("deleteCollectionSecret", meta, result) }()

	rc, verr := d.validateCollectionRequest(ctx, collection, callerAppID, false)
	if verr != nil {
		return verr
	}

	ladder, err := d.probeUnlocked(ctx, rc.strategy, collection)
	if err != nil {
		return failWrap(Failed, err, "probing lock state of %q", collection)
	}
	if ladder.locked {
		if LockKind(rc.row.LockKind) == DeviceLock {
			return fail(CollectionIsLocked, "collection %q is device-locked", collection)
		}
		return d.promptForCollectionSecretCode(ctx, collection, name, callerAppID, nil, nil, true, mode, interactionServiceAddress, rc, deleteSecretOp)
	}

	return d.removeCollectionSecret(ctx, rc, collection, name, ladder.key)
}

// removeCollectionSecret is §4.8's delete tail: per the design note on
// concurrent deletion (§9), plugin names are read from rc, which was
// resolved from a metadata lookup taken fresh at the start of this
// request's ladder rather than carried unchanged from an earlier
// suspension, so a concurrent structural change is always reflected.
func (d *Daemon) removeCollectionSecret(ctx context.Context, rc requestContext, collection, name string, key []byte) *Result {
	hashed := hashSecretName(collection, name)

	_, err := d.runSync(func() (interface{}, error) {
		if rc.strategy.IsEncrypted() {
			return nil, rc.strategy.Encrypted.DeleteSecret(ctx, collection, key, hashed)
		}
		return nil, rc.strategy.Storage.DeleteSecret(ctx, collection, hashed)
	})
	if err != nil {
		return failWrap(Failed, err, "plugin failed to delete secret %q from %q", name, collection)
	}

	if err := d.bookkeeping.DeleteSecret(ctx, collection, hashed); err != nil {
		d.markDirty("secret:" + collection + "/" + hashed)
		return failWrap(Failed, err, "secret %q deleted from plugin but bookkeeping row remains", name)
	}

	return succeeded()
}
