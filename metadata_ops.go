package secretsd

import (
	"context"

	"github.com/keystonevault/secretsd/bookkeeping"
)

// SetCollectionSecretMetadata implements §4.8's metadata-only helper for
// an externally-backed crypto layer: it requires the encrypted-storage
// strategy (storage plugin equals encryption plugin), probes lock
// state, and if the secret already exists fails SecretAlreadyExists so
// the caller can skip its own cleanup. The payload itself is stored by
// the crypto layer directly against the plugin; this call only records
// bookkeeping.
func (d *Daemon) SetCollectionSecretMetadata(ctx context.Context, collection, name, callerAppID string) (result *Result) {
	meta := map[string]interface{}{"op": "setCollectionSecretMetadata", "collection": collection, "name": name}
	d.logAudit("setCollectionSecretMetadata_initiated", true, meta)
	defer func() { d.logResult("setCollectionSecretMetadata", meta, result) }()

	rc, verr := d.validateCollectionRequest(ctx, collection, callerAppID, false)
	if verr != nil {
		return verr
	}
	if !rc.strategy.IsEncrypted() {
		return fail(OperationNotSupported, "setCollectionSecretMetadata requires the encrypted-storage strategy for %q", collection)
	}

	ladder, err := d.probeUnlocked(ctx, rc.strategy, collection)
	if err != nil {
		return failWrap(Failed, err, "probing lock state of %q", collection)
	}
	if ladder.locked {
		return fail(CollectionIsLocked, "collection %q is locked", collection)
	}

	hashed := hashSecretName(collection, name)
	exists, err := d.bookkeeping.SecretExists(ctx, collection, hashed)
	if err != nil {
		return failWrap(Failed, err, "checking secret %q in %q", name, collection)
	}
	if exists {
		return fail(SecretAlreadyExists, "secret %q already exists in %q", name, collection)
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
		return failWrap(Failed, err, "recording secret metadata %q in %q", name, collection)
	}

	return succeeded()
}

// DeleteCollectionSecretMetadata removes the bookkeeping-only row
// inserted by SetCollectionSecretMetadata, used when the crypto layer's
// own plugin-side delete has already happened.
func (d *Daemon) DeleteCollectionSecretMetadata(ctx context.Context, collection, name, callerAppID string) (result *Result) {
	meta := map[string]interface{}{"op": "deleteCollectionSecretMetadata", "collection": collection, "name": name}
	d.logAudit("deleteCollectionSecretMetadata_initiated", true, meta)
	defer func() { d.logResult("deleteCollectionSecretMetadata", meta, result) }()

	rc, verr := d.validateCollectionRequest(ctx, collection, callerAppID, false)
	if verr != nil {
		return verr
	}
	if !rc.strategy.IsEncrypted() {
		return fail(OperationNotSupported, "deleteCollectionSecretMetadata requires the encrypted-storage strategy for %q", collection)
	}

	hashed := hashSecretName(collection, name)
	if err := d.bookkeeping.DeleteSecret(ctx, collection, hashed); err != nil {
		d.markDirty("secret:" + collection + "/" + hashed)
		return failWrap(Failed, err, "deleting secret metadata %q from %q", name, collection)
	}
	return succeeded()
}

// UserInput implements §6's userInput passthrough helper and §4.9's
// user-input continuation kind: an authentication plugin (or whatever UI
// surface fronts it) calls this once the user has answered a prompt
// previously started through the Interaction Broker, identified by the
// same interactionID BeginAuthentication returned.
func (d *Daemon) UserInput(interactionID string, value []byte, canceled bool) {
	d.broker.Deliver(interactionID, brokerResponseFor(value, canceled))
}
