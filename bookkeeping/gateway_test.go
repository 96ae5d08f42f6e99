package bookkeeping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	pool, err := OpenPool(PoolConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pool.Close()) })
	return NewGateway(pool)
}

func TestInsertAndGetCollection(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	row := CollectionRow{
		Name:             "device-lock",
		ApplicationID:    "com.example.app",
		StoragePlugin:    "filestore",
		EncryptionPlugin: "filestore",
		AuthPlugin:       "termauth",
		LockKind:         1,
		UnlockSemantic:   2,
		AccessControl:    0,
		CreatedAt:        1000,
	}
	require.NoError(t, g.InsertCollection(ctx, row))

	got, err := g.GetCollection(ctx, "device-lock")
	require.NoError(t, err)
	require.Equal(t, row, got)
}

func TestInsertCollectionDuplicateNameFails(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	row := CollectionRow{Name: "dup", ApplicationID: "app"}

	require.NoError(t, g.InsertCollection(ctx, row))
	err := g.InsertCollection(ctx, row)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetCollectionNotFound(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.GetCollection(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCollectionNamesSortedAndCleanupRemoves(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, g.InsertCollection(ctx, CollectionRow{Name: name, ApplicationID: "app"}))
	}

	names, err := g.CollectionNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, names)

	require.NoError(t, g.CleanupInsertCollection(ctx, "mid"))
	names, err = g.CollectionNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestSetCollectionMetadataUpdatesInPlace(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	row := CollectionRow{Name: "coll", ApplicationID: "app", StoragePlugin: "filestore", EncryptionPlugin: "filestore"}
	require.NoError(t, g.InsertCollection(ctx, row))

	row.StoragePlugin = "s3store"
	row.EncryptionPlugin = "s3store"
	row.LockKind = 2
	require.NoError(t, g.SetCollectionMetadata(ctx, row))

	got, err := g.GetCollection(ctx, "coll")
	require.NoError(t, err)
	require.Equal(t, "s3store", got.StoragePlugin)
	require.Equal(t, 2, got.LockKind)
}

func TestSecretLifecycle(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.InsertCollection(ctx, CollectionRow{Name: "coll", ApplicationID: "app"}))

	secret := SecretRow{
		CollectionName: "coll",
		HashedName:     "hash1",
		ApplicationID:  "app",
		StoragePlugin:  "filestore",
	}
	require.NoError(t, g.InsertSecret(ctx, secret))

	exists, err := g.SecretExists(ctx, "coll", "hash1")
	require.NoError(t, err)
	require.True(t, exists)

	got, err := g.GetSecret(ctx, "coll", "hash1")
	require.NoError(t, err)
	require.Equal(t, secret, got)

	names, err := g.HashedSecretNames(ctx, "coll")
	require.NoError(t, err)
	require.Equal(t, []string{"hash1"}, names)

	require.NoError(t, g.DeleteSecret(ctx, "coll", "hash1"))
	exists, err = g.SecretExists(ctx, "coll", "hash1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInsertSecretDuplicateFails(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, g.InsertCollection(ctx, CollectionRow{Name: "coll", ApplicationID: "app"}))

	secret := SecretRow{CollectionName: "coll", HashedName: "hash1", ApplicationID: "app"}
	require.NoError(t, g.InsertSecret(ctx, secret))
	err := g.InsertSecret(ctx, secret)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestDeleteSecretsInCollectionRemovesOnlyThatCollection(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, g.InsertCollection(ctx, CollectionRow{Name: "a", ApplicationID: "app"}))
	require.NoError(t, g.InsertCollection(ctx, CollectionRow{Name: "b", ApplicationID: "app"}))

	require.NoError(t, g.InsertSecret(ctx, SecretRow{CollectionName: "a", HashedName: "h1", ApplicationID: "app"}))
	require.NoError(t, g.InsertSecret(ctx, SecretRow{CollectionName: "a", HashedName: "h2", ApplicationID: "app"}))
	require.NoError(t, g.InsertSecret(ctx, SecretRow{CollectionName: "b", HashedName: "h3", ApplicationID: "app"}))

	require.NoError(t, g.DeleteSecretsInCollection(ctx, "a"))

	namesA, err := g.HashedSecretNames(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, namesA)

	namesB, err := g.HashedSecretNames(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, []string{"h3"}, namesB)
}

func TestCollectionExists(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	exists, err := g.CollectionExists(ctx, "coll")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, g.InsertCollection(ctx, CollectionRow{Name: "coll", ApplicationID: "app"}))
	exists, err = g.CollectionExists(ctx, "coll")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestStandaloneSecretsUseEmptyCollectionName(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.InsertSecret(ctx, SecretRow{CollectionName: "", HashedName: "standalone1", ApplicationID: "app"}))

	names, err := g.HashedSecretNames(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"standalone1"}, names)
}
