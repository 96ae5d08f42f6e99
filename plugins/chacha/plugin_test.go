package chacha

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonevault/secretsd/registry"
)

func TestCreateSetGetSecretRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := New("chacha")
	authCode := []byte("1234")

	require.NoError(t, p.CreateCollection(ctx, "coll", authCode))
	require.NoError(t, p.SetSecret(ctx, "coll", authCode, registry.SecretRecord{
		Key:      "hash1",
		Data:     []byte("top secret"),
		Filter:   map[string]string{"kind": "wifi"},
		Identity: "com.example.app",
	}))

	got, err := p.GetSecret(ctx, "coll", authCode, "hash1")
	require.NoError(t, err)
	require.Equal(t, []byte("top secret"), got.Data)
	require.Equal(t, "com.example.app", got.Identity)
	require.Equal(t, "wifi", got.Filter["kind"])
}

func TestGetSecretWrongAuthCodeFails(t *testing.T) {
	ctx := context.Background()
	p := New("chacha")
	require.NoError(t, p.CreateCollection(ctx, "coll", []byte("correct")))
	require.NoError(t, p.SetSecret(ctx, "coll", []byte("correct"), registry.SecretRecord{Key: "k", Data: []byte("v")}))

	_, err := p.GetSecret(ctx, "coll", []byte("wrong"), "k")
	require.Error(t, err)
}

func TestCreateCollectionTwiceFails(t *testing.T) {
	ctx := context.Background()
	p := New("chacha")
	require.NoError(t, p.CreateCollection(ctx, "coll", []byte("code")))
	err := p.CreateCollection(ctx, "coll", []byte("code"))
	require.Error(t, err)
}

func TestDeleteSecretRemovesIt(t *testing.T) {
	ctx := context.Background()
	p := New("chacha")
	code := []byte("code")
	require.NoError(t, p.CreateCollection(ctx, "coll", code))
	require.NoError(t, p.SetSecret(ctx, "coll", code, registry.SecretRecord{Key: "k", Data: []byte("v")}))
	require.NoError(t, p.DeleteSecret(ctx, "coll", code, "k"))

	_, err := p.GetSecret(ctx, "coll", code, "k")
	require.Error(t, err)
}

func TestDeleteCollectionRemovesEverything(t *testing.T) {
	ctx := context.Background()
	p := New("chacha")
	code := []byte("code")
	require.NoError(t, p.CreateCollection(ctx, "coll", code))
	require.NoError(t, p.DeleteCollection(ctx, "coll", code))

	err := p.CreateCollection(ctx, "coll", code)
	require.NoError(t, err, "collection name should be free again after delete")
}

func TestFindSecretsFiltersByAllOrAny(t *testing.T) {
	ctx := context.Background()
	p := New("chacha")
	code := []byte("code")
	require.NoError(t, p.CreateCollection(ctx, "coll", code))
	require.NoError(t, p.SetSecret(ctx, "coll", code, registry.SecretRecord{
		Key: "a", Data: []byte("1"), Filter: map[string]string{"type": "wifi", "band": "5g"},
	}))
	require.NoError(t, p.SetSecret(ctx, "coll", code, registry.SecretRecord{
		Key: "b", Data: []byte("2"), Filter: map[string]string{"type": "wifi", "band": "2g"},
	}))
	require.NoError(t, p.SetSecret(ctx, "coll", code, registry.SecretRecord{
		Key: "c", Data: []byte("3"), Filter: map[string]string{"type": "bluetooth"},
	}))

	wifiOnly, err := p.FindSecrets(ctx, "coll", code, map[string]string{"type": "wifi"}, true)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, wifiOnly)

	exact5g, err := p.FindSecrets(ctx, "coll", code, map[string]string{"type": "wifi", "band": "5g"}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, exact5g)

	anyMatch, err := p.FindSecrets(ctx, "coll", code, map[string]string{"band": "5g", "type": "bluetooth"}, false)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, anyMatch)
}

func TestReKeyPreservesSecretsUnderNewCode(t *testing.T) {
	ctx := context.Background()
	p := New("chacha")
	oldCode := []byte("old-pin")
	newCode := []byte("new-pin")

	require.NoError(t, p.CreateCollection(ctx, "coll", oldCode))
	require.NoError(t, p.SetSecret(ctx, "coll", oldCode, registry.SecretRecord{Key: "k", Data: []byte("value")}))

	require.NoError(t, p.ReKey(ctx, "coll", oldCode, newCode))

	_, err := p.GetSecret(ctx, "coll", oldCode, "k")
	require.Error(t, err, "old code should no longer unlock the collection")

	got, err := p.GetSecret(ctx, "coll", newCode, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got.Data)
}

func TestIsCollectionLockedReflectsExistence(t *testing.T) {
	ctx := context.Background()
	p := New("chacha")

	locked, err := p.IsCollectionLocked(ctx, "coll")
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, p.CreateCollection(ctx, "coll", []byte("code")))
	locked, err = p.IsCollectionLocked(ctx, "coll")
	require.NoError(t, err)
	require.False(t, locked)
}
