package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubStorage struct{ name string }

func (s *stubStorage) Name() string                                       { return s.name }
func (s *stubStorage) CreateCollection(ctx context.Context, c string) error { return nil }
func (s *stubStorage) DeleteCollection(ctx context.Context, c string) error { return nil }
func (s *stubStorage) SetSecret(ctx context.Context, c string, r SecretRecord) error {
	return nil
}
func (s *stubStorage) GetSecret(ctx context.Context, c, k string) (SecretRecord, error) {
	return SecretRecord{}, nil
}
func (s *stubStorage) DeleteSecret(ctx context.Context, c, k string) error { return nil }
func (s *stubStorage) FindSecrets(ctx context.Context, c string, filter map[string]string, matchAll bool) ([]string, error) {
	return nil, nil
}

type stubEncryption struct{ name string }

func (e *stubEncryption) Name() string { return e.name }
func (e *stubEncryption) DeriveKey(ctx context.Context, authCode, salt []byte) ([]byte, error) {
	return nil, nil
}
func (e *stubEncryption) Encrypt(ctx context.Context, key, plaintext []byte) ([]byte, error) {
	return nil, nil
}
func (e *stubEncryption) Decrypt(ctx context.Context, key, ciphertext []byte) ([]byte, error) {
	return nil, nil
}

type stubEncryptedStorage struct{ name string }

func (e *stubEncryptedStorage) Name() string { return e.name }
func (e *stubEncryptedStorage) CreateCollection(ctx context.Context, c string, authCode []byte) error {
	return nil
}
func (e *stubEncryptedStorage) DeleteCollection(ctx context.Context, c string, authCode []byte) error {
	return nil
}
func (e *stubEncryptedStorage) SetSecret(ctx context.Context, c string, authCode []byte, r SecretRecord) error {
	return nil
}
func (e *stubEncryptedStorage) GetSecret(ctx context.Context, c string, authCode []byte, k string) (SecretRecord, error) {
	return SecretRecord{}, nil
}
func (e *stubEncryptedStorage) DeleteSecret(ctx context.Context, c string, authCode []byte, k string) error {
	return nil
}
func (e *stubEncryptedStorage) FindSecrets(ctx context.Context, c string, authCode []byte, filter map[string]string, matchAll bool) ([]string, error) {
	return nil, nil
}
func (e *stubEncryptedStorage) ReKey(ctx context.Context, c string, oldCode, newCode []byte) error {
	return nil
}

func TestResolveStrategySplitPair(t *testing.T) {
	r := New()
	r.RegisterStorage(&stubStorage{name: "filestore"})
	r.RegisterEncryption(&stubEncryption{name: "chacha"})

	h, err := r.ResolveStrategy("filestore", "chacha")
	require.NoError(t, err)
	require.False(t, h.IsEncrypted())
	require.Equal(t, "filestore", h.Storage.Name())
	require.Equal(t, "chacha", h.Encryption.Name())
}

func TestResolveStrategyEncryptedByNameEquality(t *testing.T) {
	r := New()
	r.RegisterEncryptedStorage(&stubEncryptedStorage{name: "chacha"})

	h, err := r.ResolveStrategy("chacha", "chacha")
	require.NoError(t, err)
	require.True(t, h.IsEncrypted())
	require.Equal(t, "chacha", h.Encrypted.Name())
}

func TestResolveStrategyUnknownEncryptedStorage(t *testing.T) {
	r := New()
	_, err := r.ResolveStrategy("missing", "missing")
	require.Error(t, err)
	var unknown *ErrUnknownPlugin
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, KindEncryptedStorage, unknown.Kind)
}

func TestResolveStrategyUnknownStorageOrEncryption(t *testing.T) {
	r := New()
	r.RegisterEncryption(&stubEncryption{name: "chacha"})

	_, err := r.ResolveStrategy("filestore", "chacha")
	var unknown *ErrUnknownPlugin
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, KindStorage, unknown.Kind)

	r.RegisterStorage(&stubStorage{name: "filestore"})
	_, err = r.ResolveStrategy("filestore", "missing-encryption")
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, KindEncryption, unknown.Kind)
}

func TestAuthenticationLookup(t *testing.T) {
	r := New()
	_, err := r.Authentication("termauth")
	require.Error(t, err)

	r.RegisterAuthentication(&stubAuthPluginForRegistry{name: "termauth"})
	p, err := r.Authentication("termauth")
	require.NoError(t, err)
	require.Equal(t, "termauth", p.Name())
}

type stubAuthPluginForRegistry struct{ name string }

func (s *stubAuthPluginForRegistry) Name() string { return s.name }
func (s *stubAuthPluginForRegistry) BeginAuthentication(ctx context.Context, prompt AuthenticationPrompt) (string, error) {
	return "id", nil
}
func (s *stubAuthPluginForRegistry) InteractionTimeout() time.Duration { return 0 }
