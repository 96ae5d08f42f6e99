// Package filestore implements a split-strategy StoragePlugin (§6) over
// the local filesystem: it stores whatever bytes it is given (already
// encrypted by a paired EncryptionPlugin) one file per secret, under one
// directory per collection.
//
// Writes go through a temp-file-then-rename so a crash mid-write never
// leaves a partial secret behind, files and directories are created
// 0600/0700, and each collection gets its own subdirectory under one
// base path.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/keystonevault/secretsd/internal/misc"
	"github.com/keystonevault/secretsd/registry"
)

// Plugin is a StoragePlugin rooted at a base directory:
// <base>/<collection>/<hashedName>.secret holds ciphertext,
// <base>/<collection>/<hashedName>.meta holds the JSON-encoded filter
// and identity used by FindSecrets.
type Plugin struct {
	name string
	base string
}

// New returns a Plugin registered under name, rooted at base. base is
// created on first use rather than at construction time, matching the
// teacher's lazy-directory-creation pattern.
func New(name, base string) *Plugin {
	return &Plugin{name: name, base: base}
}

func (p *Plugin) Name() string { return p.name }

type secretMeta struct {
	Filter   map[string]string `json:"filter,omitempty"`
	Identity string            `json:"identity,omitempty"`
}

func (p *Plugin) collectionDir(collection string) (string, error) {
	if strings.ContainsAny(collection, "/\\\x00") {
		return "", fmt.Errorf("filestore: invalid collection name %q", collection)
	}
	return filepath.Join(p.base, collection), nil
}

func (p *Plugin) CreateCollection(ctx context.Context, collection string) error {
	dir, err := p.collectionDir(collection)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("filestore: collection %q already exists", collection)
	}
	return os.MkdirAll(dir, misc.DirPermissions)
}

func (p *Plugin) DeleteCollection(ctx context.Context, collection string) error {
	dir, err := p.collectionDir(collection)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("filestore: collection %q does not exist", collection)
	}
	return os.RemoveAll(dir)
}

func (p *Plugin) SetSecret(ctx context.Context, collection string, record registry.SecretRecord) error {
	dir, err := p.collectionDir(collection)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
		return fmt.Errorf("filestore: preparing collection %q: %w", collection, err)
	}

	if err := writeSecureFile(secretPath(dir, record.Key), record.Data); err != nil {
		return fmt.Errorf("filestore: writing secret %q: %w", record.Key, err)
	}

	meta, err := json.Marshal(secretMeta{Filter: record.Filter, Identity: record.Identity})
	if err != nil {
		return fmt.Errorf("filestore: encoding metadata for %q: %w", record.Key, err)
	}
	if err := writeSecureFile(metaPath(dir, record.Key), meta); err != nil {
		return fmt.Errorf("filestore: writing metadata for %q: %w", record.Key, err)
	}
	return nil
}

func (p *Plugin) GetSecret(ctx context.Context, collection, key string) (registry.SecretRecord, error) {
	dir, err := p.collectionDir(collection)
	if err != nil {
		return registry.SecretRecord{}, err
	}
	data, err := os.ReadFile(secretPath(dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return registry.SecretRecord{}, fmt.Errorf("filestore: secret %q not found", key)
		}
		return registry.SecretRecord{}, fmt.Errorf("filestore: reading secret %q: %w", key, err)
	}
	m, _ := readMeta(dir, key)
	return registry.SecretRecord{Key: key, Data: data, Filter: m.Filter, Identity: m.Identity}, nil
}

func (p *Plugin) DeleteSecret(ctx context.Context, collection, key string) error {
	dir, err := p.collectionDir(collection)
	if err != nil {
		return err
	}
	if err := os.Remove(secretPath(dir, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: deleting secret %q: %w", key, err)
	}
	_ = os.Remove(metaPath(dir, key))
	return nil
}

func (p *Plugin) FindSecrets(ctx context.Context, collection string, filter map[string]string, matchAll bool) ([]string, error) {
	dir, err := p.collectionDir(collection)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: listing collection %q: %w", collection, err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".secret") {
			continue
		}
		key := strings.TrimSuffix(name, ".secret")
		m, _ := readMeta(dir, key)
		if matchesFilter(m.Filter, filter, matchAll) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func secretPath(dir, key string) string { return filepath.Join(dir, key+".secret") }
func metaPath(dir, key string) string   { return filepath.Join(dir, key+".meta") }

func readMeta(dir, key string) (secretMeta, error) {
	raw, err := os.ReadFile(metaPath(dir, key))
	if err != nil {
		return secretMeta{}, err
	}
	var m secretMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return secretMeta{}, err
	}
	return m, nil
}

func matchesFilter(have, want map[string]string, matchAll bool) bool {
	if len(want) == 0 {
		return true
	}
	matched := 0
	for k, v := range want {
		if have[k] == v {
			matched++
		}
	}
	if matchAll {
		return matched == len(want)
	}
	return matched > 0
}

// writeSecureFile writes data via a temp file in the same directory
// followed by an atomic rename, so a crash mid-write never leaves a
// partially-written secret in place.
func writeSecureFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, misc.FilePermissions); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
