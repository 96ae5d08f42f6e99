package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the Plugin Registry (§4.1): a lookup from plugin name to
// the capability handle implementing it, plus the strategy computation
// that decides whether a (storage-plugin, encryption-plugin) pair names
// one EncryptedStoragePlugin or two separate plugins.
//
// A plugin registry is an in-process map keyed by (kind, name); it
// stays on stdlib sync rather than reaching for a service-discovery
// library, since lookups never leave the process.
type Registry struct {
	mu sync.RWMutex

	storage      map[string]StoragePlugin
	encryption   map[string]EncryptionPlugin
	encStorage   map[string]EncryptedStoragePlugin
	authenticate map[string]AuthenticationPlugin
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		storage:      make(map[string]StoragePlugin),
		encryption:   make(map[string]EncryptionPlugin),
		encStorage:   make(map[string]EncryptedStoragePlugin),
		authenticate: make(map[string]AuthenticationPlugin),
	}
}

// RegisterStorage registers a Storage plugin under its own name.
func (r *Registry) RegisterStorage(p StoragePlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage[p.Name()] = p
}

// RegisterEncryption registers an Encryption plugin under its own name.
func (r *Registry) RegisterEncryption(p EncryptionPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encryption[p.Name()] = p
}

// RegisterEncryptedStorage registers a combined plugin. Its name occupies
// both the storage and encryption namespaces, which is what lets a
// caller name the same plugin for both StoragePlugin and
// EncryptionPlugin fields and have Strategy resolve to StrategyEncrypted.
func (r *Registry) RegisterEncryptedStorage(p EncryptedStoragePlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encStorage[p.Name()] = p
}

// RegisterAuthentication registers an Authentication plugin.
func (r *Registry) RegisterAuthentication(p AuthenticationPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authenticate[p.Name()] = p
}

// ErrUnknownPlugin is wrapped into every lookup failure so callers can
// map it to the InvalidExtensionPlugin result code.
type ErrUnknownPlugin struct {
	Kind StorageKind
	Name string
}

func (e *ErrUnknownPlugin) Error() string {
	return fmt.Sprintf("registry: no %s plugin named %q", e.Kind, e.Name)
}

// ResolveStrategy resolves the storage/encryption plugin name pair for a
// collection or secret into either a single EncryptedStoragePlugin
// handle or a (StoragePlugin, EncryptionPlugin) pair, per §9's strategy
// discriminator: the name-equality test is now made once, here, instead
// of scattered across every operation.
func (r *Registry) ResolveStrategy(storageName, encryptionName string) (StrategyHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if storageName == encryptionName {
		if p, ok := r.encStorage[storageName]; ok {
			return StrategyHandle{Encrypted: p}, nil
		}
		return StrategyHandle{}, &ErrUnknownPlugin{Kind: KindEncryptedStorage, Name: storageName}
	}

	sp, ok := r.storage[storageName]
	if !ok {
		return StrategyHandle{}, &ErrUnknownPlugin{Kind: KindStorage, Name: storageName}
	}
	ep, ok := r.encryption[encryptionName]
	if !ok {
		return StrategyHandle{}, &ErrUnknownPlugin{Kind: KindEncryption, Name: encryptionName}
	}
	return StrategyHandle{Storage: sp, Encryption: ep}, nil
}

// Authentication resolves an authentication plugin by name.
func (r *Registry) Authentication(name string) (AuthenticationPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.authenticate[name]
	if !ok {
		return nil, &ErrUnknownPlugin{Kind: KindAuthentication, Name: name}
	}
	return p, nil
}

// PluginDescriptor names one registered plugin and the capability kind
// it was registered under, returned by PluginInfo per §6's
// getPluginInfo getter.
type PluginDescriptor struct {
	Name string
	Kind StorageKind
}

// PluginInfo lists every registered plugin across all four capability
// maps, sorted by kind then name so callers get a stable ordering
// (§4.1, §6's "getPluginInfo → lists of plugin descriptors per kind").
func (r *Registry) PluginInfo() []PluginDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]PluginDescriptor, 0, len(r.storage)+len(r.encryption)+len(r.encStorage)+len(r.authenticate))
	for name := range r.storage {
		descriptors = append(descriptors, PluginDescriptor{Name: name, Kind: KindStorage})
	}
	for name := range r.encryption {
		descriptors = append(descriptors, PluginDescriptor{Name: name, Kind: KindEncryption})
	}
	for name := range r.encStorage {
		descriptors = append(descriptors, PluginDescriptor{Name: name, Kind: KindEncryptedStorage})
	}
	for name := range r.authenticate {
		descriptors = append(descriptors, PluginDescriptor{Name: name, Kind: KindAuthentication})
	}

	sort.Slice(descriptors, func(i, j int) bool {
		if descriptors[i].Kind != descriptors[j].Kind {
			return descriptors[i].Kind < descriptors[j].Kind
		}
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors
}

// StrategyHandle is the resolved runtime counterpart of secretsd.Strategy:
// exactly one of Encrypted or the (Storage, Encryption) pair is set.
type StrategyHandle struct {
	Encrypted  EncryptedStoragePlugin
	Storage    StoragePlugin
	Encryption EncryptionPlugin
}

// IsEncrypted reports whether this handle names a combined plugin.
func (h StrategyHandle) IsEncrypted() bool { return h.Encrypted != nil }
