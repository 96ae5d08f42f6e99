package misc

const (
	// ArgonTime and friends are the Argon2id parameters used to derive keys
	// from authentication codes supplied by the interaction broker.
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 32

	// PBKDF2Iterations is used by the fallback KDF path for plugins that
	// request PBKDF2 rather than Argon2id.
	PBKDF2Iterations = 100000

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)

// ReservedStandaloneCollectionName is the collection name reserved for
// secrets that do not belong to any collection. Matching is
// case-insensitive; see IsReservedCollectionName.
const ReservedStandaloneCollectionName = "standalone"

// AutotestPluginSuffix is appended to an authentication plugin name when
// the daemon is running in autotest mode, so tests never hit a real
// interactive prompt plugin.
const AutotestPluginSuffix = ".test"
