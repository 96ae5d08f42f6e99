package bookkeeping

import (
	"context"
	"errors"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("bookkeeping: not found")

// ErrAlreadyExists is returned by inserts that collide with an existing
// primary key.
var ErrAlreadyExists = errors.New("bookkeeping: already exists")

// CollectionRow is the bookkeeping record for one collection (§3).
type CollectionRow struct {
	Name              string
	ApplicationID     string
	StoragePlugin     string
	EncryptionPlugin  string
	AuthPlugin        string
	LockKind          int
	UnlockSemantic    int
	CustomLockTimeout int64 // nanoseconds
	AccessControl     int
	CreatedAt         int64 // unix seconds
}

// SecretRow is the bookkeeping record for one secret, either belonging
// to a collection or standalone (CollectionName == "").
type SecretRow struct {
	CollectionName    string
	HashedName        string
	ApplicationID     string
	LockKind          int
	StoragePlugin     string
	EncryptionPlugin  string
	AuthPlugin        string
	UnlockSemantic    int
	CustomLockTimeout int64
	AccessControl     int
	CreatedAt         int64
}

// Gateway is the Bookkeeping Gateway (§4.2): every read or write of
// collection/secret metadata goes through it, and its Insert*/Cleanup*
// method pairs encode the ordering contract §4.2 requires — insert
// bookkeeping before calling the plugin to create, and destroy the
// plugin's copy before deleting bookkeeping — so a crash between the two
// steps always leaves the bookkeeping row as the side that lags, never
// the side that's missing.
//
// Grounded on bureau-foundation-bureau's Store type (cmd/bureau-
// telemetry-service/store.go): a *sqlitepool.Pool-backed store exposing
// narrow, single-purpose methods around sqlitex.Execute, adapted here to
// this module's own bookkeeping/pool.go and to a relational schema the
// teacher's byte-blob persist.Store interface doesn't have.
type Gateway struct {
	pool *Pool
}

// NewGateway wraps an already-open Pool.
func NewGateway(pool *Pool) *Gateway {
	return &Gateway{pool: pool}
}

func (g *Gateway) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := g.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer g.pool.Put(conn)
	return fn(conn)
}

// InsertCollection inserts a new collection row. It must be called
// before the corresponding plugin CreateCollection call (§4.2's create
// ordering contract): if the plugin call then fails, the caller must
// call CleanupInsertCollection to remove this row again.
func (g *Gateway) InsertCollection(ctx context.Context, row CollectionRow) error {
	return g.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO collections
				(name, application_id, storage_plugin, encryption_plugin,
				 auth_plugin, lock_kind, unlock_semantic,
				 custom_lock_timeout, access_control, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				row.Name, row.ApplicationID, row.StoragePlugin, row.EncryptionPlugin,
				row.AuthPlugin, row.LockKind, row.UnlockSemantic,
				row.CustomLockTimeout, row.AccessControl, row.CreatedAt,
			}})
		if isUniqueConstraint(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

// CleanupInsertCollection removes a collection row inserted by
// InsertCollection whose paired plugin CreateCollection call failed.
func (g *Gateway) CleanupInsertCollection(ctx context.Context, name string) error {
	return g.deleteCollectionRow(ctx, name)
}

// CleanupDeleteCollection removes a collection row after its paired
// plugin DeleteCollection call has succeeded (§4.2's delete ordering
// contract: plugin destroy happens first, bookkeeping delete second).
func (g *Gateway) CleanupDeleteCollection(ctx context.Context, name string) error {
	return g.deleteCollectionRow(ctx, name)
}

func (g *Gateway) deleteCollectionRow(ctx context.Context, name string) error {
	return g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM collections WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{name}})
	})
}

// GetCollection looks up a collection's metadata.
func (g *Gateway) GetCollection(ctx context.Context, name string) (CollectionRow, error) {
	var row CollectionRow
	found := false
	err := g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT name, application_id, storage_plugin, encryption_plugin,
			       auth_plugin, lock_kind, unlock_semantic,
			       custom_lock_timeout, access_control, created_at
			FROM collections WHERE name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					row = CollectionRow{
						Name:              stmt.ColumnText(0),
						ApplicationID:     stmt.ColumnText(1),
						StoragePlugin:     stmt.ColumnText(2),
						EncryptionPlugin:  stmt.ColumnText(3),
						AuthPlugin:        stmt.ColumnText(4),
						LockKind:          stmt.ColumnInt(5),
						UnlockSemantic:    stmt.ColumnInt(6),
						CustomLockTimeout: stmt.ColumnInt64(7),
						AccessControl:     stmt.ColumnInt(8),
						CreatedAt:         stmt.ColumnInt64(9),
					}
					return nil
				},
			})
	})
	if err != nil {
		return CollectionRow{}, err
	}
	if !found {
		return CollectionRow{}, ErrNotFound
	}
	return row, nil
}

// CollectionNames returns every collection name in the bookkeeping
// database, per §4.7's collectionNames operation.
func (g *Gateway) CollectionNames(ctx context.Context) ([]string, error) {
	var names []string
	err := g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT name FROM collections ORDER BY name`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					names = append(names, stmt.ColumnText(0))
					return nil
				},
			})
	})
	return names, err
}

// SetCollectionMetadata rewrites a collection's mutable metadata (§4.10
// lock-code re-key operations update plugin names and lock kind; nothing
// else about a collection is ever mutated in place).
func (g *Gateway) SetCollectionMetadata(ctx context.Context, row CollectionRow) error {
	return g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			UPDATE collections SET
				application_id = ?, storage_plugin = ?, encryption_plugin = ?,
				auth_plugin = ?, lock_kind = ?, unlock_semantic = ?,
				custom_lock_timeout = ?, access_control = ?
			WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{
				row.ApplicationID, row.StoragePlugin, row.EncryptionPlugin,
				row.AuthPlugin, row.LockKind, row.UnlockSemantic,
				row.CustomLockTimeout, row.AccessControl, row.Name,
			}})
	})
}

// InsertSecret inserts a secret row, called before the paired plugin
// SetSecret call.
func (g *Gateway) InsertSecret(ctx context.Context, row SecretRow) error {
	return g.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO secrets
				(collection_name, hashed_name, application_id, lock_kind,
				 storage_plugin, encryption_plugin, auth_plugin,
				 unlock_semantic, custom_lock_timeout, access_control, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				row.CollectionName, row.HashedName, row.ApplicationID, row.LockKind,
				row.StoragePlugin, row.EncryptionPlugin, row.AuthPlugin,
				row.UnlockSemantic, row.CustomLockTimeout, row.AccessControl, row.CreatedAt,
			}})
		if isUniqueConstraint(err) {
			return ErrAlreadyExists
		}
		return err
	})
}

// DeleteSecret removes a secret row, called after the paired plugin
// DeleteSecret call succeeds.
func (g *Gateway) DeleteSecret(ctx context.Context, collection, hashedName string) error {
	return g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM secrets WHERE collection_name = ? AND hashed_name = ?`,
			&sqlitex.ExecOptions{Args: []any{collection, hashedName}})
	})
}

// DeleteSecretsInCollection removes every secret row for a collection,
// used by deleteCollection after the plugin has torn down its own
// storage for the whole collection.
func (g *Gateway) DeleteSecretsInCollection(ctx context.Context, collection string) error {
	return g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM secrets WHERE collection_name = ?`,
			&sqlitex.ExecOptions{Args: []any{collection}})
	})
}

// GetSecret looks up one secret's metadata.
func (g *Gateway) GetSecret(ctx context.Context, collection, hashedName string) (SecretRow, error) {
	var row SecretRow
	found := false
	err := g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT collection_name, hashed_name, application_id, lock_kind,
			       storage_plugin, encryption_plugin, auth_plugin,
			       unlock_semantic, custom_lock_timeout, access_control, created_at
			FROM secrets WHERE collection_name = ? AND hashed_name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{collection, hashedName},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					row = SecretRow{
						CollectionName:    stmt.ColumnText(0),
						HashedName:        stmt.ColumnText(1),
						ApplicationID:     stmt.ColumnText(2),
						LockKind:          stmt.ColumnInt(3),
						StoragePlugin:     stmt.ColumnText(4),
						EncryptionPlugin:  stmt.ColumnText(5),
						AuthPlugin:        stmt.ColumnText(6),
						UnlockSemantic:    stmt.ColumnInt(7),
						CustomLockTimeout: stmt.ColumnInt64(8),
						AccessControl:     stmt.ColumnInt(9),
						CreatedAt:         stmt.ColumnInt64(10),
					}
					return nil
				},
			})
	})
	if err != nil {
		return SecretRow{}, err
	}
	if !found {
		return SecretRow{}, ErrNotFound
	}
	return row, nil
}

// HashedSecretNames returns every hashed secret name in a collection
// (or, when collection is "", every standalone secret), per §4.7/§4.8's
// hashedSecretNames operation.
func (g *Gateway) HashedSecretNames(ctx context.Context, collection string) ([]string, error) {
	var names []string
	err := g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT hashed_name FROM secrets WHERE collection_name = ? ORDER BY hashed_name`,
			&sqlitex.ExecOptions{
				Args: []any{collection},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					names = append(names, stmt.ColumnText(0))
					return nil
				},
			})
	})
	return names, err
}

// SecretExists reports whether a bookkeeping row exists for
// (collection, hashedName), without fetching the whole row.
func (g *Gateway) SecretExists(ctx context.Context, collection, hashedName string) (bool, error) {
	exists := false
	err := g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT 1 FROM secrets WHERE collection_name = ? AND hashed_name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{collection, hashedName},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					exists = true
					return nil
				},
			})
	})
	return exists, err
}

// CollectionExists reports whether a collection is registered.
func (g *Gateway) CollectionExists(ctx context.Context, name string) (bool, error) {
	exists := false
	err := g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT 1 FROM collections WHERE name = ?`,
			&sqlitex.ExecOptions{
				Args: []any{name},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					exists = true
					return nil
				},
			})
	})
	return exists, err
}

// DatabaseVerifier is an encrypted sentinel value that lets a candidate
// database lock code be checked without ever persisting the code
// itself (§4.10's modifyLockCode "verify the old code against the
// current state").
type DatabaseVerifier struct {
	Salt       []byte
	Ciphertext []byte
}

// GetDatabaseVerifier returns the current verifier, or ErrNotFound if
// the database's lock code has never been set through modifyLockCode
// or forgetLockCode.
func (g *Gateway) GetDatabaseVerifier(ctx context.Context) (DatabaseVerifier, error) {
	var v DatabaseVerifier
	found := false
	err := g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT salt, ciphertext FROM database_verifier WHERE id = 1`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					v.Salt = make([]byte, stmt.ColumnLen(0))
					stmt.ColumnBytes(0, v.Salt)
					v.Ciphertext = make([]byte, stmt.ColumnLen(1))
					stmt.ColumnBytes(1, v.Ciphertext)
					return nil
				},
			})
	})
	if err != nil {
		return DatabaseVerifier{}, err
	}
	if !found {
		return DatabaseVerifier{}, ErrNotFound
	}
	return v, nil
}

// SetDatabaseVerifier replaces the stored verifier, called whenever the
// database lock code is established, re-keyed, or forgotten.
func (g *Gateway) SetDatabaseVerifier(ctx context.Context, v DatabaseVerifier) error {
	return g.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO database_verifier (id, salt, ciphertext) VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET salt = excluded.salt, ciphertext = excluded.ciphertext`,
			&sqlitex.ExecOptions{Args: []any{v.Salt, v.Ciphertext}})
	})
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey
}
