package bookkeeping

// schemaDDL creates the bookkeeping database's two tables (§4.2, §3):
// collections, and the secrets that belong either to a collection or to
// the reserved standalone namespace (collection_name = '').
const schemaDDL = `
CREATE TABLE IF NOT EXISTS collections (
	name                TEXT PRIMARY KEY,
	application_id      TEXT NOT NULL,
	storage_plugin      TEXT NOT NULL,
	encryption_plugin   TEXT NOT NULL,
	auth_plugin         TEXT NOT NULL,
	lock_kind           INTEGER NOT NULL,
	unlock_semantic     INTEGER NOT NULL,
	custom_lock_timeout INTEGER NOT NULL DEFAULT 0,
	access_control      INTEGER NOT NULL,
	created_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS secrets (
	collection_name     TEXT NOT NULL,
	hashed_name         TEXT NOT NULL,
	application_id      TEXT NOT NULL,
	lock_kind           INTEGER NOT NULL,
	storage_plugin      TEXT NOT NULL,
	encryption_plugin   TEXT NOT NULL,
	auth_plugin         TEXT NOT NULL,
	unlock_semantic     INTEGER NOT NULL,
	custom_lock_timeout INTEGER NOT NULL DEFAULT 0,
	access_control      INTEGER NOT NULL,
	created_at          INTEGER NOT NULL,
	PRIMARY KEY (collection_name, hashed_name)
);

CREATE INDEX IF NOT EXISTS secrets_by_collection ON secrets (collection_name);

CREATE TABLE IF NOT EXISTS database_verifier (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	salt       BLOB NOT NULL,
	ciphertext BLOB NOT NULL
);
`
