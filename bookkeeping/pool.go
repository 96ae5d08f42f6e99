// Package bookkeeping implements the Bookkeeping Gateway (§4.2): the
// daemon's single source of truth for which collections and secrets
// exist, backed by SQLite, with the strict insert/create and
// destroy/delete ordering §4.2 requires so a crash between the
// bookkeeping write and the plugin call never leaves the two disagreeing
// silently.
package bookkeeping

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// PoolConfig holds the parameters for opening the bookkeeping database's
// connection pool.
//
// Grounded on bureau-foundation-bureau/lib/sqlitepool/pool.go: same
// pragma set and Take/Put/Close shape, adapted to this module's logger
// (zap, per the ambient stack) instead of log/slog, and with schema
// creation wired through OnConnect rather than left to the caller.
type PoolConfig struct {
	// Path is the database file path, or ":memory:" for tests. An
	// in-memory database must use PoolSize 1: each in-memory connection
	// is otherwise an independent, empty database.
	Path string

	// PoolSize defaults to max(runtime.NumCPU(), 4) when zero.
	PoolSize int

	Logger *zap.Logger
}

// Pool wraps a sqlitex.Pool with the daemon's standard pragmas and
// schema.
type Pool struct {
	inner  *sqlitex.Pool
	logger *zap.Logger
	path   string
}

// OpenPool opens the bookkeeping database, creating its schema on first
// connection if necessary.
func OpenPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bookkeeping: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	uri := cfg.Path
	if cfg.Path == ":memory:" {
		poolSize = 1
		uri = "file::memory:?mode=memory&cache=shared"
	}

	inner, err := sqlitex.NewPool(uri, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bookkeeping: opening %s: %w", cfg.Path, err)
	}

	logger.Info("bookkeeping pool opened", zap.String("path", cfg.Path), zap.Int("pool_size", poolSize))

	return &Pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection, blocking until one is free or ctx is done.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("bookkeeping: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Close closes every connection in the pool.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("bookkeeping: closing %s: %w", p.path, err)
	}
	p.logger.Info("bookkeeping pool closed", zap.String("path", p.path))
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("bookkeeping: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schemaDDL, nil)
}
