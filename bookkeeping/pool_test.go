package bookkeeping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenPoolRequiresPath(t *testing.T) {
	_, err := OpenPool(PoolConfig{})
	require.Error(t, err)
}

func TestOpenPoolCreatesSchema(t *testing.T) {
	pool, err := OpenPool(PoolConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	defer pool.Put(conn)

	require.NotNil(t, conn)
}

func TestTakePutRoundTrip(t *testing.T) {
	pool, err := OpenPool(PoolConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	require.NoError(t, err)
	pool.Put(conn)

	// The single in-memory connection should be reusable after Put.
	conn2, err := pool.Take(context.Background())
	require.NoError(t, err)
	pool.Put(conn2)
}
