package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Set(ctx, []byte("a"), []byte("1")))
	v, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	require.NoError(t, s.Delete(ctx, []byte("a")))
	_, err = s.Get(ctx, []byte("a"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_TxIsolationAndCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Set(ctx, []byte("k"), []byte("orig")))

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, []byte("k"), []byte("new")))

	// store is unaffected until commit
	v, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "orig", string(v))

	require.NoError(t, tx.Commit())
	v, err = s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(v))
}

func TestMemStore_TxRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, []byte("k"), []byte("v")))
	require.NoError(t, tx.Rollback())
	_, err = s.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_Migrate(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	applied := 0
	migs := []Migration{
		{Version: 1, Name: "init", Apply: func(ctx context.Context, tx Tx) error {
			applied++
			return tx.Set(ctx, []byte("schema:offers"), []byte("v1"))
		}},
		{Version: 2, Name: "add-index", Apply: func(ctx context.Context, tx Tx) error {
			applied++
			return nil
		}},
	}
	require.NoError(t, s.Migrate(ctx, migs))
	assert.Equal(t, 2, applied)

	// re-running is a no-op
	require.NoError(t, s.Migrate(ctx, migs))
	assert.Equal(t, 2, applied)
}

func TestMemStore_IteratorPrefixOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Set(ctx, []byte("offer:b"), []byte("2")))
	require.NoError(t, s.Set(ctx, []byte("offer:a"), []byte("1")))
	require.NoError(t, s.Set(ctx, []byte("demand:a"), []byte("x")))

	it := s.Iterator(ctx, []byte("offer:"))
	defer it.Close()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"offer:a", "offer:b"}, keys)
}
