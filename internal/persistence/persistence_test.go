package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltBackendMutateAndGetStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenBolt(filepath.Join(dir, "node.db"))
	require.NoError(t, err)
	defer backend.Close()

	ctx := context.Background()

	err = backend.Mutate(ctx, Batch{
		{Bucket: "friends", Key: []byte("alice"), Value: []byte("v1")},
		{Bucket: "friends", Key: []byte("bob"), Value: []byte("v2")},
	})
	require.NoError(t, err)

	snap, err := backend.GetState(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), snap["friends"]["alice"])
	require.Equal(t, []byte("v2"), snap["friends"]["bob"])
}

func TestBoltBackendDeleteRemovesKey(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenBolt(filepath.Join(dir, "node.db"))
	require.NoError(t, err)
	defer backend.Close()

	ctx := context.Background()
	require.NoError(t, backend.Mutate(ctx, Batch{
		{Bucket: "friends", Key: []byte("alice"), Value: []byte("v1")},
	}))
	require.NoError(t, backend.Mutate(ctx, Batch{
		{Bucket: "friends", Key: []byte("alice"), Delete: true},
	}))

	snap, err := backend.GetState(ctx)
	require.NoError(t, err)
	_, ok := snap["friends"]["alice"]
	require.False(t, ok)
}

func TestBoltBackendBatchIsAtomicOnBadBucketName(t *testing.T) {
	dir := t.TempDir()
	backend, err := OpenBolt(filepath.Join(dir, "node.db"))
	require.NoError(t, err)
	defer backend.Close()

	ctx := context.Background()
	// An empty bucket name is rejected by bbolt; the whole batch, including
	// the otherwise-valid first mutation, must not land.
	err = backend.Mutate(ctx, Batch{
		{Bucket: "friends", Key: []byte("alice"), Value: []byte("v1")},
		{Bucket: "", Key: []byte("x"), Value: []byte("y")},
	})
	require.Error(t, err)

	snap, err := backend.GetState(ctx)
	require.NoError(t, err)
	require.Empty(t, snap["friends"])
}

func TestApplyToSnapshotHandlesMixedOps(t *testing.T) {
	snap := make(Snapshot)
	applyToSnapshot(snap, Batch{
		{Bucket: "b", Key: []byte("k1"), Value: []byte("v1")},
		{Bucket: "b", Key: []byte("k2"), Value: []byte("v2")},
	})
	applyToSnapshot(snap, Batch{
		{Bucket: "b", Key: []byte("k1"), Delete: true},
	})

	_, ok := snap["b"]["k1"]
	require.False(t, ok)
	require.Equal(t, []byte("v2"), snap["b"]["k2"])
}
