package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverline-labs/tenor/core/pkg/storage"
	"github.com/riverline-labs/tenor/core/pkg/storage/conformance"
)

func TestSQLiteConformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) storage.Store {
		path := filepath.Join(t.TempDir(), "tenor.db")
		s, err := storage.OpenSQLite(context.Background(), path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteReopenSeesCommittedState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tenor.db")

	s, err := storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	snap, err := s.BeginSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.InitializeEntity(ctx, snap, "Order", "order-1", "draft"))
	_, err = s.UpdateEntityState(ctx, snap, "Order", "order-1", 0, "submitted", "flow-1", "op-1")
	require.NoError(t, err)
	require.NoError(t, s.CommitSnapshot(ctx, snap))
	require.NoError(t, s.Close())

	reopened, err := storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	rec, err := reopened.GetEntityState(ctx, "Order", "order-1")
	require.NoError(t, err)
	require.Equal(t, storage.EntityStateRecord{State: "submitted", Version: 1}, rec)
}
