package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverline-labs/tenor/core/pkg/storage"
	"github.com/riverline-labs/tenor/core/pkg/storage/conformance"
)

func TestMemoryConformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

// After init (version 0) and a successful update to "submitted"
// (version 1), re-running the update with the stale expected version 0
// must conflict and leave the store unchanged.
func TestMemoryStaleVersionScenario(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()

	snap, err := s.BeginSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, s.InitializeEntity(ctx, snap, "Order", storage.DefaultInstance, "draft"))
	require.NoError(t, s.CommitSnapshot(ctx, snap))

	snap, err = s.BeginSnapshot(ctx)
	require.NoError(t, err)
	newVersion, err := s.UpdateEntityState(ctx, snap, "Order", storage.DefaultInstance, 0, "submitted", "flow-1", "op-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), newVersion)
	require.NoError(t, s.CommitSnapshot(ctx, snap))

	snap, err = s.BeginSnapshot(ctx)
	require.NoError(t, err)
	_, err = s.UpdateEntityState(ctx, snap, "Order", storage.DefaultInstance, 0, "approved", "flow-2", "op-2")
	var conflict *storage.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(0), conflict.ExpectedVersion)

	rec, err := s.GetEntityState(ctx, "Order", storage.DefaultInstance)
	require.NoError(t, err)
	assert.Equal(t, storage.EntityStateRecord{State: "submitted", Version: 1}, rec)
}

// Every successful update moves the version from v to exactly v+1, and
// every update with a wrong expected version conflicts without change.
func TestMemoryVersionMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("versions increment by exactly one", prop.ForAll(
		func(updateCount uint8, wrongOffset int64) bool {
			ctx := context.Background()
			s := storage.NewMemoryStore()

			snap, err := s.BeginSnapshot(ctx)
			if err != nil {
				return false
			}
			if err := s.InitializeEntity(ctx, snap, "E", "i", "s0"); err != nil {
				return false
			}
			if err := s.CommitSnapshot(ctx, snap); err != nil {
				return false
			}

			n := int64(updateCount % 20)
			for v := int64(0); v < n; v++ {
				snap, err := s.BeginSnapshot(ctx)
				if err != nil {
					return false
				}
				newVersion, err := s.UpdateEntityState(ctx, snap, "E", "i", v, "s", "f", "o")
				if err != nil || newVersion != v+1 {
					return false
				}
				if err := s.CommitSnapshot(ctx, snap); err != nil {
					return false
				}
			}

			rec, err := s.GetEntityState(ctx, "E", "i")
			if err != nil || rec.Version != n {
				return false
			}

			// A wrong expected version never mutates the store.
			wrong := n + 1 + (wrongOffset&0xff)
			snap2, err := s.BeginSnapshot(ctx)
			if err != nil {
				return false
			}
			_, err = s.UpdateEntityState(ctx, snap2, "E", "i", wrong, "bogus", "f", "o")
			var conflict *storage.ConflictError
			if !errors.As(err, &conflict) || conflict.ExpectedVersion != wrong {
				return false
			}
			after, err := s.GetEntityState(ctx, "E", "i")
			return err == nil && after.Version == n
		},
		gen.UInt8(),
		gen.Int64Range(0, 1<<30),
	))

	properties.TestingRun(t)
}
