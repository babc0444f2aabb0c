// Package conformance is the executable contract for Store
// implementations. Every store — in-memory, SQLite, Postgres — must pass
// the same matrix: version semantics (compare-and-swap, monotonic
// increments, per-instance independence), provenance persistence
// (append-only ordered retrieval, byte-preserved payloads), and snapshot
// atomicity (all-or-nothing visibility).
//
// Usage from a store's test file:
//
//	func TestMemoryConformance(t *testing.T) {
//		conformance.Run(t, func(t *testing.T) storage.Store {
//			return storage.NewMemoryStore()
//		})
//	}
package conformance

import (
	"context"
	"testing"

	"github.com/riverline-labs/tenor/core/pkg/storage"
)

// Factory builds a fresh, empty store for one test case.
type Factory func(t *testing.T) storage.Store

// Run executes the full conformance matrix against the factory.
func Run(t *testing.T, factory Factory) {
	t.Run("version", func(t *testing.T) { runVersionTests(t, factory) })
	t.Run("provenance", func(t *testing.T) { runProvenanceTests(t, factory) })
	t.Run("snapshot", func(t *testing.T) { runSnapshotTests(t, factory) })
}

// initEntity creates and commits one instance, returning nothing; test
// helpers fail the test on any error.
func initEntity(t *testing.T, s storage.Store, entityID, instanceID, state string) {
	t.Helper()
	ctx := context.Background()
	snap, err := s.BeginSnapshot(ctx)
	if err != nil {
		t.Fatalf("begin snapshot: %v", err)
	}
	if err := s.InitializeEntity(ctx, snap, entityID, instanceID, state); err != nil {
		t.Fatalf("initialize entity: %v", err)
	}
	if err := s.CommitSnapshot(ctx, snap); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// updateEntity performs one committed update and returns the new version.
func updateEntity(t *testing.T, s storage.Store, entityID, instanceID string, expectedVersion int64, newState string) int64 {
	t.Helper()
	ctx := context.Background()
	snap, err := s.BeginSnapshot(ctx)
	if err != nil {
		t.Fatalf("begin snapshot: %v", err)
	}
	newVersion, err := s.UpdateEntityState(ctx, snap, entityID, instanceID, expectedVersion, newState, "flow-1", "op-1")
	if err != nil {
		t.Fatalf("update entity: %v", err)
	}
	if err := s.CommitSnapshot(ctx, snap); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return newVersion
}
