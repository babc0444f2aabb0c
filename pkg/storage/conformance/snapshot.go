package conformance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/riverline-labs/tenor/core/pkg/storage"
)

func runSnapshotTests(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("uncommitted_writes_invisible", func(t *testing.T) {
		s := factory(t)
		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := s.InitializeEntity(ctx, snap, "Order", "order-1", "initial"); err != nil {
			t.Fatalf("init: %v", err)
		}

		_, err = s.GetEntityState(ctx, "Order", "order-1")
		var notFound *storage.NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("uncommitted entity must be invisible, got %v", err)
		}
	})

	t.Run("abort_discards_everything", func(t *testing.T) {
		s := factory(t)
		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := s.InitializeEntity(ctx, snap, "Order", "order-1", "initial"); err != nil {
			t.Fatalf("init: %v", err)
		}
		if err := s.InsertProvenanceRecord(ctx, snap, storage.ProvenanceRecord{
			OperationExecutionID: "op-exec-1", Seq: 0, Kind: "effect", Payload: json.RawMessage(`{}`),
		}); err != nil {
			t.Fatalf("insert provenance: %v", err)
		}
		if err := s.AbortSnapshot(ctx, snap); err != nil {
			t.Fatalf("abort: %v", err)
		}

		_, err = s.GetEntityState(ctx, "Order", "order-1")
		var notFound *storage.NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("aborted entity must not exist, got %v", err)
		}
		records, err := s.GetProvenance(ctx, "op-exec-1")
		if err != nil {
			t.Fatalf("get provenance: %v", err)
		}
		if len(records) != 0 {
			t.Fatalf("aborted provenance visible: %d records", len(records))
		}
	})

	t.Run("commit_publishes_all_together", func(t *testing.T) {
		s := factory(t)
		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := s.InitializeEntity(ctx, snap, "Order", "order-1", "initial"); err != nil {
			t.Fatalf("init: %v", err)
		}
		if err := s.InsertFlowExecution(ctx, snap, storage.FlowExecutionRecord{
			ID: "flow-exec-1", FlowID: "approval", Outcome: "order_approved",
			InitiatingPersona: "admin", Steps: json.RawMessage(`[]`),
		}); err != nil {
			t.Fatalf("insert flow exec: %v", err)
		}
		if err := s.InsertOperationExecution(ctx, snap, storage.OperationExecutionRecord{
			ID: "op-exec-1", FlowExecutionID: "flow-exec-1",
			OperationID: "approve", Persona: "admin", Outcome: "approved",
		}); err != nil {
			t.Fatalf("insert op exec: %v", err)
		}
		if err := s.InsertProvenanceRecord(ctx, snap, storage.ProvenanceRecord{
			OperationExecutionID: "op-exec-1", Seq: 0, Kind: "effect",
			Payload: json.RawMessage(`{"entity_id":"Order"}`),
		}); err != nil {
			t.Fatalf("insert provenance: %v", err)
		}
		if err := s.CommitSnapshot(ctx, snap); err != nil {
			t.Fatalf("commit: %v", err)
		}

		rec, err := s.GetEntityState(ctx, "Order", "order-1")
		if err != nil {
			t.Fatalf("get entity: %v", err)
		}
		if rec.State != "initial" || rec.Version != 0 {
			t.Fatalf("unexpected entity record: %+v", rec)
		}
		records, err := s.GetProvenance(ctx, "op-exec-1")
		if err != nil {
			t.Fatalf("get provenance: %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("expected 1 provenance record, got %d", len(records))
		}
	})

	t.Run("closed_snapshot_rejects_use", func(t *testing.T) {
		s := factory(t)
		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := s.CommitSnapshot(ctx, snap); err != nil {
			t.Fatalf("commit empty: %v", err)
		}
		err = s.InitializeEntity(ctx, snap, "Order", "order-1", "initial")
		var closed *storage.SnapshotClosedError
		if !errors.As(err, &closed) {
			t.Fatalf("expected SnapshotClosedError, got %v", err)
		}
	})
}
