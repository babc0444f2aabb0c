package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/riverline-labs/tenor/core/pkg/storage"
)

func runProvenanceTests(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("ordered_retrieval_by_seq", func(t *testing.T) {
		s := factory(t)
		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := s.InsertOperationExecution(ctx, snap, storage.OperationExecutionRecord{
			ID: "op-exec-1", OperationID: "approve", Persona: "admin", Outcome: "approved",
		}); err != nil {
			t.Fatalf("insert op exec: %v", err)
		}
		// Inserted out of order on purpose; retrieval is by seq.
		for _, seq := range []int{2, 0, 1} {
			payload, _ := json.Marshal(map[string]int{"seq": seq})
			if err := s.InsertProvenanceRecord(ctx, snap, storage.ProvenanceRecord{
				OperationExecutionID: "op-exec-1",
				Seq:                  seq,
				Kind:                 "effect",
				Payload:              payload,
			}); err != nil {
				t.Fatalf("insert provenance: %v", err)
			}
		}
		if err := s.CommitSnapshot(ctx, snap); err != nil {
			t.Fatalf("commit: %v", err)
		}

		records, err := s.GetProvenance(ctx, "op-exec-1")
		if err != nil {
			t.Fatalf("get provenance: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("expected 3 records, got %d", len(records))
		}
		for i, rec := range records {
			if rec.Seq != i {
				t.Fatalf("record %d has seq %d", i, rec.Seq)
			}
		}
	})

	t.Run("payload_bytes_preserved", func(t *testing.T) {
		s := factory(t)
		payload := json.RawMessage(`{"amount":"123.450","currency":"USD","note":"<kept & exact>"}`)

		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := s.InsertProvenanceRecord(ctx, snap, storage.ProvenanceRecord{
			OperationExecutionID: "op-exec-1",
			Seq:                  0,
			Kind:                 "effect",
			Payload:              payload,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := s.CommitSnapshot(ctx, snap); err != nil {
			t.Fatalf("commit: %v", err)
		}

		records, err := s.GetProvenance(ctx, "op-exec-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("expected 1 record, got %d", len(records))
		}
		if !bytes.Equal(records[0].Payload, payload) {
			t.Fatalf("payload bytes changed:\n want %s\n got  %s", payload, records[0].Payload)
		}
	})

	t.Run("isolated_per_operation_execution", func(t *testing.T) {
		s := factory(t)
		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		for _, opExecID := range []string{"op-exec-1", "op-exec-2"} {
			if err := s.InsertProvenanceRecord(ctx, snap, storage.ProvenanceRecord{
				OperationExecutionID: opExecID,
				Seq:                  0,
				Kind:                 "effect",
				Payload:              json.RawMessage(`{}`),
			}); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
		if err := s.CommitSnapshot(ctx, snap); err != nil {
			t.Fatalf("commit: %v", err)
		}

		records, err := s.GetProvenance(ctx, "op-exec-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("expected only op-exec-1's record, got %d", len(records))
		}
	})

	t.Run("empty_for_unknown_execution", func(t *testing.T) {
		s := factory(t)
		records, err := s.GetProvenance(ctx, "never-existed")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(records) != 0 {
			t.Fatalf("expected no records, got %d", len(records))
		}
	})
}
