package conformance

import (
	"context"
	"errors"
	"testing"

	"github.com/riverline-labs/tenor/core/pkg/storage"
)

func runVersionTests(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("starts_at_zero", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")
		rec, err := s.GetEntityState(ctx, "Order", "order-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Version != 0 {
			t.Fatalf("expected version 0, got %d", rec.Version)
		}
	})

	t.Run("increments_to_one", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")
		newVersion := updateEntity(t, s, "Order", "order-1", 0, "submitted")
		if newVersion != 1 {
			t.Fatalf("expected returned version 1, got %d", newVersion)
		}
		rec, err := s.GetEntityState(ctx, "Order", "order-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Version != 1 || rec.State != "submitted" {
			t.Fatalf("expected {submitted 1}, got %+v", rec)
		}
	})

	t.Run("increments_sequentially", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")
		states := []string{"submitted", "approved", "completed"}
		for i, state := range states {
			newVersion := updateEntity(t, s, "Order", "order-1", int64(i), state)
			if newVersion != int64(i)+1 {
				t.Fatalf("update %d: expected version %d, got %d", i, i+1, newVersion)
			}
		}
		rec, err := s.GetEntityState(ctx, "Order", "order-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Version != 3 || rec.State != "completed" {
			t.Fatalf("expected {completed 3}, got %+v", rec)
		}
	})

	t.Run("wrong_version_returns_conflict", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")
		updateEntity(t, s, "Order", "order-1", 0, "submitted")

		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		_, err = s.UpdateEntityState(ctx, snap, "Order", "order-1", 0, "approved", "flow-2", "op-2")
		var conflict *storage.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		if conflict.EntityID != "Order" || conflict.InstanceID != "order-1" || conflict.ExpectedVersion != 0 {
			t.Fatalf("conflict fields wrong: %+v", conflict)
		}

		// The store is unchanged.
		rec, err := s.GetEntityState(ctx, "Order", "order-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.State != "submitted" || rec.Version != 1 {
			t.Fatalf("conflict mutated store: %+v", rec)
		}
	})

	t.Run("version_ahead_returns_conflict", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")
		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		_, err = s.UpdateEntityState(ctx, snap, "Order", "order-1", 1, "submitted", "f", "o")
		var conflict *storage.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		if conflict.ExpectedVersion != 1 {
			t.Fatalf("expected ExpectedVersion 1, got %d", conflict.ExpectedVersion)
		}
	})

	t.Run("missing_instance_returns_not_found", func(t *testing.T) {
		s := factory(t)
		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		_, err = s.UpdateEntityState(ctx, snap, "Order", "ghost", 0, "submitted", "f", "o")
		var notFound *storage.NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("expected NotFoundError, got %v", err)
		}
	})

	t.Run("double_initialize_fails", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")
		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		err = s.InitializeEntity(ctx, snap, "Order", "order-1", "initial")
		var exists *storage.AlreadyExistsError
		if !errors.As(err, &exists) {
			t.Fatalf("expected AlreadyExistsError, got %v", err)
		}
	})

	t.Run("two_snapshots_race_one_wins", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")

		snapA, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin A: %v", err)
		}
		snapB, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin B: %v", err)
		}

		if _, err := s.UpdateEntityState(ctx, snapA, "Order", "order-1", 0, "approved", "fa", "oa"); err != nil {
			t.Fatalf("update A: %v", err)
		}
		if _, err := s.UpdateEntityState(ctx, snapB, "Order", "order-1", 0, "rejected", "fb", "ob"); err != nil {
			t.Fatalf("update B: %v", err)
		}

		if err := s.CommitSnapshot(ctx, snapA); err != nil {
			t.Fatalf("commit A: %v", err)
		}
		err = s.CommitSnapshot(ctx, snapB)
		var conflict *storage.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ConflictError from losing commit, got %v", err)
		}

		rec, err := s.GetEntityState(ctx, "Order", "order-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.State != "approved" || rec.Version != 1 {
			t.Fatalf("state should reflect winner: %+v", rec)
		}
	})

	t.Run("per_instance_independent", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")
		initEntity(t, s, "Order", "order-2", "initial")
		updateEntity(t, s, "Order", "order-1", 0, "submitted")
		updateEntity(t, s, "Order", "order-1", 1, "approved")

		rec1, err := s.GetEntityState(ctx, "Order", "order-1")
		if err != nil {
			t.Fatalf("get order-1: %v", err)
		}
		rec2, err := s.GetEntityState(ctx, "Order", "order-2")
		if err != nil {
			t.Fatalf("get order-2: %v", err)
		}
		if rec1.Version != 2 {
			t.Fatalf("order-1 version: %d", rec1.Version)
		}
		if rec2.Version != 0 || rec2.State != "initial" {
			t.Fatalf("order-2 must be untouched: %+v", rec2)
		}
	})

	t.Run("per_entity_independent", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "x-1", "initial")
		initEntity(t, s, "Invoice", "x-1", "open")
		updateEntity(t, s, "Order", "x-1", 0, "submitted")

		rec, err := s.GetEntityState(ctx, "Invoice", "x-1")
		if err != nil {
			t.Fatalf("get invoice: %v", err)
		}
		if rec.Version != 0 || rec.State != "open" {
			t.Fatalf("invoice must be untouched: %+v", rec)
		}
	})

	t.Run("for_update_matches_committed_read", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")
		updateEntity(t, s, "Order", "order-1", 0, "submitted")

		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		forUpdate, err := s.GetEntityStateForUpdate(ctx, snap, "Order", "order-1")
		if err != nil {
			t.Fatalf("for update: %v", err)
		}
		plain, err := s.GetEntityState(ctx, "Order", "order-1")
		if err != nil {
			t.Fatalf("plain: %v", err)
		}
		if forUpdate != plain {
			t.Fatalf("reads disagree: %+v vs %+v", forUpdate, plain)
		}
	})

	t.Run("second_update_same_snapshot_uses_new_version", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")

		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		v1, err := s.UpdateEntityState(ctx, snap, "Order", "order-1", 0, "submitted", "f", "o")
		if err != nil {
			t.Fatalf("first update: %v", err)
		}
		if v1 != 1 {
			t.Fatalf("first update version: %d", v1)
		}
		v2, err := s.UpdateEntityState(ctx, snap, "Order", "order-1", 1, "approved", "f", "o")
		if err != nil {
			t.Fatalf("second update: %v", err)
		}
		if v2 != 2 {
			t.Fatalf("second update version: %d", v2)
		}
		if err := s.CommitSnapshot(ctx, snap); err != nil {
			t.Fatalf("commit: %v", err)
		}

		rec, err := s.GetEntityState(ctx, "Order", "order-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Version != 2 || rec.State != "approved" {
			t.Fatalf("expected {approved 2}, got %+v", rec)
		}
	})

	t.Run("version_survives_abort", func(t *testing.T) {
		s := factory(t)
		initEntity(t, s, "Order", "order-1", "initial")
		updateEntity(t, s, "Order", "order-1", 0, "submitted")

		snap, err := s.BeginSnapshot(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if _, err := s.UpdateEntityState(ctx, snap, "Order", "order-1", 1, "approved", "f", "o"); err != nil {
			t.Fatalf("update: %v", err)
		}
		if err := s.AbortSnapshot(ctx, snap); err != nil {
			t.Fatalf("abort: %v", err)
		}

		rec, err := s.GetEntityState(ctx, "Order", "order-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Version != 1 || rec.State != "submitted" {
			t.Fatalf("abort must not change the store: %+v", rec)
		}
	})
}
