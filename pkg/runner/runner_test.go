package runner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverline-labs/tenor/core/pkg/eval"
	"github.com/riverline-labs/tenor/core/pkg/interchange"
	"github.com/riverline-labs/tenor/core/pkg/runner"
	"github.com/riverline-labs/tenor/core/pkg/storage"
)

func approvalContract() *eval.Contract {
	approve := eval.Operation{
		ID:              "approve",
		AllowedPersonas: []string{"admin"},
		Precondition:    eval.TrueLiteral(),
		Effects:         []interchange.Effect{{EntityID: "Order", From: "pending", To: "approved"}},
		Outcomes:        []string{"approved"},
	}
	flow := eval.Flow{
		ID:    "approval",
		Entry: "step1",
		Steps: []eval.FlowStep{eval.OperationStep{
			ID:        "step1",
			Op:        "approve",
			Persona:   "admin",
			Outcomes:  map[string]eval.StepTarget{"approved": eval.Terminal{Outcome: "order_approved"}},
			OnFailure: eval.Terminate{Outcome: "approval_failed"},
		}},
	}
	entity := eval.Entity{
		ID:          "Order",
		States:      []string{"pending", "approved"},
		Initial:     "pending",
		Transitions: []interchange.Transition{{From: "pending", To: "approved"}},
	}
	return eval.NewContract(nil, []eval.Entity{entity}, []string{"admin"},
		nil, []eval.Operation{approve}, []eval.Flow{flow})
}

func TestRunnerExecutesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	r := runner.New(approvalContract(), store)

	require.NoError(t, r.InitializeEntities(ctx))

	execution, err := r.ExecuteFlow(ctx, "approval", "admin", []byte(`{}`), eval.InstanceBindingMap{})
	require.NoError(t, err)
	assert.Equal(t, "order_approved", execution.Result.Outcome)

	rec, err := store.GetEntityState(ctx, "Order", storage.DefaultInstance)
	require.NoError(t, err)
	assert.Equal(t, storage.EntityStateRecord{State: "approved", Version: 1}, rec)
}

func TestRunnerSecondExecutionSeesNewState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	r := runner.New(approvalContract(), store)
	require.NoError(t, r.InitializeEntities(ctx))

	_, err := r.ExecuteFlow(ctx, "approval", "admin", []byte(`{}`), eval.InstanceBindingMap{})
	require.NoError(t, err)

	// The order is approved now; a second run terminates through the
	// failure handler and leaves the entity state and version unchanged.
	execution, err := r.ExecuteFlow(ctx, "approval", "admin", []byte(`{}`), eval.InstanceBindingMap{})
	require.NoError(t, err)
	assert.Equal(t, "approval_failed", execution.Result.Outcome)

	rec, err := store.GetEntityState(ctx, "Order", storage.DefaultInstance)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestRunnerUnknownFlow(t *testing.T) {
	r := runner.New(approvalContract(), storage.NewMemoryStore())
	_, err := r.ExecuteFlow(context.Background(), "ghost", "admin", []byte(`{}`), eval.InstanceBindingMap{})
	var structural *eval.StructureError
	require.ErrorAs(t, err, &structural)
}
