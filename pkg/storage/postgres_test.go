package storage_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverline-labs/tenor/core/pkg/storage"
)

// The Postgres store shares its engine with SQLite; these tests drive
// the driver boundary with sqlmock to cover paths that need a server:
// the guarded-UPDATE conflict at commit, the statements a successful
// commit issues, and provenance ordering.

func TestPostgresCommitConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := storage.NewPostgresWithDB(db)
	require.NoError(t, err)

	snap, err := s.BeginSnapshot(ctx)
	require.NoError(t, err)

	// Staging the update reads the committed row.
	mock.ExpectQuery("SELECT state, version FROM entity_states").
		WithArgs("Order", "order-1").
		WillReturnRows(sqlmock.NewRows([]string{"state", "version"}).AddRow("draft", int64(0)))
	newVersion, err := s.UpdateEntityState(ctx, snap, "Order", "order-1", 0, "submitted", "flow-1", "op-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), newVersion)

	// At commit, the guarded UPDATE matches no rows: someone else won.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE entity_states").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.CommitSnapshot(ctx, snap)
	var conflict *storage.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "Order", conflict.EntityID)
	assert.Equal(t, "order-1", conflict.InstanceID)
	assert.Equal(t, int64(0), conflict.ExpectedVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitPublishesRecords(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := storage.NewPostgresWithDB(db)
	require.NoError(t, err)

	snap, err := s.BeginSnapshot(ctx)
	require.NoError(t, err)

	// Initialization checks the row does not already exist.
	mock.ExpectQuery("SELECT state, version FROM entity_states").
		WithArgs("Order", "order-1").
		WillReturnError(sql.ErrNoRows)
	require.NoError(t, s.InitializeEntity(ctx, snap, "Order", "order-1", "draft"))

	require.NoError(t, s.InsertFlowExecution(ctx, snap, storage.FlowExecutionRecord{
		ID: "fe-1", FlowID: "approval", Outcome: "done", Steps: []byte(`[]`),
	}))
	require.NoError(t, s.InsertProvenanceRecord(ctx, snap, storage.ProvenanceRecord{
		ID: "pr-1", OperationExecutionID: "oe-1", Seq: 0, Kind: "effect", Payload: []byte(`{}`),
	}))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entity_states").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO flow_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO provenance_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CommitSnapshot(ctx, snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetProvenanceOrdering(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := storage.NewPostgresWithDB(db)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "operation_execution_id", "seq", "kind", "payload"}).
		AddRow("p0", "oe-1", 0, "effect", `{"seq":0}`).
		AddRow("p1", "oe-1", 1, "effect", `{"seq":1}`)
	mock.ExpectQuery("SELECT id, operation_execution_id, seq, kind, payload").
		WithArgs("oe-1").
		WillReturnRows(rows)

	records, err := s.GetProvenance(ctx, "oe-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].Seq)
	assert.Equal(t, 1, records[1].Seq)
	assert.Equal(t, `{"seq":1}`, string(records[1].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}
