package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// dialect abstracts the placeholder style difference between SQLite and
// Postgres; the statements are otherwise identical.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// rebind rewrites '?' placeholders to '$n' for Postgres.
func (d dialect) rebind(query string) string {
	if d == dialectSQLite {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS entity_states (
		entity_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		state TEXT NOT NULL,
		version BIGINT NOT NULL,
		updated_by_flow TEXT NOT NULL DEFAULT '',
		updated_by_op TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (entity_id, instance_id)
	)`,
	`CREATE TABLE IF NOT EXISTS flow_executions (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL DEFAULT '',
		flow_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		initiating_persona TEXT NOT NULL DEFAULT '',
		steps TEXT NOT NULL DEFAULT 'null'
	)`,
	`CREATE TABLE IF NOT EXISTS operation_executions (
		id TEXT PRIMARY KEY,
		flow_execution_id TEXT NOT NULL DEFAULT '',
		operation_id TEXT NOT NULL DEFAULT '',
		persona TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS provenance_records (
		id TEXT PRIMARY KEY,
		operation_execution_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT 'null'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_provenance_op_exec
		ON provenance_records (operation_execution_id, seq)`,
}

// SQLStore implements Store over database/sql. Writes stage in the
// snapshot and publish inside a single transaction at commit, where
// every compare-and-swap is re-validated row by row.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger

	tracer           trace.Tracer
	conflictCounter  metric.Int64Counter
	committedCounter metric.Int64Counter
}

func newSQLStore(db *sql.DB, d dialect, component string) (*SQLStore, error) {
	s := &SQLStore{
		db:      db,
		dialect: d,
		logger:  slog.Default().With("component", component),
		tracer:  otel.Tracer("tenor/storage"),
	}
	meter := otel.Meter("tenor/storage")
	var err error
	s.conflictCounter, err = meter.Int64Counter("tenor.storage.occ_conflicts")
	if err != nil {
		return nil, fmt.Errorf("storage: conflict counter: %w", err)
	}
	s.committedCounter, err = meter.Int64Counter("tenor.storage.snapshots_committed")
	if err != nil {
		return nil, fmt.Errorf("storage: commit counter: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: schema init: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) lookup(ctx context.Context) committedLookup {
	return func(key instanceKey) (EntityStateRecord, bool, error) {
		row := s.db.QueryRowContext(ctx,
			s.dialect.rebind(`SELECT state, version FROM entity_states WHERE entity_id = ? AND instance_id = ?`),
			key.entityID, key.instanceID)
		var rec EntityStateRecord
		if err := row.Scan(&rec.State, &rec.Version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return EntityStateRecord{}, false, nil
			}
			return EntityStateRecord{}, false, fmt.Errorf("storage: read entity state: %w", err)
		}
		return rec, true, nil
	}
}

// BeginSnapshot starts a new staged-write snapshot.
func (s *SQLStore) BeginSnapshot(ctx context.Context) (Snapshot, error) {
	return newBaseSnapshot(), nil
}

// InitializeEntity stages creation of an instance at version 0.
func (s *SQLStore) InitializeEntity(ctx context.Context, snap Snapshot, entityID, instanceID, state string) error {
	b, err := asBase(snap)
	if err != nil {
		return err
	}
	return b.stageInit(instanceKey{entityID, instanceID}, state, s.lookup(ctx))
}

// GetEntityState reads the latest committed record.
func (s *SQLStore) GetEntityState(ctx context.Context, entityID, instanceID string) (EntityStateRecord, error) {
	rec, ok, err := s.lookup(ctx)(instanceKey{entityID, instanceID})
	if err != nil {
		return EntityStateRecord{}, err
	}
	if !ok {
		return EntityStateRecord{}, &NotFoundError{EntityID: entityID, InstanceID: instanceID}
	}
	return rec, nil
}

// GetEntityStateForUpdate reads through the snapshot's staged writes.
func (s *SQLStore) GetEntityStateForUpdate(ctx context.Context, snap Snapshot, entityID, instanceID string) (EntityStateRecord, error) {
	b, err := asBase(snap)
	if err != nil {
		return EntityStateRecord{}, err
	}
	return b.readThrough(instanceKey{entityID, instanceID}, s.lookup(ctx))
}

// UpdateEntityState stages a compare-and-swap state change.
func (s *SQLStore) UpdateEntityState(ctx context.Context, snap Snapshot, entityID, instanceID string, expectedVersion int64, newState, flowID, opID string) (int64, error) {
	b, err := asBase(snap)
	if err != nil {
		return 0, err
	}
	newVersion, err := b.stageUpdate(instanceKey{entityID, instanceID}, expectedVersion, newState, flowID, opID, s.lookup(ctx))
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		s.conflictCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_id", entityID)))
	}
	return newVersion, err
}

// InsertFlowExecution stages a flow execution record.
func (s *SQLStore) InsertFlowExecution(ctx context.Context, snap Snapshot, rec FlowExecutionRecord) error {
	b, err := asBase(snap)
	if err != nil {
		return err
	}
	return b.appendFlowExec(rec)
}

// InsertOperationExecution stages an operation execution record.
func (s *SQLStore) InsertOperationExecution(ctx context.Context, snap Snapshot, rec OperationExecutionRecord) error {
	b, err := asBase(snap)
	if err != nil {
		return err
	}
	return b.appendOpExec(rec)
}

// InsertProvenanceRecord stages a provenance record.
func (s *SQLStore) InsertProvenanceRecord(ctx context.Context, snap Snapshot, rec ProvenanceRecord) error {
	b, err := asBase(snap)
	if err != nil {
		return err
	}
	return b.appendProvenance(rec)
}

// CommitSnapshot publishes all staged writes in one transaction,
// re-validating each compare-and-swap with a guarded UPDATE.
func (s *SQLStore) CommitSnapshot(ctx context.Context, snap Snapshot) error {
	b, err := asBase(snap)
	if err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, "storage.commit_snapshot",
		trace.WithAttributes(attribute.String("snapshot_id", b.SnapshotID())))
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin commit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range b.entityOrder {
		staged := b.entities[key]
		if staged.created {
			res, err := tx.ExecContext(ctx, s.dialect.rebind(
				`INSERT INTO entity_states (entity_id, instance_id, state, version, updated_by_flow, updated_by_op)
				 SELECT ?, ?, ?, 0, '', ''
				 WHERE NOT EXISTS (
					SELECT 1 FROM entity_states WHERE entity_id = ? AND instance_id = ?
				 )`),
				key.entityID, key.instanceID, staged.state, key.entityID, key.instanceID)
			if err != nil {
				return fmt.Errorf("storage: initialize entity: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("storage: initialize entity: %w", err)
			}
			if affected == 0 {
				return &AlreadyExistsError{EntityID: key.entityID, InstanceID: key.instanceID}
			}
			if staged.version > 0 {
				// Initialized and updated within the same snapshot.
				if _, err := tx.ExecContext(ctx, s.dialect.rebind(
					`UPDATE entity_states SET state = ?, version = ?, updated_by_flow = ?, updated_by_op = ?
					 WHERE entity_id = ? AND instance_id = ?`),
					staged.state, staged.version, staged.flowID, staged.opID,
					key.entityID, key.instanceID); err != nil {
					return fmt.Errorf("storage: apply staged update: %w", err)
				}
			}
			continue
		}

		res, err := tx.ExecContext(ctx, s.dialect.rebind(
			`UPDATE entity_states SET state = ?, version = ?, updated_by_flow = ?, updated_by_op = ?
			 WHERE entity_id = ? AND instance_id = ? AND version = ?`),
			staged.state, staged.version, staged.flowID, staged.opID,
			key.entityID, key.instanceID, staged.baseVersion)
		if err != nil {
			return fmt.Errorf("storage: apply staged update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("storage: apply staged update: %w", err)
		}
		if affected == 0 {
			s.conflictCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_id", key.entityID)))
			return &ConflictError{
				EntityID:        key.entityID,
				InstanceID:      key.instanceID,
				ExpectedVersion: staged.baseVersion,
			}
		}
	}

	for _, rec := range b.flowExecs {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO flow_executions (id, contract_id, flow_id, outcome, initiating_persona, steps)
			 VALUES (?, ?, ?, ?, ?, ?)`),
			rec.ID, rec.ContractID, rec.FlowID, rec.Outcome, rec.InitiatingPersona, string(rec.Steps)); err != nil {
			return fmt.Errorf("storage: insert flow execution: %w", err)
		}
	}
	for _, rec := range b.opExecs {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO operation_executions (id, flow_execution_id, operation_id, persona, outcome)
			 VALUES (?, ?, ?, ?, ?)`),
			rec.ID, rec.FlowExecutionID, rec.OperationID, rec.Persona, rec.Outcome); err != nil {
			return fmt.Errorf("storage: insert operation execution: %w", err)
		}
	}
	for _, rec := range b.provenance {
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(
			`INSERT INTO provenance_records (id, operation_execution_id, seq, kind, payload)
			 VALUES (?, ?, ?, ?, ?)`),
			rec.ID, rec.OperationExecutionID, rec.Seq, rec.Kind, string(rec.Payload)); err != nil {
			return fmt.Errorf("storage: insert provenance record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	b.closed = true
	s.committedCounter.Add(ctx, 1)
	s.logger.Debug("snapshot committed",
		"snapshot_id", b.id,
		"entity_writes", len(b.entityOrder))
	return nil
}

// AbortSnapshot discards all staged writes.
func (s *SQLStore) AbortSnapshot(ctx context.Context, snap Snapshot) error {
	b, err := asBase(snap)
	if err != nil {
		return err
	}
	b.close()
	return nil
}

// GetProvenance returns the committed provenance records for one
// operation execution, ordered by sequence.
func (s *SQLStore) GetProvenance(ctx context.Context, operationExecutionID string) ([]ProvenanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, operation_execution_id, seq, kind, payload
		 FROM provenance_records
		 WHERE operation_execution_id = ?
		 ORDER BY seq ASC`),
		operationExecutionID)
	if err != nil {
		return nil, fmt.Errorf("storage: read provenance: %w", err)
	}
	defer rows.Close()

	var records []ProvenanceRecord
	for rows.Next() {
		var rec ProvenanceRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.OperationExecutionID, &rec.Seq, &rec.Kind, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan provenance: %w", err)
		}
		rec.Payload = []byte(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: read provenance: %w", err)
	}
	return records, nil
}

var _ Store = (*SQLStore)(nil)
