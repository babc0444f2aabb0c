// Package storage defines the transactional, snapshot-based durable
// state store the flow engine drives, plus in-memory and SQL-backed
// implementations. Optimistic concurrency on per-instance versions is
// the sole coordination mechanism between concurrent flow executions:
// every update compare-and-swaps on the expected version, and all writes
// in a snapshot become visible together at commit or not at all.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DefaultInstance is the sentinel instance id used by single-instance
// contracts.
const DefaultInstance = "_default"

// EntityStateRecord is one instance's committed state and version.
type EntityStateRecord struct {
	State   string `json:"state"`
	Version int64  `json:"version"`
}

// FlowExecutionRecord is the persisted trace of one flow run.
type FlowExecutionRecord struct {
	ID                string          `json:"id"`
	ContractID        string          `json:"contract_id"`
	FlowID            string          `json:"flow_id"`
	Outcome           string          `json:"outcome"`
	InitiatingPersona string          `json:"initiating_persona"`
	Steps             json.RawMessage `json:"steps"`
}

// OperationExecutionRecord is the persisted trace of one operation run.
type OperationExecutionRecord struct {
	ID              string `json:"id"`
	FlowExecutionID string `json:"flow_execution_id"`
	OperationID     string `json:"operation_id"`
	Persona         string `json:"persona"`
	Outcome         string `json:"outcome"`
}

// ProvenanceRecord is one ordered provenance entry for an operation
// execution. Payload bytes are preserved exactly as inserted.
type ProvenanceRecord struct {
	ID                   string          `json:"id"`
	OperationExecutionID string          `json:"operation_execution_id"`
	Seq                  int             `json:"seq"`
	Kind                 string          `json:"kind"`
	Payload              json.RawMessage `json:"payload"`
}

// ConflictError is returned when an update's expected version no longer
// matches the stored version. The store is unchanged.
type ConflictError struct {
	EntityID        string
	InstanceID      string
	ExpectedVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent conflict on entity '%s' instance '%s' (expected version %d)",
		e.EntityID, e.InstanceID, e.ExpectedVersion)
}

// AlreadyExistsError is returned when initializing an existing instance.
type AlreadyExistsError struct {
	EntityID   string
	InstanceID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("entity '%s' instance '%s' already exists", e.EntityID, e.InstanceID)
}

// NotFoundError is returned when reading or updating an absent instance.
type NotFoundError struct {
	EntityID   string
	InstanceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity '%s' instance '%s' not found", e.EntityID, e.InstanceID)
}

// SnapshotClosedError is returned when using a committed or aborted
// snapshot.
type SnapshotClosedError struct {
	SnapshotID string
}

func (e *SnapshotClosedError) Error() string {
	return fmt.Sprintf("snapshot '%s' is already closed", e.SnapshotID)
}

// Snapshot is a handle for a group of writes with all-or-nothing
// visibility. Implementations are store-specific; callers treat the
// handle as opaque.
type Snapshot interface {
	SnapshotID() string
}

// Store is the durable state interface the flow engine consumes.
//
// Versions are per (entity_id, instance_id), independent across
// instances and entities; each successful update increments the version
// by exactly one. Reads outside a snapshot see only committed data.
type Store interface {
	BeginSnapshot(ctx context.Context) (Snapshot, error)

	// InitializeEntity creates an instance at version 0. It fails if
	// the (entity, instance) already exists, committed or staged.
	InitializeEntity(ctx context.Context, snap Snapshot, entityID, instanceID, state string) error

	// GetEntityState reads the latest committed state, snapshot-free.
	GetEntityState(ctx context.Context, entityID, instanceID string) (EntityStateRecord, error)

	// GetEntityStateForUpdate reads with the same semantics but through
	// the snapshot, seeing that snapshot's own staged writes.
	GetEntityStateForUpdate(ctx context.Context, snap Snapshot, entityID, instanceID string) (EntityStateRecord, error)

	// UpdateEntityState compare-and-swaps on the version: a mismatch
	// returns a ConflictError with no side effects; a match stages the
	// new state at version+1 and returns the new version.
	UpdateEntityState(ctx context.Context, snap Snapshot, entityID, instanceID string, expectedVersion int64, newState, flowID, opID string) (int64, error)

	InsertFlowExecution(ctx context.Context, snap Snapshot, rec FlowExecutionRecord) error
	InsertOperationExecution(ctx context.Context, snap Snapshot, rec OperationExecutionRecord) error
	InsertProvenanceRecord(ctx context.Context, snap Snapshot, rec ProvenanceRecord) error

	// CommitSnapshot re-validates every staged compare-and-swap against
	// the committed state and publishes all writes atomically. A stale
	// version anywhere fails the whole commit with a ConflictError.
	CommitSnapshot(ctx context.Context, snap Snapshot) error

	// AbortSnapshot discards all staged writes.
	AbortSnapshot(ctx context.Context, snap Snapshot) error

	// GetProvenance returns the committed provenance records for one
	// operation execution, ordered by sequence.
	GetProvenance(ctx context.Context, operationExecutionID string) ([]ProvenanceRecord, error)
}

// instanceKey identifies one (entity, instance) pair.
type instanceKey struct {
	entityID   string
	instanceID string
}

// stagedEntity is one pending entity write inside a snapshot.
type stagedEntity struct {
	state       string
	version     int64
	baseVersion int64 // committed version the CAS chain started from
	created     bool  // true for InitializeEntity
	flowID      string
	opID        string
}

// baseSnapshot implements the staged-write bookkeeping shared by every
// store: writes accumulate here and are validated and published by the
// store's commit.
type baseSnapshot struct {
	id string

	mu     sync.Mutex
	closed bool

	entityOrder []instanceKey
	entities    map[instanceKey]stagedEntity
	flowExecs   []FlowExecutionRecord
	opExecs     []OperationExecutionRecord
	provenance  []ProvenanceRecord
}

func newBaseSnapshot() *baseSnapshot {
	return &baseSnapshot{
		id:       uuid.NewString(),
		entities: make(map[instanceKey]stagedEntity),
	}
}

func (s *baseSnapshot) SnapshotID() string { return s.id }

func (s *baseSnapshot) checkOpen() error {
	if s.closed {
		return &SnapshotClosedError{SnapshotID: s.id}
	}
	return nil
}

// committedLookup fetches the committed record for a key; ok=false when
// the instance does not exist.
type committedLookup func(key instanceKey) (EntityStateRecord, bool, error)

func (s *baseSnapshot) stageInit(key instanceKey, state string, lookup committedLookup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, staged := s.entities[key]; staged {
		return &AlreadyExistsError{EntityID: key.entityID, InstanceID: key.instanceID}
	}
	_, exists, err := lookup(key)
	if err != nil {
		return err
	}
	if exists {
		return &AlreadyExistsError{EntityID: key.entityID, InstanceID: key.instanceID}
	}
	s.entities[key] = stagedEntity{state: state, version: 0, baseVersion: -1, created: true}
	s.entityOrder = append(s.entityOrder, key)
	return nil
}

func (s *baseSnapshot) readThrough(key instanceKey, lookup committedLookup) (EntityStateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return EntityStateRecord{}, err
	}
	if staged, ok := s.entities[key]; ok {
		return EntityStateRecord{State: staged.state, Version: staged.version}, nil
	}
	rec, exists, err := lookup(key)
	if err != nil {
		return EntityStateRecord{}, err
	}
	if !exists {
		return EntityStateRecord{}, &NotFoundError{EntityID: key.entityID, InstanceID: key.instanceID}
	}
	return rec, nil
}

func (s *baseSnapshot) stageUpdate(key instanceKey, expectedVersion int64, newState, flowID, opID string, lookup committedLookup) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	if staged, ok := s.entities[key]; ok {
		if staged.version != expectedVersion {
			return 0, &ConflictError{
				EntityID:        key.entityID,
				InstanceID:      key.instanceID,
				ExpectedVersion: expectedVersion,
			}
		}
		staged.state = newState
		staged.version++
		staged.flowID = flowID
		staged.opID = opID
		s.entities[key] = staged
		return staged.version, nil
	}

	rec, exists, err := lookup(key)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, &NotFoundError{EntityID: key.entityID, InstanceID: key.instanceID}
	}
	if rec.Version != expectedVersion {
		return 0, &ConflictError{
			EntityID:        key.entityID,
			InstanceID:      key.instanceID,
			ExpectedVersion: expectedVersion,
		}
	}
	s.entities[key] = stagedEntity{
		state:       newState,
		version:     rec.Version + 1,
		baseVersion: rec.Version,
		flowID:      flowID,
		opID:        opID,
	}
	s.entityOrder = append(s.entityOrder, key)
	return rec.Version + 1, nil
}

func (s *baseSnapshot) appendFlowExec(rec FlowExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.flowExecs = append(s.flowExecs, rec)
	return nil
}

func (s *baseSnapshot) appendOpExec(rec OperationExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.opExecs = append(s.opExecs, rec)
	return nil
}

func (s *baseSnapshot) appendProvenance(rec ProvenanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.provenance = append(s.provenance, rec)
	return nil
}

// close marks the snapshot finished; further use fails.
func (s *baseSnapshot) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
