package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// MemoryStore is the in-memory Store implementation. It is the reference
// for the conformance harness and the default for evaluation-only hosts.
type MemoryStore struct {
	mu         sync.RWMutex
	entities   map[instanceKey]EntityStateRecord
	flowExecs  map[string]FlowExecutionRecord
	opExecs    map[string]OperationExecutionRecord
	provenance map[string][]ProvenanceRecord // keyed by operation execution id

	logger *slog.Logger
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:   make(map[instanceKey]EntityStateRecord),
		flowExecs:  make(map[string]FlowExecutionRecord),
		opExecs:    make(map[string]OperationExecutionRecord),
		provenance: make(map[string][]ProvenanceRecord),
		logger:     slog.Default().With("component", "storage.memory"),
	}
}

func (m *MemoryStore) lookup() committedLookup {
	return func(key instanceKey) (EntityStateRecord, bool, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		rec, ok := m.entities[key]
		return rec, ok, nil
	}
}

// BeginSnapshot starts a new staged-write snapshot.
func (m *MemoryStore) BeginSnapshot(ctx context.Context) (Snapshot, error) {
	return newBaseSnapshot(), nil
}

func asBase(snap Snapshot) (*baseSnapshot, error) {
	s, ok := snap.(*baseSnapshot)
	if !ok {
		return nil, &SnapshotClosedError{SnapshotID: snap.SnapshotID()}
	}
	return s, nil
}

// InitializeEntity stages creation of an instance at version 0.
func (m *MemoryStore) InitializeEntity(ctx context.Context, snap Snapshot, entityID, instanceID, state string) error {
	s, err := asBase(snap)
	if err != nil {
		return err
	}
	return s.stageInit(instanceKey{entityID, instanceID}, state, m.lookup())
}

// GetEntityState reads the latest committed record.
func (m *MemoryStore) GetEntityState(ctx context.Context, entityID, instanceID string) (EntityStateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.entities[instanceKey{entityID, instanceID}]
	if !ok {
		return EntityStateRecord{}, &NotFoundError{EntityID: entityID, InstanceID: instanceID}
	}
	return rec, nil
}

// GetEntityStateForUpdate reads through the snapshot's staged writes.
func (m *MemoryStore) GetEntityStateForUpdate(ctx context.Context, snap Snapshot, entityID, instanceID string) (EntityStateRecord, error) {
	s, err := asBase(snap)
	if err != nil {
		return EntityStateRecord{}, err
	}
	return s.readThrough(instanceKey{entityID, instanceID}, m.lookup())
}

// UpdateEntityState stages a compare-and-swap state change.
func (m *MemoryStore) UpdateEntityState(ctx context.Context, snap Snapshot, entityID, instanceID string, expectedVersion int64, newState, flowID, opID string) (int64, error) {
	s, err := asBase(snap)
	if err != nil {
		return 0, err
	}
	return s.stageUpdate(instanceKey{entityID, instanceID}, expectedVersion, newState, flowID, opID, m.lookup())
}

// InsertFlowExecution stages a flow execution record.
func (m *MemoryStore) InsertFlowExecution(ctx context.Context, snap Snapshot, rec FlowExecutionRecord) error {
	s, err := asBase(snap)
	if err != nil {
		return err
	}
	return s.appendFlowExec(rec)
}

// InsertOperationExecution stages an operation execution record.
func (m *MemoryStore) InsertOperationExecution(ctx context.Context, snap Snapshot, rec OperationExecutionRecord) error {
	s, err := asBase(snap)
	if err != nil {
		return err
	}
	return s.appendOpExec(rec)
}

// InsertProvenanceRecord stages a provenance record.
func (m *MemoryStore) InsertProvenanceRecord(ctx context.Context, snap Snapshot, rec ProvenanceRecord) error {
	s, err := asBase(snap)
	if err != nil {
		return err
	}
	return s.appendProvenance(rec)
}

// CommitSnapshot re-validates every staged compare-and-swap against the
// committed state under the store lock, then publishes everything. A
// stale version anywhere fails the commit with no effects.
func (m *MemoryStore) CommitSnapshot(ctx context.Context, snap Snapshot) error {
	s, err := asBase(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range s.entityOrder {
		staged := s.entities[key]
		committed, exists := m.entities[key]
		if staged.created {
			if exists {
				return &AlreadyExistsError{EntityID: key.entityID, InstanceID: key.instanceID}
			}
			continue
		}
		if !exists {
			return &NotFoundError{EntityID: key.entityID, InstanceID: key.instanceID}
		}
		if committed.Version != staged.baseVersion {
			return &ConflictError{
				EntityID:        key.entityID,
				InstanceID:      key.instanceID,
				ExpectedVersion: staged.baseVersion,
			}
		}
	}

	for _, key := range s.entityOrder {
		staged := s.entities[key]
		m.entities[key] = EntityStateRecord{State: staged.state, Version: staged.version}
	}
	for _, rec := range s.flowExecs {
		m.flowExecs[rec.ID] = rec
	}
	for _, rec := range s.opExecs {
		m.opExecs[rec.ID] = rec
	}
	for _, rec := range s.provenance {
		m.provenance[rec.OperationExecutionID] = append(m.provenance[rec.OperationExecutionID], rec)
	}

	s.closed = true
	m.logger.Debug("snapshot committed",
		"snapshot_id", s.id,
		"entity_writes", len(s.entityOrder),
		"provenance_records", len(s.provenance))
	return nil
}

// AbortSnapshot discards all staged writes.
func (m *MemoryStore) AbortSnapshot(ctx context.Context, snap Snapshot) error {
	s, err := asBase(snap)
	if err != nil {
		return err
	}
	s.close()
	return nil
}

// GetProvenance returns committed provenance records ordered by seq.
func (m *MemoryStore) GetProvenance(ctx context.Context, operationExecutionID string) ([]ProvenanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := append([]ProvenanceRecord(nil), m.provenance[operationExecutionID]...)
	sort.SliceStable(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

var _ Store = (*MemoryStore)(nil)
