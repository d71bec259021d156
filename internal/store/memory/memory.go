// Package memory implements store.Store entirely in-process, mirroring the
// mutex-guarded per-entity-map shape of pkg/storage/memory/memory.go: one
// map per entity type, one sync.RWMutex, and a monotonic sequence for event
// ordering. Used for tests and single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/runcontrol/internal/store"
	"github.com/R3E-Network/runcontrol/internal/value"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	runs  map[string]store.Run
	steps map[string]store.Step
	// idempotency indexes runID+"/"+idemKey -> stepID, enforcing the
	// uniqueness invariant of spec.md 3 without a second round trip.
	idempotency map[string]string

	eventsByRun map[string][]store.Event
	nextSeq     map[string]int64

	gates          map[string]store.Gate
	gateByStepType map[string]string // runID+"/"+stepID+"/"+gateType -> gateID

	artifacts map[string]store.Artifact

	outbox      map[string]store.OutboxEntry
	inboxSeen   map[string]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		runs:           make(map[string]store.Run),
		steps:          make(map[string]store.Step),
		idempotency:    make(map[string]string),
		eventsByRun:    make(map[string][]store.Event),
		nextSeq:        make(map[string]int64),
		gates:          make(map[string]store.Gate),
		gateByStepType: make(map[string]string),
		artifacts:      make(map[string]store.Artifact),
		outbox:         make(map[string]store.OutboxEntry),
		inboxSeen:      make(map[string]struct{}),
	}
}

func newID() string { return uuid.NewString() }

func (s *Store) CreateRun(_ context.Context, plan value.Value, projectID string, user store.UserMeta) (store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := store.Run{
		ID:        newID(),
		ProjectID: projectID,
		Status:    store.RunQueued,
		Plan:      plan,
		UserID:    user.UserID,
		UserTier:  user.UserTier,
		CreatedAt: time.Now().UTC(),
	}
	s.runs[run.ID] = run
	return run, nil
}

func (s *Store) GetRun(_ context.Context, id string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

func (s *Store) ListRuns(_ context.Context, limit int, projectID string) ([]store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if projectID != "" && run.ProjectID != projectID {
			continue
		}
		out = append(out, run)
	}
	sortRunsByCreatedAtDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateRunStatus(_ context.Context, id string, status store.RunStatus, startedAt, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	if startedAt != nil {
		run.StartedAt = startedAt
	}
	if endedAt != nil {
		run.EndedAt = endedAt
	}
	s.runs[id] = run
	return nil
}

func (s *Store) CreateStep(_ context.Context, runID, name, tool string, inputs value.Value, idemKey string) (store.Step, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idxKey := runID + "/" + idemKey
	if existingID, ok := s.idempotency[idxKey]; ok {
		return s.steps[existingID], false, nil
	}

	step := store.Step{
		ID:             newID(),
		RunID:          runID,
		Name:           name,
		Tool:           tool,
		Inputs:         inputs,
		Status:         store.StepQueued,
		IdempotencyKey: idemKey,
		Attempt:        1,
		CreatedAt:      time.Now().UTC(),
	}
	s.steps[step.ID] = step
	s.idempotency[idxKey] = step.ID
	return step, true, nil
}

func (s *Store) GetStepByIdempotencyKey(_ context.Context, runID, idemKey string) (store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idempotency[runID+"/"+idemKey]
	if !ok {
		return store.Step{}, store.ErrNotFound
	}
	return s.steps[id], nil
}

func (s *Store) GetStep(_ context.Context, id string) (store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[id]
	if !ok {
		return store.Step{}, store.ErrNotFound
	}
	return step, nil
}

func (s *Store) UpdateStep(_ context.Context, step store.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.steps[step.ID]; !ok {
		return store.ErrNotFound
	}
	s.steps[step.ID] = step
	return nil
}

func (s *Store) ResetStep(_ context.Context, id string) (store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return store.Step{}, store.ErrNotFound
	}
	step.Status = store.StepQueued
	step.Attempt++
	step.Error = nil
	step.StartedAt = nil
	step.EndedAt = nil
	s.steps[id] = step
	return step, nil
}

func (s *Store) ListStepsByRun(_ context.Context, runID string) ([]store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Step, 0)
	for _, step := range s.steps {
		if step.RunID == runID {
			out = append(out, step)
		}
	}
	sortStepsByCreatedAt(out)
	return out, nil
}

func (s *Store) CountRemainingSteps(_ context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, step := range s.steps {
		if step.RunID != runID {
			continue
		}
		switch step.Status {
		case store.StepSucceeded, store.StepFailed, store.StepCancelled:
		default:
			count++
		}
	}
	return count, nil
}

// CASStepStatus is the worker's lease primitive, grounded on
// infrastructure/state/state.go's CompareAndSwap.
func (s *Store) CASStepStatus(_ context.Context, id string, expected, target store.StepStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if step.Status != expected {
		return false, nil
	}
	step.Status = target
	if target == store.StepRunning && step.StartedAt == nil {
		now := time.Now().UTC()
		step.StartedAt = &now
	}
	s.steps[id] = step
	return true, nil
}

func (s *Store) RecordEvent(_ context.Context, runID, eventType string, payload value.Value, stepID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq[runID]++
	seq := s.nextSeq[runID]

	event := store.Event{
		RunID:      runID,
		Sequence:   seq,
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		StepID:     stepID,
		Payload:    payload,
	}
	s.eventsByRun[runID] = append(s.eventsByRun[runID], event)
	return seq, nil
}

func (s *Store) ListEvents(_ context.Context, runID string, sinceSeq int64) ([]store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.eventsByRun[runID]
	out := make([]store.Event, 0, len(all))
	for _, e := range all {
		if e.Sequence > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) CreateOrGetGate(_ context.Context, runID, stepID, gateType string) (store.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runID + "/" + stepID + "/" + gateType
	if id, ok := s.gateByStepType[key]; ok {
		return s.gates[id], nil
	}

	gate := store.Gate{
		ID:        newID(),
		RunID:     runID,
		StepID:    stepID,
		GateType:  gateType,
		Status:    store.GatePending,
		CreatedAt: time.Now().UTC(),
	}
	s.gates[gate.ID] = gate
	s.gateByStepType[key] = gate.ID
	return gate, nil
}

func (s *Store) GetGate(_ context.Context, id string) (store.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gate, ok := s.gates[id]
	if !ok {
		return store.Gate{}, store.ErrNotFound
	}
	return gate, nil
}

// gateTerminal reports whether status is a terminal resolution, used to
// enforce the once-only transition invariant of spec.md 3.
func gateTerminal(status store.GateStatus) bool {
	return status == store.GateApproved || status == store.GateWaived || status == store.GateRejected
}

func (s *Store) UpdateGate(_ context.Context, id string, status store.GateStatus, approverID, reason string) (store.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gate, ok := s.gates[id]
	if !ok {
		return store.Gate{}, store.ErrNotFound
	}
	if gateTerminal(gate.Status) {
		return gate, store.ErrGateTerminal
	}

	gate.Status = status
	gate.ApproverID = approverID
	gate.Reason = reason
	now := time.Now().UTC()
	gate.ResolvedAt = &now
	s.gates[id] = gate
	return gate, nil
}

func (s *Store) ListGatesByRun(_ context.Context, runID string) ([]store.Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Gate, 0)
	for _, gate := range s.gates {
		if gate.RunID == runID {
			out = append(out, gate)
		}
	}
	return out, nil
}

func (s *Store) AddArtifact(_ context.Context, artifact store.Artifact) (store.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if artifact.ID == "" {
		artifact.ID = newID()
	}
	artifact.CreatedAt = time.Now().UTC()
	s.artifacts[artifact.ID] = artifact
	return artifact, nil
}

func (s *Store) ListArtifactsByRun(_ context.Context, runID string) ([]store.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Artifact, 0)
	for _, a := range s.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) EnqueueOutbox(_ context.Context, topic string, payload value.Value) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := store.OutboxEntry{ID: newID(), Topic: topic, Payload: payload, CreatedAt: time.Now().UTC()}
	s.outbox[entry.ID] = entry
	return entry.ID, nil
}

func (s *Store) ListPendingOutbox(_ context.Context, limit int) ([]store.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.OutboxEntry, 0, len(s.outbox))
	for _, e := range s.outbox {
		out = append(out, e)
	}
	sortOutboxByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outbox[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.outbox, id)
	return nil
}

func (s *Store) SeenInbox(_ context.Context, dedupeKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.inboxSeen[dedupeKey]
	return ok, nil
}

func (s *Store) MarkInboxSeen(_ context.Context, dedupeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inboxSeen[dedupeKey] = struct{}{}
	return nil
}

func (s *Store) Close(_ context.Context) error { return nil }

func sortRunsByCreatedAtDesc(runs []store.Run) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].CreatedAt.After(runs[j-1].CreatedAt); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
}

func sortStepsByCreatedAt(steps []store.Step) {
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && steps[j].CreatedAt.Before(steps[j-1].CreatedAt); j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
}

func sortOutboxByCreatedAt(entries []store.OutboxEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].CreatedAt.Before(entries[j-1].CreatedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
