package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Artifex-Works/patron/core/pkg/contracts"
)

// MemoryStore is an in-memory Store for tests and single-process dev
// runs. All returned records are deep copies; mutating them does not
// leak into the store.
type MemoryStore struct {
	mu            sync.RWMutex
	contractsByID map[string]*contracts.Contract
	cancels       map[string]*contracts.CancellationTicket
	revisions     map[string]*contracts.RevisionTicket
	changes       map[string]*contracts.ChangeTicket
	resolutions   map[string]*contracts.ResolutionTicket
	proofs        map[string]*contracts.ProofUpload
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contractsByID: make(map[string]*contracts.Contract),
		cancels:       make(map[string]*contracts.CancellationTicket),
		revisions:     make(map[string]*contracts.RevisionTicket),
		changes:       make(map[string]*contracts.ChangeTicket),
		resolutions:   make(map[string]*contracts.ResolutionTicket),
		proofs:        make(map[string]*contracts.ProofUpload),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, _ := json.Marshal(v)
	out := new(T)
	_ = json.Unmarshal(data, out)
	return out
}

func (s *MemoryStore) CreateContract(_ context.Context, c *contracts.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contractsByID[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*contracts.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contractsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (s *MemoryStore) SaveContract(_ context.Context, c *contracts.Contract, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.contractsByID[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.contractsByID[c.ID] = clone(c)
	return nil
}

func (s *MemoryStore) PutCancellation(_ context.Context, t *contracts.CancellationTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[t.ID] = clone(t)
	return nil
}

func (s *MemoryStore) GetCancellation(_ context.Context, id string) (*contracts.CancellationTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cancels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (s *MemoryStore) FindOpenCancellation(_ context.Context, contractID string) (*contracts.CancellationTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.cancels {
		if t.ContractID == contractID && t.Open() {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindAcceptedCancellation(_ context.Context, contractID string) (*contracts.CancellationTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.cancels {
		if t.ContractID != contractID {
			continue
		}
		if t.Status == contracts.CancelAccepted || t.Status == contracts.CancelForcedAccepted {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PutRevision(_ context.Context, t *contracts.RevisionTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions[t.ID] = clone(t)
	return nil
}

func (s *MemoryStore) GetRevision(_ context.Context, id string) (*contracts.RevisionTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.revisions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (s *MemoryStore) FindOpenRevision(_ context.Context, contractID string, milestoneIdx *int) (*contracts.RevisionTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.revisions {
		if t.ContractID != contractID || !t.Open() {
			continue
		}
		if sameMilestone(t.MilestoneIdx, milestoneIdx) {
			return clone(t), nil
		}
	}
	return nil, nil
}

func sameMilestone(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *MemoryStore) FindRevisionByIntent(_ context.Context, intentID string) (*contracts.RevisionTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.revisions {
		if t.EscrowIntentID == intentID {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListOpenRevisions(_ context.Context, contractID string) ([]*contracts.RevisionTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.RevisionTicket
	for _, t := range s.revisions {
		if t.ContractID == contractID && t.Open() {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) PutChange(_ context.Context, t *contracts.ChangeTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[t.ID] = clone(t)
	return nil
}

func (s *MemoryStore) GetChange(_ context.Context, id string) (*contracts.ChangeTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.changes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (s *MemoryStore) FindOpenChange(_ context.Context, contractID string) (*contracts.ChangeTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.changes {
		if t.ContractID == contractID && t.Open() {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindChangeByIntent(_ context.Context, intentID string) (*contracts.ChangeTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.changes {
		if t.EscrowIntentID == intentID {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PutResolution(_ context.Context, t *contracts.ResolutionTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions[t.ID] = clone(t)
	return nil
}

func (s *MemoryStore) GetResolution(_ context.Context, id string) (*contracts.ResolutionTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.resolutions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (s *MemoryStore) FindActiveResolutionForTarget(_ context.Context, targetID string) (*contracts.ResolutionTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.resolutions {
		if t.TargetID == targetID && t.Active() {
			return clone(t), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) PutProof(_ context.Context, p *contracts.ProofUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proofs[p.ID] = clone(p)
	return nil
}

func (s *MemoryStore) GetProof(_ context.Context, id string) (*contracts.ProofUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proofs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) DueTickets(_ context.Context, now time.Time, limit int) ([]contracts.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []contracts.Ticket
	for _, t := range s.cancels {
		if deadline, ok := t.Deadline(); ok && deadline.Before(now) {
			due = append(due, clone(t))
		}
	}
	for _, t := range s.revisions {
		if deadline, ok := t.Deadline(); ok && deadline.Before(now) {
			due = append(due, clone(t))
		}
	}
	for _, t := range s.changes {
		if deadline, ok := t.Deadline(); ok && deadline.Before(now) {
			due = append(due, clone(t))
		}
	}
	for _, t := range s.resolutions {
		if deadline, ok := t.Deadline(); ok && deadline.Before(now) {
			due = append(due, clone(t))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		di, _ := due[i].Deadline()
		dj, _ := due[j].Deadline()
		return di.Before(dj)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
