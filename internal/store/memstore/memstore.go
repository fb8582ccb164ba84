// Package memstore is the mutex-guarded in-memory persistence backend. It
// backs unit tests and single-node deployments; the Postgres backend is
// the production path. Writes apply immediately, so Atomic callbacks must
// stage their validation before their first write (the ledger does).
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/store"
	"github.com/signalsfoundry/observation-portal/model"
)

type allocKey struct {
	proposal string
	key      model.TimeAllocationKey
}

// Store holds everything in maps behind one mutex.
type Store struct {
	mu          sync.Mutex
	nextID      int64
	groups      map[int64]*model.RequestGroup
	requestID   map[int64]int64 // request id -> group id
	semesters   []model.Semester
	allocations map[allocKey]*model.TimeAllocation
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		nextID:      1,
		groups:      map[int64]*model.RequestGroup{},
		requestID:   map[int64]int64{},
		allocations: map[allocKey]*model.TimeAllocation{},
	}
}

// AddSemester seeds a semester.
func (s *Store) AddSemester(sem model.Semester) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.semesters = append(s.semesters, sem)
}

// AddAllocation seeds a time allocation.
func (s *Store) AddAllocation(a model.TimeAllocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.allocations[allocKey{a.ProposalID, a.Key}] = &cp
}

// Atomic runs fn holding the store mutex.
func (s *Store) Atomic(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{s: s})
}

func (s *Store) CreateRequestGroup(ctx context.Context, g *model.RequestGroup) error {
	return s.Atomic(ctx, func(tx store.Tx) error { return tx.CreateRequestGroup(ctx, g) })
}

func (s *Store) GetRequestGroup(ctx context.Context, id int64) (*model.RequestGroup, error) {
	var out *model.RequestGroup
	err := s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.GetRequestGroup(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) GetRequest(ctx context.Context, id int64) (*model.Request, error) {
	var out *model.Request
	err := s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.GetRequest(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) SaveRequest(ctx context.Context, r *model.Request) error {
	return s.Atomic(ctx, func(tx store.Tx) error { return tx.SaveRequest(ctx, r) })
}

func (s *Store) SaveGroupState(ctx context.Context, id int64, state model.RequestState) error {
	return s.Atomic(ctx, func(tx store.Tx) error { return tx.SaveGroupState(ctx, id, state) })
}

func (s *Store) RequestsInStates(ctx context.Context, states ...model.RequestState) ([]model.Request, error) {
	var out []model.Request
	err := s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.RequestsInStates(ctx, states...)
		return err
	})
	return out, err
}

func (s *Store) PendingContention(ctx context.Context, instrumentType string, from, to time.Time) ([]store.ContentionRow, error) {
	var out []store.ContentionRow
	err := s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.PendingContention(ctx, instrumentType, from, to)
		return err
	})
	return out, err
}

func (s *Store) SemesterFor(ctx context.Context, start, end time.Time) (*model.Semester, error) {
	var out *model.Semester
	err := s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.SemesterFor(ctx, start, end)
		return err
	})
	return out, err
}

func (s *Store) AllocationFor(ctx context.Context, proposalID string, key model.TimeAllocationKey) (*model.TimeAllocation, error) {
	var out *model.TimeAllocation
	err := s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.AllocationFor(ctx, proposalID, key)
		return err
	})
	return out, err
}

func (s *Store) AllocationsFor(ctx context.Context, proposalID string) ([]model.TimeAllocation, error) {
	var out []model.TimeAllocation
	err := s.Atomic(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.AllocationsFor(ctx, proposalID)
		return err
	})
	return out, err
}

func (s *Store) SaveAllocation(ctx context.Context, a *model.TimeAllocation) error {
	return s.Atomic(ctx, func(tx store.Tx) error { return tx.SaveAllocation(ctx, a) })
}

// memTx operates on the store with the mutex already held.
type memTx struct {
	s *Store
}

func (t *memTx) CreateRequestGroup(ctx context.Context, g *model.RequestGroup) error {
	s := t.s
	g.ID = s.nextID
	s.nextID++
	now := time.Now().UTC()
	g.Created, g.Modified = now, now
	for i := range g.Requests {
		g.Requests[i].ID = s.nextID
		s.nextID++
		g.Requests[i].GroupID = g.ID
		g.Requests[i].Created, g.Requests[i].Modified = now, now
		s.requestID[g.Requests[i].ID] = g.ID
	}
	s.groups[g.ID] = copyGroup(g)
	return nil
}

func (t *memTx) GetRequestGroup(ctx context.Context, id int64) (*model.RequestGroup, error) {
	g, ok := t.s.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: request group %d", store.ErrNotFound, id)
	}
	return copyGroup(g), nil
}

func (t *memTx) GetRequest(ctx context.Context, id int64) (*model.Request, error) {
	groupID, ok := t.s.requestID[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %d", store.ErrNotFound, id)
	}
	g := t.s.groups[groupID]
	for i := range g.Requests {
		if g.Requests[i].ID == id {
			cp := g.Requests[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: request %d", store.ErrNotFound, id)
}

func (t *memTx) SaveRequest(ctx context.Context, r *model.Request) error {
	groupID, ok := t.s.requestID[r.ID]
	if !ok {
		return fmt.Errorf("%w: request %d", store.ErrNotFound, r.ID)
	}
	g := t.s.groups[groupID]
	for i := range g.Requests {
		if g.Requests[i].ID == r.ID {
			cp := *r
			cp.GroupID = groupID
			cp.Modified = time.Now().UTC()
			g.Requests[i] = cp
			return nil
		}
	}
	return fmt.Errorf("%w: request %d", store.ErrNotFound, r.ID)
}

func (t *memTx) SaveGroupState(ctx context.Context, id int64, state model.RequestState) error {
	g, ok := t.s.groups[id]
	if !ok {
		return fmt.Errorf("%w: request group %d", store.ErrNotFound, id)
	}
	g.State = state
	g.Modified = time.Now().UTC()
	return nil
}

func (t *memTx) RequestsInStates(ctx context.Context, states ...model.RequestState) ([]model.Request, error) {
	want := map[model.RequestState]bool{}
	for _, st := range states {
		want[st] = true
	}
	var out []model.Request
	for _, g := range t.s.groups {
		for _, r := range g.Requests {
			if want[r.State] {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (t *memTx) PendingContention(ctx context.Context, instrumentType string, from, to time.Time) ([]store.ContentionRow, error) {
	var out []store.ContentionRow
	for _, g := range t.s.groups {
		for _, r := range g.Requests {
			if r.State != model.StatePending || r.Target.Type != model.TargetSidereal {
				continue
			}
			if r.InstrumentName() != instrumentType {
				continue
			}
			overlaps := false
			for _, w := range r.Windows {
				if w.Start.Before(to) && w.End.After(from) {
					overlaps = true
					break
				}
			}
			if overlaps {
				out = append(out, store.ContentionRow{Request: r, ProposalID: g.ProposalID})
			}
		}
	}
	return out, nil
}

func (t *memTx) SemesterFor(ctx context.Context, start, end time.Time) (*model.Semester, error) {
	for _, sem := range t.s.semesters {
		if sem.Contains(start, end) {
			cp := sem
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s to %s", store.ErrNoSemester,
		start.Format(time.RFC3339), end.Format(time.RFC3339))
}

func (t *memTx) AllocationFor(ctx context.Context, proposalID string, key model.TimeAllocationKey) (*model.TimeAllocation, error) {
	a, ok := t.s.allocations[allocKey{proposalID, key}]
	if !ok {
		return nil, fmt.Errorf("%w: proposal %s bucket %s", store.ErrNoAllocation, proposalID, key)
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) AllocationsFor(ctx context.Context, proposalID string) ([]model.TimeAllocation, error) {
	var out []model.TimeAllocation
	for k, a := range t.s.allocations {
		if k.proposal == proposalID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (t *memTx) SaveAllocation(ctx context.Context, a *model.TimeAllocation) error {
	k := allocKey{a.ProposalID, a.Key}
	if _, ok := t.s.allocations[k]; !ok {
		return fmt.Errorf("%w: proposal %s bucket %s", store.ErrNoAllocation, a.ProposalID, a.Key)
	}
	cp := *a
	t.s.allocations[k] = &cp
	return nil
}

func copyGroup(g *model.RequestGroup) *model.RequestGroup {
	cp := *g
	cp.Requests = make([]model.Request, len(g.Requests))
	for i, r := range g.Requests {
		r.Plans = append([]model.ExposurePlan(nil), r.Plans...)
		r.Windows = append([]model.Window(nil), r.Windows...)
		cp.Requests[i] = r
	}
	return &cp
}
