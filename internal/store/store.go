// Package store defines the persistence contract shared by the in-memory
// and Postgres backends. Mutations that must be atomic (a state
// transition plus its ledger side effects, a multi-bucket debit) run
// inside Atomic; the callback receives a transactional view and everything
// it does commits or rolls back together.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/observation-portal/model"
)

var (
	// ErrNotFound is returned for missing groups and requests.
	ErrNotFound = errors.New("not found")
	// ErrNoAllocation is returned when a proposal holds no budget for the
	// requested bucket.
	ErrNoAllocation = errors.New("no time allocation for bucket")
	// ErrNoSemester is returned when no single semester contains a window.
	ErrNoSemester = errors.New("no semester contains the window")
)

// ContentionRow pairs a pending request with its owning proposal for the
// pressure estimator.
type ContentionRow struct {
	Request    model.Request
	ProposalID string
}

// Tx is the operation set available both directly and inside Atomic.
type Tx interface {
	// CreateRequestGroup persists a group and its child requests, assigning
	// identifiers.
	CreateRequestGroup(ctx context.Context, g *model.RequestGroup) error
	GetRequestGroup(ctx context.Context, id int64) (*model.RequestGroup, error)
	GetRequest(ctx context.Context, id int64) (*model.Request, error)
	// SaveRequest updates a request's mutable fields (state, counters,
	// completion stamp, plans after fill expansion).
	SaveRequest(ctx context.Context, r *model.Request) error
	SaveGroupState(ctx context.Context, id int64, state model.RequestState) error
	// RequestsInStates lists requests currently in any of the given states.
	RequestsInStates(ctx context.Context, states ...model.RequestState) ([]model.Request, error)
	// PendingContention lists pending sidereal requests for an instrument
	// whose windows overlap [from, to].
	PendingContention(ctx context.Context, instrumentType string, from, to time.Time) ([]ContentionRow, error)

	// SemesterFor returns the semester wholly containing [start, end].
	SemesterFor(ctx context.Context, start, end time.Time) (*model.Semester, error)

	// AllocationFor returns one proposal bucket, locked for update when
	// called inside Atomic on the Postgres backend.
	AllocationFor(ctx context.Context, proposalID string, key model.TimeAllocationKey) (*model.TimeAllocation, error)
	AllocationsFor(ctx context.Context, proposalID string) ([]model.TimeAllocation, error)
	SaveAllocation(ctx context.Context, a *model.TimeAllocation) error
}

// Store is a Tx that can also open transactions.
type Store interface {
	Tx
	// Atomic runs fn in one transaction. The fn must not perform external
	// I/O: allocation rows stay locked until it returns.
	Atomic(ctx context.Context, fn func(Tx) error) error
}
