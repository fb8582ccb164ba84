// Package ledger owns every mutation of a proposal's time allocations.
// The intertwined-proposal-priority value (ipp) of a request group stakes
// `(ipp - 1) * duration` hours of the proposal's priority budget when the
// group is created; outcomes later credit the stake back or convert it
// into used observing time. All mutations run inside a store transaction
// and preserve 0 <= IPPTimeAvailable <= IPPLimit.
package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/store"
	"github.com/signalsfoundry/observation-portal/model"
)

// Direction says which way a staged mutation moves the budget.
type Direction int

const (
	Debit Direction = iota
	Credit
)

// TimeAllocationError reports an ipp stake the proposal's budget cannot
// cover, naming the largest value that would fit.
type TimeAllocationError struct {
	ProposalID string
	Key        model.TimeAllocationKey
	MaxIPP     float64
}

func (e *TimeAllocationError) Error() string {
	return fmt.Sprintf(
		"proposal %s does not have enough ipp time available in bucket %s; the maximum ipp_value sustainable by this request is %.2f",
		e.ProposalID, e.Key, e.MaxIPP)
}

// Ledger mediates allocation mutations through a store.
type Ledger struct {
	store store.Store
	log   logging.Logger
}

// New constructs a Ledger.
func New(st store.Store, log logging.Logger) *Ledger {
	return &Ledger{store: st, log: log}
}

// maxAllowableIPP is the largest ipp value the remaining budget sustains
// for a request of durationHours, clamped to the legal range.
func maxAllowableIPP(available, durationHours float64) float64 {
	max := available/durationHours + 1.0
	if max > model.IPPMax {
		max = model.IPPMax
	}
	if max < model.IPPMin {
		max = model.IPPMin
	}
	return max
}

// ValidateIPP checks that every allocation bucket can cover the group's
// ipp stake. Groups at or below 1.0 stake nothing and always validate.
func (l *Ledger) ValidateIPP(ctx context.Context, g *model.RequestGroup, durationByBucket map[model.TimeAllocationKey]float64) error {
	m := g.IPPValue - 1.0
	if m <= 0 {
		return nil
	}
	for _, key := range sortedKeys(durationByBucket) {
		hours := durationByBucket[key]
		alloc, err := l.store.AllocationFor(ctx, g.ProposalID, key)
		if err != nil {
			return err
		}
		if alloc.IPPTimeAvailable < hours*m {
			return &TimeAllocationError{
				ProposalID: g.ProposalID,
				Key:        key,
				MaxIPP:     maxAllowableIPP(alloc.IPPTimeAvailable, hours),
			}
		}
	}
	return nil
}

// DebitOnCreation stakes the group's ipp time at submission. Validation
// has already passed; the debit applies without a cap check. Groups at or
// below 1.0 are only credited on outcomes, never charged up front.
func (l *Ledger) DebitOnCreation(ctx context.Context, g *model.RequestGroup, durationByBucket map[model.TimeAllocationKey]float64) error {
	return l.store.Atomic(ctx, func(tx store.Tx) error {
		return l.DebitOnCreationInTx(ctx, tx, g, durationByBucket)
	})
}

// DebitOnCreationInTx is DebitOnCreation running inside an already-open
// transaction, so submission can stake and persist in one commit.
func (l *Ledger) DebitOnCreationInTx(ctx context.Context, tx store.Tx, g *model.RequestGroup, durationByBucket map[model.TimeAllocationKey]float64) error {
	m := g.IPPValue - 1.0
	if m <= 0 {
		return nil
	}
	for _, key := range sortedKeys(durationByBucket) {
		alloc, err := tx.AllocationFor(ctx, g.ProposalID, key)
		if err != nil {
			return err
		}
		alloc.IPPTimeAvailable -= durationByBucket[key] * m
		if alloc.IPPTimeAvailable < 0 {
			// A concurrent stake won the race between validation and
			// debit; fail closed rather than go negative.
			return &TimeAllocationError{
				ProposalID: g.ProposalID,
				Key:        key,
				MaxIPP:     maxAllowableIPP(alloc.IPPTimeAvailable+durationByBucket[key]*m, durationByBucket[key]),
			}
		}
		if err := tx.SaveAllocation(ctx, alloc); err != nil {
			return err
		}
	}
	return nil
}

// Modify stages `|ipp - 1| * duration` hours per request and applies the
// whole batch in one transaction. A debit the budget cannot cover fails
// before any write; credits cap at IPPLimit with a warning.
func (l *Ledger) Modify(ctx context.Context, g *model.RequestGroup, requests []model.Request, dir Direction) error {
	m := g.IPPValue - 1.0
	if m < 0 {
		m = -m
	}
	if m == 0 || len(requests) == 0 {
		return nil
	}

	return l.store.Atomic(ctx, func(tx store.Tx) error {
		return l.ModifyInTx(ctx, tx, g, requests, dir)
	})
}

// ModifyInTx is Modify running inside an already-open transaction, for
// callers composing ledger effects with a state change.
func (l *Ledger) ModifyInTx(ctx context.Context, tx store.Tx, g *model.RequestGroup, requests []model.Request, dir Direction) error {
	m := g.IPPValue - 1.0
	if m < 0 {
		m = -m
	}
	if m == 0 || len(requests) == 0 {
		return nil
	}
	staged, err := l.stage(ctx, tx, g.ProposalID, requests, m)
	if err != nil {
		return err
	}
	if dir == Debit {
		for _, s := range staged {
			if s.alloc.IPPTimeAvailable < s.hours {
				return &TimeAllocationError{
					ProposalID: g.ProposalID,
					Key:        s.alloc.Key,
					MaxIPP:     maxAllowableIPP(s.alloc.IPPTimeAvailable, s.hours/m),
				}
			}
		}
	}
	for _, s := range staged {
		l.apply(ctx, s.alloc, s.hours, dir, false)
		if err := tx.SaveAllocation(ctx, s.alloc); err != nil {
			return err
		}
	}
	return nil
}

// TolerantDebit debits like Modify but floors at zero instead of failing,
// logging the shortfall. Used when a request revives after its stake was
// already credited back.
func (l *Ledger) TolerantDebit(ctx context.Context, g *model.RequestGroup, requests []model.Request) error {
	return l.store.Atomic(ctx, func(tx store.Tx) error {
		return l.TolerantDebitInTx(ctx, tx, g, requests)
	})
}

// TolerantDebitInTx is TolerantDebit inside an already-open transaction.
func (l *Ledger) TolerantDebitInTx(ctx context.Context, tx store.Tx, g *model.RequestGroup, requests []model.Request) error {
	m := g.IPPValue - 1.0
	if m <= 0 || len(requests) == 0 {
		return nil
	}
	staged, err := l.stage(ctx, tx, g.ProposalID, requests, m)
	if err != nil {
		return err
	}
	for _, s := range staged {
		l.apply(ctx, s.alloc, s.hours, Debit, true)
		if err := tx.SaveAllocation(ctx, s.alloc); err != nil {
			return err
		}
	}
	return nil
}

// ChargeOnTerminal books a completed request's duration as used observing
// time: standard time for NORMAL, rapid-response time for
// TARGET_OF_OPPORTUNITY.
func (l *Ledger) ChargeOnTerminal(ctx context.Context, proposalID string, req *model.Request) error {
	return l.store.Atomic(ctx, func(tx store.Tx) error {
		return l.ChargeOnTerminalInTx(ctx, tx, proposalID, req)
	})
}

// ChargeOnTerminalInTx is ChargeOnTerminal inside an already-open
// transaction.
func (l *Ledger) ChargeOnTerminalInTx(ctx context.Context, tx store.Tx, proposalID string, req *model.Request) error {
	key, err := bucketFor(ctx, tx, req)
	if err != nil {
		return err
	}
	alloc, err := tx.AllocationFor(ctx, proposalID, key)
	if err != nil {
		return err
	}
	hours := float64(req.Duration) / 3600.0
	if req.ObservationType == model.ObservationTOO {
		alloc.TooTimeUsed += hours
	} else {
		alloc.StdTimeUsed += hours
	}
	return tx.SaveAllocation(ctx, alloc)
}

type stagedMutation struct {
	alloc *model.TimeAllocation
	hours float64
}

// stage groups the requests by allocation bucket, locks each bucket once,
// and computes the total hours to move. Buckets are visited in a stable
// order so concurrent mutations lock rows consistently.
func (l *Ledger) stage(ctx context.Context, tx store.Tx, proposalID string, requests []model.Request, m float64) ([]stagedMutation, error) {
	hoursByKey := map[model.TimeAllocationKey]float64{}
	for i := range requests {
		key, err := bucketFor(ctx, tx, &requests[i])
		if err != nil {
			return nil, err
		}
		hoursByKey[key] += float64(requests[i].Duration) / 3600.0 * m
	}

	var staged []stagedMutation
	for _, key := range sortedKeys(hoursByKey) {
		alloc, err := tx.AllocationFor(ctx, proposalID, key)
		if err != nil {
			return nil, err
		}
		staged = append(staged, stagedMutation{alloc: alloc, hours: hoursByKey[key]})
	}
	return staged, nil
}

func (l *Ledger) apply(ctx context.Context, alloc *model.TimeAllocation, hours float64, dir Direction, tolerant bool) {
	switch dir {
	case Credit:
		alloc.IPPTimeAvailable += hours
		if alloc.IPPTimeAvailable > alloc.IPPLimit {
			l.log.Warn(ctx, "ipp credit capped at limit",
				logging.String("proposal", alloc.ProposalID),
				logging.String("bucket", alloc.Key.String()),
				logging.Float64("overflow_hours", alloc.IPPTimeAvailable-alloc.IPPLimit))
			alloc.IPPTimeAvailable = alloc.IPPLimit
		}
	case Debit:
		alloc.IPPTimeAvailable -= hours
		if alloc.IPPTimeAvailable < 0 {
			if tolerant {
				l.log.Warn(ctx, "ipp debit floored at zero",
					logging.String("proposal", alloc.ProposalID),
					logging.String("bucket", alloc.Key.String()),
					logging.Float64("shortfall_hours", -alloc.IPPTimeAvailable))
			}
			alloc.IPPTimeAvailable = 0
		}
	}
}

// bucketFor resolves a request's allocation bucket: the semester containing
// its windows crossed with the telescope class it targets.
func bucketFor(ctx context.Context, tx store.Tx, req *model.Request) (model.TimeAllocationKey, error) {
	sem, err := tx.SemesterFor(ctx, req.MinWindowTime(), req.MaxWindowTime())
	if err != nil {
		return model.TimeAllocationKey{}, err
	}
	return model.TimeAllocationKey{
		SemesterID:     sem.ID,
		TelescopeClass: req.Location.TelescopeClass,
	}, nil
}

func sortedKeys(m map[model.TimeAllocationKey]float64) []model.TimeAllocationKey {
	keys := make([]model.TimeAllocationKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
