// Package lifecycle is the request state machine: the legal transition
// table, the ledger side effects each transition triggers, group state
// aggregation, and the derivation of request states from execution
// reports. A state change and its ledger effects always commit in one
// store transaction.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/observation-portal/internal/clock"
	"github.com/signalsfoundry/observation-portal/internal/ledger"
	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/pond"
	"github.com/signalsfoundry/observation-portal/internal/store"
	"github.com/signalsfoundry/observation-portal/model"
)

// InvalidStateChangeError reports a transition outside the legal table.
// Fatal to the operation that attempted it, never retried.
type InvalidStateChangeError struct {
	From model.RequestState
	To   model.RequestState
}

func (e *InvalidStateChangeError) Error() string {
	return fmt.Sprintf("invalid state change from %s to %s", e.From, e.To)
}

// transitions is the legal state machine. FAILED keeps a single outgoing
// edge to COMPLETED: a request reported failed can still be confirmed
// complete by a later execution report.
var transitions = map[model.RequestState][]model.RequestState{
	model.StatePending: {
		model.StateScheduled, model.StateFailed, model.StateCompleted,
		model.StateWindowExpired, model.StateCanceled,
	},
	model.StateScheduled: {
		model.StatePending, model.StateCompleted,
		model.StateWindowExpired, model.StateCanceled,
	},
	model.StateWindowExpired: {model.StateCompleted},
	model.StateCanceled:      {model.StateCompleted},
	model.StateFailed:        {model.StateCompleted},
	model.StateCompleted:     {},
}

// Transition validates a state change against the table.
func Transition(from, to model.RequestState) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidStateChangeError{From: from, To: to}
}

// TransitionRecorder receives transition notifications for metrics. A nil
// recorder is fine; the engine checks before calling.
type TransitionRecorder interface {
	IncTransition(state string)
	IncExpired()
}

// Engine applies transitions with their side effects.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	clk     clock.Clock
	log     logging.Logger
	metrics TransitionRecorder
}

// New constructs an Engine.
func New(st store.Store, led *ledger.Ledger, clk clock.Clock, log logging.Logger) *Engine {
	return &Engine{store: st, ledger: led, clk: clk, log: log}
}

// WithMetrics returns a copy of the engine reporting transitions to rec.
func (e *Engine) WithMetrics(rec TransitionRecorder) *Engine {
	cp := *e
	cp.metrics = rec
	return &cp
}

// TransitionRequest moves req to next and applies ledger side effects, all
// inside one transaction. The req is mutated and saved; callers pass the
// owning group for the ipp value and proposal.
func (e *Engine) TransitionRequest(ctx context.Context, g *model.RequestGroup, req *model.Request, next model.RequestState) error {
	if req.State == next {
		return nil
	}
	if err := Transition(req.State, next); err != nil {
		return err
	}
	prior := req.State

	return e.store.Atomic(ctx, func(tx store.Tx) error {
		return e.transitionInTx(ctx, tx, g, req, prior, next)
	})
}

func (e *Engine) transitionInTx(ctx context.Context, tx store.Tx, g *model.RequestGroup, req *model.Request, prior, next model.RequestState) error {
	req.State = next
	single := []model.Request{*req}

	switch next {
	case model.StateCompleted:
		now := e.clk.Now()
		req.Completed = &now
		single[0] = *req
		if g.IPPValue < 1 {
			// De-prioritized groups earn their bonus back on success.
			if err := e.ledger.ModifyInTx(ctx, tx, g, single, ledger.Credit); err != nil {
				return err
			}
		} else if prior == model.StateWindowExpired {
			// The expiry already refunded the stake; completion takes it
			// back, tolerating a budget that moved on in the meantime.
			if err := e.ledger.TolerantDebitInTx(ctx, tx, g, single); err != nil {
				return err
			}
		}
		if err := e.ledger.ChargeOnTerminalInTx(ctx, tx, g.ProposalID, req); err != nil {
			return err
		}
	case model.StateCanceled, model.StateWindowExpired:
		if g.IPPValue >= 1 {
			if err := e.ledger.ModifyInTx(ctx, tx, g, single, ledger.Credit); err != nil {
				return err
			}
		}
	}

	if err := tx.SaveRequest(ctx, req); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.IncTransition(string(next))
	}
	return nil
}

// TransitionGroup moves the group to next. A COMPLETED ONEOF group with
// ipp >= 1 credits back the stakes of its unused PENDING/SCHEDULED
// siblings; CANCELED and WINDOW_EXPIRED cascade to every non-terminal
// child with its side effects. Completion never forces children
// terminal: used time is booked only for requests that observed.
func (e *Engine) TransitionGroup(ctx context.Context, g *model.RequestGroup, next model.RequestState) error {
	if g.State == next {
		return nil
	}
	if err := Transition(g.State, next); err != nil {
		return err
	}

	return e.store.Atomic(ctx, func(tx store.Tx) error {
		switch next {
		case model.StateCompleted:
			if g.Operator == model.OperatorOneOf && g.IPPValue >= 1 {
				var unused []model.Request
				for _, r := range g.Requests {
					if r.State == model.StatePending || r.State == model.StateScheduled {
						unused = append(unused, r)
					}
				}
				if len(unused) > 0 {
					if err := e.ledger.ModifyInTx(ctx, tx, g, unused, ledger.Credit); err != nil {
						return err
					}
				}
			}
		case model.StateCanceled, model.StateWindowExpired:
			for i := range g.Requests {
				r := &g.Requests[i]
				if r.State.IsTerminal() {
					continue
				}
				if err := Transition(r.State, next); err != nil {
					// A child the table will not move stays put; the group
					// state still changes.
					e.log.Warn(ctx, "cascade skipped child",
						logging.Int64("request", r.ID),
						logging.String("from", string(r.State)),
						logging.String("to", string(next)))
					continue
				}
				if err := e.transitionInTx(ctx, tx, g, r, r.State, next); err != nil {
					return err
				}
			}
		}
		g.State = next
		return tx.SaveGroupState(ctx, g.ID, next)
	})
}

// AggregateRequestStates derives a group's state from its children: any
// completed child completes the group; else any pending or scheduled child
// keeps it pending; else a uniform terminal state propagates; a terminal
// mix resolves to WINDOW_EXPIRED when any child expired, else CANCELED.
// Anything unmatched falls back to PENDING, the conservative default.
func AggregateRequestStates(g *model.RequestGroup) model.RequestState {
	var anyPending, anyExpired, anyCanceled, anyFailed bool
	allCanceled, allExpired := true, true
	for _, r := range g.Requests {
		switch r.State {
		case model.StateCompleted:
			return model.StateCompleted
		case model.StatePending, model.StateScheduled:
			anyPending = true
		case model.StateWindowExpired:
			anyExpired = true
		case model.StateCanceled:
			anyCanceled = true
		case model.StateFailed:
			anyFailed = true
		}
		if r.State != model.StateCanceled {
			allCanceled = false
		}
		if r.State != model.StateWindowExpired {
			allExpired = false
		}
	}
	switch {
	case anyPending:
		return model.StatePending
	case allCanceled && anyCanceled:
		return model.StateCanceled
	case allExpired && anyExpired:
		return model.StateWindowExpired
	case anyExpired:
		return model.StateWindowExpired
	case anyCanceled:
		return model.StateCanceled
	case anyFailed:
		return model.StateFailed
	}
	return model.StatePending
}

// StateFromBlocks derives a request's state from its execution reports.
// Canceled and never-attempted blocks are ignored; a fully executed block
// completes the request; a failed or fully elapsed block fails it unless
// the attempted exposure share met the completion threshold; otherwise the
// current state stands.
func StateFromBlocks(current model.RequestState, threshold float64, blocks []pond.Block, now clock.Clock) model.RequestState {
	derived := current
	var bestPercent float64
	sawFailure := false

	for _, b := range blocks {
		if b.Canceled {
			continue
		}
		if b.AllComplete() {
			return model.StateCompleted
		}
		if !b.Attempted() && !b.WhollyPast(now.Now()) {
			continue
		}
		if b.AnyFailed() || b.WhollyPast(now.Now()) {
			sawFailure = true
			if p := b.CompletionPercent(); p > bestPercent {
				bestPercent = p
			}
		}
	}
	if sawFailure {
		if threshold > 0 && bestPercent >= threshold {
			return model.StateCompleted
		}
		return model.StateFailed
	}
	return derived
}
