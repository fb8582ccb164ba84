package lifecycle

import (
	"context"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/pond"
	"github.com/signalsfoundry/observation-portal/model"
)

// BlockSource is the slice of the block store client the sweeps need.
type BlockSource interface {
	BlocksSince(ctx context.Context, since time.Time) ([]pond.Block, error)
	BlocksForRequest(ctx context.Context, requestID int64) ([]pond.Block, error)
}

// UpdateRequestState reconciles one request against its execution reports.
// It returns true when the request changed. Re-running with the same
// inputs is a no-op: terminal requests are left alone, the derived-state
// equality check short-circuits, and the fail count is derived from the
// block history rather than incremented per sweep.
func (e *Engine) UpdateRequestState(ctx context.Context, g *model.RequestGroup, req *model.Request, blocks []pond.Block, groupExpired bool) (bool, error) {
	derived := StateFromBlocks(req.State, req.CompletionThreshold, blocks, e.clk)
	if derived == req.State {
		return false, nil
	}

	switch derived {
	case model.StateCompleted:
		if err := e.TransitionRequest(ctx, g, req, model.StateCompleted); err != nil {
			return false, err
		}
		return true, nil
	case model.StateFailed:
		// A terminal request stays where it is: late failure reports can
		// revive nothing, only a completion can (handled above).
		if req.State.IsTerminal() {
			return false, nil
		}
		failed := countFailedBlocks(blocks, e.clk.Now())
		changed := failed > req.FailCount
		if changed {
			req.FailCount = failed
		}
		if groupExpired && Transition(req.State, model.StateWindowExpired) == nil {
			if err := e.TransitionRequest(ctx, g, req, model.StateWindowExpired); err != nil {
				return false, err
			}
			return true, nil
		}
		if changed {
			if err := e.store.SaveRequest(ctx, req); err != nil {
				return false, err
			}
		}
		return changed, nil
	}
	return false, nil
}

// countFailedBlocks counts the blocks that register as failed attempts,
// mirroring the failure criteria of StateFromBlocks.
func countFailedBlocks(blocks []pond.Block, now time.Time) int {
	n := 0
	for _, b := range blocks {
		if b.Canceled || b.AllComplete() {
			continue
		}
		if !b.Attempted() && !b.WhollyPast(now) {
			continue
		}
		if b.AnyFailed() || b.WhollyPast(now) {
			n++
		}
	}
	return n
}

// ReconcileBlocks pulls blocks modified since the checkpoint, reconciles
// every touched request, and re-aggregates each touched group. A failure
// on one record is logged and skipped; the sweep continues.
func (e *Engine) ReconcileBlocks(ctx context.Context, blocks BlockSource, since time.Time) error {
	recent, err := blocks.BlocksSince(ctx, since)
	if err != nil {
		return err
	}

	byRequest := map[int64]bool{}
	for _, b := range recent {
		byRequest[b.RequestID] = true
	}

	touchedGroups := map[int64]bool{}
	for requestID := range byRequest {
		req, err := e.store.GetRequest(ctx, requestID)
		if err != nil {
			e.log.Warn(ctx, "reconciliation skipped request",
				logging.Int64("request", requestID), logging.String("error", err.Error()))
			continue
		}
		g, err := e.store.GetRequestGroup(ctx, req.GroupID)
		if err != nil {
			e.log.Warn(ctx, "reconciliation skipped request group",
				logging.Int64("group", req.GroupID), logging.String("error", err.Error()))
			continue
		}
		// The request's full block history decides its state, not just the
		// blocks that happened to change since the checkpoint.
		history, err := blocks.BlocksForRequest(ctx, requestID)
		if err != nil {
			e.log.Warn(ctx, "reconciliation skipped request",
				logging.Int64("request", requestID), logging.String("error", err.Error()))
			continue
		}
		changed, err := e.UpdateRequestState(ctx, g, req, history, g.Expired(e.clk.Now()))
		if err != nil {
			e.log.Warn(ctx, "reconciliation failed for request",
				logging.Int64("request", requestID), logging.String("error", err.Error()))
			continue
		}
		if changed {
			touchedGroups[req.GroupID] = true
		}
	}

	for groupID := range touchedGroups {
		if err := e.ReaggregateGroup(ctx, groupID); err != nil {
			e.log.Warn(ctx, "reconciliation failed for group",
				logging.Int64("group", groupID), logging.String("error", err.Error()))
		}
	}
	return nil
}

// ReaggregateGroup recomputes a group's state from its children and
// applies the transition when it changed.
func (e *Engine) ReaggregateGroup(ctx context.Context, groupID int64) error {
	g, err := e.store.GetRequestGroup(ctx, groupID)
	if err != nil {
		return err
	}
	next := AggregateRequestStates(g)
	if next == g.State {
		return nil
	}
	return e.TransitionGroup(ctx, g, next)
}

// ExpireWindows moves every PENDING or SCHEDULED request whose last window
// has passed to WINDOW_EXPIRED (crediting stakes per the side-effect
// rules) and re-aggregates the touched groups.
func (e *Engine) ExpireWindows(ctx context.Context) error {
	reqs, err := e.store.RequestsInStates(ctx, model.StatePending, model.StateScheduled)
	if err != nil {
		return err
	}
	now := e.clk.Now()

	touchedGroups := map[int64]bool{}
	for i := range reqs {
		req := &reqs[i]
		if !req.MaxWindowTime().Before(now) {
			continue
		}
		g, err := e.store.GetRequestGroup(ctx, req.GroupID)
		if err != nil {
			e.log.Warn(ctx, "expiration skipped request",
				logging.Int64("request", req.ID), logging.String("error", err.Error()))
			continue
		}
		if err := e.TransitionRequest(ctx, g, req, model.StateWindowExpired); err != nil {
			e.log.Warn(ctx, "expiration failed for request",
				logging.Int64("request", req.ID), logging.String("error", err.Error()))
			continue
		}
		if e.metrics != nil {
			e.metrics.IncExpired()
		}
		touchedGroups[req.GroupID] = true
	}

	for groupID := range touchedGroups {
		if err := e.ReaggregateGroup(ctx, groupID); err != nil {
			e.log.Warn(ctx, "expiration failed for group",
				logging.Int64("group", groupID), logging.String("error", err.Error()))
		}
	}
	return nil
}
