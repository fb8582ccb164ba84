// Package contention estimates scheduling pressure on an instrument type
// over the next 24 hours. Pending sidereal requests are binned by right
// ascension so observers can see which parts of the sky are oversubscribed
// before submitting.
package contention

import (
	"context"
	"math"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/clock"
	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/store"
	"github.com/signalsfoundry/observation-portal/model"
)

// Bins is the number of right-ascension buckets, one per hour of RA.
const Bins = 24

// AnonymousProposal is the label all proposals collapse into when the
// caller is not entitled to per-proposal figures.
const AnonymousProposal = "All Proposals"

// lookahead is how far past now pending requests count toward pressure.
const lookahead = 24 * time.Hour

// Report is the binned pressure for one instrument type. Each bin maps
// proposal ID to the summed request duration in seconds for pending
// requests whose target RA falls in that bin.
type Report struct {
	InstrumentType string                `json:"instrument_type"`
	Bins           [Bins]map[string]int64 `json:"contention_data"`
}

// Estimator computes contention reports from the pending request set.
type Estimator struct {
	store store.Store
	clk   clock.Clock
	log   logging.Logger
}

// New constructs an Estimator.
func New(st store.Store, clk clock.Clock, log logging.Logger) *Estimator {
	if log == nil {
		log = logging.Noop()
	}
	return &Estimator{store: st, clk: clk, log: log}
}

// Report bins pending sidereal requests for instrumentType by floor(RA/15)
// and sums their durations per proposal. When anonymous is true every
// proposal collapses into AnonymousProposal.
func (e *Estimator) Report(ctx context.Context, instrumentType string, anonymous bool) (*Report, error) {
	now := e.clk.Now()
	rows, err := e.store.PendingContention(ctx, instrumentType, now, now.Add(lookahead))
	if err != nil {
		return nil, err
	}

	rep := &Report{InstrumentType: instrumentType}
	for i := range rep.Bins {
		rep.Bins[i] = map[string]int64{}
	}
	for _, row := range rows {
		bin, ok := raBin(row.Request.Target)
		if !ok {
			continue
		}
		proposal := row.ProposalID
		if anonymous {
			proposal = AnonymousProposal
		}
		rep.Bins[bin][proposal] += row.Request.Duration
	}
	e.log.Debug(ctx, "contention report built",
		logging.String("instrument_type", instrumentType),
		logging.Int("pending_requests", len(rows)))
	return rep, nil
}

func raBin(t model.Target) (int, bool) {
	if t.Type != model.TargetSidereal || t.RA == nil {
		return 0, false
	}
	// RA 360 is legal input and wraps to 0.
	ra := math.Mod(*t.RA, 360)
	if ra < 0 {
		ra += 360
	}
	bin := int(ra / 15.0)
	if bin >= Bins {
		bin = Bins - 1
	}
	return bin, true
}
