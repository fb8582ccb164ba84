package portal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/cadence"
	"github.com/signalsfoundry/observation-portal/internal/clock"
	"github.com/signalsfoundry/observation-portal/internal/configdb"
	"github.com/signalsfoundry/observation-portal/internal/duration"
	"github.com/signalsfoundry/observation-portal/internal/ledger"
	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/store/memstore"
	"github.com/signalsfoundry/observation-portal/internal/visibility"
	"github.com/signalsfoundry/observation-portal/model"
)

// fakeCaps serves a single imager without a configuration service.
type fakeCaps struct{}

func (fakeCaps) ActiveInstrumentTypes(_ context.Context, loc model.Location) (map[string]bool, error) {
	if loc.TelescopeClass != "1m0" {
		return map[string]bool{}, nil
	}
	return map[string]bool{"1M0-SCICAM-SBIG": true}, nil
}

func (fakeCaps) Filters(context.Context, string) (map[string]bool, error) {
	return map[string]bool{"r": true, "g": true}, nil
}

func (fakeCaps) Binnings(context.Context, string) (map[int]bool, error) {
	return map[int]bool{1: true, 2: true}, nil
}

func (fakeCaps) DefaultBinning(context.Context, string) (int, error) { return 2, nil }

func (fakeCaps) IsSpectrograph(string) bool { return false }

func (fakeCaps) ExposureOverhead(context.Context, string, int) (float64, error) {
	return 15.5, nil
}

func (fakeCaps) RequestOverheads(context.Context, string) (configdb.Overheads, error) {
	return configdb.Overheads{FilterChangeTime: 2.0, FrontPadding: 90.0}, nil
}

// alwaysVisible reports every window as one fully observable stretch.
type alwaysVisible struct{}

func (alwaysVisible) SiteIntervals(_ context.Context, req *model.Request) (map[string][]visibility.Interval, error) {
	var out []visibility.Interval
	for _, w := range req.Windows {
		out = append(out, visibility.Interval{Start: w.Start, End: w.End})
	}
	return map[string][]visibility.Interval{"tst": out}, nil
}

func (alwaysVisible) Feasible(context.Context, *model.Request, int64) error { return nil }

const testProposal = "LCO2026A-001"

func newFixture(t *testing.T) (*Pipeline, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	st.AddSemester(model.Semester{
		ID:    "2026A",
		Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	st.AddAllocation(model.TimeAllocation{
		ProposalID:       testProposal,
		Key:              model.TimeAllocationKey{SemesterID: "2026A", TelescopeClass: "1m0"},
		StdAllocation:    100,
		TooAllocation:    0,
		IPPLimit:         10,
		IPPTimeAvailable: 5,
	})

	calc := duration.New(fakeCaps{})
	led := ledger.New(st, logging.Noop())
	cad := cadence.New(alwaysVisible{}, calc)
	clk := clock.NewFake(time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC))
	pipe := NewPipeline(fakeCaps{}, alwaysVisible{}, cad, calc, led, st, clk, logging.Noop())
	return pipe, st
}

func ptr(f float64) *float64 { return &f }

func validGroup() *model.RequestGroup {
	return &model.RequestGroup{
		ProposalID:      testProposal,
		GroupName:       "NGC 6946 monitoring",
		Operator:        model.OperatorSingle,
		IPPValue:        1.05,
		ObservationType: model.ObservationNormal,
		Requests: []model.Request{{
			Plans: []model.ExposurePlan{{
				Type:           model.PlanExpose,
				InstrumentName: "1M0-SCICAM-SBIG",
				Filter:         "r",
				ExposureTime:   30,
				ExposureCount:  2,
			}},
			Target: model.Target{
				Type: model.TargetSidereal,
				Name: "NGC 6946",
				RA:   ptr(120.0),
				Dec:  ptr(-30.0),
			},
			Location: model.Location{TelescopeClass: "1m0"},
			Windows: []model.Window{{
				Start: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
			}},
		}},
	}
}

func TestSubmitPersistsPendingGroup(t *testing.T) {
	pipe, st := newFixture(t)
	ctx := context.Background()

	created, err := pipe.Submit(ctx, validGroup())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("Submit left the group id unset")
	}
	if created.State != model.StatePending {
		t.Errorf("group state = %s, want PENDING", created.State)
	}
	req := created.Requests[0]
	if req.State != model.StatePending {
		t.Errorf("request state = %s, want PENDING", req.State)
	}
	// 2*(30+15.5) exposures + 5 gap + 11 startup + one filter run + padding.
	if req.Duration != 199 {
		t.Errorf("duration = %d, want 199", req.Duration)
	}
	if req.Plans[0].BinX != 2 || req.Plans[0].BinY != 2 {
		t.Errorf("binning = %dx%d, want default 2x2 filled in", req.Plans[0].BinX, req.Plans[0].BinY)
	}
	if req.Target.Epoch == nil || *req.Target.Epoch != 2000.0 {
		t.Errorf("target epoch default not filled: %+v", req.Target)
	}

	stored, err := st.GetRequestGroup(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRequestGroup: %v", err)
	}
	if stored.Requests[0].Duration != 199 {
		t.Errorf("stored duration = %d, want 199", stored.Requests[0].Duration)
	}

	alloc, err := st.AllocationFor(ctx, testProposal, model.TimeAllocationKey{SemesterID: "2026A", TelescopeClass: "1m0"})
	if err != nil {
		t.Fatalf("AllocationFor: %v", err)
	}
	if alloc.IPPTimeAvailable >= 5 || alloc.IPPTimeAvailable < 4.99 {
		t.Errorf("ipp available = %v, want a small stake debited from 5", alloc.IPPTimeAvailable)
	}
}

func TestSubmitCollectsFieldErrors(t *testing.T) {
	pipe, st := newFixture(t)
	g := validGroup()
	g.ProposalID = testProposal
	g.IPPValue = 3.0
	g.Requests[0].Plans[0].Filter = "x"

	_, err := pipe.Submit(context.Background(), g)
	var fe model.FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("Submit error = %v, want field errors", err)
	}
	for _, field := range []string{"ipp_value", "requests.0.exposure_plans.0.filter"} {
		if len(fe[field]) == 0 {
			t.Errorf("missing field error for %s in %v", field, fe)
		}
	}

	pending, err := st.RequestsInStates(context.Background(), model.StatePending)
	if err != nil {
		t.Fatalf("RequestsInStates: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("rejected submission persisted %d requests", len(pending))
	}
}

func TestSubmitSingleOperatorArity(t *testing.T) {
	pipe, _ := newFixture(t)
	g := validGroup()
	g.Requests = append(g.Requests, g.Requests[0])

	_, err := pipe.Submit(context.Background(), g)
	var fe model.FieldErrors
	if !errors.As(err, &fe) || len(fe["operator"]) == 0 {
		t.Fatalf("Submit error = %v, want operator field error", err)
	}
}

func TestSubmitRejectsUnaffordableIPP(t *testing.T) {
	pipe, st := newFixture(t)
	st.AddAllocation(model.TimeAllocation{
		ProposalID:       testProposal,
		Key:              model.TimeAllocationKey{SemesterID: "2026A", TelescopeClass: "1m0"},
		StdAllocation:    100,
		IPPLimit:         10,
		IPPTimeAvailable: 0.00001,
	})
	g := validGroup()
	g.IPPValue = 2.0

	_, err := pipe.Submit(context.Background(), g)
	var tae *ledger.TimeAllocationError
	if !errors.As(err, &tae) {
		t.Fatalf("Submit error = %v, want time allocation error", err)
	}
	if tae.MaxIPP < model.IPPMin || tae.MaxIPP >= 2.0 {
		t.Errorf("MaxIPP = %v, want a sustainable value below the stake", tae.MaxIPP)
	}
}

func TestSubmitTooNeedsRapidResponseTime(t *testing.T) {
	pipe, _ := newFixture(t)
	g := validGroup()
	g.ObservationType = model.ObservationTOO

	_, err := pipe.Submit(context.Background(), g)
	var fe model.FieldErrors
	if !errors.As(err, &fe) || len(fe["requests.0.observation_type"]) == 0 {
		t.Fatalf("Submit error = %v, want observation_type field error", err)
	}
}

func TestSubmitExpandsCadence(t *testing.T) {
	pipe, _ := newFixture(t)
	g := validGroup()
	g.Requests[0].Windows = nil
	g.Requests[0].Cadence = &model.Cadence{
		Start:       time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC),
		PeriodHours: 8,
		JitterHours: 2,
	}

	created, err := pipe.Submit(context.Background(), g)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Repeats at 0, 8, 16, and 24 h; the edge windows clip to the span.
	if got := len(created.Requests[0].Windows); got != 4 {
		t.Fatalf("windows = %v, want 4", created.Requests[0].Windows)
	}
}

func TestSubmitFillWindowExposureCount(t *testing.T) {
	pipe, _ := newFixture(t)
	g := validGroup()
	g.Requests[0].Plans[0].FillWindow = true
	g.Requests[0].Plans[0].ExposureCount = 0
	g.Requests[0].Windows = []model.Window{{
		Start: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 1, 1, 0, 0, 0, time.UTC),
	}}

	created, err := pipe.Submit(context.Background(), g)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	plan := created.Requests[0].Plans[0]
	if plan.FillWindow {
		t.Error("fill window marker survived submission")
	}
	// floor((3600 - 16) / 45.5) exposures of the one visible hour.
	if plan.ExposureCount != 78 {
		t.Errorf("exposure count = %d, want 78", plan.ExposureCount)
	}
}

func TestValidateLeavesStoreUntouched(t *testing.T) {
	pipe, st := newFixture(t)
	g := validGroup()

	if err := pipe.Validate(context.Background(), g); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if g.Requests[0].Duration != 199 {
		t.Errorf("validate duration = %d, want 199", g.Requests[0].Duration)
	}
	pending, err := st.RequestsInStates(context.Background(), model.StatePending)
	if err != nil {
		t.Fatalf("RequestsInStates: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Validate persisted %d requests", len(pending))
	}
	alloc, _ := st.AllocationFor(context.Background(), testProposal, model.TimeAllocationKey{SemesterID: "2026A", TelescopeClass: "1m0"})
	if alloc.IPPTimeAvailable != 5 {
		t.Errorf("Validate debited the allocation: %v", alloc.IPPTimeAvailable)
	}
}
