package contention

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/clock"
	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/store/memstore"
	"github.com/signalsfoundry/observation-portal/model"
)

func ptr(f float64) *float64 { return &f }

func seedRequest(t *testing.T, st *memstore.Store, proposal string, ra float64, state model.RequestState, duration int64, start time.Time) {
	t.Helper()
	g := &model.RequestGroup{
		ProposalID:      proposal,
		GroupName:       "contention seed",
		Operator:        model.OperatorSingle,
		IPPValue:        1.0,
		ObservationType: model.ObservationNormal,
		State:           state,
		Requests: []model.Request{{
			State:    state,
			Duration: duration,
			Plans: []model.ExposurePlan{{
				InstrumentName: "1M0-SCICAM-SBIG",
				ExposureCount:  1,
				ExposureTime:   60,
				BinX:           2,
				BinY:           2,
			}},
			Target: model.Target{
				Type: model.TargetSidereal,
				Name: "seed",
				RA:   ptr(ra),
				Dec:  ptr(-30.0),
			},
			Windows: []model.Window{{Start: start, End: start.Add(6 * time.Hour)}},
		}},
	}
	if err := st.CreateRequestGroup(context.Background(), g); err != nil {
		t.Fatalf("CreateRequestGroup: %v", err)
	}
}

func TestReportBinsByRightAscension(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	st := memstore.New()
	// Two proposals in bin 8 (RA 120-135), one in bin 0.
	seedRequest(t, st, "LCO2026A-001", 123.4, model.StatePending, 600, now.Add(time.Hour))
	seedRequest(t, st, "LCO2026A-001", 130.0, model.StatePending, 300, now.Add(2*time.Hour))
	seedRequest(t, st, "LCO2026A-777", 128.0, model.StatePending, 900, now.Add(time.Hour))
	seedRequest(t, st, "LCO2026A-001", 3.0, model.StatePending, 120, now.Add(time.Hour))
	// Outside the lookahead horizon, and already scheduled: both ignored.
	seedRequest(t, st, "LCO2026A-001", 125.0, model.StatePending, 600, now.Add(48*time.Hour))
	seedRequest(t, st, "LCO2026A-001", 125.0, model.StateScheduled, 600, now.Add(time.Hour))

	e := New(st, clock.NewFake(now), logging.Noop())
	rep, err := e.Report(context.Background(), "1M0-SCICAM-SBIG", false)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got := rep.Bins[8]["LCO2026A-001"]; got != 900 {
		t.Errorf("bin 8 LCO2026A-001 = %d, want 900", got)
	}
	if got := rep.Bins[8]["LCO2026A-777"]; got != 900 {
		t.Errorf("bin 8 LCO2026A-777 = %d, want 900", got)
	}
	if got := rep.Bins[0]["LCO2026A-001"]; got != 120 {
		t.Errorf("bin 0 = %d, want 120", got)
	}
	for i, bin := range rep.Bins {
		if i == 0 || i == 8 {
			continue
		}
		if len(bin) != 0 {
			t.Errorf("bin %d = %v, want empty", i, bin)
		}
	}
}

func TestReportAnonymousCollapsesProposals(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	st := memstore.New()
	seedRequest(t, st, "LCO2026A-001", 123.4, model.StatePending, 600, now.Add(time.Hour))
	seedRequest(t, st, "LCO2026A-777", 128.0, model.StatePending, 900, now.Add(time.Hour))

	e := New(st, clock.NewFake(now), logging.Noop())
	rep, err := e.Report(context.Background(), "1M0-SCICAM-SBIG", true)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got := rep.Bins[8][AnonymousProposal]; got != 1500 {
		t.Errorf("bin 8 anonymous = %d, want 1500", got)
	}
	if len(rep.Bins[8]) != 1 {
		t.Errorf("bin 8 = %v, want only %q", rep.Bins[8], AnonymousProposal)
	}
}

func TestReportIgnoresOtherInstruments(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	st := memstore.New()
	seedRequest(t, st, "LCO2026A-001", 123.4, model.StatePending, 600, now.Add(time.Hour))

	e := New(st, clock.NewFake(now), logging.Noop())
	rep, err := e.Report(context.Background(), "2M0-FLOYDS-SCICAM", false)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	for i, bin := range rep.Bins {
		if len(bin) != 0 {
			t.Errorf("bin %d = %v, want empty", i, bin)
		}
	}
}

func TestReportWrapsFullCircleRA(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	st := memstore.New()
	seedRequest(t, st, "LCO2026A-001", 360.0, model.StatePending, 420, now.Add(time.Hour))

	est := New(st, clock.NewFake(now), logging.Noop())
	rep, err := est.Report(context.Background(), "1M0-SCICAM-SBIG", true)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	// RA 360 is the same point as RA 0 and lands in the first bin.
	if got := rep.Bins[0][AnonymousProposal]; got != 420 {
		t.Errorf("bin 0 = %d, want 420", got)
	}
	for i := 1; i < Bins; i++ {
		if len(rep.Bins[i]) != 0 {
			t.Errorf("bin %d = %v, want empty", i, rep.Bins[i])
		}
	}
}
