package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/store"
	"github.com/signalsfoundry/observation-portal/model"
)

func ptr(f float64) *float64 { return &f }

func sampleGroup(start time.Time) *model.RequestGroup {
	return &model.RequestGroup{
		ProposalID:      "LCO2026A-001",
		GroupName:       "memstore sample",
		Operator:        model.OperatorSingle,
		IPPValue:        1.05,
		ObservationType: model.ObservationNormal,
		State:           model.StatePending,
		Requests: []model.Request{{
			State:    model.StatePending,
			Duration: 600,
			Plans: []model.ExposurePlan{{
				InstrumentName: "1M0-SCICAM-SBIG",
				Filter:         "r",
				ExposureCount:  2,
				ExposureTime:   60,
				BinX:           2,
				BinY:           2,
			}},
			Target: model.Target{
				Type: model.TargetSidereal,
				Name: "M51",
				RA:   ptr(202.47),
				Dec:  ptr(47.19),
			},
			Location: model.Location{TelescopeClass: "1m0"},
			Windows:  []model.Window{{Start: start, End: start.Add(6 * time.Hour)}},
		}},
	}
}

func TestCreateAssignsIDsAndTimestamps(t *testing.T) {
	st := New()
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	g := sampleGroup(start)
	if err := st.CreateRequestGroup(ctx, g); err != nil {
		t.Fatalf("CreateRequestGroup: %v", err)
	}
	if g.ID == 0 {
		t.Fatal("group ID not assigned")
	}
	if g.Requests[0].ID == 0 {
		t.Fatal("request ID not assigned")
	}
	if g.Requests[0].GroupID != g.ID {
		t.Fatalf("request GroupID = %d, want %d", g.Requests[0].GroupID, g.ID)
	}
	if g.Created.IsZero() || g.Requests[0].Created.IsZero() {
		t.Fatal("timestamps not set")
	}

	g2 := sampleGroup(start)
	if err := st.CreateRequestGroup(ctx, g2); err != nil {
		t.Fatalf("CreateRequestGroup: %v", err)
	}
	if g2.ID == g.ID || g2.Requests[0].ID == g.Requests[0].ID {
		t.Fatalf("IDs not unique: groups %d/%d requests %d/%d",
			g.ID, g2.ID, g.Requests[0].ID, g2.Requests[0].ID)
	}
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	st := New()
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	g := sampleGroup(start)
	if err := st.CreateRequestGroup(ctx, g); err != nil {
		t.Fatalf("CreateRequestGroup: %v", err)
	}

	got, err := st.GetRequestGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetRequestGroup: %v", err)
	}
	// Mutating the returned copy must not touch the stored group.
	got.GroupName = "mutated"
	got.Requests[0].Plans[0].Filter = "x"
	got.Requests[0].Windows[0].End = start

	again, err := st.GetRequestGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetRequestGroup: %v", err)
	}
	if again.GroupName != "memstore sample" {
		t.Fatalf("stored group name mutated: %q", again.GroupName)
	}
	if again.Requests[0].Plans[0].Filter != "r" {
		t.Fatalf("stored plan mutated: filter %q", again.Requests[0].Plans[0].Filter)
	}
	if !again.Requests[0].Windows[0].End.Equal(start.Add(6 * time.Hour)) {
		t.Fatalf("stored window mutated: %v", again.Requests[0].Windows[0].End)
	}
}

func TestGetRequestGroupNotFound(t *testing.T) {
	st := New()
	if _, err := st.GetRequestGroup(context.Background(), 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := st.GetRequest(context.Background(), 42); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveRequestRoundTrip(t *testing.T) {
	st := New()
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	g := sampleGroup(start)
	if err := st.CreateRequestGroup(ctx, g); err != nil {
		t.Fatalf("CreateRequestGroup: %v", err)
	}
	id := g.Requests[0].ID

	r, err := st.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	r.State = model.StateCompleted
	if err := st.SaveRequest(ctx, r); err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}

	got, err := st.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.State != model.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", got.State)
	}
	if got.GroupID != g.ID {
		t.Fatalf("GroupID = %d, want %d", got.GroupID, g.ID)
	}
	if !got.Modified.After(got.Created) && !got.Modified.Equal(got.Created) {
		t.Fatalf("Modified %v before Created %v", got.Modified, got.Created)
	}

	stray := &model.Request{ID: 9999, State: model.StatePending}
	if err := st.SaveRequest(ctx, stray); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SaveRequest unknown id err = %v, want ErrNotFound", err)
	}
}

func TestSaveGroupState(t *testing.T) {
	st := New()
	ctx := context.Background()
	g := sampleGroup(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if err := st.CreateRequestGroup(ctx, g); err != nil {
		t.Fatalf("CreateRequestGroup: %v", err)
	}
	if err := st.SaveGroupState(ctx, g.ID, model.StateCanceled); err != nil {
		t.Fatalf("SaveGroupState: %v", err)
	}
	got, err := st.GetRequestGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetRequestGroup: %v", err)
	}
	if got.State != model.StateCanceled {
		t.Fatalf("state = %s, want CANCELED", got.State)
	}
	if err := st.SaveGroupState(ctx, 9999, model.StateCanceled); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRequestsInStatesFilters(t *testing.T) {
	st := New()
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	pending := sampleGroup(start)
	if err := st.CreateRequestGroup(ctx, pending); err != nil {
		t.Fatalf("CreateRequestGroup: %v", err)
	}
	sched := sampleGroup(start)
	sched.Requests[0].State = model.StateScheduled
	if err := st.CreateRequestGroup(ctx, sched); err != nil {
		t.Fatalf("CreateRequestGroup: %v", err)
	}

	got, err := st.RequestsInStates(ctx, model.StatePending)
	if err != nil {
		t.Fatalf("RequestsInStates: %v", err)
	}
	if len(got) != 1 || got[0].ID != pending.Requests[0].ID {
		t.Fatalf("got %d requests, want the single pending one", len(got))
	}

	both, err := st.RequestsInStates(ctx, model.StatePending, model.StateScheduled)
	if err != nil {
		t.Fatalf("RequestsInStates: %v", err)
	}
	if len(both) != 2 {
		t.Fatalf("got %d requests, want 2", len(both))
	}
}

func TestSemesterFor(t *testing.T) {
	st := New()
	st.AddSemester(model.Semester{
		ID:    "2026A",
		Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	ctx := context.Background()

	sem, err := st.SemesterFor(ctx,
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("SemesterFor: %v", err)
	}
	if sem.ID != "2026A" {
		t.Fatalf("semester = %s, want 2026A", sem.ID)
	}

	// Straddling the boundary matches no semester.
	_, err = st.SemesterFor(ctx,
		time.Date(2026, 7, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, store.ErrNoSemester) {
		t.Fatalf("err = %v, want ErrNoSemester", err)
	}
}

func TestAllocations(t *testing.T) {
	st := New()
	ctx := context.Background()
	key := model.TimeAllocationKey{SemesterID: "2026A", TelescopeClass: "1m0"}
	st.AddAllocation(model.TimeAllocation{
		ProposalID:       "LCO2026A-001",
		Key:              key,
		StdAllocation:    100,
		IPPLimit:         10,
		IPPTimeAvailable: 5,
	})
	st.AddAllocation(model.TimeAllocation{
		ProposalID:    "LCO2026A-001",
		Key:           model.TimeAllocationKey{SemesterID: "2026A", TelescopeClass: "2m0"},
		StdAllocation: 50,
	})

	a, err := st.AllocationFor(ctx, "LCO2026A-001", key)
	if err != nil {
		t.Fatalf("AllocationFor: %v", err)
	}
	if a.StdAllocation != 100 {
		t.Fatalf("StdAllocation = %v, want 100", a.StdAllocation)
	}

	// Returned allocation is a copy; only SaveAllocation persists.
	a.StdTimeUsed = 7
	same, err := st.AllocationFor(ctx, "LCO2026A-001", key)
	if err != nil {
		t.Fatalf("AllocationFor: %v", err)
	}
	if same.StdTimeUsed != 0 {
		t.Fatalf("StdTimeUsed = %v before SaveAllocation, want 0", same.StdTimeUsed)
	}
	if err := st.SaveAllocation(ctx, a); err != nil {
		t.Fatalf("SaveAllocation: %v", err)
	}
	saved, err := st.AllocationFor(ctx, "LCO2026A-001", key)
	if err != nil {
		t.Fatalf("AllocationFor: %v", err)
	}
	if saved.StdTimeUsed != 7 {
		t.Fatalf("StdTimeUsed = %v, want 7", saved.StdTimeUsed)
	}

	all, err := st.AllocationsFor(ctx, "LCO2026A-001")
	if err != nil {
		t.Fatalf("AllocationsFor: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d allocations, want 2", len(all))
	}

	_, err = st.AllocationFor(ctx, "LCO2026A-999", key)
	if !errors.Is(err, store.ErrNoAllocation) {
		t.Fatalf("err = %v, want ErrNoAllocation", err)
	}
	unknown := model.TimeAllocation{ProposalID: "LCO2026A-999", Key: key}
	if err := st.SaveAllocation(ctx, &unknown); !errors.Is(err, store.ErrNoAllocation) {
		t.Fatalf("SaveAllocation err = %v, want ErrNoAllocation", err)
	}
}

func TestAtomicSeesOwnWrites(t *testing.T) {
	st := New()
	ctx := context.Background()
	g := sampleGroup(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	err := st.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.CreateRequestGroup(ctx, g); err != nil {
			return err
		}
		got, err := tx.GetRequest(ctx, g.Requests[0].ID)
		if err != nil {
			return err
		}
		got.State = model.StateScheduled
		return tx.SaveRequest(ctx, got)
	})
	if err != nil {
		t.Fatalf("Atomic: %v", err)
	}

	r, err := st.GetRequest(ctx, g.Requests[0].ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if r.State != model.StateScheduled {
		t.Fatalf("state = %s, want SCHEDULED", r.State)
	}
}
