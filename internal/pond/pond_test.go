package pond

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBlockPredicates(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	complete := Block{
		End: now.Add(-time.Hour),
		Executions: []Execution{
			{Completed: true, ExposureCount: 2, ExposureTime: 60},
			{Completed: true, ExposureCount: 1, ExposureTime: 30},
		},
	}
	if !complete.AllComplete() || complete.AnyFailed() || !complete.Attempted() {
		t.Errorf("complete block predicates wrong: %+v", complete)
	}
	if !complete.WhollyPast(now) {
		t.Error("elapsed block not wholly past")
	}
	if complete.CompletionPercent() != 100 {
		t.Errorf("complete percent = %v, want 100", complete.CompletionPercent())
	}

	untouched := Block{End: now.Add(time.Hour), Executions: []Execution{
		{ExposureCount: 2, ExposureTime: 60},
	}}
	if untouched.Attempted() || untouched.AllComplete() {
		t.Errorf("untouched block predicates wrong: %+v", untouched)
	}

	empty := Block{}
	if empty.AllComplete() {
		t.Error("block with no executions counted complete")
	}
}

func TestCompletionPercentWeightsByExposureTime(t *testing.T) {
	b := Block{Executions: []Execution{
		// 10 of 10 short exposures done: 10*10 = 100 s attempted.
		{ExposureCount: 10, ExposureTime: 10, Events: []Event{{CompletedExposures: 10}}},
		// 0 of 1 long exposure done: 0 of 300 s.
		{ExposureCount: 1, ExposureTime: 300, Failed: true},
	}}
	// 100 / 400 = 25%
	if got := b.CompletionPercent(); got != 25 {
		t.Errorf("percent = %v, want 25", got)
	}
}

func TestBlocksForRequestPadsID(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"results": [{"id": 1, "request_id": 42, "canceled": false}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL).WithHTTPClient(srv.Client())
	blocks, err := c.BlocksForRequest(context.Background(), 42)
	if err != nil {
		t.Fatalf("BlocksForRequest: %v", err)
	}
	if path != "/pond/block/request/0000000042.json" {
		t.Errorf("path = %q, want zero-padded request path", path)
	}
	if len(blocks) != 1 || blocks[0].RequestID != 42 {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestBlocksSincePassesTimestamp(t *testing.T) {
	var since string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since = r.URL.Query().Get("since")
		w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	c := New(srv.URL).WithHTTPClient(srv.Client())
	at := time.Date(2026, 4, 1, 6, 30, 0, 0, time.UTC)
	if _, err := c.BlocksSince(context.Background(), at); err != nil {
		t.Fatalf("BlocksSince: %v", err)
	}
	if since != "2026-04-01T06:30:00Z" {
		t.Errorf("since = %q", since)
	}
}

func TestUnavailableSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL).WithHTTPClient(srv.Client())
	if _, err := c.BlocksForRequest(context.Background(), 1); !errors.Is(err, ErrPondUnavailable) {
		t.Errorf("err = %v, want ErrPondUnavailable", err)
	}
}
