// Package telstates reads the telescope event log and condenses raw event
// streams into contiguous state intervals. The raw log records an event
// per state transition attempt, so bursts of related events (a sequencer
// bounce, an interlock trailing it) must be lumped into one state before
// any availability arithmetic makes sense.
package telstates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/visibility"
)

// ErrEventLogUnavailable signals the event log could not be queried.
var ErrEventLogUnavailable = errors.New("telescope event log unavailable")

// LumpGap is the spacing under which consecutive events merge into one
// lump.
const LumpGap = 60 * time.Second

// carryOverLead is how far before the query start events are fetched so
// the state in force at the boundary is known.
const carryOverLead = time.Hour

// Event types with special lumping behavior.
const (
	EventAvailable            = "AVAILABLE"
	EventSequencerUnavailable = "SEQUENCER_UNAVAILABLE"
	EventEnclosureInterlock   = "ENCLOSURE_INTERLOCK"
)

// Event is one raw entry of the log: a state transition on one telescope.
type Event struct {
	Telescope string    `json:"telescope"` // "tel.obs.site"
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	Time      time.Time `json:"timestamp"`
}

// State is one lumped interval of telescope state.
type State struct {
	Telescope   string    `json:"telescope"`
	EventType   string    `json:"event_type"`
	EventReason string    `json:"event_reason"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// Available reports whether the state accepts observations.
func (s State) Available() bool { return s.EventType == EventAvailable }

// Client pages through the event log service.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     logging.Logger

	mu sync.Mutex
}

// New constructs an event log client against baseURL.
func New(baseURL string, log logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpc = h
	return c
}

type eventsPage struct {
	Results []Event `json:"results"`
	Next    string  `json:"next"` // opaque cursor, empty on the last page
}

// Events fetches raw events overlapping [start, end] for the given site
// filter (empty matches all), extending the range backwards so carry-over
// state is captured. Pages are walked to exhaustion via the cursor.
func (c *Client) Events(ctx context.Context, start, end time.Time, sites []string, telescope string) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var all []Event
	cursor := ""
	for {
		page, err := c.fetchPage(ctx, start.Add(-carryOverLead), end, sites, telescope, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Results...)
		if page.Next == "" {
			return all, nil
		}
		cursor = page.Next
	}
}

func (c *Client) fetchPage(ctx context.Context, start, end time.Time, sites []string, telescope, cursor string) (*eventsPage, error) {
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	for _, s := range sites {
		q.Add("site", s)
	}
	if telescope != "" {
		q.Set("telescope", telescope)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events/?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEventLogUnavailable, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEventLogUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: events returned status %d", ErrEventLogUnavailable, resp.StatusCode)
	}

	var page eventsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("%w: decoding events: %v", ErrEventLogUnavailable, err)
	}
	return &page, nil
}

// States fetches events and lumps them into state intervals clipped to
// [start, end].
func (c *Client) States(ctx context.Context, start, end time.Time, sites []string, telescope string) ([]State, error) {
	events, err := c.Events(ctx, start, end, sites, telescope)
	if err != nil {
		return nil, err
	}
	return Lump(events, start, end), nil
}

// Lump condenses raw events into state intervals per telescope. An event
// joins the open lump when it arrives within LumpGap of the previous
// event, shares its scheduling reason, or is an enclosure interlock
// trailing a sequencer outage (interlocks raised by a dying sequencer are
// symptoms, not states). Each lump spans from its first event to the start
// of the next lump, clipped to the query bounds.
func Lump(events []Event, start, end time.Time) []State {
	byTelescope := map[string][]Event{}
	for _, ev := range events {
		byTelescope[ev.Telescope] = append(byTelescope[ev.Telescope], ev)
	}

	var keys []string
	for k := range byTelescope {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []State
	for _, key := range keys {
		evs := byTelescope[key]
		sort.Slice(evs, func(i, j int) bool { return evs[i].Time.Before(evs[j].Time) })
		out = append(out, lumpTelescope(key, evs, start, end)...)
	}
	return out
}

func lumpTelescope(telescope string, evs []Event, start, end time.Time) []State {
	type lump struct {
		first        Event
		lastTime     time.Time
		hasSequencer bool
	}
	var lumps []lump
	for _, ev := range evs {
		if len(lumps) > 0 {
			open := &lumps[len(lumps)-1]
			joins := ev.Time.Sub(open.lastTime) <= LumpGap ||
				(ev.Reason != "" && ev.Reason == open.first.Reason) ||
				(ev.Type == EventEnclosureInterlock && open.hasSequencer)
			if joins {
				open.lastTime = ev.Time
				if ev.Type == EventSequencerUnavailable {
					open.hasSequencer = true
				}
				continue
			}
		}
		lumps = append(lumps, lump{
			first:        ev,
			lastTime:     ev.Time,
			hasSequencer: ev.Type == EventSequencerUnavailable,
		})
	}

	var out []State
	for i, l := range lumps {
		s := State{
			Telescope:   telescope,
			EventType:   l.first.Type,
			EventReason: l.first.Reason,
			Start:       l.first.Time,
		}
		if i+1 < len(lumps) {
			s.End = lumps[i+1].first.Time
		} else {
			s.End = end
		}
		if s.End.After(end) {
			s.End = end
		}
		if s.Start.Before(start) {
			s.Start = start
		}
		if s.End.After(s.Start) {
			out = append(out, s)
		}
	}
	return out
}

// ClipToIntervals restricts states to the given interval set (typically a
// site's dark intervals), splitting states that span interval boundaries.
// A state wholly outside every interval is dropped.
func ClipToIntervals(states []State, intervals []visibility.Interval) []State {
	var out []State
	for _, s := range states {
		for _, iv := range intervals {
			start, end := s.Start, s.End
			if start.Before(iv.Start) {
				start = iv.Start
			}
			if end.After(iv.End) {
				end = iv.End
			}
			if end.After(start) {
				clipped := s
				clipped.Start, clipped.End = start, end
				out = append(out, clipped)
			}
		}
	}
	return out
}

// nightGap is the dead time that separates two observing nights in a
// single telescope's state history.
const nightGap = 4 * time.Hour

// NightAvailability is the AVAILABLE fraction of one observing night.
type NightAvailability struct {
	Night    time.Time // start of the night's first state
	Fraction float64
}

// AvailabilityPerNight splits one telescope's states into observing
// nights and returns the AVAILABLE fraction of each complete night. The
// first and last nights are dropped as they are usually truncated by the
// query range.
func AvailabilityPerNight(states []State) []NightAvailability {
	if len(states) == 0 {
		return nil
	}
	sorted := make([]State, len(states))
	copy(sorted, states)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var nights [][]State
	current := []State{sorted[0]}
	for _, s := range sorted[1:] {
		if s.Start.Sub(current[len(current)-1].End) >= nightGap {
			nights = append(nights, current)
			current = nil
		}
		current = append(current, s)
	}
	nights = append(nights, current)

	if len(nights) <= 2 {
		return nil
	}
	var out []NightAvailability
	for _, night := range nights[1 : len(nights)-1] {
		var available, total time.Duration
		for _, s := range night {
			d := s.End.Sub(s.Start)
			total += d
			if s.Available() {
				available += d
			}
		}
		if total == 0 {
			continue
		}
		out = append(out, NightAvailability{
			Night:    night[0].Start,
			Fraction: float64(available) / float64(total),
		})
	}
	return out
}
