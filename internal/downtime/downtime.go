// Package downtime mirrors the network's scheduled maintenance calendar.
// Downtime data degrades gracefully: a stale calendar is far better than
// none when deciding where a request can run, so unlike the capability
// client this one serves the last good fetch when the source is down.
package downtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/clock"
	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/visibility"
)

// ErrDowntimeUnavailable is returned only when no fetch has ever
// succeeded; after the first success the client always has something to
// serve.
var ErrDowntimeUnavailable = errors.New("downtime calendar unavailable")

// CacheTTL is how long one calendar fetch stays fresh.
const CacheTTL = 900 * time.Second

// timeLayout is the wire format of the calendar timestamps.
const timeLayout = "2006-01-02T15:04:05Z"

// entry is one scheduled outage on the wire.
type entry struct {
	Site        string `json:"site"`
	Observatory string `json:"observatory"`
	Telescope   string `json:"telescope"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

// Client fetches and caches the downtime calendar keyed by resource
// ("tel.obs.site").
type Client struct {
	baseURL string
	httpc   *http.Client
	clk     clock.Clock
	log     logging.Logger

	mu        sync.Mutex
	cached    map[string][]visibility.Interval
	fetchedAt time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpc = h } }

// WithClock overrides the cache clock.
func WithClock(clk clock.Clock) Option { return func(c *Client) { c.clk = clk } }

// New constructs a downtime client against baseURL.
func New(baseURL string, log logging.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		clk:     clock.Real{},
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Intervals returns scheduled-downtime intervals per resource key
// "tel.obs.site". On fetch failure it logs and serves the previous data.
func (c *Client) Intervals(ctx context.Context) (map[string][]visibility.Interval, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	if c.cached != nil && now.Sub(c.fetchedAt) < CacheTTL {
		return c.cached, nil
	}

	fresh, err := c.fetch(ctx)
	if err != nil {
		if c.cached != nil {
			c.log.Warn(ctx, "downtime fetch failed, serving stale calendar",
				logging.String("error", err.Error()))
			return c.cached, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrDowntimeUnavailable, err)
	}
	c.cached = fresh
	c.fetchedAt = now
	return fresh, nil
}

// For returns the downtime intervals of a single resource.
func (c *Client) For(ctx context.Context, telescope, observatory, site string) ([]visibility.Interval, error) {
	all, err := c.Intervals(ctx)
	if err != nil {
		return nil, err
	}
	return all[resourceKey(telescope, observatory, site)], nil
}

// ForSite unions the downtime of every resource at a site, for consumers
// that resolve candidates at site granularity.
func (c *Client) ForSite(ctx context.Context, site string) ([]visibility.Interval, error) {
	all, err := c.Intervals(ctx)
	if err != nil {
		return nil, err
	}
	var out []visibility.Interval
	for key, intervals := range all {
		if strings.HasSuffix(key, "."+site) {
			out = append(out, intervals...)
		}
	}
	return visibility.Coalesce(out), nil
}

func (c *Client) fetch(ctx context.Context) (map[string][]visibility.Interval, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downtime endpoint returned status %d", resp.StatusCode)
	}

	var entries []entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding downtime calendar: %w", err)
	}

	byResource := map[string][]visibility.Interval{}
	for _, e := range entries {
		start, err := time.Parse(timeLayout, e.Start)
		if err != nil {
			return nil, fmt.Errorf("downtime start %q: %w", e.Start, err)
		}
		end, err := time.Parse(timeLayout, e.End)
		if err != nil {
			return nil, fmt.Errorf("downtime end %q: %w", e.End, err)
		}
		key := resourceKey(e.Telescope, e.Observatory, e.Site)
		byResource[key] = append(byResource[key], visibility.Interval{Start: start, End: end})
	}
	for key, intervals := range byResource {
		byResource[key] = visibility.Coalesce(intervals)
	}
	return byResource, nil
}

func resourceKey(telescope, observatory, site string) string {
	return fmt.Sprintf("%s.%s.%s", telescope, observatory, site)
}
