// Package pond talks to the scheduler's block store to learn what actually
// happened on the telescopes. A block is one scheduled run of a request;
// its plan executions report per-plan completion and how many exposures
// were attempted, which drives request state reconciliation.
package pond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrPondUnavailable signals the block store could not be queried.
var ErrPondUnavailable = errors.New("block store unavailable")

// Event is one progress report of a plan execution.
type Event struct {
	CompletedExposures int `json:"completed_exposures"`
}

// Execution is the outcome of one exposure plan inside a block.
type Execution struct {
	ExposureTime  float64 `json:"exposure_time"`
	ExposureCount int     `json:"exposure_count"`
	Completed     bool    `json:"completed"`
	Failed        bool    `json:"failed"`
	Events        []Event `json:"events"`
}

// AttemptedExposures returns the highest exposure count any progress event
// reported.
func (e Execution) AttemptedExposures() int {
	max := 0
	for _, ev := range e.Events {
		if ev.CompletedExposures > max {
			max = ev.CompletedExposures
		}
	}
	return max
}

// Block is one scheduled run of a request.
type Block struct {
	ID         int64       `json:"id"`
	RequestID  int64       `json:"request_id"`
	Start      time.Time   `json:"start"`
	End        time.Time   `json:"end"`
	Canceled   bool        `json:"canceled"`
	Executions []Execution `json:"plan_executions"`
}

// AllComplete reports whether every plan execution finished.
func (b Block) AllComplete() bool {
	if len(b.Executions) == 0 {
		return false
	}
	for _, e := range b.Executions {
		if !e.Completed {
			return false
		}
	}
	return true
}

// AnyFailed reports whether any plan execution failed.
func (b Block) AnyFailed() bool {
	for _, e := range b.Executions {
		if e.Failed {
			return true
		}
	}
	return false
}

// Attempted reports whether the block ever ran: some execution completed,
// failed, or reported exposures.
func (b Block) Attempted() bool {
	for _, e := range b.Executions {
		if e.Completed || e.Failed || e.AttemptedExposures() > 0 {
			return true
		}
	}
	return false
}

// WhollyPast reports whether the block's scheduled span has fully elapsed.
func (b Block) WhollyPast(now time.Time) bool { return b.End.Before(now) }

// CompletionPercent returns the exposure-time-weighted share of the block
// that was attempted, in percent.
func (b Block) CompletionPercent() float64 {
	var attempted, planned float64
	for _, e := range b.Executions {
		planned += float64(e.ExposureCount) * e.ExposureTime
		n := e.AttemptedExposures()
		if e.Completed && n < e.ExposureCount {
			n = e.ExposureCount
		}
		if n > e.ExposureCount {
			n = e.ExposureCount
		}
		attempted += float64(n) * e.ExposureTime
	}
	if planned == 0 {
		return 0
	}
	return attempted / planned * 100.0
}

// Client fetches blocks from the block store.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New constructs a block store client against baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpc = h
	return c
}

// BlocksForRequest fetches every block scheduled for one request.
func (c *Client) BlocksForRequest(ctx context.Context, requestID int64) ([]Block, error) {
	u := fmt.Sprintf("%s/pond/block/request/%010d.json", c.baseURL, requestID)
	return c.get(ctx, u)
}

// BlocksSince fetches blocks modified since the given time, for the
// reconciliation sweep.
func (c *Client) BlocksSince(ctx context.Context, since time.Time) ([]Block, error) {
	u := fmt.Sprintf("%s/pond/blocks/?since=%s", c.baseURL,
		url.QueryEscape(since.UTC().Format(time.RFC3339)))
	return c.get(ctx, u)
}

func (c *Client) get(ctx context.Context, u string) ([]Block, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPondUnavailable, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPondUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: block store returned status %d", ErrPondUnavailable, resp.StatusCode)
	}

	var payload struct {
		Results []Block `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decoding blocks: %v", ErrPondUnavailable, err)
	}
	return payload.Results, nil
}
