// Package configdb is the instrument capability client. It fetches the full
// site tree from the configuration service in one request, caches it for
// the TTL, and answers capability questions (filters, binnings, overheads,
// schedulability) for the rest of the portal.
//
// There is deliberately no stale fallback here: making scheduling decisions
// against fabricated or outdated instrument data is worse than telling the
// submitter to retry.
package configdb

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
	"github.com/signalsfoundry/observation-portal/model"
)

var (
	// ErrCapabilityUnavailable signals the configuration service could not
	// be reached or returned garbage. Retryable, user facing.
	ErrCapabilityUnavailable = errors.New("configuration service unavailable")
	// ErrInstrumentNotFound signals an instrument type absent from the
	// capability data. Fatal to the computation that asked, not retried.
	ErrInstrumentNotFound = errors.New("instrument type not found in capability data")
)

// CacheTTL is how long one site-tree fetch stays fresh.
const CacheTTL = 900 * time.Second

// spectrographTypes are the camera-type codes treated as spectrographs.
var spectrographTypes = map[string]bool{
	"2M0-FLOYDS-SCICAM": true,
	"0M8-NRES-SCICAM":   true,
}

// Site is one node of the configuration tree: site -> enclosure ->
// telescope -> instrument.
type Site struct {
	Code       string      `json:"code"`
	Latitude   float64     `json:"lat"`
	Longitude  float64     `json:"long"`
	Elevation  float64     `json:"elevation"`
	Enclosures []Enclosure `json:"enclosure_set"`
}

// Enclosure groups the telescopes of one dome.
type Enclosure struct {
	Code       string      `json:"code"`
	Telescopes []Telescope `json:"telescope_set"`
}

// Telescope carries the pointing limits the visibility engine needs.
type Telescope struct {
	Code        string       `json:"code"`
	Latitude    float64      `json:"lat"`
	Longitude   float64      `json:"long"`
	Horizon     float64      `json:"horizon"`
	HALimitNeg  float64      `json:"ha_limit_neg"` // hours east of meridian
	HALimitPos  float64      `json:"ha_limit_pos"` // hours west of meridian
	Instruments []Instrument `json:"instrument_set"`
}

// Class derives the telescope class ("1m0") from the telescope code ("1m0a").
func (t Telescope) Class() string {
	if len(t.Code) < 3 {
		return t.Code
	}
	return t.Code[:3]
}

// Instrument is one mounted camera or spectrograph.
type Instrument struct {
	State         string        `json:"state"`
	ScienceCamera ScienceCamera `json:"science_camera"`
}

// Schedulable reports whether the scheduler may place requests here.
func (i Instrument) Schedulable() bool { return strings.EqualFold(i.State, "SCHEDULABLE") }

// ScienceCamera binds a camera type and its mounted filters.
type ScienceCamera struct {
	CameraType CameraType `json:"camera_type"`
	Filters    string     `json:"filters"` // comma separated
}

// CameraType holds the overhead constants for one instrument type.
type CameraType struct {
	Code                     string        `json:"code"`
	ConfigChangeTime         float64       `json:"config_change_time"`
	FilterChangeTime         float64       `json:"filter_change_time"`
	FrontPadding             float64       `json:"front_padding"`
	FixedOverheadPerExposure float64       `json:"fixed_overhead_per_exposure"`
	AcquireProcessingTime    float64       `json:"acquire_processing_time"`
	AcquireExposureTime      float64       `json:"acquire_exposure_time"`
	DefaultMode              *ReadoutMode  `json:"default_mode"`
	Modes                    []ReadoutMode `json:"mode_set"`
}

// ReadoutMode is one binning mode and its readout overhead in seconds.
type ReadoutMode struct {
	Binning int     `json:"binning"`
	Readout float64 `json:"readout"`
}

// Overheads are the per-request overhead constants of one instrument type.
type Overheads struct {
	ConfigChangeTime      float64
	AcquireProcessingTime float64
	AcquireExposureTime   float64
	FrontPadding          float64
	FilterChangeTime      float64
}

// SiteDetail is what the visibility engine needs to know about one site
// that can serve a request.
type SiteDetail struct {
	SiteCode       string
	TelescopeClass string
	Latitude       float64
	Longitude      float64
	Altitude       float64
	Horizon        float64
	HALimitNeg     float64 // hours
	HALimitPos     float64 // hours
}

// Client fetches and caches the configuration tree. Construct with New and
// share one instance; the zero value is not usable.
type Client struct {
	baseURL string
	httpc   *http.Client
	clk     clock.Clock

	mu        sync.Mutex
	cached    []Site
	fetchedAt time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests point it at httptest).
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpc = h } }

// WithClock overrides the cache clock.
func WithClock(clk clock.Clock) Option { return func(c *Client) { c.clk = clk } }

// New constructs a capability client against baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
		clk:     clock.Real{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sites returns the cached site tree, refreshing it when the TTL lapsed.
func (c *Client) Sites(ctx context.Context) ([]Site, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	if c.cached != nil && now.Sub(c.fetchedAt) < CacheTTL {
		return c.cached, nil
	}

	sites, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = sites
	c.fetchedAt = now
	return sites, nil
}

func (c *Client) fetch(ctx context.Context) ([]Site, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sites/", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: sites/ returned status %d", ErrCapabilityUnavailable, resp.StatusCode)
	}

	var payload struct {
		Results []Site `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decoding sites: %v", ErrCapabilityUnavailable, err)
	}
	if payload.Results == nil {
		return nil, fmt.Errorf("%w: sites/ response missing results", ErrCapabilityUnavailable)
	}
	return payload.Results, nil
}

// instrumentPlacement is a schedulable instrument plus where it sits.
type instrumentPlacement struct {
	site       Site
	enclosure  Enclosure
	telescope  Telescope
	instrument Instrument
}

func (c *Client) schedulable(ctx context.Context) ([]instrumentPlacement, error) {
	sites, err := c.Sites(ctx)
	if err != nil {
		return nil, err
	}
	var out []instrumentPlacement
	for _, site := range sites {
		for _, enc := range site.Enclosures {
			for _, tel := range enc.Telescopes {
				for _, inst := range tel.Instruments {
					if inst.Schedulable() {
						out = append(out, instrumentPlacement{site, enc, tel, inst})
					}
				}
			}
		}
	}
	return out, nil
}

// Filters returns the available filter set for an instrument type.
func (c *Client) Filters(ctx context.Context, instrumentType string) (map[string]bool, error) {
	placements, err := c.schedulable(ctx)
	if err != nil {
		return nil, err
	}
	filters := map[string]bool{}
	for _, p := range placements {
		if !strings.EqualFold(p.instrument.ScienceCamera.CameraType.Code, instrumentType) {
			continue
		}
		for _, f := range strings.Split(p.instrument.ScienceCamera.Filters, ",") {
			if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
				filters[f] = true
			}
		}
	}
	return filters, nil
}

// Binnings returns the available binning modes for an instrument type.
func (c *Client) Binnings(ctx context.Context, instrumentType string) (map[int]bool, error) {
	placements, err := c.schedulable(ctx)
	if err != nil {
		return nil, err
	}
	binnings := map[int]bool{}
	for _, p := range placements {
		if !strings.EqualFold(p.instrument.ScienceCamera.CameraType.Code, instrumentType) {
			continue
		}
		for _, mode := range p.instrument.ScienceCamera.CameraType.Modes {
			binnings[mode.Binning] = true
		}
		break
	}
	return binnings, nil
}

// DefaultBinning returns the default binning for an instrument type.
func (c *Client) DefaultBinning(ctx context.Context, instrumentType string) (int, error) {
	placements, err := c.schedulable(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range placements {
		ct := p.instrument.ScienceCamera.CameraType
		if strings.EqualFold(ct.Code, instrumentType) && ct.DefaultMode != nil {
			return ct.DefaultMode.Binning, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrInstrumentNotFound, instrumentType)
}

// ExposureOverhead returns readout + fixed per-exposure overhead in seconds
// for (instrument type, binning).
func (c *Client) ExposureOverhead(ctx context.Context, instrumentType string, binning int) (float64, error) {
	placements, err := c.schedulable(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range placements {
		ct := p.instrument.ScienceCamera.CameraType
		if !strings.EqualFold(ct.Code, instrumentType) {
			continue
		}
		for _, mode := range ct.Modes {
			if mode.Binning == binning {
				return mode.Readout + ct.FixedOverheadPerExposure, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %s binning %d", ErrInstrumentNotFound, instrumentType, binning)
}

// RequestOverheads returns the per-request overhead constants for an
// instrument type.
func (c *Client) RequestOverheads(ctx context.Context, instrumentType string) (Overheads, error) {
	placements, err := c.schedulable(ctx)
	if err != nil {
		return Overheads{}, err
	}
	for _, p := range placements {
		ct := p.instrument.ScienceCamera.CameraType
		if strings.EqualFold(ct.Code, instrumentType) {
			return Overheads{
				ConfigChangeTime:      ct.ConfigChangeTime,
				AcquireProcessingTime: ct.AcquireProcessingTime,
				AcquireExposureTime:   ct.AcquireExposureTime,
				FrontPadding:          ct.FrontPadding,
				FilterChangeTime:      ct.FilterChangeTime,
			}, nil
		}
	}
	return Overheads{}, fmt.Errorf("%w: %s", ErrInstrumentNotFound, instrumentType)
}

// ActiveInstrumentTypes returns the instrument types schedulable at the
// given location granularity.
func (c *Client) ActiveInstrumentTypes(ctx context.Context, loc model.Location) (map[string]bool, error) {
	placements, err := c.schedulable(ctx)
	if err != nil {
		return nil, err
	}
	types := map[string]bool{}
	for _, p := range placements {
		if !placementMatches(p, loc.Site, loc.Observatory, loc.Telescope) {
			continue
		}
		if loc.TelescopeClass != "" && !strings.EqualFold(p.telescope.Class(), loc.TelescopeClass) {
			continue
		}
		types[strings.ToUpper(p.instrument.ScienceCamera.CameraType.Code)] = true
	}
	return types, nil
}

// SiteDetails returns, per site code, the pointing limits of a site that has
// a schedulable instrument of the given type at the requested location
// granularity. Empty filter strings match everything. The class filter is
// applied here so a site hosting the instrument type on telescopes of two
// classes surfaces the placement the caller asked for.
func (c *Client) SiteDetails(ctx context.Context, instrumentType, site, observatory, telescope, telescopeClass string) (map[string]SiteDetail, error) {
	placements, err := c.schedulable(ctx)
	if err != nil {
		return nil, err
	}
	details := map[string]SiteDetail{}
	for _, p := range placements {
		if instrumentType != "" && !strings.EqualFold(p.instrument.ScienceCamera.CameraType.Code, instrumentType) {
			continue
		}
		if !placementMatches(p, site, observatory, telescope) {
			continue
		}
		if telescopeClass != "" && !strings.EqualFold(p.telescope.Class(), telescopeClass) {
			continue
		}
		if _, seen := details[p.site.Code]; seen {
			continue
		}
		details[p.site.Code] = SiteDetail{
			SiteCode:       p.site.Code,
			TelescopeClass: p.telescope.Class(),
			Latitude:       p.telescope.Latitude,
			Longitude:      p.telescope.Longitude,
			Altitude:       p.site.Elevation,
			Horizon:        p.telescope.Horizon,
			HALimitNeg:     p.telescope.HALimitNeg,
			HALimitPos:     p.telescope.HALimitPos,
		}
	}
	return details, nil
}

// IsSpectrograph reports whether the instrument type is a spectrograph.
func (c *Client) IsSpectrograph(instrumentType string) bool {
	return spectrographTypes[strings.ToUpper(instrumentType)]
}

func placementMatches(p instrumentPlacement, site, observatory, telescope string) bool {
	if site != "" && !strings.EqualFold(p.site.Code, site) {
		return false
	}
	if observatory != "" && !strings.EqualFold(p.enclosure.Code, observatory) {
		return false
	}
	if telescope != "" && !strings.EqualFold(p.telescope.Code, telescope) {
		return false
	}
	return true
}
