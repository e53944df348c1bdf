package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/tkarro/veemeeter/pkg/models"
)

const (
	// DefaultBaseURL is the Tallinna Vesi self-service portal
	DefaultBaseURL = "https://klient.tallinnavesi.ee"

	overviewEndpoint     = "/api/Readings"
	readingsEndpoint     = "/api/SmartMeter/GetSmartMeterReadings"
	supplyPointsEndpoint = "/api/SmartMeter/GetSupplyPointsWithSmartMeter"

	requestTimeout = 30 * time.Second
)

// ResponseMeta captures metadata about the last API call for diagnostics.
// It never contains the API key or response bodies.
type ResponseMeta struct {
	Endpoint  string        `json:"endpoint"`
	Status    int           `json:"status"`
	Duration  time.Duration `json:"duration_ms"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// Client calls the Tallinna Vesi self-service REST API. All calls carry the
// API key as an X-API-Key header and classify failures into AuthError or
// TransientError at this boundary, so callers never see raw transport errors.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	metaMu   sync.Mutex
	lastMeta *ResponseMeta
}

// New creates a client for the production API
func New(apiKey string) *Client {
	return NewWithBaseURL(DefaultBaseURL, apiKey)
}

// NewWithBaseURL creates a client against an alternate base URL (used by tests)
func NewWithBaseURL(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// LastResponse returns metadata about the most recent API call, or nil if no
// call has been made yet
func (c *Client) LastResponse() *ResponseMeta {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if c.lastMeta == nil {
		return nil
	}
	meta := *c.lastMeta
	return &meta
}

// GetOverviewReadings fetches the per-meter reading overview. This is the
// cheapest authenticated call, so setup uses it to validate the API key and
// to find out which meters are smart.
func (c *Client) GetOverviewReadings(ctx context.Context) ([]models.MeterOverview, error) {
	var payload struct {
		Results []struct {
			Address         string   `json:"address"`
			MeterNr         string   `json:"meterNr"`
			MeterType       string   `json:"meterType"`
			LastReading     *float64 `json:"lastReading"`
			LastReadingDate string   `json:"lastReadingDate"`
		} `json:"results"`
	}

	if err := c.get(ctx, overviewEndpoint, nil, &payload); err != nil {
		return nil, err
	}

	overview := make([]models.MeterOverview, 0, len(payload.Results))
	for _, item := range payload.Results {
		overview = append(overview, models.MeterOverview{
			Address:         item.Address,
			MeterNr:         item.MeterNr,
			MeterType:       item.MeterType,
			LastReading:     item.LastReading,
			LastReadingDate: parseOverviewDate(item.LastReadingDate),
		})
	}

	return overview, nil
}

// GetSupplyPoints fetches the supply points that have a smart meter attached
func (c *Client) GetSupplyPoints(ctx context.Context) ([]models.SupplyPoint, error) {
	var payload []struct {
		MeterNr       string `json:"meterNr"`
		SupplyPointID string `json:"supplyPointId"`
		ObjectID      string `json:"objectId"`
		Address       string `json:"address"`
	}

	if err := c.get(ctx, supplyPointsEndpoint, nil, &payload); err != nil {
		return nil, err
	}

	points := make([]models.SupplyPoint, 0, len(payload))
	for _, item := range payload {
		points = append(points, models.SupplyPoint{
			MeterNr:       item.MeterNr,
			SupplyPointID: item.SupplyPointID,
			ObjectID:      item.ObjectID,
			Address:       item.Address,
		})
	}

	return points, nil
}

// SmartSupplyPoints lists supply points whose meter shows up as smart in the
// reading overview. Returns ErrNoSmartMeter when the account has none; this
// check gates setup completion.
func (c *Client) SmartSupplyPoints(ctx context.Context) ([]models.SupplyPoint, error) {
	overview, err := c.GetOverviewReadings(ctx)
	if err != nil {
		return nil, err
	}

	smartByMeter := make(map[string]models.MeterOverview)
	for _, item := range overview {
		if item.IsSmart() && item.MeterNr != "" {
			smartByMeter[item.MeterNr] = item
		}
	}
	if len(smartByMeter) == 0 {
		return nil, ErrNoSmartMeter
	}

	points, err := c.GetSupplyPoints(ctx)
	if err != nil {
		return nil, err
	}

	var smart []models.SupplyPoint
	for _, sp := range points {
		item, ok := smartByMeter[sp.MeterNr]
		if !ok {
			continue
		}
		if sp.Address == "" {
			sp.Address = item.Address
		}
		smart = append(smart, sp)
	}
	if len(smart) == 0 {
		return nil, ErrNoSmartMeter
	}

	return smart, nil
}

// ReadingsResult is the payload of the smart meter readings endpoint
type ReadingsResult struct {
	MeterNr       string
	SupplyPointID string
	Readings      []models.Reading
	Errors        []string
}

// GetReadings fetches cumulative readings for a meter, optionally starting
// from a timestamp. The returned slice is sorted ascending by timestamp;
// entries with unparseable dates are dropped.
func (c *Client) GetReadings(ctx context.Context, meterNr string, from *time.Time) (*ReadingsResult, error) {
	params := url.Values{}
	params.Set("meterNr", meterNr)
	if from != nil {
		params.Set("from", formatQueryTime(*from))
	}

	var payload struct {
		MeterNr       string `json:"meterNr"`
		SupplyPointID string `json:"supplyPointId"`
		Readings      []struct {
			Reading     *float64 `json:"reading"`
			ReadingEnd  *float64 `json:"readingEnd"`
			ReadingDate string   `json:"readingDate"`
		} `json:"readings"`
		Errors []string `json:"errors"`
	}

	if err := c.get(ctx, readingsEndpoint, params, &payload); err != nil {
		return nil, err
	}

	readings := make([]models.Reading, 0, len(payload.Readings))
	for _, item := range payload.Readings {
		ts, ok := parseReadingDate(item.ReadingDate)
		if !ok {
			continue
		}
		readings = append(readings, models.Reading{
			Value:     item.Reading,
			ValueEnd:  item.ReadingEnd,
			Timestamp: ts.UTC(),
		})
	}

	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	return &ReadingsResult{
		MeterNr:       payload.MeterNr,
		SupplyPointID: payload.SupplyPointID,
		Readings:      readings,
		Errors:        payload.Errors,
	}, nil
}

// get executes an authenticated GET and decodes the JSON body into out
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordMeta(endpoint, 0, start)
		return &TransientError{
			Message: "communicating with Tallinna Vesi API",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	c.recordMeta(endpoint, resp.StatusCode, start)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &AuthError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransientError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("API request to %s failed", endpoint),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("decoding response from %s", endpoint),
			Err:        err,
		}
	}

	return nil
}

func (c *Client) recordMeta(endpoint string, status int, start time.Time) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	c.lastMeta = &ResponseMeta{
		Endpoint:  endpoint,
		Status:    status,
		Duration:  time.Since(start),
		FetchedAt: time.Now().UTC(),
	}
}

// formatQueryTime renders a timestamp the way the API expects: UTC, second
// precision, trailing Z
func formatQueryTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// parseReadingDate accepts the timestamp variants the readings endpoint has
// been observed to return. Layouts without a zone are taken as local time,
// matching how the portal renders them.
func parseReadingDate(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseOverviewDate handles the "dd.mm.yyyy" form the overview endpoint uses
// alongside ISO timestamps
func parseOverviewDate(value string) *time.Time {
	if value == "" {
		return nil
	}
	if t, ok := parseReadingDate(value); ok {
		t = t.UTC()
		return &t
	}
	if t, err := time.ParseInLocation("02.01.2006", value, time.Local); err == nil {
		t = t.UTC()
		return &t
	}
	return nil
}
