// Package coordinator drives one poll cycle against the utility API and
// derives the two published sensor values: the cumulative meter total and
// the usage since local midnight.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tkarro/veemeeter/internal/api"
	"github.com/tkarro/veemeeter/pkg/models"
)

// InitialWindow is how far back the first fetch reaches when nothing is known
// about the meter yet. Two weeks gives the daily delta computation plenty of
// pre-midnight baseline data.
const InitialWindow = 14 * 24 * time.Hour

const diagnosticsReadings = 50

// ErrReauthRequired is returned by Refresh once an authentication failure has
// been latched. The coordinator will not retry with a known-bad key; the user
// must run setup again.
var ErrReauthRequired = errors.New("API key rejected; run 'veemeeter setup' with a fresh key")

// Fetcher is the slice of the API client the coordinator needs
type Fetcher interface {
	GetReadings(ctx context.Context, meterNr string, from *time.Time) (*api.ReadingsResult, error)
	LastResponse() *api.ResponseMeta
}

// Snapshot carries the derived values of one successful poll cycle
type Snapshot struct {
	CycleID       string    `json:"cycle_id"`
	MeterNr       string    `json:"meter_nr"`
	SupplyPointID string    `json:"supply_point_id,omitempty"`

	CumulativeTotal float64   `json:"cumulative_total"` // m³, non-decreasing
	LastReadingAt   time.Time `json:"last_reading_at"`

	DailyUsage      float64   `json:"daily_usage"` // m³ since local midnight, never negative
	DailyBaselineAt time.Time `json:"daily_baseline_at"`
	PartialDay      bool      `json:"partial_day"` // No pre-midnight reading; delta measured from earliest known value
	Anomalous       bool      `json:"anomalous"`   // Raw delta was negative and got clamped to zero

	UpdatedAt    time.Time `json:"updated_at"`
	Stale        bool      `json:"stale"` // Last poll failed; values are from an earlier cycle
	FailureCount int       `json:"failure_count"`
}

// Diagnostics is the redacted state dump for support requests. It never
// contains the API key.
type Diagnostics struct {
	MeterNr        string            `json:"meter_nr"`
	Snapshot       *Snapshot         `json:"snapshot"`
	RecentReadings []models.Reading  `json:"recent_readings"`
	LastResponse   *api.ResponseMeta `json:"last_response"`
	FailureCount   int               `json:"failure_count"`
	NeedsReauth    bool              `json:"needs_reauth"`
}

// Coordinator serializes poll cycles for a single meter. One coordinator per
// configured account; no state is shared across instances.
type Coordinator struct {
	fetcher Fetcher
	meterNr string
	cap     int
	logger  *zap.Logger

	// Injectable for tests
	now      func() time.Time
	location *time.Location

	mu          sync.Mutex
	retained    []models.Reading
	snapshot    *Snapshot
	failures    int
	needsReauth bool
	authErr     error
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithClock overrides the wall clock (tests)
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLocation overrides the timezone used for the midnight boundary
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) { c.location = loc }
}

// New creates a coordinator for one meter. cap bounds the retained reading
// sequence; values at or below zero fall back to a two-week hourly window.
func New(fetcher Fetcher, meterNr string, cap int, logger *zap.Logger, opts ...Option) *Coordinator {
	if cap <= 0 {
		cap = 400
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		fetcher:  fetcher,
		meterNr:  meterNr,
		cap:      cap,
		logger:   logger,
		now:      time.Now,
		location: time.Local,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seed preloads retained readings, typically from the local archive, so the
// first live poll does not start from an empty baseline
func (c *Coordinator) Seed(readings []models.Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retained = mergeReadings(c.retained, readings, c.cap)
}

// Data returns the latest snapshot, or nil before the first successful cycle
func (c *Coordinator) Data() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil {
		return nil
	}
	snap := *c.snapshot
	return &snap
}

// Retained returns a copy of the retained reading sequence
func (c *Coordinator) Retained() []models.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Reading, len(c.retained))
	copy(out, c.retained)
	return out
}

// NeedsReauth reports whether an authentication failure has been latched
func (c *Coordinator) NeedsReauth() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsReauth
}

// Refresh runs one poll cycle: fetch readings since the last known timestamp,
// merge them into the retained sequence, and derive a fresh snapshot.
//
// Failure semantics: a transient failure keeps the previous snapshot (marked
// stale) and returns the error for the caller's retry policy. An auth failure
// latches; every later Refresh short-circuits with ErrReauthRequired until
// the key is replaced.
func (c *Coordinator) Refresh(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	if c.needsReauth {
		authErr := c.authErr
		c.mu.Unlock()
		if authErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrReauthRequired, authErr)
		}
		return nil, ErrReauthRequired
	}

	cycleID := uuid.NewString()
	var from *time.Time
	if n := len(c.retained); n > 0 {
		ts := c.retained[n-1].Timestamp
		from = &ts
	} else {
		ts := c.now().Add(-InitialWindow)
		from = &ts
	}
	c.mu.Unlock()

	c.logger.Debug("poll cycle started",
		zap.String("cycle_id", cycleID),
		zap.String("meter_nr", c.meterNr),
		zap.Timep("from", from))

	result, err := c.fetcher.GetReadings(ctx, c.meterNr, from)
	if err != nil {
		return nil, c.recordFailure(cycleID, err)
	}

	if len(result.Errors) > 0 {
		c.logger.Debug("API reported errors alongside readings",
			zap.String("cycle_id", cycleID),
			zap.Strings("errors", result.Errors))
	}

	// The merge is only applied after a complete successful fetch, so a
	// cancelled or failed request leaves no partial state behind.
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retained = mergeReadings(c.retained, result.Readings, c.cap)

	snap, err := deriveSnapshot(c.retained, c.now().In(c.location))
	if err != nil {
		c.failures++
		if c.snapshot != nil {
			c.snapshot.Stale = true
			c.snapshot.FailureCount = c.failures
		}
		return nil, fmt.Errorf("deriving snapshot: %w", err)
	}

	snap.CycleID = cycleID
	snap.MeterNr = c.meterNr
	if result.MeterNr != "" {
		snap.MeterNr = result.MeterNr
	}
	snap.SupplyPointID = result.SupplyPointID
	snap.UpdatedAt = c.now().UTC()

	c.failures = 0
	c.snapshot = &snap

	c.logger.Info("poll cycle complete",
		zap.String("cycle_id", cycleID),
		zap.Float64("cumulative_m3", snap.CumulativeTotal),
		zap.Float64("daily_m3", snap.DailyUsage),
		zap.Bool("partial_day", snap.PartialDay),
		zap.Bool("anomalous", snap.Anomalous),
		zap.Int("new_readings", len(result.Readings)))

	out := snap
	return &out, nil
}

// Recompute derives a snapshot from the retained readings without touching
// the network. Used by one-shot commands that work off the local archive.
func (c *Coordinator) Recompute() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := deriveSnapshot(c.retained, c.now().In(c.location))
	if err != nil {
		return nil, err
	}
	snap.CycleID = uuid.NewString()
	snap.MeterNr = c.meterNr
	snap.UpdatedAt = c.now().UTC()
	c.snapshot = &snap

	out := snap
	return &out, nil
}

func (c *Coordinator) recordFailure(cycleID string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if api.IsAuthError(err) {
		c.needsReauth = true
		c.authErr = err
		c.logger.Error("API key rejected, halting automatic polls",
			zap.String("cycle_id", cycleID),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}

	c.failures++
	if c.snapshot != nil {
		c.snapshot.Stale = true
		c.snapshot.FailureCount = c.failures
	}
	c.logger.Warn("poll cycle failed, keeping previous values",
		zap.String("cycle_id", cycleID),
		zap.Int("consecutive_failures", c.failures),
		zap.Error(err))
	return fmt.Errorf("fetching readings: %w", err)
}

// Diagnostics returns the redacted state dump
func (c *Coordinator) Diagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()

	recent := c.retained
	if len(recent) > diagnosticsReadings {
		recent = recent[len(recent)-diagnosticsReadings:]
	}
	readings := make([]models.Reading, len(recent))
	copy(readings, recent)

	var snap *Snapshot
	if c.snapshot != nil {
		s := *c.snapshot
		snap = &s
	}

	return Diagnostics{
		MeterNr:        c.meterNr,
		Snapshot:       snap,
		RecentReadings: readings,
		LastResponse:   c.fetcher.LastResponse(),
		FailureCount:   c.failures,
		NeedsReauth:    c.needsReauth,
	}
}

// mergeReadings combines two ascending reading sequences, deduplicating by
// timestamp and keeping at most cap entries from the newest end
func mergeReadings(existing, fresh []models.Reading, cap int) []models.Reading {
	if len(fresh) == 0 && len(existing) <= cap {
		return existing
	}

	byTime := make(map[int64]models.Reading, len(existing)+len(fresh))
	for _, r := range existing {
		byTime[r.Timestamp.UnixNano()] = r
	}
	// Fresh readings win on timestamp collisions; the API may revise the
	// latest interval on the next poll
	for _, r := range fresh {
		byTime[r.Timestamp.UnixNano()] = r
	}

	merged := make([]models.Reading, 0, len(byTime))
	for _, r := range byTime {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	if len(merged) > cap {
		merged = merged[len(merged)-cap:]
	}
	return merged
}

// deriveSnapshot computes the cumulative total and the daily delta from the
// retained sequence. localNow only supplies the timezone context; the current
// day is the local calendar day of the latest reading, so a poll just after
// midnight keeps reporting yesterday's delta until the first reading of the
// new day arrives.
func deriveSnapshot(readings []models.Reading, localNow time.Time) (Snapshot, error) {
	latest, latestTotal, ok := latestWithTotal(readings)
	if !ok {
		return Snapshot{}, errors.New("no readings with a usable total value")
	}

	loc := localNow.Location()
	localLatest := latest.Timestamp.In(loc)
	dayStart := time.Date(localLatest.Year(), localLatest.Month(), localLatest.Day(), 0, 0, 0, 0, loc)

	// Baseline is the first reading of the current local day. When nothing
	// earlier than the day boundary exists the earliest retained reading
	// serves as the baseline, which deliberately under-reports the first
	// (partial) day instead of assuming a zero start.
	var baseline *models.Reading
	var baselineTotal float64
	partial := true
	for i := range readings {
		total, ok := readings[i].Total()
		if !ok {
			continue
		}
		if readings[i].Timestamp.In(loc).Before(dayStart) {
			partial = false
			continue
		}
		baseline = &readings[i]
		baselineTotal = total
		break
	}
	if baseline == nil {
		baseline = &latest
		baselineTotal = latestTotal
	}

	daily := latestTotal - baselineTotal
	anomalous := false
	if daily < 0 {
		// Meter rollover or a correction pushed the total backwards;
		// clamp and flag rather than publishing a negative usage
		daily = 0
		anomalous = true
	}

	return Snapshot{
		CumulativeTotal: latestTotal,
		LastReadingAt:   latest.Timestamp,
		DailyUsage:      daily,
		DailyBaselineAt: baseline.Timestamp,
		PartialDay:      partial,
		Anomalous:       anomalous,
	}, nil
}

func latestWithTotal(readings []models.Reading) (models.Reading, float64, bool) {
	for i := len(readings) - 1; i >= 0; i-- {
		if total, ok := readings[i].Total(); ok {
			return readings[i], total, true
		}
	}
	return models.Reading{}, 0, false
}
