package models

import "time"

// Reading is a single cumulative smart meter data point. Values are in m³
// and the meter total is non-decreasing barring meter replacement, so
// readings are immutable once fetched.
type Reading struct {
	Value     *float64  `json:"reading"`     // Total at the start of the interval
	ValueEnd  *float64  `json:"reading_end"` // Total at the end of the interval (preferred)
	Timestamp time.Time `json:"timestamp"`   // Always stored in UTC
}

// Total returns the best cumulative value for the reading, preferring the
// end-of-interval total when the API provides one.
func (r Reading) Total() (float64, bool) {
	if r.ValueEnd != nil {
		return *r.ValueEnd, true
	}
	if r.Value != nil {
		return *r.Value, true
	}
	return 0, false
}

// SupplyPoint identifies a metered connection discovered on the account
type SupplyPoint struct {
	MeterNr       string `json:"meter_nr"`
	SupplyPointID string `json:"supply_point_id"`
	ObjectID      string `json:"object_id"`
	Address       string `json:"address"`
}

// DisplayName renders a human-friendly label for meter selection
func (sp SupplyPoint) DisplayName() string {
	if sp.Address != "" && sp.MeterNr != "" {
		return sp.Address + " (" + sp.MeterNr + ")"
	}
	if sp.Address != "" {
		return sp.Address
	}
	if sp.MeterNr != "" {
		return sp.MeterNr
	}
	return "Smart meter"
}

// MeterOverview is one row of the readings overview endpoint: the last
// known reading per meter along with the meter type
type MeterOverview struct {
	Address         string     `json:"address"`
	MeterNr         string     `json:"meter_nr"`
	MeterType       string     `json:"meter_type"`
	LastReading     *float64   `json:"last_reading"`
	LastReadingDate *time.Time `json:"last_reading_date"`
}

// IsSmart reports whether the meter supports automatic readings. Only smart
// meters can be polled; manual meters never produce data for the sensors.
func (m MeterOverview) IsSmart() bool {
	switch m.MeterType {
	case "smart", "Smart", "SMART":
		return true
	}
	return false
}
