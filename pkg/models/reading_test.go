package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fl(v float64) *float64 {
	return &v
}

func TestReadingTotal(t *testing.T) {
	tests := []struct {
		name    string
		reading Reading
		want    float64
		ok      bool
	}{
		{"end preferred over start", Reading{Value: fl(100.0), ValueEnd: fl(100.5)}, 100.5, true},
		{"start only", Reading{Value: fl(100.0)}, 100.0, true},
		{"end only", Reading{ValueEnd: fl(100.5)}, 100.5, true},
		{"neither", Reading{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.reading.Total()
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestSupplyPointDisplayName(t *testing.T) {
	assert.Equal(t, "Tulika 5 (WM-1001)", SupplyPoint{Address: "Tulika 5", MeterNr: "WM-1001"}.DisplayName())
	assert.Equal(t, "Tulika 5", SupplyPoint{Address: "Tulika 5"}.DisplayName())
	assert.Equal(t, "WM-1001", SupplyPoint{MeterNr: "WM-1001"}.DisplayName())
	assert.Equal(t, "Smart meter", SupplyPoint{}.DisplayName())
}

func TestMeterOverviewIsSmart(t *testing.T) {
	assert.True(t, MeterOverview{MeterType: "Smart"}.IsSmart())
	assert.True(t, MeterOverview{MeterType: "smart"}.IsSmart())
	assert.True(t, MeterOverview{MeterType: "SMART"}.IsSmart())
	assert.False(t, MeterOverview{MeterType: "Mechanical"}.IsSmart())
	assert.False(t, MeterOverview{}.IsSmart())
}
