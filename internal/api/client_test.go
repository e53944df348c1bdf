package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReadings(t *testing.T) {
	from := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/SmartMeter/GetSmartMeterReadings", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "WM-1001", r.URL.Query().Get("meterNr"))
		assert.Equal(t, "2025-03-01T12:00:00Z", r.URL.Query().Get("from"))

		// Out of order, one revised interval with readingEnd, one entry
		// with a date the portal mangled
		fmt.Fprint(w, `{
			"meterNr": "WM-1001",
			"supplyPointId": "SP-7",
			"readings": [
				{"reading": 102.0, "readingDate": "2025-03-12T10:00:00Z"},
				{"reading": 100.0, "readingEnd": 100.5, "readingDate": "2025-03-12T08:00:00Z"},
				{"reading": 99.0, "readingDate": "not-a-date"}
			],
			"errors": []
		}`)
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL, "secret-key")

	result, err := client.GetReadings(context.Background(), "WM-1001", &from)
	require.NoError(t, err)

	assert.Equal(t, "WM-1001", result.MeterNr)
	assert.Equal(t, "SP-7", result.SupplyPointID)
	require.Len(t, result.Readings, 2, "the unparseable entry is dropped")

	// Sorted ascending, normalized to UTC
	assert.Equal(t, time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC), result.Readings[0].Timestamp)
	assert.Equal(t, time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC), result.Readings[1].Timestamp)
	assert.Equal(t, time.UTC, result.Readings[0].Timestamp.Location())

	// readingEnd wins over reading when both are present
	total, ok := result.Readings[0].Total()
	require.True(t, ok)
	assert.InDelta(t, 100.5, total, 1e-9)
}

func TestGetReadingsWithoutFrom(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("from"))
		fmt.Fprint(w, `{"meterNr": "WM-1001", "readings": []}`)
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL, "secret-key")

	result, err := client.GetReadings(context.Background(), "WM-1001", nil)
	require.NoError(t, err)
	assert.Empty(t, result.Readings)
}

func TestAuthErrorClassification(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "invalid api key", status)
			}))
			defer server.Close()

			client := NewWithBaseURL(server.URL, "stale-key")

			_, err := client.GetOverviewReadings(context.Background())
			require.Error(t, err)
			assert.True(t, IsAuthError(err))

			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, status, authErr.StatusCode)
			assert.Contains(t, authErr.Message, "invalid api key")
		})
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance window", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL, "secret-key")

	_, err := client.GetReadings(context.Background(), "WM-1001", nil)
	require.Error(t, err)
	assert.False(t, IsAuthError(err))

	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, http.StatusServiceUnavailable, transient.StatusCode)
}

func TestMalformedBodyIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<!DOCTYPE html><html>login page</html>`)
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL, "secret-key")

	_, err := client.GetReadings(context.Background(), "WM-1001", nil)
	require.Error(t, err)

	var transient *TransientError
	assert.ErrorAs(t, err, &transient)
}

func TestNetworkErrorIsTransient(t *testing.T) {
	// Nothing is listening on this address
	client := NewWithBaseURL("http://127.0.0.1:1", "secret-key")

	_, err := client.GetOverviewReadings(context.Background())
	require.Error(t, err)

	var transient *TransientError
	assert.ErrorAs(t, err, &transient)
	assert.False(t, IsAuthError(err))
}

func TestSmartSupplyPoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/Readings":
			fmt.Fprint(w, `{"results": [
				{"address": "Tulika 5", "meterNr": "WM-1001", "meterType": "Smart"},
				{"address": "Tulika 5", "meterNr": "WM-2002", "meterType": "Mechanical"}
			]}`)
		case "/api/SmartMeter/GetSupplyPointsWithSmartMeter":
			fmt.Fprint(w, `[
				{"meterNr": "WM-1001", "supplyPointId": "SP-7", "objectId": "OBJ-1", "address": ""},
				{"meterNr": "WM-2002", "supplyPointId": "SP-8", "objectId": "OBJ-1", "address": "Tulika 5"}
			]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL, "secret-key")

	points, err := client.SmartSupplyPoints(context.Background())
	require.NoError(t, err)
	require.Len(t, points, 1, "the mechanical meter is filtered out")

	assert.Equal(t, "WM-1001", points[0].MeterNr)
	assert.Equal(t, "SP-7", points[0].SupplyPointID)
	// Blank supply point address falls back to the overview address
	assert.Equal(t, "Tulika 5", points[0].Address)
}

func TestSmartSupplyPointsNoneFound(t *testing.T) {
	supplyPointsCalled := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/Readings":
			fmt.Fprint(w, `{"results": [
				{"address": "Tulika 5", "meterNr": "WM-2002", "meterType": "Mechanical"}
			]}`)
		default:
			supplyPointsCalled = true
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL, "secret-key")

	_, err := client.SmartSupplyPoints(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoSmartMeter))
	assert.False(t, supplyPointsCalled, "no point asking for supply points without a smart meter")
}

func TestGetOverviewReadings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The overview mixes ISO timestamps with dd.mm.yyyy dates
		fmt.Fprint(w, `{"results": [
			{"address": "Tulika 5", "meterNr": "WM-1001", "meterType": "Smart",
			 "lastReading": 102.0, "lastReadingDate": "2025-03-12T10:00:00Z"},
			{"address": "Tulika 5", "meterNr": "WM-2002", "meterType": "Mechanical",
			 "lastReading": 54.3, "lastReadingDate": "28.02.2025"}
		]}`)
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL, "secret-key")

	overview, err := client.GetOverviewReadings(context.Background())
	require.NoError(t, err)
	require.Len(t, overview, 2)

	assert.True(t, overview[0].IsSmart())
	require.NotNil(t, overview[0].LastReadingDate)
	assert.Equal(t, time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC), *overview[0].LastReadingDate)

	assert.False(t, overview[1].IsSmart())
	require.NotNil(t, overview[1].LastReadingDate, "dd.mm.yyyy dates parse too")
}

func TestLastResponseMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results": []}`)
	}))
	defer server.Close()

	client := NewWithBaseURL(server.URL, "secret-key")
	assert.Nil(t, client.LastResponse())

	_, err := client.GetOverviewReadings(context.Background())
	require.NoError(t, err)

	meta := client.LastResponse()
	require.NotNil(t, meta)
	assert.Equal(t, "/api/Readings", meta.Endpoint)
	assert.Equal(t, http.StatusOK, meta.Status)
	assert.False(t, meta.FetchedAt.IsZero())
}

func TestFormatQueryTime(t *testing.T) {
	eet := time.FixedZone("EET", 2*60*60)
	in := time.Date(2025, 3, 1, 14, 30, 15, 987654321, eet)
	assert.Equal(t, "2025-03-01T12:30:15Z", formatQueryTime(in))
}

func TestParseReadingDate(t *testing.T) {
	tests := []struct {
		value string
		want  time.Time
		ok    bool
	}{
		{"2025-03-12T10:00:00Z", time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC), true},
		{"2025-03-12T10:00:00+02:00", time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC), true},
		{"2025-03-12T10:00:00.123Z", time.Date(2025, 3, 12, 10, 0, 0, 123000000, time.UTC), true},
		{"2025-03-12T10:00:00", time.Date(2025, 3, 12, 10, 0, 0, 0, time.Local).UTC(), true},
		{"2025-03-12 10:00:00", time.Date(2025, 3, 12, 10, 0, 0, 0, time.Local).UTC(), true},
		{"garbage", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, ok := parseReadingDate(tt.value)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, got.UTC().Equal(tt.want))
			}
		})
	}
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, IsAuthError(&AuthError{StatusCode: 401}))
	assert.True(t, IsAuthError(fmt.Errorf("wrapped: %w", &AuthError{StatusCode: 403})))
	assert.False(t, IsAuthError(&TransientError{StatusCode: 500}))
	assert.False(t, IsAuthError(errors.New("plain")))
}
