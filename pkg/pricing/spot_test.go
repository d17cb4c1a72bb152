package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProvider(t *testing.T) {
	assert.Equal(t, ProviderSpot, NormalizeProvider("spotovaelektrina"))
	assert.Equal(t, ProviderSpot, NormalizeProvider(" Spotovaelektrina.CZ "))
	assert.Equal(t, ProviderSpot, NormalizeProvider("spot"))
	assert.Equal(t, ProviderOTE, NormalizeProvider("ote"))
	assert.Equal(t, ProviderOTE, NormalizeProvider("OTE-CR.cz"))
	assert.Equal(t, ProviderOTE, NormalizeProvider("otecr"))
	assert.Equal(t, ProviderSpot, NormalizeProvider(""))
	assert.Equal(t, ProviderSpot, NormalizeProvider("bogus"))
}

func TestSpotFetchLive(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`{
			"hoursToday": [
				{"hour": 0, "minute": 0, "priceCZK": 2500},
				{"hour": 0, "minute": 15, "priceCZK": 2600.5},
				{"hour": 0, "minute": 30}
			],
			"hoursTomorrow": [
				{"hour": 0, "minute": 0, "priceCZK": -120}
			]
		}`))
		if err != nil {
			panic(http.ErrAbortHandler)
		}
	}))
	defer api.Close()

	s := NewSpot(api.URL, api.URL)
	byDate, err := s.FetchLive(context.Background(), "2026-08-29", "2026-08-30", nil)
	require.NoError(t, err)

	today := byDate["2026-08-29"]
	// the row without a price is skipped
	require.Len(t, today, 2)
	assert.Equal(t, RawSlot{Hour: 0, Minute: 0, SpotKWH: 2.5}, today[0])
	assert.InDelta(t, 2.6005, today[1].SpotKWH, 0.000001)

	tomorrow := byDate["2026-08-30"]
	require.Len(t, tomorrow, 1)
	assert.InDelta(t, -0.12, tomorrow[0].SpotKWH, 0.000001)
}

func TestSpotFetchHistorical(t *testing.T) {
	page := `<html><body>
<table id="ignored"><tr><td>99:99</td><td>9999</td></tr></table>
<table id="prices">
<tr><th>Time</th><th>Price</th></tr>
<tr><td>00:00</td><td>2 500,50 CZK</td></tr>
<tr><td>00:15</td><td>1,234.56</td></tr>
<tr><td>00:30</td><td><span>−80</span> CZK</td></tr>
<tr><td>00:45</td><td>n/a</td></tr>
</table>
</body></html>`
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/2026-01-15") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, err := w.Write([]byte(page))
		if err != nil {
			panic(http.ErrAbortHandler)
		}
	}))
	defer api.Close()

	s := NewSpot(api.URL, api.URL)
	slots, err := s.FetchHistorical(context.Background(), "2026-01-15")
	require.NoError(t, err)

	require.Len(t, slots, 3)
	assert.InDelta(t, 2.5005, slots[0].SpotKWH, 0.000001)
	assert.InDelta(t, 1.23456, slots[1].SpotKWH, 0.000001)
	assert.Equal(t, 0, slots[1].Hour)
	assert.Equal(t, 15, slots[1].Minute)
	assert.InDelta(t, -0.08, slots[2].SpotKWH, 0.000001)
}

func TestSpotFetchHistoricalErrorStatus(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer api.Close()

	s := NewSpot(api.URL, api.URL)
	_, err := s.FetchHistorical(context.Background(), "2026-01-15")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, ProviderSpot, upstream.Provider)
	assert.False(t, upstream.Fault)
}

func TestParseLocalePrice(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"2500", 2500, true},
		{"2 500,50", 2500.50, true},
		{"1,234.56", 1234.56, true},
		{"1.234,56", 1234.56, true},
		{"-80", -80, true},
		{"−80,5", -80.5, true},
		{"–15", -15, true},
		{"2 500", 2500, true},
		{"price 123.4 CZK/MWh", 123.4, true},
		{"", 0, false},
		{"n/a", 0, false},
	}
	for _, c := range cases {
		got, ok := parseLocalePrice(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if c.ok {
			assert.InDelta(t, c.want, got, 0.000001, c.in)
		}
	}
}
