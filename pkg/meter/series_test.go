package meter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/types"
)

func f(v float64) *float64 { return &v }

func TestCounterDeltas(t *testing.T) {
	start := int64(1767999600)
	step := int64(900)
	values := [][]*float64{
		{f(float64(start)), nil},
		{f(float64(start + step)), f(10)},
		{f(float64(start + 2*step)), f(15)},
		{f(float64(start + 3*step)), f(8)},
		{f(float64(start + 4*step)), f(20)},
	}

	points := CounterDeltas(values, start, time.UTC)
	require.Len(t, points, 5)

	assert.Nil(t, points[0].KWH)
	// first sample is not at the range start, so its delta stays unknown
	assert.Nil(t, points[1].KWH)
	assert.Equal(t, 5.0, *points[2].KWH)
	// counter went backwards: reset, the new value is the baseline delta
	assert.Equal(t, 8.0, *points[3].KWH)
	assert.Equal(t, 12.0, *points[4].KWH)
}

func TestCounterDeltasFirstSampleAtRangeStart(t *testing.T) {
	start := int64(1767999600)
	values := [][]*float64{
		{f(float64(start)), f(10)},
		{f(float64(start + 900)), f(15)},
	}
	points := CounterDeltas(values, start, time.UTC)
	require.Len(t, points, 2)
	assert.Equal(t, 10.0, *points[0].KWH)
	assert.Equal(t, 5.0, *points[1].KWH)
}

func TestCounterDeltasGapsStayNil(t *testing.T) {
	start := int64(1767999600)
	values := [][]*float64{
		{f(float64(start)), f(10)},
		{f(float64(start + 900)), nil},
		{f(float64(start + 1800)), f(16)},
	}
	points := CounterDeltas(values, start, time.UTC)
	require.Len(t, points, 3)
	assert.Nil(t, points[1].KWH)
	assert.Nil(t, points[1].KWHTotal)
	// the gap doesn't reset the baseline
	assert.Equal(t, 6.0, *points[2].KWH)
}

func TestEntityIDCandidates(t *testing.T) {
	assert.Equal(t, []string{"sensor.meter", "meter"}, entityIDCandidates("sensor.meter"))
	assert.Equal(t, []string{"meter", "sensor.meter"}, entityIDCandidates("meter"))
	assert.Nil(t, entityIDCandidates("  "))
}

func testInfluxConfig(api string) config.App {
	u, _ := url.Parse(api)
	host, port, _ := strings.Cut(u.Host, ":")
	var cfg config.App
	cfg.InfluxDB = config.InfluxDB{
		Host:        host,
		Database:    "homeassistant",
		Measurement: "kWh",
		Field:       "value",
		EntityID:    "sensor.meter",
		Timezone:    "UTC",
		Interval:    "15m",
	}
	cfg.InfluxDB.Port, _ = strconv.Atoi(port)
	return cfg
}

func influxValuesResponse(values [][]any) string {
	payload := map[string]any{
		"results": []any{
			map[string]any{
				"series": []any{map[string]any{"values": values}},
			},
		},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func TestConsumptionSeriesQueriesAndCaches(t *testing.T) {
	day := "2026-08-28"
	start := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC).Unix()
	var queries []string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		queries = append(queries, q)
		assert.Equal(t, "s", r.URL.Query().Get("epoch"))
		if !strings.Contains(q, "'sensor.meter'") {
			_, err := w.Write([]byte(`{"results":[{}]}`))
			if err != nil {
				panic(http.ErrAbortHandler)
			}
			return
		}
		_, err := w.Write([]byte(influxValuesResponse([][]any{
			{start, 10.0},
			{start + 900, 15.5},
		})))
		if err != nil {
			panic(http.ErrAbortHandler)
		}
	}))
	defer api.Close()

	s := NewService(NewInfluxClient(), t.TempDir(), t.TempDir())
	s.now = func() time.Time { return time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC) }
	cfg := testInfluxConfig(api.URL)

	series, err := s.ConsumptionSeries(context.Background(), cfg, RangeQuery{Date: day})
	require.NoError(t, err)
	assert.True(t, series.HasSeries)
	assert.False(t, series.FromCache)
	require.Len(t, series.Points, 2)
	assert.Equal(t, 10.0, *series.Points[0].KWH)
	assert.Equal(t, 5.5, *series.Points[1].KWH)
	assert.Equal(t, "sensor.meter", series.EntityID)
	firstQueries := len(queries)

	// the day is over and was fetched after its end: cache hit, no query
	series, err = s.ConsumptionSeries(context.Background(), cfg, RangeQuery{Date: day})
	require.NoError(t, err)
	assert.True(t, series.FromCache)
	assert.False(t, series.CacheFallback)
	assert.Len(t, queries, firstQueries)
}

func TestConsumptionSeriesCacheKeyMismatchRefetches(t *testing.T) {
	day := "2026-08-28"
	start := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC).Unix()
	var calls int
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, err := w.Write([]byte(influxValuesResponse([][]any{{start, 10.0}})))
		if err != nil {
			panic(http.ErrAbortHandler)
		}
	}))
	defer api.Close()

	s := NewService(NewInfluxClient(), t.TempDir(), t.TempDir())
	s.now = func() time.Time { return time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC) }
	cfg := testInfluxConfig(api.URL)

	_, err := s.ConsumptionSeries(context.Background(), cfg, RangeQuery{Date: day})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// changing the interval invalidates the cached day
	cfg.InfluxDB.Interval = "1h"
	_, err = s.ConsumptionSeries(context.Background(), cfg, RangeQuery{Date: day})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestConsumptionSeriesStaleCacheFallback(t *testing.T) {
	day := "2026-08-29"
	start := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC).Unix()
	var fail bool
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, err := w.Write([]byte(influxValuesResponse([][]any{{start, 10.0}})))
		if err != nil {
			panic(http.ErrAbortHandler)
		}
	}))
	defer api.Close()

	dir := t.TempDir()
	s := NewService(NewInfluxClient(), dir, t.TempDir())
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	cfg := testInfluxConfig(api.URL)

	_, err := s.ConsumptionSeries(context.Background(), cfg, RangeQuery{Date: day})
	require.NoError(t, err)

	// age the cached today-file past its TTL, then break the db
	stale := now.Add(-todayCacheTTL - time.Minute)
	require.NoError(t, os.Chtimes(cacheFilePath(dir, "consumption", day), stale, stale))
	fail = true

	series, err := s.ConsumptionSeries(context.Background(), cfg, RangeQuery{Date: day})
	require.NoError(t, err)
	assert.True(t, series.FromCache)
	assert.True(t, series.CacheFallback)
	require.Len(t, series.Points, 1)

	// without any cached day the error surfaces
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.NoError(t, os.Remove(dir+"/"+entry.Name()))
	}
	_, err = s.ConsumptionSeries(context.Background(), cfg, RangeQuery{Date: day})
	assert.Error(t, err)
}

func TestExportSeriesRequiresEntityID(t *testing.T) {
	s := NewService(NewInfluxClient(), t.TempDir(), t.TempDir())
	cfg := testInfluxConfig("http://127.0.0.1:1")
	_, err := s.ExportSeries(context.Background(), cfg, RangeQuery{Date: "2026-08-29"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export_entity_id")
}

func TestResolveRange(t *testing.T) {
	prague, err := time.LoadLocation("Europe/Prague")
	require.NoError(t, err)
	now := func() time.Time { return time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC) }

	start, end, err := resolveRange(RangeQuery{Date: "2026-08-29"}, prague, now)
	require.NoError(t, err)
	// prague midnight in summer is 22:00 UTC the day before
	assert.Equal(t, time.Date(2026, 8, 28, 22, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 8, 29, 22, 0, 0, 0, time.UTC), end)

	_, _, err = resolveRange(RangeQuery{Date: "nope"}, prague, now)
	assert.True(t, types.IsValidation(err))

	start, end, err = resolveRange(RangeQuery{Start: "2026-01-15T00:00:00+01:00", End: "2026-01-15T06:00:00+01:00"}, prague, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 1, 15, 5, 0, 0, 0, time.UTC), end)
}

func TestSeriesRangePayloadShape(t *testing.T) {
	data := types.SeriesData{
		Range:     types.SeriesRange{Start: "2026-08-29T00:00:00Z", End: "2026-08-30T00:00:00Z"},
		Interval:  "15m",
		EntityID:  "sensor.meter",
		HasSeries: true,
		Points: []types.SeriesPoint{
			{Time: "2026-08-29T00:00:00Z", TimeUTC: "2026-08-29T00:00:00Z", KWHTotal: f(10), KWH: f(10)},
		},
	}
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"has_series":true`)
	assert.Contains(t, string(raw), `"kwh_total":10`)
	assert.Contains(t, string(raw), `"time_utc"`)
}
