package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotdesk/spotdesk/pkg/billing"
	"github.com/spotdesk/spotdesk/pkg/common"
	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/fees"
	"github.com/spotdesk/spotdesk/pkg/meter"
	"github.com/spotdesk/spotdesk/pkg/pricing"
	"github.com/spotdesk/spotdesk/pkg/types"
)

type fakePriceService struct {
	entries   map[string][]types.PriceEntry
	refreshed [][]string
}

func (f *fakePriceService) PricesForDate(_ context.Context, _ config.App, _ pricing.FeeSource, q pricing.Query) ([]types.PriceEntry, error) {
	if _, err := time.Parse("2006-01-02", q.Date); err != nil {
		return nil, types.Validationf("invalid date format %q, use YYYY-MM-DD", q.Date)
	}
	return f.entries[q.Date], nil
}

func (f *fakePriceService) Refresh(_ context.Context, cfg config.App, _ pricing.FeeSource, dates []string) (types.RefreshReport, error) {
	f.refreshed = append(f.refreshed, dates)
	report := types.RefreshReport{Status: "ok", Provider: pricing.NormalizeProvider(cfg.PriceProvider)}
	for _, date := range dates {
		entries := f.entries[date]
		report.Refreshed = append(report.Refreshed, types.RefreshedDate{
			Date:    date,
			Count:   len(entries),
			HasData: len(entries) > 0,
		})
	}
	return report, nil
}

func (f *fakePriceService) CacheStatus() common.CacheDirStatus {
	return common.CacheDirStatus{Dir: "/data/prices-cache", Count: 2}
}

type fakeMeterService struct {
	series *meter.Series
	err    error
}

func (f *fakeMeterService) ConsumptionSeries(_ context.Context, cfg config.App, _ meter.RangeQuery) (*meter.Series, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.series != nil {
		return f.series, nil
	}
	return &meter.Series{Location: cfg.Location()}, nil
}

func (f *fakeMeterService) ConsumptionCacheStatus() common.CacheDirStatus {
	return common.CacheDirStatus{Dir: "/data/consumption-cache"}
}

func (f *fakeMeterService) ExportCacheStatus() common.CacheDirStatus {
	return common.CacheDirStatus{Dir: "/data/export-cache"}
}

type fakeBillingService struct {
	costs   *billing.CostsReport
	export  *billing.ExportReport
	monthly *types.MonthlyBilling
	yearly  *types.YearlyBilling
	daily   *types.DailySummary
	err     error
}

func (f *fakeBillingService) Costs(context.Context, config.App, pricing.FeeSource, meter.RangeQuery) (*billing.CostsReport, error) {
	return f.costs, f.err
}

func (f *fakeBillingService) Export(context.Context, config.App, pricing.FeeSource, meter.RangeQuery) (*billing.ExportReport, error) {
	return f.export, f.err
}

func (f *fakeBillingService) MonthlyBilling(_ context.Context, _ config.App, _ pricing.FeeSource, month string, _ *bool) (*types.MonthlyBilling, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.monthly != nil {
		return f.monthly, nil
	}
	return &types.MonthlyBilling{Month: month}, nil
}

func (f *fakeBillingService) YearlyBilling(_ context.Context, _ config.App, _ pricing.FeeSource, year int) (*types.YearlyBilling, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.yearly != nil {
		return f.yearly, nil
	}
	return &types.YearlyBilling{Year: year, Months: []types.YearlyBillingMonth{}}, nil
}

func (f *fakeBillingService) DailySummary(_ context.Context, _ config.App, _ pricing.FeeSource, month string) (*types.DailySummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.daily != nil {
		return f.daily, nil
	}
	return &types.DailySummary{Month: month}, nil
}

type panickyBillingService struct {
	fakeBillingService
}

func (f *panickyBillingService) MonthlyBilling(context.Context, config.App, pricing.FeeSource, string, *bool) (*types.MonthlyBilling, error) {
	panic("boom")
}

func newTestServer(t *testing.T, prices PriceService, meters MeterService, b BillingService) (*Server, *fees.History) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := "dph: 21\nprice_provider: spot\ninfluxdb:\n  timezone: UTC\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o644))

	store := config.NewStore(cfgPath, "", pricing.NormalizeConfig)
	history := fees.NewHistory(filepath.Join(dir, "fees-history.json"))
	srv := NewServer(store, prices, meters, b, history)
	srv.now = func() time.Time { return time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC) }
	return srv, history
}

func doRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestGetPricesForDate(t *testing.T) {
	prices := &fakePriceService{entries: map[string][]types.PriceEntry{
		"2026-08-29": {{Time: "2026-08-29 00:00", Spot: 2.5, Final: 4.1}},
	}}
	srv, _ := newTestServer(t, prices, &fakeMeterService{}, &fakeBillingService{})

	rec := doRequest(t, srv, http.MethodGet, "/api/prices?date=2026-08-29", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp pricesResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Prices, 1)
	assert.Equal(t, 4.1, resp.Prices[0].Final)
}

func TestGetPricesLiveWindow(t *testing.T) {
	prices := &fakePriceService{entries: map[string][]types.PriceEntry{
		"2026-08-29": {{Time: "2026-08-29 00:00"}},
		"2026-08-30": {{Time: "2026-08-30 00:00"}},
	}}
	srv, _ := newTestServer(t, prices, &fakeMeterService{}, &fakeBillingService{})

	rec := doRequest(t, srv, http.MethodGet, "/api/prices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp pricesResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Prices, 2)
	assert.Equal(t, "2026-08-29 00:00", resp.Prices[0].Time)
	assert.Equal(t, "2026-08-30 00:00", resp.Prices[1].Time)
}

func TestGetPricesInvalidDate(t *testing.T) {
	srv, _ := newTestServer(t, &fakePriceService{}, &fakeMeterService{}, &fakeBillingService{})
	rec := doRequest(t, srv, http.MethodGet, "/api/prices?date=29.08.2026", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshPrices(t *testing.T) {
	prices := &fakePriceService{entries: map[string][]types.PriceEntry{
		"2026-08-29": {{Time: "2026-08-29 00:00"}},
	}}
	srv, _ := newTestServer(t, prices, &fakeMeterService{}, &fakeBillingService{})

	// no body refreshes the whole live window
	rec := doRequest(t, srv, http.MethodPost, "/api/prices/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, prices.refreshed, 1)
	assert.Equal(t, []string{"2026-08-29", "2026-08-30"}, prices.refreshed[0])

	var report types.RefreshReport
	decodeBody(t, rec, &report)
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "spot", report.Provider)
	require.Len(t, report.Refreshed, 2)
	assert.True(t, report.Refreshed[0].HasData)
	assert.False(t, report.Refreshed[1].HasData)

	// explicit date
	rec = doRequest(t, srv, http.MethodPost, "/api/prices/refresh", `{"date":"2026-08-29"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"2026-08-29"}, prices.refreshed[1])

	rec = doRequest(t, srv, http.MethodPost, "/api/prices/refresh", `{"date":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsumptionEndpoint(t *testing.T) {
	kwh := 1.5
	meters := &fakeMeterService{series: &meter.Series{
		SeriesData: types.SeriesData{
			Interval:  "15m",
			EntityID:  "sensor.meter",
			HasSeries: true,
			Points:    []types.SeriesPoint{{Time: "2026-08-29T00:00:00Z", TimeUTC: "2026-08-29T00:00:00Z", KWH: &kwh}},
		},
		Location:  time.UTC,
		FromCache: true,
	}}
	srv, _ := newTestServer(t, &fakePriceService{}, meters, &fakeBillingService{})

	rec := doRequest(t, srv, http.MethodGet, "/api/consumption?date=2026-08-29", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp seriesResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.HasSeries)
	assert.True(t, resp.FromCache)
	require.Len(t, resp.Points, 1)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", types.Validationf("bad month"), http.StatusBadRequest},
		{"data unavailable", types.ErrDataUnavailable, http.StatusInternalServerError},
		{"upstream fault", &pricing.UpstreamError{Provider: "ote", Fault: true, Err: errors.New("fault")}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakePriceService{}, &fakeMeterService{}, &fakeBillingService{err: tt.err})
			rec := doRequest(t, srv, http.MethodGet, "/api/billing/month?month=2026-08", "")
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestHandlerPanicReturnsGeneric500(t *testing.T) {
	srv, _ := newTestServer(t, &fakePriceService{}, &fakeMeterService{}, &panickyBillingService{})

	rec := doRequest(t, srv, http.MethodGet, "/api/billing/month?month=2026-08", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "internal server error", resp.Error)
}

func TestBillingMonthValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakePriceService{}, &fakeMeterService{}, &fakeBillingService{})

	rec := doRequest(t, srv, http.MethodGet, "/api/billing/month", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/billing/month?month=2026-08&require_data=sometimes", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/billing/month?month=2026-08&require_data=false", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBillingYearValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakePriceService{}, &fakeMeterService{}, &fakeBillingService{})

	for _, target := range []string{"/api/billing/year", "/api/billing/year?year=1999", "/api/billing/year?year=2101", "/api/billing/year?year=abc"} {
		rec := doRequest(t, srv, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/billing/year?year=2026", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.YearlyBilling
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2026, resp.Year)
}

func TestFeeHistoryRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, &fakePriceService{}, &fakeMeterService{}, &fakeBillingService{})

	// the first request seeds the history from the live config
	rec := doRequest(t, srv, http.MethodGet, "/api/fees/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp feeHistoryResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.History, 1)
	assert.Equal(t, "2026-08-29", resp.History[0].EffectiveFrom)
	assert.Equal(t, 21.0, resp.History[0].Snapshot.DPHPercent)

	// replace with a two-record history
	body := `{"history":[
		{"effective_from":"2026-01-01","snapshot":{"dph_percent":21}},
		{"effective_from":"2026-08-01","snapshot":{"dph_percent":12}}
	]}`
	rec = doRequest(t, srv, http.MethodPost, "/api/fees/history", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/fees/history", "")
	decodeBody(t, rec, &resp)
	require.Len(t, resp.History, 2)
	// the gap between records was auto-filled
	assert.Equal(t, "2026-07-31", resp.History[0].EffectiveTo)

	// a future record is rejected wholesale
	rec = doRequest(t, srv, http.MethodPost, "/api/fees/history", `{"history":[{"effective_from":"2027-01-01","snapshot":{}}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakePriceService{}, &fakeMeterService{}, &fakeBillingService{})

	rec := doRequest(t, srv, http.MethodGet, "/api/cache/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]common.CacheDirStatus
	decodeBody(t, rec, &resp)
	assert.Equal(t, "/data/prices-cache", resp["prices"].Dir)
	assert.Equal(t, "/data/consumption-cache", resp["consumption"].Dir)
	assert.Equal(t, "/data/export-cache", resp["export"].Dir)
}

func TestVersionAndHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakePriceService{}, &fakeMeterService{}, &fakeBillingService{})

	rec := doRequest(t, srv, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, common.Version(), resp["version"])

	rec = doRequest(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "spotdesk", rec.Header().Get("Server"))
}
