// Package billing joins meter series with resolved prices and fee
// snapshots into cost reports and monthly/yearly roll-ups. Everything is
// derived per request; nothing here is persisted.
package billing

import (
	"context"
	"time"

	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/fees"
	"github.com/spotdesk/spotdesk/pkg/log"
	"github.com/spotdesk/spotdesk/pkg/meter"
	"github.com/spotdesk/spotdesk/pkg/pricing"
	"github.com/spotdesk/spotdesk/pkg/types"
)

const (
	dayFormat     = "2006-01-02"
	slotKeyFormat = "2006-01-02 15:04"
)

// PriceSource resolves final price entries for a day.
type PriceSource interface {
	PricesForDate(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, q pricing.Query) ([]types.PriceEntry, error)
}

// SeriesSource resolves consumption and export meter series.
type SeriesSource interface {
	ConsumptionSeries(ctx context.Context, cfg config.App, q meter.RangeQuery) (*meter.Series, error)
	ExportSeries(ctx context.Context, cfg config.App, q meter.RangeQuery) (*meter.Series, error)
}

// Service computes billing views over the price and series sources.
type Service struct {
	prices PriceSource
	series SeriesSource
	now    func() time.Time
}

// NewService returns a billing service.
func NewService(prices PriceSource, series SeriesSource) *Service {
	return &Service{prices: prices, series: series, now: time.Now}
}

// PriceMap indexes price entries by both their local and UTC slot keys so
// series points can be joined regardless of which timezone the recorder
// stamped them in.
func PriceMap(entries []types.PriceEntry, loc *time.Location) map[string]types.PriceEntry {
	m := make(map[string]types.PriceEntry, 2*len(entries))
	for _, e := range entries {
		m[e.Time] = e
		if t, err := time.ParseInLocation(slotKeyFormat, e.Time, loc); err == nil {
			m[t.UTC().Format(slotKeyFormat)] = e
		}
	}
	return m
}

func lookupPrice(prices map[string]types.PriceEntry, p types.SeriesPoint, loc *time.Location) (types.PriceEntry, bool) {
	t, err := time.Parse(time.RFC3339, p.TimeUTC)
	if err != nil {
		return types.PriceEntry{}, false
	}
	if e, ok := prices[t.In(loc).Format(slotKeyFormat)]; ok {
		return e, true
	}
	e, ok := prices[t.UTC().Format(slotKeyFormat)]
	return e, ok
}

// DailyTotals joins one day's consumption points to its prices. Nil totals
// mean no joined interval produced data.
func DailyTotals(series *meter.Series, prices map[string]types.PriceEntry, loc *time.Location) types.DailyTotals {
	if series == nil || !series.HasSeries {
		return types.DailyTotals{}
	}
	var kwh, cost float64
	var count int
	for _, p := range series.Points {
		if p.KWH == nil {
			continue
		}
		entry, ok := lookupPrice(prices, p, loc)
		if !ok {
			continue
		}
		kwh += *p.KWH
		cost += *p.KWH * entry.Final
		count++
	}
	if count == 0 {
		return types.DailyTotals{HasSeries: true}
	}
	return types.DailyTotals{
		KWHTotal:  types.Float64(fees.Round5(kwh)),
		CostTotal: types.Float64(fees.Round5(cost)),
		HasSeries: true,
	}
}

// DailyExportTotals joins one day's export points to its spot prices. The
// per-kWh sell price is the spot price minus the configured reduction
// coefficient.
func DailyExportTotals(series *meter.Series, prices map[string]types.PriceEntry, coefKWH float64, loc *time.Location) types.ExportTotals {
	if series == nil || !series.HasSeries {
		return types.ExportTotals{}
	}
	var kwh, sell float64
	var count int
	for _, p := range series.Points {
		if p.KWH == nil {
			continue
		}
		entry, ok := lookupPrice(prices, p, loc)
		if !ok {
			continue
		}
		kwh += *p.KWH
		sell += *p.KWH * (entry.Spot - coefKWH)
		count++
	}
	if count == 0 {
		return types.ExportTotals{HasSeries: true}
	}
	return types.ExportTotals{
		ExportKWHTotal: types.Float64(fees.Round5(kwh)),
		SellTotal:      types.Float64(fees.Round5(sell)),
		HasSeries:      true,
	}
}

// priceMapFor resolves and merges prices for every local date the series
// points touch. Resolution failures leave those days unjoined rather than
// failing the whole report.
func (s *Service) priceMapFor(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, points []types.SeriesPoint, loc *time.Location) map[string]types.PriceEntry {
	merged := make(map[string]types.PriceEntry)
	seen := make(map[string]bool)
	for _, p := range points {
		t, err := time.Parse(time.RFC3339, p.TimeUTC)
		if err != nil {
			continue
		}
		date := t.In(loc).Format(dayFormat)
		if seen[date] {
			continue
		}
		seen[date] = true
		entries, err := s.prices.PricesForDate(ctx, cfg, feeSource, pricing.Query{Date: date})
		if err != nil {
			log.Ctx(ctx).Warn("failed to resolve prices for series join", "date", date, "error", err)
			continue
		}
		for k, v := range PriceMap(entries, loc) {
			merged[k] = v
		}
	}
	return merged
}

// dataExpected reports whether a series-less result for the query means
// something is wrong: the queried window has already started, so data
// should exist.
func (s *Service) dataExpected(q meter.RangeQuery, loc *time.Location) bool {
	now := s.now().In(loc)
	switch {
	case q.Date != "":
		return q.Date <= now.Format(dayFormat)
	case q.Start != "" && q.End != "":
		end, err := time.Parse(time.RFC3339, q.End)
		if err != nil {
			end, err = time.ParseInLocation("2006-01-02T15:04:05", q.End, loc)
		}
		if err != nil {
			return false
		}
		return !end.After(s.now())
	default:
		return true
	}
}
