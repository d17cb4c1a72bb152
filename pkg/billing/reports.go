package billing

import (
	"context"
	"time"

	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/fees"
	"github.com/spotdesk/spotdesk/pkg/meter"
	"github.com/spotdesk/spotdesk/pkg/pricing"
	"github.com/spotdesk/spotdesk/pkg/types"
)

// CostPoint is one interval of a consumption cost report. FinalPrice and
// Cost stay nil when the interval has no delta or no matching price slot.
type CostPoint struct {
	Time       string   `json:"time"`
	TimeUTC    string   `json:"time_utc"`
	KWH        *float64 `json:"kwh"`
	FinalPrice *float64 `json:"final_price"`
	Cost       *float64 `json:"cost"`
}

// CostsSummary sums a cost report.
type CostsSummary struct {
	KWHTotal  float64 `json:"kwh_total"`
	CostTotal float64 `json:"cost_total"`
}

// CostsReport is the per-interval consumption cost view.
type CostsReport struct {
	Range         types.SeriesRange `json:"range"`
	Interval      string            `json:"interval"`
	EntityID      string            `json:"entity_id"`
	Points        []CostPoint       `json:"points"`
	Summary       CostsSummary      `json:"summary"`
	FromCache     bool              `json:"from_cache"`
	CacheFallback bool              `json:"cache_fallback"`
}

// ExportPoint is one interval of an export revenue report.
type ExportPoint struct {
	Time      string   `json:"time"`
	TimeUTC   string   `json:"time_utc"`
	KWH       *float64 `json:"kwh"`
	SpotPrice *float64 `json:"spot_price"`
	SellPrice *float64 `json:"sell_price"`
	Sell      *float64 `json:"sell"`
}

// ExportSummary sums an export report.
type ExportSummary struct {
	ExportKWHTotal float64 `json:"export_kwh_total"`
	SellTotal      float64 `json:"sell_total"`
}

// ExportReport is the per-interval export revenue view.
type ExportReport struct {
	Range         types.SeriesRange `json:"range"`
	Interval      string            `json:"interval"`
	EntityID      string            `json:"entity_id"`
	Points        []ExportPoint     `json:"points"`
	Summary       ExportSummary     `json:"summary"`
	FromCache     bool              `json:"from_cache"`
	CacheFallback bool              `json:"cache_fallback"`
}

// Costs builds the consumption cost report for the query.
func (s *Service) Costs(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, q meter.RangeQuery) (*CostsReport, error) {
	series, err := s.series.ConsumptionSeries(ctx, cfg, q)
	if err != nil {
		return nil, err
	}
	loc := series.Location
	if !series.HasSeries && s.dataExpected(q, loc) {
		return nil, types.ErrDataUnavailable
	}
	prices := s.priceMapFor(ctx, cfg, feeSource, series.Points, loc)

	report := &CostsReport{
		Range:         series.Range,
		Interval:      series.Interval,
		EntityID:      series.EntityID,
		Points:        make([]CostPoint, 0, len(series.Points)),
		FromCache:     series.FromCache,
		CacheFallback: series.CacheFallback,
	}
	for _, p := range series.Points {
		cp := CostPoint{Time: p.Time, TimeUTC: p.TimeUTC, KWH: p.KWH}
		if p.KWH != nil {
			report.Summary.KWHTotal += *p.KWH
			if entry, ok := lookupPrice(prices, p, loc); ok {
				cp.FinalPrice = types.Float64(entry.Final)
				cp.Cost = types.Float64(fees.Round5(*p.KWH * entry.Final))
				report.Summary.CostTotal += *p.KWH * entry.Final
			}
		}
		report.Points = append(report.Points, cp)
	}
	report.Summary.KWHTotal = fees.Round5(report.Summary.KWHTotal)
	report.Summary.CostTotal = fees.Round5(report.Summary.CostTotal)
	return report, nil
}

// Export builds the export revenue report for the query. The sell price of
// every interval uses the reduction coefficient effective on that local
// day.
func (s *Service) Export(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, q meter.RangeQuery) (*ExportReport, error) {
	series, err := s.series.ExportSeries(ctx, cfg, q)
	if err != nil {
		return nil, err
	}
	loc := series.Location
	if !series.HasSeries && s.dataExpected(q, loc) {
		return nil, types.ErrDataUnavailable
	}
	prices := s.priceMapFor(ctx, cfg, feeSource, series.Points, loc)

	coefByDate := make(map[string]float64)
	coefFor := func(date string) float64 {
		if coef, ok := coefByDate[date]; ok {
			return coef
		}
		coef := fees.SellCoefficientKWH(feeSource.SnapshotFor(date))
		coefByDate[date] = coef
		return coef
	}

	report := &ExportReport{
		Range:         series.Range,
		Interval:      series.Interval,
		EntityID:      series.EntityID,
		Points:        make([]ExportPoint, 0, len(series.Points)),
		FromCache:     series.FromCache,
		CacheFallback: series.CacheFallback,
	}
	for _, p := range series.Points {
		ep := ExportPoint{Time: p.Time, TimeUTC: p.TimeUTC, KWH: p.KWH}
		if p.KWH != nil {
			report.Summary.ExportKWHTotal += *p.KWH
			if entry, ok := lookupPrice(prices, p, loc); ok {
				if t, err := time.Parse(time.RFC3339, p.TimeUTC); err == nil {
					sellPrice := entry.Spot - coefFor(t.In(loc).Format(dayFormat))
					ep.SpotPrice = types.Float64(entry.Spot)
					ep.SellPrice = types.Float64(fees.Round5(sellPrice))
					ep.Sell = types.Float64(fees.Round5(*p.KWH * sellPrice))
					report.Summary.SellTotal += *p.KWH * sellPrice
				}
			}
		}
		report.Points = append(report.Points, ep)
	}
	report.Summary.ExportKWHTotal = fees.Round5(report.Summary.ExportKWHTotal)
	report.Summary.SellTotal = fees.Round5(report.Summary.SellTotal)
	return report, nil
}
