package billing

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/fees"
	"github.com/spotdesk/spotdesk/pkg/log"
	"github.com/spotdesk/spotdesk/pkg/meter"
	"github.com/spotdesk/spotdesk/pkg/pricing"
	"github.com/spotdesk/spotdesk/pkg/types"
)

var monthRe = regexp.MustCompile(`^\d{4}-\d{2}$`)

func parseMonth(month string, loc *time.Location) (time.Time, error) {
	if !monthRe.MatchString(month) {
		return time.Time{}, types.Validationf("invalid month format %q, use YYYY-MM", month)
	}
	start, err := time.ParseInLocation("2006-01", month, loc)
	if err != nil {
		return time.Time{}, types.Validationf("invalid month %q", month)
	}
	return start, nil
}

// dayTotals resolves one day's consumption and export totals. Failures on
// either source degrade to nil totals for that day.
func (s *Service) dayTotals(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, date string, includeExport bool, loc *time.Location) (types.DailyTotals, types.ExportTotals) {
	entries, err := s.prices.PricesForDate(ctx, cfg, feeSource, pricing.Query{Date: date})
	if err != nil {
		log.Ctx(ctx).Warn("failed to resolve prices for day totals", "date", date, "error", err)
		return types.DailyTotals{}, types.ExportTotals{}
	}
	prices := PriceMap(entries, loc)

	var totals types.DailyTotals
	series, err := s.series.ConsumptionSeries(ctx, cfg, meter.RangeQuery{Date: date})
	if err != nil {
		log.Ctx(ctx).Warn("failed to resolve consumption for day totals", "date", date, "error", err)
	} else {
		totals = DailyTotals(series, prices, loc)
	}

	var export types.ExportTotals
	if includeExport {
		exportSeries, err := s.series.ExportSeries(ctx, cfg, meter.RangeQuery{Date: date})
		if err != nil {
			log.Ctx(ctx).Warn("failed to resolve export for day totals", "date", date, "error", err)
		} else {
			coef := fees.SellCoefficientKWH(feeSource.SnapshotFor(date))
			export = DailyExportTotals(exportSeries, prices, coef, loc)
		}
	}
	return totals, export
}

// MonthlyBilling computes one month's roll-up. Fixed fees accrue for every
// day of the month from that day's fee snapshot; measured costs only for
// days that have already started. requireData overrides the default rule
// that only the current month must have data to be served.
func (s *Service) MonthlyBilling(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, month string, requireData *bool) (*types.MonthlyBilling, error) {
	loc := cfg.Location()
	monthStart, err := parseMonth(month, loc)
	if err != nil {
		return nil, err
	}
	daysInMonth := time.Date(monthStart.Year(), monthStart.Month()+1, 0, 12, 0, 0, 0, time.UTC).Day()
	today := s.now().In(loc)
	todayStr := today.Format(dayFormat)

	require := month == today.Format("2006-01")
	if requireData != nil {
		require = *requireData
	}
	includeExport := cfg.InfluxDB.ExportEntityID != ""

	breakdown := types.FixedBreakdown{
		Daily:   make(map[string]float64),
		Monthly: make(map[string]float64),
	}
	var fixedTotal, variable, kwh, sell, exportKWH float64
	var daysWithData, exportDays int

	for d := 0; d < daysInMonth; d++ {
		date := monthStart.AddDate(0, 0, d).Format(dayFormat)
		snap := feeSource.SnapshotFor(date)
		daily, monthly := fees.FixedBreakdownForDay(snap, daysInMonth)
		for k, v := range daily {
			breakdown.Daily[k] += v
			fixedTotal += v
		}
		for k, v := range monthly {
			breakdown.Monthly[k] += v
			fixedTotal += v
		}
		if date > todayStr {
			continue
		}
		totals, export := s.dayTotals(ctx, cfg, feeSource, date, includeExport, loc)
		if totals.CostTotal != nil {
			variable += *totals.CostTotal
			kwh += *totals.KWHTotal
			daysWithData++
		}
		if export.SellTotal != nil {
			sell += *export.SellTotal
			exportKWH += *export.ExportKWHTotal
			exportDays++
		}
	}
	for k, v := range breakdown.Daily {
		breakdown.Daily[k] = fees.Round5(v)
	}
	for k, v := range breakdown.Monthly {
		breakdown.Monthly[k] = fees.Round5(v)
	}

	result := &types.MonthlyBilling{
		Month:          month,
		DaysInMonth:    daysInMonth,
		DaysWithData:   daysWithData,
		FixedBreakdown: breakdown,
	}
	if daysWithData == 0 {
		if require && !monthStart.After(today) {
			return nil, types.ErrDataUnavailable
		}
		return result, nil
	}

	fixed := fees.Round5(fixedTotal)
	var actualSell float64
	result.Actual = types.BillingActual{
		KWHTotal:     types.Float64(fees.Round5(kwh)),
		VariableCost: types.Float64(fees.Round5(variable)),
		FixedCost:    types.Float64(fixed),
		TotalCost:    types.Float64(fees.Round5(variable + fixedTotal)),
	}
	if exportDays > 0 {
		actualSell = sell
		result.Actual.ExportKWHTotal = types.Float64(fees.Round5(exportKWH))
		result.Actual.SellTotal = types.Float64(fees.Round5(sell))
	}
	result.Actual.NetTotal = types.Float64(fees.Round5(variable + fixedTotal - actualSell))

	projVar := variable / float64(daysWithData) * float64(daysInMonth)
	var projSell float64
	result.Projected = types.BillingProjected{
		VariableCost: types.Float64(fees.Round5(projVar)),
		FixedCost:    types.Float64(fixed),
		TotalCost:    types.Float64(fees.Round5(projVar + fixedTotal)),
	}
	if exportDays > 0 {
		projSell = sell / float64(exportDays) * float64(daysInMonth)
		result.Projected.SellTotal = types.Float64(fees.Round5(projSell))
	}
	result.Projected.NetTotal = types.Float64(fees.Round5(projVar + fixedTotal - projSell))
	return result, nil
}

// YearlyBilling computes a year's roll-up from its monthly roll-ups.
// Months without data are listed but excluded from the totals; future
// years yield an empty month list.
func (s *Service) YearlyBilling(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, year int) (*types.YearlyBilling, error) {
	now := s.now().In(cfg.Location())
	result := &types.YearlyBilling{Year: year, Months: []types.YearlyBillingMonth{}}
	if year > now.Year() {
		return result, nil
	}
	lastMonth := 12
	if year == now.Year() {
		lastMonth = int(now.Month())
	}

	noRequire := false
	for m := 1; m <= lastMonth; m++ {
		month := fmt.Sprintf("%04d-%02d", year, m)
		mb, err := s.MonthlyBilling(ctx, cfg, feeSource, month, &noRequire)
		if err != nil {
			return nil, err
		}
		result.Months = append(result.Months, types.YearlyBillingMonth{
			Month:        mb.Month,
			DaysInMonth:  mb.DaysInMonth,
			DaysWithData: mb.DaysWithData,
			Actual:       mb.Actual,
			Projected:    mb.Projected,
		})
		if mb.DaysWithData == 0 {
			continue
		}
		result.Totals.Actual.VariableCost += deref(mb.Actual.VariableCost)
		result.Totals.Actual.FixedCost += deref(mb.Actual.FixedCost)
		result.Totals.Actual.TotalCost += deref(mb.Actual.TotalCost)
		result.Totals.Actual.NetTotal += deref(mb.Actual.NetTotal)
		result.Totals.Projected.VariableCost += deref(mb.Projected.VariableCost)
		result.Totals.Projected.FixedCost += deref(mb.Projected.FixedCost)
		result.Totals.Projected.TotalCost += deref(mb.Projected.TotalCost)
		result.Totals.Projected.NetTotal += deref(mb.Projected.NetTotal)
	}
	result.Totals.Actual = roundSide(result.Totals.Actual)
	result.Totals.Projected = roundSide(result.Totals.Projected)
	return result, nil
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func roundSide(side types.YearlyTotalsSide) types.YearlyTotalsSide {
	return types.YearlyTotalsSide{
		VariableCost: fees.Round5(side.VariableCost),
		FixedCost:    fees.Round5(side.FixedCost),
		TotalCost:    fees.Round5(side.TotalCost),
		NetTotal:     fees.Round5(side.NetTotal),
	}
}

// DailySummary lists per-day totals for every elapsed day of the month.
// It errors only when the month has started and not a single day produced
// a series.
func (s *Service) DailySummary(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, month string) (*types.DailySummary, error) {
	loc := cfg.Location()
	monthStart, err := parseMonth(month, loc)
	if err != nil {
		return nil, err
	}
	next := monthStart.AddDate(0, 1, 0)
	today := s.now().In(loc)
	todayStr := today.Format(dayFormat)
	includeExport := cfg.InfluxDB.ExportEntityID != ""

	summary := &types.DailySummary{Month: month, Days: []types.DailySummaryDay{}}
	var anySeries, anyExport bool
	var kwhSum, costSum, exportSum, sellSum float64

	for day := monthStart; day.Before(next); day = day.AddDate(0, 0, 1) {
		date := day.Format(dayFormat)
		if date > todayStr {
			break
		}
		totals, export := s.dayTotals(ctx, cfg, feeSource, date, includeExport, loc)
		anySeries = anySeries || totals.HasSeries
		anyExport = anyExport || export.HasSeries
		summary.Days = append(summary.Days, types.DailySummaryDay{
			Date:           date,
			KWHTotal:       totals.KWHTotal,
			CostTotal:      totals.CostTotal,
			ExportKWHTotal: export.ExportKWHTotal,
			SellTotal:      export.SellTotal,
		})
		if totals.CostTotal != nil {
			kwhSum += *totals.KWHTotal
			costSum += *totals.CostTotal
		}
		if export.SellTotal != nil {
			exportSum += *export.ExportKWHTotal
			sellSum += *export.SellTotal
		}
	}

	if !anySeries && !monthStart.After(today) {
		return nil, types.ErrDataUnavailable
	}
	summary.Summary = types.DailySummaryTotals{
		KWHTotal:  fees.Round5(kwhSum),
		CostTotal: fees.Round5(costSum),
	}
	if anyExport {
		summary.Summary.ExportKWHTotal = types.Float64(fees.Round5(exportSum))
		summary.Summary.SellTotal = types.Float64(fees.Round5(sellSum))
	}
	return summary, nil
}
