package types

// DailyTotals is the joined consumption/price summary for one day. Nil
// totals mean no usable data, not zero usage.
type DailyTotals struct {
	KWHTotal  *float64 `json:"kwh_total"`
	CostTotal *float64 `json:"cost_total"`
	HasSeries bool     `json:"has_series"`
}

// ExportTotals is the export-revenue summary for one day.
type ExportTotals struct {
	ExportKWHTotal *float64 `json:"export_kwh_total"`
	SellTotal      *float64 `json:"sell_total"`
	HasSeries      bool     `json:"has_series"`
}

// BillingActual holds the measured portion of a month's billing.
type BillingActual struct {
	KWHTotal       *float64 `json:"kwh_total"`
	VariableCost   *float64 `json:"variable_cost"`
	FixedCost      *float64 `json:"fixed_cost"`
	TotalCost      *float64 `json:"total_cost"`
	ExportKWHTotal *float64 `json:"export_kwh_total"`
	SellTotal      *float64 `json:"sell_total"`
	NetTotal       *float64 `json:"net_total"`
}

// BillingProjected holds the full-month projection extrapolated from the
// days that produced data.
type BillingProjected struct {
	VariableCost *float64 `json:"variable_cost"`
	FixedCost    *float64 `json:"fixed_cost"`
	TotalCost    *float64 `json:"total_cost"`
	SellTotal    *float64 `json:"sell_total"`
	NetTotal     *float64 `json:"net_total"`
}

// FixedBreakdown accumulates the month's fixed fees by component name.
type FixedBreakdown struct {
	Daily   map[string]float64 `json:"daily"`
	Monthly map[string]float64 `json:"monthly"`
}

// MonthlyBilling is the billing roll-up for one month. It is derived on
// every request and never persisted.
type MonthlyBilling struct {
	Month          string           `json:"month"`
	DaysInMonth    int              `json:"days_in_month"`
	DaysWithData   int              `json:"days_with_data"`
	Actual         BillingActual    `json:"actual"`
	Projected      BillingProjected `json:"projected"`
	FixedBreakdown FixedBreakdown   `json:"fixed_breakdown"`
}

// YearlyBillingMonth is one month's slice of a yearly roll-up.
type YearlyBillingMonth struct {
	Month        string           `json:"month"`
	DaysInMonth  int              `json:"days_in_month"`
	DaysWithData int              `json:"days_with_data"`
	Actual       BillingActual    `json:"actual"`
	Projected    BillingProjected `json:"projected"`
}

// YearlyTotalsSide sums either the actual or projected side of a year.
type YearlyTotalsSide struct {
	VariableCost float64 `json:"variable_cost"`
	FixedCost    float64 `json:"fixed_cost"`
	TotalCost    float64 `json:"total_cost"`
	NetTotal     float64 `json:"net_total"`
}

// YearlyTotals pairs the actual and projected sums of a year.
type YearlyTotals struct {
	Actual    YearlyTotalsSide `json:"actual"`
	Projected YearlyTotalsSide `json:"projected"`
}

// YearlyBilling is the billing roll-up for one year. Months with no data
// are listed but excluded from the totals.
type YearlyBilling struct {
	Year   int                  `json:"year"`
	Months []YearlyBillingMonth `json:"months"`
	Totals YearlyTotals         `json:"totals"`
}

// DailySummaryDay is one day's line of a month summary.
type DailySummaryDay struct {
	Date           string   `json:"date"`
	KWHTotal       *float64 `json:"kwh_total"`
	CostTotal      *float64 `json:"cost_total"`
	ExportKWHTotal *float64 `json:"export_kwh_total"`
	SellTotal      *float64 `json:"sell_total"`
}

// DailySummaryTotals sums a month's per-day lines.
type DailySummaryTotals struct {
	KWHTotal       float64  `json:"kwh_total"`
	CostTotal      float64  `json:"cost_total"`
	ExportKWHTotal *float64 `json:"export_kwh_total"`
	SellTotal      *float64 `json:"sell_total"`
}

// DailySummary lists per-day totals for every elapsed day of a month.
type DailySummary struct {
	Month   string             `json:"month"`
	Days    []DailySummaryDay  `json:"days"`
	Summary DailySummaryTotals `json:"summary"`
}
