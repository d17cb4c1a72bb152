package types

// SeriesPoint is one interval of a meter series. KWHTotal is the raw
// cumulative counter reading, KWH the derived per-interval delta. Nil means
// "no data", never zero.
type SeriesPoint struct {
	Time     string   `json:"time"`
	TimeUTC  string   `json:"time_utc"`
	KWHTotal *float64 `json:"kwh_total"`
	KWH      *float64 `json:"kwh"`
}

// SeriesRange is the UTC query window of a series.
type SeriesRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// SeriesData is a resolved meter series for one day or range. HasSeries is
// false when the time-series database returned no matching series at all,
// as opposed to a series of nulls.
type SeriesData struct {
	Range     SeriesRange   `json:"range"`
	Interval  string        `json:"interval"`
	EntityID  string        `json:"entity_id"`
	Points    []SeriesPoint `json:"points"`
	HasSeries bool          `json:"has_series"`
}

// Float64 returns a pointer to v. Nullable result fields use *float64 so
// "no data" (nil) stays distinct from a measured zero.
func Float64(v float64) *float64 {
	return &v
}
