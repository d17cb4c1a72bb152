package types

// PriceEntry is one 15-minute price slot of a calendar day. Time is the
// slot start formatted as "2006-01-02 15:04" in the configured local
// timezone. Spot and Final are CZK/kWh; Final is recomputed from Spot and
// the fee snapshot effective on the day whenever entries are served, so a
// fee-history edit changes Final without refetching Spot.
type PriceEntry struct {
	Time   string  `json:"time"`
	Hour   int     `json:"hour"`
	Minute int     `json:"minute"`
	Spot   float64 `json:"spot"`
	Final  float64 `json:"final"`
}

// PriceCacheMeta is the sidecar metadata persisted next to a day's cached
// price entries.
type PriceCacheMeta struct {
	Provider  string `json:"provider"`
	FetchedAt string `json:"fetched_at"`
}

// RefreshedDate reports the outcome of a forced refresh for one day.
type RefreshedDate struct {
	Date    string `json:"date"`
	Count   int    `json:"count"`
	HasData bool   `json:"has_data"`
}

// RefreshReport summarizes a forced price refresh.
type RefreshReport struct {
	Status    string          `json:"status"`
	Provider  string          `json:"provider"`
	Refreshed []RefreshedDate `json:"refreshed"`
}
