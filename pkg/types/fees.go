package types

// Distribuce holds the per-kWh distribution fee for the off-peak (NT) and
// peak (VT) tariff windows.
type Distribuce struct {
	NT float64 `json:"NT"`
	VT float64 `json:"VT"`
}

// KWHFees are the per-kWh fee components added on top of the spot price.
type KWHFees struct {
	KomoditaSluzba  float64    `json:"komodita_sluzba"`
	OZE             float64    `json:"oze"`
	Dan             float64    `json:"dan"`
	SystemoveSluzby float64    `json:"systemove_sluzby"`
	Distribuce      Distribuce `json:"distribuce"`
}

// DailyFixedFees are fixed fees charged per calendar day.
type DailyFixedFees struct {
	StalyPlat float64 `json:"staly_plat"`
}

// MonthlyFixedFees are fixed fees charged per calendar month and amortized
// across the month's days for billing.
type MonthlyFixedFees struct {
	ProvozNesitoveInfrastruktury float64 `json:"provoz_nesitove_infrastruktury"`
	Jistic                       float64 `json:"jistic"`
}

// FixedFees groups the daily and monthly fixed fee schedules.
type FixedFees struct {
	Daily   DailyFixedFees   `json:"daily"`
	Monthly MonthlyFixedFees `json:"monthly"`
}

// Prodej holds export (sell) pricing parameters. KoeficientSnizeniCeny is
// in CZK/MWh and is subtracted from the spot price when valuing exports.
type Prodej struct {
	KoeficientSnizeniCeny float64 `json:"koeficient_snizeni_ceny"`
}

// FeeSnapshot is the fully resolved fee/tariff configuration effective on
// one calendar day. DPHPercent is always a percentage (21 means 21% VAT).
type FeeSnapshot struct {
	DPHPercent float64   `json:"dph_percent"`
	KWHFees    KWHFees   `json:"kwh_fees"`
	Fixed      FixedFees `json:"fixed"`
	Prodej     Prodej    `json:"prodej"`
}

// FeeHistoryRecord is one effective-dated entry of the append-only fee
// history. EffectiveTo is empty for the currently open-ended record.
type FeeHistoryRecord struct {
	EffectiveFrom string      `json:"effective_from"`
	EffectiveTo   string      `json:"effective_to,omitempty"`
	Snapshot      FeeSnapshot `json:"snapshot"`
}
