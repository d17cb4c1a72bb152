package fees

import (
	"math"

	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/types"
)

// NormalizeDPHPercent accepts VAT either as a raw percentage (21) or as a
// multiplier (1.21) and always returns a percentage. Values <= 2 are
// treated as multipliers; a hypothetical 1-2% VAT would be misread, which
// matches the historical behavior on purpose.
func NormalizeDPHPercent(value float64) float64 {
	if value <= 0 {
		return 0
	}
	if value <= 2 {
		return math.Max(0, (value-1)*100)
	}
	return value
}

// BuildSnapshot resolves the live tariff configuration into the fee
// snapshot effective today.
func BuildSnapshot(cfg config.App) types.FeeSnapshot {
	return types.FeeSnapshot{
		DPHPercent: NormalizeDPHPercent(cfg.DPH),
		KWHFees: types.KWHFees{
			KomoditaSluzba:  cfg.Poplatky.KomoditaSluzba,
			OZE:             cfg.OZEFee(),
			Dan:             cfg.Poplatky.Dan,
			SystemoveSluzby: cfg.Poplatky.SystemoveSluzby,
			Distribuce: types.Distribuce{
				NT: cfg.Poplatky.Distribuce.NT,
				VT: cfg.Poplatky.Distribuce.VT,
			},
		},
		Fixed: types.FixedFees{
			Daily: types.DailyFixedFees{
				StalyPlat: cfg.Fixni.Denni.StalyPlat,
			},
			Monthly: types.MonthlyFixedFees{
				ProvozNesitoveInfrastruktury: cfg.Fixni.Mesicni.ProvozNesitoveInfrastruktury,
				Jistic:                       cfg.Fixni.Mesicni.Jistic,
			},
		},
		Prodej: types.Prodej{
			KoeficientSnizeniCeny: cfg.Prodej.KoeficientSnizeniCeny,
		},
	}
}

// IsVT reports whether hour falls in any configured [start,end) peak
// window.
func IsVT(hour int, periods config.VTPeriods) bool {
	for _, p := range periods {
		if hour >= p[0] && hour < p[1] {
			return true
		}
	}
	return false
}

// FinalPrice computes the VAT-inclusive retail price for one slot:
// spot + per-kWh fees + NT/VT distribution rate, times the VAT multiplier,
// rounded to 5 decimals.
func FinalPrice(spotKWH float64, hour int, periods config.VTPeriods, snap types.FeeSnapshot) float64 {
	dist := snap.KWHFees.Distribuce.NT
	if IsVT(hour, periods) {
		dist = snap.KWHFees.Distribuce.VT
	}
	subtotal := spotKWH +
		snap.KWHFees.KomoditaSluzba +
		snap.KWHFees.OZE +
		snap.KWHFees.Dan +
		snap.KWHFees.SystemoveSluzby +
		dist
	return Round5(subtotal * (1 + snap.DPHPercent/100))
}

// SellCoefficientKWH converts the configured sell-price reduction from
// CZK/MWh to CZK/kWh.
func SellCoefficientKWH(snap types.FeeSnapshot) float64 {
	return snap.Prodej.KoeficientSnizeniCeny / 1000
}

// FixedBreakdownForDay returns one day's fixed-fee contributions by
// component: daily fees VAT-multiplied, monthly fees amortized over the
// month's days and VAT-multiplied.
func FixedBreakdownForDay(snap types.FeeSnapshot, daysInMonth int) (daily, monthly map[string]float64) {
	mult := 1 + snap.DPHPercent/100
	daily = map[string]float64{
		"staly_plat": snap.Fixed.Daily.StalyPlat * mult,
	}
	monthly = map[string]float64{
		"provoz_nesitove_infrastruktury": snap.Fixed.Monthly.ProvozNesitoveInfrastruktury / float64(daysInMonth) * mult,
		"jistic":                         snap.Fixed.Monthly.Jistic / float64(daysInMonth) * mult,
	}
	return daily, monthly
}

// Round5 rounds to 5 decimal places, the precision used for all monetary
// values in persisted and served payloads.
func Round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}
