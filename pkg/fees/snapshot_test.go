package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/types"
)

func TestNormalizeDPHPercent(t *testing.T) {
	assert.Equal(t, 21.0, NormalizeDPHPercent(21))
	assert.InDelta(t, 21.0, NormalizeDPHPercent(1.21), 0.00001)
	assert.Equal(t, 0.0, NormalizeDPHPercent(0))
	assert.Equal(t, 0.0, NormalizeDPHPercent(-5))
	assert.Equal(t, 0.0, NormalizeDPHPercent(1))
	// 2 is still read as a multiplier, never as 2% VAT
	assert.InDelta(t, 100.0, NormalizeDPHPercent(2), 0.00001)
	assert.Equal(t, 2.01, NormalizeDPHPercent(2.01))
}

func testSnapshot() types.FeeSnapshot {
	return types.FeeSnapshot{
		DPHPercent: 21,
		KWHFees: types.KWHFees{
			KomoditaSluzba:  0.5,
			OZE:             0.2,
			Dan:             0.03,
			SystemoveSluzby: 0.1,
			Distribuce:      types.Distribuce{NT: 0.4, VT: 1.2},
		},
		Fixed: types.FixedFees{
			Daily:   types.DailyFixedFees{StalyPlat: 3},
			Monthly: types.MonthlyFixedFees{ProvozNesitoveInfrastruktury: 30, Jistic: 150},
		},
		Prodej: types.Prodej{KoeficientSnizeniCeny: 500},
	}
}

func TestFinalPrice(t *testing.T) {
	snap := testSnapshot()
	periods := config.VTPeriods{{8, 20}}

	// off-peak at hour 2: (2 + 0.5+0.2+0.03+0.1 + 0.4) * 1.21
	assert.Equal(t, 3.9083, FinalPrice(2, 2, periods, snap))
	// peak at hour 8 uses the VT distribution rate
	assert.Equal(t, 4.8763, FinalPrice(2, 8, periods, snap))
	// end of a window is exclusive
	assert.Equal(t, 3.9083, FinalPrice(2, 20, periods, snap))
}

func TestIsVT(t *testing.T) {
	periods := config.VTPeriods{{8, 20}, {22, 23}}
	assert.False(t, IsVT(7, periods))
	assert.True(t, IsVT(8, periods))
	assert.True(t, IsVT(19, periods))
	assert.False(t, IsVT(20, periods))
	assert.True(t, IsVT(22, periods))
	assert.False(t, IsVT(23, periods))
	assert.False(t, IsVT(10, nil))
}

func TestBuildSnapshot(t *testing.T) {
	oze := 0.2
	cfg := config.App{
		DPH: 1.21,
		Poplatky: config.Poplatky{
			KomoditaSluzba:  0.5,
			Dan:             0.03,
			SystemoveSluzby: 0.1,
			POZE:            &oze,
			Distribuce:      config.Distribuce{NT: 0.4, VT: 1.2},
		},
		Fixni: config.Fixni{
			Denni:   config.FixniDenni{StalyPlat: 3},
			Mesicni: config.FixniMesicni{ProvozNesitoveInfrastruktury: 30, Jistic: 150},
		},
		Prodej: config.Prodej{KoeficientSnizeniCeny: 500},
	}

	snap := BuildSnapshot(cfg)
	assert.InDelta(t, 21.0, snap.DPHPercent, 0.00001)
	// legacy poze key feeds the oze component
	assert.Equal(t, 0.2, snap.KWHFees.OZE)
	assert.Equal(t, 1.2, snap.KWHFees.Distribuce.VT)
	assert.Equal(t, 150.0, snap.Fixed.Monthly.Jistic)
}

func TestSellCoefficientKWH(t *testing.T) {
	assert.Equal(t, 0.5, SellCoefficientKWH(testSnapshot()))
}

func TestFixedBreakdownForDay(t *testing.T) {
	daily, monthly := FixedBreakdownForDay(testSnapshot(), 30)
	assert.InDelta(t, 3.63, daily["staly_plat"], 0.00001)
	assert.InDelta(t, 1.21, monthly["provoz_nesitove_infrastruktury"], 0.00001)
	assert.InDelta(t, 6.05, monthly["jistic"], 0.00001)
}
