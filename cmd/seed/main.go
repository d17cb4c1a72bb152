package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/fees"
	"github.com/spotdesk/spotdesk/pkg/log"
	"github.com/spotdesk/spotdesk/pkg/pricing"
	"github.com/spotdesk/spotdesk/pkg/types"
)

// seed fills a local data directory with synthetic spot prices and a fee
// history so the dashboard has data without hitting the real providers.
func main() {
	dataDir := lflag.String("data-dir", "./data", "Data directory to seed")
	daysFlag := lflag.String("days", "14", "Number of past days to generate")
	lflag.Configure()

	ctx := context.Background()
	days, err := strconv.Atoi(*daysFlag)
	if err != nil || days < 0 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid days flag", "days", *daysFlag)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "seeding mock data", "dir", *dataDir, "days", days)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	cache := pricing.NewCache(filepath.Join(*dataDir, "prices-cache"))

	snapshot := demoSnapshot()
	periods := config.ParseVTPeriods("8-20")

	now := time.Now()
	for d := -days; d <= 1; d++ {
		day := now.AddDate(0, 0, d)
		date := day.Format("2006-01-02")
		entries := demoDay(rng, date, periods, snapshot)
		if err := cache.Save(date, entries, pricing.ProviderSpot); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save day", "date", date, "error", err)
			os.Exit(1)
		}
	}

	history := fees.NewHistory(filepath.Join(*dataDir, "fees-history.json"))
	if err := history.ReconcileToday(snapshot, now); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed fee history", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding complete")
}

func demoSnapshot() types.FeeSnapshot {
	return types.FeeSnapshot{
		DPHPercent: 21,
		KWHFees: types.KWHFees{
			KomoditaSluzba:  0.35,
			OZE:             0.495,
			Dan:             0.0283,
			SystemoveSluzby: 0.2129,
			Distribuce:      types.Distribuce{NT: 0.5, VT: 1.2},
		},
		Fixed: types.FixedFees{
			Daily:   types.DailyFixedFees{StalyPlat: 4.2},
			Monthly: types.MonthlyFixedFees{ProvozNesitoveInfrastruktury: 9.1, Jistic: 210},
		},
		Prodej: types.Prodej{KoeficientSnizeniCeny: 450},
	}
}

// demoDay generates a quarter-hourly day following a rough duck curve:
// cheap mid-day, expensive morning and evening peaks.
func demoDay(rng *rand.Rand, date string, periods config.VTPeriods, snapshot types.FeeSnapshot) []types.PriceEntry {
	entries := make([]types.PriceEntry, 0, 96)
	for slot := 0; slot < 96; slot++ {
		hour, minute := slot/4, (slot%4)*15
		base := 2.2 + 1.1*math.Sin(2*math.Pi*(float64(hour)-18)/24)
		if hour >= 11 && hour < 15 {
			base -= 1.4
		}
		spot := base + rng.Float64()*0.2 - 0.1
		entries = append(entries, types.PriceEntry{
			Time:   fmt.Sprintf("%s %02d:%02d", date, hour, minute),
			Hour:   hour,
			Minute: minute,
			Spot:   fees.Round5(spot),
			Final:  fees.FinalPrice(spot, hour, periods, snapshot),
		})
	}
	return entries
}
