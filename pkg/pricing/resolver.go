package pricing

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/spotdesk/spotdesk/pkg/common"
	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/fees"
	"github.com/spotdesk/spotdesk/pkg/log"
	"github.com/spotdesk/spotdesk/pkg/types"
)

// FeeSource resolves the fee snapshot effective on a given day.
type FeeSource interface {
	SnapshotFor(date string) types.FeeSnapshot
}

// Query describes one price resolution request.
type Query struct {
	// Date is the requested day (YYYY-MM-DD).
	Date string
	// ForceRefresh bypasses both cache tiers and provider cooldowns.
	ForceRefresh bool
	// IncludeNeighborLive prewarms tomorrow's cache when Date is today.
	IncludeNeighborLive bool
}

// Resolver turns a requested day into final price entries, going through
// the cache tiers and the configured provider with same-provider cache
// fallback.
type Resolver struct {
	cache     *Cache
	providers map[string]Provider
	fx        *FXRates
	now       func() time.Time

	cacheDir    string
	spotAPIURL  string
	spotHTMLURL string
	oteHTTPSURL string
	oteHTTPURL  string
	cnbAPIURL   string
	fxCachePath string
}

// Configured sets up flags for the resolver and returns the instance. Init
// must be called after flags are parsed.
func Configured() *Resolver {
	r := &Resolver{now: time.Now}
	cacheDir := lflag.String("prices-cache-dir", "/data/prices-cache", "Directory for per-day price cache files")
	spotAPI := lflag.String("spot-api-url", "https://spotovaelektrina.cz/api/v1/price/get-prices-json-qh", "URL for the spotovaelektrina quarter-hourly price API")
	spotHTML := lflag.String("spot-html-url", "https://spotovaelektrina.cz/denni-ceny", "Base URL for the spotovaelektrina daily price pages")
	oteHTTPS := lflag.String("ote-api-url", "https://www.ote-cr.cz/services/PublicDataService", "URL for the OTE public data SOAP service")
	oteHTTP := lflag.String("ote-api-url-http", "http://www.ote-cr.cz/services/PublicDataService", "Fallback plain-HTTP URL for the OTE public data SOAP service")
	cnbAPI := lflag.String("cnb-api-url", "https://api.cnb.cz/cnbapi/exrates/daily", "URL for the CNB daily exchange rates API")
	fxCache := lflag.String("fx-cache-file", "/data/fx-rates.db", "Path to the EUR/CZK rate cache database (empty disables)")

	lflag.Do(func() {
		r.cacheDir = *cacheDir
		r.spotAPIURL = *spotAPI
		r.spotHTMLURL = *spotHTML
		r.oteHTTPSURL = *oteHTTPS
		r.oteHTTPURL = *oteHTTP
		r.cnbAPIURL = *cnbAPI
		r.fxCachePath = *fxCache
	})

	return r
}

// Init opens the fx cache and builds the providers. It must be called once
// before the resolver serves queries.
func (r *Resolver) Init(ctx context.Context) error {
	fx, err := NewFXRates(r.cnbAPIURL, r.fxCachePath)
	if err != nil {
		return err
	}
	r.fx = fx
	r.cache = NewCache(r.cacheDir)
	r.providers = map[string]Provider{
		ProviderSpot: NewSpot(r.spotAPIURL, r.spotHTMLURL),
		ProviderOTE:  NewOTE(r.oteHTTPSURL, r.oteHTTPURL, fx),
	}
	log.Ctx(ctx).Info("price resolver initialized", "cacheDir", r.cacheDir)
	return nil
}

// Close releases resolver resources.
func (r *Resolver) Close() error {
	if r.fx == nil {
		return nil
	}
	return r.fx.Close()
}

// NewResolver returns a resolver over explicit providers, keyed by their
// canonical names.
func NewResolver(cache *Cache, providers ...Provider) *Resolver {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Resolver{cache: cache, providers: byName, now: time.Now}
}

// Cache exposes the underlying price cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// CacheStatus summarizes the price cache directory.
func (r *Resolver) CacheStatus() common.CacheDirStatus {
	return r.cache.Status()
}

// HasCachedDay reports whether a cached day from the given provider exists.
func (r *Resolver) HasCachedDay(date, provider string) bool {
	return r.cache.Has(date, provider)
}

// PricesForDate resolves final prices for one day. Upstream failures
// degrade to cached or empty results; the only error is an unparseable
// date. The current fee snapshot for the day is always re-applied, so fee
// corrections take effect on cached days without a refetch.
func (r *Resolver) PricesForDate(ctx context.Context, cfg config.App, feeSource FeeSource, q Query) ([]types.PriceEntry, error) {
	provider := NormalizeProvider(cfg.PriceProvider)
	effectiveProvider := provider
	snapshot := feeSource.SnapshotFor(q.Date)

	if _, err := time.Parse("2006-01-02", q.Date); err != nil {
		return nil, types.Validationf("invalid date format %q, use YYYY-MM-DD", q.Date)
	}
	loc := cfg.Location()
	today := r.now().In(loc).Format("2006-01-02")
	tomorrow := r.now().In(loc).AddDate(0, 0, 1).Format("2006-01-02")
	isLiveDate := q.Date == today || q.Date == tomorrow

	if !q.ForceRefresh {
		if entries, ok := r.cache.Memory(q.Date); ok {
			if !isLiveDate || r.cache.ProviderMatch(q.Date, provider) {
				return applyFeeSnapshot(entries, cfg.Tarif.VTPeriods, snapshot), nil
			}
			log.Ctx(ctx).Info("skipping in-memory price cache due to provider switch",
				"date", q.Date, "cached", r.cache.Provider(q.Date), "configured", provider)
		}
		if entries := r.cache.LoadFile(q.Date); len(entries) > 0 {
			cachedProvider := r.cache.Provider(q.Date)
			if isLiveDate && cachedProvider != provider {
				log.Ctx(ctx).Info("skipping file price cache due to provider switch",
					"date", q.Date, "cached", cachedProvider, "configured", provider)
			} else {
				r.cache.Promote(q.Date, entries, cachedProvider)
				log.Ctx(ctx).Info("price cache hit", "date", q.Date)
				return applyFeeSnapshot(entries, cfg.Tarif.VTPeriods, snapshot), nil
			}
		}
	}
	log.Ctx(ctx).Info("price cache miss", "date", q.Date)

	var entries []types.PriceEntry
	if isLiveDate {
		var requested []string
		if q.Date == today {
			requested = append(requested, today)
			if q.IncludeNeighborLive {
				requested = append(requested, tomorrow)
			}
		} else {
			requested = append(requested, tomorrow)
		}
		needsToday := slices.Contains(requested, today)
		needsTomorrow := slices.Contains(requested, tomorrow)

		var todayEntries, tomorrowEntries []types.PriceEntry
		todayProvider, tomorrowProvider := provider, provider

		if byDate, ok := r.fetchLive(ctx, cfg, feeSource, provider, today, tomorrow, requested, q.ForceRefresh); ok {
			todayEntries = byDate[today]
			tomorrowEntries = byDate[tomorrow]
		}

		if needsToday && len(todayEntries) == 0 {
			todayEntries = r.cacheFallback(ctx, today, provider)
		}
		if needsTomorrow && len(tomorrowEntries) == 0 {
			tomorrowEntries = r.cacheFallback(ctx, tomorrow, provider)
		}

		if needsToday && len(todayEntries) > 0 {
			r.save(ctx, today, todayEntries, todayProvider)
		}
		if needsTomorrow && len(tomorrowEntries) > 0 {
			r.save(ctx, tomorrow, tomorrowEntries, tomorrowProvider)
		}
		if q.Date == today {
			entries = todayEntries
			effectiveProvider = todayProvider
		} else {
			entries = tomorrowEntries
			effectiveProvider = tomorrowProvider
		}
	} else {
		entries = r.fetchHistorical(ctx, cfg, provider, q.Date, snapshot, q.ForceRefresh)
		if len(entries) > 0 {
			r.save(ctx, q.Date, entries, effectiveProvider)
		}
	}

	return applyFeeSnapshot(entries, cfg.Tarif.VTPeriods, snapshot), nil
}

// fetchLive fetches the live window from the provider, honoring cooldowns.
// The bool result is false when the fetch was skipped or failed.
func (r *Resolver) fetchLive(ctx context.Context, cfg config.App, feeSource FeeSource, provider, today, tomorrow string, requested []string, force bool) (map[string][]types.PriceEntry, bool) {
	p, ok := r.providers[provider]
	if !ok {
		log.Ctx(ctx).Warn("no such price provider", "provider", provider)
		return nil, false
	}
	cp, hasCooldown := p.(CooldownProvider)
	if hasCooldown && !force {
		if remaining := cp.CooldownRemaining(); remaining > 0 {
			log.Ctx(ctx).Info("skipping live price fetch due to cooldown",
				"provider", provider, "remaining", remaining)
			return nil, false
		}
	}
	byDate, err := p.FetchLive(ctx, today, tomorrow, requested)
	if err != nil {
		if hasCooldown {
			cp.MarkUnavailable(ctx, err)
		}
		log.Ctx(ctx).Warn("live price fetch failed", "provider", provider, "error", err)
		return nil, false
	}
	result := make(map[string][]types.PriceEntry, len(byDate))
	for date, slots := range byDate {
		result[date] = buildEntries(date, slots, cfg.Tarif.VTPeriods, feeSource.SnapshotFor(date))
	}
	return result, true
}

func (r *Resolver) fetchHistorical(ctx context.Context, cfg config.App, provider, date string, snapshot types.FeeSnapshot, force bool) []types.PriceEntry {
	p, ok := r.providers[provider]
	if !ok {
		log.Ctx(ctx).Warn("no such price provider", "provider", provider)
		return nil
	}
	cp, hasCooldown := p.(CooldownProvider)
	if hasCooldown && !force {
		if remaining := cp.CooldownRemaining(); remaining > 0 {
			log.Ctx(ctx).Info("skipping historical price fetch due to cooldown",
				"provider", provider, "date", date, "remaining", remaining)
			return nil
		}
	}
	slots, err := p.FetchHistorical(ctx, date)
	if err != nil {
		if hasCooldown {
			cp.MarkUnavailable(ctx, err)
		}
		log.Ctx(ctx).Warn("historical price fetch failed", "provider", provider, "date", date, "error", err)
		return nil
	}
	return buildEntries(date, slots, cfg.Tarif.VTPeriods, snapshot)
}

// cacheFallback serves a live day from the file cache when the upstream
// fetch produced nothing, but only if the cached day came from the same
// provider. Mixing providers within the live window is never allowed.
func (r *Resolver) cacheFallback(ctx context.Context, date, provider string) []types.PriceEntry {
	entries := r.cache.LoadFile(date)
	if len(entries) == 0 || !r.cache.ProviderMatch(date, provider) {
		return nil
	}
	r.cache.Promote(date, entries, provider)
	log.Ctx(ctx).Info("using cached prices after failed fetch", "date", date, "provider", provider)
	return entries
}

func (r *Resolver) save(ctx context.Context, date string, entries []types.PriceEntry, provider string) {
	if err := r.cache.Save(date, entries, provider); err != nil {
		log.Ctx(ctx).Warn("failed to persist price cache", "date", date, "error", err)
		return
	}
	log.Ctx(ctx).Info("saved price cache", "date", date, "count", len(entries), "provider", provider)
}

// Refresh clears the memory tier and force-resolves the given dates. Day
// files are kept so a failed refetch can still fall back to them.
func (r *Resolver) Refresh(ctx context.Context, cfg config.App, feeSource FeeSource, dates []string) (types.RefreshReport, error) {
	report := types.RefreshReport{
		Status:   "ok",
		Provider: NormalizeProvider(cfg.PriceProvider),
	}
	for _, date := range dates {
		r.cache.Clear(date, false)
		entries, err := r.PricesForDate(ctx, cfg, feeSource, Query{Date: date, ForceRefresh: true})
		if err != nil {
			return types.RefreshReport{}, err
		}
		report.Refreshed = append(report.Refreshed, types.RefreshedDate{
			Date:    date,
			Count:   len(entries),
			HasData: len(entries) > 0,
		})
	}
	return report, nil
}

func buildEntries(date string, slots []RawSlot, periods config.VTPeriods, snapshot types.FeeSnapshot) []types.PriceEntry {
	var entries []types.PriceEntry
	for _, slot := range slots {
		entries = append(entries, types.PriceEntry{
			Time:   fmt.Sprintf("%s %02d:%02d", date, slot.Hour, slot.Minute),
			Hour:   slot.Hour,
			Minute: slot.Minute,
			Spot:   fees.Round5(slot.SpotKWH),
			Final:  fees.FinalPrice(slot.SpotKWH, slot.Hour, periods, snapshot),
		})
	}
	return entries
}

// applyFeeSnapshot recomputes the final price of every entry with the
// given snapshot, leaving the stored spot price untouched.
func applyFeeSnapshot(entries []types.PriceEntry, periods config.VTPeriods, snapshot types.FeeSnapshot) []types.PriceEntry {
	if len(entries) == 0 {
		return []types.PriceEntry{}
	}
	adjusted := make([]types.PriceEntry, len(entries))
	for i, entry := range entries {
		entry.Final = fees.FinalPrice(entry.Spot, entry.Hour, periods, snapshot)
		adjusted[i] = entry
	}
	return adjusted
}
