// Package prefetch runs the background job that fetches tomorrow's prices
// shortly after the day-ahead market publishes them. A lock file keeps
// multiple processes sharing a data directory from fetching in parallel.
package prefetch

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/log"
	"github.com/spotdesk/spotdesk/pkg/pricing"
	"github.com/spotdesk/spotdesk/pkg/types"
)

const (
	dayFormat = "2006-01-02"

	// day-ahead prices for tomorrow are published around 13:00 local time
	targetHour   = 13
	targetMinute = 5

	minSleep        = 30 * time.Second
	errorRetryDelay = 300 * time.Second
	staleLockAge    = 48 * time.Hour
)

// PriceFetcher resolves day prices and reports on the cache.
type PriceFetcher interface {
	PricesForDate(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, q pricing.Query) ([]types.PriceEntry, error)
	HasCachedDay(date, provider string) bool
}

// Scheduler periodically ensures tomorrow's prices are cached.
type Scheduler struct {
	store     *config.Store
	prices    PriceFetcher
	feeSource pricing.FeeSource
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time

	lockPath string
	enabled  bool
}

// Configured sets up flags for the scheduler and returns the instance.
func Configured(store *config.Store, prices PriceFetcher, feeSource pricing.FeeSource) *Scheduler {
	s := NewScheduler(store, prices, feeSource, "")
	lockPath := lflag.String("prefetch-lock-file", "/data/prefetch-scheduler.lock", "Path to the prefetch scheduler lock file")
	enabled := lflag.Bool("prefetch-enabled", true, "Enable the tomorrow-price prefetch scheduler")

	lflag.Do(func() {
		s.lockPath = *lockPath
		s.enabled = *enabled
	})
	return s
}

// NewScheduler returns a scheduler with an explicit lock path, enabled.
func NewScheduler(store *config.Store, prices PriceFetcher, feeSource pricing.FeeSource, lockPath string) *Scheduler {
	return &Scheduler{
		store:     store,
		prices:    prices,
		feeSource: feeSource,
		now:       time.Now,
		after:     time.After,
		lockPath:  lockPath,
		enabled:   true,
	}
}

type lockInfo struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
}

// acquireLock creates the lock file exclusively. A leftover lock older
// than staleLockAge is treated as abandoned and taken over.
func (s *Scheduler) acquireLock(ctx context.Context) bool {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info := lockInfo{PID: os.Getpid(), CreatedAt: s.now().UTC().Format(time.RFC3339)}
			if encodeErr := json.NewEncoder(f).Encode(info); encodeErr != nil {
				log.Ctx(ctx).Warn("failed to write prefetch lock", slog.Any("error", encodeErr))
			}
			f.Close()
			return true
		}
		if !os.IsExist(err) {
			log.Ctx(ctx).Warn("failed to create prefetch lock", slog.String("path", s.lockPath), slog.Any("error", err))
			return false
		}

		var info lockInfo
		raw, readErr := os.ReadFile(s.lockPath)
		if readErr == nil {
			_ = json.Unmarshal(raw, &info)
		}
		createdAt, parseErr := time.Parse(time.RFC3339, info.CreatedAt)
		if parseErr == nil && s.now().Sub(createdAt) <= staleLockAge {
			return false
		}
		log.Ctx(ctx).Warn("removing stale prefetch lock", slog.String("path", s.lockPath), slog.Int("pid", info.PID))
		if removeErr := os.Remove(s.lockPath); removeErr != nil {
			log.Ctx(ctx).Warn("failed to remove stale prefetch lock", slog.Any("error", removeErr))
			return false
		}
	}
	return false
}

func (s *Scheduler) releaseLock(ctx context.Context) {
	if err := os.Remove(s.lockPath); err != nil {
		log.Ctx(ctx).Warn("failed to remove prefetch lock", slog.Any("error", err))
	}
}

// targetTime is today's publication check time in now's location.
func targetTime(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), targetHour, targetMinute, 0, 0, now.Location())
}

// nextHourAt05 is the next retry slot, five minutes past the coming hour.
func nextHourAt05(now time.Time) time.Time {
	next := now.Truncate(time.Hour).Add(time.Hour + 5*time.Minute)
	if !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next
}

// iterate runs one scheduler pass and returns how long to sleep before the
// next one.
func (s *Scheduler) iterate(ctx context.Context) time.Duration {
	cfg, err := s.store.Load()
	if err != nil {
		log.Ctx(ctx).Warn("prefetch failed to load config", slog.Any("error", err))
		return errorRetryDelay
	}
	loc := cfg.Location()
	now := s.now().In(loc)
	provider := pricing.NormalizeProvider(cfg.PriceProvider)
	tomorrow := now.AddDate(0, 0, 1).Format(dayFormat)
	target := targetTime(now)

	var next time.Time
	switch {
	case s.prices.HasCachedDay(tomorrow, provider):
		next = target.AddDate(0, 0, 1)
	case now.Before(target):
		next = target
	default:
		log.Ctx(ctx).Info("prefetching tomorrow's prices", slog.String("date", tomorrow), slog.String("provider", provider))
		if _, err := s.prices.PricesForDate(ctx, cfg, s.feeSource, pricing.Query{Date: tomorrow}); err != nil {
			log.Ctx(ctx).Warn("prefetch failed", slog.String("date", tomorrow), slog.Any("error", err))
			return errorRetryDelay
		}
		if s.prices.HasCachedDay(tomorrow, provider) {
			log.Ctx(ctx).Info("tomorrow's prices cached", slog.String("date", tomorrow))
			next = target.AddDate(0, 0, 1)
		} else {
			next = nextHourAt05(now)
		}
	}

	wait := next.Sub(now)
	if wait < minSleep {
		wait = minSleep
	}
	return wait
}

// Run loops the scheduler until the context is canceled. It returns
// immediately when disabled or when another process holds the lock.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.enabled {
		return nil
	}
	if !s.acquireLock(ctx) {
		log.Ctx(ctx).Info("prefetch scheduler lock held elsewhere, not starting", slog.String("path", s.lockPath))
		return nil
	}
	defer s.releaseLock(ctx)
	log.Ctx(ctx).Info("prefetch scheduler started", slog.String("lock", s.lockPath))

	for {
		wait := s.iterate(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-s.after(wait):
		}
	}
}
