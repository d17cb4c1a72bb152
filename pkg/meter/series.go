package meter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/spotdesk/spotdesk/pkg/common"
	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/log"
	"github.com/spotdesk/spotdesk/pkg/types"
)

const (
	// seriesCacheVersion is bumped whenever the cached payload shape or the
	// delta semantics change, invalidating every older day file.
	seriesCacheVersion = 2

	// todayCacheTTL bounds how stale today's still-growing series may be.
	todayCacheTTL = 600 * time.Second
)

// Series is a resolved meter series plus its cache provenance.
type Series struct {
	types.SeriesData
	Location      *time.Location
	FromCache     bool
	CacheFallback bool
}

// RangeQuery selects either one local day or an explicit ISO time range.
// With neither set, the query covers today.
type RangeQuery struct {
	Date  string
	Start string
	End   string
}

// Service resolves consumption and export meter series from InfluxDB with
// per-day file caches in front.
type Service struct {
	influx *InfluxClient
	now    func() time.Time

	consumptionDir string
	exportDir      string
}

// Configured sets up flags for the meter service and returns the instance.
func Configured() *Service {
	s := &Service{influx: NewInfluxClient(), now: time.Now}
	consumptionDir := lflag.String("consumption-cache-dir", "/data/consumption-cache", "Directory for per-day consumption cache files")
	exportDir := lflag.String("export-cache-dir", "/data/export-cache", "Directory for per-day export cache files")

	lflag.Do(func() {
		s.consumptionDir = *consumptionDir
		s.exportDir = *exportDir
	})

	return s
}

// NewService returns a meter service with explicit cache directories.
func NewService(influx *InfluxClient, consumptionDir, exportDir string) *Service {
	return &Service{
		influx:         influx,
		now:            time.Now,
		consumptionDir: consumptionDir,
		exportDir:      exportDir,
	}
}

// ConsumptionSeries resolves the consumption counter series for the query.
func (s *Service) ConsumptionSeries(ctx context.Context, cfg config.App, q RangeQuery) (*Series, error) {
	if err := cfg.InfluxDB.Validate(); err != nil {
		return nil, err
	}
	return s.series(ctx, cfg, q, cfg.InfluxDB.EntityID, s.consumptionDir, "consumption")
}

// ExportSeries resolves the export counter series for the query.
func (s *Service) ExportSeries(ctx context.Context, cfg config.App, q RangeQuery) (*Series, error) {
	if err := cfg.InfluxDB.Validate(); err != nil {
		return nil, err
	}
	if cfg.InfluxDB.ExportEntityID == "" {
		return nil, errors.New("missing influxdb export_entity_id")
	}
	return s.series(ctx, cfg, q, cfg.InfluxDB.ExportEntityID, s.exportDir, "export")
}

func (s *Service) series(ctx context.Context, cfg config.App, q RangeQuery, entityID, dir, prefix string) (*Series, error) {
	loc := cfg.Location()
	key := cacheKeyFor(cfg.InfluxDB, entityID)

	var cached *cachedSeries
	cacheable := q.Date != "" && q.Start == "" && q.End == ""
	if cacheable {
		cached = s.loadCache(dir, prefix, q.Date, key)
		if cached != nil && s.cacheUsable(cached, q.Date, loc) {
			return &Series{SeriesData: cached.data, Location: loc, FromCache: true}, nil
		}
	}

	startUTC, endUTC, err := resolveRange(q, loc, s.now)
	if err != nil {
		return nil, err
	}

	values, hasSeries, err := s.influx.counterSeries(ctx, cfg.InfluxDB, entityID, startUTC, endUTC)
	if err != nil {
		log.Ctx(ctx).Warn("influx series query failed",
			"entityID", entityID, "date", q.Date, "start", q.Start, "end", q.End, "error", err)
		// a stale cached day beats an error page
		if cached != nil {
			return &Series{SeriesData: cached.data, Location: loc, FromCache: true, CacheFallback: true}, nil
		}
		return nil, err
	}

	data := types.SeriesData{
		Range: types.SeriesRange{
			Start: startUTC.UTC().Format(time.RFC3339),
			End:   endUTC.UTC().Format(time.RFC3339),
		},
		Interval:  interval(cfg.InfluxDB),
		EntityID:  entityID,
		Points:    CounterDeltas(values, startUTC.Unix(), loc),
		HasSeries: hasSeries,
	}
	if cacheable && hasSeries {
		s.saveCache(ctx, dir, prefix, q.Date, key, data)
	}
	return &Series{SeriesData: data, Location: loc}, nil
}

// CounterDeltas turns raw cumulative counter samples into per-interval
// deltas. A missing sample yields a nil delta; the first sample only counts
// from zero when it sits exactly on the range start; a counter that went
// backwards is treated as a reset and its value becomes the new baseline
// delta.
func CounterDeltas(values [][]*float64, rangeStartUnix int64, loc *time.Location) []types.SeriesPoint {
	points := make([]types.SeriesPoint, 0, len(values))
	var prevTotal *float64
	for _, row := range values {
		if len(row) < 2 || row[0] == nil {
			continue
		}
		ts := int64(*row[0])
		total := row[1]

		var delta *float64
		switch {
		case total == nil:
		case prevTotal == nil:
			if ts == rangeStartUnix {
				delta = types.Float64(*total)
			}
		default:
			diff := *total - *prevTotal
			if diff >= 0 {
				delta = types.Float64(diff)
			} else {
				delta = types.Float64(*total)
			}
		}
		if total != nil {
			prevTotal = types.Float64(*total)
		}

		tsUTC := time.Unix(ts, 0).UTC()
		points = append(points, types.SeriesPoint{
			Time:     tsUTC.In(loc).Format(time.RFC3339),
			TimeUTC:  tsUTC.Format(time.RFC3339),
			KWHTotal: total,
			KWH:      delta,
		})
	}
	return points
}

// resolveRange maps the query onto a UTC [start,end) window.
func resolveRange(q RangeQuery, loc *time.Location, now func() time.Time) (time.Time, time.Time, error) {
	switch {
	case q.Date != "":
		day, err := time.ParseInLocation("2006-01-02", q.Date, loc)
		if err != nil {
			return time.Time{}, time.Time{}, types.Validationf("invalid date format %q, use YYYY-MM-DD", q.Date)
		}
		return day.UTC(), day.AddDate(0, 0, 1).UTC(), nil
	case q.Start != "" && q.End != "":
		start, err := parseISOInLocation(q.Start, loc)
		if err != nil {
			return time.Time{}, time.Time{}, types.Validationf("invalid start %q, use ISO 8601", q.Start)
		}
		end, err := parseISOInLocation(q.End, loc)
		if err != nil {
			return time.Time{}, time.Time{}, types.Validationf("invalid end %q, use ISO 8601", q.End)
		}
		return start.UTC(), end.UTC(), nil
	default:
		year, month, day := now().In(loc).Date()
		start := time.Date(year, month, day, 0, 0, 0, 0, loc)
		return start.UTC(), start.AddDate(0, 0, 1).UTC(), nil
	}
}

// parseISOInLocation parses an ISO timestamp, assuming loc when no offset
// is given.
func parseISOInLocation(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", value, loc); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04", value, loc)
}

type seriesCacheKey struct {
	CacheVersion    int    `json:"cache_version"`
	EntityID        string `json:"entity_id"`
	Measurement     string `json:"measurement"`
	Field           string `json:"field"`
	Interval        string `json:"interval"`
	RetentionPolicy string `json:"retention_policy"`
	Timezone        string `json:"timezone"`
}

func cacheKeyFor(cfg config.InfluxDB, entityID string) seriesCacheKey {
	return seriesCacheKey{
		CacheVersion:    seriesCacheVersion,
		EntityID:        entityID,
		Measurement:     cfg.Measurement,
		Field:           cfg.Field,
		Interval:        interval(cfg),
		RetentionPolicy: cfg.RetentionPolicy,
		Timezone:        cfg.Timezone,
	}
}

type seriesCacheMeta struct {
	Key       seriesCacheKey `json:"key"`
	FetchedAt string         `json:"fetched_at"`
}

type seriesCachePayload struct {
	Meta seriesCacheMeta  `json:"meta"`
	Data types.SeriesData `json:"data"`
}

type cachedSeries struct {
	data      types.SeriesData
	fetchedAt string
	modTime   time.Time
}

func cacheFilePath(dir, prefix, date string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.json", prefix, date))
}

// loadCache reads a day file, rejecting it when the cache key no longer
// matches the live configuration.
func (s *Service) loadCache(dir, prefix, date string, key seriesCacheKey) *cachedSeries {
	path := cacheFilePath(dir, prefix, date)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var payload seriesCachePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	if payload.Meta.Key != key {
		return nil
	}
	cached := &cachedSeries{data: payload.Data, fetchedAt: payload.Meta.FetchedAt}
	if info, err := os.Stat(path); err == nil {
		cached.modTime = info.ModTime()
	}
	return cached
}

// cacheUsable decides whether a cached day can be served without querying:
// today's file within its TTL, or a past day fetched after the day was
// fully over.
func (s *Service) cacheUsable(cached *cachedSeries, date string, loc *time.Location) bool {
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return false
	}
	today := s.now().In(loc)
	if day.Year() == today.Year() && day.YearDay() == today.YearDay() {
		return !cached.modTime.IsZero() && s.now().Sub(cached.modTime) < todayCacheTTL
	}
	fetchedAt, err := time.Parse(time.RFC3339, cached.fetchedAt)
	if err != nil {
		return false
	}
	dayEndUTC := day.AddDate(0, 0, 1).UTC()
	return !fetchedAt.Before(dayEndUTC)
}

func (s *Service) saveCache(ctx context.Context, dir, prefix, date string, key seriesCacheKey, data types.SeriesData) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Ctx(ctx).Warn("failed to create series cache dir", "dir", dir, "error", err)
		return
	}
	payload := seriesCachePayload{
		Meta: seriesCacheMeta{
			Key:       key,
			FetchedAt: s.now().UTC().Format(time.RFC3339Nano),
		},
		Data: data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Ctx(ctx).Warn("failed to encode series cache", "date", date, "error", err)
		return
	}
	path := cacheFilePath(dir, prefix, date)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		log.Ctx(ctx).Warn("failed to write series cache", "path", path, "error", err)
		return
	}
	log.Ctx(ctx).Info("saved series cache", "path", path, "points", len(data.Points))
}

// ConsumptionCacheStatus summarizes the consumption cache directory.
func (s *Service) ConsumptionCacheStatus() common.CacheDirStatus {
	return common.StatusForDir(s.consumptionDir, "consumption")
}

// ExportCacheStatus summarizes the export cache directory.
func (s *Service) ExportCacheStatus() common.CacheDirStatus {
	return common.StatusForDir(s.exportDir, "export")
}
