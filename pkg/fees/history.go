package fees

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/spotdesk/spotdesk/pkg/types"
)

const dayFormat = "2006-01-02"

// History is the effective-dated fee history persisted as a JSON array of
// records. Reads never fail: a missing or corrupt file behaves like an
// empty history and ReconcileToday reseeds it from the live snapshot.
type History struct {
	path string

	mu      sync.Mutex
	records []types.FeeHistoryRecord
}

// Configured sets up flags for the fee history and returns the instance.
func Configured() *History {
	h := &History{}
	path := lflag.String("fees-history-file", "/data/fees-history.json", "Path to the fee history JSON file")

	lflag.Do(func() {
		h.path = *path
	})
	return h
}

// NewHistory returns a History backed by the file at path.
func NewHistory(path string) *History {
	return &History{path: path}
}

func (h *History) load() []types.FeeHistoryRecord {
	raw, err := os.ReadFile(h.path)
	if err != nil {
		return nil
	}
	var records []types.FeeHistoryRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil
	}
	sortRecords(records)
	return records
}

func (h *History) save(records []types.FeeHistoryRecord) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode fee history: %w", err)
	}
	if err := os.WriteFile(h.path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write fee history %s: %w", h.path, err)
	}
	return nil
}

func sortRecords(records []types.FeeHistoryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EffectiveFrom < records[j].EffectiveFrom
	})
}

// ReconcileToday makes the history consistent with the live configuration:
// an empty history is seeded with a record starting today, and if the
// record covering today no longer matches the live snapshot it is updated
// in place. Past records are never touched.
func (h *History) ReconcileToday(live types.FeeSnapshot, today time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	records := h.load()
	day := today.Format(dayFormat)

	if len(records) == 0 {
		records = []types.FeeHistoryRecord{{EffectiveFrom: day, Snapshot: live}}
		if err := h.save(records); err != nil {
			return err
		}
		h.records = records
		return nil
	}

	idx := -1
	for i, rec := range records {
		if rec.EffectiveFrom > day {
			continue
		}
		if rec.EffectiveTo != "" && rec.EffectiveTo < day {
			continue
		}
		idx = i
	}

	switch {
	case idx == -1:
		records = append(records, types.FeeHistoryRecord{EffectiveFrom: day, Snapshot: live})
		sortRecords(records)
	case records[idx].Snapshot != live:
		records[idx].Snapshot = live
	default:
		h.records = records
		return nil
	}

	if err := h.save(records); err != nil {
		return err
	}
	h.records = records
	return nil
}

// SnapshotFor returns the fee snapshot effective on the given day. It
// degrades gracefully rather than erroring: with no covering record it
// falls back to the closest preceding record, then to the earliest one,
// and an unparseable date resolves to the latest record. The zero snapshot
// is returned only when the history is empty.
func (h *History) SnapshotFor(date string) types.FeeSnapshot {
	h.mu.Lock()
	records := h.records
	if records == nil {
		records = h.load()
		h.records = records
	}
	h.mu.Unlock()

	if len(records) == 0 {
		return types.FeeSnapshot{}
	}
	if _, err := time.Parse(dayFormat, date); err != nil {
		return records[len(records)-1].Snapshot
	}

	// overlapping records can appear in a hand-edited file; the latest
	// effective_from that covers the date wins
	preceding, covering := -1, -1
	for i, rec := range records {
		if rec.EffectiveFrom > date {
			break
		}
		preceding = i
		if rec.EffectiveTo == "" || date <= rec.EffectiveTo {
			covering = i
		}
	}
	if covering >= 0 {
		return records[covering].Snapshot
	}
	if preceding >= 0 {
		return records[preceding].Snapshot
	}
	return records[0].Snapshot
}

// Records returns a copy of the history sorted by effective_from.
func (h *History) Records() []types.FeeHistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := h.records
	if records == nil {
		records = h.load()
		h.records = records
	}
	out := make([]types.FeeHistoryRecord, len(records))
	copy(out, records)
	return out
}

// Replace validates the submitted records and atomically replaces the
// whole history with them. Nothing is persisted unless every record
// passes. The normalized, sorted records are returned.
func (h *History) Replace(records []types.FeeHistoryRecord, today time.Time) ([]types.FeeHistoryRecord, error) {
	if len(records) == 0 {
		return nil, types.Validationf("fee history must contain at least one record")
	}
	day := today.Format(dayFormat)

	normalized := make([]types.FeeHistoryRecord, len(records))
	copy(normalized, records)
	seen := make(map[string]bool, len(normalized))
	for i, rec := range normalized {
		if _, err := time.Parse(dayFormat, rec.EffectiveFrom); err != nil {
			return nil, types.Validationf("record %d: invalid effective_from %q", i, rec.EffectiveFrom)
		}
		if rec.EffectiveFrom > day {
			return nil, types.Validationf("record %d: effective_from %s is in the future", i, rec.EffectiveFrom)
		}
		if seen[rec.EffectiveFrom] {
			return nil, types.Validationf("duplicate effective_from %s", rec.EffectiveFrom)
		}
		seen[rec.EffectiveFrom] = true
		if rec.EffectiveTo != "" {
			if _, err := time.Parse(dayFormat, rec.EffectiveTo); err != nil {
				return nil, types.Validationf("record %d: invalid effective_to %q", i, rec.EffectiveTo)
			}
			if rec.EffectiveTo > day {
				return nil, types.Validationf("record %d: effective_to %s is in the future", i, rec.EffectiveTo)
			}
			if rec.EffectiveTo < rec.EffectiveFrom {
				return nil, types.Validationf("record %d: effective_to %s precedes effective_from %s", i, rec.EffectiveTo, rec.EffectiveFrom)
			}
		}
		normalized[i].Snapshot.DPHPercent = NormalizeDPHPercent(rec.Snapshot.DPHPercent)
	}

	sortRecords(normalized)
	for i := range normalized[:len(normalized)-1] {
		next := normalized[i+1]
		if normalized[i].EffectiveTo == "" {
			from, _ := time.Parse(dayFormat, next.EffectiveFrom)
			normalized[i].EffectiveTo = from.AddDate(0, 0, -1).Format(dayFormat)
		} else if normalized[i].EffectiveTo >= next.EffectiveFrom {
			return nil, types.Validationf("record effective %s overlaps the record starting %s", normalized[i].EffectiveFrom, next.EffectiveFrom)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.save(normalized); err != nil {
		return nil, err
	}
	h.records = normalized
	return normalized, nil
}
