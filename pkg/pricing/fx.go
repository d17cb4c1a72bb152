package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"github.com/spotdesk/spotdesk/pkg/log"
)

var fxBucket = []byte("eur-czk")

// FXRates resolves the EUR/CZK exchange rate from the CNB daily rates API.
// Resolved rates are kept in a small bolt database keyed by day so OTE price
// conversions don't re-query the CNB on every request.
type FXRates struct {
	apiURL  string
	client  *http.Client
	limiter *rate.Limiter
	db      *bbolt.DB
}

// NewFXRates returns an FXRates client. dbPath may be empty to disable the
// persistent day cache.
func NewFXRates(apiURL, dbPath string) (*FXRates, error) {
	f := &FXRates{
		apiURL:  apiURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
	if dbPath != "" {
		db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to open fx cache %s: %w", dbPath, err)
		}
		if err := db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(fxBucket)
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to init fx cache: %w", err)
		}
		f.db = db
	}
	return f, nil
}

// Close releases the cache database.
func (f *FXRates) Close() error {
	if f.db == nil {
		return nil
	}
	return f.db.Close()
}

// EURCZK returns the EUR/CZK rate effective on day. The CNB publishes no
// rates on weekends and holidays, so up to 7 calendar days are walked back
// until a published rate is found.
func (f *FXRates) EURCZK(ctx context.Context, day time.Time) (float64, error) {
	key := day.Format("2006-01-02")
	if cached, ok := f.cachedRate(key); ok {
		return cached, nil
	}

	for offset := 0; offset < 7; offset++ {
		queryDay := day.AddDate(0, 0, -offset).Format("2006-01-02")
		value, err := f.fetchRate(ctx, queryDay)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			log.Ctx(ctx).Warn("cnb rate lookup failed", "date", queryDay, "error", err)
			continue
		}
		f.storeRate(ctx, key, value)
		return value, nil
	}
	return 0, &UpstreamError{Provider: ProviderOTE, Err: fmt.Errorf("eur/czk rate not available for %s", key)}
}

func (f *FXRates) cachedRate(key string) (float64, bool) {
	if f.db == nil {
		return 0, false
	}
	var value float64
	var found bool
	_ = f.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(fxBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		parsed, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return nil
		}
		value, found = parsed, true
		return nil
	})
	return value, found
}

func (f *FXRates) storeRate(ctx context.Context, key string, value float64) {
	if f.db == nil {
		return
	}
	err := f.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(fxBucket).Put([]byte(key), []byte(strconv.FormatFloat(value, 'f', -1, 64)))
	})
	if err != nil {
		log.Ctx(ctx).Warn("failed to store fx rate", "date", key, "error", err)
	}
}

type cnbPayload struct {
	Rates []struct {
		CurrencyCode string   `json:"currencyCode"`
		Amount       float64  `json:"amount"`
		Rate         *float64 `json:"rate"`
	} `json:"rates"`
}

func (f *FXRates) fetchRate(ctx context.Context, date string) (float64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.apiURL+"?date="+date, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var payload cnbPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}
	rate, ok := extractEURCZK(payload)
	if !ok {
		return 0, fmt.Errorf("no eur rate in response")
	}
	return rate, nil
}

// extractEURCZK finds the EUR rate and normalizes it per unit (the CNB
// quotes some currencies per 100 units).
func extractEURCZK(payload cnbPayload) (float64, bool) {
	for _, row := range payload.Rates {
		if !strings.EqualFold(row.CurrencyCode, "EUR") || row.Rate == nil || *row.Rate <= 0 {
			continue
		}
		amount := row.Amount
		if amount <= 0 {
			amount = 1
		}
		return *row.Rate / amount, true
	}
	return 0, false
}
