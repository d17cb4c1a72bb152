package meter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/log"
)

// placeholderPassword is the untouched add-on config default; credentials
// are only sent when the user actually changed it.
const placeholderPassword = "CHANGE_ME"

// InfluxClient queries the InfluxDB 1.x HTTP API.
type InfluxClient struct {
	client *http.Client
}

// NewInfluxClient returns a client with the standard query timeout.
func NewInfluxClient() *InfluxClient {
	return &InfluxClient{client: &http.Client{Timeout: 10 * time.Second}}
}

type influxSeries struct {
	Values [][]*float64 `json:"values"`
}

type influxResult struct {
	Series []influxSeries `json:"series"`
	Error  string         `json:"error"`
}

type influxResponse struct {
	Results []influxResult `json:"results"`
}

// query runs one InfluxQL query with epoch-second timestamps and returns
// the first result.
func (c *InfluxClient) query(ctx context.Context, cfg config.InfluxDB, query string) (influxResult, error) {
	endpoint := fmt.Sprintf("http://%s:%d/query", cfg.Host, cfg.Port)
	params := url.Values{}
	params.Set("db", cfg.Database)
	params.Set("q", query)
	params.Set("epoch", "s")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return influxResult{}, err
	}
	if cfg.Username != "" && cfg.Password != "" && cfg.Password != placeholderPassword {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return influxResult{}, fmt.Errorf("influx query failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return influxResult{}, fmt.Errorf("influx query failed: unexpected status %d", resp.StatusCode)
	}
	var payload influxResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return influxResult{}, fmt.Errorf("failed to decode influx response: %w", err)
	}
	if len(payload.Results) == 0 {
		return influxResult{}, nil
	}
	result := payload.Results[0]
	if result.Error != "" {
		return influxResult{}, fmt.Errorf("influx query error: %s", result.Error)
	}
	return result, nil
}

// counterQuery builds the grouped last() query for a cumulative counter.
func counterQuery(cfg config.InfluxDB, entityID string, startUTC, endUTC time.Time) string {
	fromClause := fmt.Sprintf("%q", cfg.Measurement)
	if cfg.RetentionPolicy != "" {
		fromClause = fmt.Sprintf("%q.%q", cfg.RetentionPolicy, cfg.Measurement)
	}
	return fmt.Sprintf(
		`SELECT last(%q) AS "kwh_total" FROM %s WHERE time >= '%s' AND time < '%s' AND "entity_id"='%s' GROUP BY time(%s) fill(null)`,
		cfg.Field,
		fromClause,
		startUTC.UTC().Format(time.RFC3339),
		endUTC.UTC().Format(time.RFC3339),
		entityID,
		interval(cfg),
	)
}

func interval(cfg config.InfluxDB) string {
	if cfg.Interval == "" {
		return "15m"
	}
	return cfg.Interval
}

// entityIDCandidates returns the configured entity id plus the obvious
// Home Assistant variants: recorder setups differ on whether the
// "sensor." domain prefix is stored in the entity_id tag.
func entityIDCandidates(entityID string) []string {
	raw := strings.TrimSpace(entityID)
	if raw == "" {
		return nil
	}
	candidates := []string{raw}
	if _, suffix, ok := strings.Cut(raw, "."); ok {
		if suffix != "" && suffix != raw {
			candidates = append(candidates, suffix)
		}
	} else {
		candidates = append(candidates, "sensor."+raw)
	}
	return candidates
}

// counterSeries queries the counter series, retrying entity id variants
// until one matches.
func (c *InfluxClient) counterSeries(ctx context.Context, cfg config.InfluxDB, entityID string, startUTC, endUTC time.Time) ([][]*float64, bool, error) {
	for _, candidate := range entityIDCandidates(entityID) {
		result, err := c.query(ctx, cfg, counterQuery(cfg, candidate, startUTC, endUTC))
		if err != nil {
			return nil, false, err
		}
		if len(result.Series) == 0 {
			continue
		}
		if candidate != entityID {
			log.Ctx(ctx).Info("entity fallback matched", "configured", entityID, "matched", candidate)
		}
		return result.Series[0].Values, true, nil
	}
	return nil, false, nil
}
