package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/spotdesk/spotdesk/pkg/log"
)

// Spot implements the Provider interface for spotovaelektrina.cz. Live
// prices come from the quarter-hourly JSON API, historical prices are
// scraped from the daily price HTML page.
type Spot struct {
	apiURL  string
	htmlURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewSpot returns a Spot provider using the given endpoints. htmlURL is the
// base of the daily price pages, the date is appended per request.
func NewSpot(apiURL, htmlURL string) *Spot {
	return &Spot{
		apiURL:  apiURL,
		htmlURL: strings.TrimRight(htmlURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// Name implements Provider.
func (s *Spot) Name() string {
	return ProviderSpot
}

type spotRow struct {
	Hour     int      `json:"hour"`
	Minute   int      `json:"minute"`
	PriceCZK *float64 `json:"priceCZK"`
}

type spotResponse struct {
	HoursToday    []spotRow `json:"hoursToday"`
	HoursTomorrow []spotRow `json:"hoursTomorrow"`
}

// FetchLive implements Provider. The API always returns both days, so
// requested is ignored and the caller keeps only the dates it needs.
func (s *Spot) FetchLive(ctx context.Context, today, tomorrow string, _ []string) (map[string][]RawSlot, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info("fetching live spot prices", "url", s.apiURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Provider: ProviderSpot, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Provider: ProviderSpot, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	var payload spotResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &UpstreamError{Provider: ProviderSpot, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return map[string][]RawSlot{
		today:    s.rowsToSlots(ctx, today, payload.HoursToday),
		tomorrow: s.rowsToSlots(ctx, tomorrow, payload.HoursTomorrow),
	}, nil
}

// rowsToSlots converts API rows (CZK/MWh) to slots (CZK/kWh). Rows without
// a price are skipped rather than failing the whole day.
func (s *Spot) rowsToSlots(ctx context.Context, date string, rows []spotRow) []RawSlot {
	var slots []RawSlot
	for _, row := range rows {
		if row.PriceCZK == nil {
			log.Ctx(ctx).Warn("skipping spot price row without price", "date", date, "hour", row.Hour, "minute", row.Minute)
			continue
		}
		slots = append(slots, RawSlot{
			Hour:    row.Hour,
			Minute:  row.Minute,
			SpotKWH: *row.PriceCZK / 1000,
		})
	}
	return slots
}

// FetchHistorical implements Provider by scraping the daily price table.
func (s *Spot) FetchHistorical(ctx context.Context, date string) ([]RawSlot, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := s.htmlURL + "/" + date
	log.Ctx(ctx).Info("fetching historical spot prices", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Provider: ProviderSpot, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{Provider: ProviderSpot, Err: fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)}
	}

	rows, err := parsePriceTable(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Provider: ProviderSpot, Err: err}
	}
	var slots []RawSlot
	for _, row := range rows {
		hourStr, minuteStr, ok := strings.Cut(row.timeLabel, ":")
		if !ok {
			continue
		}
		hour, err := strconv.Atoi(strings.TrimSpace(hourStr))
		if err != nil {
			continue
		}
		minute, err := strconv.Atoi(strings.TrimSpace(minuteStr))
		if err != nil {
			continue
		}
		slots = append(slots, RawSlot{Hour: hour, Minute: minute, SpotKWH: row.priceCZK / 1000})
	}
	return slots, nil
}

type priceTableRow struct {
	timeLabel string
	priceCZK  float64
}

// priceNumberRe matches the first number in a cell, allowing ASCII and
// unicode minus signs plus digit-group spaces.
var priceNumberRe = regexp.MustCompile(`([-\x{2212}\x{2013}\x{2014}\x{FE63}\x{FF0D}]?\s*\d[\d\s]*(?:[.,]\d+)*)`)

// parsePriceTable extracts (time, price) pairs from the rows of the table
// with id="prices".
func parsePriceTable(r io.Reader) ([]priceTableRow, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price page: %w", err)
	}
	table := findPriceTable(doc)
	if table == nil {
		return nil, nil
	}

	var rows []priceTableRow
	var walkRows func(*html.Node)
	walkRows = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			cells := cellTexts(n)
			if len(cells) >= 2 {
				if price, ok := parseLocalePrice(cells[1]); ok {
					rows = append(rows, priceTableRow{timeLabel: cells[0], priceCZK: price})
				}
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walkRows(child)
		}
	}
	walkRows(table)
	return rows, nil
}

func findPriceTable(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "table" {
		for _, attr := range n.Attr {
			if attr.Key == "id" && attr.Val == "prices" {
				return n
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findPriceTable(child); found != nil {
			return found
		}
	}
	return nil
}

func cellTexts(row *html.Node) []string {
	var cells []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "td" {
			cells = append(cells, strings.TrimSpace(nodeText(n)))
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(row)
	return cells
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

// parseLocalePrice parses a price cell that may use czech or english
// locale formatting: non-breaking spaces, unicode minus variants, either
// "1 234,56" or "1,234.56" grouping.
func parseLocalePrice(text string) (float64, bool) {
	normalized := strings.ReplaceAll(text, " ", " ")
	match := priceNumberRe.FindString(normalized)
	if match == "" {
		return 0, false
	}
	raw := strings.NewReplacer(
		" ", "",
		"−", "-",
		"–", "-",
		"—", "-",
		"﹣", "-",
		"－", "-",
	).Replace(match)
	if raw == "" {
		return 0, false
	}
	if strings.Contains(raw, ",") && strings.Contains(raw, ".") {
		if strings.LastIndex(raw, ",") > strings.LastIndex(raw, ".") {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.ReplaceAll(raw, ",", ".")
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	} else {
		raw = strings.ReplaceAll(raw, ",", ".")
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
