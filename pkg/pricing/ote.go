package pricing

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/spotdesk/spotdesk/pkg/log"
)

const (
	oteSOAPAction = "http://www.ote-cr.cz/schema/service/public/GetDamPricePeriodE"

	// oteCooldown is how long OTE fetches are skipped after a failure so a
	// broken upstream doesn't get hammered on every request.
	oteCooldown = 600 * time.Second
)

// OTE market days run on Prague local time regardless of the configured
// display timezone.
var pragueLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Prague")
	if err != nil {
		panic(fmt.Errorf("failed to load prague location: %w", err))
	}
	return loc
}()

// OTE implements the Provider interface for the OTE day-ahead market SOAP
// service. Prices arrive in EUR/MWh and are converted with the CNB rate of
// the delivery day.
type OTE struct {
	// urls are tried in order; the service is occasionally reachable over
	// plain HTTP when the HTTPS endpoint misbehaves.
	urls    []string
	client  *http.Client
	fx      *FXRates
	limiter *rate.Limiter

	mu            sync.Mutex
	unavailableTo time.Time
	now           func() time.Time
}

// NewOTE returns an OTE provider trying httpsURL first, then httpURL.
func NewOTE(httpsURL, httpURL string, fx *FXRates) *OTE {
	urls := []string{httpsURL}
	if httpURL != "" {
		urls = append(urls, httpURL)
	}
	return &OTE{
		urls:    urls,
		client:  &http.Client{Timeout: 20 * time.Second},
		fx:      fx,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		now:     time.Now,
	}
}

// Name implements Provider.
func (o *OTE) Name() string {
	return ProviderOTE
}

// CooldownRemaining implements CooldownProvider.
func (o *OTE) CooldownRemaining() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	remaining := o.unavailableTo.Sub(o.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MarkUnavailable implements CooldownProvider. Repeated failures extend the
// cooldown, they never shorten it.
func (o *OTE) MarkUnavailable(ctx context.Context, reason error) {
	o.mu.Lock()
	until := o.now().Add(oteCooldown)
	if until.After(o.unavailableTo) {
		o.unavailableTo = until
	}
	o.mu.Unlock()
	log.Ctx(ctx).Warn("ote marked unavailable", "cooldown", oteCooldown, "error", reason)
}

// FetchLive implements Provider. OTE serves both live days from the same
// date-range query, so only the requested dates are fetched and returned.
func (o *OTE) FetchLive(ctx context.Context, _, _ string, requested []string) (map[string][]RawSlot, error) {
	return o.fetchDates(ctx, requested)
}

// FetchHistorical implements Provider.
func (o *OTE) FetchHistorical(ctx context.Context, date string) ([]RawSlot, error) {
	byDate, err := o.fetchDates(ctx, []string{date})
	if err != nil {
		return nil, err
	}
	return byDate[date], nil
}

func (o *OTE) fetchDates(ctx context.Context, dates []string) (map[string][]RawSlot, error) {
	if len(dates) == 0 {
		return map[string][]RawSlot{}, nil
	}
	parsed := make([]time.Time, 0, len(dates))
	for _, date := range dates {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", date, err)
		}
		parsed = append(parsed, day)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Before(parsed[j]) })
	start, end := parsed[0], parsed[len(parsed)-1]

	xmlText, err := o.fetchPeriodXML(ctx, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	eurByDate, err := parseOTEPeriods(xmlText)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]RawSlot, len(parsed))
	for _, day := range parsed {
		date := day.Format("2006-01-02")
		eurCZK, err := o.fx.EURCZK(ctx, day)
		if err != nil {
			return nil, err
		}
		slots := make([]RawSlot, 0, len(eurByDate[date]))
		for _, slot := range eurByDate[date] {
			slots = append(slots, RawSlot{
				Hour:    slot.Hour,
				Minute:  slot.Minute,
				SpotKWH: slot.SpotKWH * eurCZK,
			})
		}
		result[date] = slots
	}
	return result, nil
}

func (o *OTE) fetchPeriodXML(ctx context.Context, startDate, endDate string) ([]byte, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" ?>
<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:pub="http://www.ote-cr.cz/schema/service/public">
  <soapenv:Header/>
  <soapenv:Body>
    <pub:GetDamPricePeriodE>
      <pub:StartDate>%s</pub:StartDate>
      <pub:EndDate>%s</pub:EndDate>
      <pub:PeriodResolution>PT15M</pub:PeriodResolution>
    </pub:GetDamPricePeriodE>
  </soapenv:Body>
</soapenv:Envelope>`, startDate, endDate)

	var lastErr error
	for _, url := range o.urls {
		log.Ctx(ctx).Info("fetching ote prices", "url", url, "start", startDate, "end", endDate)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		req.Header.Set("Accept", "text/xml")
		req.Header.Set("SOAPAction", oteSOAPAction)

		resp, err := o.client.Do(req)
		if err != nil {
			lastErr = err
			log.Ctx(ctx).Warn("ote request failed", "url", url, "error", err)
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			log.Ctx(ctx).Warn("ote request failed", "url", url, "status", resp.StatusCode)
			continue
		}
		return raw, nil
	}
	return nil, &UpstreamError{Provider: ProviderOTE, Err: lastErr}
}

type oteItem struct {
	Date        string `xml:"Date"`
	PeriodIndex string `xml:"PeriodIndex"`
	Price       string `xml:"Price"`
}

type soapFault struct {
	FaultString string `xml:"faultstring"`
}

// parseOTEPeriods extracts per-date slots (EUR/kWh) from the SOAP response.
// A SOAP fault is surfaced as an UpstreamError with Fault set. Items are
// addressed by period index within the Prague market day, so the index is
// mapped through UTC to produce correct local slots on DST switch days.
func parseOTEPeriods(xmlText []byte) (map[string][]RawSlot, error) {
	decoder := xml.NewDecoder(bytes.NewReader(xmlText))
	byDate := make(map[string][]RawSlot)
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &UpstreamError{Provider: ProviderOTE, Err: fmt.Errorf("failed to parse response: %w", err)}
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "Fault":
			var fault soapFault
			if err := decoder.DecodeElement(&fault, &start); err != nil {
				return nil, &UpstreamError{Provider: ProviderOTE, Err: fmt.Errorf("failed to parse fault: %w", err)}
			}
			msg := fault.FaultString
			if msg == "" {
				msg = "unknown soap fault"
			}
			return nil, &UpstreamError{Provider: ProviderOTE, Fault: true, Err: fmt.Errorf("%s", msg)}
		case "Item":
			var item oteItem
			if err := decoder.DecodeElement(&item, &start); err != nil {
				continue
			}
			day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(item.Date), pragueLocation)
			if err != nil {
				continue
			}
			index, err := strconv.Atoi(strings.TrimSpace(item.PeriodIndex))
			if err != nil || index < 1 || index > 100 {
				continue
			}
			priceEURMWh, err := strconv.ParseFloat(strings.TrimSpace(item.Price), 64)
			if err != nil {
				continue
			}

			slotUTC := day.UTC().Add(time.Duration(index-1) * 15 * time.Minute)
			slotLocal := slotUTC.In(pragueLocation)
			slotDate := slotLocal.Format("2006-01-02")
			byDate[slotDate] = append(byDate[slotDate], RawSlot{
				Hour:    slotLocal.Hour(),
				Minute:  slotLocal.Minute(),
				SpotKWH: priceEURMWh / 1000,
			})
		}
	}
	for date := range byDate {
		slots := byDate[date]
		sort.Slice(slots, func(i, j int) bool {
			if slots[i].Hour != slots[j].Hour {
				return slots[i].Hour < slots[j].Hour
			}
			return slots[i].Minute < slots[j].Minute
		})
	}
	return byDate, nil
}
