package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oteResponse(items string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">
  <SOAP-ENV:Body>
    <GetDamPricePeriodEResponse xmlns="http://www.ote-cr.cz/schema/service/public">
      <Result>%s</Result>
    </GetDamPricePeriodEResponse>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`, items)
}

func oteItemXML(date string, index int, price float64) string {
	return fmt.Sprintf("<Item><Date>%s</Date><PeriodIndex>%d</PeriodIndex><Price>%g</Price></Item>", date, index, price)
}

func TestParseOTEPeriods(t *testing.T) {
	// 2026-01-15 is CET (UTC+1): the Prague day starts 23:00 UTC the
	// evening before, so index 1 maps back to 00:00 local.
	xml := oteResponse(
		oteItemXML("2026-01-15", 1, 100) +
			oteItemXML("2026-01-15", 2, 110) +
			oteItemXML("2026-01-15", 5, 120) +
			oteItemXML("2026-01-15", 0, 999) +
			oteItemXML("2026-01-15", 101, 999) +
			"<Item><Date>bogus</Date><PeriodIndex>1</PeriodIndex><Price>1</Price></Item>",
	)
	byDate, err := parseOTEPeriods([]byte(xml))
	require.NoError(t, err)

	slots := byDate["2026-01-15"]
	require.Len(t, slots, 3)
	assert.Equal(t, 0, slots[0].Hour)
	assert.Equal(t, 0, slots[0].Minute)
	assert.InDelta(t, 0.1, slots[0].SpotKWH, 0.000001)
	assert.Equal(t, 0, slots[1].Hour)
	assert.Equal(t, 15, slots[1].Minute)
	assert.Equal(t, 1, slots[2].Hour)
	assert.Equal(t, 0, slots[2].Minute)
}

func TestParseOTEPeriodsFault(t *testing.T) {
	xml := `<?xml version="1.0"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/">
  <SOAP-ENV:Body>
    <SOAP-ENV:Fault>
      <faultcode>SOAP-ENV:Server</faultcode>
      <faultstring>Service temporarily unavailable</faultstring>
    </SOAP-ENV:Fault>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`
	_, err := parseOTEPeriods([]byte(xml))
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.True(t, upstream.Fault)
	assert.Contains(t, upstream.Error(), "Service temporarily unavailable")
}

func TestOTEFetchHistorical(t *testing.T) {
	soap := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, oteSOAPAction, r.Header.Get("SOAPAction"))
		_, err := w.Write([]byte(oteResponse(oteItemXML("2026-01-15", 1, 100))))
		if err != nil {
			panic(http.ErrAbortHandler)
		}
	}))
	defer soap.Close()
	cnb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(`{"rates":[{"currencyCode":"EUR","amount":1,"rate":25}]}`))
		if err != nil {
			panic(http.ErrAbortHandler)
		}
	}))
	defer cnb.Close()

	fx, err := NewFXRates(cnb.URL, "")
	require.NoError(t, err)
	o := NewOTE(soap.URL, "", fx)

	slots, err := o.FetchHistorical(context.Background(), "2026-01-15")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	// 100 EUR/MWh at 25 CZK/EUR is 2.5 CZK/kWh
	assert.InDelta(t, 2.5, slots[0].SpotKWH, 0.000001)
}

func TestOTEFallsBackToSecondURL(t *testing.T) {
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(oteResponse(oteItemXML("2026-01-15", 1, 100))))
		if err != nil {
			panic(http.ErrAbortHandler)
		}
	}))
	defer working.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	fx, err := NewFXRates("http://127.0.0.1:0", "")
	require.NoError(t, err)
	o := NewOTE(broken.URL, working.URL, fx)

	raw, err := o.fetchPeriodXML(context.Background(), "2026-01-15", "2026-01-15")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "PeriodIndex")
}

func TestOTECooldown(t *testing.T) {
	fx, err := NewFXRates("http://127.0.0.1:0", "")
	require.NoError(t, err)
	o := NewOTE("http://127.0.0.1:0", "", fx)

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	assert.Zero(t, o.CooldownRemaining())
	o.MarkUnavailable(context.Background(), errors.New("boom"))
	assert.Equal(t, oteCooldown, o.CooldownRemaining())

	// a later failure extends the window
	now = now.Add(5 * time.Minute)
	o.MarkUnavailable(context.Background(), errors.New("boom again"))
	assert.Equal(t, oteCooldown, o.CooldownRemaining())

	now = now.Add(oteCooldown)
	assert.Zero(t, o.CooldownRemaining())
}

func TestFXRatesWalksBack(t *testing.T) {
	var dates []string
	cnb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		dates = append(dates, date)
		// weekend: no rates for the first two days queried
		if date == "2026-08-29" || date == "2026-08-28" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, err := w.Write([]byte(`{"rates":[{"currencyCode":"EUR","amount":1,"rate":24.8}]}`))
		if err != nil {
			panic(http.ErrAbortHandler)
		}
	}))
	defer cnb.Close()

	fx, err := NewFXRates(cnb.URL, filepath.Join(t.TempDir(), "fx.db"))
	require.NoError(t, err)
	defer fx.Close()

	day := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	rate, err := fx.EURCZK(context.Background(), day)
	require.NoError(t, err)
	assert.InDelta(t, 24.8, rate, 0.000001)
	assert.Equal(t, []string{"2026-08-29", "2026-08-28", "2026-08-27"}, dates)

	// second lookup for the same day is served from the cache
	rate, err = fx.EURCZK(context.Background(), day)
	require.NoError(t, err)
	assert.InDelta(t, 24.8, rate, 0.000001)
	assert.Len(t, dates, 3)
}

func TestFXRatesAmountNormalization(t *testing.T) {
	cnb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(`{"rates":[
			{"currencyCode":"JPY","amount":100,"rate":15},
			{"currencyCode":"eur","amount":100,"rate":2480}
		]}`))
		if err != nil {
			panic(http.ErrAbortHandler)
		}
	}))
	defer cnb.Close()

	fx, err := NewFXRates(cnb.URL, "")
	require.NoError(t, err)
	rate, err := fx.EURCZK(context.Background(), time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.InDelta(t, 24.8, rate, 0.000001)
}
