package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spotdesk/spotdesk/pkg/config"
)

const (
	// ProviderSpot is the spotovaelektrina.cz JSON/HTML provider.
	ProviderSpot = "spotovaelektrina"
	// ProviderOTE is the OTE day-ahead market SOAP provider.
	ProviderOTE = "ote"
	// DefaultProvider is used when the configured provider is unknown.
	DefaultProvider = ProviderSpot
)

// NormalizeProvider maps provider aliases to their canonical name. Unknown
// values fall back to the default provider so a typo in the config never
// breaks price resolution.
func NormalizeProvider(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case ProviderSpot, "spotovaelektrina.cz", "spot":
		return ProviderSpot
	case ProviderOTE, "ote-cr.cz", "ote.cz", "otecr":
		return ProviderOTE
	default:
		return DefaultProvider
	}
}

// NormalizeConfig canonicalizes provider aliases in a loaded config. It is
// meant to be passed to config.NewStore as the normalize callback.
func NormalizeConfig(app *config.App) {
	app.PriceProvider = NormalizeProvider(app.PriceProvider)
}

// RawSlot is one quarter-hour (or hourly) spot price slot before fees are
// applied. SpotKWH is in CZK/kWh.
type RawSlot struct {
	Hour    int
	Minute  int
	SpotKWH float64
}

// Provider defines the interface for fetching spot prices from an upstream
// market source.
type Provider interface {
	// Name returns the canonical provider name.
	Name() string

	// FetchLive fetches prices for the live window (today and tomorrow).
	// requested lists the dates the caller actually needs; providers that
	// always return both days may ignore it. The result maps date strings
	// to slots and may be missing dates the upstream has not published yet.
	FetchLive(ctx context.Context, today, tomorrow string, requested []string) (map[string][]RawSlot, error)

	// FetchHistorical fetches prices for a single past date.
	FetchHistorical(ctx context.Context, date string) ([]RawSlot, error)
}

// CooldownProvider is implemented by providers that need a failure cooldown
// before being retried.
type CooldownProvider interface {
	// CooldownRemaining returns how long fetches should be skipped, or zero.
	CooldownRemaining() time.Duration

	// MarkUnavailable starts (or extends) the cooldown after a failure.
	MarkUnavailable(ctx context.Context, reason error)
}

// UpstreamError wraps a failure talking to a price provider or one of its
// dependencies. Fault marks an explicit error response (e.g. a SOAP fault)
// as opposed to a transport failure.
type UpstreamError struct {
	Provider string
	Fault    bool
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
