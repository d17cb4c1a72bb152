package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"
)

// InfluxDB describes the time-series database connection and the query
// shape used for meter series.
type InfluxDB struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	RetentionPolicy string `yaml:"retention_policy" json:"retention_policy"`
	Measurement     string `yaml:"measurement" json:"measurement"`
	Field           string `yaml:"field" json:"field"`
	EntityID        string `yaml:"entity_id" json:"entity_id"`
	ExportEntityID  string `yaml:"export_entity_id" json:"export_entity_id"`
	Username        string `yaml:"username" json:"username"`
	Password        string `yaml:"password" json:"password"`
	Timezone        string `yaml:"timezone" json:"timezone"`
	Interval        string `yaml:"interval" json:"interval"`
}

// Validate checks that all fields required to query meter series are set.
func (i InfluxDB) Validate() error {
	var missing []string
	if i.Host == "" {
		missing = append(missing, "host")
	}
	if i.Port == 0 {
		missing = append(missing, "port")
	}
	if i.Database == "" {
		missing = append(missing, "database")
	}
	if i.Measurement == "" {
		missing = append(missing, "measurement")
	}
	if i.Field == "" {
		missing = append(missing, "field")
	}
	if i.EntityID == "" {
		missing = append(missing, "entity_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing influxdb config keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Poplatky are the per-kWh fee components of the tariff configuration.
// POZE is a legacy alias for OZE kept for older config files.
type Poplatky struct {
	Dan             float64    `yaml:"dan" json:"dan"`
	SystemoveSluzby float64    `yaml:"systemove_sluzby" json:"systemove_sluzby"`
	KomoditaSluzba  float64    `yaml:"komodita_sluzba" json:"komodita_sluzba"`
	OZE             *float64   `yaml:"oze" json:"oze"`
	POZE            *float64   `yaml:"poze" json:"poze"`
	Distribuce      Distribuce `yaml:"distribuce" json:"distribuce"`
}

// Distribuce holds NT/VT per-kWh distribution rates.
type Distribuce struct {
	NT float64 `yaml:"NT" json:"NT"`
	VT float64 `yaml:"VT" json:"VT"`
}

// FixniDenni are fixed daily fees.
type FixniDenni struct {
	StalyPlat float64 `yaml:"staly_plat" json:"staly_plat"`
}

// FixniMesicni are fixed monthly fees.
type FixniMesicni struct {
	ProvozNesitoveInfrastruktury float64 `yaml:"provoz_nesitove_infrastruktury" json:"provoz_nesitove_infrastruktury"`
	Jistic                       float64 `yaml:"jistic" json:"jistic"`
}

// Fixni groups fixed fee schedules.
type Fixni struct {
	Denni   FixniDenni   `yaml:"denni" json:"denni"`
	Mesicni FixniMesicni `yaml:"mesicni" json:"mesicni"`
}

// Prodej holds export pricing parameters (CZK/MWh).
type Prodej struct {
	KoeficientSnizeniCeny float64 `yaml:"koeficient_snizeni_ceny" json:"koeficient_snizeni_ceny"`
}

// Tarif holds the peak-window (VT) schedule.
type Tarif struct {
	VTPeriods VTPeriods `yaml:"vt_periods" json:"vt_periods"`
}

// App is the full application/tariff configuration.
type App struct {
	DPH           float64  `yaml:"dph" json:"dph"`
	PriceProvider string   `yaml:"price_provider" json:"price_provider"`
	Poplatky      Poplatky `yaml:"poplatky" json:"poplatky"`
	Fixni         Fixni    `yaml:"fixni" json:"fixni"`
	Tarif         Tarif    `yaml:"tarif" json:"tarif"`
	InfluxDB      InfluxDB `yaml:"influxdb" json:"influxdb"`
	Prodej        Prodej   `yaml:"prodej" json:"prodej"`
}

// OZEFee resolves the OZE component, honoring the legacy "poze" key.
func (a App) OZEFee() float64 {
	if a.Poplatky.OZE != nil {
		return *a.Poplatky.OZE
	}
	if a.Poplatky.POZE != nil {
		return *a.Poplatky.POZE
	}
	return 0
}

// Location resolves the configured timezone, falling back to the host's
// local timezone when unset or unknown.
func (a App) Location() *time.Location {
	if a.InfluxDB.Timezone != "" {
		if loc, err := time.LoadLocation(a.InfluxDB.Timezone); err == nil {
			return loc
		}
	}
	return time.Local
}

// VTPeriods is a list of [start,end) peak hour windows. It accepts either
// a list of pairs or the compact "8-20,22-23" string form in YAML/JSON.
type VTPeriods [][2]int

// ParseVTPeriods parses the compact comma-separated window string. Parts
// that don't parse are skipped rather than failing the whole config.
func ParseVTPeriods(value string) VTPeriods {
	var periods VTPeriods
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		startStr, endStr, ok := strings.Cut(part, "-")
		if !ok {
			continue
		}
		start, err := strconv.Atoi(strings.TrimSpace(startStr))
		if err != nil {
			continue
		}
		end, err := strconv.Atoi(strings.TrimSpace(endStr))
		if err != nil {
			continue
		}
		periods = append(periods, [2]int{start, end})
	}
	return periods
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *VTPeriods) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*p = ParseVTPeriods(s)
		return nil
	}
	var pairs [][2]int
	if err := value.Decode(&pairs); err != nil {
		return err
	}
	*p = pairs
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *VTPeriods) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ParseVTPeriods(s)
		return nil
	}
	var pairs [][2]int
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	*p = pairs
	return nil
}

// Store loads the layered application configuration: a YAML base file with
// an optional JSON options overlay merged over it. Load re-reads on every
// call so config edits take effect without a restart.
type Store struct {
	configPath  string
	optionsPath string
	normalize   func(*App)
}

// Configured sets up flags for the configuration store and returns the
// instance.
func Configured(normalize func(*App)) *Store {
	s := &Store{normalize: normalize}
	configPath := lflag.String("config-path", "/config/config.yaml", "Path to the YAML tariff configuration")
	optionsPath := lflag.String("options-path", "/data/options.json", "Path to the JSON options overlay (missing is fine)")

	lflag.Do(func() {
		s.configPath = *configPath
		s.optionsPath = *optionsPath
	})
	return s
}

// NewStore returns a Store reading the given paths. normalize, if set, is
// applied after every load (provider name normalization lives in the
// pricing package to keep this package dependency-free).
func NewStore(configPath, optionsPath string, normalize func(*App)) *Store {
	return &Store{configPath: configPath, optionsPath: optionsPath, normalize: normalize}
}

// Load reads and merges the configuration files. A missing base or overlay
// file is not an error; an unreadable or malformed file is.
func (s *Store) Load() (App, error) {
	var app App
	app.InfluxDB.Port = 8086
	app.InfluxDB.Interval = "15m"

	if s.configPath != "" {
		raw, err := os.ReadFile(s.configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &app); err != nil {
				return App{}, fmt.Errorf("failed to parse config %s: %w", s.configPath, err)
			}
		case !os.IsNotExist(err):
			return App{}, fmt.Errorf("failed to read config %s: %w", s.configPath, err)
		}
	}

	if s.optionsPath != "" {
		raw, err := os.ReadFile(s.optionsPath)
		switch {
		case err == nil:
			// json.Unmarshal into the populated struct only overwrites
			// keys present in the overlay, which gives the deep-merge
			// semantics the options file relies on.
			if err := json.Unmarshal(raw, &app); err != nil {
				return App{}, fmt.Errorf("failed to parse options %s: %w", s.optionsPath, err)
			}
		case !os.IsNotExist(err):
			return App{}, fmt.Errorf("failed to read options %s: %w", s.optionsPath, err)
		}
	}

	if s.normalize != nil {
		s.normalize(&app)
	}
	return app, nil
}
