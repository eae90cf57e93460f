// Package config loads the YAML configuration file and applies environment
// variable overrides for credentials and connection strings.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"forex-session-lab/internal/costmodel"
	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/risk"
)

// Config is the top-level configuration.
type Config struct {
	Server      Server       `yaml:"server"`
	Storage     Storage      `yaml:"storage"`
	MarketData  MarketData   `yaml:"market_data"`
	Prediction  Prediction   `yaml:"prediction"`
	Account     AccountCfg   `yaml:"account"`
	Risk        RiskCfg      `yaml:"risk"`
	Venue       VenueCfg     `yaml:"venue"`
	Sessions    []SessionCfg `yaml:"sessions"`
	Instruments []Instrument `yaml:"instruments"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Addr string `yaml:"addr"`
}

// Storage holds database connection strings.
type Storage struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	UseMemory     bool   `yaml:"use_memory"`
}

// MarketData holds endpoints and credentials for the price feed.
type MarketData struct {
	RESTEndpoint string `yaml:"rest_endpoint"`
	WSEndpoint   string `yaml:"ws_endpoint"`
	APIKey       string `yaml:"api_key"`
}

// Prediction holds the prediction service endpoint and model name.
type Prediction struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// AccountCfg seeds the account aggregate on first run.
type AccountCfg struct {
	StartingBalance float64 `yaml:"starting_balance"`
	Currency        string  `yaml:"currency"`
}

// RiskCfg holds position sizing parameters. RiskPercent is a fraction of
// balance, e.g. 0.0155 for 1.55%.
type RiskCfg struct {
	RiskPercent     float64 `yaml:"risk_percent"`
	ToleranceFactor float64 `yaml:"tolerance_factor"`
	TPPercentile    string  `yaml:"tp_percentile"`
	SLPercentile    string  `yaml:"sl_percentile"`
	MinDistancePips float64 `yaml:"min_distance_pips"`
	DefaultTPPips   float64 `yaml:"default_tp_pips"`
	DefaultSLPips   float64 `yaml:"default_sl_pips"`
	MinLot          float64 `yaml:"min_lot"`
	MaxLot          float64 `yaml:"max_lot"`
	LotStep         float64 `yaml:"lot_step"`
	MinConviction   int     `yaml:"min_conviction"`
}

// VenueCfg holds execution cost parameters.
type VenueCfg struct {
	CommissionPerLotPerSide float64 `yaml:"commission_per_lot_per_side"`
	EntrySlippagePips       float64 `yaml:"entry_slippage_pips"`
	TPExitSlippagePips      float64 `yaml:"tp_exit_slippage_pips"`
	SLExitSlippagePips      float64 `yaml:"sl_exit_slippage_pips"`
	DefaultSpreadPips       float64 `yaml:"default_spread_pips"`
	SpreadConvention        string  `yaml:"spread_convention"`
}

// SessionCfg defines one trading session.
type SessionCfg struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"` // IANA tz, empty = fixed UTC
	Hour     int    `yaml:"hour"`
	Minute   int    `yaml:"minute"`
	Hours    int    `yaml:"duration_hours"`
}

// Instrument defines one tradable pair.
type Instrument struct {
	Symbol            string  `yaml:"symbol"`
	PipLocation       int     `yaml:"pip_location"`
	PipValuePerLot    float64 `yaml:"pip_value_per_lot"`
	TypicalSpreadPips float64 `yaml:"typical_spread_pips"`
}

// Default returns the full default configuration: 19 pairs, 3 sessions, ECN
// venue costs and the standard risk profile.
func Default() *Config {
	return &Config{
		Server: Server{Addr: ":8080"},
		MarketData: MarketData{
			RESTEndpoint: "https://api.polygon.io",
			WSEndpoint:   "wss://socket.polygon.io/forex",
		},
		Prediction: Prediction{
			Endpoint: "https://api.anthropic.com/v1/messages",
			Model:    "haiku",
		},
		Account: AccountCfg{StartingBalance: 10000, Currency: "USD"},
		Risk: RiskCfg{
			RiskPercent:     0.0155,
			ToleranceFactor: 1.25,
			TPPercentile:    "P75",
			SLPercentile:    "P50",
			MinDistancePips: 5.0,
			DefaultTPPips:   15.0,
			DefaultSLPips:   10.0,
			MinLot:          0.01,
			MaxLot:          5.0,
			LotStep:         0.01,
			MinConviction:   6,
		},
		Venue: VenueCfg{
			CommissionPerLotPerSide: 3.50,
			EntrySlippagePips:       0.2,
			TPExitSlippagePips:      0.1,
			SLExitSlippagePips:      0.5,
			DefaultSpreadPips:       0.3,
			SpreadConvention:        "full",
		},
		Sessions: []SessionCfg{
			{Name: "Asian_Open", Hour: 1, Minute: 0, Hours: 4},
			{Name: "London_Open", Location: "Europe/London", Hour: 8, Minute: 0, Hours: 4},
			{Name: "NY_Open", Location: "America/New_York", Hour: 9, Minute: 30, Hours: 4},
		},
		Instruments: defaultInstruments(),
	}
}

// defaultInstruments returns the 19-pair universe. Pip values per standard
// lot use fixed reference exchange rates for non-USD quote currencies.
func defaultInstruments() []Instrument {
	return []Instrument{
		// Majors
		{Symbol: "EURUSD", PipLocation: -4, PipValuePerLot: 10.00, TypicalSpreadPips: 0.1},
		{Symbol: "GBPUSD", PipLocation: -4, PipValuePerLot: 10.00, TypicalSpreadPips: 0.3},
		{Symbol: "USDJPY", PipLocation: -2, PipValuePerLot: 6.37, TypicalSpreadPips: 0.2},
		{Symbol: "AUDUSD", PipLocation: -4, PipValuePerLot: 10.00, TypicalSpreadPips: 0.3},
		{Symbol: "USDCAD", PipLocation: -4, PipValuePerLot: 6.94, TypicalSpreadPips: 0.4},
		{Symbol: "NZDUSD", PipLocation: -4, PipValuePerLot: 10.00, TypicalSpreadPips: 0.5},
		// Crosses
		{Symbol: "EURGBP", PipLocation: -4, PipValuePerLot: 12.60, TypicalSpreadPips: 0.4},
		{Symbol: "EURJPY", PipLocation: -2, PipValuePerLot: 6.37, TypicalSpreadPips: 0.5},
		{Symbol: "GBPJPY", PipLocation: -2, PipValuePerLot: 6.37, TypicalSpreadPips: 0.8},
		{Symbol: "EURAUD", PipLocation: -4, PipValuePerLot: 6.20, TypicalSpreadPips: 0.6},
		{Symbol: "EURCAD", PipLocation: -4, PipValuePerLot: 6.94, TypicalSpreadPips: 0.6},
		{Symbol: "EURNZD", PipLocation: -4, PipValuePerLot: 5.80, TypicalSpreadPips: 0.8},
		{Symbol: "GBPAUD", PipLocation: -4, PipValuePerLot: 6.20, TypicalSpreadPips: 0.9},
		{Symbol: "GBPCAD", PipLocation: -4, PipValuePerLot: 6.94, TypicalSpreadPips: 0.8},
		{Symbol: "GBPNZD", PipLocation: -4, PipValuePerLot: 5.80, TypicalSpreadPips: 1.0},
		{Symbol: "AUDJPY", PipLocation: -2, PipValuePerLot: 6.37, TypicalSpreadPips: 0.5},
		{Symbol: "CADJPY", PipLocation: -2, PipValuePerLot: 6.37, TypicalSpreadPips: 0.5},
		// Metals: gold pip = $1.00, silver pip = $0.01
		{Symbol: "XAUUSD", PipLocation: 0, PipValuePerLot: 100.00, TypicalSpreadPips: 0.15},
		{Symbol: "XAGUSD", PipLocation: -2, PipValuePerLot: 50.00, TypicalSpreadPips: 0.02},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path returns defaults with overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding fields when set. Credentials and DSNs belong in the
// environment, not the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("CLICKHOUSE_DSN"); v != "" {
		cfg.Storage.ClickHouseDSN = v
	}
	if v := os.Getenv("MARKET_DATA_API_KEY"); v != "" {
		cfg.MarketData.APIKey = v
	}
	if v := os.Getenv("MARKET_DATA_REST_ENDPOINT"); v != "" {
		cfg.MarketData.RESTEndpoint = v
	}
	if v := os.Getenv("MARKET_DATA_WS_ENDPOINT"); v != "" {
		cfg.MarketData.WSEndpoint = v
	}
	if v := os.Getenv("PREDICTION_API_KEY"); v != "" {
		cfg.Prediction.APIKey = v
	}
	if v := os.Getenv("PREDICTION_ENDPOINT"); v != "" {
		cfg.Prediction.Endpoint = v
	}
	if v := os.Getenv("PREDICTION_MODEL"); v != "" {
		cfg.Prediction.Model = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Sessions) == 0 {
		return fmt.Errorf("at least one session is required")
	}
	seen := make(map[string]bool)
	for _, s := range c.Sessions {
		if s.Name == "" {
			return fmt.Errorf("session name must not be empty")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate session %q", s.Name)
		}
		seen[s.Name] = true
		if s.Hour < 0 || s.Hour > 23 || s.Minute < 0 || s.Minute > 59 {
			return fmt.Errorf("session %s: invalid open time %02d:%02d", s.Name, s.Hour, s.Minute)
		}
		if s.Hours <= 0 {
			return fmt.Errorf("session %s: duration_hours must be positive", s.Name)
		}
		if s.Location != "" {
			if _, err := time.LoadLocation(s.Location); err != nil {
				return fmt.Errorf("session %s: %w", s.Name, err)
			}
		}
	}

	if err := c.validateSessionOverlap(); err != nil {
		return err
	}

	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	for _, inst := range c.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("instrument symbol must not be empty")
		}
		if inst.PipValuePerLot <= 0 {
			return fmt.Errorf("instrument %s: pip_value_per_lot must be positive", inst.Symbol)
		}
	}

	if c.Risk.RiskPercent <= 0 || c.Risk.RiskPercent >= 1 {
		return fmt.Errorf("risk_percent is a fraction and must be in (0, 1)")
	}
	if c.Risk.MaxLot < c.Risk.MinLot {
		return fmt.Errorf("max_lot must be >= min_lot")
	}
	switch c.Venue.SpreadConvention {
	case "full", "half":
	default:
		return fmt.Errorf("spread_convention must be \"full\" or \"half\", got %q", c.Venue.SpreadConvention)
	}
	if c.Account.StartingBalance <= 0 {
		return fmt.Errorf("starting_balance must be positive")
	}
	return nil
}

// validateSessionOverlap rejects session windows that overlap within a
// trading day, resolved against today's timezone offsets.
func (c *Config) validateSessionOverlap() error {
	type span struct {
		name  string
		open  time.Time
		close time.Time
	}
	ref := time.Now().UTC()
	spans := make([]span, 0, len(c.Sessions))
	for _, s := range c.Sessions {
		loc := time.UTC
		if s.Location != "" {
			l, err := time.LoadLocation(s.Location)
			if err != nil {
				return fmt.Errorf("session %s: %w", s.Name, err)
			}
			loc = l
		}
		open := time.Date(ref.Year(), ref.Month(), ref.Day(), s.Hour, s.Minute, 0, 0, loc).UTC()
		spans = append(spans, span{s.Name, open, open.Add(time.Duration(s.Hours) * time.Hour)})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].open.Before(spans[j].open) })
	for i := 1; i < len(spans); i++ {
		if spans[i].open.Before(spans[i-1].close) {
			return fmt.Errorf("sessions %s and %s overlap", spans[i-1].name, spans[i].name)
		}
	}
	// The latest close must also clear the earliest open of the next day.
	if len(spans) > 1 {
		first, last := spans[0], spans[len(spans)-1]
		if last.close.After(first.open.Add(24 * time.Hour)) {
			return fmt.Errorf("sessions %s and %s overlap", last.name, first.name)
		}
	}
	return nil
}

// SessionSpecs converts the session configuration to domain specs.
func (c *Config) SessionSpecs() []domain.SessionSpec {
	specs := make([]domain.SessionSpec, 0, len(c.Sessions))
	for _, s := range c.Sessions {
		specs = append(specs, domain.SessionSpec{
			Name:     s.Name,
			Location: s.Location,
			Hour:     s.Hour,
			Minute:   s.Minute,
			Duration: time.Duration(s.Hours) * time.Hour,
		})
	}
	return specs
}

// DomainInstruments converts the instrument configuration to domain types.
func (c *Config) DomainInstruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		out = append(out, domain.Instrument{
			Symbol:            inst.Symbol,
			PipLocation:       inst.PipLocation,
			PipValuePerLot:    inst.PipValuePerLot,
			TypicalSpreadPips: inst.TypicalSpreadPips,
		})
	}
	return out
}

// VenueParams converts the venue configuration to cost model parameters.
func (c *Config) VenueParams() costmodel.VenueParams {
	convention := costmodel.SpreadFull
	if c.Venue.SpreadConvention == "half" {
		convention = costmodel.SpreadHalf
	}
	return costmodel.VenueParams{
		CommissionPerLotPerSide: c.Venue.CommissionPerLotPerSide,
		EntrySlippagePips:       c.Venue.EntrySlippagePips,
		TPExitSlippagePips:      c.Venue.TPExitSlippagePips,
		SLExitSlippagePips:      c.Venue.SLExitSlippagePips,
		DefaultSpreadPips:       c.Venue.DefaultSpreadPips,
		SpreadConvention:        convention,
	}
}

// RiskParams converts the risk configuration to engine parameters.
func (c *Config) RiskParams() risk.Params {
	return risk.Params{
		RiskPercent:     c.Risk.RiskPercent,
		ToleranceFactor: c.Risk.ToleranceFactor,
		TPPercentile:    c.Risk.TPPercentile,
		SLPercentile:    c.Risk.SLPercentile,
		MinDistancePips: c.Risk.MinDistancePips,
		DefaultTPPips:   c.Risk.DefaultTPPips,
		DefaultSLPips:   c.Risk.DefaultSLPips,
		MinLot:          c.Risk.MinLot,
		MaxLot:          c.Risk.MaxLot,
		LotStep:         c.Risk.LotStep,
		MinConviction:   c.Risk.MinConviction,
	}
}
