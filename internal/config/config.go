// Package config loads relay configuration from the environment, an
// optional .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/terminal-bench/settlementrelay/internal/ledger"
	"github.com/terminal-bench/settlementrelay/internal/validator"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Parties    PartiesConfig    `yaml:"parties"`
	Templates  TemplatesConfig  `yaml:"templates"`
	Choices    ChoicesConfig    `yaml:"choices"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Settlement SettlementConfig `yaml:"settlement"`
	Replay     ReplayConfig     `yaml:"replay"`
	Loops      LoopsConfig      `yaml:"loops"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	NATS       NATSConfig       `yaml:"nats"`
	Influx     InfluxConfig     `yaml:"influx"`
	Etcd       EtcdConfig       `yaml:"etcd"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AdminToken      string        `yaml:"adminToken"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RateLimitMax    int           `yaml:"rateLimitMax"`
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type LedgerConfig struct {
	URL            string        `yaml:"url"`
	UserID         string        `yaml:"userId"`
	JWTSecret      string        `yaml:"jwtSecret"`
	Token          string        `yaml:"token"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxFailures    int           `yaml:"maxFailures"`
	BreakerTimeout time.Duration `yaml:"breakerTimeout"`
}

type PartiesConfig struct {
	Operator string `yaml:"operator"`
	Issuer   string `yaml:"issuer"`
}

type TemplatesConfig struct {
	Token        ledger.TemplateID   `yaml:"token"`
	Escrow       ledger.TemplateID   `yaml:"escrow"`
	Service      ledger.TemplateID   `yaml:"service"`
	Oracle       ledger.TemplateID   `yaml:"oracle"`
	Bridge       ledger.TemplateID   `yaml:"bridge"`
	BridgeIn     ledger.TemplateID   `yaml:"bridgeIn"`
	Reservations []ledger.TemplateID `yaml:"reservations"`
}

type ChoicesConfig struct {
	Redeem      string `yaml:"redeem"`
	UpdatePrice string `yaml:"updatePrice"`
	BridgeIn    string `yaml:"bridgeIn"`
}

type AssetConfig struct {
	Symbol       string          `yaml:"symbol"`
	MinPrice     decimal.Decimal `yaml:"minPrice"`
	MaxPrice     decimal.Decimal `yaml:"maxPrice"`
	MaxChangePct decimal.Decimal `yaml:"maxChangePct"`
}

type QuoteSourceConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Param string `yaml:"param"`
}

type TickerSourceConfig struct {
	Name         string `yaml:"name"`
	URL          string `yaml:"url"`
	Param        string `yaml:"param"`
	TokenURL     string `yaml:"tokenUrl"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

type OracleConfig struct {
	Assets               []AssetConfig      `yaml:"assets"`
	MaxDivergencePct     decimal.Decimal    `yaml:"maxDivergencePct"`
	ResetAfterViolations int                `yaml:"resetAfterViolations"`
	BreakerCeiling       int                `yaml:"breakerCeiling"`
	SourceTimeout        time.Duration      `yaml:"sourceTimeout"`
	MaxSampleAge         time.Duration      `yaml:"maxSampleAge"`
	MaxPriceAge          time.Duration      `yaml:"maxPriceAge"`
	GuardMarkers         []string           `yaml:"guardMarkers"`
	Quote                QuoteSourceConfig  `yaml:"quote"`
	Ticker               TickerSourceConfig `yaml:"ticker"`
}

type SettlementConfig struct {
	FeeBps              int64         `yaml:"feeBps"`
	Timeout             time.Duration `yaml:"timeout"`
	IdempotencyCapacity int           `yaml:"idempotencyCapacity"`
	IdempotencyTTL      time.Duration `yaml:"idempotencyTtl"`
	ReservationFields   []string      `yaml:"reservationFields"`
}

type ReplayConfig struct {
	InMode  string `yaml:"inMode"`
	OutMode string `yaml:"outMode"`
}

type LoopsConfig struct {
	PriceInterval       time.Duration `yaml:"priceInterval"`
	AttestationInterval time.Duration `yaml:"attestationInterval"`
	WatchdogInterval    time.Duration `yaml:"watchdogInterval"`
	TickTimeout         time.Duration `yaml:"tickTimeout"`
	AlertAfter          int           `yaml:"alertAfter"`
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	SessionTTL  int           `yaml:"sessionTtl"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitMax:    60,
			RateLimitWindow: time.Minute,
		},
		Log: LogConfig{Level: "info"},
		Ledger: LedgerConfig{
			UserID:         "settlement-relay",
			Timeout:        30 * time.Second,
			MaxFailures:    5,
			BreakerTimeout: 30 * time.Second,
		},
		Choices: ChoicesConfig{
			Redeem:      validator.DefaultChoices().Redeem,
			UpdatePrice: validator.DefaultChoices().UpdatePrice,
			BridgeIn:    validator.DefaultChoices().BridgeIn,
		},
		Oracle: OracleConfig{
			MaxDivergencePct:     decimal.NewFromInt(5),
			ResetAfterViolations: 3,
			BreakerCeiling:       10,
			SourceTimeout:        10 * time.Second,
			MaxPriceAge:          5 * time.Minute,
			Quote:                QuoteSourceConfig{Name: "quote"},
			Ticker:               TickerSourceConfig{Name: "ticker"},
		},
		Settlement: SettlementConfig{
			Timeout:             time.Minute,
			IdempotencyCapacity: 10000,
			IdempotencyTTL:      time.Hour,
		},
		Replay: ReplayConfig{InMode: "strict", OutMode: "strict"},
		Loops: LoopsConfig{
			PriceInterval:       30 * time.Second,
			AttestationInterval: 10 * time.Second,
			WatchdogInterval:    time.Minute,
			TickTimeout:         2 * time.Minute,
			AlertAfter:          5,
		},
		Redis: RedisConfig{Prefix: "relay:"},
		Influx: InfluxConfig{
			Org:    "relay",
			Bucket: "prices",
		},
		Etcd: EtcdConfig{
			Prefix:      "/settlement-relay/leader",
			SessionTTL:  10,
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load reads an optional .env file, then the YAML file named by
// RELAY_CONFIG, then environment overrides, and validates the result.
// Variables already set in the environment win over .env entries.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return LoadFile(getEnv("RELAY_CONFIG", ""))
}

// LoadFile is Load without the .env step. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	template := func(key string, dst *ledger.TemplateID) {
		if v := getEnv(key, ""); v != "" {
			t, err := ledger.ParseTemplateID(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = t
		}
	}
	dec := func(key string, dst *decimal.Decimal) {
		if v := getEnv(key, ""); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	c.Server.Addr = getEnv("RELAY_HTTP_ADDR", c.Server.Addr)
	c.Server.AdminToken = getEnv("RELAY_ADMIN_TOKEN", c.Server.AdminToken)
	c.Server.ShutdownTimeout = getEnvAsDuration("RELAY_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.RateLimitMax = getEnvAsInt("RATE_LIMIT_MAX", c.Server.RateLimitMax)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Development = getEnvAsBool("LOG_DEVELOPMENT", c.Log.Development)

	c.Ledger.URL = getEnv("LEDGER_URL", c.Ledger.URL)
	c.Ledger.UserID = getEnv("LEDGER_USER_ID", c.Ledger.UserID)
	c.Ledger.JWTSecret = getEnv("LEDGER_JWT_SECRET", c.Ledger.JWTSecret)
	c.Ledger.Token = getEnv("LEDGER_TOKEN", c.Ledger.Token)
	c.Ledger.Timeout = getEnvAsDuration("LEDGER_TIMEOUT", c.Ledger.Timeout)
	c.Ledger.MaxFailures = getEnvAsInt("LEDGER_MAX_FAILURES", c.Ledger.MaxFailures)

	c.Parties.Operator = getEnv("OPERATOR_PARTY", c.Parties.Operator)
	c.Parties.Issuer = getEnv("ISSUER_PARTY", c.Parties.Issuer)

	template("TOKEN_TEMPLATE_ID", &c.Templates.Token)
	template("ESCROW_TEMPLATE_ID", &c.Templates.Escrow)
	template("SERVICE_TEMPLATE_ID", &c.Templates.Service)
	template("ORACLE_TEMPLATE_ID", &c.Templates.Oracle)
	template("BRIDGE_TEMPLATE_ID", &c.Templates.Bridge)
	template("BRIDGE_IN_TEMPLATE_ID", &c.Templates.BridgeIn)

	dec("MAX_DIVERGENCE_PCT", &c.Oracle.MaxDivergencePct)
	c.Oracle.BreakerCeiling = getEnvAsInt("BREAKER_CEILING", c.Oracle.BreakerCeiling)
	c.Oracle.MaxPriceAge = getEnvAsDuration("MAX_PRICE_AGE", c.Oracle.MaxPriceAge)
	c.Oracle.Quote.URL = getEnv("QUOTE_URL", c.Oracle.Quote.URL)
	c.Oracle.Ticker.URL = getEnv("TICKER_URL", c.Oracle.Ticker.URL)
	c.Oracle.Ticker.TokenURL = getEnv("TICKER_TOKEN_URL", c.Oracle.Ticker.TokenURL)
	c.Oracle.Ticker.ClientID = getEnv("TICKER_CLIENT_ID", c.Oracle.Ticker.ClientID)
	c.Oracle.Ticker.ClientSecret = getEnv("TICKER_CLIENT_SECRET", c.Oracle.Ticker.ClientSecret)

	c.Settlement.FeeBps = int64(getEnvAsInt("FEE_BPS", int(c.Settlement.FeeBps)))
	c.Settlement.Timeout = getEnvAsDuration("SETTLEMENT_TIMEOUT", c.Settlement.Timeout)
	c.Loops.PriceInterval = getEnvAsDuration("PRICE_POLL_INTERVAL", c.Loops.PriceInterval)
	c.Loops.AlertAfter = getEnvAsInt("ALERT_AFTER", c.Loops.AlertAfter)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Postgres.DSN = getEnv("DATABASE_URL", c.Postgres.DSN)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Influx.URL = getEnv("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = getEnv("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = getEnv("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = getEnv("INFLUX_BUCKET", c.Influx.Bucket)
	c.Etcd.Endpoints = getEnvAsSlice("ETCD_ENDPOINTS", c.Etcd.Endpoints, ",")

	return errors.Join(errs...)
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Ledger.URL == "" {
		fail("ledger url is required")
	}
	if !validator.IsParty(c.Parties.Operator) {
		fail("operator party %q is not a party id", c.Parties.Operator)
	}
	if c.Parties.Issuer != "" && !validator.IsParty(c.Parties.Issuer) {
		fail("issuer party %q is not a party id", c.Parties.Issuer)
	}
	if c.Templates.Token.IsZero() || c.Templates.Escrow.IsZero() || c.Templates.Service.IsZero() {
		fail("token, escrow and service template ids are required")
	}
	if c.Settlement.FeeBps < 0 || c.Settlement.FeeBps > 10000 {
		fail("fee of %d bps out of range", c.Settlement.FeeBps)
	}

	if len(c.Oracle.Assets) > 0 {
		if c.Templates.Oracle.IsZero() {
			fail("oracle template id is required when assets are configured")
		}
		if c.Oracle.Quote.URL == "" && c.Oracle.Ticker.URL == "" {
			fail("at least one price source url is required")
		}
		if c.Oracle.Ticker.URL != "" && c.Oracle.Ticker.TokenURL == "" {
			fail("ticker source needs a token url")
		}
	}
	seen := make(map[string]bool)
	for _, a := range c.Oracle.Assets {
		if a.Symbol == "" {
			fail("asset without symbol")
			continue
		}
		if seen[a.Symbol] {
			fail("asset %s configured twice", a.Symbol)
		}
		seen[a.Symbol] = true
		switch {
		case !a.MinPrice.IsPositive():
			fail("asset %s: minPrice must be positive", a.Symbol)
		case !a.MaxPrice.GreaterThan(a.MinPrice):
			fail("asset %s: maxPrice must be above minPrice", a.Symbol)
		}
		if !a.MaxChangePct.IsPositive() {
			fail("asset %s: maxChangePct must be positive", a.Symbol)
		}
	}

	if !c.Templates.BridgeIn.IsZero() && c.Templates.Bridge.IsZero() {
		fail("bridge-in requests need the bridge service template id")
	}
	if c.Loops.PriceInterval <= 0 || c.Loops.AttestationInterval <= 0 || c.Loops.WatchdogInterval <= 0 {
		fail("loop intervals must be positive")
	}
	for _, m := range []string{c.Replay.InMode, c.Replay.OutMode} {
		if m != "strict" && m != "monotonic" {
			fail("unknown nonce mode %q", m)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// SourceCount is the number of configured price sources.
func (c *Config) SourceCount() int {
	n := 0
	if c.Oracle.Quote.URL != "" {
		n++
	}
	if c.Oracle.Ticker.URL != "" {
		n++
	}
	return n
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	v := getEnv(key, "")
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
