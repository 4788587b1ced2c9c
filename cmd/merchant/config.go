package main

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tollgatehq/tollgate/internal/quote"
	"github.com/tollgatehq/tollgate/internal/x402"
)

const (
	defaultNetwork          = "bsc-testnet"
	defaultQuoteTTLSeconds  = 120
	defaultRateLimitWindow  = 60
	defaultRateLimitMax     = 30
	defaultUSDPerNativeUnit = "600"
)

type Config struct {
	Port        int    `yaml:"port" envconfig:"PORT"`
	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL"`
	RedisURL    string `yaml:"redis_url" envconfig:"REDIS_URL"`
	Network     string `yaml:"network" envconfig:"NETWORK"`

	// The facilitator challenges point clients at, and the address its
	// verdict signatures must recover to.
	FacilitatorURL    string `yaml:"facilitator_url" envconfig:"FACILITATOR_URL"`
	FacilitatorSigner string `yaml:"facilitator_signer" envconfig:"FACILITATOR_SIGNER"`

	QuoteTTLSeconds int `yaml:"quote_ttl_seconds" envconfig:"QUOTE_TTL_SECONDS"`

	RateLimitWindowSeconds int   `yaml:"rate_limit_window_seconds" envconfig:"RATE_LIMIT_WINDOW_SECONDS"`
	RateLimitMax           int64 `yaml:"rate_limit_max" envconfig:"RATE_LIMIT_MAX"`

	// USD price of one native unit, used to convert cent prices to wei.
	USDPerNativeUnit string `yaml:"usd_per_native_unit" envconfig:"USD_PER_NATIVE_UNIT"`

	// Facilitator call resilience knobs. Zero values use the package
	// defaults.
	MaxAttempts             int `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" envconfig:"BREAKER_FAILURE_THRESHOLD"`
	BreakerResetSeconds     int `yaml:"breaker_reset_seconds" envconfig:"BREAKER_RESET_SECONDS"`

	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig describes a sellable endpoint. The list is upserted into
// the catalog at startup.
type EndpointConfig struct {
	Slug       string `yaml:"slug" json:"slug"`
	PriceCents int64  `yaml:"price_cents" json:"price_cents"`
	Token      string `yaml:"token" json:"token"`
	Treasury   string `yaml:"treasury" json:"treasury"`
}

func (e EndpointConfig) toEndpoint() quote.Endpoint {
	return quote.Endpoint{
		Slug:            e.Slug,
		BasePriceCents:  e.PriceCents,
		TokenPreference: x402.PayToken(e.Token),
		Treasury:        e.Treasury,
		Active:          true,
	}
}

// Load Config from a yaml file at path.
func (c *Config) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return err
	}

	c.applyDefaults()
	return c.validate()
}

// Load Config from the environment.
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process("", c); err != nil {
		return err
	}

	c.applyDefaults()
	return c.validate()
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = defaultNetwork
	}
	if c.QuoteTTLSeconds == 0 {
		c.QuoteTTLSeconds = defaultQuoteTTLSeconds
	}
	if c.RateLimitWindowSeconds == 0 {
		c.RateLimitWindowSeconds = defaultRateLimitWindow
	}
	if c.RateLimitMax == 0 {
		c.RateLimitMax = defaultRateLimitMax
	}
	if c.USDPerNativeUnit == "" {
		c.USDPerNativeUnit = defaultUSDPerNativeUnit
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}
	if c.FacilitatorURL == "" {
		return fmt.Errorf("facilitator_url is required")
	}
	if c.FacilitatorSigner != "" && !x402.ValidAddress(c.FacilitatorSigner) {
		return fmt.Errorf("facilitator_signer %q is not a valid address", c.FacilitatorSigner)
	}
	for _, e := range c.Endpoints {
		if e.Slug == "" {
			return fmt.Errorf("endpoint with empty slug")
		}
		if !x402.ValidAddress(e.Treasury) {
			return fmt.Errorf("endpoint %s: treasury %q is not a valid address", e.Slug, e.Treasury)
		}
	}
	return nil
}
