package main

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tollgatehq/tollgate/internal/x402"
)

const (
	defaultNetwork         = "bsc-testnet"
	defaultRPCURL          = "https://data-seed-prebsc-1-s1.binance.org:8545"
	defaultSignatureTTLMin = 10
)

type Config struct {
	Port        int    `yaml:"port" envconfig:"PORT"`
	DatabaseURL string `yaml:"database_url" envconfig:"DATABASE_URL"`
	Network     string `yaml:"network" envconfig:"NETWORK"`
	RPCURL      string `yaml:"rpc_url" envconfig:"RPC_URL"`

	// SigningKey is the hex-encoded private key verdicts are signed with.
	SigningKey          string `yaml:"signing_key" envconfig:"SIGNING_KEY"`
	SignatureTTLMinutes int    `yaml:"signature_ttl_minutes" envconfig:"SIGNATURE_TTL_MINUTES"`

	// Contract addresses for the fungible pay tokens on the configured
	// network.
	BUSDContract string `yaml:"busd_contract" envconfig:"BUSD_CONTRACT"`
	USDTContract string `yaml:"usdt_contract" envconfig:"USDT_CONTRACT"`
	GTXContract  string `yaml:"gtx_contract" envconfig:"GTX_CONTRACT"`

	// Chain call resilience knobs. Zero values use the package defaults.
	MaxAttempts             int `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" envconfig:"BREAKER_FAILURE_THRESHOLD"`
	BreakerResetSeconds     int `yaml:"breaker_reset_seconds" envconfig:"BREAKER_RESET_SECONDS"`
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
	if c.RPCURL == "" {
		c.RPCURL = defaultRPCURL
	}
	if c.SignatureTTLMinutes == 0 {
		c.SignatureTTLMinutes = defaultSignatureTTLMin
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.SigningKey == "" {
		return fmt.Errorf("signing_key is required")
	}
	for name, addr := range c.TokenContracts() {
		if addr != "" && !x402.ValidAddress(addr) {
			return fmt.Errorf("%s contract address %q is not a valid address", name, addr)
		}
	}
	return nil
}

// TokenContracts maps each fungible pay token to its configured contract
// address. Tokens without an address are omitted and cannot be verified.
func (c *Config) TokenContracts() map[x402.PayToken]string {
	m := make(map[x402.PayToken]string)
	if c.BUSDContract != "" {
		m[x402.TokenBUSD] = c.BUSDContract
	}
	if c.USDTContract != "" {
		m[x402.TokenUSDT] = c.USDTContract
	}
	if c.GTXContract != "" {
		m[x402.TokenGTX] = c.GTXContract
	}
	return m
}
