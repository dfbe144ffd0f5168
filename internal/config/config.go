package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Chain     ChainConfig
	Redis     RedisConfig
	Preflight PreflightConfig
	Server    ServerConfig
}

type ChainConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`
	ChainID           int64  `mapstructure:"chain_id"`
	TokenAddress      string `mapstructure:"token_address"`
	TokenDecimals     int32  `mapstructure:"token_decimals"`
	MerchantAddress   string `mapstructure:"merchant_address"`
	SignerKey         string `mapstructure:"signer_key"`
	ConfirmTimeoutSec int64  `mapstructure:"confirm_timeout_sec"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type PreflightConfig struct {
	PollIntervalSec int64 `mapstructure:"poll_interval_sec"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ConfirmTimeout bounds each on-chain confirmation wait.
func (c ChainConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSec) * time.Second
}

func (c PreflightConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("chain.token_decimals", 18)
	v.SetDefault("chain.confirm_timeout_sec", 120)
	v.SetDefault("preflight.poll_interval_sec", 15)
	v.SetDefault("redis.addr", "redis:6379")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"chain.rpc_url":               "RPC_URL",
		"chain.chain_id":              "CHAIN_ID",
		"chain.token_address":         "TOKEN_ADDRESS",
		"chain.token_decimals":        "TOKEN_DECIMALS",
		"chain.merchant_address":      "MERCHANT_ADDRESS",
		"chain.signer_key":            "WALLET_PRIVATE_KEY",
		"chain.confirm_timeout_sec":   "CONFIRM_TIMEOUT_SEC",
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"preflight.poll_interval_sec": "BALANCE_POLL_INTERVAL_SEC",
		"server.port":                 "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.TokenAddress, "TOKEN_ADDRESS"},
		{c.Chain.MerchantAddress, "MERCHANT_ADDRESS"},
		{c.Chain.SignerKey, "WALLET_PRIVATE_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		return fmt.Errorf("TOKEN_DECIMALS out of range: %d", c.Chain.TokenDecimals)
	}
	if c.Chain.ConfirmTimeoutSec <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT_SEC must be positive")
	}
	if c.Preflight.PollIntervalSec <= 0 {
		return fmt.Errorf("BALANCE_POLL_INTERVAL_SEC must be positive")
	}
	return nil
}
