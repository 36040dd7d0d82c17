package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the static file configuration loaded once at startup.
// Runtime-tunable engine settings live in Postgres and are layered on
// top of the profile defaults by the server.
type Config struct {
	Server ServerConfig `yaml:"server"`
	LND    LNDConfig    `yaml:"lnd"`
	Engine EngineConfig `yaml:"engine"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

type LNDConfig struct {
	GRPCHost          string `yaml:"grpc_host"`
	TLSCertPath       string `yaml:"tls_cert_path"`
	AdminMacaroonPath string `yaml:"admin_macaroon_path"`
	CallTimeoutSec    int    `yaml:"call_timeout_sec"`
}

type EngineConfig struct {
	Profile        string `yaml:"profile"`
	DryRun         bool   `yaml:"dry_run"`
	RunIntervalSec int    `yaml:"run_interval_sec"`
	Workers        int    `yaml:"workers"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8443
	}
	if cfg.LND.GRPCHost == "" {
		cfg.LND.GRPCHost = "127.0.0.1:10009"
	}
	if cfg.LND.CallTimeoutSec <= 0 {
		cfg.LND.CallTimeoutSec = 30
	}
	if cfg.Engine.Profile == "" {
		cfg.Engine.Profile = "balanced"
	}
	if cfg.Engine.RunIntervalSec <= 0 {
		cfg.Engine.RunIntervalSec = 4 * 3600
	}
	return cfg, nil
}

func (c LNDConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSec) * time.Second
}

const storeDSNEnv = "FEEPILOT_PG_DSN"

// ResolveStoreDSN returns the Postgres DSN for the decision, transaction
// and backup stores.
func ResolveStoreDSN() (string, error) {
	dsn := strings.TrimSpace(os.Getenv(storeDSNEnv))
	if dsn == "" || isPlaceholderDSN(dsn) {
		return "", fmt.Errorf("%s not set", storeDSNEnv)
	}
	return dsn, nil
}

func isPlaceholderDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.Contains(lower, "changeme") || strings.Contains(lower, "example.com")
}
