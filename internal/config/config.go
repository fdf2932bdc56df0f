// Package config centralizes runtime configuration for the exoneum node. It
// loads a YAML file (JSON works too, being a YAML subset), applies EXONEUM_*
// environment overrides and fills defaults for anything left unset. A missing
// file is not an error so development runs need no setup; CONFIG_FILE selects
// a different path.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when CONFIG_FILE is not set.
const DefaultPath = "exoneum.yaml"

const envPrefix = "EXONEUM_"

// Config holds configurable options for the exoneum node.
type Config struct {
	KeyFile        string        `yaml:"key_file"`        // ed25519 key used by client tools
	DBFile         string        `yaml:"db_file"`         // SQLite ledger database
	APIAddr        string        `yaml:"api_addr"`        // HTTP listen address
	ABCIAddr       string        `yaml:"abci_addr"`       // ABCI socket the consensus engine connects to
	TendermintRPC  string        `yaml:"tendermint_rpc"`  // RPC endpoint used for submissions
	TendermintHome string        `yaml:"tendermint_home"` // home directory of a managed tendermint process
	RunTendermint  bool          `yaml:"run_tendermint"`  // start tendermint as a child process
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	LogFile        string        `yaml:"log_file"`
	LogRingSize    int           `yaml:"log_ring_size"`
	RateLimit      float64       `yaml:"rate_limit"` // submissions per second per client
	RateBurst      int           `yaml:"rate_burst"`
	BackupInterval time.Duration `yaml:"backup_interval"`
	MaxBackups     int           `yaml:"max_backups"`
	DocsDir        string        `yaml:"docs_dir"`
	Discovery      bool          `yaml:"discovery"` // announce and browse for nodes over mDNS
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		KeyFile:        "exoneum_key.pem",
		DBFile:         "data/exoneum.db",
		APIAddr:        ":8080",
		ABCIAddr:       "tcp://127.0.0.1:26658",
		TendermintRPC:  "http://127.0.0.1:26657",
		TendermintHome: "",
		LogLevel:       "info",
		LogFormat:      "text",
		LogFile:        "",
		LogRingSize:    500,
		RateLimit:      20,
		RateBurst:      40,
		BackupInterval: time.Hour,
		MaxBackups:     20,
		DocsDir:        "docs",
	}
}

// Load reads the file at path (DefaultPath, or CONFIG_FILE, when empty),
// loads a .env file from the working directory if one exists, applies
// environment overrides and merges defaults into zero fields.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		path = DefaultPath
	}

	c := &Config{}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.mergeDefaults(Default())

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if c.RateBurst < 0 {
		return fmt.Errorf("rate_burst must not be negative")
	}
	if c.BackupInterval < 0 {
		return fmt.Errorf("backup_interval must not be negative")
	}
	if !strings.HasPrefix(c.ABCIAddr, "tcp://") && !strings.HasPrefix(c.ABCIAddr, "unix://") {
		return fmt.Errorf("abci_addr %q must start with tcp:// or unix://", c.ABCIAddr)
	}
	return nil
}

func (c *Config) mergeDefaults(def *Config) {
	if c.KeyFile == "" {
		c.KeyFile = def.KeyFile
	}
	if c.DBFile == "" {
		c.DBFile = def.DBFile
	}
	if c.APIAddr == "" {
		c.APIAddr = def.APIAddr
	}
	if c.ABCIAddr == "" {
		c.ABCIAddr = def.ABCIAddr
	}
	if c.TendermintRPC == "" {
		c.TendermintRPC = def.TendermintRPC
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.LogRingSize == 0 {
		c.LogRingSize = def.LogRingSize
	}
	if c.RateLimit == 0 {
		c.RateLimit = def.RateLimit
	}
	if c.RateBurst == 0 {
		c.RateBurst = def.RateBurst
	}
	if c.BackupInterval == 0 {
		c.BackupInterval = def.BackupInterval
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = def.MaxBackups
	}
	if c.DocsDir == "" {
		c.DocsDir = def.DocsDir
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	str("KEY_FILE", &c.KeyFile)
	str("DB_FILE", &c.DBFile)
	str("API_ADDR", &c.APIAddr)
	str("ABCI_ADDR", &c.ABCIAddr)
	str("TENDERMINT_RPC", &c.TendermintRPC)
	str("TENDERMINT_HOME", &c.TendermintHome)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_FILE", &c.LogFile)
	str("DOCS_DIR", &c.DocsDir)

	for name, dst := range map[string]*bool{
		"RUN_TENDERMINT": &c.RunTendermint,
		"DISCOVERY":      &c.Discovery,
	} {
		if v, ok := lookup(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = b
		}
	}
	for name, dst := range map[string]*int{
		"LOG_RING_SIZE": &c.LogRingSize,
		"RATE_BURST":    &c.RateBurst,
		"MAX_BACKUPS":   &c.MaxBackups,
	} {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}
	if v, ok := lookup(envPrefix + "RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT: %w", envPrefix, err)
		}
		c.RateLimit = f
	}
	if v, ok := lookup(envPrefix + "BACKUP_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sBACKUP_INTERVAL: %w", envPrefix, err)
		}
		c.BackupInterval = d
	}
	return nil
}
