package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/clock"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/coordinator"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/timelock"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string `yaml:"data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `yaml:"http"`

	// BlockTime is the interval between blocks.
	BlockTime time.Duration `yaml:"blockTime"`

	// AutoMine produces a block every BlockTime. Without it the chain
	// only advances when something calls Advance.
	AutoMine bool `yaml:"autoMine"`

	// SeedPath is the committee master seed file (generated if missing).
	SeedPath string `yaml:"seed"`

	// Seed is the committee master seed.
	Seed []byte `yaml:"-"`

	// CommitteeSize is the number of key-release signers.
	CommitteeSize int `yaml:"committeeSize"`

	// BaseFee and GasPrice price decryption requests.
	BaseFee  amount.Amount `yaml:"baseFee"`
	GasPrice amount.Amount `yaml:"gasPrice"`

	// CallbackGasLimit is the gas budgeted per reveal.
	CallbackGasLimit uint64 `yaml:"callbackGasLimit"`

	// MaxStaleness is how many blocks a cached auction view may lag.
	MaxStaleness uint64 `yaml:"maxStaleness"`

	// RevealWorkers bounds concurrent reveal transactions.
	RevealWorkers int `yaml:"revealWorkers"`

	// AutoFinalize finalizes auctions once every bid is revealed.
	AutoFinalize bool `yaml:"autoFinalize"`

	// Faucet enables POST /faucet.
	Faucet bool `yaml:"faucet"`

	// Genesis is the initial balance allocation, applied once.
	Genesis map[string]amount.Amount `yaml:"genesis"`

	// SnapshotPath is imported into an empty ledger at startup and
	// written on shutdown.
	SnapshotPath string `yaml:"snapshot"`

	// LogLevel is the minimum log level.
	LogLevel string `yaml:"logLevel"`

	// ConfigPath is the YAML file the configuration was read from.
	ConfigPath string `yaml:"-"`
}

// defaultConfig returns the configuration used when nothing is set.
func defaultConfig() *Config {
	fees := timelock.DefaultFeeParams()
	coord := coordinator.DefaultConfig()

	return &Config{
		DataPath:         "./data",
		HTTPAddress:      ":8080",
		BlockTime:        clock.DefaultBlockTime,
		AutoMine:         true,
		CommitteeSize:    3,
		BaseFee:          fees.BaseFee,
		GasPrice:         fees.GasPrice,
		CallbackGasLimit: coord.CallbackGasLimit,
		MaxStaleness:     coord.MaxStaleness,
		RevealWorkers:    coord.RevealWorkers,
		AutoFinalize:     true,
		LogLevel:         "info",
	}
}

// parseFlags builds the configuration from defaults, then the -config
// file, then the command-line flags, each overriding the one before.
func parseFlags(args []string) (*Config, error) {
	cfg := defaultConfig()

	// First pass only finds -config.
	if err := newFlagSet(cfg).Parse(args); err != nil {
		return nil, err
	}

	if cfg.ConfigPath != "" {
		path := cfg.ConfigPath

		if err := loadConfigFile(path, cfg); err != nil {
			return nil, err
		}

		if err := newFlagSet(cfg).Parse(args); err != nil {
			return nil, err
		}

		cfg.ConfigPath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newFlagSet binds every flag to a field of cfg.
func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "YAML configuration file")
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", cfg.HTTPAddress, "HTTP API address")
	fs.DurationVar(&cfg.BlockTime, "block-time", cfg.BlockTime, "Interval between blocks")
	fs.BoolVar(&cfg.AutoMine, "auto-mine", cfg.AutoMine, "Produce blocks on a timer")
	fs.StringVar(&cfg.SeedPath, "seed", cfg.SeedPath, "Committee seed path (generates new if missing)")
	fs.IntVar(&cfg.CommitteeSize, "committee-size", cfg.CommitteeSize, "Number of key-release signers")
	fs.TextVar(&cfg.BaseFee, "base-fee", cfg.BaseFee, "Decryption request base fee")
	fs.TextVar(&cfg.GasPrice, "gas-price", cfg.GasPrice, "Price per unit of callback gas")
	fs.Uint64Var(&cfg.CallbackGasLimit, "callback-gas", cfg.CallbackGasLimit, "Gas budget per reveal callback")
	fs.Uint64Var(&cfg.MaxStaleness, "max-staleness", cfg.MaxStaleness, "Blocks a cached auction view may lag")
	fs.IntVar(&cfg.RevealWorkers, "reveal-workers", cfg.RevealWorkers, "Concurrent reveal workers")
	fs.BoolVar(&cfg.AutoFinalize, "auto-finalize", cfg.AutoFinalize, "Finalize auctions once all bids are revealed")
	fs.BoolVar(&cfg.Faucet, "faucet", cfg.Faucet, "Enable the dev faucet")
	fs.StringVar(&cfg.SnapshotPath, "snapshot", cfg.SnapshotPath, "Ledger snapshot to import at startup and write on shutdown")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Minimum log level (debug, info, warn, error)")
	fs.Func("genesis", "Initial balances as id=amount,id=amount", func(s string) error {
		alloc, err := parseGenesis(s)
		if err != nil {
			return err
		}
		cfg.Genesis = alloc
		return nil
	})

	return fs
}

// loadConfigFile reads YAML from path over cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file:\n%w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s:\n%w", path, err)
	}

	return nil
}

// parseGenesis parses "alice=100,bob=2.5".
func parseGenesis(s string) (map[string]amount.Amount, error) {
	alloc := make(map[string]amount.Amount)

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("invalid genesis entry %q", entry)
		}

		amt, err := amount.Parse(strings.TrimSpace(value))
		if err != nil {
			return nil, err
		}

		alloc[strings.TrimSpace(id)] = amt
	}

	return alloc, nil
}

// validate rejects settings the node cannot run with.
func (c *Config) validate() error {
	if c.BlockTime <= 0 {
		return fmt.Errorf("block time must be positive, got %s", c.BlockTime)
	}

	if c.CommitteeSize < 1 {
		return fmt.Errorf("committee size must be at least 1, got %d", c.CommitteeSize)
	}

	if c.RevealWorkers < 1 {
		return fmt.Errorf("reveal workers must be at least 1, got %d", c.RevealWorkers)
	}

	return nil
}

// loadOrGenerateSeed loads the committee seed from file or generates a new one.
func loadOrGenerateSeed(seedPath string) ([]byte, error) {
	if seedPath == "" {
		return timelock.GenerateSeed()
	}

	data, err := os.ReadFile(seedPath)
	if os.IsNotExist(err) {
		return generateAndSaveSeed(seedPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read seed file:\n%w", err)
	}

	if len(data) < timelock.SeedSize {
		return nil, fmt.Errorf("invalid seed size: got %d, want at least %d", len(data), timelock.SeedSize)
	}

	return data, nil
}

// generateAndSaveSeed creates a new seed and saves it to the given path.
func generateAndSaveSeed(path string) ([]byte, error) {
	seed, err := timelock.GenerateSeed()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, fmt.Errorf("save seed to %s:\n%w", path, err)
	}

	return seed, nil
}
