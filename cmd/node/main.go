package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
)

func main() {
	logger.Init()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}

		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	lvl, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)

	cfg.Seed, err = loadOrGenerateSeed(cfg.SeedPath)
	if err != nil {
		return fmt.Errorf("load seed:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("starting sealed-bid auction node",
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
		"block_time", cfg.BlockTime,
		"auto_mine", cfg.AutoMine,
		"committee", cfg.CommitteeSize,
		"auto_finalize", cfg.AutoFinalize,
		"faucet", cfg.Faucet,
	)

	if len(cfg.Genesis) > 0 {
		logger.Info("genesis configuration", "accounts", len(cfg.Genesis))
	}
}
