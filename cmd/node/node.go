package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/api"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/chain"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/clock"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/coordinator"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/logger"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/storage"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/timelock"
)

// Node represents a running auction node.
type Node struct {
	cfg      *Config
	storage  *storage.Storage
	chain    *chain.Chain
	network  *timelock.Network
	coord    *coordinator.Coordinator
	api      *api.Server
	registry *prometheus.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, registry: prometheus.NewRegistry()}

	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initChain(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initTimelock(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initCoordinator(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := filepath.Join(n.cfg.DataPath, "db")

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initChain opens the ledger, restores a snapshot into an empty ledger
// and applies the genesis allocation once.
func (n *Node) initChain() error {
	c, err := chain.Open(n.storage)
	if err != nil {
		return fmt.Errorf("init chain:\n%w", err)
	}

	n.chain = c

	if err := n.importSnapshot(); err != nil {
		return err
	}

	if len(n.cfg.Genesis) == 0 {
		return nil
	}

	applied, err := c.ApplyGenesis(context.Background(), n.cfg.Genesis)
	if err != nil {
		return fmt.Errorf("apply genesis:\n%w", err)
	}

	if applied {
		logger.Info("genesis applied", "accounts", len(n.cfg.Genesis))
	}

	return nil
}

// importSnapshot loads the configured snapshot if the ledger is empty.
func (n *Node) importSnapshot() error {
	if n.cfg.SnapshotPath == "" || n.chain.CurrentHeight() > 0 {
		return nil
	}

	f, err := os.Open(n.cfg.SnapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open snapshot:\n%w", err)
	}
	defer f.Close()

	height, err := n.chain.ImportSnapshot(context.Background(), f)
	if err != nil {
		return fmt.Errorf("import snapshot:\n%w", err)
	}

	logger.Info("snapshot imported", "path", n.cfg.SnapshotPath, "height", height)

	return nil
}

// initTimelock derives the committee from the seed and creates the
// key-release network over the chain.
func (n *Node) initTimelock() error {
	committee, err := timelock.NewCommittee(n.cfg.Seed, n.cfg.CommitteeSize)
	if err != nil {
		return fmt.Errorf("init committee:\n%w", err)
	}

	fees := timelock.FeeParams{BaseFee: n.cfg.BaseFee, GasPrice: n.cfg.GasPrice}
	n.network = timelock.NewNetwork(committee, n.chain, fees)

	return nil
}

// initCoordinator creates the auction coordinator.
func (n *Node) initCoordinator() error {
	cfg := coordinator.DefaultConfig()
	cfg.CallbackGasLimit = n.cfg.CallbackGasLimit
	cfg.MaxStaleness = n.cfg.MaxStaleness
	cfg.RevealWorkers = n.cfg.RevealWorkers
	cfg.AutoFinalize = n.cfg.AutoFinalize

	blocks := clock.New(n.chain, n.cfg.BlockTime)

	coord, err := coordinator.New(cfg, n.chain, blocks, n.network, n.registry)
	if err != nil {
		return fmt.Errorf("init coordinator:\n%w", err)
	}

	n.coord = coord

	return nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.network.Run(ctx)
	}()

	if n.cfg.AutoMine {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.chain.Run(ctx, n.cfg.BlockTime)
		}()
	}

	if err := n.coord.Start(ctx); err != nil {
		n.Close()
		return fmt.Errorf("start coordinator:\n%w", err)
	}

	var minter api.Minter
	if n.cfg.Faucet {
		minter = n.chain
	}

	n.api = api.New(n.cfg.HTTPAddress, n.coord, minter, n.registry)
	if err := n.api.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// exportSnapshot writes the ledger to the configured snapshot path.
func (n *Node) exportSnapshot() error {
	if n.cfg.SnapshotPath == "" {
		return nil
	}

	tmp := n.cfg.SnapshotPath + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot:\n%w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	height, err := n.chain.ExportSnapshot(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("export snapshot:\n%w", err)
	}

	if err := os.Rename(tmp, n.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("save snapshot:\n%w", err)
	}

	logger.Info("snapshot written", "path", n.cfg.SnapshotPath, "height", height)

	return nil
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	var errs []error

	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if n.coord != nil {
		n.coord.Stop()
	}

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if n.chain != nil {
		if err := n.exportSnapshot(); err != nil {
			errs = append(errs, err)
		}
		n.chain.Close()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
