package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"cylo/config"
	"cylo/core/events"
	"cylo/core/state"
	"cylo/crypto"
	"cylo/native/escrow"
	"cylo/observability/logging"
	"cylo/rpc"
	"cylo/storage"
)

const allocMarkerKey = "genesis/alloc-applied"

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	listenAddr := flag.String("listen", "", "override the RPC listen address from the config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddress = *listenAddr
	}

	logger := logging.Setup("cylod", cfg.Environment)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := applyAllocations(manager, cfg.Alloc, logger); err != nil {
		return err
	}

	broadcaster := events.NewBroadcaster()

	engine := escrow.NewEngine()
	engine.SetStore(escrow.NewStore(manager))
	engine.SetTokenMover(manager)
	engine.SetEmitter(broadcaster)

	token := config.RPCToken()
	if token == "" {
		logger.Warn("CYLO_RPC_TOKEN not set; authenticated RPC methods will be rejected")
	}

	server := rpc.NewServer(engine, manager, broadcaster, logger, token, cfg.NetworkName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting cylod",
		slog.String("network", cfg.NetworkName),
		slog.String("data_dir", cfg.DataDir),
		slog.String("listen", cfg.ListenAddress),
	)
	return server.Start(ctx, cfg.ListenAddress)
}

// applyAllocations mints the configured genesis balances exactly once. A
// marker key in the ledger guards against re-minting on restart.
func applyAllocations(manager *state.Manager, allocs []config.Allocation, logger *slog.Logger) error {
	if len(allocs) == 0 {
		return nil
	}
	applied, err := manager.KVHas([]byte(allocMarkerKey))
	if err != nil {
		return fmt.Errorf("check allocation marker: %w", err)
	}
	if applied {
		return nil
	}
	for _, alloc := range allocs {
		addr, err := crypto.DecodeAddress(alloc.Address)
		if err != nil {
			return fmt.Errorf("allocation address %q: %w", alloc.Address, err)
		}
		amount, ok := new(big.Int).SetString(alloc.Amount, 10)
		if !ok {
			return fmt.Errorf("allocation amount %q is not a base-10 integer", alloc.Amount)
		}
		if err := manager.Mint(alloc.Token, addr.Array(), amount); err != nil {
			return fmt.Errorf("mint allocation for %s: %w", alloc.Address, err)
		}
		logger.Info("applied genesis allocation",
			slog.String("address", alloc.Address),
			slog.String("token", alloc.Token),
			slog.String("amount", alloc.Amount),
		)
	}
	if err := manager.KVPut([]byte(allocMarkerKey), true); err != nil {
		return fmt.Errorf("write allocation marker: %w", err)
	}
	return nil
}
