package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"paylock/config"
	"paylock/core"
	"paylock/core/events"
	"paylock/core/types"
	"paylock/native/escrow"
	"paylock/observability/logging"
	"paylock/observability/metrics"
	"paylock/rpc"
	"paylock/storage"
)

// slogEmitter mirrors every ledger event into the structured log stream.
type slogEmitter struct {
	logger *slog.Logger
}

func (e slogEmitter) Emit(evt events.Event) {
	attrs := []slog.Attr{slog.String("type", evt.EventType())}
	if rendered, ok := evt.(interface{ Event() *types.Event }); ok {
		if wire := rendered.Event(); wire != nil {
			for key, value := range wire.Attributes {
				attrs = append(attrs, slog.String(key, value))
			}
		}
	}
	e.logger.LogAttrs(context.Background(), slog.LevelInfo, "escrow event", attrs...)
}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PAYLOCK_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	var logger *slog.Logger
	if cfg.LogFile != "" {
		logger = logging.SetupWithWriter("paylockd", env, logging.RotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB))
	} else {
		logger = logging.Setup("paylockd", env)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	node := core.NewNode(db)
	if cfg.MaxBatchSize > 0 {
		node.SetMaxBatchSize(cfg.MaxBatchSize)
	}

	recorder := metrics.NewRecorder()
	node.SetEmitter(events.MultiEmitter{recorder, slogEmitter{logger: logger}})

	for _, token := range cfg.Tokens {
		if err := node.RegisterToken(token.Symbol, token.Name, token.Decimals); err != nil {
			logger.Error("Failed to register token", slog.String("symbol", token.Symbol), slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("Registered token", slog.String("symbol", token.Symbol), slog.Int("decimals", int(token.Decimals)))
	}

	admin, err := parseAdminAddress(cfg.AdminAddress)
	if err != nil {
		logger.Error("Invalid admin address", slog.Any("error", err))
		os.Exit(1)
	}
	if err := node.Initialize(admin); err != nil && !errors.Is(err, escrow.ErrAlreadyInitialized) {
		logger.Error("Failed to initialize escrow admin", slog.Any("error", err))
		os.Exit(1)
	}

	server := rpc.NewServer(node)
	server.SetMetricsHandler(recorder.Handler())

	logger.Info("Starting RPC server", slog.String("address", cfg.RPCAddress))
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func parseAdminAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if len(trimmed) != 40 {
		return addr, fmt.Errorf("admin address must be 20 bytes of hex")
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("decode admin address: %w", err)
	}
	copy(addr[:], decoded)
	return addr, nil
}
