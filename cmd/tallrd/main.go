// Command tallrd is the Broker daemon: the authenticated, loopback-only
// owner of the canonical Project/Task store (spec §4.5).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kaihochak/tallr/internal/broker"
	"github.com/kaihochak/tallr/internal/common/config"
	"github.com/kaihochak/tallr/internal/common/logger"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(runTokenCommand(os.Args[2:]))
	}
	os.Exit(runServer())
}

func runServer() int {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting tallrd", zap.String("addr", cfg.Broker.Addr()))

	// 3. Build the Server (mints/loads the bearer token, wires the gin
	// engine and route table).
	srv, err := broker.New(cfg.Broker, cfg.Tracker, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize broker") // exits the process
	}

	// 4. Run until a shutdown signal arrives (spec §5 Cancellation).
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutting down tallrd")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("broker server error")
		return 1
	}
	return 0
}

// runTokenCommand implements `tallrd token show|rotate` (SPEC_FULL.md
// "Bearer token lifecycle CLI").
func runTokenCommand(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}
	tokenPath := cfg.Broker.TokenPath()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tallrd token show|rotate")
		return 1
	}

	switch args[0] {
	case "show":
		token, err := broker.LoadOrMintToken(tokenPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load token: %v\n", err)
			return 1
		}
		fmt.Printf("%s\t%s\n", tokenPath, token)
		return 0
	case "rotate":
		token, err := broker.RotateToken(tokenPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to rotate token: %v\n", err)
			return 1
		}
		fmt.Printf("%s\t%s\n", tokenPath, token)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown token subcommand %q; usage: tallrd token show|rotate\n", args[0])
		return 1
	}
}
