package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vctt94/bisonbotkit/logging"
	"github.com/vctt94/pongarena/server"
)

func realMain() error {
	cfg, err := LoadPongServerConfig(os.Args[1:])
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create datadir: %w", err)
	}

	useStdout := true
	lb, err := logging.NewLogBackend(logging.LogConfig{
		LogFile:        filepath.Join(cfg.DataDir, "logs", "pongserver.log"),
		DebugLevel:     cfg.DebugLevel,
		MaxLogFiles:    cfg.MaxLogFiles,
		MaxBufferLines: 1000,
		UseStdout:      &useStdout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := lb.Logger("MAIN")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.NewServer(server.ServerConfig{
		ServerDir:             cfg.DataDir,
		HTTPPort:              cfg.HTTPPort,
		DebugLevel:            cfg.DebugLevel,
		DebugGameManagerLevel: cfg.DebugGameManagerLevel,
		MaxLogFiles:           cfg.MaxLogFiles,
		LogBackend:            lb,
		Game:                  cfg.GameConfig(),
		RoomNamerAddr:         cfg.RoomNamer,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Infof("Serving on port %s with data in %s", cfg.HTTPPort, cfg.DataDir)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

func main() {
	if err := realMain(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
