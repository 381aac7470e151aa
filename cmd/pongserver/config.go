package main

import (
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/vctt94/bisonbotkit/utils"
	"github.com/vctt94/pongarena/ponggame"
	"github.com/vctt94/pongarena/server"
)

type PongServerConfig struct {
	DataDir  string
	HTTPPort string

	DebugLevel            string
	DebugGameManagerLevel string
	MaxLogFiles           int

	TickRate     int
	WinScore     int
	Countdown    time.Duration
	ForfeitGrace time.Duration

	// RoomNamer is the host:port of the gRPC room directory, if any.
	RoomNamer string
}

// LoadPongServerConfig parses args into a validated config.
func LoadPongServerConfig(args []string) (*PongServerConfig, error) {
	cfg := &PongServerConfig{}
	fs := flag.NewFlagSet("pongserver", flag.ContinueOnError)
	fs.StringVar(&cfg.DataDir, "datadir", "", "Directory for the database and logs")
	fs.StringVar(&cfg.HTTPPort, "httpport", "8080", "Port serving /ws and the HTTP listings")
	fs.StringVar(&cfg.DebugLevel, "debuglevel", "info", "Log level: trace, debug, info, warn, error, critical")
	fs.StringVar(&cfg.DebugGameManagerLevel, "gmdebuglevel", "", "Log level of the game manager (defaults to debuglevel)")
	fs.IntVar(&cfg.MaxLogFiles, "maxlogfiles", 10, "Number of rotated log files to keep")
	fs.IntVar(&cfg.TickRate, "tickrate", ponggame.DEFAULT_TICK_RATE, "Simulation steps per second")
	fs.IntVar(&cfg.WinScore, "winscore", ponggame.DEFAULT_WIN_SCORE, "Points needed to win a match")
	fs.DurationVar(&cfg.Countdown, "countdown", ponggame.DEFAULT_COUNTDOWN, "Pause before a match starts moving")
	fs.DurationVar(&cfg.ForfeitGrace, "forfeitgrace", 0, "How long a tournament player may reconnect before forfeiting")
	fs.StringVar(&cfg.RoomNamer, "roomnamer", "", "host:port of the gRPC room directory")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		cfg.DataDir = utils.AppDataDir("pongserver", false)
	}
	if cfg.DebugGameManagerLevel == "" {
		cfg.DebugGameManagerLevel = cfg.DebugLevel
	}
	for _, lvl := range []string{cfg.DebugLevel, cfg.DebugGameManagerLevel} {
		if _, err := server.GetDebugLevel(lvl); err != nil {
			return nil, err
		}
	}
	if port, err := strconv.Atoi(cfg.HTTPPort); err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid httpport %q", cfg.HTTPPort)
	}
	if cfg.TickRate <= 0 {
		return nil, fmt.Errorf("tickrate must be positive, got %d", cfg.TickRate)
	}
	if cfg.WinScore <= 0 {
		return nil, fmt.Errorf("winscore must be positive, got %d", cfg.WinScore)
	}
	if cfg.Countdown < 0 || cfg.ForfeitGrace < 0 {
		return nil, fmt.Errorf("durations must not be negative")
	}
	return cfg, nil
}

// GameConfig is the engine configuration selected by the flags.
func (c *PongServerConfig) GameConfig() ponggame.Config {
	g := ponggame.DefaultConfig()
	g.TickRate = c.TickRate
	g.WinScore = c.WinScore
	g.Countdown = c.Countdown
	g.ForfeitGrace = c.ForfeitGrace
	return g
}
