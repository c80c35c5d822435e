package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/arcc/internal/audio"
	"github.com/loqalabs/arcc/internal/bus"
	"github.com/loqalabs/arcc/internal/config"
)

func main() {
	var (
		configPath string
		wavPath    string
		servers    string
		sessionID  string
		frameMS    int
		realtime   bool
	)

	flag.StringVar(&configPath, "config", "", "Optional configuration file for bus settings")
	flag.StringVar(&wavPath, "wav", "", "WAV file to publish")
	flag.StringVar(&servers, "servers", "", "Comma separated NATS URLs (overrides config)")
	flag.StringVar(&sessionID, "session", "", "Session id (random when empty)")
	flag.IntVar(&frameMS, "frame-ms", 20, "Frame duration in milliseconds")
	flag.BoolVar(&realtime, "realtime", true, "Pace frames in real time")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if wavPath == "" {
		logger.Error("missing -wav")
		os.Exit(2)
	}

	busCfg := config.Default().Bus
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			logger.Error("failed to load config", slog.String("error", err.Error()))
			os.Exit(1)
		}
		busCfg = cfg.Bus
	}
	if servers != "" {
		busCfg.Servers = strings.Split(servers, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		logger.Error("failed to connect to bus", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	src := audio.NewFileSource(config.STTConfig{
		WAVPath:         wavPath,
		FrameDurationMS: frameMS,
		Realtime:        realtime,
	}, logger)
	if sessionID != "" {
		src.SessionID = sessionID
	}

	if err := src.Run(ctx, audio.PublishTo(client)); err != nil {
		logger.Error("publishing failed", slog.String("error", err.Error()))
		client.Close()
		os.Exit(1)
	}
	if err := client.Conn().Flush(); err != nil {
		logger.Warn("flush failed", slog.String("error", err.Error()))
	}
	logger.Info("published wav file", slog.String("session_id", src.SessionID))
}
