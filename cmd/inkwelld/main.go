// Package main is the entry point for the Inkwell chat orchestration
// daemon.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/inkwell-ai/inkwell/internal/api"
	"github.com/inkwell-ai/inkwell/internal/branch"
	"github.com/inkwell-ai/inkwell/internal/buildinfo"
	"github.com/inkwell-ai/inkwell/internal/chatengine"
	"github.com/inkwell-ai/inkwell/internal/chatmodel"
	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/download"
	"github.com/inkwell-ai/inkwell/internal/embeddings"
	"github.com/inkwell-ai/inkwell/internal/events"
	"github.com/inkwell-ai/inkwell/internal/hwprobe"
	"github.com/inkwell-ai/inkwell/internal/memoryhook"
	"github.com/inkwell-ai/inkwell/internal/sidecar"
	"github.com/inkwell-ai/inkwell/internal/statusbridge"
	"github.com/inkwell-ai/inkwell/internal/store"
	"github.com/inkwell-ai/inkwell/internal/summary"
	"github.com/inkwell-ai/inkwell/internal/wsrelay"
)

// Exit codes per the daemon's command-line contract.
const (
	exitOK            = 0
	exitUnexpected    = 1
	exitSidecarFailed = 2
	exitModelNotFound = 3
	exitStorageError  = 4
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	os.Exit(runServe(logger, *configPath))
}

func runServe(logger *slog.Logger, configPath string) int {
	logger.Info("starting inkwelld", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		return exitUnexpected
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		return exitUnexpected
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			return exitUnexpected
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		return exitStorageError
	}

	dbPath := cfg.DataDir + "/inkwell.db"
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		logger.Error("failed to open database", "path", dbPath, "error", err)
		return exitStorageError
	}
	defer db.Close()

	st, err := store.New(db)
	if err != nil {
		logger.Error("failed to migrate database", "path", dbPath, "error", err)
		return exitStorageError
	}
	logger.Info("database opened", "path", dbPath)

	if cfg.Model.BinaryPath == "" {
		logger.Warn("model.binary_path not configured; recommending a variant from local hardware probe")
		rec := hwprobe.Recommend()
		logger.Info("hardware probe", "recommended_variant", rec.Variant, "detected_gpu", rec.DetectedGPU)
	}

	bus := events.New()
	br := branch.New(st)

	sc := sidecar.New(sidecar.Config{
		BinaryPath: cfg.Model.BinaryPath,
		ModelPath:  cfg.Model.Path,
		GPULayers:  cfg.Model.GPULayers,
		ListenAddr: cfg.Model.ListenAddr,
		Logger:     logger,
	})

	startCtx, startCancel := context.WithTimeout(context.Background(), 90*time.Second)
	startErr := sc.Start(startCtx)
	startCancel()
	if startErr != nil {
		if sc.Status() == sidecar.StateNotFound {
			logger.Error("model binary or weights not found", "binary_path", cfg.Model.BinaryPath, "model_path", cfg.Model.Path, "error", startErr)
			return exitModelNotFound
		}
		logger.Error("sidecar failed to start", "error", startErr)
		return exitSidecarFailed
	}
	logger.Info("sidecar ready", "listen_addr", cfg.Model.ListenAddr)

	var memProvider memoryhook.Provider = memoryhook.Null{}
	if cfg.Embeddings.Enabled {
		embClient := embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		memProvider = memoryhook.NewEmbedded(embClient)
		logger.Info("vector memory enabled", "model", cfg.Embeddings.Model)
	}

	engineCfg := chatengine.Config{
		StaleTimeout:       time.Duration(cfg.Engine.StaleTimeoutSec) * time.Second,
		SweepInterval:      time.Duration(cfg.Engine.SweepIntervalSec) * time.Second,
		CheckpointInterval: time.Duration(cfg.Engine.CheckpointIntervalSec) * time.Second,
	}
	engine := chatengine.New(st, br, sc, bus, memProvider, logger, engineCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.StartSweep(ctx)
	defer engine.StopSweep()

	summaryWorker := summary.New(st, br, &sidecarSummarizer{sc: sc}, logger, summary.DefaultConfig())
	summaryWorker.Start(ctx)
	defer summaryWorker.Stop()

	dl := download.New(st, bus, cfg.Download.ScratchDir, logger)

	relay := wsrelay.New(bus, logger)

	var bridge *statusbridge.Bridge
	if cfg.Status.MQTT.Enabled {
		bridge = statusbridge.New(statusbridge.Config{
			BrokerURL: cfg.Status.MQTT.BrokerURL,
			ClientID:  cfg.Status.MQTT.ClientID,
			Topic:     cfg.Status.MQTT.Topic,
			Logger:    logger,
		}, bus)
		if err := bridge.Start(ctx); err != nil {
			logger.Error("status bridge failed to connect", "error", err)
		} else {
			logger.Info("status bridge connected", "broker", cfg.Status.MQTT.BrokerURL)
		}
	}

	server := api.NewServer(api.Config{
		Address:         cfg.Listen.Address,
		Port:            cfg.Listen.Port,
		Store:           st,
		Engine:          engine,
		Sidecar:         sc,
		Downloads:       dl,
		WebSocket:       relay,
		ModelBinaryPath: cfg.Model.BinaryPath,
		ModelPath:       cfg.Model.Path,
		Logger:          logger,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = server.Shutdown(context.Background())
		_ = sc.Stop()
		if bridge != nil {
			_ = bridge.Stop(context.Background())
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			return exitUnexpected
		}
	}

	logger.Info("inkwelld stopped")
	return exitOK
}

// sidecarSummarizer adapts the sidecar's streaming Generate call to
// summary.Generator's whole-string contract, draining the token
// channel into one condensed string.
type sidecarSummarizer struct {
	sc *sidecar.Supervisor
}

func (s *sidecarSummarizer) Summarize(ctx context.Context, messages []*chatmodel.Message) (string, error) {
	prompt := "Summarize the following conversation turns concisely, preserving names, " +
		"facts, and decisions a reader would need to follow the rest of the conversation:\n\n"
	for _, m := range messages {
		prompt += string(m.AuthorType) + ": " + m.Content + "\n"
	}

	tokens, err := s.sc.Generate(ctx, prompt, sidecar.Params{Temperature: 0.3, MaxTokens: 256})
	if err != nil {
		return "", err
	}

	var out string
	for tok := range tokens {
		if tok.Err != nil {
			return "", tok.Err
		}
		out += tok.Text
	}
	return out, nil
}
