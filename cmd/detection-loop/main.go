package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/internal/api"
	"github.com/cybersentinel/detection-loop/internal/database"
	"github.com/cybersentinel/detection-loop/internal/metrics"
	"github.com/cybersentinel/detection-loop/pkg/config"
	"github.com/cybersentinel/detection-loop/pkg/coordinator"
	"github.com/cybersentinel/detection-loop/pkg/deploy"
	"github.com/cybersentinel/detection-loop/pkg/engines"
	"github.com/cybersentinel/detection-loop/pkg/feedback"
	"github.com/cybersentinel/detection-loop/pkg/models"
	"github.com/cybersentinel/detection-loop/pkg/monitor"
	"github.com/cybersentinel/detection-loop/pkg/tuning"
)

func main() {
	var (
		configPath = flag.String("config", "./config/detection_loop.yaml", "Path to configuration file")
		runOnce    = flag.Bool("once", false, "Run a single detection cycle and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := cfg.BuildLogger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if _, statErr := os.Stat(*configPath); statErr != nil {
		logger.Warn("config file not found, running with defaults",
			zap.String("path", *configPath))
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	repo := database.NewRepository(db)

	clock := models.SystemClock()
	instruments := metrics.New()

	registry := engines.NewRegistry(logger)
	deployer, err := deploy.NewDeployer(cfg.Targets, registry, logger,
		deploy.WithResultHook(instruments.ObserveDeployment))
	if err != nil {
		logger.Fatal("invalid deployment targets", zap.Error(err))
	}

	store := feedback.NewStore(repo, clock, logger)
	mon := monitor.NewMonitor(repo, clock, logger)
	if err := mon.SetThresholds(cfg.Thresholds); err != nil {
		logger.Fatal("invalid health thresholds", zap.Error(err))
	}

	optimizer := tuning.NewOptimizer(cfg.Tuning.MaxRecommendationsPerRule, clock, logger)
	tuner := tuning.NewEngine(cfg.TuningEngineConfig(), optimizer, repo, store, mon, clock, logger,
		tuning.WithWhitelistSink(repo),
		tuning.WithObserver(instruments))

	coord := coordinator.New(cfg.Coordinator, repo, deployer, store, mon, tuner, clock, logger,
		coordinator.WithKnowledgeGraph(repo),
		coordinator.WithObserver(instruments))

	if *runOnce {
		cycle, err := coord.RunSingleCycle(context.Background())
		if err != nil {
			logger.Fatal("cycle failed to run", zap.Error(err))
		}
		logger.Info("cycle complete",
			zap.String("cycle_id", cycle.CycleID),
			zap.String("status", cycle.Status.String()))
		return
	}

	// Hot-reload health thresholds and the tuning auto-apply gate on
	// config file changes.
	watcher, err := config.NewWatcher(*configPath, func(next *config.Config) {
		if err := mon.SetThresholds(next.Thresholds); err != nil {
			logger.Warn("rejected reloaded thresholds", zap.Error(err))
			return
		}
		tuner.SetAutoApplyLowRisk(next.Tuning.AutoApplyLowRisk)
	}, logger)
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	coord.Start()

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(coord, deployer, store, mon, tuner,
			cfg.Coordinator.PerformanceWindowHours, instruments.Handler(), logger)
		go func() {
			logger.Info("api server listening", zap.String("addr", cfg.API.ListenAddress))
			if err := server.Start(cfg.API.ListenAddress); err != nil && err != http.ErrServerClosed {
				logger.Error("api server stopped", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	coord.Stop()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("api shutdown incomplete", zap.Error(err))
		}
	}
}
