package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dj-oyu/padetect-agent/internal/agent"
	"github.com/dj-oyu/padetect-agent/internal/config"
	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/metrics"
	"github.com/dj-oyu/padetect-agent/internal/statusapi"
)

// Exit codes read by the service wrapper.
const (
	exitOK            = 0
	exitWorkerDied    = 1
	exitStartup       = 2
	exitUpdateRequest = 3
)

var (
	configPath   = flag.String("config", "padetect.yaml", "Bootstrap config file (YAML)")
	settingsPath = flag.String("settings", "", "Settings JSON path (overrides settings.path)")
	logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	statusAddr   = flag.String("status-addr", "", "Status API address (overrides status.addr, \"off\" disables)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *settingsPath != "" {
		cfg.Settings.Path = *settingsPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *statusAddr != "" {
		cfg.Status.Addr = *statusAddr
	}
	if cfg.Status.Addr == "off" {
		cfg.Status.Addr = ""
	}

	initLogger(cfg.Log)
	code := run(cfg)
	logger.Sync()
	os.Exit(code)
}

func initLogger(lc config.LogConfig) {
	level, err := logger.ParseLevel(lc.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	if lc.File == "" {
		logger.Init(level, os.Stderr, lc.Color)
	} else {
		l, err := logger.NewFile(level, os.Stderr, lc.Color, lc.File)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		logger.SetDefault(l)
	}
	logger.Info("Main", "Log level: %s", level)
}

func run(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	broadcaster := statusapi.NewBroadcaster(m)
	a := agent.New(cfg, agent.Options{
		Metrics: m,
		OnEvent: broadcaster.Publish,
	})

	logger.Info("Main", "Privacy agent starting (settings %s)", cfg.Settings.Path)
	if err := a.Start(ctx); err != nil {
		var se *agent.StartupError
		if errors.As(err, &se) {
			switch se.Kind {
			case agent.FailureConfigMissing:
				logger.Error("Main", "Settings file %s is missing", cfg.Settings.Path)
			case agent.FailureCamera:
				logger.Error("Main", "Camera unavailable: %v", se.Err)
			default:
				logger.Error("Main", "Startup failed: %v", err)
			}
		}
		broadcaster.Close()
		return exitStartup
	}

	var wg sync.WaitGroup
	serveCtx, stopServe := context.WithCancel(ctx)
	if cfg.Status.Addr != "" {
		srv := statusapi.NewServer(a, broadcaster, m.Handler(), cfg.Status.StreamInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(serveCtx, cfg.Status.Addr); err != nil {
				logger.Error("Main", "Status API: %v", err)
			}
		}()
	}

	code := exitOK
wait:
	for {
		select {
		case <-ctx.Done():
			logger.Info("Main", "Shutting down...")
			break wait
		case ev := <-a.Events():
			switch ev.Kind {
			case agent.UpdateRequested:
				logger.Info("Main", "Update requested, exiting for restart")
				code = exitUpdateRequest
				break wait
			case agent.StreamEnded:
				logger.Info("Main", "Test video finished")
				break wait
			case agent.WorkerDied:
				if a.TestPath() == "" {
					logger.Error("Main", "Camera open failed or disconnected: %s", ev.Reason)
				} else {
					logger.Error("Main", "Test video ended with error: %s", ev.Reason)
				}
				code = exitWorkerDied
				break wait
			}
		}
	}

	stopServe()
	wg.Wait()
	a.Stop()
	broadcaster.Close()
	logger.Info("Main", "Agent stopped")
	return code
}
