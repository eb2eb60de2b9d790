// Command spooldrain uploads everything waiting in the evidence spool once and
// prints one line per file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dj-oyu/padetect-agent/internal/config"
	"github.com/dj-oyu/padetect-agent/internal/evidence"
	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/metrics"
	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/internal/upload"
)

// printingUploader reports each attempt on out.
type printingUploader struct {
	evidence.Uploader
	out io.Writer
}

func (p printingUploader) UploadFile(ctx context.Context, path string) bool {
	ok := p.Uploader.UploadFile(ctx, path)
	status := "ok"
	if !ok {
		status = "FAILED"
	}
	fmt.Fprintf(p.out, "%-6s %s\n", status, filepath.Base(path))
	return ok
}

// drain runs one pass over spoolDir and returns the process exit code.
func drain(ctx context.Context, spoolDir string, u evidence.Uploader, store *evidence.Store, timeout time.Duration, out io.Writer) int {
	scanner := evidence.NewScanner(spoolDir, printingUploader{Uploader: u, out: out}, store, metrics.New(), timeout)
	res := scanner.ScanOnce(ctx)
	fmt.Fprintf(out, "found %d, uploaded %d, failed %d\n", res.Found, len(res.Uploaded), len(res.Failed))

	if st, err := store.Stats(ctx); err == nil {
		fmt.Fprintf(out, "evidence log: %d total, %d pending, %d attempts\n", st.Total, st.Pending, st.Attempts)
	}
	if len(res.Failed) > 0 {
		return 1
	}
	return 0
}

func main() {
	var (
		configPath string
		spoolDir   string
		dbPath     string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "padetect.yaml", "Bootstrap config file (YAML)")
	flag.StringVar(&spoolDir, "spool", "", "Spool directory (overrides evidence.spool_dir)")
	flag.StringVar(&dbPath, "db", "", "Evidence log database (overrides evidence.db_path)")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error, silent)")
	flag.Parse()

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, true)
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if spoolDir != "" {
		cfg.Evidence.SpoolDir = spoolDir
	}
	if dbPath != "" {
		cfg.Evidence.DBPath = dbPath
	}

	// serverSettings from the agent's settings file win over the bootstrap
	// config, as they do in the agent.
	var server *settings.Meta
	loader := settings.NewLoader(cfg.Settings.Path, settings.NewRegistry())
	if err := loader.Load(); err != nil {
		logger.Warn("Main", "Settings not loaded, using bootstrap upload config: %v", err)
	} else {
		server, _ = loader.Section(settings.SectionServer)
	}

	u, err := upload.New(upload.WithServerSettings(cfg.Upload, server))
	if err != nil {
		log.Fatalf("Failed to create uploader: %v", err)
	}

	store, err := evidence.OpenStore(cfg.Evidence.DBPath)
	if err != nil {
		log.Fatalf("Failed to open evidence log: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if code := drain(ctx, cfg.Evidence.SpoolDir, u, store, cfg.Upload.AttemptTimeout, os.Stdout); code != 0 {
		stop()
		store.Close()
		logger.Sync()
		os.Exit(code)
	}
}
