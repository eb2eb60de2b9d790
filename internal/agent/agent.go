// Package agent owns every component of the privacy agent and wires them
// together: settings listeners, the capture worker, evidence spooling and
// upload, and the host supervision loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/padetect-agent/internal/alert"
	"github.com/dj-oyu/padetect-agent/internal/clock"
	"github.com/dj-oyu/padetect-agent/internal/config"
	"github.com/dj-oyu/padetect-agent/internal/detect"
	"github.com/dj-oyu/padetect-agent/internal/evidence"
	"github.com/dj-oyu/padetect-agent/internal/logger"
	"github.com/dj-oyu/padetect-agent/internal/metrics"
	"github.com/dj-oyu/padetect-agent/internal/occlusion"
	"github.com/dj-oyu/padetect-agent/internal/overlay"
	"github.com/dj-oyu/padetect-agent/internal/settings"
	"github.com/dj-oyu/padetect-agent/internal/source"
	"github.com/dj-oyu/padetect-agent/internal/upload"
	"github.com/dj-oyu/padetect-agent/internal/worker"
	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// EngineFactory loads the inference engine.
type EngineFactory func(cfg config.ModelConfig) (detect.Engine, error)

// Options customizes an Agent. Zero values select the production defaults.
type Options struct {
	NewEngine EngineFactory
	NewSource worker.SourceFactory // overrides the configured source
	Uploader  upload.Uploader
	Surfaces  []overlay.Surface
	Locker    func() error
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	OnEvent   func(worker.Event) // alert events for live subscribers
}

// Agent is the top-level orchestrator.
type Agent struct {
	cfg  *config.Config
	opts Options

	metrics    *metrics.Metrics
	registry   *settings.Registry
	loader     *settings.Loader
	params     *detect.Params
	occlusion  *occlusion.Heuristic
	aggregator *alert.Aggregator
	presenter  *overlay.Presenter
	store      *evidence.Store
	writer     *evidence.Writer
	scanner    *evidence.Scanner
	uploader   upload.Uploader
	worker     *worker.Worker

	events chan HostEvent

	mu         sync.Mutex
	started    time.Time
	testPath   string // testSettings.test_video_path
	testImages string // testSettings.test_images_dir
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New builds every component from cfg. Nothing is opened or started yet.
func New(cfg *config.Config, opts Options) *Agent {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.NewEngine == nil {
		opts.NewEngine = func(mc config.ModelConfig) (detect.Engine, error) {
			return detect.NewNetEngine(mc)
		}
	}
	if opts.Locker == nil {
		opts.Locker = LockScreen
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	a := &Agent{
		cfg:        cfg,
		opts:       opts,
		metrics:    m,
		registry:   settings.NewRegistry(),
		params:     detect.NewParams(),
		occlusion:  occlusion.New(occlusion.DefaultConfig()),
		aggregator: alert.NewAggregator(alert.DefaultPolicies()),
		events:     make(chan HostEvent, 8),
	}
	a.loader = settings.NewLoader(cfg.Settings.Path, a.registry)

	surfaces := opts.Surfaces
	if len(surfaces) == 0 {
		surfaces = overlay.Enumerate(cfg.Overlay)
	}
	a.presenter = overlay.NewPresenter(overlay.NewState(), overlay.NewRenderer(cfg.Overlay.FontDirs), surfaces)

	a.worker = worker.New(worker.Deps{
		NewSource:   a.newSource,
		NewDetector: a.newDetector,
		Occlusion:   a.occlusion,
		Aggregator:  a.aggregator,
		Presenter:   a.presenter,
		Metrics:     m,
		Clock:       opts.Clock,
		OnLock:      a.lock,
		OnEvent:     opts.OnEvent,
	})

	a.registerListeners()
	return a
}

func (a *Agent) registerListeners() {
	a.on(settings.SectionDetect, func(meta *settings.Meta) {
		p, err := alert.PoliciesFromSettings(meta)
		if err != nil {
			logger.Warn("Agent", "detectSettings: %v (keeping default priority)", err)
		}
		a.aggregator.SetPolicies(p)
	})
	a.on(settings.SectionAlertWindow, a.presenter.ApplySettings)
	a.on(settings.SectionInference, a.params.ApplySettings)
	a.on(settings.SectionImage, a.worker.ApplySettings)
	a.on(settings.SectionLog, func(meta *settings.Meta) {
		level := logger.FromSettings(meta.BoolOrDefault("log_enable", true), meta.Int32OrDefault("log_level", 1))
		logger.SetLevel(level)
		logger.Info("Agent", "Log level %s", level)
	})
	a.on(settings.SectionUpload, func(meta *settings.Meta) {
		if a.scanner != nil {
			a.scanner.ApplySettings(meta)
		}
	})
	a.on(settings.SectionTest, func(meta *settings.Meta) {
		video := meta.StringOrDefault("test_video_path", "")
		images := meta.StringOrDefault("test_images_dir", "")
		a.mu.Lock()
		changed := video != a.testPath || images != a.testImages
		a.testPath, a.testImages = video, images
		a.mu.Unlock()
		if changed && a.worker.Alive() {
			logger.Info("Agent", "Test source change applies on next worker start")
		}
	})
	a.on(settings.SectionServer, func(meta *settings.Meta) {
		if a.uploader != nil {
			logger.Info("Agent", "serverSettings changed; upload target applies on restart")
		}
	})
}

func (a *Agent) on(section string, fn settings.Listener) {
	a.registry.Register(section, func(meta *settings.Meta) {
		a.metrics.SettingsReloads.Add(1)
		fn(meta)
	})
}

func (a *Agent) newSource() (source.Source, error) {
	if a.opts.NewSource != nil {
		return a.opts.NewSource()
	}
	a.mu.Lock()
	video, images := a.testPath, a.testImages
	a.mu.Unlock()
	if images != "" {
		sc := a.cfg.Source
		sc.Kind, sc.Path = "images", images
		return source.New(sc, "")
	}
	return source.New(a.cfg.Source, video)
}

func (a *Agent) newDetector() (*detect.Detector, error) {
	engine, err := a.opts.NewEngine(a.cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", a.cfg.Model.Path, err)
	}
	return detect.New(engine, a.params, detect.Options{
		CachePath: a.cfg.Model.CachePath,
		Metrics:   a.metrics,
	}), nil
}

// Start loads settings, opens the evidence log, starts upload scanning, the
// capture worker, settings polling and host supervision. A failure is
// returned as *StartupError.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return errors.New("agent already started")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.started = a.opts.Clock.Now()
	a.mu.Unlock()

	if err := a.loader.Load(); err != nil {
		kind := FailureConfigInvalid
		if errors.Is(err, settings.ErrNotFound) {
			kind = FailureConfigMissing
		}
		return a.fail(kind, err)
	}

	store, err := evidence.OpenStore(a.cfg.Evidence.DBPath)
	if err != nil {
		return a.fail(FailureStorage, err)
	}
	a.mu.Lock()
	a.store = store
	a.mu.Unlock()
	a.writer = evidence.NewWriter(a.cfg.Evidence.SpoolDir, a.cfg.Evidence.JPEGQuality, store, a.metrics)
	if err := a.writer.Start(); err != nil {
		return a.fail(FailureStorage, err)
	}
	a.worker.SetEvidence(a.writer)

	if a.uploader = a.opts.Uploader; a.uploader == nil {
		ucfg := a.uploadConfig()
		if a.uploader, err = upload.New(ucfg); err != nil {
			return a.fail(FailureConfigInvalid, err)
		}
	}
	a.scanner = evidence.NewScanner(a.cfg.Evidence.SpoolDir, a.uploader, store, a.metrics, a.cfg.Upload.AttemptTimeout)
	if meta, ok := a.loader.Section(settings.SectionUpload); ok {
		a.scanner.ApplySettings(meta)
	}
	a.scanner.Start(a.ctx)

	if err := a.worker.Start(a.ctx); err != nil {
		var oe *source.OpenError
		if errors.As(err, &oe) {
			return a.fail(FailureCamera, err)
		}
		return a.fail(FailureModel, err)
	}

	a.loader.Start(a.ctx, a.cfg.Settings.ReloadInterval)

	a.wg.Add(1)
	go a.superviseHost(a.ctx)

	logger.Info("Agent", "Started (settings %s, spool %s)", a.cfg.Settings.Path, a.cfg.Evidence.SpoolDir)
	return nil
}

// uploadConfig overlays serverSettings on the bootstrap upload config.
func (a *Agent) uploadConfig() config.UploadConfig {
	meta, _ := a.loader.Section(settings.SectionServer)
	return upload.WithServerSettings(a.cfg.Upload, meta)
}

func (a *Agent) fail(kind FailureKind, err error) error {
	logger.Error("Agent", "Startup failed (%s): %v", kind, err)
	a.Stop()
	return &StartupError{Kind: kind, Err: err}
}

// Stop shuts everything down in reverse start order. It is safe to call more
// than once.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()

	a.loader.Stop()
	a.worker.Stop()
	if a.scanner != nil {
		a.scanner.Stop()
	}
	if a.writer != nil {
		a.writer.Stop()
	}
	a.presenter.Present(types.AlertNone)

	a.mu.Lock()
	store := a.store
	a.store = nil
	a.mu.Unlock()
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("Agent", "Close evidence log: %v", err)
		}
	}
	logger.Info("Agent", "Stopped")
}

// Events delivers host notifications: update requested, worker died, test
// stream ended.
func (a *Agent) Events() <-chan HostEvent { return a.events }

// Worker returns the capture worker.
func (a *Agent) Worker() *worker.Worker { return a.worker }

// Metrics returns the metrics registry shared by all components.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// TestPath returns the test input from testSettings, the image directory
// when set, otherwise the video path. Empty means the live source.
func (a *Agent) TestPath() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.testImages != "" {
		return a.testImages
	}
	return a.testPath
}

// OverlaySnapshot returns the overlay image while an alert is shown.
func (a *Agent) OverlaySnapshot() (image.Image, bool) { return a.presenter.Snapshot() }

func (a *Agent) lock() {
	if err := a.opts.Locker(); err != nil {
		logger.Error("Agent", "Screen lock failed: %v", err)
	}
}

// Report is the status snapshot served by the status API.
type Report struct {
	Worker          worker.Status     `json:"worker"`
	Alive           bool              `json:"alive"`
	Display         string            `json:"display"`
	States          map[string]string `json:"states"`
	Activations     map[string]uint64 `json:"activations"`
	AbsentMs        int64             `json:"absent_ms"`
	Locks           uint64            `json:"locks"`
	Spool           *evidence.Stats   `json:"spool,omitempty"`
	SettingsPath    string            `json:"settings_path"`
	SettingsReloads uint64            `json:"settings_reloads"`
	SettingsError   string            `json:"settings_error,omitempty"`
	UptimeSec       float64           `json:"uptime_sec"`
}

// Report assembles the current status.
func (a *Agent) Report(ctx context.Context) Report {
	snap := a.aggregator.Snapshot()
	r := Report{
		Worker:          a.worker.Status(),
		Alive:           a.worker.Alive(),
		Display:         snap.Display.String(),
		States:          make(map[string]string, types.NumAlertKinds),
		Activations:     make(map[string]uint64, types.NumAlertKinds),
		AbsentMs:        snap.Absent.Milliseconds(),
		Locks:           snap.Locks,
		SettingsPath:    a.loader.Path(),
		SettingsReloads: a.loader.Reloads(),
		SettingsError:   a.loader.LastError(),
	}
	for _, k := range types.AllAlertKinds() {
		r.States[k.String()] = snap.States[k].String()
		r.Activations[k.String()] = snap.Activations[k]
	}

	a.mu.Lock()
	store := a.store
	if !a.started.IsZero() {
		r.UptimeSec = a.opts.Clock.Since(a.started).Seconds()
	}
	a.mu.Unlock()
	if store != nil {
		if st, err := store.Stats(ctx); err == nil {
			r.Spool = &st
		} else {
			logger.Debug("Agent", "Spool stats: %v", err)
		}
	}
	return r
}
